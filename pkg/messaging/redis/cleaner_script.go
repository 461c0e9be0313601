package redis

// nolint: lll
var cleanerScript = `
-- KEYS[1]: the consumers sorted set, scored by last heartbeat
-- KEYS[2]: the pending list

-- ARGV[1]: the timestamp before which a consumer is considered dead

-- Returns: the number of reclaimed messages

local deadActiveLists = redis.call("ZRANGEBYSCORE", KEYS[1], 0, ARGV[1])
local reclaimed = 0

for _, deadActiveList in ipairs(deadActiveLists) do
  local messages = redis.call("LRANGE", deadActiveList, 0, -1)
  local count = table.getn(messages)

  -- Active lists hold at most one message, so a single RPUSH is safe. RPUSH
  -- puts reclaimed messages at the end of the pending list that is consumed
  -- first.
  if count > 0 then
    redis.call("RPUSH", KEYS[2], unpack(messages))
    reclaimed = reclaimed + count
  end

  redis.call("DEL", deadActiveList)
  redis.call("ZREM", KEYS[1], deadActiveList)
end

return reclaimed
`
