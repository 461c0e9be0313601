package redis

import "strings"

// keyspace derives the names of the Redis keys backing one queue, or one
// consumer group's view of a queue.
type keyspace struct {
	prefix string
	queue  string
	group  string
}

func (k keyspace) join(parts ...string) string {
	if k.prefix != "" {
		parts = append([]string{k.prefix}, parts...)
	}
	return strings.Join(parts, ":")
}

// base is the root of every key for the queue or group. Consumers that don't
// belong to a group share the queue's own keys.
func (k keyspace) base() []string {
	if k.group == "" {
		return []string{k.queue}
	}
	return []string{k.queue, "groups", k.group}
}

// forGroup returns the keyspace of the named group on the same queue.
func (k keyspace) forGroup(group string) keyspace {
	k.group = group
	return k
}

// groups names the set of groups registered with the queue.
func (k keyspace) groups() string {
	return k.join(k.queue, "groups")
}

// pending names the list of messages awaiting a consumer.
func (k keyspace) pending() string {
	return k.join(append(k.base(), "pending")...)
}

// consumers names the sorted set of live streams, scored by last heartbeat.
func (k keyspace) consumers() string {
	return k.join(append(k.base(), "consumers")...)
}

// active names the list of messages a stream has claimed but not yet
// acknowledged.
func (k keyspace) active(streamID string) string {
	return k.join(append(k.base(), streamID, "active")...)
}
