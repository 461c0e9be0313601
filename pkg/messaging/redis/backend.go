package redis

import (
	"context"

	"github.com/go-redis/redis"
	"github.com/krancour/abe/pkg/messaging"
	"github.com/pkg/errors"
)

// BackendName is the name the Redis backend is registered under.
const BackendName = "redis"

func init() {
	messaging.RegisterBackend(BackendName, newBackendFromEnvironment)
}

// backend is a Redis-based implementation of the messaging.Backend interface.
// Every published message is pushed onto the pending list shared by consumers
// that don't belong to a group and onto the pending list of every consumer
// group known to the message's queue, so each group receives its own copy.
type backend struct {
	redisClient   *redis.Client
	options       BackendOptions
	cleanerScript *redis.Script
}

// NewBackend returns a new Redis-based implementation of the
// messaging.Backend interface. The backend takes ownership of the client and
// closes it when the backend is closed.
func NewBackend(
	redisClient *redis.Client,
	options *BackendOptions,
) messaging.Backend {
	if options == nil {
		options = &BackendOptions{}
	}
	opts := *options
	opts.applyDefaults()
	return &backend{
		redisClient:   redisClient,
		options:       opts,
		cleanerScript: redis.NewScript(cleanerScript),
	}
}

func (b *backend) Publish(
	_ context.Context,
	key messaging.Key,
	payload messaging.Payload,
) error {
	message := messaging.NewEnvelope(key, payload)
	messageJSON, err := message.ToJSON()
	if err != nil {
		return errors.Wrapf(err, "error encoding message %q", message.ID())
	}

	queue := string(key)
	keys := keyspace{prefix: b.options.Prefix, queue: queue}
	groups, err := b.redisClient.SMembers(keys.groups()).Result()
	if err != nil {
		return errors.Wrapf(
			err,
			"error listing consumer groups for queue %q",
			queue,
		)
	}

	pipeline := b.redisClient.TxPipeline()
	pipeline.LPush(keys.pending(), messageJSON)
	for _, group := range groups {
		pipeline.LPush(keys.forGroup(group).pending(), messageJSON)
	}
	if _, err := pipeline.Exec(); err != nil {
		return errors.Wrapf(
			err,
			"error publishing message %q",
			message.ID(),
		)
	}
	return nil
}

// Consume opens a stream on the configured queue. A non-empty group is
// registered with the queue first so that subsequently published messages
// are copied to the group's pending list.
func (b *backend) Consume(
	_ context.Context,
	group string,
) (messaging.Stream, error) {
	if group != "" {
		keys := keyspace{prefix: b.options.Prefix, queue: b.options.Queue}
		if err := b.redisClient.SAdd(keys.groups(), group).Err(); err != nil {
			return nil, errors.Wrapf(
				err,
				"error registering consumer group %q with queue %q",
				group,
				b.options.Queue,
			)
		}
	}
	s := newStream(b.redisClient, b.options, b.cleanerScript, group)
	if err := s.start(); err != nil {
		return nil, err
	}
	return s, nil
}

func (b *backend) Close(context.Context) error {
	return errors.Wrap(b.redisClient.Close(), "error closing redis client")
}
