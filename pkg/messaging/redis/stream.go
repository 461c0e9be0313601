package redis

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis"
	"github.com/krancour/abe/internal/logging"
	"github.com/krancour/abe/pkg/messaging"
	"github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"
)

// stream is a Redis-based implementation of the messaging.Stream interface.
// Each message is moved atomically from the pending list to a stream-specific
// active list when it is received and is removed from the active list when the
// next message is requested.
type stream struct {
	id          string
	redisClient *redis.Client
	options     BackendOptions
	logger      logging.Logger
	// pendingListName is the key for the list of messages ready to be handled.
	pendingListName string
	// consumersSetName is the key for the sorted set of all streams consuming
	// from the pending list, scored by the time of their last heartbeat.
	consumersSetName string
	// activeListName is the key for the list of messages this stream has
	// received but not yet acknowledged.
	activeListName string
	cleanerScript  *redis.Script

	// unacked is the raw form of the last message returned by Next.
	unacked []byte
	closed  bool

	cancel context.CancelFunc
	wg     sync.WaitGroup

	// All of the following behaviors can be overridden for testing purposes
	runHeart   func(context.Context)
	heartbeat  func() error
	runCleaner func(context.Context)
	clean      func() error
}

func newStream(
	redisClient *redis.Client,
	options BackendOptions,
	cleanerScript *redis.Script,
	group string,
) *stream {
	id := uuid.NewV4().String()
	keys := keyspace{prefix: options.Prefix, queue: options.Queue, group: group}
	s := &stream{
		id:               id,
		redisClient:      redisClient,
		options:          options,
		logger:           options.Logger,
		pendingListName:  keys.pending(),
		consumersSetName: keys.consumers(),
		activeListName:   keys.active(id),
		cleanerScript:    cleanerScript,
	}
	s.runHeart = s.defaultRunHeart
	s.heartbeat = s.defaultHeartbeat
	s.runCleaner = s.defaultRunCleaner
	s.clean = s.defaultClean
	return s
}

// start announces the stream's existence and launches its background
// goroutines. The heartbeat is sent synchronously, before the stream is
// visible to other streams' cleaners, so it can never be mistaken for dead.
func (s *stream) start() error {
	if err := s.heartbeat(); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(2)
	go s.runHeart(ctx)
	go s.runCleaner(ctx)
	return nil
}

func (s *stream) Next(ctx context.Context) (messaging.Message, error) {
	if s.closed {
		return nil, messaging.ErrStreamClosed
	}
	if err := s.ack(); err != nil {
		return nil, err
	}
	for {
		messageJSON, err := s.redisClient.RPopLPush(
			s.pendingListName,
			s.activeListName,
		).Bytes()
		if err == redis.Nil {
			select {
			case <-time.After(*s.options.PollInterval):
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if err != nil {
			return nil, errors.Wrapf(
				err,
				"error receiving message from queue %q",
				s.pendingListName,
			)
		}
		message, err := messaging.NewMessageFromJSON(messageJSON)
		if err != nil {
			// No other consumer is going to be able to process this either, so
			// drop it and move on.
			if err := s.redisClient.LRem(
				s.activeListName,
				-1,
				messageJSON,
			).Err(); err != nil {
				return nil, errors.Wrapf(
					err,
					"error removing malformed message from queue %q",
					s.activeListName,
				)
			}
			s.logger.Warningf(
				"discarded malformed message from queue %q: %s",
				s.pendingListName,
				err,
			)
			continue
		}
		s.unacked = messageJSON
		return message, nil
	}
}

// Ack acknowledges the last message returned by Next.
func (s *stream) Ack(context.Context) error {
	if s.closed {
		return messaging.ErrStreamClosed
	}
	return s.ack()
}

// ack removes the last message returned by Next from the active list.
func (s *stream) ack() error {
	if s.unacked == nil {
		return nil
	}
	if err := s.redisClient.LRem(
		s.activeListName,
		-1,
		s.unacked,
	).Err(); err != nil {
		return errors.Wrapf(
			err,
			"error acknowledging message on queue %q",
			s.activeListName,
		)
	}
	s.unacked = nil
	return nil
}

// Close stops the stream's background goroutines and returns any
// unacknowledged message to the pending list so that another consumer may
// handle it.
func (s *stream) Close(ctx context.Context) error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.cancel()

	doneCh := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(doneCh)
	}()
	select {
	case <-doneCh:
	case <-ctx.Done():
		return errors.Wrapf(
			ctx.Err(),
			"error waiting for queue %q consumer %q to stop",
			s.pendingListName,
			s.id,
		)
	}

	for {
		err := s.redisClient.RPopLPush(
			s.activeListName,
			s.pendingListName,
		).Err()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return errors.Wrapf(
				err,
				"error returning unacknowledged messages to queue %q",
				s.pendingListName,
			)
		}
	}
	s.unacked = nil

	pipeline := s.redisClient.TxPipeline()
	pipeline.ZRem(s.consumersSetName, s.activeListName)
	pipeline.Del(s.activeListName)
	if _, err := pipeline.Exec(); err != nil {
		return errors.Wrapf(
			err,
			"error removing consumer %q from queue %q",
			s.id,
			s.pendingListName,
		)
	}
	return nil
}
