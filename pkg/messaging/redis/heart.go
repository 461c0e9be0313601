package redis

import (
	"context"
	"time"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"
)

// defaultRunHeart emits heartbeats at regular intervals as proof of life to
// prevent other streams' cleaners from reclaiming the message this stream is
// currently handling. Failed heartbeats are logged and retried on the next
// tick.
func (s *stream) defaultRunHeart(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(*s.options.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
		if err := s.heartbeat(); err != nil {
			s.logger.Warningf("%s", err)
		}
	}
}

// defaultHeartbeat emits a single heartbeat by recording the current time as
// this stream's score in the consumers set.
func (s *stream) defaultHeartbeat() error {
	if err := s.redisClient.ZAdd(
		s.consumersSetName,
		redis.Z{
			Score:  float64(time.Now().Unix()),
			Member: s.activeListName,
		},
	).Err(); err != nil {
		return errors.Wrapf(
			err,
			"error sending heartbeat for queue %q consumer %q",
			s.pendingListName,
			s.id,
		)
	}
	return nil
}
