package redis

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// defaultRunCleaner periodically checks the heartbeats of all streams consuming
// from the same pending list. Unacknowledged messages held by streams found to
// have died are transplanted back to the pending list.
func (s *stream) defaultRunCleaner(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(*s.options.CleanerInterval)
	defer ticker.Stop()
	for {
		if err := s.clean(); err != nil {
			s.logger.Warningf("%s", err)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func (s *stream) defaultClean() error {
	res, err := s.cleanerScript.Run(
		s.redisClient,
		[]string{s.consumersSetName, s.pendingListName},
		time.Now().Add(-*s.options.DeadConsumerThreshold).Unix(),
	).Result()
	if err != nil {
		return errors.Wrapf(
			err,
			"error reclaiming messages from dead consumers of queue %q",
			s.pendingListName,
		)
	}
	if reclaimed, ok := res.(int64); ok && reclaimed > 0 {
		s.logger.Infof(
			"reclaimed %d message(s) from dead consumers of queue %q",
			reclaimed,
			s.pendingListName,
		)
	}
	return nil
}
