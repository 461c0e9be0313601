package redis

import (
	"time"

	"github.com/krancour/abe/internal/logging"
)

// BackendOptions represents configuration options for the Redis backend.
type BackendOptions struct {
	// Prefix specifies a prefix for all Redis keys to effect some rudimentary
	// namespacing within a single Redis database.
	Prefix string

	// Queue names the queue that streams consume from. Publishing is possible
	// to any key.
	// Default: "abe"
	Queue string

	// PollInterval specifies the interval to pause before the next attempt to
	// retrieve a message from the pending list if and only if the previous
	// attempt retrieved nothing.
	// Min: 100 milliseconds
	// Max: 1 minute
	// Default: 1 second
	PollInterval *time.Duration

	// HeartbeatInterval specifies how frequently a stream sends out a heartbeat
	// indicating that it is alive.
	// Min: 1 second
	// Max: 5 minutes
	// Default: 30 seconds
	HeartbeatInterval *time.Duration

	// DeadConsumerThreshold specifies how much time must elapse since its last
	// heartbeat for a stream to be considered dead and its unacknowledged
	// messages to be reclaimed.
	// Min: 5 seconds
	// Max: 10 minutes
	// Default: 2 minutes
	DeadConsumerThreshold *time.Duration

	// CleanerInterval specifies how frequently each stream looks for dead
	// streams to reclaim messages from.
	// Min: 5 seconds
	// Max: 5 minutes
	// Default: 1 minute
	CleanerInterval *time.Duration

	// Logger receives the backend's log entries.
	Logger logging.Logger
}

func (b *BackendOptions) applyDefaults() {
	if b.Queue == "" {
		b.Queue = "abe"
	}

	minPollInterval := 100 * time.Millisecond
	maxPollInterval := time.Minute
	defaultPollInterval := time.Second
	if b.PollInterval == nil {
		b.PollInterval = &defaultPollInterval
	} else if *b.PollInterval < minPollInterval {
		b.PollInterval = &minPollInterval
	} else if *b.PollInterval > maxPollInterval {
		b.PollInterval = &maxPollInterval
	}

	minHeartbeatInterval := time.Second
	maxHeartbeatInterval := 5 * time.Minute
	defaultHeartbeatInterval := 30 * time.Second
	if b.HeartbeatInterval == nil {
		b.HeartbeatInterval = &defaultHeartbeatInterval
	} else if *b.HeartbeatInterval < minHeartbeatInterval {
		b.HeartbeatInterval = &minHeartbeatInterval
	} else if *b.HeartbeatInterval > maxHeartbeatInterval {
		b.HeartbeatInterval = &maxHeartbeatInterval
	}

	minDeadConsumerThreshold := 5 * time.Second
	maxDeadConsumerThreshold := 10 * time.Minute
	defaultDeadConsumerThreshold := 2 * time.Minute
	if b.DeadConsumerThreshold == nil {
		b.DeadConsumerThreshold = &defaultDeadConsumerThreshold
	} else if *b.DeadConsumerThreshold < minDeadConsumerThreshold {
		b.DeadConsumerThreshold = &minDeadConsumerThreshold
	} else if *b.DeadConsumerThreshold > maxDeadConsumerThreshold {
		b.DeadConsumerThreshold = &maxDeadConsumerThreshold
	}

	minCleanerInterval := 5 * time.Second
	maxCleanerInterval := 5 * time.Minute
	defaultCleanerInterval := time.Minute
	if b.CleanerInterval == nil {
		b.CleanerInterval = &defaultCleanerInterval
	} else if *b.CleanerInterval < minCleanerInterval {
		b.CleanerInterval = &minCleanerInterval
	} else if *b.CleanerInterval > maxCleanerInterval {
		b.CleanerInterval = &maxCleanerInterval
	}

	if b.Logger == nil {
		b.Logger = logging.New("redis backend")
	}
}
