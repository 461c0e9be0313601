package loop

import (
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/krancour/abe/internal/logging"
	"github.com/pkg/errors"
)

const envconfigPrefix = "CONSUMER"

// ConsumerOptions represents configuration options for a Consumer.
type ConsumerOptions struct {
	// Group optionally names the consumer group to join each time the consumer
	// starts consuming. Interpretation is backend-specific.
	Group string

	// ShutdownGracePeriod specifies the maximum interval Shutdown waits for the
	// consumer's background task to stop after it has been canceled. Zero means
	// Shutdown waits for as long as it takes (or until the context passed to
	// Shutdown is canceled).
	// Min: 0
	// Max: none
	// Default: 10 seconds
	ShutdownGracePeriod *time.Duration

	// StreamCloseTimeout bounds how long the background task waits for the
	// backend to acknowledge a handled message, and to release a stream once
	// consumption has ended.
	// Min: 100 milliseconds
	// Max: 1 minute
	// Default: 5 seconds
	StreamCloseTimeout *time.Duration

	// Logger receives the consumer's log entries. Defaults to a glog-backed
	// logger.
	Logger logging.Logger
}

func (c *ConsumerOptions) applyDefaults() {
	var minShutdownGracePeriod time.Duration
	defaultShutdownGracePeriod := 10 * time.Second
	if c.ShutdownGracePeriod == nil {
		c.ShutdownGracePeriod = &defaultShutdownGracePeriod
	} else if *c.ShutdownGracePeriod < minShutdownGracePeriod {
		c.ShutdownGracePeriod = &minShutdownGracePeriod
	}

	minStreamCloseTimeout := 100 * time.Millisecond
	maxStreamCloseTimeout := time.Minute
	defaultStreamCloseTimeout := 5 * time.Second
	if c.StreamCloseTimeout == nil {
		c.StreamCloseTimeout = &defaultStreamCloseTimeout
	} else if *c.StreamCloseTimeout < minStreamCloseTimeout {
		c.StreamCloseTimeout = &minStreamCloseTimeout
	} else if *c.StreamCloseTimeout > maxStreamCloseTimeout {
		c.StreamCloseTimeout = &maxStreamCloseTimeout
	}

	if c.Logger == nil {
		c.Logger = logging.New("loop consumer")
	}
}

// config represents consumer configuration sourced from the environment
type config struct {
	Group               string         `envconfig:"GROUP"`
	ShutdownGracePeriod *time.Duration `envconfig:"SHUTDOWN_GRACE_PERIOD"`
	StreamCloseTimeout  *time.Duration `envconfig:"STREAM_CLOSE_TIMEOUT"`
}

// GetConsumerOptionsFromEnvironment returns ConsumerOptions derived from
// environment variables. Unset options are left nil so that defaults apply.
func GetConsumerOptionsFromEnvironment() (ConsumerOptions, error) {
	c := config{}
	if err := envconfig.Process(envconfigPrefix, &c); err != nil {
		return ConsumerOptions{}, errors.Wrap(
			err,
			"error getting consumer configuration from environment",
		)
	}
	return ConsumerOptions{
		Group:               c.Group,
		ShutdownGracePeriod: c.ShutdownGracePeriod,
		StreamCloseTimeout:  c.StreamCloseTimeout,
	}, nil
}
