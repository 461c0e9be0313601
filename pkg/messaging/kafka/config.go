package kafka

import (
	"context"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/krancour/abe/internal/retries"
	"github.com/krancour/abe/pkg/messaging"
	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
)

const envconfigPrefix = "KAFKA"

// config represents configuration options for the Kafka backend sourced from
// the environment
type config struct {
	Brokers     []string       `envconfig:"BROKERS" required:"true"`
	Topic       string         `envconfig:"TOPIC" default:"abe"`
	StartOffset string         `envconfig:"START_OFFSET" default:"first"`
	MaxWait     *time.Duration `envconfig:"MAX_WAIT"`
}

func getConfigFromEnvironment() (config, error) {
	c := config{}
	if err := envconfig.Process(envconfigPrefix, &c); err != nil {
		return c, errors.Wrap(
			err,
			"error getting kafka configuration from environment",
		)
	}
	return c, nil
}

func (c config) backendOptions() (*BackendOptions, error) {
	opts := &BackendOptions{
		Brokers: c.Brokers,
		Topic:   c.Topic,
		MaxWait: c.MaxWait,
	}
	switch strings.ToLower(c.StartOffset) {
	case "first", "earliest":
		opts.StartOffset = kafka.FirstOffset
	case "last", "latest":
		opts.StartOffset = kafka.LastOffset
	default:
		return nil, errors.Errorf(
			"invalid kafka start offset %q; must be \"first\" or \"last\"",
			c.StartOffset,
		)
	}
	return opts, nil
}

// newBackendFromEnvironment returns a Kafka backend for the brokers specified
// by environment variables, once at least one of them is reachable.
func newBackendFromEnvironment() (messaging.Backend, error) {
	c, err := getConfigFromEnvironment()
	if err != nil {
		return nil, err
	}
	opts, err := c.backendOptions()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	connectPolicy := retries.Policy{
		MaxAttempts: 5,
		MaxBackoff:  10 * time.Second,
	}
	if err := connectPolicy.Run(
		ctx,
		"connect to kafka",
		func() (bool, error) {
			var err error
			for _, broker := range opts.Brokers {
				var conn *kafka.Conn
				if conn, err = kafka.DialContext(ctx, "tcp", broker); err == nil {
					conn.Close()
					return false, nil
				}
			}
			return true, errors.Wrapf(
				err,
				"error dialing kafka brokers %v",
				opts.Brokers,
			)
		},
	); err != nil {
		return nil, err
	}
	return NewBackend(opts), nil
}
