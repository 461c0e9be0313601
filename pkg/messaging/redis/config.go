package redis

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/go-redis/redis"
	"github.com/kelseyhightower/envconfig"
	"github.com/krancour/abe/internal/retries"
	"github.com/krancour/abe/pkg/messaging"
	"github.com/pkg/errors"
)

const envconfigPrefix = "REDIS"

// config represents configuration options for the Redis backend sourced from
// the environment
type config struct {
	Host                  string         `envconfig:"HOST" required:"true"`
	Port                  int            `envconfig:"PORT" default:"6379"`
	Password              string         `envconfig:"PASSWORD"`
	DB                    int            `envconfig:"DB"`
	EnableTLS             bool           `envconfig:"ENABLE_TLS"`
	Prefix                string         `envconfig:"PREFIX"`
	Queue                 string         `envconfig:"QUEUE" default:"abe"`
	PollInterval          *time.Duration `envconfig:"POLL_INTERVAL"`
	HeartbeatInterval     *time.Duration `envconfig:"HEARTBEAT_INTERVAL"`
	DeadConsumerThreshold *time.Duration `envconfig:"DEAD_CONSUMER_THRESHOLD"`
	CleanerInterval       *time.Duration `envconfig:"CLEANER_INTERVAL"`
}

func getConfigFromEnvironment() (config, error) {
	c := config{}
	err := envconfig.Process(envconfigPrefix, &c)
	return c, errors.Wrap(
		err,
		"error getting redis configuration from environment",
	)
}

func (c config) redisOptions() *redis.Options {
	redisOpts := &redis.Options{
		Addr:       fmt.Sprintf("%s:%d", c.Host, c.Port),
		Password:   c.Password,
		DB:         c.DB,
		MaxRetries: 5,
	}
	if c.EnableTLS {
		redisOpts.TLSConfig = &tls.Config{
			ServerName: c.Host,
		}
	}
	return redisOpts
}

func (c config) backendOptions() *BackendOptions {
	return &BackendOptions{
		Prefix:                c.Prefix,
		Queue:                 c.Queue,
		PollInterval:          c.PollInterval,
		HeartbeatInterval:     c.HeartbeatInterval,
		DeadConsumerThreshold: c.DeadConsumerThreshold,
		CleanerInterval:       c.CleanerInterval,
	}
}

// newBackendFromEnvironment returns a Redis backend connected to the database
// specified by environment variables.
func newBackendFromEnvironment() (messaging.Backend, error) {
	c, err := getConfigFromEnvironment()
	if err != nil {
		return nil, err
	}
	redisClient := redis.NewClient(c.redisOptions())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	connectPolicy := retries.Policy{
		MaxAttempts: 5,
		MaxBackoff:  10 * time.Second,
	}
	if err := connectPolicy.Run(
		ctx,
		"connect to redis",
		func() (bool, error) {
			if err := redisClient.Ping().Err(); err != nil {
				return true, errors.Wrapf(
					err,
					"error pinging redis at %s",
					redisClient.Options().Addr,
				)
			}
			return false, nil
		},
	); err != nil {
		redisClient.Close()
		return nil, err
	}
	return NewBackend(redisClient, c.backendOptions()), nil
}
