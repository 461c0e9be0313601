package amqp

import (
	"github.com/kelseyhightower/envconfig"
	"github.com/krancour/abe/pkg/messaging"
	"github.com/pkg/errors"
)

const envconfigPrefix = "AMQP"

// config represents configuration options for the AMQP backend sourced from
// the environment
type config struct {
	Address           string `envconfig:"ADDRESS" required:"true"`
	Username          string `envconfig:"USERNAME"`
	Password          string `envconfig:"PASSWORD"`
	IsAzureServiceBus bool   `envconfig:"IS_AZURE_SERVICE_BUS"`
	Queue             string `envconfig:"QUEUE" default:"abe"`
}

func getConfigFromEnvironment() (config, error) {
	c := config{}
	if err := envconfig.Process(envconfigPrefix, &c); err != nil {
		return c, errors.Wrap(
			err,
			"error getting AMQP configuration from environment",
		)
	}
	return c, nil
}

func newBackendFromEnvironment() (messaging.Backend, error) {
	c, err := getConfigFromEnvironment()
	if err != nil {
		return nil, err
	}
	return NewBackend(
		c.Address,
		c.Username,
		c.Password,
		&BackendOptions{
			IsAzureServiceBus: c.IsAzureServiceBus,
			Queue:             c.Queue,
		},
	)
}
