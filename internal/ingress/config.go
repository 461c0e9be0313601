package ingress

import (
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
)

const envconfigPrefix = "INGRESS"

// Config represents configuration options for the ingress server.
type Config struct {
	Port int `envconfig:"PORT" default:"8080"`
}

// GetConfigFromEnvironment returns ingress server configuration derived from
// environment variables.
func GetConfigFromEnvironment() (Config, error) {
	c := Config{}
	err := envconfig.Process(envconfigPrefix, &c)
	return c, errors.Wrap(
		err,
		"error getting ingress configuration from environment",
	)
}
