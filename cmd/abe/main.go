package main

import (
	"fmt"
	"os"

	"github.com/krancour/abe/internal/logging"
	"github.com/krancour/abe/internal/signals"
	"github.com/krancour/abe/internal/version"
	"github.com/krancour/abe/pkg/messaging"
	_ "github.com/krancour/abe/pkg/messaging/amqp"
	_ "github.com/krancour/abe/pkg/messaging/kafka"
	_ "github.com/krancour/abe/pkg/messaging/memory"
	_ "github.com/krancour/abe/pkg/messaging/mongodb"
	_ "github.com/krancour/abe/pkg/messaging/redis"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
)

// newBackend can be overridden for testing purposes.
var newBackend = messaging.NewBackend

func main() {
	if err := newApp().RunContext(signals.Context(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "\n%s\n\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "abe"
	app.Usage = "Publish and consume messages over pluggable queue backends"
	app.Version = version.String()
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    flagBackend,
			Aliases: []string{"b"},
			Usage:   "The messaging backend to use",
			EnvVars: []string{"MESSAGING_BACKEND"},
			Value:   messaging.DefaultBackend,
		},
		&cli.StringFlag{
			Name:  flagLogLevel,
			Usage: "Minimum log level: debug, info, warning or error",
		},
	}
	app.Before = setupLogging
	app.Commands = []*cli.Command{
		backendsCommand,
		publishCommand,
		consumeCommand,
		serveCommand,
	}
	return app
}

// setupLogging configures logging from the environment. The --log-level flag,
// if set, overrides LOG_LEVEL.
func setupLogging(c *cli.Context) error {
	config, err := logging.GetConfigFromEnvironment()
	if err != nil {
		return err
	}
	if levelName := c.String(flagLogLevel); levelName != "" {
		if config.Level, err = logging.ParseLevel(levelName); err != nil {
			return err
		}
	}
	return errors.Wrap(logging.Setup(config), "error configuring logging")
}

// getBackend returns a new instance of the backend selected by the global
// --backend flag.
func getBackend(c *cli.Context) (messaging.Backend, error) {
	backend, err := newBackend(c.String(flagBackend))
	return backend, errors.Wrap(err, "error getting messaging backend")
}
