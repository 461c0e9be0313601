package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/krancour/abe/pkg/messaging"
	"github.com/krancour/abe/pkg/messaging/loop"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
)

var consumeCommand = &cli.Command{
	Name:  "consume",
	Usage: "Print messages as they arrive until interrupted",
	Description: "Consumer options not given as flags are read from CONSUMER_* " +
		"environment variables.",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    flagGroup,
			Aliases: []string{"g"},
			Usage:   "Join the specified consumer group",
		},
	},
	Action: consume,
}

func consume(c *cli.Context) error {
	opts, err := loop.GetConsumerOptionsFromEnvironment()
	if err != nil {
		return err
	}
	if c.IsSet(flagGroup) {
		opts.Group = c.String(flagGroup)
	}

	backend, err := getBackend(c)
	if err != nil {
		return err
	}
	defer backend.Close(context.Background()) // nolint: errcheck

	consumer := loop.NewConsumer(backend, &opts)
	consumer.Run(c.Context, messagePrinter(c.App.Writer))

	// Wait for a signal or for the stream to end on its own
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for consumer.Running() {
		select {
		case <-ticker.C:
		case <-c.Context.Done():
		}
		if c.Context.Err() != nil {
			break
		}
	}

	consumer.Shutdown(context.Background())
	return nil
}

// messagePrinter returns a handler that writes each message to w as a line
// of JSON.
func messagePrinter(w io.Writer) messaging.HandlerFn {
	return func(_ context.Context, message messaging.Message) error {
		messageJSON, err := message.ToJSON()
		if err != nil {
			return errors.Wrapf(err, "error formatting message %s", message)
		}
		_, err = fmt.Fprintln(w, string(messageJSON))
		return errors.Wrapf(err, "error printing message %s", message)
	}
}
