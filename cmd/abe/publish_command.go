package main

import (
	"fmt"
	"io/ioutil"

	"github.com/krancour/abe/pkg/messaging"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
)

var publishCommand = &cli.Command{
	Name:      "publish",
	Usage:     "Publish a message",
	ArgsUsage: "KEY",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    flagPayload,
			Aliases: []string{"p"},
			Usage:   "The message payload; a JSON object",
		},
		&cli.StringFlag{
			Name:  flagPayloadFile,
			Usage: "The location of a file containing the message payload",
		},
	},
	Action: publish,
}

func publish(c *cli.Context) error {
	// Args
	if c.Args().Len() != 1 {
		return errors.New(
			"publish requires one argument-- the key to publish the message under",
		)
	}
	key := messaging.Key(c.Args().First())

	payload, err := readPayload(c.String(flagPayload), c.String(flagPayloadFile))
	if err != nil {
		return err
	}

	backend, err := getBackend(c)
	if err != nil {
		return err
	}
	defer backend.Close(c.Context) // nolint: errcheck

	if err := backend.Publish(c.Context, key, payload); err != nil {
		return err
	}

	fmt.Fprintf(c.App.Writer, "Published message with key %q.\n", key)
	return nil
}

// readPayload returns the validated payload given inline or in a file. At most
// one of the two may be specified. If neither is, the payload is empty.
func readPayload(
	payloadJSON string,
	payloadFile string,
) (messaging.Payload, error) {
	if payloadJSON != "" && payloadFile != "" {
		return nil, errors.New(
			"only one of --payload or --payload-file may be specified",
		)
	}
	if payloadFile != "" {
		path, err := homedir.Expand(payloadFile)
		if err != nil {
			return nil, errors.Wrapf(err, "error resolving path %s", payloadFile)
		}
		payloadBytes, err := ioutil.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(
				err,
				"error reading message payload from %s",
				payloadFile,
			)
		}
		payloadJSON = string(payloadBytes)
	}
	if payloadJSON == "" {
		return messaging.Payload{}, nil
	}
	return messaging.ValidatePayloadJSON([]byte(payloadJSON))
}
