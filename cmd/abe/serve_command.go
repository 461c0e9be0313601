package main

import (
	"context"

	"github.com/krancour/abe/internal/ingress"
	"github.com/urfave/cli/v2"
)

var serveCommand = &cli.Command{
	Name:  "serve",
	Usage: "Accept messages over HTTP and publish them",
	Description: "Listens on INGRESS_PORT (default 8080). POST a JSON object " +
		"to /v1/messages/KEY to publish it under KEY.",
	Action: serve,
}

func serve(c *cli.Context) error {
	config, err := ingress.GetConfigFromEnvironment()
	if err != nil {
		return err
	}
	backend, err := getBackend(c)
	if err != nil {
		return err
	}
	defer backend.Close(context.Background()) // nolint: errcheck
	return ingress.NewServer(config, backend).ListenAndServe(c.Context)
}
