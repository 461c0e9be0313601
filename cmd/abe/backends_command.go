package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gosuri/uitable"
	"github.com/krancour/abe/pkg/messaging"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
)

var backendsCommand = &cli.Command{
	Name:  "backends",
	Usage: "List available messaging backends",
	Flags: []cli.Flag{
		cliFlagOutput,
	},
	Action: backendsList,
}

func backendsList(c *cli.Context) error {
	output := c.String(flagOutput)
	if err := validateOutputFormat(output); err != nil {
		return err
	}

	selected := c.String(flagBackend)
	names := messaging.Backends()

	switch strings.ToLower(output) {
	case "table":
		table := uitable.New()
		table.AddRow("NAME", "SELECTED")
		for _, name := range names {
			var mark string
			if name == selected {
				mark = "*"
			}
			table.AddRow(name, mark)
		}
		fmt.Fprintln(c.App.Writer, table)

	case "json":
		responseJSON, err := json.MarshalIndent(
			struct {
				Backends []string `json:"backends"`
				Selected string   `json:"selected"`
			}{
				Backends: names,
				Selected: selected,
			},
			"",
			"  ",
		)
		if err != nil {
			return errors.Wrap(err, "error formatting output")
		}
		fmt.Fprintln(c.App.Writer, string(responseJSON))
	}

	return nil
}
