package main

import "github.com/urfave/cli/v2"

const (
	flagBackend     = "backend"
	flagGroup       = "group"
	flagLogLevel    = "log-level"
	flagOutput      = "output"
	flagPayload     = "payload"
	flagPayloadFile = "payload-file"
)

var cliFlagOutput = &cli.StringFlag{
	Name:    flagOutput,
	Aliases: []string{"o"},
	Usage:   "Return output in another format. Supported formats: table, json",
	Value:   "table",
}
