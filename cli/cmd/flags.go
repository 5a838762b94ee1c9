// Package cmd provides CLI commands for the cairn binary.
//
// Every command is read-only: the CLI inspects a store that collection
// scripts write through the telemetry façade, relying on WAL mode to
// read alongside an active writer.
package cmd

import "github.com/urfave/cli/v2"

// Shared flags for all commands.
var (
	// FormatFlag selects output format: json, table, yaml.
	FormatFlag = &cli.StringFlag{
		Name:    "format",
		Aliases: []string{"f"},
		Usage:   "Output format: json, table, yaml",
	}

	// ConfigFlag points at a cairn.yaml config file.
	ConfigFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to cairn.yaml config file",
	}

	// DBFlag overrides the store location from config.
	DBFlag = &cli.StringFlag{
		Name:  "db",
		Usage: "Path to the run store database (overrides config)",
	}
)

// ReadOnlyFlags returns the shared flags for all read-only commands.
func ReadOnlyFlags() []cli.Flag {
	return []cli.Flag{
		FormatFlag,
		ConfigFlag,
		DBFlag,
	}
}
