// Package commands holds the warden CLI.
package commands

import (
	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/warden/internal/config"
)

// NewRootCommand returns the top-level CLI command.
func NewRootCommand() *cli.Command {
	return &cli.Command{
		Name:  "warden",
		Usage: "Resilience engine for autonomous task workers",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file",
				Value:   config.ConfigPath(),
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
			},
		},
		Commands: []*cli.Command{
			NewCreateTaskCommand(),
			NewRunCommand(),
			NewStepCommand(),
			NewTasksCommand(),
			NewStatusCommand(),
			NewFlagsCommand(),
			NewErrorsCommand(),
			NewDegradeCommand(),
			NewBackupCommand(),
			NewServeCommand(),
			NewWatchCommand(),
		},
	}
}
