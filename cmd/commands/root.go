package commands

import (
	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/taskhub/internal/config"
)

// NewRootCommand returns the top-level CLI command.
func NewRootCommand() *cli.Command {
	return &cli.Command{
		Name:  "taskhub",
		Usage: "Coordination hub for task processors",
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
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "Log output format (text or json)",
			},
		},
		Commands: []*cli.Command{
			NewServeCommand(),
			NewStatusCommand(),
			NewTasksCommand(),
			NewProcessorsCommand(),
			NewPingCommand(),
		},
	}
}
