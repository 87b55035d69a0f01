package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/gcnstream/cmd"
)

const (
	version = "0.3.0"
)

func main() {
	app := &cli.App{
		Name:    "gcnstream",
		Usage:   "GCN alert reception, Slack threading and observation-plan orchestration",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Load configuration from `FILE`",
				Value:   "gcnstream.toml",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level (trace, debug, info, warn, error)",
				Value: "info",
			},
			&cli.BoolFlag{
				Name:  "console",
				Usage: "Human readable log output instead of JSON",
			},
		},
		Commands: []*cli.Command{
			cmd.StreamCommand(),
			cmd.WorkerCommand(),
			cmd.ListenCommand(),
			cmd.InitDBCommand(),
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
