// Command bugbeats runs the playback trigger server for the editor plugin.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	app := &cli.Command{
		Name:    "bugbeats",
		Usage:   "Play a Spotify cue whenever your code runs or breaks",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a TOML configuration file",
				Sources: cli.EnvVars("BUGBEATS_CONFIG"),
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			usersCommand(),
			devicesCommand(),
			cuesCommand(),
			configCommand(),
		},
		DefaultCommand: "serve",
	}

	return app.Run(context.Background(), os.Args)
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "Listen address, overrides the configured one",
			},
		},
		Action: serve,
	}
}

func usersCommand() *cli.Command {
	return &cli.Command{
		Name:   "users",
		Usage:  "List users with stored credentials",
		Action: listUsers,
	}
}

func devicesCommand() *cli.Command {
	return &cli.Command{
		Name:  "devices",
		Usage: "List Spotify Connect devices for stored users",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "user",
				Aliases: []string{"u"},
				Usage:   "Only list devices for this user",
			},
		},
		Action: listDevices,
	}
}

func cuesCommand() *cli.Command {
	return &cli.Command{
		Name:   "cues",
		Usage:  "Show the track played for each event",
		Action: listCues,
	}
}

func configCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Manage the configuration file",
		Commands: []*cli.Command{
			{
				Name:      "init",
				Usage:     "Write a configuration file with default values",
				ArgsUsage: "[path]",
				Action:    initConfig,
			},
		},
	}
}
