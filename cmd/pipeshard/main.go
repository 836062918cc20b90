package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
)

func main() {
	app := &cli.Command{
		Name:  "pipeshard",
		Usage: "Pipeline-parallel inference over layer-sharded safetensors checkpoints",
		Flags: append(loggingFlags(), &cli.StringFlag{
			Name:  "config",
			Usage: "path to config.yaml (default $XDG_CONFIG_HOME/pipeshard/config.yaml)",
		}),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			planCmd(),
			inspectCmd(),
			shardCmd(),
			serveCmd(),
			generateCmd(),
			toyCmd(),
			versionCmd(),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := app.Run(ctx, os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
