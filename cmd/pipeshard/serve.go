package main

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/pipeshard/internal/api"
	"github.com/samcharles93/pipeshard/internal/logger"
	"github.com/samcharles93/pipeshard/internal/pipeline"
)

func serveCmd() *cli.Command {
	var (
		readTimeout time.Duration
		wait        time.Duration
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the OpenAI-style chat completions gateway",
		Flags: flagSet(modelFlags(), partitionFlags(), loadFlags(), pipelineFlags(), []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "listen address",
			},
			&cli.StringFlag{
				Name:  "model-name",
				Usage: "model name reported by the API",
			},
			&cli.FloatFlag{
				Name:  "rps",
				Usage: "completion requests admitted per second (0 is unlimited)",
			},
			&cli.DurationFlag{
				Name:        "wait",
				Usage:       "wait up to this long for every worker to report ready before listening",
				Destination: &wait,
			},
			readTimeoutFlag(&readTimeout),
		}),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, ctx, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			log := logger.FromContext(ctx)

			gw, err := buildPipeline(ctx, cfg, cmd.Bool("local"))
			if err != nil {
				return err
			}
			if wait > 0 && len(gw.clients) > 0 {
				log.Info("waiting for workers", "workers", len(gw.clients), "timeout", wait)
				wctx, cancel := context.WithTimeout(ctx, wait)
				err := pipeline.WaitReady(wctx, gw.clients, time.Second)
				cancel()
				if err != nil {
					return fmt.Errorf("workers not ready: %w", err)
				}
			}

			opts := api.Options{
				Model:             modelName(cfg),
				RequestsPerSecond: cfg.RequestsPerSecond,
				Burst:             int(math.Ceil(cfg.RequestsPerSecond)),
				Log:               log,
			}
			if len(gw.clients) > 0 {
				opts.Ready = gw.ready
			}
			return api.NewServer(gw.orch, opts).ListenAndServe(ctx, cfg.GatewayAddress, readTimeout)
		},
	}
}
