package main

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/pipeshard/internal/logger"
	"github.com/samcharles93/pipeshard/internal/shard"
	"github.com/samcharles93/pipeshard/internal/weights"
)

func shardCmd() *cli.Command {
	var (
		index       int
		readTimeout time.Duration
	)

	return &cli.Command{
		Name:  "shard",
		Usage: "Load one shard's weights and serve it as a pipeline stage",
		Flags: flagSet(modelFlags(), partitionFlags(), loadFlags(), []cli.Flag{
			&cli.IntFlag{
				Name:        "index",
				Aliases:     []string{"i"},
				Usage:       "shard index within the plan",
				Required:    true,
				Destination: &index,
			},
			&cli.StringFlag{
				Name:  "shard-addr",
				Usage: "listen address",
			},
			readTimeoutFlag(&readTimeout),
		}),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, ctx, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			log := logger.FromContext(ctx)

			m, err := openModel(cfg)
			if err != nil {
				return err
			}
			if index < 0 || index >= len(m.plan) {
				return fmt.Errorf("%w: shard index %d out of range for %d shards", ErrConfiguration, index, len(m.plan))
			}
			a := m.plan[index]
			backend, err := m.backend(cfg.ComputeMode)
			if err != nil {
				return err
			}

			srv := shard.NewServer(a, log)
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return srv.ListenAndServe(gctx, cfg.ShardAddress, readTimeout)
			})
			g.Go(func() error {
				loader := &weights.Loader{
					FS:            m.fsys,
					Topology:      m.topology,
					Log:           log,
					DropPageCache: cfg.DropPageCache,
				}
				store, warn, err := loader.Load(gctx, a, m.index)
				if err != nil {
					return fmt.Errorf("load shard %d: %w", a.Index, err)
				}
				if cfg.Strict {
					if err := warn.Strict(); err != nil {
						return fmt.Errorf("load shard %d: %w", a.Index, err)
					}
				}
				w, err := shard.New(a, store, backend)
				if err != nil {
					return err
				}
				srv.Install(w, warn)
				return nil
			})
			return g.Wait()
		},
	}
}
