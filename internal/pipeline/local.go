package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/pipeshard/internal/checkpoint"
	"github.com/samcharles93/pipeshard/internal/compute"
	"github.com/samcharles93/pipeshard/internal/logger"
	"github.com/samcharles93/pipeshard/internal/partition"
	"github.com/samcharles93/pipeshard/internal/shard"
	"github.com/samcharles93/pipeshard/internal/weights"
)

// LocalConfig describes an in-process pipeline: every shard of Plan loaded
// from the same checkpoint.
type LocalConfig struct {
	FS            fs.FS
	Index         *checkpoint.Index
	Topology      partition.Topology
	Plan          []partition.Assignment
	Backend       compute.Backend
	DropPageCache bool
	// Strict fails the build when any shard loads with gaps.
	Strict bool
	Log    logger.Logger
}

// LocalStages loads and binds every shard concurrently. The returned workers
// are in plan order. Warnings are indexed by shard and nil where the load was
// complete.
func LocalStages(ctx context.Context, cfg LocalConfig) ([]*shard.Worker, []*weights.PartialLoadWarning, error) {
	if len(cfg.Plan) == 0 {
		return nil, nil, errors.New("pipeline: empty partition plan")
	}
	if cfg.Backend == nil {
		return nil, nil, errors.New("pipeline: no compute backend")
	}
	log := cfg.Log
	if log == nil {
		log = logger.Discard()
	}

	workers := make([]*shard.Worker, len(cfg.Plan))
	warnings := make([]*weights.PartialLoadWarning, len(cfg.Plan))
	g, gctx := errgroup.WithContext(ctx)
	for i, a := range cfg.Plan {
		g.Go(func() error {
			loader := &weights.Loader{
				FS:            cfg.FS,
				Topology:      cfg.Topology,
				Log:           log,
				DropPageCache: cfg.DropPageCache,
			}
			store, warn, err := loader.Load(gctx, a, cfg.Index)
			if err != nil {
				return fmt.Errorf("shard %d: %w", a.Index, err)
			}
			if cfg.Strict {
				if err := warn.Strict(); err != nil {
					return fmt.Errorf("shard %d: %w", a.Index, err)
				}
			}
			w, err := shard.New(a, store, cfg.Backend)
			if err != nil {
				return err
			}
			workers[i] = w
			warnings[i] = warn
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return workers, warnings, nil
}
