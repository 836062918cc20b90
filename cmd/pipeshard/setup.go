package main

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/pipeshard/internal/checkpoint"
	"github.com/samcharles93/pipeshard/internal/compute"
	"github.com/samcharles93/pipeshard/internal/logger"
	"github.com/samcharles93/pipeshard/internal/partition"
	"github.com/samcharles93/pipeshard/internal/pipeline"
	"github.com/samcharles93/pipeshard/internal/stage"
	"github.com/samcharles93/pipeshard/internal/tokenizer"
)

// setup resolves the configuration for cmd and returns a context carrying
// the configured logger.
func setup(ctx context.Context, cmd *cli.Command) (Config, context.Context, error) {
	path, explicit := configPath(), false
	if cmd.IsSet("config") {
		path, explicit = cmd.String("config"), true
	}
	cfg, err := LoadConfig(path, explicit)
	if err != nil {
		return cfg, ctx, err
	}
	applyFlags(cmd, &cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, ctx, err
	}
	log, err := cfg.logger()
	if err != nil {
		return cfg, ctx, err
	}
	return cfg, logger.WithContext(ctx, log), nil
}

// model is an opened checkpoint with its partition plan. No tensor data is
// read until a shard loads.
type model struct {
	fsys     fs.FS
	index    *checkpoint.Index
	config   checkpoint.ModelConfig
	topology partition.Topology
	plan     []partition.Assignment
}

func openModel(cfg Config) (*model, error) {
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("%w: model_path is required", ErrConfiguration)
	}
	fsys, idx, err := checkpoint.Open(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint: %w", err)
	}
	mc, err := checkpoint.ReadModelConfig(fsys, idx.Dir)
	if err != nil {
		return nil, err
	}
	topo, err := partition.TopologyFromConfig(mc.Partition(), cfg.LayerPrefix)
	if err != nil {
		return nil, err
	}
	plan, err := partition.Plan(topo, cfg.Shards, cfg.Boundaries)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	return &model{fsys: fsys, index: idx, config: mc, topology: topo, plan: plan}, nil
}

func (m *model) backend(mode string) (compute.Backend, error) {
	return compute.New(mode, m.topology, compute.Dims{
		Hidden:     m.config.HiddenSize,
		Vocab:      m.config.VocabSize,
		RMSNormEps: m.config.RMSNormEps,
	})
}

// gateway is a built pipeline and, when its stages are remote, the clients
// behind it.
type gateway struct {
	orch    *pipeline.Orchestrator
	clients []*stage.Client
	chain   *pipeline.ChainCheck
}

// ready reports whether the worker chain has been verified and every remote
// stage still has its weights installed.
func (g *gateway) ready(ctx context.Context) error {
	if err := g.chain.Verify(ctx); err != nil {
		return err
	}
	eg, ctx := errgroup.WithContext(ctx)
	for _, c := range g.clients {
		eg.Go(func() error { return c.Ready(ctx) })
	}
	return eg.Wait()
}

func buildPipeline(ctx context.Context, cfg Config, local bool) (*gateway, error) {
	log := logger.FromContext(ctx)

	var m *model
	if cfg.ModelPath != "" || local {
		var err error
		if m, err = openModel(cfg); err != nil {
			return nil, err
		}
	}

	g := &gateway{}
	var stages []pipeline.Stage
	if local {
		backend, err := m.backend(cfg.ComputeMode)
		if err != nil {
			return nil, err
		}
		workers, _, err := pipeline.LocalStages(ctx, pipeline.LocalConfig{
			FS:            m.fsys,
			Index:         m.index,
			Topology:      m.topology,
			Plan:          m.plan,
			Backend:       backend,
			DropPageCache: cfg.DropPageCache,
			Strict:        cfg.Strict,
			Log:           log,
		})
		if err != nil {
			return nil, err
		}
		stages = pipeline.Stages(workers)
	} else {
		if len(cfg.Workers) == 0 {
			return nil, fmt.Errorf("%w: no workers configured; set workers or pass --local", ErrConfiguration)
		}
		if m != nil && len(cfg.Workers) != len(m.plan) {
			return nil, fmt.Errorf("%w: %d workers configured for a %d-shard plan", ErrConfiguration, len(cfg.Workers), len(m.plan))
		}
		g.clients = pipeline.RemoteStages(cfg.Workers, stage.WithTimeout(cfg.StageTimeout))
		g.chain = pipeline.NewChainCheck(g.clients)
		stages = pipeline.Stages(g.clients)
	}

	var (
		fsys fs.FS
		dir  string
	)
	if m != nil {
		fsys, dir = m.fsys, m.index.Dir
	}
	tok, err := tokenizer.Open(cfg.Tokenizer, fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("%w: tokenizer: %w", ErrConfiguration, err)
	}
	end := endToken(cfg, m, tok)
	log.Info("pipeline configured", "stages", len(stages), "local", local, "end_token", end)

	pc := pipeline.Config{
		Stages:      stages,
		Tokenizer:   tok,
		EndTokenID:  end,
		MaxSessions: cfg.MaxSessions,
		Log:         log,
	}
	if g.chain != nil {
		pc.Preflight = g.chain.Verify
	}
	g.orch, err = pipeline.New(pc)
	if err != nil {
		return nil, err
	}
	return g, nil
}

// endToken picks the first of: the configured override, the model's
// eos_token_id, the tokenizer's EOS token. -1 means generation only stops on
// length.
func endToken(cfg Config, m *model, tok tokenizer.Tokenizer) int {
	if cfg.EndTokenID != nil {
		return *cfg.EndTokenID
	}
	if m != nil {
		if id := m.config.EOSTokenID(); id >= 0 {
			return id
		}
	}
	if hf, ok := tok.(interface{ EOSID() int }); ok {
		return hf.EOSID()
	}
	return -1
}

func modelName(cfg Config) string {
	if cfg.ModelName != "" {
		return cfg.ModelName
	}
	if cfg.ModelPath != "" {
		return strings.TrimSuffix(filepath.Base(cfg.ModelPath), ".safetensors")
	}
	return "pipeshard"
}
