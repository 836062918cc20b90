package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/pipeshard/internal/logger"
	"github.com/samcharles93/pipeshard/internal/partition"
	"github.com/samcharles93/pipeshard/internal/toy"
	"github.com/samcharles93/pipeshard/internal/tokenizer"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := LoadConfig("", false)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if diff := cmp.Diff(DefaultConfig(), cfg); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nope.yaml")
	if _, err := LoadConfig(path, false); err != nil {
		t.Fatalf("implicit missing file should be ignored, got %v", err)
	}
	if _, err := LoadConfig(path, true); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("explicit missing file: got %v, want ErrConfiguration", err)
	}
}

func TestLoadConfigYAML(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `model_path: /models/tiny
shards: 2
boundaries: [3]
workers:
  - http://10.0.0.1:9000
  - http://10.0.0.2:9000
stage_timeout: 5m
end_token_id: 7
tokenizer: numeric
log_format: json
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path, true)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	want := DefaultConfig()
	want.ModelPath = "/models/tiny"
	want.Shards = 2
	want.Boundaries = []int{3}
	want.Workers = []string{"http://10.0.0.1:9000", "http://10.0.0.2:9000"}
	want.StageTimeout = 5 * time.Minute
	end := 7
	want.EndTokenID = &end
	want.Tokenizer = "numeric"
	want.LogFormat = "json"
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadConfigMalformed(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("shards: [not, an, int]\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path, true); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("got %v, want ErrConfiguration", err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero shards", func(c *Config) { c.Shards = 0 }},
		{"boundary count", func(c *Config) { c.Shards = 3; c.Boundaries = []int{2} }},
		{"compute mode", func(c *Config) { c.ComputeMode = "cuda" }},
		{"negative timeout", func(c *Config) { c.StageTimeout = -time.Second }},
		{"negative sessions", func(c *Config) { c.MaxSessions = -1 }},
		{"negative rps", func(c *Config) { c.RequestsPerSecond = -1 }},
		{"worker scheme", func(c *Config) { c.Workers = []string{"10.0.0.1:9000"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrConfiguration) {
				t.Fatalf("got %v, want ErrConfiguration", err)
			}
		})
	}

	// Boundary values are checked against the layer count once the
	// checkpoint is open.
	cfg := DefaultConfig()
	cfg.Shards, cfg.Boundaries = 3, []int{1, 400}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func toyModel(t *testing.T, spec toy.Spec) string {
	t.Helper()
	dir := t.TempDir()
	if err := spec.WriteDir(dir); err != nil {
		t.Fatalf("WriteDir: %v", err)
	}
	return dir
}

func TestReadPlans(t *testing.T) {
	t.Parallel()

	for _, files := range []int{1, 3} {
		spec := toy.Default()
		spec.Files = files
		cfg := DefaultConfig()
		cfg.ModelPath = toyModel(t, spec)
		if files == 1 {
			cfg.ModelPath = filepath.Join(cfg.ModelPath, spec.FileName(0))
		}

		m, err := openModel(cfg)
		if err != nil {
			t.Fatalf("files=%d: openModel: %v", files, err)
		}
		plans, err := readPlans(m)
		if err != nil {
			t.Fatalf("files=%d: readPlans: %v", files, err)
		}
		var got []string
		for _, p := range plans {
			if p.Tensors == 0 || len(p.Files) == 0 {
				t.Fatalf("files=%d: shard %d reads nothing: %+v", files, p.Assignment.Index, p)
			}
			got = append(got, summarizeComponents(p.Components))
		}
		want := []string{
			"embedding, layers 0-1",
			"layers 2-3",
			"layers 4-5, final norm, output head",
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("files=%d: components mismatch (-want +got):\n%s", files, diff)
		}
	}
}

func TestSummarizeComponents(t *testing.T) {
	t.Parallel()

	if got := summarizeComponents(nil); got != "-" {
		t.Fatalf("empty: got %q", got)
	}
	got := summarizeComponents([]string{"layer 3", "final norm"})
	if got != "layer 3, final norm" {
		t.Fatalf("got %q", got)
	}
}

func TestEndToken(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.ModelPath = toyModel(t, toy.Default())
	m, err := openModel(cfg)
	if err != nil {
		t.Fatal(err)
	}
	tok := tokenizer.Numeric{}

	if got := endToken(cfg, m, tok); got != 2 {
		t.Fatalf("model eos: got %d, want 2", got)
	}
	override := -1
	cfg.EndTokenID = &override
	if got := endToken(cfg, m, tok); got != -1 {
		t.Fatalf("override: got %d, want -1", got)
	}
	cfg.EndTokenID = nil
	if got := endToken(cfg, nil, tok); got != -1 {
		t.Fatalf("no model: got %d, want -1", got)
	}
}

func TestBuildPipelineLocal(t *testing.T) {
	t.Parallel()

	ctx := logger.WithContext(context.Background(), logger.Discard())
	cfg := DefaultConfig()
	cfg.ModelPath = toyModel(t, toy.Default())
	cfg.Tokenizer = tokenizer.NumericSource

	gw, err := buildPipeline(ctx, cfg, true)
	if err != nil {
		t.Fatalf("buildPipeline: %v", err)
	}
	if gw.orch.StageCount() != 3 || len(gw.clients) != 0 {
		t.Fatalf("got %d stages and %d clients", gw.orch.StageCount(), len(gw.clients))
	}
	res, err := gw.orch.Generate(ctx, "1 5 7", 4, nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if n := len(res.Tokens); n < 1 || n > 4 {
		t.Fatalf("got %d tokens", n)
	}
}

func TestBuildPipelineNeedsWorkers(t *testing.T) {
	t.Parallel()

	ctx := logger.WithContext(context.Background(), logger.Discard())
	cfg := DefaultConfig()
	cfg.Tokenizer = tokenizer.NumericSource
	if _, err := buildPipeline(ctx, cfg, false); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("got %v, want ErrConfiguration", err)
	}
}

func TestOpenModelRejectsBoundaries(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.ModelPath = toyModel(t, toy.Default())
	cfg.Boundaries = []int{4, 2}
	_, err := openModel(cfg)
	if !errors.Is(err, ErrConfiguration) || !errors.Is(err, partition.ErrInvalidPartition) {
		t.Fatalf("got %v, want ErrConfiguration wrapping ErrInvalidPartition", err)
	}
}

func TestBuildPipelineWorkerCountMatchesPlan(t *testing.T) {
	t.Parallel()

	ctx := logger.WithContext(context.Background(), logger.Discard())
	cfg := DefaultConfig()
	cfg.ModelPath = toyModel(t, toy.Default())
	cfg.Tokenizer = tokenizer.NumericSource
	cfg.Workers = []string{"http://127.0.0.1:9000", "http://127.0.0.1:9001"}
	if _, err := buildPipeline(ctx, cfg, false); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("got %v, want ErrConfiguration for 2 workers and 3 shards", err)
	}

	cfg.Workers = append(cfg.Workers, "http://127.0.0.1:9002")
	gw, err := buildPipeline(ctx, cfg, false)
	if err != nil {
		t.Fatalf("buildPipeline: %v", err)
	}
	if gw.chain == nil || len(gw.clients) != 3 {
		t.Fatalf("expected a chain check over 3 clients, got %+v", gw)
	}
}
