package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/pipeshard/internal/compute"
	"github.com/samcharles93/pipeshard/internal/logger"
	"github.com/samcharles93/pipeshard/internal/partition"
	"github.com/samcharles93/pipeshard/internal/stage"
)

// ErrConfiguration marks settings the process must not start with.
var ErrConfiguration = errors.New("configuration error")

// Config is the pipeshard configuration file
// ($XDG_CONFIG_HOME/pipeshard/config.yaml). Explicitly set flags override it.
type Config struct {
	ModelPath     string `yaml:"model_path"`
	Shards        int    `yaml:"shards"`
	Boundaries    []int  `yaml:"boundaries"`
	LayerPrefix   string `yaml:"layer_prefix"`
	ComputeMode   string `yaml:"compute_mode"`
	DropPageCache bool   `yaml:"drop_page_cache"`
	Strict        bool   `yaml:"strict"`

	// Workers are stage base URLs in pipeline order.
	Workers      []string      `yaml:"workers"`
	StageTimeout time.Duration `yaml:"stage_timeout"`
	MaxSessions  int           `yaml:"max_sessions"`
	// EndTokenID overrides the model's eos_token_id. Negative disables it.
	EndTokenID *int `yaml:"end_token_id"`
	// Tokenizer is "numeric", a tokenizer service URL, or empty to use the
	// checkpoint's tokenizer.json.
	Tokenizer string `yaml:"tokenizer"`

	ModelName         string  `yaml:"model_name"`
	GatewayAddress    string  `yaml:"gateway_address"`
	ShardAddress      string  `yaml:"shard_address"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// DefaultConfig returns the settings used when neither the file nor a flag
// sets a field.
func DefaultConfig() Config {
	return Config{
		Shards:         3,
		ComputeMode:    compute.Reference,
		StageTimeout:   stage.DefaultTimeout,
		GatewayAddress: "127.0.0.1:8080",
		ShardAddress:   "127.0.0.1:9000",
		LogLevel:       "info",
		LogFormat:      "pretty",
	}
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "pipeshard", "config.yaml")
}

// LoadConfig reads path over the defaults. A missing file at the default
// location is not an error; a missing file that was asked for is.
func LoadConfig(path string, explicit bool) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("%w: read %s: %w", ErrConfiguration, path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: parse %s: %w", ErrConfiguration, path, err)
	}
	return cfg, nil
}

// applyFlags copies every explicitly set flag over cfg.
func applyFlags(c *cli.Command, cfg *Config) {
	str := func(name string, dst *string) {
		if c.IsSet(name) {
			*dst = c.String(name)
		}
	}
	str("model", &cfg.ModelPath)
	str("layer-prefix", &cfg.LayerPrefix)
	str("compute", &cfg.ComputeMode)
	str("tokenizer", &cfg.Tokenizer)
	str("model-name", &cfg.ModelName)
	str("addr", &cfg.GatewayAddress)
	str("shard-addr", &cfg.ShardAddress)
	str("log-level", &cfg.LogLevel)
	str("log-format", &cfg.LogFormat)

	if c.IsSet("shards") {
		cfg.Shards = int(c.Int("shards"))
	}
	if c.IsSet("boundaries") {
		cfg.Boundaries = intsOf(c.IntSlice("boundaries"))
	}
	if c.IsSet("drop-page-cache") {
		cfg.DropPageCache = c.Bool("drop-page-cache")
	}
	if c.IsSet("strict") {
		cfg.Strict = c.Bool("strict")
	}
	if c.IsSet("workers") {
		cfg.Workers = c.StringSlice("workers")
	}
	if c.IsSet("stage-timeout") {
		cfg.StageTimeout = c.Duration("stage-timeout")
	}
	if c.IsSet("max-sessions") {
		cfg.MaxSessions = int(c.Int("max-sessions"))
	}
	if c.IsSet("end-token") {
		id := int(c.Int("end-token"))
		cfg.EndTokenID = &id
	}
	if c.IsSet("rps") {
		cfg.RequestsPerSecond = c.Float("rps")
	}
	if c.IsSet("debug") && c.Bool("debug") {
		cfg.LogLevel = "debug"
	}
}

func intsOf[T ~int | ~int64](in []T) []int {
	out := make([]int, len(in))
	for i, v := range in {
		out[i] = int(v)
	}
	return out
}

// Validate checks the settings every command shares. Partition checks that
// need the layer count happen once the checkpoint is open.
func (c Config) Validate() error {
	var errs []error
	if c.Shards < 1 {
		errs = append(errs, fmt.Errorf("shards must be at least 1, got %d", c.Shards))
	}
	if c.Boundaries != nil && len(c.Boundaries) != c.Shards-1 {
		errs = append(errs, fmt.Errorf("%d shards need %d boundaries, got %d: %w", c.Shards, c.Shards-1, len(c.Boundaries), partition.ErrInvalidPartition))
	}
	if _, err := compute.Normalize(c.ComputeMode); err != nil {
		errs = append(errs, err)
	}
	if c.StageTimeout < 0 {
		errs = append(errs, fmt.Errorf("stage_timeout must not be negative, got %s", c.StageTimeout))
	}
	if c.MaxSessions < 0 {
		errs = append(errs, fmt.Errorf("max_sessions must not be negative, got %d", c.MaxSessions))
	}
	if c.RequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("requests_per_second must not be negative, got %g", c.RequestsPerSecond))
	}
	for i, w := range c.Workers {
		if !strings.HasPrefix(w, "http://") && !strings.HasPrefix(w, "https://") {
			errs = append(errs, fmt.Errorf("workers[%d] %q is not an http(s) URL", i, w))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	return nil
}

func (c Config) logger() (logger.Logger, error) {
	log, err := logger.FromConfig(os.Stderr, c.LogFormat, c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	return log, nil
}
