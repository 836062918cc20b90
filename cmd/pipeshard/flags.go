package main

import (
	"time"

	"github.com/urfave/cli/v3"
)

// Flags here carry no defaults of their own: an unset flag leaves the value
// from the config file or DefaultConfig in place. See applyFlags.

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "log level (debug, info, warn, error)",
		},
		&cli.StringFlag{
			Name:  "log-format",
			Usage: "log format (pretty, plain, json, text)",
		},
		&cli.BoolFlag{
			Name:  "debug",
			Usage: "shorthand for --log-level debug",
		},
	}
}

func modelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "model",
			Aliases: []string{"m"},
			Usage:   "checkpoint directory or .safetensors file",
		},
		&cli.StringFlag{
			Name:  "layer-prefix",
			Usage: "key prefix of transformer layers (default model.layers)",
		},
	}
}

func partitionFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:    "shards",
			Aliases: []string{"n"},
			Usage:   "number of pipeline shards",
		},
		&cli.IntSliceFlag{
			Name:  "boundaries",
			Usage: "explicit layer boundaries, one fewer than --shards",
		},
	}
}

func loadFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "compute",
			Usage: "compute mode (reference, noop)",
		},
		&cli.BoolFlag{
			Name:  "drop-page-cache",
			Usage: "advise the kernel to drop checkpoint pages once read",
		},
		&cli.BoolFlag{
			Name:  "strict",
			Usage: "fail instead of warning when a shard loads with missing tensors",
		},
	}
}

func pipelineFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringSliceFlag{
			Name:    "workers",
			Aliases: []string{"w"},
			Usage:   "stage URLs in pipeline order",
		},
		&cli.BoolFlag{
			Name:  "local",
			Usage: "load every shard in this process instead of calling workers",
		},
		&cli.DurationFlag{
			Name:  "stage-timeout",
			Usage: "per-call deadline for remote stages (0 disables)",
		},
		&cli.IntFlag{
			Name:  "max-sessions",
			Usage: "concurrent generation sessions (0 is unbounded)",
		},
		&cli.IntFlag{
			Name:  "end-token",
			Usage: "end token id, overriding the model's eos_token_id (-1 disables)",
		},
		&cli.StringFlag{
			Name:  "tokenizer",
			Usage: `tokenizer: "numeric", a tokenizer service URL, or empty for the checkpoint's tokenizer.json`,
		},
	}
}

func readTimeoutFlag(dst *time.Duration) cli.Flag {
	return &cli.DurationFlag{
		Name:        "read-timeout",
		Usage:       "read header timeout",
		Value:       30 * time.Second,
		Destination: dst,
	}
}

func flagSet(groups ...[]cli.Flag) []cli.Flag {
	var out []cli.Flag
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}
