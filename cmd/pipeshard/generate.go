package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/pipeshard/internal/api"
	"github.com/samcharles93/pipeshard/internal/logger"
)

func generateCmd() *cli.Command {
	var maxTokens int

	return &cli.Command{
		Name:      "generate",
		Usage:     "Run one greedy generation through the pipeline and print it",
		ArgsUsage: "[prompt]",
		Flags: flagSet(modelFlags(), partitionFlags(), loadFlags(), pipelineFlags(), []cli.Flag{
			&cli.IntFlag{
				Name:        "max-tokens",
				Usage:       "maximum new tokens",
				Value:       api.DefaultMaxTokens,
				Destination: &maxTokens,
			},
		}),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, ctx, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			log := logger.FromContext(ctx)

			prompt := strings.Join(cmd.Args().Slice(), " ")
			if prompt == "" {
				b, err := io.ReadAll(os.Stdin)
				if err != nil {
					return err
				}
				prompt = strings.TrimRight(string(b), "\n")
			}
			if prompt == "" {
				return errors.New("prompt is required")
			}

			gw, err := buildPipeline(ctx, cfg, cmd.Bool("local"))
			if err != nil {
				return err
			}
			res, err := gw.orch.Generate(ctx, prompt, maxTokens, func(_ int, piece string) {
				_, _ = fmt.Fprint(os.Stdout, piece)
			})
			_, _ = fmt.Fprintln(os.Stdout)
			if err != nil {
				return err
			}
			log.Info("generation complete",
				"session", res.SessionID,
				"finish_reason", res.FinishReason,
				"prompt_tokens", res.Stats.PromptTokens,
				"tokens", res.Stats.TokensGenerated,
				"stage_calls", res.Stats.StageCalls,
				"duration", res.Stats.Duration,
				"tps", fmt.Sprintf("%.2f", res.Stats.TPS),
			)
			return nil
		},
	}
}
