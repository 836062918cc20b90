package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/pipeshard/internal/logger"
	"github.com/samcharles93/pipeshard/internal/toy"
)

func toyCmd() *cli.Command {
	spec := toy.Default()
	var (
		out   string
		dtype string
		seed  int
	)

	return &cli.Command{
		Name:  "toy",
		Usage: "Write a small synthetic checkpoint for smoke tests",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "output directory", Required: true, Destination: &out},
			&cli.IntFlag{Name: "layers", Value: spec.Layers, Destination: &spec.Layers},
			&cli.IntFlag{Name: "hidden", Value: spec.Hidden, Destination: &spec.Hidden},
			&cli.IntFlag{Name: "intermediate", Value: spec.Intermediate, Destination: &spec.Intermediate},
			&cli.IntFlag{Name: "vocab", Value: spec.Vocab, Destination: &spec.Vocab},
			&cli.IntFlag{Name: "files", Usage: "checkpoint files (1 writes a single model.safetensors)", Value: spec.Files, Destination: &spec.Files},
			&cli.BoolFlag{Name: "tied", Usage: "tie the output head to the embeddings", Destination: &spec.Tied},
			&cli.StringFlag{Name: "dtype", Usage: "F32, F16 or BF16", Value: "F32", Destination: &dtype},
			&cli.IntFlag{Name: "seed", Value: int(spec.Seed), Destination: &seed},
			&cli.IntFlag{Name: "eos", Usage: "eos_token_id written to config.json", Value: spec.EOSTokenID, Destination: &spec.EOSTokenID},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			_, ctx, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			if seed < 0 {
				return fmt.Errorf("seed must not be negative, got %d", seed)
			}
			spec.DType = strings.ToUpper(dtype)
			spec.Seed = uint64(seed)
			if err := spec.WriteDir(out); err != nil {
				return err
			}
			logger.FromContext(ctx).Info("toy checkpoint written",
				"dir", out,
				"layers", spec.Layers,
				"files", spec.Files,
				"dtype", spec.DType,
			)
			return nil
		},
	}
}
