package main

import (
	"context"
	"fmt"
	"os"
	"slices"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/pipeshard/internal/checkpoint"
	"github.com/samcharles93/pipeshard/internal/safetensors"
)

func inspectCmd() *cli.Command {
	return &cli.Command{
		Name:  "inspect",
		Usage: "Summarize a checkpoint's layout and model config",
		Flags: modelFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, _, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			if cfg.ModelPath == "" {
				return fmt.Errorf("%w: model_path is required", ErrConfiguration)
			}
			fsys, idx, err := checkpoint.Open(cfg.ModelPath)
			if err != nil {
				return err
			}

			fmt.Printf("checkpoint: %s\n", cfg.ModelPath)
			fmt.Printf("format:     %s\n", idx.Format)
			if mc, err := checkpoint.ReadModelConfig(fsys, idx.Dir); err != nil {
				fmt.Printf("config:     %v\n", err)
			} else {
				fmt.Printf("layers:     %d\n", mc.NumHiddenLayers)
				fmt.Printf("hidden:     %d\n", mc.HiddenSize)
				fmt.Printf("vocab:      %d\n", mc.VocabSize)
				fmt.Printf("tied:       %t\n", mc.TieWordEmbeddings)
				fmt.Printf("eos:        %d\n", mc.EOSTokenID())
			}

			var total, bytes int64
			fmt.Printf("\n%-40s %8s %14s  %s\n", "FILE", "TENSORS", "BYTES", "DTYPES")
			for _, name := range idx.Files() {
				f, err := safetensors.OpenFS(fsys, idx.Path(name))
				if err != nil {
					fmt.Printf("%-40s %v\n", name, err)
					continue
				}
				var size int64
				var dtypes []string
				for _, t := range f.Tensors {
					size += t.Size()
					if !slices.Contains(dtypes, t.DType) {
						dtypes = append(dtypes, t.DType)
					}
				}
				slices.Sort(dtypes)
				fmt.Printf("%-40s %8d %14d  %v\n", name, len(f.Tensors), size, dtypes)
				total += int64(len(f.Tensors))
				bytes += size
				if err := f.Close(); err != nil {
					return err
				}
			}
			fmt.Printf("%-40s %8d %14d\n", "total", total, bytes)
			if idx.Format == checkpoint.FormatSharded && int64(len(idx.WeightMap)) != total {
				_, _ = fmt.Fprintf(os.Stderr, "warning: index names %d tensors, files hold %d\n", len(idx.WeightMap), total)
			}
			return nil
		},
	}
}
