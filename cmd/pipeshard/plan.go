package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/pipeshard/internal/checkpoint"
	"github.com/samcharles93/pipeshard/internal/partition"
	"github.com/samcharles93/pipeshard/internal/safetensors"
	"github.com/samcharles93/pipeshard/internal/weights"
)

type shardPlan struct {
	Assignment partition.Assignment `json:"assignment"`
	Files      []string             `json:"files"`
	Tensors    int                  `json:"tensors"`
	Components []string             `json:"components"`
}

func planCmd() *cli.Command {
	var asJSON bool
	return &cli.Command{
		Name:  "plan",
		Usage: "Print the layer partition and the files each shard reads",
		Flags: flagSet(modelFlags(), partitionFlags(), []cli.Flag{
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "print JSON",
				Destination: &asJSON,
			},
		}),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, _, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			m, err := openModel(cfg)
			if err != nil {
				return err
			}
			plans, err := readPlans(m)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(plans)
			}
			printPlans(os.Stdout, cfg.ModelPath, m, plans)
			return nil
		},
	}
}

// readPlans computes what each shard of m.plan would load, reading only
// checkpoint headers.
func readPlans(m *model) ([]shardPlan, error) {
	keys := m.index.Keys()
	if m.index.Format == checkpoint.FormatSingleFile {
		f, err := safetensors.OpenFS(m.fsys, m.index.Path(m.index.File))
		if err != nil {
			return nil, err
		}
		keys = f.Names()
		if err := f.Close(); err != nil {
			return nil, err
		}
	}
	head := m.topology.HeadPresent(keys)

	out := make([]shardPlan, 0, len(m.plan))
	for _, a := range m.plan {
		fp, _ := weights.PlanFiles(m.index, m.topology.RequestSet(a, keys))
		sp := shardPlan{Assignment: a, Files: fp.Files, Tensors: fp.Len()}
		for _, c := range m.topology.Components(a, head) {
			sp.Components = append(sp.Components, c.Name)
		}
		out = append(out, sp)
	}
	return out, nil
}

func printPlans(w io.Writer, path string, m *model, plans []shardPlan) {
	_, _ = fmt.Fprintf(w, "checkpoint: %s (%s), %d layers\n", path, m.index.Format, m.topology.LayerCount)
	for _, p := range plans {
		_, _ = fmt.Fprintf(w, "\n%s\n", p.Assignment)
		_, _ = fmt.Fprintf(w, "  tensors:    %d\n", p.Tensors)
		_, _ = fmt.Fprintf(w, "  files:      %s\n", strings.Join(p.Files, ", "))
		_, _ = fmt.Fprintf(w, "  components: %s\n", summarizeComponents(p.Components))
	}
}

// summarizeComponents folds "layer N" runs into a range.
func summarizeComponents(names []string) string {
	var out []string
	first, last := -1, -1
	flush := func() {
		switch {
		case first < 0:
		case first == last:
			out = append(out, fmt.Sprintf("layer %d", first))
		default:
			out = append(out, fmt.Sprintf("layers %d-%d", first, last))
		}
		first, last = -1, -1
	}
	for _, n := range names {
		var i int
		if _, err := fmt.Sscanf(n, "layer %d", &i); err == nil {
			if first < 0 {
				first = i
			}
			last = i
			continue
		}
		flush()
		out = append(out, n)
	}
	flush()
	if len(out) == 0 {
		return "-"
	}
	return strings.Join(out, ", ")
}
