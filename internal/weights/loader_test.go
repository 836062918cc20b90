package weights

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"strings"
	"sync"
	"testing"
	"testing/fstest"

	"github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/pipeshard/internal/checkpoint"
	"github.com/samcharles93/pipeshard/internal/partition"
	"github.com/samcharles93/pipeshard/internal/toy"
)

// countingFS records how many times each file is opened.
type countingFS struct {
	fs.FS
	mu    sync.Mutex
	opens map[string]int
}

func newCountingFS(fsys fs.FS) *countingFS {
	return &countingFS{FS: fsys, opens: make(map[string]int)}
}

func (c *countingFS) Open(name string) (fs.File, error) {
	c.mu.Lock()
	c.opens[name]++
	c.mu.Unlock()
	return c.FS.Open(name)
}

func (c *countingFS) count(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opens[name]
}

func toyCheckpoint(t *testing.T, spec toy.Spec) (fstest.MapFS, *checkpoint.Index, partition.Topology) {
	t.Helper()
	fsys, err := spec.MapFS()
	if err != nil {
		t.Fatalf("toy.MapFS: %v", err)
	}
	idx, err := checkpoint.Load(fsys, ".")
	if err != nil {
		t.Fatalf("checkpoint.Load: %v", err)
	}
	topo, err := partition.TopologyFromConfig(partition.ModelConfig{
		NumHiddenLayers:   spec.Layers,
		TieWordEmbeddings: spec.Tied,
	}, "")
	if err != nil {
		t.Fatalf("TopologyFromConfig: %v", err)
	}
	return fsys, idx, topo
}

func mustPlan(t *testing.T, topo partition.Topology, shards int) []partition.Assignment {
	t.Helper()
	plan, err := partition.Plan(topo, shards, nil)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	return plan
}

func TestPlanFilesGroupsAndSorts(t *testing.T) {
	t.Parallel()
	idx := &checkpoint.Index{
		Format: checkpoint.FormatSharded,
		WeightMap: map[string]string{
			"k1": "fileB",
			"k2": "fileA",
			"k3": "fileB",
		},
	}
	plan, unresolved := PlanFiles(idx, partition.RequestSet{"k1", "k2", "k3", "k9"})
	want := FileReadPlan{
		Files: []string{"fileA", "fileB"},
		Keys:  map[string][]string{"fileA": {"k2"}, "fileB": {"k1", "k3"}},
	}
	if diff := cmp.Diff(want, plan); diff != "" {
		t.Fatalf("plan mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"k9"}, unresolved); diff != "" {
		t.Fatalf("unresolved mismatch (-want +got):\n%s", diff)
	}
	if plan.Len() != 3 {
		t.Fatalf("Len = %d, want 3", plan.Len())
	}
}

func TestLoadOpensOnlyPlannedFiles(t *testing.T) {
	t.Parallel()
	spec := toy.Default()
	fsys, idx, topo := toyCheckpoint(t, spec)

	// Six layers over three files lines up with a three-way split, so every
	// shard should touch exactly one file.
	for _, a := range mustPlan(t, topo, 3) {
		cfs := newCountingFS(fsys)
		l := &Loader{FS: cfs, Topology: topo}
		store, warn, err := l.Load(context.Background(), a, idx)
		if err != nil {
			t.Fatalf("shard %d: Load: %v", a.Index, err)
		}
		if warn != nil {
			t.Fatalf("shard %d: unexpected warning: %v", a.Index, warn)
		}
		for k := 0; k < spec.Files; k++ {
			want := 0
			if k == a.Index {
				want = 1
			}
			if got := cfs.count(spec.FileName(k)); got != want {
				t.Errorf("shard %d opened %s %d times, want %d", a.Index, spec.FileName(k), got, want)
			}
		}

		wantTensors := a.LayerCount() * 9
		if a.IncludesEmbedding {
			wantTensors++
		}
		if a.IncludesFinalComponents {
			wantTensors += 2
		}
		if store.Len() != wantTensors {
			t.Errorf("shard %d holds %d tensors, want %d", a.Index, store.Len(), wantTensors)
		}
		for _, name := range store.Names() {
			if !topo.Wants(a, name, true) {
				t.Errorf("shard %d loaded unrequested tensor %s", a.Index, name)
			}
		}
	}
}

func TestSelectiveLoadMatchesFullLoad(t *testing.T) {
	t.Parallel()
	spec := toy.Default()
	spec.Layers = 7
	spec.DType = "BF16"
	fsys, idx, topo := toyCheckpoint(t, spec)

	full, _, err := (&Loader{FS: fsys, Topology: topo}).Load(context.Background(), mustPlan(t, topo, 1)[0], idx)
	if err != nil {
		t.Fatalf("full Load: %v", err)
	}

	seen := make(map[string]int)
	for _, a := range mustPlan(t, topo, 3) {
		store, _, err := (&Loader{FS: fsys, Topology: topo}).Load(context.Background(), a, idx)
		if err != nil {
			t.Fatalf("shard %d: Load: %v", a.Index, err)
		}
		for _, name := range store.Names() {
			seen[name]++
			got, _ := store.Get(name)
			want, ok := full.Get(name)
			if !ok {
				t.Fatalf("shard %d has %s which the full load lacks", a.Index, name)
			}
			if !bytes.Equal(got.Data, want.Data) || got.DType != want.DType || !cmp.Equal(got.Shape, want.Shape) {
				t.Fatalf("shard %d: %s differs from full load", a.Index, name)
			}
		}
	}
	for _, name := range full.Names() {
		if seen[name] != 1 {
			t.Errorf("%s loaded by %d shards, want exactly 1", name, seen[name])
		}
	}
}

func TestLoadSingleFileOpensOnce(t *testing.T) {
	t.Parallel()
	spec := toy.Default()
	spec.Files = 1
	fsys, idx, topo := toyCheckpoint(t, spec)

	for _, a := range mustPlan(t, topo, 2) {
		cfs := newCountingFS(fsys)
		store, warn, stats, err := (&Loader{FS: cfs, Topology: topo, DropPageCache: true}).LoadWithStats(context.Background(), a, idx)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if warn != nil {
			t.Fatalf("unexpected warning: %v", warn)
		}
		if got := cfs.count(checkpoint.SingleFile); got != 1 {
			t.Fatalf("opened %s %d times, want 1", checkpoint.SingleFile, got)
		}
		if stats.Files != 1 || stats.Tensors != store.Len() || stats.Bytes != store.Bytes() {
			t.Fatalf("unexpected stats %+v", stats)
		}
	}
}

func TestLoadTiedEmbeddingsOnLastShard(t *testing.T) {
	t.Parallel()
	spec := toy.Default()
	spec.Tied = true
	fsys, idx, topo := toyCheckpoint(t, spec)
	plan := mustPlan(t, topo, 3)

	last, warn, err := (&Loader{FS: fsys, Topology: topo}).Load(context.Background(), plan[2], idx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if warn != nil {
		t.Fatalf("unexpected warning: %v", warn)
	}
	if _, ok := last.Get("model.embed_tokens.weight"); !ok {
		t.Fatal("expected the final shard to hold the tied embedding")
	}
	if _, ok := last.Get("lm_head.weight"); ok {
		t.Fatal("tied checkpoint should have no head tensor")
	}
}

func rewriteIndex(t *testing.T, fsys fstest.MapFS, edit func(map[string]string)) {
	t.Helper()
	var raw struct {
		WeightMap map[string]string `json:"weight_map"`
	}
	if err := json.Unmarshal(fsys[checkpoint.IndexFile].Data, &raw); err != nil {
		t.Fatalf("parse index: %v", err)
	}
	edit(raw.WeightMap)
	b, err := json.Marshal(raw)
	if err != nil {
		t.Fatalf("marshal index: %v", err)
	}
	fsys[checkpoint.IndexFile] = &fstest.MapFile{Data: b}
}

func TestLoadPartialWarning(t *testing.T) {
	t.Parallel()
	spec := toy.Default()
	fsys, _, topo := toyCheckpoint(t, spec)
	rewriteIndex(t, fsys, func(m map[string]string) {
		// A key the index places in the first file whose header lacks it.
		m["model.layers.0.self_attn.rotary.inv_freq"] = spec.FileName(0)
		// Layer 1 disappears from the checkpoint entirely.
		for k := range m {
			if strings.HasPrefix(k, "model.layers.1.") {
				delete(m, k)
			}
		}
	})
	idx, err := checkpoint.Load(fsys, ".")
	if err != nil {
		t.Fatalf("checkpoint.Load: %v", err)
	}

	store, warn, err := (&Loader{FS: fsys, Topology: topo}).Load(context.Background(), mustPlan(t, topo, 3)[0], idx)
	if err != nil {
		t.Fatalf("partial load must not fail: %v", err)
	}
	if warn == nil {
		t.Fatal("expected a PartialLoadWarning")
	}
	wantKeys := []MissingKey{{Key: "model.layers.0.self_attn.rotary.inv_freq", File: spec.FileName(0)}}
	if diff := cmp.Diff(wantKeys, warn.MissingKeys); diff != "" {
		t.Fatalf("missing keys (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"layer 1"}, warn.MissingComponents); diff != "" {
		t.Fatalf("missing components (-want +got):\n%s", diff)
	}
	if _, ok := store.Get("model.layers.0.mlp.up_proj.weight"); !ok {
		t.Fatal("expected the rest of the shard to be resident")
	}
	var target *PartialLoadWarning
	if !errors.As(error(warn), &target) {
		t.Fatal("warning should satisfy errors.As")
	}
	if err := warn.Strict(); !errors.Is(err, ErrIncomplete) {
		t.Fatalf("Strict: expected ErrIncomplete, got %v", err)
	}
	var none *PartialLoadWarning
	if err := none.Strict(); err != nil {
		t.Fatalf("nil warning Strict: %v", err)
	}
}

func TestLoadUnreadableFile(t *testing.T) {
	t.Parallel()
	spec := toy.Default()

	tests := []struct {
		name string
		edit func(fstest.MapFS)
	}{
		{"missing file", func(fsys fstest.MapFS) { delete(fsys, spec.FileName(0)) }},
		{"truncated file", func(fsys fstest.MapFS) {
			data := fsys[spec.FileName(0)].Data
			fsys[spec.FileName(0)] = &fstest.MapFile{Data: data[:len(data)/2]}
		}},
		{"garbage header", func(fsys fstest.MapFS) {
			fsys[spec.FileName(0)] = &fstest.MapFile{Data: []byte("not a safetensors file")}
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			fsys, idx, topo := toyCheckpoint(t, spec)
			tc.edit(fsys)
			_, _, err := (&Loader{FS: fsys, Topology: topo}).Load(context.Background(), mustPlan(t, topo, 3)[0], idx)
			if !errors.Is(err, ErrFileUnreadable) {
				t.Fatalf("expected ErrFileUnreadable, got %v", err)
			}
		})
	}
}

func TestLoadCancelled(t *testing.T) {
	t.Parallel()
	fsys, idx, topo := toyCheckpoint(t, toy.Default())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := (&Loader{FS: fsys, Topology: topo}).Load(ctx, mustPlan(t, topo, 1)[0], idx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestLoadUnknownFormat(t *testing.T) {
	t.Parallel()
	_, _, topo := toyCheckpoint(t, toy.Default())
	_, _, err := (&Loader{FS: fstest.MapFS{}, Topology: topo}).Load(context.Background(), mustPlan(t, topo, 1)[0], &checkpoint.Index{})
	if !errors.Is(err, checkpoint.ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestStoreFloat32(t *testing.T) {
	t.Parallel()
	fsys, idx, topo := toyCheckpoint(t, toy.Default())
	store, _, err := (&Loader{FS: fsys, Topology: topo}).Load(context.Background(), mustPlan(t, topo, 1)[0], idx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	spec := toy.Default()
	vals, shape, err := store.Float32("model.norm.weight", spec.Hidden)
	if err != nil {
		t.Fatalf("Float32: %v", err)
	}
	if len(vals) != spec.Hidden || !cmp.Equal(shape, []int{spec.Hidden}) {
		t.Fatalf("unexpected norm shape %v", shape)
	}
	if _, _, err := store.Float32("model.norm.weight", spec.Hidden+1); err == nil {
		t.Fatal("expected element count mismatch")
	}
	if _, _, err := store.Float32("nope", 0); err == nil {
		t.Fatal("expected error for absent tensor")
	}
}
