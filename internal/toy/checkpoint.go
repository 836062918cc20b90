// Package toy generates small, deterministic Llama-shaped safetensors
// checkpoints. They carry the same tensor naming and file layout as real
// Hugging Face exports, so sharding and loading can be exercised without
// downloading a model.
package toy

import (
	"bytes"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"testing/fstest"

	"github.com/goccy/go-json"

	"github.com/samcharles93/pipeshard/internal/checkpoint"
	"github.com/samcharles93/pipeshard/internal/safetensors"
)

// Spec describes a synthetic checkpoint.
type Spec struct {
	Layers       int
	Hidden       int
	Intermediate int
	Vocab        int
	// Files is the number of checkpoint files. One produces a consolidated
	// model.safetensors with no index.
	Files int
	// Tied omits lm_head and marks the embeddings as shared.
	Tied bool
	// DType is F32, F16 or BF16. Empty means F32.
	DType      string
	Seed       uint64
	EOSTokenID int
}

// Default returns a Spec small enough for unit tests.
func Default() Spec {
	return Spec{Layers: 6, Hidden: 8, Intermediate: 16, Vocab: 32, Files: 3, Seed: 1, EOSTokenID: 2}
}

func (s Spec) validate() error {
	if s.Layers <= 0 || s.Hidden <= 0 || s.Intermediate <= 0 || s.Vocab <= 0 {
		return fmt.Errorf("toy: dimensions must be positive: %+v", s)
	}
	if s.Files <= 0 || s.Files > s.Layers {
		return fmt.Errorf("toy: files must be in [1, %d], got %d", s.Layers, s.Files)
	}
	switch s.DType {
	case "", "F32", "F16", "BF16":
	default:
		return fmt.Errorf("toy: unsupported dtype %q", s.DType)
	}
	return nil
}

// Entries returns every tensor of the checkpoint keyed by the file it lives
// in. Layers are spread contiguously over the files; the embedding lives in
// the first file and the final norm and head in the last.
func (s Spec) Entries() (map[string][]safetensors.Entry, error) {
	if err := s.validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewPCG(s.Seed, s.Seed^0x9e3779b97f4a7c15))
	files := make(map[string][]safetensors.Entry, s.Files)
	name := func(k int) string { return s.FileName(k) }

	add := func(file, key string, shape []int, scale float32, offset float32) {
		n := 1
		for _, d := range shape {
			n *= d
		}
		vals := make([]float32, n)
		for i := range vals {
			vals[i] = offset + (rng.Float32()-0.5)*scale
		}
		files[file] = append(files[file], safetensors.Entry{
			Name:  key,
			DType: s.dtype(),
			Shape: shape,
			Data:  s.encode(vals),
		})
	}

	h, m, v := s.Hidden, s.Intermediate, s.Vocab
	add(name(0), "model.embed_tokens.weight", []int{v, h}, 1, 0)
	for i := 0; i < s.Layers; i++ {
		f := name(i * s.Files / s.Layers)
		p := fmt.Sprintf("model.layers.%d.", i)
		add(f, p+"input_layernorm.weight", []int{h}, 0.1, 1)
		add(f, p+"post_attention_layernorm.weight", []int{h}, 0.1, 1)
		for _, proj := range []string{"q_proj", "k_proj", "v_proj", "o_proj"} {
			add(f, p+"self_attn."+proj+".weight", []int{h, h}, 0.2, 0)
		}
		add(f, p+"mlp.gate_proj.weight", []int{m, h}, 0.4, 0)
		add(f, p+"mlp.up_proj.weight", []int{m, h}, 0.4, 0)
		add(f, p+"mlp.down_proj.weight", []int{h, m}, 0.4, 0)
	}
	last := name(s.Files - 1)
	add(last, "model.norm.weight", []int{h}, 0.1, 1)
	if !s.Tied {
		add(last, "lm_head.weight", []int{v, h}, 1, 0)
	}
	return files, nil
}

// FileName returns the name of the k-th checkpoint file.
func (s Spec) FileName(k int) string {
	if s.Files == 1 {
		return checkpoint.SingleFile
	}
	return fmt.Sprintf("model-%05d-of-%05d.safetensors", k+1, s.Files)
}

func (s Spec) dtype() string {
	if s.DType == "" {
		return "F32"
	}
	return s.DType
}

func (s Spec) encode(vals []float32) []byte {
	switch s.dtype() {
	case "F16":
		return safetensors.EncodeFloat16(vals)
	case "BF16":
		return safetensors.EncodeBFloat16(vals)
	default:
		return safetensors.EncodeFloat32(vals)
	}
}

// Build renders the checkpoint as file name to contents, including
// config.json and, for multi-file checkpoints, the sharded index.
func (s Spec) Build() (map[string][]byte, error) {
	entries, err := s.Entries()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(entries)+2)
	weightMap := make(map[string]string)
	names := make([]string, 0, len(entries))
	for file := range entries {
		names = append(names, file)
	}
	sort.Strings(names)
	for _, file := range names {
		var buf bytes.Buffer
		if err := safetensors.Write(&buf, entries[file], map[string]string{"format": "pt"}); err != nil {
			return nil, fmt.Errorf("toy: write %s: %w", file, err)
		}
		out[file] = buf.Bytes()
		for _, e := range entries[file] {
			weightMap[e.Name] = file
		}
	}

	if s.Files > 1 {
		idx, err := json.MarshalIndent(map[string]any{
			"metadata":   map[string]any{"format": "toy"},
			"weight_map": weightMap,
		}, "", "  ")
		if err != nil {
			return nil, err
		}
		out[checkpoint.IndexFile] = idx
	}

	cfg, err := json.MarshalIndent(map[string]any{
		"architectures":       []string{"ToyForCausalLM"},
		"num_hidden_layers":   s.Layers,
		"hidden_size":         s.Hidden,
		"intermediate_size":   s.Intermediate,
		"vocab_size":          s.Vocab,
		"rms_norm_eps":        1e-6,
		"tie_word_embeddings": s.Tied,
		"eos_token_id":        s.EOSTokenID,
		"torch_dtype":         s.dtype(),
	}, "", "  ")
	if err != nil {
		return nil, err
	}
	out[checkpoint.ConfigFile] = cfg
	return out, nil
}

// MapFS returns the checkpoint as an in-memory filesystem rooted at ".".
func (s Spec) MapFS() (fstest.MapFS, error) {
	files, err := s.Build()
	if err != nil {
		return nil, err
	}
	fsys := make(fstest.MapFS, len(files))
	for name, data := range files {
		fsys[name] = &fstest.MapFile{Data: data, Mode: 0o644}
	}
	return fsys, nil
}

// WriteDir writes the checkpoint into dir, creating it if needed.
func (s Spec) WriteDir(dir string) error {
	files, err := s.Build()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			return err
		}
	}
	return nil
}
