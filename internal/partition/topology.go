package partition

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Default tensor name prefixes used by Llama/Qwen style checkpoints.
const (
	DefaultEmbeddingPrefix = "model.embed_tokens"
	DefaultLayerPrefix     = "model.layers"
	DefaultFinalNormPrefix = "model.norm"
	DefaultHeadPrefix      = "lm_head"
)

// Topology describes the parts of a model that partitioning cares about.
// It is derived once from model configuration and never modified.
type Topology struct {
	LayerCount      int
	LayerPrefix     string
	EmbeddingPrefix string
	FinalNormPrefix string
	HeadPrefix      string

	HasEmbedding  bool
	HasFinalNorm  bool
	HasOutputHead bool

	// TiedEmbeddings means the output head reuses the embedding matrix.
	TiedEmbeddings bool
}

// ModelConfig is the subset of a Hugging Face config.json needed to build a
// Topology.
type ModelConfig struct {
	NumHiddenLayers   int
	TieWordEmbeddings bool
}

// TopologyFromConfig builds a Topology with the default tensor naming.
// An empty layerPrefix selects DefaultLayerPrefix.
func TopologyFromConfig(cfg ModelConfig, layerPrefix string) (Topology, error) {
	if cfg.NumHiddenLayers <= 0 {
		return Topology{}, fmt.Errorf("%w: num_hidden_layers must be positive, got %d", ErrInvalidPartition, cfg.NumHiddenLayers)
	}
	layerPrefix = strings.TrimSuffix(strings.TrimSpace(layerPrefix), ".")
	if layerPrefix == "" {
		layerPrefix = DefaultLayerPrefix
	}
	return Topology{
		LayerCount:      cfg.NumHiddenLayers,
		LayerPrefix:     layerPrefix,
		EmbeddingPrefix: DefaultEmbeddingPrefix,
		FinalNormPrefix: DefaultFinalNormPrefix,
		HeadPrefix:      DefaultHeadPrefix,
		HasEmbedding:    true,
		HasFinalNorm:    true,
		HasOutputHead:   true,
		TiedEmbeddings:  cfg.TieWordEmbeddings,
	}, nil
}

// LayerKeyPrefix returns "<LayerPrefix>.<i>." which every tensor of layer i
// starts with.
func (t Topology) LayerKeyPrefix(i int) string {
	return t.LayerPrefix + "." + strconv.Itoa(i) + "."
}

// LayerOf reports which decoder layer a tensor key belongs to.
func (t Topology) LayerOf(key string) (int, bool) {
	rest, ok := strings.CutPrefix(key, t.LayerPrefix+".")
	if !ok {
		return 0, false
	}
	num, _, ok := strings.Cut(rest, ".")
	if !ok || num == "" {
		return 0, false
	}
	// Only the canonical decimal form names a layer, so that membership agrees
	// with LayerKeyPrefix.
	i, err := strconv.Atoi(num)
	if err != nil || i < 0 || strconv.Itoa(i) != num {
		return 0, false
	}
	return i, true
}

func (t Topology) isEmbedding(key string) bool {
	return t.HasEmbedding && hasComponentPrefix(key, t.EmbeddingPrefix)
}

func (t Topology) isFinalNorm(key string) bool {
	return t.HasFinalNorm && hasComponentPrefix(key, t.FinalNormPrefix)
}

func (t Topology) isHead(key string) bool {
	return t.HasOutputHead && hasComponentPrefix(key, t.HeadPrefix)
}

func hasComponentPrefix(key, prefix string) bool {
	return prefix != "" && strings.HasPrefix(key, prefix+".")
}

// RequestSet is the sorted list of tensor keys one assignment needs.
type RequestSet []string

// Contains reports whether key is in the set.
func (r RequestSet) Contains(key string) bool {
	i := sort.SearchStrings(r, key)
	return i < len(r) && r[i] == key
}

// Wants reports whether key belongs to the assignment. headPresent tells
// whether the checkpoint carries a separate head tensor; without one a tied
// model's final shard needs the embedding instead.
func (t Topology) Wants(a Assignment, key string, headPresent bool) bool {
	if i, ok := t.LayerOf(key); ok {
		return a.OwnsLayer(i)
	}
	if t.isEmbedding(key) {
		if a.IncludesEmbedding {
			return true
		}
		return a.IncludesFinalComponents && t.TiedEmbeddings && !headPresent
	}
	if t.isFinalNorm(key) || t.isHead(key) {
		return a.IncludesFinalComponents
	}
	return false
}

// HeadPresent reports whether any of keys is an output head tensor.
func (t Topology) HeadPresent(keys []string) bool {
	for _, k := range keys {
		if t.isHead(k) {
			return true
		}
	}
	return false
}

// RequestSet derives the tensor keys assignment a needs out of the keys
// available in a checkpoint. The result is sorted and free of duplicates.
func (t Topology) RequestSet(a Assignment, available []string) RequestSet {
	headPresent := t.HeadPresent(available)
	seen := make(map[string]struct{}, len(available))
	out := make(RequestSet, 0)
	for _, k := range available {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		if t.Wants(a, k, headPresent) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// Component names a declared part of an assignment.
type Component struct {
	Name   string
	Prefix string
}

// Components lists the parts assignment a is expected to hold. The loader
// uses it to report parts for which the checkpoint provided no tensor at all.
func (t Topology) Components(a Assignment, headPresent bool) []Component {
	var out []Component
	if a.IncludesEmbedding && t.HasEmbedding {
		out = append(out, Component{Name: "embedding", Prefix: t.EmbeddingPrefix + "."})
	}
	for i := a.StartLayer; i < a.EndLayer; i++ {
		out = append(out, Component{Name: "layer " + strconv.Itoa(i), Prefix: t.LayerKeyPrefix(i)})
	}
	if a.IncludesFinalComponents {
		if t.HasFinalNorm {
			out = append(out, Component{Name: "final norm", Prefix: t.FinalNormPrefix + "."})
		}
		if t.HasOutputHead {
			switch {
			case headPresent || !t.TiedEmbeddings:
				out = append(out, Component{Name: "output head", Prefix: t.HeadPrefix + "."})
			case !a.IncludesEmbedding:
				out = append(out, Component{Name: "tied embedding", Prefix: t.EmbeddingPrefix + "."})
			}
		}
	}
	return out
}
