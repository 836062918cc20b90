package checkpoint

import (
	"errors"
	"fmt"
	"io/fs"
	"path"

	"github.com/goccy/go-json"

	"github.com/samcharles93/pipeshard/internal/partition"
)

const (
	ConfigFile           = "config.json"
	GenerationConfigFile = "generation_config.json"
)

// ModelConfig is the subset of config.json that sharding and the reference
// compute mode use.
type ModelConfig struct {
	NumHiddenLayers   int     `json:"num_hidden_layers"`
	HiddenSize        int     `json:"hidden_size"`
	VocabSize         int     `json:"vocab_size"`
	RMSNormEps        float32 `json:"rms_norm_eps"`
	TieWordEmbeddings bool    `json:"tie_word_embeddings"`
	// EOSTokenIDs lists every end token. The first one is used as the
	// pipeline's end token unless configuration overrides it.
	EOSTokenIDs tokenIDs `json:"eos_token_id"`
}

// Partition returns the fields partition.TopologyFromConfig needs.
func (c ModelConfig) Partition() partition.ModelConfig {
	return partition.ModelConfig{
		NumHiddenLayers:   c.NumHiddenLayers,
		TieWordEmbeddings: c.TieWordEmbeddings,
	}
}

// EOSTokenID returns the primary end token, or -1 when none is declared.
func (c ModelConfig) EOSTokenID() int {
	if len(c.EOSTokenIDs) == 0 {
		return -1
	}
	return c.EOSTokenIDs[0]
}

// tokenIDs accepts either a single integer or a list of integers, as both
// appear in the wild for eos_token_id.
type tokenIDs []int

func (t *tokenIDs) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*t = nil
		return nil
	}
	var one int
	if err := json.Unmarshal(b, &one); err == nil {
		*t = tokenIDs{one}
		return nil
	}
	var many []int
	if err := json.Unmarshal(b, &many); err != nil {
		return fmt.Errorf("eos_token_id: want int or list of ints: %w", err)
	}
	*t = many
	return nil
}

// ReadModelConfig reads config.json from dir and applies the eos_token_id of
// generation_config.json when that file exists.
func ReadModelConfig(fsys fs.FS, dir string) (ModelConfig, error) {
	var cfg ModelConfig
	b, err := fs.ReadFile(fsys, path.Join(dir, ConfigFile))
	if err != nil {
		return cfg, fmt.Errorf("read %s: %w", ConfigFile, err)
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", ConfigFile, err)
	}
	if cfg.RMSNormEps == 0 {
		cfg.RMSNormEps = 1e-6
	}

	b, err = fs.ReadFile(fsys, path.Join(dir, GenerationConfigFile))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return cfg, nil
	case err != nil:
		return cfg, fmt.Errorf("read %s: %w", GenerationConfigFile, err)
	}
	var gen struct {
		EOSTokenIDs tokenIDs `json:"eos_token_id"`
	}
	if err := json.Unmarshal(b, &gen); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", GenerationConfigFile, err)
	}
	if len(gen.EOSTokenIDs) > 0 {
		cfg.EOSTokenIDs = gen.EOSTokenIDs
	}
	return cfg, nil
}
