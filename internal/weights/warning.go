package weights

import (
	"errors"
	"fmt"
	"strings"
)

// ErrIncomplete is returned by Strict for a load that left gaps.
var ErrIncomplete = errors.New("shard parameters incomplete")

// MissingKey is a requested tensor that the index placed in File but whose
// header does not contain it.
type MissingKey struct {
	Key  string `json:"key"`
	File string `json:"file"`
}

// PartialLoadWarning reports tensors that could not be found. Loading still
// succeeds; the shard runs with whatever was resident.
type PartialLoadWarning struct {
	MissingKeys []MissingKey `json:"missing_keys,omitempty"`
	// MissingComponents names declared parts (embedding, layer i, final
	// norm, output head) for which no tensor was loaded at all.
	MissingComponents []string `json:"missing_components,omitempty"`
}

func (w *PartialLoadWarning) Error() string {
	var parts []string
	if n := len(w.MissingKeys); n > 0 {
		parts = append(parts, fmt.Sprintf("%d tensor(s) missing from their checkpoint file", n))
	}
	if n := len(w.MissingComponents); n > 0 {
		parts = append(parts, fmt.Sprintf("no tensors for %s", strings.Join(w.MissingComponents, ", ")))
	}
	if len(parts) == 0 {
		return "partial load"
	}
	return "partial load: " + strings.Join(parts, "; ")
}

func (w *PartialLoadWarning) empty() bool {
	return len(w.MissingKeys) == 0 && len(w.MissingComponents) == 0
}

// Strict turns a warning into a hard error. It returns nil for a nil or
// empty warning.
func (w *PartialLoadWarning) Strict() error {
	if w == nil || w.empty() {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrIncomplete, w)
}
