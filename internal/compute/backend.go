// Package compute is the boundary between a shard worker and whatever
// executes its layers.
package compute

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/samcharles93/pipeshard/internal/partition"
	"github.com/samcharles93/pipeshard/internal/tensor"
	"github.com/samcharles93/pipeshard/internal/weights"
)

const (
	Reference = "reference"
	Noop      = "noop"
)

var ErrBind = errors.New("compute: cannot bind weights")

// Kernel runs one shard's layer range. Implementations must be safe for
// concurrent use.
type Kernel interface {
	Forward(ctx context.Context, in *tensor.Tensor) (*tensor.Tensor, error)
}

// Backend binds a shard's resident weights to a Kernel.
type Backend interface {
	Name() string
	Bind(store *weights.Store, a partition.Assignment) (Kernel, error)
}

// Dims are the model dimensions a backend needs to size its outputs.
type Dims struct {
	Hidden     int
	Vocab      int
	RMSNormEps float32
}

func Normalize(name string) (string, error) {
	mode := strings.ToLower(strings.TrimSpace(name))
	if mode == "" {
		return Reference, nil
	}
	switch mode {
	case Reference, Noop:
		return mode, nil
	default:
		return "", fmt.Errorf("unknown compute mode %q (expected reference or noop)", mode)
	}
}

// New returns the backend for mode.
func New(mode string, topo partition.Topology, dims Dims) (Backend, error) {
	mode, err := Normalize(mode)
	if err != nil {
		return nil, err
	}
	if dims.Hidden <= 0 || dims.Vocab <= 0 {
		return nil, fmt.Errorf("compute: hidden and vocab sizes must be positive, got %d and %d", dims.Hidden, dims.Vocab)
	}
	if dims.RMSNormEps == 0 {
		dims.RMSNormEps = 1e-6
	}
	switch mode {
	case Noop:
		return noopBackend{dims: dims}, nil
	default:
		return &referenceBackend{topo: topo, dims: dims}, nil
	}
}

// checkInput validates the input kind expected at a shard's position.
func checkInput(a partition.Assignment, dims Dims, in *tensor.Tensor) error {
	if err := in.Validate(); err != nil {
		return err
	}
	if a.IncludesEmbedding {
		if _, err := in.TokenIDs(); err != nil {
			return fmt.Errorf("first stage expects token ids: %w", err)
		}
		return nil
	}
	_, width, _, err := in.Sequence()
	if err != nil {
		return fmt.Errorf("stage %d expects hidden state: %w", a.Index, err)
	}
	if width != dims.Hidden {
		return fmt.Errorf("%w: hidden width %d, want %d", tensor.ErrShape, width, dims.Hidden)
	}
	return nil
}
