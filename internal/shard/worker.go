// Package shard hosts one contiguous layer range of a model.
package shard

import (
	"context"
	"errors"
	"fmt"

	"github.com/samcharles93/pipeshard/internal/compute"
	"github.com/samcharles93/pipeshard/internal/partition"
	"github.com/samcharles93/pipeshard/internal/tensor"
	"github.com/samcharles93/pipeshard/internal/weights"
)

// ErrBadInput marks a forward call whose input is the wrong kind for this
// shard's position in the pipeline.
var ErrBadInput = errors.New("bad stage input")

// Worker holds a sealed parameter store and the kernel bound to it. It is
// immutable after New and safe for concurrent Forward calls.
type Worker struct {
	assignment partition.Assignment
	store      *weights.Store
	backend    string
	kernel     compute.Kernel
}

// New binds backend to store for assignment a.
func New(a partition.Assignment, store *weights.Store, backend compute.Backend) (*Worker, error) {
	if store == nil {
		return nil, fmt.Errorf("shard %d: nil parameter store", a.Index)
	}
	if backend == nil {
		return nil, fmt.Errorf("shard %d: nil compute backend", a.Index)
	}
	k, err := backend.Bind(store, a)
	if err != nil {
		return nil, fmt.Errorf("shard %d: %w", a.Index, err)
	}
	return &Worker{assignment: a, store: store, backend: backend.Name(), kernel: k}, nil
}

// Assignment returns the layer range this worker owns.
func (w *Worker) Assignment() partition.Assignment { return w.assignment }

// Backend returns the compute backend name.
func (w *Worker) Backend() string { return w.backend }

// Store returns the resident parameters.
func (w *Worker) Store() *weights.Store { return w.store }

// Kernel returns the bound compute kernel.
func (w *Worker) Kernel() compute.Kernel { return w.kernel }

// Forward runs this shard's layers. The first shard takes token ids
// (I64 [1,T]); every other shard takes the previous hidden state
// (F32 [1,T,H]).
func (w *Worker) Forward(ctx context.Context, in *tensor.Tensor) (*tensor.Tensor, error) {
	if err := w.checkInput(in); err != nil {
		return nil, err
	}
	return w.kernel.Forward(ctx, in)
}

func (w *Worker) checkInput(in *tensor.Tensor) error {
	if err := in.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrBadInput, err)
	}
	if w.assignment.IncludesEmbedding {
		if in.DType != tensor.DTypeI64 || len(in.Shape) != 2 {
			return fmt.Errorf("%w: shard %d expects token ids I64 [1,T], got %s%v", ErrBadInput, w.assignment.Index, in.DType, in.Shape)
		}
	} else if in.DType != tensor.DTypeF32 || len(in.Shape) != 3 {
		return fmt.Errorf("%w: shard %d expects hidden state F32 [1,T,H], got %s%v", ErrBadInput, w.assignment.Index, in.DType, in.Shape)
	}
	if in.Shape[0] != 1 {
		return fmt.Errorf("%w: batch size %d, only 1 is supported", ErrBadInput, in.Shape[0])
	}
	if in.Shape[1] == 0 {
		return fmt.Errorf("%w: empty sequence", ErrBadInput)
	}
	return nil
}
