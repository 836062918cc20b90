package compute

import (
	"context"

	"github.com/samcharles93/pipeshard/internal/partition"
	"github.com/samcharles93/pipeshard/internal/tensor"
	"github.com/samcharles93/pipeshard/internal/weights"
)

// noopBackend produces correctly shaped zeros without touching weights.
// The final stage emits all-zero logits, so greedy decoding always picks
// token 0.
type noopBackend struct {
	dims Dims
}

func (noopBackend) Name() string { return Noop }

func (b noopBackend) Bind(_ *weights.Store, a partition.Assignment) (Kernel, error) {
	return noopKernel{a: a, dims: b.dims}, nil
}

type noopKernel struct {
	a    partition.Assignment
	dims Dims
}

func (k noopKernel) Forward(ctx context.Context, in *tensor.Tensor) (*tensor.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkInput(k.a, k.dims, in); err != nil {
		return nil, err
	}
	rows := in.Shape[1]
	width := k.dims.Hidden
	if k.a.IncludesFinalComponents {
		width = k.dims.Vocab
	}
	return tensor.FromFloat32([]int{1, rows, width}, make([]float32, rows*width))
}
