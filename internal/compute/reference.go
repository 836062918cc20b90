package compute

import (
	"context"
	"fmt"

	"github.com/samcharles93/pipeshard/internal/partition"
	"github.com/samcharles93/pipeshard/internal/tensor"
	"github.com/samcharles93/pipeshard/internal/weights"
)

// referenceBackend evaluates a simplified decoder in pure Go: embedding
// lookup, a pre-norm gated MLP residual per layer, final norm and output
// projection. Attention is not evaluated. Weights are decoded to float32 once
// at bind time.
type referenceBackend struct {
	topo partition.Topology
	dims Dims
}

func (*referenceBackend) Name() string { return Reference }

type mlpLayer struct {
	norm []float32
	gate tensor.Mat
	up   tensor.Mat
	down tensor.Mat
}

type referenceKernel struct {
	a    partition.Assignment
	dims Dims

	embed  *tensor.Mat
	layers []mlpLayer
	norm   []float32
	head   *tensor.Mat

	// Skipped lists owned layers whose tensors were incomplete; they pass
	// the hidden state through unchanged.
	Skipped []int
}

func (b *referenceBackend) Bind(store *weights.Store, a partition.Assignment) (Kernel, error) {
	h := b.dims.Hidden
	k := &referenceKernel{a: a, dims: b.dims}
	embKey := b.topo.EmbeddingPrefix + ".weight"

	if a.IncludesEmbedding {
		m, err := matrix(store, embKey, b.dims.Vocab, h)
		if err != nil {
			return nil, fmt.Errorf("embedding: %w", err)
		}
		k.embed = &m
	}

	// A missing layer degrades to pass-through. The embedding, final norm and
	// head have no neutral stand-in, so their absence fails the bind.
	for i := a.StartLayer; i < a.EndLayer; i++ {
		l, err := b.bindLayer(store, i)
		if err != nil {
			k.Skipped = append(k.Skipped, i)
			continue
		}
		k.layers = append(k.layers, l)
	}

	if a.IncludesFinalComponents {
		norm, _, err := store.Float32(b.topo.FinalNormPrefix+".weight", h)
		if err != nil {
			return nil, fmt.Errorf("%w: final norm: %v", ErrBind, err)
		}
		k.norm = norm
		headKey := b.topo.HeadPrefix + ".weight"
		if _, ok := store.Get(headKey); !ok && b.topo.TiedEmbeddings {
			headKey = embKey
		}
		if headKey == embKey && k.embed != nil {
			k.head = k.embed
		} else {
			m, err := matrix(store, headKey, b.dims.Vocab, h)
			if err != nil {
				return nil, fmt.Errorf("head: %w", err)
			}
			k.head = &m
		}
	}
	return k, nil
}

func (b *referenceBackend) bindLayer(store *weights.Store, i int) (mlpLayer, error) {
	h := b.dims.Hidden
	p := b.topo.LayerKeyPrefix(i)
	norm, _, err := store.Float32(p+"input_layernorm.weight", h)
	if err != nil {
		return mlpLayer{}, err
	}
	gateT, ok := store.Get(p + "mlp.gate_proj.weight")
	if !ok || len(gateT.Shape) != 2 {
		return mlpLayer{}, fmt.Errorf("layer %d: missing gate projection", i)
	}
	inter := gateT.Shape[0]
	gate, err := matrix(store, p+"mlp.gate_proj.weight", inter, h)
	if err != nil {
		return mlpLayer{}, err
	}
	up, err := matrix(store, p+"mlp.up_proj.weight", inter, h)
	if err != nil {
		return mlpLayer{}, err
	}
	down, err := matrix(store, p+"mlp.down_proj.weight", h, inter)
	if err != nil {
		return mlpLayer{}, err
	}
	return mlpLayer{norm: norm, gate: gate, up: up, down: down}, nil
}

func matrix(store *weights.Store, key string, rows, cols int) (tensor.Mat, error) {
	vals, shape, err := store.Float32(key, rows*cols)
	if err != nil {
		return tensor.Mat{}, fmt.Errorf("%w: %v", ErrBind, err)
	}
	if len(shape) != 2 || shape[0] != rows || shape[1] != cols {
		return tensor.Mat{}, fmt.Errorf("%w: %s has shape %v, want [%d %d]", ErrBind, key, shape, rows, cols)
	}
	return tensor.NewMatFromData(rows, cols, vals)
}

func (k *referenceKernel) Forward(ctx context.Context, in *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkInput(k.a, k.dims, in); err != nil {
		return nil, err
	}
	h := k.dims.Hidden
	var rows int
	var x []float32

	if k.a.IncludesEmbedding {
		ids, _ := in.TokenIDs()
		rows = len(ids)
		x = make([]float32, rows*h)
		for t, id := range ids {
			if id < 0 || id >= k.embed.R {
				return nil, fmt.Errorf("token id %d outside vocabulary of %d", id, k.embed.R)
			}
			copy(x[t*h:(t+1)*h], k.embed.Row(id))
		}
	} else {
		var vals []float32
		rows, _, vals, _ = in.Sequence()
		x = vals
	}

	normed := make([]float32, h)
	for _, l := range k.layers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		inter := l.gate.R
		gate := make([]float32, inter)
		up := make([]float32, inter)
		act := make([]float32, inter)
		out := make([]float32, h)
		for t := 0; t < rows; t++ {
			row := x[t*h : (t+1)*h]
			tensor.RMSNorm(normed, row, l.norm, k.dims.RMSNormEps)
			tensor.MatVec(gate, &l.gate, normed)
			tensor.MatVec(up, &l.up, normed)
			tensor.SiluMul(act, gate, up)
			tensor.MatVec(out, &l.down, act)
			tensor.Add(row, out)
		}
	}

	if !k.a.IncludesFinalComponents {
		return tensor.FromFloat32([]int{1, rows, h}, x)
	}

	v := k.head.R
	logits := make([]float32, rows*v)
	for t := 0; t < rows; t++ {
		tensor.RMSNorm(normed, x[t*h:(t+1)*h], k.norm, k.dims.RMSNormEps)
		tensor.MatVec(logits[t*v:(t+1)*v], k.head, normed)
	}
	return tensor.FromFloat32([]int{1, rows, v}, logits)
}

// SkippedLayers reports layers bound as pass-through, for logging.
func SkippedLayers(k Kernel) []int {
	if rk, ok := k.(*referenceKernel); ok {
		return rk.Skipped
	}
	return nil
}
