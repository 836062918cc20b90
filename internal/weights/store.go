package weights

import (
	"fmt"
	"sort"

	"github.com/samcharles93/pipeshard/internal/safetensors"
)

// Tensor is one resident parameter with its raw checkpoint encoding.
type Tensor struct {
	Name  string
	DType string
	Shape []int
	Data  []byte
}

// Float32 decodes the tensor to float32.
func (t Tensor) Float32() ([]float32, error) {
	return safetensors.DecodeFloat32(t.DType, t.Data)
}

// Store holds the parameters resident on one shard. It is filled by Loader
// and read-only once returned, so concurrent readers need no locking.
type Store struct {
	tensors map[string]Tensor
	bytes   int64
}

func newStore() *Store {
	return &Store{tensors: make(map[string]Tensor)}
}

func (s *Store) put(t Tensor) error {
	if _, dup := s.tensors[t.Name]; dup {
		return fmt.Errorf("weights: tensor %q loaded twice", t.Name)
	}
	s.tensors[t.Name] = t
	s.bytes += int64(len(t.Data))
	return nil
}

// Get returns the tensor stored under the exact key name.
func (s *Store) Get(name string) (Tensor, bool) {
	t, ok := s.tensors[name]
	return t, ok
}

// Float32 decodes the named tensor, checking that it has the wanted number
// of elements when want > 0.
func (s *Store) Float32(name string, want int) ([]float32, []int, error) {
	t, ok := s.tensors[name]
	if !ok {
		return nil, nil, fmt.Errorf("weights: tensor %q not resident", name)
	}
	vals, err := t.Float32()
	if err != nil {
		return nil, nil, fmt.Errorf("weights: decode %q: %w", name, err)
	}
	if want > 0 && len(vals) != want {
		return nil, nil, fmt.Errorf("weights: tensor %q has %d elements, want %d", name, len(vals), want)
	}
	return vals, t.Shape, nil
}

// Names returns the resident keys in sorted order.
func (s *Store) Names() []string {
	out := make([]string, 0, len(s.tensors))
	for k := range s.tensors {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of resident tensors.
func (s *Store) Len() int { return len(s.tensors) }

// Bytes returns the total payload size of the resident tensors.
func (s *Store) Bytes() int64 { return s.bytes }
