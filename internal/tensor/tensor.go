package tensor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	DTypeI64 = "I64"
	DTypeF32 = "F32"
)

var ErrShape = errors.New("tensor: shape mismatch")

// Tensor is a dense little-endian tensor as exchanged between stages.
type Tensor struct {
	DType string `cbor:"1,keyasint"`
	Shape []int  `cbor:"2,keyasint"`
	Data  []byte `cbor:"3,keyasint"`
}

// FromTokenIDs packs a single sequence of token ids as I64 [1, T].
func FromTokenIDs(ids []int) *Tensor {
	data := make([]byte, len(ids)*8)
	for i, id := range ids {
		binary.LittleEndian.PutUint64(data[i*8:], uint64(int64(id)))
	}
	return &Tensor{DType: DTypeI64, Shape: []int{1, len(ids)}, Data: data}
}

// FromFloat32 packs values as F32 with the given shape.
func FromFloat32(shape []int, values []float32) (*Tensor, error) {
	if n := elements(shape); n != len(values) {
		return nil, fmt.Errorf("%w: shape %v holds %d values, got %d", ErrShape, shape, n, len(values))
	}
	data := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(v))
	}
	return &Tensor{DType: DTypeF32, Shape: append([]int(nil), shape...), Data: data}, nil
}

// Validate checks that Data matches DType and Shape.
func (t *Tensor) Validate() error {
	if t == nil {
		return fmt.Errorf("%w: nil tensor", ErrShape)
	}
	var width int
	switch t.DType {
	case DTypeI64:
		width = 8
	case DTypeF32:
		width = 4
	default:
		return fmt.Errorf("tensor: unsupported dtype %q", t.DType)
	}
	for _, d := range t.Shape {
		if d < 0 {
			return fmt.Errorf("%w: negative dim in %v", ErrShape, t.Shape)
		}
	}
	if want := elements(t.Shape) * width; want != len(t.Data) {
		return fmt.Errorf("%w: %s%v needs %d bytes, got %d", ErrShape, t.DType, t.Shape, want, len(t.Data))
	}
	return nil
}

// TokenIDs unpacks an I64 [1, T] tensor.
func (t *Tensor) TokenIDs() ([]int, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if t.DType != DTypeI64 || len(t.Shape) != 2 || t.Shape[0] != 1 {
		return nil, fmt.Errorf("%w: want I64 [1,T], got %s%v", ErrShape, t.DType, t.Shape)
	}
	out := make([]int, t.Shape[1])
	for i := range out {
		out[i] = int(int64(binary.LittleEndian.Uint64(t.Data[i*8:])))
	}
	return out, nil
}

// Float32s unpacks an F32 tensor.
func (t *Tensor) Float32s() ([]float32, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if t.DType != DTypeF32 {
		return nil, fmt.Errorf("%w: want F32, got %s", ErrShape, t.DType)
	}
	out := make([]float32, len(t.Data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.Data[i*4:]))
	}
	return out, nil
}

// Sequence unpacks an F32 [1, T, D] tensor into its T rows of width D.
func (t *Tensor) Sequence() (rows int, width int, values []float32, err error) {
	if len(t.Shape) != 3 || t.Shape[0] != 1 {
		return 0, 0, nil, fmt.Errorf("%w: want F32 [1,T,D], got %s%v", ErrShape, t.DType, t.Shape)
	}
	values, err = t.Float32s()
	if err != nil {
		return 0, 0, nil, err
	}
	return t.Shape[1], t.Shape[2], values, nil
}

// LastRow returns the final position of an F32 [1, T, D] tensor.
func (t *Tensor) LastRow() ([]float32, error) {
	rows, width, values, err := t.Sequence()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, fmt.Errorf("%w: empty sequence", ErrShape)
	}
	return values[(rows-1)*width : rows*width], nil
}

func elements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
