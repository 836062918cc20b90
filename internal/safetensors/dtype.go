package safetensors

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

var ErrUnsupportedDType = errors.New("safetensors: unsupported dtype")

// ElementSize returns the byte width of one element of dtype.
func ElementSize(dtype string) (int, error) {
	switch dtype {
	case "F64", "I64", "U64":
		return 8, nil
	case "F32", "I32", "U32":
		return 4, nil
	case "F16", "BF16", "I16", "U16":
		return 2, nil
	case "I8", "U8", "BOOL", "F8_E4M3", "F8_E5M2":
		return 1, nil
	default:
		return 0, fmt.Errorf("%w %q", ErrUnsupportedDType, dtype)
	}
}

// NumElements returns the product of shape. A scalar (empty shape) has one
// element.
func NumElements(shape []int) (int, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("invalid dim %d", d)
		}
		if d != 0 && n > (int(^uint(0)>>1))/d {
			return 0, fmt.Errorf("tensor too large")
		}
		n *= d
	}
	return n, nil
}

// ExpectedSize returns the payload size implied by dtype and shape.
func ExpectedSize(dtype string, shape []int) (int64, error) {
	es, err := ElementSize(dtype)
	if err != nil {
		return 0, err
	}
	n, err := NumElements(shape)
	if err != nil {
		return 0, err
	}
	return int64(n) * int64(es), nil
}

// DecodeFloat32 converts raw little-endian tensor bytes to float32.
func DecodeFloat32(dtype string, raw []byte) ([]float32, error) {
	switch dtype {
	case "F32":
		if len(raw)%4 != 0 {
			return nil, fmt.Errorf("invalid f32 data size %d", len(raw))
		}
		out := make([]float32, len(raw)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		return out, nil
	case "F16":
		if len(raw)%2 != 0 {
			return nil, fmt.Errorf("invalid f16 data size %d", len(raw))
		}
		out := make([]float32, len(raw)/2)
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
		}
		return out, nil
	case "BF16":
		if len(raw)%2 != 0 {
			return nil, fmt.Errorf("invalid bf16 data size %d", len(raw))
		}
		return bfloat16.DecodeFloat32(raw), nil
	default:
		return nil, fmt.Errorf("%w %q for float32 decode", ErrUnsupportedDType, dtype)
	}
}

// EncodeFloat32 packs values as little-endian F32.
func EncodeFloat32(values []float32) []byte {
	out := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

// EncodeFloat16 packs values as little-endian F16.
func EncodeFloat16(values []float32) []byte {
	out := make([]byte, len(values)*2)
	for i, v := range values {
		binary.LittleEndian.PutUint16(out[i*2:], float16.Fromfloat32(v).Bits())
	}
	return out
}

// EncodeBFloat16 packs values as little-endian BF16, rounding to nearest even.
func EncodeBFloat16(values []float32) []byte {
	out := make([]byte, len(values)*2)
	for i, v := range values {
		bits := math.Float32bits(v)
		if v != v {
			binary.LittleEndian.PutUint16(out[i*2:], uint16(bits>>16)|0x40)
			continue
		}
		bits += 0x7fff + (bits>>16)&1
		binary.LittleEndian.PutUint16(out[i*2:], uint16(bits>>16))
	}
	return out
}
