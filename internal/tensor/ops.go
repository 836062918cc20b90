package tensor

import (
	"math"
)

// Add adds src to dst element-wise.
func Add(dst, src []float32) {
	for i := range dst {
		dst[i] += src[i]
	}
}

// Dot computes the dot product of a and b.
func Dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// RMSNorm performs Root Mean Square Normalization.
func RMSNorm(dst, src, weight []float32, eps float32) {
	var sum float32
	for _, v := range src {
		sum += v * v
	}
	mean := sum / float32(len(src))
	scale := float32(1.0) / float32(math.Sqrt(float64(mean+eps)))
	for i := range src {
		dst[i] = src[i] * scale * weight[i]
	}
}

// Sigmoid computes the logistic sigmoid activation.
func Sigmoid(x float32) float32 {
	return float32(1.0 / (1.0 + math.Exp(float64(-x))))
}

// Silu computes the Sigmoid Linear Unit (SiLU) activation.
func Silu(x float32) float32 {
	return x * Sigmoid(x)
}

// SiluMul computes dst[i] = Silu(gate[i]) * up[i].
func SiluMul(dst, gate, up []float32) {
	if len(gate) != len(up) || len(dst) < len(gate) {
		panic("SiluMul length mismatch")
	}
	for i := range gate {
		dst[i] = Silu(gate[i]) * up[i]
	}
}

// Argmax returns the index of the largest value. Ties resolve to the lowest
// index and NaN never wins. It returns -1 for an empty slice.
func Argmax(x []float32) int {
	best := -1
	var bestV float32
	for i, v := range x {
		if v != v {
			continue
		}
		if best < 0 || v > bestV {
			best, bestV = i, v
		}
	}
	if best < 0 && len(x) > 0 {
		return 0
	}
	return best
}
