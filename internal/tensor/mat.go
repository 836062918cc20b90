package tensor

import (
	"fmt"
)

// Mat represents a dense row-major matrix of float32 values.
//
// R and C are the number of rows and columns. Data holds the flattened
// values; out-of-range indices panic like any slice access.
type Mat struct {
	R, C int
	Data []float32
}

// NewMat allocates a zeroed matrix.
func NewMat(r, c int) Mat {
	if r < 0 || c < 0 {
		panic("negative dimension for matrix")
	}
	return Mat{R: r, C: c, Data: make([]float32, r*c)}
}

// NewMatFromData wraps existing data. It checks that len(data) == r*c.
func NewMatFromData(r, c int, data []float32) (Mat, error) {
	if r < 0 || c < 0 {
		return Mat{}, fmt.Errorf("%w: negative dimension %dx%d", ErrShape, r, c)
	}
	if r*c != len(data) {
		return Mat{}, fmt.Errorf("%w: %dx%d matrix needs %d values, got %d", ErrShape, r, c, r*c, len(data))
	}
	return Mat{R: r, C: c, Data: data}, nil
}

// Row returns a view of the i-th row. Modifying the slice updates the matrix.
func (m *Mat) Row(i int) []float32 {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	start := i * m.C
	return m.Data[start : start+m.C]
}

// MatVec computes dst = m · x. dst must have length R and x length C.
func MatVec(dst []float32, m *Mat, x []float32) {
	if len(x) != m.C {
		panic("matvec input length mismatch")
	}
	if len(dst) < m.R {
		panic("matvec dst too small")
	}
	for r := 0; r < m.R; r++ {
		dst[r] = Dot(m.Data[r*m.C:(r+1)*m.C], x)
	}
}
