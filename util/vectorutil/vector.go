package vectorutil

import (
	"math"

	"golang.org/x/exp/constraints"
)

// Normalize scales v in place to unit L2 norm. Zero vectors are left untouched.
func Normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
}

// MeanRows averages rows of length dim stored contiguously in data.
func MeanRows(data []float32, dim int) []float32 {
	out := make([]float32, dim)
	rows := len(data) / dim
	if rows == 0 {
		return out
	}
	for r := 0; r < rows; r++ {
		for i := 0; i < dim; i++ {
			out[i] += data[r*dim+i]
		}
	}
	for i := range out {
		out[i] /= float32(rows)
	}
	return out
}

// ArgMax returns the index of the largest value, the first one on ties, or -1 for an empty slice.
func ArgMax[T constraints.Float | constraints.Integer](v []T) int {
	if len(v) == 0 {
		return -1
	}
	best := 0
	for i := 1; i < len(v); i++ {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}

// Scale multiplies v in place by s.
func Scale(v []float32, s float32) {
	for i := range v {
		v[i] *= s
	}
}
