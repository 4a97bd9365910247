package repository

import (
	"math"

	"goa.design/recall/runtime/memory"
)

// Cosine returns the cosine similarity of two vectors in [-1, 1]. Vectors of
// different length or zero magnitude score zero.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// CheckDimension enforces the fixed per-repository embedding dimension.
// The first non-empty embedding written fixes the dimension; later writes
// with a different length are rejected with InvalidInput. got==0 (no
// embedding) always passes.
func CheckDimension(want, got int) error {
	if got == 0 || want == 0 || want == got {
		return nil
	}
	return memory.Ef(memory.KindInvalidInput, "embedding dimension %d does not match repository dimension %d", got, want)
}
