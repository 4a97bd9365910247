package repository

import (
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/recall/runtime/memory"
)

func TestCosine(t *testing.T) {
	require.InDelta(t, 1.0, Cosine([]float32{1, 0}, []float32{2, 0}), 1e-9)
	require.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	require.InDelta(t, -1.0, Cosine([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	require.Zero(t, Cosine([]float32{1, 0}, []float32{1}))
	require.Zero(t, Cosine(nil, nil))
	require.Zero(t, Cosine([]float32{0, 0}, []float32{1, 1}))
}

func TestCheckDimension(t *testing.T) {
	require.NoError(t, CheckDimension(0, 768))
	require.NoError(t, CheckDimension(768, 768))
	require.NoError(t, CheckDimension(768, 0))
	err := CheckDimension(768, 1536)
	require.True(t, memory.IsKind(err, memory.KindInvalidInput))
}
