package nn_test

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/clipgo/clipgo/ml/backend/cpu"
	"github.com/clipgo/clipgo/ml/nn"
)

func TestAttention(t *testing.T) {
	var ctx cpu.Context

	// queries match their own keys with a large margin, so each position
	// attends almost exclusively to itself
	query := ctx.FromFloatSlice([]float32{10, 0, 0, 10}, 2, 1, 2, 1)
	key := ctx.FromFloatSlice([]float32{10, 0, 0, 10}, 2, 1, 2, 1)
	value := ctx.FromFloatSlice([]float32{1, 2, 3, 4}, 2, 1, 2, 1)

	got := nn.Attention(&ctx, query, key, value, nil, 1)
	if diff := cmp.Diff([]int{2, 1, 2, 1}, got.Shape()); diff != "" {
		t.Fatalf("unexpected shape (-want +got):\n%s", diff)
	}

	require.InDeltaSlice(t, []float32{1, 2, 3, 4}, got.Floats(), 1e-6)
}

func TestAttentionMask(t *testing.T) {
	var ctx cpu.Context

	// identical keys score every position equally; the mask decides
	query := ctx.FromFloatSlice([]float32{1, 0, 1, 0}, 2, 1, 2, 1)
	key := ctx.FromFloatSlice([]float32{1, 0, 1, 0}, 2, 1, 2, 1)
	value := ctx.FromFloatSlice([]float32{1, 2, 3, 4}, 2, 1, 2, 1)

	inf := float32(math.Inf(-1))
	mask := ctx.FromFloatSlice([]float32{0, inf, 0, 0}, 2, 2)

	got := nn.Attention(&ctx, query, key, value, mask, 1)

	// the first position sees only itself, the second averages both
	if diff := cmp.Diff([]float32{1, 2, 2, 3}, got.Floats()); diff != "" {
		t.Errorf("unexpected values (-want +got):\n%s", diff)
	}
}

func TestAttentionShapeMismatch(t *testing.T) {
	var ctx cpu.Context

	query := ctx.FromFloatSlice([]float32{1, 0}, 2, 1, 1, 1)
	key := ctx.FromFloatSlice([]float32{1, 0, 0}, 3, 1, 1, 1)

	defer func() {
		if recover() == nil {
			t.Error("expected mismatched head dims to panic")
		}
	}()

	nn.Attention(&ctx, query, key, key, nil, 1)
}
