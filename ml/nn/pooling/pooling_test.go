package pooling_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/clipgo/clipgo/ml"
	"github.com/clipgo/clipgo/ml/backend/cpu"
	"github.com/clipgo/clipgo/ml/nn/pooling"
)

func TestForward(t *testing.T) {
	cases := map[pooling.Type][]float32{
		pooling.TypeMean: {4, 5, 6, 7, 8, 9, 10, 11},
		pooling.TypeCLS:  {0, 1, 2, 3, 4, 5, 6, 7},
		pooling.TypeLast: {8, 9, 10, 11, 12, 13, 14, 15},
	}

	for typ, want := range cases {
		t.Run(typ.String(), func(t *testing.T) {
			var ctx cpu.Context
			hidden := ctx.Arange(0, 16, 1, ml.DTypeF32).Reshape(&ctx, 8, 2)

			got := typ.Forward(&ctx, hidden)
			if diff := cmp.Diff(want, got.Floats()); diff != "" {
				t.Errorf("unexpected values (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRows(t *testing.T) {
	var ctx cpu.Context

	// two sequences of two positions each
	hidden := ctx.Arange(0, 16, 1, ml.DTypeF32).Reshape(&ctx, 4, 2, 2)

	got := pooling.Rows(&ctx, hidden, []int32{1, 0})
	if diff := cmp.Diff([]int{4, 2}, got.Shape()); diff != "" {
		t.Fatalf("unexpected shape (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([]float32{4, 5, 6, 7, 8, 9, 10, 11}, got.Floats()); diff != "" {
		t.Errorf("unexpected values (-want +got):\n%s", diff)
	}
}
