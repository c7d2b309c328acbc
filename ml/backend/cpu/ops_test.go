package cpu

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/clipgo/clipgo/ml"
)

func TestMulmat(t *testing.T) {
	ctx := &Context{}

	a := ctx.FromFloatSlice([]float32{1, 2, 3, 4, 5, 6}, 3, 2)
	b := ctx.FromFloatSlice([]float32{1, 0, 0, 0, 1, 0}, 3, 2)

	got := a.Mulmat(ctx, b)
	if diff := cmp.Diff([]int{2, 2}, got.Shape()); diff != "" {
		t.Fatalf("unexpected shape (-want +got):\n%s", diff)
	}

	// row j of the result holds b row j against every row of a
	if diff := cmp.Diff([]float32{1, 4, 2, 5}, got.Floats()); diff != "" {
		t.Errorf("unexpected values (-want +got):\n%s", diff)
	}
}

func TestMulmatBroadcast(t *testing.T) {
	ctx := &Context{}

	identity := ctx.FromFloatSlice([]float32{1, 0, 0, 1}, 2, 2)
	batch := ctx.FromFloatSlice([]float32{1, 2, 3, 4}, 2, 1, 2)

	got := identity.Mulmat(ctx, batch)
	if diff := cmp.Diff([]int{2, 1, 2}, got.Shape()); diff != "" {
		t.Fatalf("unexpected shape (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([]float32{1, 2, 3, 4}, got.Floats()); diff != "" {
		t.Errorf("unexpected values (-want +got):\n%s", diff)
	}
}

func TestSoftmax(t *testing.T) {
	ctx := &Context{}

	inf := float32(math.Inf(-1))
	got := ctx.FromFloatSlice([]float32{0, 0, 0, inf}, 2, 2).Softmax(ctx)

	// masked entries come out as exactly zero
	if diff := cmp.Diff([]float32{0.5, 0.5, 1, 0}, got.Floats()); diff != "" {
		t.Errorf("unexpected values (-want +got):\n%s", diff)
	}
}

func TestLayerNorm(t *testing.T) {
	ctx := &Context{}

	tt := ctx.FromFloatSlice([]float32{1, 2, 3, 4}, 4)
	weight := ctx.FromFloatSlice([]float32{1, 1, 1, 1}, 4)
	bias := ctx.FromFloatSlice([]float32{0, 0, 0, 0}, 4)

	got := tt.LayerNorm(ctx, weight, bias, 1e-5).Floats()
	want := []float32{-1.3416, -0.4472, 0.4472, 1.3416}
	require.InDeltaSlice(t, want, got, 1e-4)

	var sum float32
	for _, v := range got {
		sum += v
	}
	require.InDelta(t, 0, sum, 1e-6)
}

func TestL2Norm(t *testing.T) {
	ctx := &Context{}

	got := ctx.FromFloatSlice([]float32{3, 4}, 2).L2Norm(ctx, 1e-12).Floats()
	require.InDeltaSlice(t, []float32{0.6, 0.8}, got, 1e-7)

	// zero rows stay zero instead of dividing by zero
	zero := ctx.FromFloatSlice([]float32{0, 0}, 2).L2Norm(ctx, 1e-12).Floats()
	require.Equal(t, []float32{0, 0}, zero)
}

func TestConv2D(t *testing.T) {
	ctx := &Context{}

	t.Run("single filter", func(t *testing.T) {
		input := ctx.FromFloatSlice([]float32{1, 2, 3, 4}, 2, 2, 1, 1)
		weight := ctx.FromFloatSlice([]float32{1, 1, 1, 1}, 2, 2, 1, 1)

		got := input.Conv2D(ctx, weight, 1, 1, 0, 0, 1, 1)
		if diff := cmp.Diff([]float32{10}, got.Floats()); diff != "" {
			t.Errorf("unexpected values (-want +got):\n%s", diff)
		}
	})

	t.Run("strided patchify", func(t *testing.T) {
		values := make([]float32, 16)
		for i := range values {
			values[i] = float32(i)
		}

		input := ctx.FromFloatSlice(values, 4, 4, 1, 1)
		weight := ctx.FromFloatSlice([]float32{
			1, 1, 1, 1, // sums the patch
			1, 0, 0, 0, // picks the top left corner
		}, 2, 2, 1, 2)

		got := input.Conv2D(ctx, weight, 2, 2, 0, 0, 1, 1)
		if diff := cmp.Diff([]int{2, 2, 2, 1}, got.Shape()); diff != "" {
			t.Fatalf("unexpected shape (-want +got):\n%s", diff)
		}

		if diff := cmp.Diff([]float32{10, 18, 42, 50, 0, 2, 8, 10}, got.Floats()); diff != "" {
			t.Errorf("unexpected values (-want +got):\n%s", diff)
		}
	})
}

func TestPermute(t *testing.T) {
	ctx := &Context{}

	got := ctx.FromFloatSlice([]float32{0, 1, 2, 3, 4, 5}, 2, 3).Permute(ctx, 1, 0, 2, 3)
	if diff := cmp.Diff([]int{3, 2}, got.Shape()); diff != "" {
		t.Fatalf("unexpected shape (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([]float32{0, 2, 4, 1, 3, 5}, got.Floats()); diff != "" {
		t.Errorf("unexpected values (-want +got):\n%s", diff)
	}
}

func TestConcat(t *testing.T) {
	ctx := &Context{}

	a := ctx.FromFloatSlice([]float32{1, 2}, 2, 1)
	b := ctx.FromFloatSlice([]float32{3, 4}, 2, 1)

	got := a.Concat(ctx, b, 1)
	if diff := cmp.Diff([]int{2, 2}, got.Shape()); diff != "" {
		t.Fatalf("unexpected shape (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([]float32{1, 2, 3, 4}, got.Floats()); diff != "" {
		t.Errorf("unexpected values (-want +got):\n%s", diff)
	}
}

func TestRepeat(t *testing.T) {
	ctx := &Context{}

	got := ctx.FromFloatSlice([]float32{1, 2}, 2, 1).Repeat(ctx, 1, 2)
	if diff := cmp.Diff([]float32{1, 2, 1, 2}, got.Floats()); diff != "" {
		t.Errorf("unexpected values (-want +got):\n%s", diff)
	}
}

func TestRows(t *testing.T) {
	ctx := &Context{}

	rows := ctx.FromFloatSlice([]float32{0, 1, 2, 3, 4, 5}, 2, 3)
	ids := ctx.FromIntSlice([]int32{2, 0}, 2)

	got := rows.Rows(ctx, ids)
	if diff := cmp.Diff([]float32{4, 5, 0, 1}, got.Floats()); diff != "" {
		t.Errorf("unexpected values (-want +got):\n%s", diff)
	}
}

func TestBroadcastBinary(t *testing.T) {
	ctx := &Context{}

	tt := ctx.FromFloatSlice([]float32{1, 2, 3, 4}, 2, 2)

	t.Run("row", func(t *testing.T) {
		row := ctx.FromFloatSlice([]float32{10, 20}, 2)
		got := tt.Add(ctx, row)
		if diff := cmp.Diff([]float32{11, 22, 13, 24}, got.Floats()); diff != "" {
			t.Errorf("unexpected values (-want +got):\n%s", diff)
		}
	})

	t.Run("scalar", func(t *testing.T) {
		scalar := ctx.FromFloatSlice([]float32{2}, 1)
		got := tt.Mul(ctx, scalar)
		if diff := cmp.Diff([]float32{2, 4, 6, 8}, got.Floats()); diff != "" {
			t.Errorf("unexpected values (-want +got):\n%s", diff)
		}
	})
}

func TestView(t *testing.T) {
	ctx := &Context{}

	tt := ctx.FromFloatSlice([]float32{0, 1, 2, 3, 4, 5}, 6)

	t.Run("contiguous", func(t *testing.T) {
		got := tt.View(ctx, 1, 2)
		if diff := cmp.Diff([]float32{1, 2}, got.Floats()); diff != "" {
			t.Errorf("unexpected values (-want +got):\n%s", diff)
		}
	})

	t.Run("strided", func(t *testing.T) {
		got := tt.View(ctx, 0, 1, 3, 2)
		if diff := cmp.Diff([]float32{0, 3}, got.Floats()); diff != "" {
			t.Errorf("unexpected values (-want +got):\n%s", diff)
		}
	})
}

func TestCast(t *testing.T) {
	ctx := &Context{}

	third := float32(1) / 3
	got := ctx.FromFloatSlice([]float32{third}, 1).Cast(ctx, ml.DTypeF16)

	if got.DType() != ml.DTypeF16 {
		t.Fatalf("got dtype %v, want F16", got.DType())
	}

	// the round trip through half precision must lose bits
	if v := got.Floats()[0]; v == third {
		t.Errorf("cast to half kept full precision: %v", v)
	} else if math.Abs(float64(v-third)) > 1e-3 {
		t.Errorf("cast to half lost too much precision: %v", v)
	}
}

func TestArange(t *testing.T) {
	ctx := &Context{}

	got := ctx.Arange(0, 4, 1, ml.DTypeI32)
	if diff := cmp.Diff([]int32{0, 1, 2, 3}, got.Ints()); diff != "" {
		t.Errorf("unexpected values (-want +got):\n%s", diff)
	}
}
