// Package pooling reduces per-position hidden states to one vector per
// sequence.
package pooling

import (
	"github.com/clipgo/clipgo/ml"
)

type Type uint32

const (
	TypeNone Type = iota
	TypeMean
	TypeCLS
	TypeLast
)

func (t Type) String() string {
	switch t {
	case TypeMean:
		return "Mean"
	case TypeCLS:
		return "CLS"
	case TypeLast:
		return "Last"
	default:
		return "Unknown"
	}
}

// Forward pools hidden states of shape [width, seq, batch] down to
// [width, batch].
func (t Type) Forward(ctx ml.Context, hidden ml.Tensor) ml.Tensor {
	width, seq, batch := hidden.Dim(0), hidden.Dim(1), hidden.Dim(2)

	switch t {
	case TypeMean:
		hidden = hidden.Permute(ctx, 1, 0, 2, 3).Contiguous(ctx)
		return hidden.Mean(ctx).Reshape(ctx, width, batch)
	case TypeCLS:
		positions := make([]int32, batch)
		return Rows(ctx, hidden, positions)
	case TypeLast:
		positions := make([]int32, batch)
		for i := range positions {
			positions[i] = int32(seq - 1)
		}
		return Rows(ctx, hidden, positions)
	default:
		panic("unknown pooling type")
	}
}

// Rows gathers one position per sequence from hidden states of shape
// [width, seq, batch], returning [width, batch].
func Rows(ctx ml.Context, hidden ml.Tensor, positions []int32) ml.Tensor {
	width, seq := hidden.Dim(0), hidden.Dim(1)

	indices := make([]int32, len(positions))
	for i, p := range positions {
		indices[i] = int32(i)*int32(seq) + p
	}

	flat := hidden.Reshape(ctx, width, seq*len(positions))
	return flat.Rows(ctx, ctx.Input().FromIntSlice(indices, len(indices)))
}
