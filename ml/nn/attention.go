package nn

import (
	"fmt"

	"github.com/clipgo/clipgo/ml"
)

// Attention implements scaled dot-product attention.
//
// Shapes:
//   - query: [d, heads, seqQ, batch]
//   - key:   [d, heads, seqK, batch]
//   - value: [d, heads, seqK, batch]
//   - mask:  [seqK, seqQ] or [seqK, seqQ, 1, batch], added to the scores
//     before softmax, or nil
//
// The result has shape [d, heads, seqQ, batch].
func Attention(ctx ml.Context, query, key, value, mask ml.Tensor, scale float64) ml.Tensor {
	if query.Dim(0) != key.Dim(0) {
		panic(fmt.Sprintf("d dims don't match: %d != %d", query.Dim(0), key.Dim(0)))
	}

	if key.Dim(1) != value.Dim(1) {
		panic(fmt.Sprintf("heads dims don't match: %d != %d", key.Dim(1), value.Dim(1)))
	}

	if key.Dim(2) != value.Dim(2) {
		panic(fmt.Sprintf("seq dims don't match: %d != %d", key.Dim(2), value.Dim(2)))
	}

	query = query.Permute(ctx, 0, 2, 1, 3)
	key = key.Permute(ctx, 0, 2, 1, 3)
	value = value.Permute(ctx, 1, 2, 0, 3).Contiguous(ctx)

	kq := key.Mulmat(ctx, query)
	kq = kq.Scale(ctx, scale)

	if mask != nil {
		kq = kq.Add(ctx, mask)
	}

	kq = kq.Softmax(ctx)

	kqv := value.Mulmat(ctx, kq)
	return kqv.Permute(ctx, 0, 2, 1, 3).Contiguous(ctx)
}
