package clip

import (
	"math"

	"github.com/clipgo/clipgo/ml"
	"github.com/clipgo/clipgo/ml/nn"
)

type encoderOptions struct {
	hiddenSize, numHeads int
	eps                  float32
}

type SelfAttention struct {
	Query  *nn.Linear `gguf:"attn_q"`
	Key    *nn.Linear `gguf:"attn_k"`
	Value  *nn.Linear `gguf:"attn_v"`
	Output *nn.Linear `gguf:"attn_output"`
}

func (sa *SelfAttention) Forward(ctx ml.Context, hiddenStates, mask ml.Tensor, opts encoderOptions) ml.Tensor {
	headDim := opts.hiddenSize / opts.numHeads
	seqLength, batchSize := hiddenStates.Dim(1), hiddenStates.Dim(2)

	query := sa.Query.Forward(ctx, hiddenStates)
	query = query.Reshape(ctx, headDim, opts.numHeads, seqLength, batchSize)

	key := sa.Key.Forward(ctx, hiddenStates)
	key = key.Reshape(ctx, headDim, opts.numHeads, seqLength, batchSize)

	value := sa.Value.Forward(ctx, hiddenStates)
	value = value.Reshape(ctx, headDim, opts.numHeads, seqLength, batchSize)

	attention := nn.Attention(ctx, query, key, value, mask, 1.0/math.Sqrt(float64(headDim)))
	attention = attention.Reshape(ctx, opts.hiddenSize, seqLength, batchSize)

	return sa.Output.Forward(ctx, attention)
}

type MLP struct {
	Up   *nn.Linear `gguf:"ffn_up"`
	Down *nn.Linear `gguf:"ffn_down"`
}

func (mlp *MLP) Forward(ctx ml.Context, hiddenStates ml.Tensor) ml.Tensor {
	return mlp.Down.Forward(ctx, mlp.Up.Forward(ctx, hiddenStates).QuickGELU(ctx))
}

// EncoderLayer is a pre-norm residual attention block.
type EncoderLayer struct {
	AttentionNorm *nn.LayerNorm `gguf:"attn_norm"`
	SelfAttention *SelfAttention

	MLPNorm *nn.LayerNorm `gguf:"ffn_norm"`
	MLP     *MLP
}

func (e *EncoderLayer) Forward(ctx ml.Context, hiddenStates, mask ml.Tensor, opts encoderOptions) ml.Tensor {
	residual := hiddenStates
	hiddenStates = e.AttentionNorm.Forward(ctx, hiddenStates, opts.eps)
	hiddenStates = e.SelfAttention.Forward(ctx, hiddenStates, mask, opts)
	hiddenStates = hiddenStates.Add(ctx, residual)

	residual = hiddenStates
	hiddenStates = e.MLPNorm.Forward(ctx, hiddenStates, opts.eps)
	hiddenStates = e.MLP.Forward(ctx, hiddenStates)
	return hiddenStates.Add(ctx, residual)
}
