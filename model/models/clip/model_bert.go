package clip

import (
	"math"

	"github.com/clipgo/clipgo/fs"
	"github.com/clipgo/clipgo/ml"
	"github.com/clipgo/clipgo/ml/nn"
	"github.com/clipgo/clipgo/ml/nn/pooling"
	"github.com/clipgo/clipgo/model"
)

type BertOptions struct {
	encoderOptions
	contextLength int
	padID         int32
}

// BertModel is the bidirectional text backbone: WordPiece tokens,
// summed token, position and segment embeddings, post-norm encoder
// layers without any causal mask, and a tanh pooler over the leading
// classification token. Its width comes from the backbone's own
// configuration and is in general different from the vision width.
type BertModel struct {
	model.WordPiece

	TokenEmbedding    *nn.Embedding `gguf:"bert.token_embd"`
	TypeEmbedding     *nn.Embedding `gguf:"bert.type_embd"`
	PositionEmbedding *nn.Embedding `gguf:"bert.position_embd"`
	EmbeddingNorm     *nn.LayerNorm `gguf:"bert.token_embd_norm"`

	Layers []BertLayer `gguf:"bert.blk"`

	Pooler *nn.Linear `gguf:"bert.pooler"`

	*BertOptions
}

func newBertModel(c fs.Config) *BertModel {
	// sequences are wrapped in the classification and separator tokens
	vocab := &model.Vocabulary{
		Values: c.Strings("tokenizer.ggml.tokens"),
		Types:  c.Ints("tokenizer.ggml.token_type"),
		BOS:    int32(c.Uint("tokenizer.ggml.cls_token_id", c.Uint("tokenizer.ggml.bos_token_id"))),
		EOS:    int32(c.Uint("tokenizer.ggml.seperator_token_id", c.Uint("tokenizer.ggml.eos_token_id"))),
		AddBOS: true,
		AddEOS: true,
	}

	return &BertModel{
		WordPiece: model.NewWordPiece(vocab, c.Bool("tokenizer.ggml.lowercase", true)),
		Layers:    make([]BertLayer, c.Uint("bert.block_count")),
		BertOptions: &BertOptions{
			encoderOptions: encoderOptions{
				hiddenSize: int(c.Uint("bert.embedding_length")),
				numHeads:   int(c.Uint("bert.attention.head_count")),
				eps:        c.Float("bert.attention.layer_norm_epsilon", 1e-12),
			},
			contextLength: int(c.Uint("bert.context_length", 512)),
			padID:         int32(c.Uint("tokenizer.ggml.padding_token_id")),
		},
	}
}

func (m *BertModel) epsilon() float32 {
	return m.eps
}

func (m *BertModel) Forward(ctx ml.Context, texts []string) (ml.Tensor, error) {
	batchSize := len(texts)

	seqs := make([][]int32, batchSize)
	var seqLength int
	for i, text := range texts {
		ids, err := m.Encode(text, true)
		if err != nil {
			return nil, err
		}

		if len(ids) > m.contextLength {
			ids = ids[:m.contextLength]
			ids[len(ids)-1] = m.Vocabulary().EOS
		}

		seqs[i] = ids
		seqLength = max(seqLength, len(ids))
	}

	ids := make([]int32, 0, batchSize*seqLength)
	mask := make([]float32, seqLength*seqLength*batchSize)
	for i, seq := range seqs {
		padded := make([]int32, seqLength)
		for j := range padded {
			padded[j] = m.padID
		}
		copy(padded, seq)
		ids = append(ids, padded...)

		// padded key positions are unreachable from every query
		for q := 0; q < seqLength; q++ {
			for k := len(seq); k < seqLength; k++ {
				mask[i*seqLength*seqLength+q*seqLength+k] = float32(math.Inf(-1))
			}
		}
	}

	positions := make([]int32, seqLength)
	for i := range positions {
		positions[i] = int32(i)
	}

	inputs := ctx.Input().FromIntSlice(ids, len(ids))
	hiddenStates := m.TokenEmbedding.Forward(ctx, inputs)
	hiddenStates = hiddenStates.Reshape(ctx, m.hiddenSize, seqLength, batchSize)

	positionEmbedding := m.PositionEmbedding.Forward(ctx, ctx.Input().FromIntSlice(positions, seqLength))
	hiddenStates = hiddenStates.Add(ctx, positionEmbedding)

	// single segment input
	typeEmbedding := m.TypeEmbedding.Forward(ctx, ctx.Input().FromIntSlice([]int32{0}, 1))
	hiddenStates = hiddenStates.Add(ctx, typeEmbedding)

	hiddenStates = m.EmbeddingNorm.Forward(ctx, hiddenStates, m.eps)

	maskTensor := ctx.Input().FromFloatSlice(mask, seqLength, seqLength, 1, batchSize)
	for _, layer := range m.Layers {
		hiddenStates = layer.Forward(ctx, hiddenStates, maskTensor, m.encoderOptions)
	}

	pooled := pooling.TypeCLS.Forward(ctx, hiddenStates)
	return m.Pooler.Forward(ctx, pooled).Tanh(ctx), nil
}

type BertMLP struct {
	Up   *nn.Linear `gguf:"ffn_up"`
	Down *nn.Linear `gguf:"ffn_down"`
}

func (mlp *BertMLP) Forward(ctx ml.Context, hiddenStates ml.Tensor) ml.Tensor {
	return mlp.Down.Forward(ctx, mlp.Up.Forward(ctx, hiddenStates).GELU(ctx))
}

// BertLayer is a post-norm residual block: the norms run after each
// residual sum instead of before the sublayers.
type BertLayer struct {
	SelfAttention *SelfAttention
	AttentionNorm *nn.LayerNorm `gguf:"attn_output_norm"`

	MLP     *BertMLP
	MLPNorm *nn.LayerNorm `gguf:"layer_output_norm"`
}

func (e *BertLayer) Forward(ctx ml.Context, hiddenStates, mask ml.Tensor, opts encoderOptions) ml.Tensor {
	residual := hiddenStates
	hiddenStates = e.SelfAttention.Forward(ctx, hiddenStates, mask, opts)
	hiddenStates = e.AttentionNorm.Forward(ctx, hiddenStates.Add(ctx, residual), opts.eps)

	residual = hiddenStates
	hiddenStates = e.MLP.Forward(ctx, hiddenStates)
	return e.MLPNorm.Forward(ctx, hiddenStates.Add(ctx, residual), opts.eps)
}
