package clip

import (
	"math"

	"github.com/clipgo/clipgo/fs"
	"github.com/clipgo/clipgo/ml"
	"github.com/clipgo/clipgo/ml/nn"
	"github.com/clipgo/clipgo/ml/nn/pooling"
	"github.com/clipgo/clipgo/model"
)

// pretokenizer splits text the way the original byte pair vocabulary was
// trained: contractions, letter runs, single digits, and punctuation runs.
const pretokenizer = `<\|startoftext\|>|<\|endoftext\|>|'s|'t|'re|'ve|'m|'ll|'d|[\p{L}]+|\p{N}|[^\s\p{L}\p{N}]+`

type TextOptions struct {
	encoderOptions
	contextLength int
}

// TextModel is the causal text backbone: a transformer over byte pair
// tokens with learned positions, masked so each position only attends
// backwards, pooled at the position holding the largest token id. With
// the start and end sentinels assigned the two largest ids, that is
// wherever the end sentinel landed.
type TextModel struct {
	model.BytePairEncoding

	TokenEmbedding    *nn.Embedding `gguf:"t.token_embd"`
	PositionEmbedding ml.Tensor     `gguf:"t.position_embd.weight"`

	Layers []EncoderLayer `gguf:"t.blk"`

	*TextOptions
}

func newTextModel(c fs.Config) *TextModel {
	return &TextModel{
		BytePairEncoding: model.NewBytePairEncoding(
			pretokenizer,
			&model.Vocabulary{
				Values: c.Strings("tokenizer.ggml.tokens"),
				Types:  c.Ints("tokenizer.ggml.token_type"),
				Merges: c.Strings("tokenizer.ggml.merges"),
				BOS:    int32(c.Uint("tokenizer.ggml.bos_token_id")),
				EOS:    int32(c.Uint("tokenizer.ggml.eos_token_id")),
				AddBOS: true,
				AddEOS: true,
			},
		),
		Layers: make([]EncoderLayer, c.Uint("text.block_count")),
		TextOptions: &TextOptions{
			encoderOptions: encoderOptions{
				hiddenSize: int(c.Uint("text.embedding_length")),
				numHeads:   int(c.Uint("text.attention.head_count")),
				eps:        c.Float("text.attention.layer_norm_epsilon", 1e-5),
			},
			contextLength: int(c.Uint("text.context_length", 77)),
		},
	}
}

func (m *TextModel) epsilon() float32 {
	return m.eps
}

// tokenize encodes a string to exactly contextLength ids: sentinels
// added, overflow truncated with the end sentinel kept, remainder zero
// padded. It also reports the position to pool at.
func (m *TextModel) tokenize(text string) ([]int32, int32, error) {
	ids, err := m.Encode(text, true)
	if err != nil {
		return nil, 0, err
	}

	if len(ids) > m.contextLength {
		ids = ids[:m.contextLength]
		ids[len(ids)-1] = m.Vocabulary().EOS
	}

	var pool int
	for i, id := range ids {
		if id > ids[pool] {
			pool = i
		}
	}

	padded := make([]int32, m.contextLength)
	copy(padded, ids)
	return padded, int32(pool), nil
}

func (m *TextModel) Forward(ctx ml.Context, texts []string) (ml.Tensor, error) {
	batchSize := len(texts)

	ids := make([]int32, 0, batchSize*m.contextLength)
	positions := make([]int32, batchSize)
	for i, text := range texts {
		seq, pool, err := m.tokenize(text)
		if err != nil {
			return nil, err
		}

		ids = append(ids, seq...)
		positions[i] = pool
	}

	inputs := ctx.Input().FromIntSlice(ids, len(ids))
	hiddenStates := m.TokenEmbedding.Forward(ctx, inputs)
	hiddenStates = hiddenStates.Reshape(ctx, m.hiddenSize, m.contextLength, batchSize)
	hiddenStates = hiddenStates.Add(ctx, m.PositionEmbedding)

	mask := causalMask(ctx, m.contextLength)
	for _, layer := range m.Layers {
		hiddenStates = layer.Forward(ctx, hiddenStates, mask, m.encoderOptions)
	}

	return pooling.Rows(ctx, hiddenStates, positions), nil
}

// causalMask builds an additive [seq, seq] mask: zero at or before the
// query position, -Inf after it.
func causalMask(ctx ml.Context, seq int) ml.Tensor {
	mask := make([]float32, seq*seq)
	for q := 0; q < seq; q++ {
		for k := q + 1; k < seq; k++ {
			mask[q*seq+k] = float32(math.Inf(-1))
		}
	}

	return ctx.Input().FromFloatSlice(mask, seq, seq)
}
