package clip

import (
	"github.com/clipgo/clipgo/fs"
	"github.com/clipgo/clipgo/ml"
	"github.com/clipgo/clipgo/ml/nn"
	"github.com/clipgo/clipgo/ml/nn/pooling"
)

type VisionOptions struct {
	encoderOptions
	imageSize, patchSize int
}

type VisionModel struct {
	PatchEmbedding    *nn.Conv2D `gguf:"patch_embd"`
	ClassEmbedding    ml.Tensor  `gguf:"class_embd"`
	PositionEmbedding ml.Tensor  `gguf:"position_embd.weight"`

	PreNorm  *nn.LayerNorm `gguf:"pre_ln"`
	PostNorm *nn.LayerNorm `gguf:"post_ln"`

	Layers []EncoderLayer `gguf:"blk"`

	// Projection maps the pooled class token into the shared
	// embedding space. It has no bias.
	Projection ml.Tensor `gguf:"proj"`

	*VisionOptions
}

func newVisionModel(c fs.Config) *VisionModel {
	return &VisionModel{
		Layers: make([]EncoderLayer, c.Uint("vision.block_count")),
		VisionOptions: &VisionOptions{
			encoderOptions: encoderOptions{
				hiddenSize: int(c.Uint("vision.embedding_length")),
				numHeads:   int(c.Uint("vision.attention.head_count")),
				eps:        c.Float("vision.attention.layer_norm_epsilon", 1e-5),
			},
			imageSize: int(c.Uint("vision.image_size", 224)),
			patchSize: int(c.Uint("vision.patch_size", 32)),
		},
	}
}

// Forward encodes pixel values of shape [width, height, channels, batch]
// into the shared embedding space, returning [embedDim, batch].
func (m *VisionModel) Forward(ctx ml.Context, pixels ml.Tensor) ml.Tensor {
	batchSize := pixels.Dim(3)

	hiddenStates := m.PatchEmbedding.Forward(ctx, pixels, m.patchSize, m.patchSize, 0, 0, 1, 1)
	numPatches := hiddenStates.Dim(0) * hiddenStates.Dim(1)
	hiddenStates = hiddenStates.Reshape(ctx, numPatches, m.hiddenSize, batchSize)
	hiddenStates = hiddenStates.Permute(ctx, 1, 0, 2, 3).Contiguous(ctx)

	classEmbedding := m.ClassEmbedding.Reshape(ctx, m.hiddenSize, 1, 1).Repeat(ctx, 2, batchSize)
	hiddenStates = classEmbedding.Concat(ctx, hiddenStates, 1)

	hiddenStates = hiddenStates.Add(ctx, m.PositionEmbedding)
	hiddenStates = m.PreNorm.Forward(ctx, hiddenStates, m.eps)

	for _, layer := range m.Layers {
		hiddenStates = layer.Forward(ctx, hiddenStates, nil, m.encoderOptions)
	}

	pooled := pooling.TypeCLS.Forward(ctx, hiddenStates)
	pooled = m.PostNorm.Forward(ctx, pooled, m.eps)

	return m.Projection.Mulmat(ctx, pooled)
}
