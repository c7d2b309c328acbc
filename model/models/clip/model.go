// Package clip implements a contrastive image-text dual encoder: a
// vision transformer and a text encoder project into a shared embedding
// space, where similarity is an inner product scaled by a learned
// temperature.
package clip

import (
	"errors"
	"fmt"
	"image"

	"github.com/clipgo/clipgo/fs"
	"github.com/clipgo/clipgo/ml"
	"github.com/clipgo/clipgo/ml/nn"
	"github.com/clipgo/clipgo/model"
)

// ErrUnsupportedBackbone is returned when the model file names a text
// backbone this package does not implement.
var ErrUnsupportedBackbone = errors.New("unsupported text backbone")

// TextEncoder produces one pooled hidden state per input string, shaped
// [width, batch]. The final norm and projection into the shared space
// belong to Model.
type TextEncoder interface {
	model.TextProcessor

	Forward(ctx ml.Context, texts []string) (ml.Tensor, error)

	epsilon() float32
}

type Model struct {
	model.Base

	ImageProcessor

	*VisionModel `gguf:"v"`

	Text TextEncoder

	OutputNorm     *nn.LayerNorm `gguf:"t.output_norm"`
	TextProjection ml.Tensor     `gguf:"t.proj"`

	// LogitScale is the log of the similarity temperature.
	LogitScale ml.Tensor `gguf:"logit_scale"`
}

const (
	// normEps guards the L2 normalization of embeddings against
	// zero vectors.
	normEps = 1e-12
)

func New(c fs.Config) (model.Model, error) {
	var text TextEncoder
	switch backbone := c.String("text.backbone", "causal"); backbone {
	case "causal":
		text = newTextModel(c)
	case "bert":
		text = newBertModel(c)
	default:
		return nil, fmt.Errorf("%w %q", ErrUnsupportedBackbone, backbone)
	}

	return &Model{
		ImageProcessor: newImageProcessor(c),
		VisionModel:    newVisionModel(c),
		Text:           text,
	}, nil
}

// EncodeImage embeds images into the shared space, returning a tensor of
// shape [embedDim, len(imgs)]. Embeddings are not normalized.
func (m *Model) EncodeImage(ctx ml.Context, imgs []image.Image) (ml.Tensor, error) {
	pixels, err := m.ProcessImages(imgs)
	if err != nil {
		return nil, err
	}

	size := m.ImageProcessor.imageSize
	values := ctx.Input().FromFloatSlice(pixels, size, size, m.ImageProcessor.numChannels, len(imgs))
	return m.VisionModel.Forward(ctx, values), nil
}

// EncodeText embeds strings into the shared space, returning a tensor of
// shape [embedDim, len(texts)]. Embeddings are not normalized.
func (m *Model) EncodeText(ctx ml.Context, texts []string) (ml.Tensor, error) {
	pooled, err := m.Text.Forward(ctx, texts)
	if err != nil {
		return nil, err
	}

	pooled = m.OutputNorm.Forward(ctx, pooled, m.Text.epsilon())
	return m.TextProjection.Mulmat(ctx, pooled), nil
}

// Forward embeds the given images and texts and returns two similarity
// matrices: logitsPerImage with shape [len(texts), len(imgs)] (one row
// of text scores per image) and logitsPerText, its transpose. Both are
// scaled by the exponentiated logit scale.
func (m *Model) Forward(ctx ml.Context, imgs []image.Image, texts []string) (logitsPerImage, logitsPerText ml.Tensor, err error) {
	imageEmbed, err := m.EncodeImage(ctx, imgs)
	if err != nil {
		return nil, nil, err
	}

	textEmbed, err := m.EncodeText(ctx, texts)
	if err != nil {
		return nil, nil, err
	}

	imageEmbed = imageEmbed.L2Norm(ctx, normEps)
	textEmbed = textEmbed.L2Norm(ctx, normEps)

	scale := m.LogitScale.Exp(ctx)

	logitsPerImage = textEmbed.Mulmat(ctx, imageEmbed).Mul(ctx, scale)

	// the text logits are the literal transpose, not a second product
	logitsPerText = logitsPerImage.Permute(ctx, 1, 0, 2, 3).Contiguous(ctx)

	return logitsPerImage, logitsPerText, nil
}

func init() {
	model.Register("clip", New)
}
