package clip

import (
	"fmt"
	"image"

	"golang.org/x/sync/errgroup"

	"github.com/clipgo/clipgo/fs"
	"github.com/clipgo/clipgo/model/imageproc"
)

type ImageProcessor struct {
	imageSize, numChannels int

	mean, std [3]float32
}

func newImageProcessor(c fs.Config) ImageProcessor {
	return ImageProcessor{
		imageSize:   int(c.Uint("vision.image_size", 224)),
		numChannels: int(c.Uint("vision.num_channels", 3)),

		mean: imageproc.ClipDefaultMean,
		std:  imageproc.ClipDefaultSTD,
	}
}

// ProcessImage scales the shorter side to the model resolution, crops
// the center square, and normalizes channel first.
func (p ImageProcessor) ProcessImage(img image.Image) ([]float32, error) {
	b := img.Bounds()
	if b.Dx() < 1 || b.Dy() < 1 {
		return nil, fmt.Errorf("image is empty: %v", b)
	}

	img = imageproc.Composite(img)
	img = imageproc.ResizeShortestSide(img, p.imageSize, imageproc.ResizeBilinear)
	img = imageproc.CenterCrop(img, p.imageSize)

	return imageproc.Normalize(img, p.mean, p.std, true, true), nil
}

// ProcessImages preprocesses a batch concurrently, returning pixel
// values laid out [batch][channel][y][x].
func (p ImageProcessor) ProcessImages(imgs []image.Image) ([]float32, error) {
	stride := p.imageSize * p.imageSize * p.numChannels
	pixels := make([]float32, stride*len(imgs))

	var g errgroup.Group
	for i, img := range imgs {
		g.Go(func() error {
			values, err := p.ProcessImage(img)
			if err != nil {
				return fmt.Errorf("image %d: %w", i, err)
			}

			copy(pixels[i*stride:(i+1)*stride], values)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return pixels, nil
}
