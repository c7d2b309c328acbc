package imageproc

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResizeShortestSide(t *testing.T) {
	cases := []struct {
		bounds image.Rectangle
		size   int
		want   image.Point
	}{
		{image.Rect(0, 0, 100, 50), 24, image.Point{48, 24}},
		{image.Rect(0, 0, 50, 100), 24, image.Point{24, 48}},
		{image.Rect(0, 0, 60, 60), 24, image.Point{24, 24}},
	}

	for _, tt := range cases {
		img := image.NewRGBA(tt.bounds)
		got := ResizeShortestSide(img, tt.size, ResizeBilinear).Bounds().Size()
		if got != tt.want {
			t.Errorf("resize %v to %d: got %v, want %v", tt.bounds, tt.size, got, tt.want)
		}
	}
}

func TestCenterCrop(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 10, 6))
	for y := 0; y < 6; y++ {
		for x := 0; x < 10; x++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), 0, 255})
		}
	}

	got := CenterCrop(img, 4)
	if size := got.Bounds().Size(); size != (image.Point{4, 4}) {
		t.Fatalf("got size %v, want 4x4", size)
	}

	// the crop window starts at (3, 1) in the source
	r, g, _, _ := got.At(0, 0).RGBA()
	if r>>8 != 3 || g>>8 != 1 {
		t.Errorf("got top left pixel (%d, %d), want (3, 1)", r>>8, g>>8)
	}
}

func TestComposite(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	// fully transparent pixels composite to white
	got := Composite(img)

	r, g, b, a := got.At(0, 0).RGBA()
	if r>>8 != 255 || g>>8 != 255 || b>>8 != 255 || a>>8 != 255 {
		t.Errorf("got (%d, %d, %d, %d), want opaque white", r>>8, g>>8, b>>8, a>>8)
	}
}

func TestNormalize(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	for y := 0; y < 2; y++ {
		for x := 0; x < 2; x++ {
			img.Set(x, y, color.RGBA{255, 0, 0, 255})
		}
	}

	mean := [3]float32{0.5, 0.5, 0.5}
	std := [3]float32{0.5, 0.5, 0.5}

	t.Run("channel first", func(t *testing.T) {
		got := Normalize(img, mean, std, true, true)
		require.Len(t, got, 12)

		// all red values first, then green, then blue
		require.InDeltaSlice(t, []float32{1, 1, 1, 1, -1, -1, -1, -1, -1, -1, -1, -1}, got, 1e-6)
	})

	t.Run("interleaved", func(t *testing.T) {
		got := Normalize(img, mean, std, true, false)
		require.Len(t, got, 12)
		require.InDeltaSlice(t, []float32{1, -1, -1, 1, -1, -1, 1, -1, -1, 1, -1, -1}, got, 1e-6)
	})
}
