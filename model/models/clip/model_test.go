package clip

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	fsggml "github.com/clipgo/clipgo/fs/ggml"
	"github.com/clipgo/clipgo/model"
)

// testTensor fills a tensor with small deterministic values derived from
// its name so every weight is distinct but stable across runs.
func testTensor(name string, shape ...uint64) *fsggml.Tensor {
	n := 1
	for _, d := range shape {
		n *= int(d)
	}

	var seed int
	for _, b := range []byte(name) {
		seed += int(b)
	}

	f32s := make([]float32, n)
	for i := range f32s {
		f32s[i] = float32(math.Sin(float64(seed+i))) * 0.1
	}

	var b bytes.Buffer
	binary.Write(&b, binary.LittleEndian, f32s)
	return &fsggml.Tensor{Name: name, Shape: shape, WriterTo: &b}
}

func scalarTensor(name string, v float32) *fsggml.Tensor {
	var b bytes.Buffer
	binary.Write(&b, binary.LittleEndian, []float32{v})
	return &fsggml.Tensor{Name: name, Shape: []uint64{1}, WriterTo: &b}
}

// visionTensors is the 1-layer, width 4, patch 8 tower shared by the
// fixtures.
func visionTensors() []*fsggml.Tensor {
	ts := []*fsggml.Tensor{
		testTensor("v.patch_embd.weight", 4, 3, 8, 8),
		testTensor("v.patch_embd.bias", 4),
		testTensor("v.class_embd", 4),
		testTensor("v.position_embd.weight", 5, 4),
		testTensor("v.pre_ln.weight", 4),
		testTensor("v.pre_ln.bias", 4),
		testTensor("v.post_ln.weight", 4),
		testTensor("v.post_ln.bias", 4),
		testTensor("v.proj", 3, 4),
	}

	return append(ts, blockTensors("v.blk.0.")...)
}

func blockTensors(prefix string) []*fsggml.Tensor {
	var ts []*fsggml.Tensor
	for _, name := range []string{"attn_q", "attn_k", "attn_v", "attn_output"} {
		ts = append(ts,
			testTensor(prefix+name+".weight", 4, 4),
			testTensor(prefix+name+".bias", 4),
		)
	}

	return append(ts,
		testTensor(prefix+"attn_norm.weight", 4),
		testTensor(prefix+"attn_norm.bias", 4),
		testTensor(prefix+"ffn_norm.weight", 4),
		testTensor(prefix+"ffn_norm.bias", 4),
		testTensor(prefix+"ffn_up.weight", 8, 4),
		testTensor(prefix+"ffn_up.bias", 8),
		testTensor(prefix+"ffn_down.weight", 4, 8),
		testTensor(prefix+"ffn_down.bias", 4),
	)
}

func writeFixture(tb testing.TB, kv fsggml.KV, ts []*fsggml.Tensor) string {
	tb.Helper()

	p := filepath.Join(tb.TempDir(), "model.gguf")
	f, err := os.Create(p)
	if err != nil {
		tb.Fatal(err)
	}
	defer f.Close()

	if err := fsggml.WriteGGUF(f, kv, ts); err != nil {
		tb.Fatal(err)
	}

	return p
}

func causalFixture(tb testing.TB) string {
	kv := fsggml.KV{
		"general.architecture":        "clip",
		"vision.block_count":          uint32(1),
		"vision.embedding_length":     uint32(4),
		"vision.attention.head_count": uint32(2),
		"vision.image_size":           uint32(16),
		"vision.patch_size":           uint32(8),
		"text.backbone":               "causal",
		"text.block_count":            uint32(1),
		"text.embedding_length":       uint32(4),
		"text.attention.head_count":   uint32(2),
		"text.context_length":         uint32(6),
		"tokenizer.ggml.tokens": []string{
			"<|startoftext|>", "a</w>", "b</w>", "o", "l</w>", "ol</w>", "ab</w>", "<|endoftext|>",
		},
		"tokenizer.ggml.token_type":   []int32{3, 1, 1, 1, 1, 1, 1, 3},
		"tokenizer.ggml.bos_token_id": uint32(0),
		"tokenizer.ggml.eos_token_id": uint32(7),
	}

	ts := visionTensors()
	ts = append(ts,
		testTensor("t.token_embd.weight", 8, 4),
		testTensor("t.position_embd.weight", 6, 4),
		testTensor("t.output_norm.weight", 4),
		testTensor("t.output_norm.bias", 4),
		testTensor("t.proj", 3, 4),
		scalarTensor("logit_scale", float32(math.Log(2))),
	)
	ts = append(ts, blockTensors("t.blk.0.")...)

	return writeFixture(tb, kv, ts)
}

func bertFixture(tb testing.TB) string {
	kv := fsggml.KV{
		"general.architecture":        "clip",
		"vision.block_count":          uint32(1),
		"vision.embedding_length":     uint32(4),
		"vision.attention.head_count": uint32(2),
		"vision.image_size":           uint32(16),
		"vision.patch_size":           uint32(8),
		"text.backbone":               "bert",
		"bert.block_count":            uint32(1),
		"bert.embedding_length":       uint32(4),
		"bert.attention.head_count":   uint32(2),
		"bert.context_length":         uint32(6),
		"tokenizer.ggml.tokens": []string{
			"[PAD]", "[UNK]", "[CLS]", "[SEP]", "hi", "yo", "##s",
		},
		"tokenizer.ggml.token_type":         []int32{3, 3, 3, 3, 1, 1, 1},
		"tokenizer.ggml.cls_token_id":       uint32(2),
		"tokenizer.ggml.seperator_token_id": uint32(3),
		"tokenizer.ggml.padding_token_id":   uint32(0),
		"tokenizer.ggml.lowercase":          true,
	}

	ts := visionTensors()
	ts = append(ts,
		testTensor("bert.token_embd.weight", 7, 4),
		testTensor("bert.type_embd.weight", 2, 4),
		testTensor("bert.position_embd.weight", 6, 4),
		testTensor("bert.token_embd_norm.weight", 4),
		testTensor("bert.token_embd_norm.bias", 4),
		testTensor("bert.pooler.weight", 4, 4),
		testTensor("bert.pooler.bias", 4),
		testTensor("t.output_norm.weight", 4),
		testTensor("t.output_norm.bias", 4),
		testTensor("t.proj", 3, 4),
		scalarTensor("logit_scale", float32(math.Log(2))),
	)

	prefix := "bert.blk.0."
	for _, name := range []string{"attn_q", "attn_k", "attn_v", "attn_output"} {
		ts = append(ts,
			testTensor(prefix+name+".weight", 4, 4),
			testTensor(prefix+name+".bias", 4),
		)
	}
	ts = append(ts,
		testTensor(prefix+"attn_output_norm.weight", 4),
		testTensor(prefix+"attn_output_norm.bias", 4),
		testTensor(prefix+"ffn_up.weight", 8, 4),
		testTensor(prefix+"ffn_up.bias", 8),
		testTensor(prefix+"ffn_down.weight", 4, 8),
		testTensor(prefix+"ffn_down.bias", 4),
		testTensor(prefix+"layer_output_norm.weight", 4),
		testTensor(prefix+"layer_output_norm.bias", 4),
	)

	return writeFixture(tb, kv, ts)
}

func testImage(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(x * 12 % 255), uint8(y * 7 % 255), 128, 255})
		}
	}

	return img
}

func loadFixture(tb testing.TB, path string) *Model {
	tb.Helper()

	m, err := model.New(path)
	if err != nil {
		tb.Fatal(err)
	}

	c, ok := m.(*Model)
	if !ok {
		tb.Fatalf("got model of type %T", m)
	}

	return c
}

func TestEncodeShapes(t *testing.T) {
	m := loadFixture(t, causalFixture(t))

	ctx := m.Backend().NewContext()
	defer ctx.Close()

	imgs, err := m.EncodeImage(ctx, []image.Image{testImage(20, 20)})
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]int{3, 1}, imgs.Shape()); diff != "" {
		t.Errorf("unexpected image embedding shape (-want +got):\n%s", diff)
	}

	texts, err := m.EncodeText(ctx, []string{"a", "b"})
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]int{3, 2}, texts.Shape()); diff != "" {
		t.Errorf("unexpected text embedding shape (-want +got):\n%s", diff)
	}
}

func TestForward(t *testing.T) {
	m := loadFixture(t, causalFixture(t))

	ctx := m.Backend().NewContext()
	defer ctx.Close()

	imgs := []image.Image{testImage(20, 20), testImage(32, 24)}
	texts := []string{"a", "b", "ol"}

	logitsPerImage, logitsPerText, err := m.Forward(ctx, imgs, texts)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]int{3, 2}, logitsPerImage.Shape()); diff != "" {
		t.Fatalf("unexpected logits shape (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([]int{2, 3}, logitsPerText.Shape()); diff != "" {
		t.Fatalf("unexpected transposed logits shape (-want +got):\n%s", diff)
	}

	li, lt := logitsPerImage.Floats(), logitsPerText.Floats()
	for i := range imgs {
		for j := range texts {
			if li[i*len(texts)+j] != lt[j*len(imgs)+i] {
				t.Fatalf("logits are not transposes of each other at (%d, %d)", i, j)
			}
		}
	}

	// embeddings are unit length, so no score can exceed the scale
	for _, v := range li {
		if math.Abs(float64(v)) > 2+1e-5 {
			t.Errorf("logit %v exceeds the temperature bound", v)
		}
	}
}

func TestEncodeTextDeterministic(t *testing.T) {
	m := loadFixture(t, causalFixture(t))

	ctx := m.Backend().NewContext()
	defer ctx.Close()

	a, err := m.EncodeText(ctx, []string{"a", "ol"})
	if err != nil {
		t.Fatal(err)
	}

	b, err := m.EncodeText(ctx, []string{"a", "ol"})
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(a.Floats(), b.Floats()); diff != "" {
		t.Errorf("encoding is not deterministic (-first +second):\n%s", diff)
	}
}

func TestNormalizedEmbeddings(t *testing.T) {
	m := loadFixture(t, causalFixture(t))

	ctx := m.Backend().NewContext()
	defer ctx.Close()

	embed, err := m.EncodeText(ctx, []string{"a"})
	if err != nil {
		t.Fatal(err)
	}

	var norm float64
	for _, v := range embed.L2Norm(ctx, normEps).Floats() {
		norm += float64(v) * float64(v)
	}

	require.InDelta(t, 1, norm, 1e-6)
}

func TestBertBackbone(t *testing.T) {
	m := loadFixture(t, bertFixture(t))

	if _, ok := m.Text.(*BertModel); !ok {
		t.Fatalf("got text backbone of type %T", m.Text)
	}

	ctx := m.Backend().NewContext()
	defer ctx.Close()

	// different lengths exercise the padding mask
	texts, err := m.EncodeText(ctx, []string{"hi", "hi yos"})
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]int{3, 2}, texts.Shape()); diff != "" {
		t.Fatalf("unexpected text embedding shape (-want +got):\n%s", diff)
	}

	logitsPerImage, logitsPerText, err := m.Forward(ctx, []image.Image{testImage(16, 16)}, []string{"hi", "yo"})
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(logitsPerImage.Floats(), logitsPerText.Floats()); diff != "" {
		t.Errorf("transpose of a single image row should be identical (-image +text):\n%s", diff)
	}
}

func TestBertPaddingInvariance(t *testing.T) {
	m := loadFixture(t, bertFixture(t))

	ctx := m.Backend().NewContext()
	defer ctx.Close()

	// "hi" embedded alone and next to a longer sequence must agree:
	// padded positions are masked out of attention
	alone, err := m.EncodeText(ctx, []string{"hi"})
	if err != nil {
		t.Fatal(err)
	}

	batched, err := m.EncodeText(ctx, []string{"hi", "hi yos"})
	if err != nil {
		t.Fatal(err)
	}

	require.InDeltaSlice(t, alone.Floats(), batched.Floats()[:3], 1e-5)
}

// patternData streams a deterministic float32 fill without holding the
// whole tensor in memory. Large fixtures stay cheap to build.
type patternData struct {
	n int
}

func (p patternData) WriteTo(w io.Writer) (int64, error) {
	const chunk = 4096

	buf := make([]float32, chunk)
	var written int64
	for off := 0; off < p.n; off += chunk {
		c := min(chunk, p.n-off)
		for i := 0; i < c; i++ {
			buf[i] = float32((off+i)%251)*1e-3 - 0.125
		}

		if err := binary.Write(w, binary.LittleEndian, buf[:c]); err != nil {
			return written, err
		}
		written += int64(c) * 4
	}

	return written, nil
}

func patternTensor(name string, shape ...uint64) *fsggml.Tensor {
	n := 1
	for _, d := range shape {
		n *= int(d)
	}

	return &fsggml.Tensor{Name: name, Shape: shape, WriterTo: patternData{n}}
}

// TestVisionSmoke runs the full base-size tower: a 224x224 image through
// 12 layers of width 768 into a 512 dimensional embedding.
func TestVisionSmoke(t *testing.T) {
	if testing.Short() {
		t.Skip("builds a full size vision tower")
	}

	kv := fsggml.KV{
		"general.architecture":        "clip",
		"vision.block_count":          uint32(12),
		"vision.embedding_length":     uint32(768),
		"vision.attention.head_count": uint32(12),
		"vision.image_size":           uint32(224),
		"vision.patch_size":           uint32(32),
		"text.backbone":               "causal",
		"text.block_count":            uint32(0),
		"tokenizer.ggml.tokens":       []string{"<|startoftext|>", "<|endoftext|>"},
		"tokenizer.ggml.token_type":   []int32{3, 3},
		"tokenizer.ggml.bos_token_id": uint32(0),
		"tokenizer.ggml.eos_token_id": uint32(1),
	}

	ts := []*fsggml.Tensor{
		patternTensor("v.patch_embd.weight", 768, 3, 32, 32),
		patternTensor("v.patch_embd.bias", 768),
		patternTensor("v.class_embd", 768),
		patternTensor("v.position_embd.weight", 50, 768),
		patternTensor("v.pre_ln.weight", 768),
		patternTensor("v.pre_ln.bias", 768),
		patternTensor("v.post_ln.weight", 768),
		patternTensor("v.post_ln.bias", 768),
		patternTensor("v.proj", 512, 768),
	}

	for i := range 12 {
		prefix := fmt.Sprintf("v.blk.%d.", i)
		for _, name := range []string{"attn_q", "attn_k", "attn_v", "attn_output"} {
			ts = append(ts,
				patternTensor(prefix+name+".weight", 768, 768),
				patternTensor(prefix+name+".bias", 768),
			)
		}

		ts = append(ts,
			patternTensor(prefix+"attn_norm.weight", 768),
			patternTensor(prefix+"attn_norm.bias", 768),
			patternTensor(prefix+"ffn_norm.weight", 768),
			patternTensor(prefix+"ffn_norm.bias", 768),
			patternTensor(prefix+"ffn_up.weight", 3072, 768),
			patternTensor(prefix+"ffn_up.bias", 3072),
			patternTensor(prefix+"ffn_down.weight", 768, 3072),
			patternTensor(prefix+"ffn_down.bias", 768),
		)
	}

	m := loadFixture(t, writeFixture(t, kv, ts))

	ctx := m.Backend().NewContext()
	defer ctx.Close()

	embed, err := m.EncodeImage(ctx, []image.Image{testImage(224, 224)})
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]int{512, 1}, embed.Shape()); diff != "" {
		t.Fatalf("unexpected embedding shape (-want +got):\n%s", diff)
	}

	for _, v := range embed.Floats() {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			t.Fatal("embedding contains non finite values")
		}
	}
}

func TestUnsupportedBackbone(t *testing.T) {
	_, err := New(fsggml.KV{
		"general.architecture": "clip",
		"clip.text.backbone":   "rnn",
	})

	if !errors.Is(err, ErrUnsupportedBackbone) {
		t.Errorf("got %v, want ErrUnsupportedBackbone", err)
	}
}
