package cpu

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"

	"github.com/x448/float16"

	"github.com/clipgo/clipgo/fs"
	fsggml "github.com/clipgo/clipgo/fs/ggml"
	"github.com/clipgo/clipgo/ml"
)

func init() {
	ml.RegisterBackend("cpu", New)
}

type Backend struct {
	meta    *fsggml.GGML
	tensors map[string]*Tensor
}

// New reads every tensor of a GGUF file into memory. Half precision
// payloads are widened to float32.
func New(modelPath string) (ml.Backend, error) {
	f, err := os.Open(modelPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	meta, err := fsggml.Decode(f, -1)
	if err != nil {
		return nil, err
	}

	slog.Info("loading model", "path", modelPath,
		"architecture", meta.KV().Architecture(),
		"parameters", meta.KV().ParameterCount(),
		"tensors", len(meta.Tensors().Items()))

	tensors := make(map[string]*Tensor, len(meta.Tensors().Items()))
	for _, item := range meta.Tensors().Items() {
		if _, err := f.Seek(meta.Length+int64(item.Offset), io.SeekStart); err != nil {
			return nil, err
		}

		raw := make([]byte, item.Size())
		if _, err := io.ReadFull(f, raw); err != nil {
			return nil, fmt.Errorf("reading %s: %w", item.Name, err)
		}

		// decoded shapes carry the stored order, innermost first,
		// matching the runtime convention
		shape := make([]int, len(item.Shape))
		for i, d := range item.Shape {
			shape[i] = int(d)
		}

		t := newTensor(ml.DTypeF32, shape...)
		switch fsggml.TensorType(item.Kind) {
		case fsggml.TensorTypeF32:
			for i := range t.data {
				t.data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
			}
		case fsggml.TensorTypeF16:
			for i := range t.data {
				t.data[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[2*i:])).Float32()
			}
		case fsggml.TensorTypeI32:
			t = newTensor(ml.DTypeI32, shape...)
			for i := range t.ints {
				t.ints[i] = int32(binary.LittleEndian.Uint32(raw[4*i:]))
			}
		default:
			return nil, fmt.Errorf("unsupported tensor type %s for %s", item.Type(), item.Name)
		}

		tensors[item.Name] = t
	}

	return &Backend{meta: meta, tensors: tensors}, nil
}

func (b *Backend) Config() fs.Config {
	return b.meta.KV()
}

func (b *Backend) Get(name string) ml.Tensor {
	if t, ok := b.tensors[name]; ok {
		return t
	}

	return nil
}

func (b *Backend) NewContext() ml.Context {
	return &Context{}
}

func (b *Backend) Close() {}
