package ml

import (
	"fmt"

	"github.com/clipgo/clipgo/fs"
)

// Backend owns the weights of a loaded model and creates contexts for
// running graphs against them.
type Backend interface {
	Config() fs.Config
	Get(name string) Tensor
	NewContext() Context
	Close()
}

var backends = make(map[string]func(string) (Backend, error))

func RegisterBackend(name string, f func(string) (Backend, error)) {
	if _, ok := backends[name]; ok {
		panic("backend: backend already registered")
	}

	backends[name] = f
}

func NewBackend(modelPath string) (Backend, error) {
	if backend, ok := backends["cpu"]; ok {
		return backend(modelPath)
	}

	return nil, fmt.Errorf("unsupported backend")
}

type Context interface {
	Empty(dtype DType, shape ...int) Tensor
	Zeros(dtype DType, shape ...int) Tensor
	FromFloatSlice(s []float32, shape ...int) Tensor
	FromIntSlice(s []int32, shape ...int) Tensor

	// Arange creates a 1D tensor with values within an interval (start, stop]
	// increased by step.
	Arange(start, stop, step float32, dtype DType) Tensor

	Forward(...Tensor) Context
	Compute(...Tensor)

	// Input returns a context appropriate for creating tensors that are
	// inputs to the model (such as token ids and pixel values).
	Input() Context

	Close()
}

type Tensor interface {
	Dim(n int) int
	Stride(n int) int

	Shape() []int
	DType() DType

	Bytes() []byte
	Floats() []float32
	Ints() []int32

	Add(ctx Context, t2 Tensor) Tensor
	Sub(ctx Context, t2 Tensor) Tensor
	Mul(ctx Context, t2 Tensor) Tensor
	Mulmat(ctx Context, t2 Tensor) Tensor

	Softmax(ctx Context) Tensor
	LayerNorm(ctx Context, weight, bias Tensor, eps float32) Tensor
	L2Norm(ctx Context, eps float32) Tensor
	Scale(ctx Context, s float64) Tensor
	Exp(ctx Context) Tensor

	Conv2D(ctx Context, weight Tensor, s0, s1, p0, p1, d0, d1 int) Tensor

	Tanh(ctx Context) Tensor
	Sigmoid(ctx Context) Tensor
	GELU(ctx Context) Tensor
	QuickGELU(ctx Context) Tensor

	Reshape(ctx Context, shape ...int) Tensor
	View(ctx Context, offset int, shape ...int) Tensor
	Permute(ctx Context, shape ...int) Tensor
	Contiguous(ctx Context) Tensor

	Concat(ctx Context, t2 Tensor, dim int) Tensor
	Repeat(ctx Context, dim, n int) Tensor
	Rows(ctx Context, t2 Tensor) Tensor
	Mean(ctx Context) Tensor

	Cast(ctx Context, dtype DType) Tensor

	Duplicate(ctx Context) Tensor
}

type DType int

const (
	DTypeF32 DType = iota
	DTypeF16
	DTypeI32
	DTypeOther
)

func (t DType) String() string {
	switch t {
	case DTypeF32:
		return "F32"
	case DTypeF16:
		return "F16"
	case DTypeI32:
		return "I32"
	default:
		return "unknown"
	}
}
