package cpu

import (
	"fmt"

	"github.com/clipgo/clipgo/ml"
)

// Context builds tensors. Operations evaluate eagerly, so Forward and
// Compute only exist to satisfy the graph interface.
type Context struct{}

func (c *Context) Empty(dtype ml.DType, shape ...int) ml.Tensor {
	return newTensor(dtype, shape...)
}

func (c *Context) Zeros(dtype ml.DType, shape ...int) ml.Tensor {
	return newTensor(dtype, shape...)
}

func (c *Context) FromFloatSlice(s []float32, shape ...int) ml.Tensor {
	if len(s) != elements(shape) {
		panic(fmt.Sprintf("cpu: got %d values for shape %v", len(s), shape))
	}

	t := newTensor(ml.DTypeF32, shape...)
	copy(t.data, s)
	return t
}

func (c *Context) FromIntSlice(s []int32, shape ...int) ml.Tensor {
	if len(s) != elements(shape) {
		panic(fmt.Sprintf("cpu: got %d values for shape %v", len(s), shape))
	}

	t := newTensor(ml.DTypeI32, shape...)
	copy(t.ints, s)
	return t
}

func (c *Context) Arange(start, stop, step float32, dtype ml.DType) ml.Tensor {
	var values []float32
	for v := start; v < stop; v += step {
		values = append(values, v)
	}

	switch dtype {
	case ml.DTypeI32:
		t := newTensor(ml.DTypeI32, len(values))
		for i, v := range values {
			t.ints[i] = int32(v)
		}
		return t
	default:
		t := newTensor(ml.DTypeF32, len(values))
		copy(t.data, values)
		return t
	}
}

func (c *Context) Forward(...ml.Tensor) ml.Context { return c }

func (c *Context) Compute(...ml.Tensor) {}

func (c *Context) Input() ml.Context { return c }

func (c *Context) Close() {}
