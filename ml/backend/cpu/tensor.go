package cpu

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"

	"github.com/clipgo/clipgo/ml"
)

// Tensor is a dense tensor in float32 or int32. Dimensions follow the
// usual graph convention: dimension 0 is innermost. At most four
// dimensions are supported.
type Tensor struct {
	dtype ml.DType
	shape []int

	data []float32
	ints []int32
}

const maxDims = 4

func newTensor(dtype ml.DType, shape ...int) *Tensor {
	if len(shape) > maxDims {
		panic(fmt.Sprintf("cpu: too many dimensions: %v", shape))
	}

	for _, d := range shape {
		if d < 1 {
			panic(fmt.Sprintf("cpu: invalid shape: %v", shape))
		}
	}

	t := Tensor{dtype: dtype, shape: append([]int{}, shape...)}
	switch dtype {
	case ml.DTypeI32:
		t.ints = make([]int32, elements(shape))
	default:
		t.data = make([]float32, elements(shape))
	}

	return &t
}

func elements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}

	return n
}

// dims returns the shape padded with trailing singleton dimensions.
func (t *Tensor) dims() [maxDims]int {
	ne := [maxDims]int{1, 1, 1, 1}
	copy(ne[:], t.shape)
	return ne
}

func (t *Tensor) strides() [maxDims]int {
	ne := t.dims()
	var nb [maxDims]int
	nb[0] = 1
	for i := 1; i < maxDims; i++ {
		nb[i] = nb[i-1] * ne[i-1]
	}

	return nb
}

func (t *Tensor) Dim(n int) int {
	return t.dims()[n]
}

func (t *Tensor) Stride(n int) int {
	return t.strides()[n]
}

func (t *Tensor) Shape() []int {
	return append([]int{}, t.shape...)
}

func (t *Tensor) DType() ml.DType {
	return t.dtype
}

func (t *Tensor) Bytes() []byte {
	switch t.dtype {
	case ml.DTypeI32:
		b := make([]byte, 4*len(t.ints))
		for i, v := range t.ints {
			binary.LittleEndian.PutUint32(b[4*i:], uint32(v))
		}
		return b
	case ml.DTypeF16:
		b := make([]byte, 2*len(t.data))
		for i, v := range t.data {
			binary.LittleEndian.PutUint16(b[2*i:], float16.Fromfloat32(v).Bits())
		}
		return b
	default:
		b := make([]byte, 4*len(t.data))
		for i, v := range t.data {
			binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(v))
		}
		return b
	}
}

func (t *Tensor) Floats() []float32 {
	if t.dtype == ml.DTypeI32 {
		f := make([]float32, len(t.ints))
		for i, v := range t.ints {
			f[i] = float32(v)
		}
		return f
	}

	return append([]float32{}, t.data...)
}

func (t *Tensor) Ints() []int32 {
	if t.dtype != ml.DTypeI32 {
		return nil
	}

	return append([]int32{}, t.ints...)
}

func (t *Tensor) Reshape(ctx ml.Context, shape ...int) ml.Tensor {
	if elements(shape) != elements(t.shape) {
		panic(fmt.Sprintf("cpu: cannot reshape %v to %v", t.shape, shape))
	}

	return &Tensor{dtype: t.dtype, shape: append([]int{}, shape...), data: t.data, ints: t.ints}
}

// Permute moves dimension i of t to position shape[i] of the result.
func (t *Tensor) Permute(ctx ml.Context, shape ...int) ml.Tensor {
	if len(shape) != maxDims {
		panic(fmt.Sprintf("cpu: permute wants %d axes, got %v", maxDims, shape))
	}

	ne := t.dims()
	var newShape [maxDims]int
	for i, axis := range shape {
		newShape[axis] = ne[i]
	}

	out := newTensor(t.dtype, trimShape(newShape, len(t.shape))...)
	dst := out.strides()

	var src [maxDims]int
	src[0] = 1
	for i := 1; i < maxDims; i++ {
		src[i] = src[i-1] * ne[i-1]
	}

	for i3 := 0; i3 < ne[3]; i3++ {
		for i2 := 0; i2 < ne[2]; i2++ {
			for i1 := 0; i1 < ne[1]; i1++ {
				for i0 := 0; i0 < ne[0]; i0++ {
					si := i0*src[0] + i1*src[1] + i2*src[2] + i3*src[3]
					di := i0*dst[shape[0]] + i1*dst[shape[1]] + i2*dst[shape[2]] + i3*dst[shape[3]]
					if t.dtype == ml.DTypeI32 {
						out.ints[di] = t.ints[si]
					} else {
						out.data[di] = t.data[si]
					}
				}
			}
		}
	}

	return out
}

// trimShape drops trailing singleton dimensions beyond rank, keeping at
// least rank dimensions.
func trimShape(shape [maxDims]int, rank int) []int {
	n := maxDims
	for n > rank && n > 1 && shape[n-1] == 1 {
		n--
	}

	return append([]int{}, shape[:n]...)
}

// Contiguous is a no-op: every tensor this backend produces is already
// laid out contiguously.
func (t *Tensor) Contiguous(ctx ml.Context) ml.Tensor {
	return t
}

// View copies a strided window starting at offset (in elements). The
// variadic arguments alternate sizes and strides: ne0[, nb1, ne1[, nb2,
// ne2]].
func (t *Tensor) View(ctx ml.Context, offset int, shape ...int) ml.Tensor {
	ne := [3]int{1, 1, 1}
	nb := [3]int{1, 0, 0}

	switch len(shape) {
	case 1:
		ne[0] = shape[0]
	case 3:
		ne[0], nb[1], ne[1] = shape[0], shape[1], shape[2]
	case 5:
		ne[0], nb[1], ne[1], nb[2], ne[2] = shape[0], shape[1], shape[2], shape[3], shape[4]
	default:
		panic(fmt.Sprintf("cpu: unsupported view arguments: %v", shape))
	}

	out := newTensor(t.dtype, trimShape([maxDims]int{ne[0], ne[1], ne[2], 1}, 1)...)
	var di int
	for i2 := 0; i2 < ne[2]; i2++ {
		for i1 := 0; i1 < ne[1]; i1++ {
			si := offset + i1*nb[1] + i2*nb[2]
			if t.dtype == ml.DTypeI32 {
				copy(out.ints[di:di+ne[0]], t.ints[si:si+ne[0]])
			} else {
				copy(out.data[di:di+ne[0]], t.data[si:si+ne[0]])
			}
			di += ne[0]
		}
	}

	return out
}

func (t *Tensor) Concat(ctx ml.Context, t2 ml.Tensor, dim int) ml.Tensor {
	u := t2.(*Tensor)
	ne, ue := t.dims(), u.dims()
	for i := range ne {
		if i != dim && ne[i] != ue[i] {
			panic(fmt.Sprintf("cpu: cannot concat %v and %v along %d", t.shape, u.shape, dim))
		}
	}

	var newShape [maxDims]int
	copy(newShape[:], ne[:])
	newShape[dim] = ne[dim] + ue[dim]

	out := newTensor(t.dtype, trimShape(newShape, max(len(t.shape), dim+1))...)
	dst := out.strides()

	for i3 := 0; i3 < newShape[3]; i3++ {
		for i2 := 0; i2 < newShape[2]; i2++ {
			for i1 := 0; i1 < newShape[1]; i1++ {
				for i0 := 0; i0 < newShape[0]; i0++ {
					idx := [maxDims]int{i0, i1, i2, i3}
					src := t
					if idx[dim] >= ne[dim] {
						idx[dim] -= ne[dim]
						src = u
					}

					nb := src.strides()
					si := idx[0]*nb[0] + idx[1]*nb[1] + idx[2]*nb[2] + idx[3]*nb[3]
					di := i0*dst[0] + i1*dst[1] + i2*dst[2] + i3*dst[3]
					if t.dtype == ml.DTypeI32 {
						out.ints[di] = src.ints[si]
					} else {
						out.data[di] = src.data[si]
					}
				}
			}
		}
	}

	return out
}

// Repeat tiles t n times along dim.
func (t *Tensor) Repeat(ctx ml.Context, dim, n int) ml.Tensor {
	ne := t.dims()
	var newShape [maxDims]int
	copy(newShape[:], ne[:])
	newShape[dim] = ne[dim] * n

	out := newTensor(t.dtype, trimShape(newShape, max(len(t.shape), dim+1))...)
	dst := out.strides()
	nb := t.strides()

	for i3 := 0; i3 < newShape[3]; i3++ {
		for i2 := 0; i2 < newShape[2]; i2++ {
			for i1 := 0; i1 < newShape[1]; i1++ {
				for i0 := 0; i0 < newShape[0]; i0++ {
					idx := [maxDims]int{i0, i1, i2, i3}
					idx[dim] %= ne[dim]

					si := idx[0]*nb[0] + idx[1]*nb[1] + idx[2]*nb[2] + idx[3]*nb[3]
					di := i0*dst[0] + i1*dst[1] + i2*dst[2] + i3*dst[3]
					if t.dtype == ml.DTypeI32 {
						out.ints[di] = t.ints[si]
					} else {
						out.data[di] = t.data[si]
					}
				}
			}
		}
	}

	return out
}

// Rows gathers rows of t (entries along dimension 1) by the int32
// indices in t2.
func (t *Tensor) Rows(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	ids := t2.(*Tensor)
	if ids.dtype != ml.DTypeI32 || len(ids.shape) != 1 {
		panic(fmt.Sprintf("cpu: row indices must be a 1D int tensor, got %v %v", ids.dtype, ids.shape))
	}

	ne := t.dims()
	out := newTensor(t.dtype, ne[0], len(ids.ints))
	for i, id := range ids.ints {
		if id < 0 || int(id) >= ne[1] {
			panic(fmt.Sprintf("cpu: row index %d out of range [0, %d)", id, ne[1]))
		}

		copy(out.data[i*ne[0]:(i+1)*ne[0]], t.data[int(id)*ne[0]:(int(id)+1)*ne[0]])
	}

	return out
}

func (t *Tensor) Cast(ctx ml.Context, dtype ml.DType) ml.Tensor {
	out := newTensor(dtype, t.shape...)
	switch {
	case dtype == ml.DTypeI32 && t.dtype == ml.DTypeI32:
		copy(out.ints, t.ints)
	case dtype == ml.DTypeI32:
		for i, v := range t.data {
			out.ints[i] = int32(v)
		}
	case t.dtype == ml.DTypeI32:
		for i, v := range t.ints {
			out.data[i] = float32(v)
		}
	case dtype == ml.DTypeF16:
		// round through half precision so the cast is observable
		for i, v := range t.data {
			out.data[i] = float16.Fromfloat32(v).Float32()
		}
	default:
		copy(out.data, t.data)
	}

	return out
}

func (t *Tensor) Duplicate(ctx ml.Context) ml.Tensor {
	out := newTensor(t.dtype, t.shape...)
	copy(out.data, t.data)
	copy(out.ints, t.ints)
	return out
}
