package cpu

import (
	"fmt"
	"math"

	"github.com/chewxy/math32"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/clipgo/clipgo/ml"
)

// binary applies op elementwise with t2 broadcast against t. Each
// dimension of t2 must either match t or be 1.
func (t *Tensor) binary(t2 ml.Tensor, op func(a, b float32) float32) ml.Tensor {
	u := t2.(*Tensor)
	ne, ue := t.dims(), u.dims()
	for i := range ue {
		if ue[i] != ne[i] && ue[i] != 1 {
			panic(fmt.Sprintf("cpu: cannot broadcast %v against %v", u.shape, t.shape))
		}
	}

	out := newTensor(ml.DTypeF32, t.shape...)
	nb, ub, ob := t.strides(), u.strides(), out.strides()

	for i3 := 0; i3 < ne[3]; i3++ {
		for i2 := 0; i2 < ne[2]; i2++ {
			for i1 := 0; i1 < ne[1]; i1++ {
				ti := i1*nb[1] + i2*nb[2] + i3*nb[3]
				ui := (i1%ue[1])*ub[1] + (i2%ue[2])*ub[2] + (i3%ue[3])*ub[3]
				oi := i1*ob[1] + i2*ob[2] + i3*ob[3]
				for i0 := 0; i0 < ne[0]; i0++ {
					out.data[oi+i0] = op(t.data[ti+i0], u.data[ui+i0%ue[0]])
				}
			}
		}
	}

	return out
}

func (t *Tensor) Add(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.binary(t2, func(a, b float32) float32 { return a + b })
}

func (t *Tensor) Sub(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.binary(t2, func(a, b float32) float32 { return a - b })
}

func (t *Tensor) Mul(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.binary(t2, func(a, b float32) float32 { return a * b })
}

func (t *Tensor) unary(op func(float32) float32) ml.Tensor {
	out := newTensor(ml.DTypeF32, t.shape...)
	for i, v := range t.data {
		out.data[i] = op(v)
	}

	return out
}

func (t *Tensor) Scale(ctx ml.Context, s float64) ml.Tensor {
	return t.unary(func(v float32) float32 { return v * float32(s) })
}

func (t *Tensor) Exp(ctx ml.Context) ml.Tensor {
	return t.unary(math32.Exp)
}

func (t *Tensor) Tanh(ctx ml.Context) ml.Tensor {
	return t.unary(math32.Tanh)
}

func sigmoid(v float32) float32 {
	return 1 / (1 + math32.Exp(-v))
}

func (t *Tensor) Sigmoid(ctx ml.Context) ml.Tensor {
	return t.unary(sigmoid)
}

func (t *Tensor) GELU(ctx ml.Context) ml.Tensor {
	return t.unary(func(v float32) float32 {
		return 0.5 * v * (1 + math32.Tanh(0.797884561*(v+0.044715*v*v*v)))
	})
}

func (t *Tensor) QuickGELU(ctx ml.Context) ml.Tensor {
	return t.unary(func(v float32) float32 { return v * sigmoid(1.702*v) })
}

// Mulmat multiplies t2 by t transposed: given t with shape [k, n] and t2
// with shape [k, m], the result has shape [n, m]. Trailing dimensions of
// t2 are batch dimensions; t broadcasts against them.
func (t *Tensor) Mulmat(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	u := t2.(*Tensor)
	ne, ue := t.dims(), u.dims()
	if ne[0] != ue[0] {
		panic(fmt.Sprintf("cpu: cannot multiply %v by %v", t.shape, u.shape))
	}

	if (ne[2] != ue[2] && ne[2] != 1) || (ne[3] != ue[3] && ne[3] != 1) {
		panic(fmt.Sprintf("cpu: cannot broadcast %v against %v", t.shape, u.shape))
	}

	k, n, m := ne[0], ne[1], ue[1]

	out := newTensor(ml.DTypeF32, trimShape([maxDims]int{n, m, ue[2], ue[3]}, max(len(t.shape), len(u.shape)))...)

	for i3 := 0; i3 < ue[3]; i3++ {
		for i2 := 0; i2 < ue[2]; i2++ {
			a := t.data[(i2%ne[2])*k*n+(i3%ne[3])*k*n*ne[2]:]
			b := u.data[i2*k*m+i3*k*m*ue[2]:]
			c := out.data[i2*n*m+i3*n*m*ue[2]:]

			blas32.Gemm(blas.NoTrans, blas.Trans, 1,
				blas32.General{Rows: m, Cols: k, Stride: k, Data: b[:k*m]},
				blas32.General{Rows: n, Cols: k, Stride: k, Data: a[:k*n]},
				0,
				blas32.General{Rows: m, Cols: n, Stride: n, Data: c[:n*m]},
			)
		}
	}

	return out
}

// Softmax normalizes along dimension 0. The row maximum is subtracted
// first, so -Inf entries come out as exactly zero.
func (t *Tensor) Softmax(ctx ml.Context) ml.Tensor {
	ne := t.dims()
	out := newTensor(ml.DTypeF32, t.shape...)

	rows := elements(t.shape) / ne[0]
	for r := 0; r < rows; r++ {
		row := t.data[r*ne[0] : (r+1)*ne[0]]
		dst := out.data[r*ne[0] : (r+1)*ne[0]]

		maxv := float32(math.Inf(-1))
		for _, v := range row {
			maxv = max(maxv, v)
		}

		var sum float64
		for i, v := range row {
			e := math32.Exp(v - maxv)
			dst[i] = e
			sum += float64(e)
		}

		for i := range dst {
			dst[i] = float32(float64(dst[i]) / sum)
		}
	}

	return out
}

// LayerNorm normalizes along dimension 0, accumulating the moments in
// float64 before casting back.
func (t *Tensor) LayerNorm(ctx ml.Context, weight, bias ml.Tensor, eps float32) ml.Tensor {
	ne := t.dims()

	var w, b []float32
	if weight != nil {
		w = weight.(*Tensor).data
		if len(w) != ne[0] {
			panic(fmt.Sprintf("cpu: norm weight has %d elements, want %d", len(w), ne[0]))
		}
	}
	if bias != nil {
		b = bias.(*Tensor).data
		if len(b) != ne[0] {
			panic(fmt.Sprintf("cpu: norm bias has %d elements, want %d", len(b), ne[0]))
		}
	}

	out := newTensor(ml.DTypeF32, t.shape...)
	rows := elements(t.shape) / ne[0]
	for r := 0; r < rows; r++ {
		row := t.data[r*ne[0] : (r+1)*ne[0]]
		dst := out.data[r*ne[0] : (r+1)*ne[0]]

		var sum float64
		for _, v := range row {
			sum += float64(v)
		}

		mean := sum / float64(ne[0])

		var variance float64
		for _, v := range row {
			d := float64(v) - mean
			variance += d * d
		}
		variance /= float64(ne[0])

		scale := 1 / math.Sqrt(variance+float64(eps))
		for i, v := range row {
			y := float32((float64(v) - mean) * scale)
			if w != nil {
				y *= w[i]
			}
			if b != nil {
				y += b[i]
			}
			dst[i] = y
		}
	}

	return out
}

// L2Norm scales each row along dimension 0 to unit length. Rows with a
// norm below eps are divided by eps instead.
func (t *Tensor) L2Norm(ctx ml.Context, eps float32) ml.Tensor {
	ne := t.dims()
	out := newTensor(ml.DTypeF32, t.shape...)

	rows := elements(t.shape) / ne[0]
	for r := 0; r < rows; r++ {
		row := t.data[r*ne[0] : (r+1)*ne[0]]
		dst := out.data[r*ne[0] : (r+1)*ne[0]]

		var sum float64
		for _, v := range row {
			sum += float64(v) * float64(v)
		}

		norm := math.Sqrt(sum)
		if norm < float64(eps) {
			norm = float64(eps)
		}

		for i, v := range row {
			dst[i] = float32(float64(v) / norm)
		}
	}

	return out
}

// Mean averages along dimension 0.
func (t *Tensor) Mean(ctx ml.Context) ml.Tensor {
	ne := t.dims()
	shape := append([]int{}, t.shape...)
	shape[0] = 1

	out := newTensor(ml.DTypeF32, shape...)
	rows := elements(t.shape) / ne[0]
	for r := 0; r < rows; r++ {
		var sum float64
		for _, v := range t.data[r*ne[0] : (r+1)*ne[0]] {
			sum += float64(v)
		}

		out.data[r] = float32(sum / float64(ne[0]))
	}

	return out
}

// Conv2D convolves t with the given filter bank. t has shape [w, h, c,
// n] and weight [kw, kh, c, oc]; the result has shape [ow, oh, oc, n].
func (t *Tensor) Conv2D(ctx ml.Context, weight ml.Tensor, s0, s1, p0, p1, d0, d1 int) ml.Tensor {
	w := weight.(*Tensor)
	ne, we := t.dims(), w.dims()
	if ne[2] != we[2] {
		panic(fmt.Sprintf("cpu: conv input has %d channels, filter wants %d", ne[2], we[2]))
	}

	kw, kh, c, oc := we[0], we[1], we[2], we[3]
	ow := (ne[0]+2*p0-d0*(kw-1)-1)/s0 + 1
	oh := (ne[1]+2*p1-d1*(kh-1)-1)/s1 + 1
	if ow < 1 || oh < 1 {
		panic(fmt.Sprintf("cpu: conv output would be empty for input %v filter %v", t.shape, w.shape))
	}

	k := kw * kh * c
	out := newTensor(ml.DTypeF32, ow, oh, oc, ne[3])
	cols := make([]float32, ow*oh*k)

	for img := 0; img < ne[3]; img++ {
		src := t.data[img*ne[0]*ne[1]*ne[2]:]

		for oy := 0; oy < oh; oy++ {
			for ox := 0; ox < ow; ox++ {
				col := cols[(oy*ow+ox)*k:]
				for ic := 0; ic < c; ic++ {
					for ky := 0; ky < kh; ky++ {
						y := oy*s1 + ky*d1 - p1
						for kx := 0; kx < kw; kx++ {
							x := ox*s0 + kx*d0 - p0
							v := float32(0)
							if x >= 0 && x < ne[0] && y >= 0 && y < ne[1] {
								v = src[x+y*ne[0]+ic*ne[0]*ne[1]]
							}
							col[kx+ky*kw+ic*kw*kh] = v
						}
					}
				}
			}
		}

		dst := out.data[img*ow*oh*oc:]
		blas32.Gemm(blas.NoTrans, blas.Trans, 1,
			blas32.General{Rows: oc, Cols: k, Stride: k, Data: w.data[:oc*k]},
			blas32.General{Rows: ow * oh, Cols: k, Stride: k, Data: cols},
			0,
			blas32.General{Rows: oc, Cols: ow * oh, Stride: ow * oh, Data: dst[:oc*ow*oh]},
		)
	}

	return out
}
