package ml

import (
	"fmt"
	"strings"
)

type DumpOptions struct {
	// Items is the number of elements to print at the beginning and end of each dimension.
	Items int

	// Precision is the number of decimal places to print.
	Precision int
}

func Dump(t Tensor, opts ...DumpOptions) string {
	if len(opts) < 1 {
		opts = append(opts, DumpOptions{
			Items:     3,
			Precision: 4,
		})
	}

	switch t.DType() {
	case DTypeF32, DTypeF16:
		return dump(t.Shape(), t.Floats(), opts[0], func(f float32) string {
			return fmt.Sprintf("%.*f", opts[0].Precision, f)
		})
	case DTypeI32:
		return dump(t.Shape(), t.Ints(), opts[0], func(i int32) string {
			return fmt.Sprintf("%d", i)
		})
	default:
		return "<unsupported>"
	}
}

// dump renders s, laid out with the given shape (innermost dimension
// first), outermost dimension at the top level of the nesting.
func dump[E any](shape []int, s []E, opts DumpOptions, format func(E) string) string {
	dims := make([]int, len(shape))
	for i := range shape {
		dims[i] = shape[len(shape)-i-1]
	}

	var sb strings.Builder
	var f func([]int, int)
	f = func(dims []int, stride int) {
		prefix := strings.Repeat(" ", len(shape)-len(dims)+1)
		fmt.Fprint(&sb, "[")
		defer func() { fmt.Fprint(&sb, "]") }()
		for i := 0; i < dims[0]; i++ {
			if i >= opts.Items && i < dims[0]-opts.Items {
				fmt.Fprint(&sb, "..., ")
				skip := dims[0] - 2*opts.Items
				if len(dims) > 1 {
					stride += mul(dims[1:]...) * skip
					fmt.Fprint(&sb, strings.Repeat("\n", len(dims)-1), prefix)
				}
				i += skip - 1
			} else if len(dims) > 1 {
				f(dims[1:], stride)
				stride += mul(dims[1:]...)
				if i < dims[0]-1 {
					fmt.Fprint(&sb, ",", strings.Repeat("\n", len(dims)-1), prefix)
				}
			} else {
				fmt.Fprint(&sb, format(s[stride+i]))
				if i < dims[0]-1 {
					fmt.Fprint(&sb, ", ")
				}
			}
		}
	}
	f(dims, 0)

	return sb.String()
}

func mul(s ...int) int {
	p := 1
	for _, v := range s {
		p *= v
	}

	return p
}
