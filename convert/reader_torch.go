package convert

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"slices"
	"strings"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
)

func parseTorch(fsys fs.FS, replacer *strings.Replacer, ps ...string) ([]Tensor, error) {
	var ts []Tensor
	for _, p := range ps {
		path, cleanup, err := localPath(fsys, p)
		if err != nil {
			return nil, err
		}
		defer cleanup()

		pt, err := pytorch.Load(path)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}

		dict, ok := pt.(*types.Dict)
		if !ok {
			return nil, fmt.Errorf("%s: unexpected checkpoint layout %T", p, pt)
		}

		// training checkpoints nest the weights under a state_dict key
		if sd, ok := dict.Get("state_dict"); ok {
			if d, ok := sd.(*types.Dict); ok {
				dict = d
			}
		}

		for _, k := range dict.Keys() {
			v := dict.MustGet(k)

			t, ok := v.(*pytorch.Tensor)
			if !ok {
				continue
			}

			switch t.Source.(type) {
			case *pytorch.FloatStorage, *pytorch.HalfStorage, *pytorch.BFloat16Storage, *pytorch.DoubleStorage:
			default:
				// integer buffers such as position ids carry no weights
				continue
			}

			shape := make([]uint64, len(t.Size))
			for i, dim := range t.Size {
				shape[i] = uint64(dim)
			}

			// a scalar is written as a single element vector
			if len(shape) == 0 {
				shape = []uint64{1}
			}

			ts = append(ts, torch{
				tensor: t,
				tensorBase: &tensorBase{
					name:  replacer.Replace(k.(string)),
					shape: shape,
				},
			})
		}
	}

	return ts, nil
}

// localPath resolves p to a file on disk, copying it out of the
// filesystem when it is not directly addressable.
func localPath(fsys fs.FS, p string) (string, func(), error) {
	f, err := fsys.Open(p)
	if err != nil {
		return "", nil, err
	}
	defer f.Close()

	if n, ok := f.(interface{ Name() string }); ok {
		if _, err := os.Stat(n.Name()); err == nil {
			return n.Name(), func() {}, nil
		}
	}

	tmp, err := os.CreateTemp("", "checkpoint-*.bin")
	if err != nil {
		return "", nil, err
	}
	defer tmp.Close()

	if _, err := io.Copy(tmp, f); err != nil {
		os.Remove(tmp.Name())
		return "", nil, err
	}

	return tmp.Name(), func() { os.Remove(tmp.Name()) }, nil
}

type torch struct {
	tensor *pytorch.Tensor
	*tensorBase
}

func (pt torch) Clone() Tensor {
	return torch{
		tensor: pt.tensor,
		tensorBase: &tensorBase{
			name:     pt.name,
			shape:    slices.Clone(pt.shape),
			repacker: pt.repacker,
		},
	}
}

func (pt torch) WriteTo(w io.Writer) (int64, error) {
	var f32s []float32
	switch s := pt.tensor.Source.(type) {
	case *pytorch.FloatStorage:
		f32s = s.Data
	case *pytorch.HalfStorage:
		f32s = s.Data
	case *pytorch.BFloat16Storage:
		f32s = s.Data
	case *pytorch.DoubleStorage:
		f32s = make([]float32, len(s.Data))
		for i, f64 := range s.Data {
			f32s[i] = float32(f64)
		}
	default:
		return 0, fmt.Errorf("unknown data type: %T", s)
	}

	n := 1
	for _, dim := range pt.tensor.Size {
		n *= dim
	}

	offset := pt.tensor.StorageOffset
	if offset+n > len(f32s) {
		return 0, fmt.Errorf("tensor %s overruns its storage", pt.name)
	}

	return pt.writeFloats(w, f32s[offset:offset+n])
}
