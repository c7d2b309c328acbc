package ggml

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
)

const (
	fileMagicGGUF = 0x46554747

	ggufTypeUint8 uint32 = iota
	ggufTypeInt8
	ggufTypeUint16
	ggufTypeInt16
	ggufTypeUint32
	ggufTypeInt32
	ggufTypeFloat32
	ggufTypeBool
	ggufTypeString
	ggufTypeArray
	ggufTypeUint64
	ggufTypeInt64
	ggufTypeFloat64
)

const defaultAlignment uint32 = 32

type array[T any] struct {
	// size is the number of elements in the array as written. values may
	// be discarded for large arrays depending on maxArraySize.
	size   int
	values []T
}

func (a *array[T]) Values() []T {
	return a.values
}

func (a *array[T]) Size() int {
	return a.size
}

type reader struct {
	*bufio.Reader
	n int64
}

func (r *reader) Read(p []byte) (int, error) {
	n, err := r.Reader.Read(p)
	r.n += int64(n)
	return n, err
}

func (r *reader) discard(n int64) error {
	m, err := r.Reader.Discard(int(n))
	r.n += int64(m)
	return err
}

func readValue[T any](r *reader) (T, error) {
	var v T
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, err
}

func readString(r *reader) (string, error) {
	n, err := readValue[uint64](r)
	if err != nil {
		return "", err
	}

	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}

	return string(b), nil
}

func readArrayValues[T any](r *reader, n uint64, keep bool) (any, error) {
	a := &array[T]{size: int(n)}
	if keep {
		a.values = make([]T, n)
	}

	for i := range n {
		v, err := readValue[T](r)
		if err != nil {
			return nil, err
		}

		if keep {
			a.values[i] = v
		}
	}

	return a, nil
}

func readArray(r *reader, maxArraySize int) (any, error) {
	vtype, err := readValue[uint32](r)
	if err != nil {
		return nil, err
	}

	n, err := readValue[uint64](r)
	if err != nil {
		return nil, err
	}

	keep := maxArraySize < 0 || n <= uint64(maxArraySize)

	switch vtype {
	case ggufTypeUint8:
		return readArrayValues[uint8](r, n, keep)
	case ggufTypeInt8:
		return readArrayValues[int8](r, n, keep)
	case ggufTypeUint16:
		return readArrayValues[uint16](r, n, keep)
	case ggufTypeInt16:
		return readArrayValues[int16](r, n, keep)
	case ggufTypeUint32:
		return readArrayValues[uint32](r, n, keep)
	case ggufTypeInt32:
		return readArrayValues[int32](r, n, keep)
	case ggufTypeFloat32:
		return readArrayValues[float32](r, n, keep)
	case ggufTypeBool:
		return readArrayValues[bool](r, n, keep)
	case ggufTypeUint64:
		return readArrayValues[uint64](r, n, keep)
	case ggufTypeInt64:
		return readArrayValues[int64](r, n, keep)
	case ggufTypeFloat64:
		return readArrayValues[float64](r, n, keep)
	case ggufTypeString:
		a := &array[string]{size: int(n)}
		if keep {
			a.values = make([]string, 0, n)
		}
		for range n {
			s, err := readString(r)
			if err != nil {
				return nil, err
			}
			if keep {
				a.values = append(a.values, s)
			}
		}
		return a, nil
	default:
		return nil, fmt.Errorf("invalid array type: %d", vtype)
	}
}

func readKV(r *reader, maxArraySize int) (string, any, error) {
	key, err := readString(r)
	if err != nil {
		return "", nil, err
	}

	vtype, err := readValue[uint32](r)
	if err != nil {
		return "", nil, err
	}

	var v any
	switch vtype {
	case ggufTypeUint8:
		v, err = readValue[uint8](r)
	case ggufTypeInt8:
		v, err = readValue[int8](r)
	case ggufTypeUint16:
		v, err = readValue[uint16](r)
	case ggufTypeInt16:
		v, err = readValue[int16](r)
	case ggufTypeUint32:
		v, err = readValue[uint32](r)
	case ggufTypeInt32:
		v, err = readValue[int32](r)
	case ggufTypeFloat32:
		v, err = readValue[float32](r)
	case ggufTypeBool:
		v, err = readValue[bool](r)
	case ggufTypeUint64:
		v, err = readValue[uint64](r)
	case ggufTypeInt64:
		v, err = readValue[int64](r)
	case ggufTypeFloat64:
		v, err = readValue[float64](r)
	case ggufTypeString:
		v, err = readString(r)
	case ggufTypeArray:
		v, err = readArray(r, maxArraySize)
	default:
		return "", nil, fmt.Errorf("invalid value type: %d", vtype)
	}

	return key, v, err
}

// Decode decodes GGUF metadata from the given reader, leaving tensor data
// in place. Array values longer than maxArraySize are dropped (a negative
// maxArraySize keeps everything).
func Decode(rs io.ReadSeeker, maxArraySize int) (*GGML, error) {
	r := &reader{Reader: bufio.NewReaderSize(rs, 32<<10)}

	magic, err := readValue[uint32](r)
	if err != nil {
		return nil, err
	}

	if magic != fileMagicGGUF {
		return nil, ErrUnsupportedFormat
	}

	version, err := readValue[uint32](r)
	if err != nil {
		return nil, err
	}

	if version < 2 {
		return nil, fmt.Errorf("%w: gguf version %d", ErrUnsupportedFormat, version)
	}

	numTensors, err := readValue[uint64](r)
	if err != nil {
		return nil, err
	}

	numKV, err := readValue[uint64](r)
	if err != nil {
		return nil, err
	}

	kv := make(KV, numKV)
	for range numKV {
		k, v, err := readKV(r, maxArraySize)
		if err != nil {
			return nil, err
		}

		kv[k] = v
	}

	ts := make([]*Tensor, 0, numTensors)
	for range numTensors {
		name, err := readString(r)
		if err != nil {
			return nil, err
		}

		dims, err := readValue[uint32](r)
		if err != nil {
			return nil, err
		}

		shape := make([]uint64, dims)
		for i := range shape {
			shape[i], err = readValue[uint64](r)
			if err != nil {
				return nil, err
			}
		}

		kind, err := readValue[uint32](r)
		if err != nil {
			return nil, err
		}

		offset, err := readValue[uint64](r)
		if err != nil {
			return nil, err
		}

		ts = append(ts, &Tensor{Name: name, Kind: kind, Offset: offset, Shape: shape})
	}

	alignment := kv.Uint("general.alignment", defaultAlignment)
	padding := (int64(alignment) - r.n%int64(alignment)) % int64(alignment)
	if err := r.discard(padding); err != nil {
		return nil, err
	}

	return &GGML{
		kv: kv,
		tensors: Tensors{
			items:  ts,
			Offset: uint64(r.n),
		},
		Length: r.n,
	}, nil
}

func writeValue[T any](ws io.Writer, v T) error {
	return binary.Write(ws, binary.LittleEndian, v)
}

func writeString(ws io.Writer, s string) error {
	if err := writeValue(ws, uint64(len(s))); err != nil {
		return err
	}

	_, err := ws.Write([]byte(s))
	return err
}

func writeKV(ws io.Writer, k string, v any) error {
	if err := writeString(ws, k); err != nil {
		return err
	}

	var err error
	switch v := v.(type) {
	case uint32:
		if err = writeValue(ws, ggufTypeUint32); err == nil {
			err = writeValue(ws, v)
		}
	case int32:
		if err = writeValue(ws, ggufTypeInt32); err == nil {
			err = writeValue(ws, v)
		}
	case uint64:
		if err = writeValue(ws, ggufTypeUint64); err == nil {
			err = writeValue(ws, v)
		}
	case float32:
		if err = writeValue(ws, ggufTypeFloat32); err == nil {
			err = writeValue(ws, v)
		}
	case bool:
		if err = writeValue(ws, ggufTypeBool); err == nil {
			err = writeValue(ws, v)
		}
	case string:
		if err = writeValue(ws, ggufTypeString); err == nil {
			err = writeString(ws, v)
		}
	case []int32:
		err = writeArray(ws, ggufTypeInt32, v)
	case []uint32:
		err = writeArray(ws, ggufTypeUint32, v)
	case []float32:
		err = writeArray(ws, ggufTypeFloat32, v)
	case []bool:
		err = writeArray(ws, ggufTypeBool, v)
	case []string:
		if err = writeValue(ws, ggufTypeArray); err != nil {
			return err
		}
		if err = writeValue(ws, ggufTypeString); err != nil {
			return err
		}
		if err = writeValue(ws, uint64(len(v))); err != nil {
			return err
		}
		for _, s := range v {
			if err = writeString(ws, s); err != nil {
				return err
			}
		}
	default:
		err = fmt.Errorf("improper type for '%s'", k)
	}

	return err
}

func writeArray[T any](ws io.Writer, vtype uint32, v []T) error {
	if err := writeValue(ws, ggufTypeArray); err != nil {
		return err
	}

	if err := writeValue(ws, vtype); err != nil {
		return err
	}

	if err := writeValue(ws, uint64(len(v))); err != nil {
		return err
	}

	return binary.Write(ws, binary.LittleEndian, v)
}

// WriteGGUF writes the key-values and tensors to the given writer. Keys
// outside the general and tokenizer namespaces are prefixed with the
// architecture name.
func WriteGGUF(ws io.WriteSeeker, kv KV, ts []*Tensor) error {
	arch, ok := kv["general.architecture"].(string)
	if !ok {
		arch = "unknown"
	}

	alignment := defaultAlignment
	if v, ok := kv["general.alignment"].(uint32); ok {
		alignment = v
	}

	kv = maps.Clone(kv)

	var params uint64
	for _, t := range ts {
		params += t.Elements()
	}
	kv["general.parameter_count"] = params

	keys := make([]string, 0, len(kv))
	qualified := make(map[string]string, len(kv))
	for k := range kv {
		q := k
		if !strings.HasPrefix(k, "general.") &&
			!strings.HasPrefix(k, "tokenizer.") &&
			!strings.HasPrefix(k, "adapter.") &&
			!strings.HasPrefix(k, arch+".") {
			q = arch + "." + k
		}

		keys = append(keys, q)
		qualified[q] = k
	}
	slices.Sort(keys)

	if err := writeValue(ws, uint32(fileMagicGGUF)); err != nil {
		return err
	}

	if err := writeValue(ws, uint32(3)); err != nil {
		return err
	}

	if err := writeValue(ws, uint64(len(ts))); err != nil {
		return err
	}

	if err := writeValue(ws, uint64(len(keys))); err != nil {
		return err
	}

	for _, q := range keys {
		if err := writeKV(ws, q, kv[qualified[q]]); err != nil {
			return err
		}
	}

	sortTensors(ts)

	alignSize := func(offset uint64) uint64 {
		return (offset + uint64(alignment) - 1) / uint64(alignment) * uint64(alignment)
	}

	var offset uint64
	for _, t := range ts {
		t.Offset = offset
		offset = alignSize(offset + t.Size())
	}

	for _, t := range ts {
		if err := writeString(ws, t.Name); err != nil {
			return err
		}

		if err := writeValue(ws, uint32(len(t.Shape))); err != nil {
			return err
		}

		for i := range t.Shape {
			if err := writeValue(ws, t.Shape[len(t.Shape)-i-1]); err != nil {
				return err
			}
		}

		if err := writeValue(ws, t.Kind); err != nil {
			return err
		}

		if err := writeValue(ws, t.Offset); err != nil {
			return err
		}
	}

	here, err := ws.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}

	if _, err := ws.Write(make([]byte, alignSize(uint64(here))-uint64(here))); err != nil {
		return err
	}

	for i, t := range ts {
		n, err := t.WriteTo(ws)
		if err != nil {
			return err
		}

		if n != int64(t.Size()) {
			return fmt.Errorf("wrote %d bytes for %s, want %d", n, t.Name, t.Size())
		}

		var next uint64
		if i+1 < len(ts) {
			next = ts[i+1].Offset
		} else {
			next = alignSize(t.Offset + t.Size())
		}

		if _, err := ws.Write(make([]byte, next-t.Offset-t.Size())); err != nil {
			return err
		}
	}

	return nil
}
