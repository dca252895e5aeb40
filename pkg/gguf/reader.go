package gguf

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
)

// Sanity bounds. Real files stay far below these; anything above is corrupt.
const (
	maxStringLen  = 1 << 24
	maxArrayLen   = 1 << 26
	maxKVCount    = 1 << 20
	maxTensorCnt  = 1 << 20
	maxArrayDepth = 4
	preallocLimit = 1 << 16
)

// ProgressFunc observes parsing of the tensor table: done of total entries.
type ProgressFunc func(done, total uint64)

// ReadFile parses the GGUF file at path. Only the header, metadata and tensor
// table are read; tensor extents are validated against the file size.
func ReadFile(path string, progress ProgressFunc) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	return Decode(f, fi.Size(), progress)
}

// Decode parses a GGUF stream. size is the total stream length used to
// validate tensor extents; pass 0 to skip that check.
func Decode(r io.Reader, size int64, progress ProgressFunc) (*File, error) {
	d := &decoder{r: bufio.NewReaderSize(r, 1<<16)}
	f, err := d.decode(size, progress)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w at offset %d", ErrTruncated, d.off)
		}
		return nil, err
	}
	return f, nil
}

type decoder struct {
	r   *bufio.Reader
	off uint64
	buf [8]byte
}

func (d *decoder) decode(size int64, progress ProgressFunc) (*File, error) {
	magic, err := d.u32()
	if err != nil {
		return nil, err
	}
	if magic != Magic {
		return nil, ErrInvalidMagic{Magic: magic}
	}
	version, err := d.u32()
	if err != nil {
		return nil, err
	}
	if version < 2 || version > 3 {
		return nil, ErrUnsupportedVersion{Version: version}
	}
	tensorCount, err := d.u64()
	if err != nil {
		return nil, err
	}
	kvCount, err := d.u64()
	if err != nil {
		return nil, err
	}
	if tensorCount > maxTensorCnt || kvCount > maxKVCount {
		return nil, fmt.Errorf("%w: %d tensors, %d metadata entries", ErrMalformed, tensorCount, kvCount)
	}

	f := &File{
		Version:  version,
		Metadata: make(map[string]any, min(kvCount, preallocLimit)),
		Tensors:  make([]TensorInfo, 0, min(tensorCount, preallocLimit)),
		Size:     size,
	}
	for i := uint64(0); i < kvCount; i++ {
		key, err := d.str()
		if err != nil {
			return nil, err
		}
		vt, err := d.u32()
		if err != nil {
			return nil, err
		}
		val, err := d.value(ValueType(vt), 0)
		if err != nil {
			return nil, fmt.Errorf("metadata %q: %w", key, err)
		}
		f.Metadata[key] = val
	}

	for i := uint64(0); i < tensorCount; i++ {
		t, err := d.tensorInfo()
		if err != nil {
			return nil, err
		}
		f.Tensors = append(f.Tensors, t)
		if progress != nil {
			progress(i+1, tensorCount)
		}
	}

	f.Alignment = DefaultAlignment
	if a, ok := f.Uint("general.alignment"); ok {
		if a == 0 || a&(a-1) != 0 {
			return nil, fmt.Errorf("%w: alignment %d is not a power of two", ErrMalformed, a)
		}
		f.Alignment = a
	}
	f.DataOffset = (d.off + f.Alignment - 1) / f.Alignment * f.Alignment

	if err := f.validateExtents(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *File) validateExtents() error {
	for _, t := range f.Tensors {
		n, err := t.SizeBytes()
		if err != nil {
			return err
		}
		if t.Offset%f.Alignment != 0 {
			return fmt.Errorf("%w: tensor %q offset %d not aligned to %d", ErrMalformed, t.Name, t.Offset, f.Alignment)
		}
		if f.Size <= 0 {
			continue
		}
		size := uint64(f.Size)
		if f.DataOffset > size || n > size-f.DataOffset || t.Offset > size-f.DataOffset-n {
			return fmt.Errorf("%w: tensor %q data at offset %d (%d bytes) exceeds file size %d",
				ErrTruncated, t.Name, t.Offset, n, f.Size)
		}
	}
	return nil
}

func (d *decoder) tensorInfo() (TensorInfo, error) {
	name, err := d.str()
	if err != nil {
		return TensorInfo{}, err
	}
	nd, err := d.u32()
	if err != nil {
		return TensorInfo{}, err
	}
	if nd == 0 || nd > MaxDims {
		return TensorInfo{}, fmt.Errorf("%w: tensor %q has %d dimensions", ErrMalformed, name, nd)
	}
	dims := make([]uint64, nd)
	for j := range dims {
		if dims[j], err = d.u64(); err != nil {
			return TensorInfo{}, err
		}
		if dims[j] == 0 {
			return TensorInfo{}, fmt.Errorf("%w: tensor %q has a zero dimension", ErrMalformed, name)
		}
	}
	typ, err := d.u32()
	if err != nil {
		return TensorInfo{}, err
	}
	off, err := d.u64()
	if err != nil {
		return TensorInfo{}, err
	}
	t := TensorInfo{Name: name, Dims: dims, Type: Type(typ), Offset: off}
	if !t.Type.Known() {
		return TensorInfo{}, ErrUnsupportedType{Tensor: name, Type: t.Type}
	}
	return t, nil
}

func (d *decoder) value(vt ValueType, depth int) (any, error) {
	switch vt {
	case ValueUint8:
		b, err := d.read(1)
		if err != nil {
			return nil, err
		}
		return b[0], nil
	case ValueInt8:
		b, err := d.read(1)
		if err != nil {
			return nil, err
		}
		return int8(b[0]), nil
	case ValueUint16:
		b, err := d.read(2)
		if err != nil {
			return nil, err
		}
		return binary.LittleEndian.Uint16(b), nil
	case ValueInt16:
		b, err := d.read(2)
		if err != nil {
			return nil, err
		}
		return int16(binary.LittleEndian.Uint16(b)), nil
	case ValueUint32:
		return d.u32()
	case ValueInt32:
		v, err := d.u32()
		return int32(v), err
	case ValueFloat32:
		v, err := d.u32()
		return math.Float32frombits(v), err
	case ValueBool:
		b, err := d.read(1)
		if err != nil {
			return nil, err
		}
		if b[0] > 1 {
			return nil, fmt.Errorf("%w: bool value %d", ErrMalformed, b[0])
		}
		return b[0] == 1, nil
	case ValueString:
		return d.str()
	case ValueUint64:
		return d.u64()
	case ValueInt64:
		v, err := d.u64()
		return int64(v), err
	case ValueFloat64:
		v, err := d.u64()
		return math.Float64frombits(v), err
	case ValueArray:
		if depth >= maxArrayDepth {
			return nil, fmt.Errorf("%w: arrays nested deeper than %d", ErrMalformed, maxArrayDepth)
		}
		et, err := d.u32()
		if err != nil {
			return nil, err
		}
		n, err := d.u64()
		if err != nil {
			return nil, err
		}
		if n > maxArrayLen {
			return nil, fmt.Errorf("%w: array of %d elements", ErrMalformed, n)
		}
		out := make([]any, 0, min(n, preallocLimit))
		for i := uint64(0); i < n; i++ {
			v, err := d.value(ValueType(et), depth+1)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unknown metadata value type %d", ErrMalformed, vt)
	}
}

func (d *decoder) str() (string, error) {
	n, err := d.u64()
	if err != nil {
		return "", err
	}
	if n > maxStringLen {
		return "", fmt.Errorf("%w: string of %d bytes", ErrMalformed, n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(d.r, b); err != nil {
		return "", err
	}
	d.off += n
	return string(b), nil
}

func (d *decoder) read(n int) ([]byte, error) {
	b := d.buf[:n]
	if _, err := io.ReadFull(d.r, b); err != nil {
		return nil, err
	}
	d.off += uint64(n)
	return b, nil
}

func (d *decoder) u32() (uint32, error) {
	b, err := d.read(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (d *decoder) u64() (uint64, error) {
	b, err := d.read(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}
