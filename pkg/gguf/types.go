package gguf

import (
	"fmt"
	"math/bits"
)

const (
	// Magic is "GGUF" read as a little-endian uint32.
	Magic = 0x46554747
	// DefaultAlignment applies when general.alignment is absent.
	DefaultAlignment = 32
	// MaxDims mirrors GGML_MAX_DIMS.
	MaxDims = 4
)

// Type is a ggml tensor storage type.
type Type uint32

const (
	TypeF32     Type = 0
	TypeF16     Type = 1
	TypeQ4_0    Type = 2
	TypeQ4_1    Type = 3
	TypeQ5_0    Type = 6
	TypeQ5_1    Type = 7
	TypeQ8_0    Type = 8
	TypeQ8_1    Type = 9
	TypeQ2_K    Type = 10
	TypeQ3_K    Type = 11
	TypeQ4_K    Type = 12
	TypeQ5_K    Type = 13
	TypeQ6_K    Type = 14
	TypeQ8_K    Type = 15
	TypeIQ2_XXS Type = 16
	TypeIQ2_XS  Type = 17
	TypeIQ3_XXS Type = 18
	TypeIQ1_S   Type = 19
	TypeIQ4_NL  Type = 20
	TypeIQ3_S   Type = 21
	TypeIQ2_S   Type = 22
	TypeIQ4_XS  Type = 23
	TypeI8      Type = 24
	TypeI16     Type = 25
	TypeI32     Type = 26
	TypeI64     Type = 27
	TypeF64     Type = 28
	TypeIQ1_M   Type = 29
	TypeBF16    Type = 30
	TypeTQ1_0   Type = 34
	TypeTQ2_0   Type = 35
	// TypeI2_S is the BitNet ternary layout: 2-bit packed values followed by a
	// 32-byte trailer holding the per-tensor scale.
	TypeI2_S Type = 36
)

type typeTraits struct {
	name      string
	blockSize uint64
	typeSize  uint64
}

var traits = map[Type]typeTraits{
	TypeF32:     {"F32", 1, 4},
	TypeF16:     {"F16", 1, 2},
	TypeQ4_0:    {"Q4_0", 32, 18},
	TypeQ4_1:    {"Q4_1", 32, 20},
	TypeQ5_0:    {"Q5_0", 32, 22},
	TypeQ5_1:    {"Q5_1", 32, 24},
	TypeQ8_0:    {"Q8_0", 32, 34},
	TypeQ8_1:    {"Q8_1", 32, 36},
	TypeQ2_K:    {"Q2_K", 256, 84},
	TypeQ3_K:    {"Q3_K", 256, 110},
	TypeQ4_K:    {"Q4_K", 256, 144},
	TypeQ5_K:    {"Q5_K", 256, 176},
	TypeQ6_K:    {"Q6_K", 256, 210},
	TypeQ8_K:    {"Q8_K", 256, 292},
	TypeIQ2_XXS: {"IQ2_XXS", 256, 66},
	TypeIQ2_XS:  {"IQ2_XS", 256, 74},
	TypeIQ3_XXS: {"IQ3_XXS", 256, 98},
	TypeIQ1_S:   {"IQ1_S", 256, 50},
	TypeIQ4_NL:  {"IQ4_NL", 32, 18},
	TypeIQ3_S:   {"IQ3_S", 256, 110},
	TypeIQ2_S:   {"IQ2_S", 256, 82},
	TypeIQ4_XS:  {"IQ4_XS", 256, 136},
	TypeI8:      {"I8", 1, 1},
	TypeI16:     {"I16", 1, 2},
	TypeI32:     {"I32", 1, 4},
	TypeI64:     {"I64", 1, 8},
	TypeF64:     {"F64", 1, 8},
	TypeIQ1_M:   {"IQ1_M", 256, 56},
	TypeBF16:    {"BF16", 1, 2},
	TypeTQ1_0:   {"TQ1_0", 256, 54},
	TypeTQ2_0:   {"TQ2_0", 256, 66},
	TypeI2_S:    {"I2_S", 4, 1},
}

func (t Type) String() string {
	if tr, ok := traits[t]; ok {
		return tr.name
	}
	return fmt.Sprintf("UNKNOWN_TYPE_%d", uint32(t))
}

// Known reports whether the byte layout of t is known.
func (t Type) Known() bool {
	_, ok := traits[t]
	return ok
}

// ValueType tags a metadata value.
type ValueType uint32

const (
	ValueUint8   ValueType = 0
	ValueInt8    ValueType = 1
	ValueUint16  ValueType = 2
	ValueInt16   ValueType = 3
	ValueUint32  ValueType = 4
	ValueInt32   ValueType = 5
	ValueFloat32 ValueType = 6
	ValueBool    ValueType = 7
	ValueString  ValueType = 8
	ValueArray   ValueType = 9
	ValueUint64  ValueType = 10
	ValueInt64   ValueType = 11
	ValueFloat64 ValueType = 12
)

// TensorInfo describes one entry of the tensor table.
type TensorInfo struct {
	Name   string
	Dims   []uint64
	Type   Type
	Offset uint64 // relative to File.DataOffset
}

// Elements returns the product of all dimensions. A product that does not
// fit in 64 bits is ErrMalformed.
func (t TensorInfo) Elements() (uint64, error) {
	n := uint64(1)
	for _, d := range t.Dims {
		hi, lo := bits.Mul64(n, d)
		if hi != 0 {
			return 0, fmt.Errorf("%w: tensor %q element count overflows", ErrMalformed, t.Name)
		}
		n = lo
	}
	return n, nil
}

// SizeBytes returns the number of bytes the tensor occupies in the data section.
func (t TensorInfo) SizeBytes() (uint64, error) {
	tr, ok := traits[t.Type]
	if !ok {
		return 0, ErrUnsupportedType{Tensor: t.Name, Type: t.Type}
	}
	n, err := t.Elements()
	if err != nil {
		return 0, err
	}
	if t.Type == TypeI2_S {
		packed := n / 4
		if n%4 != 0 {
			packed++
		}
		return packed + 32, nil
	}
	if len(t.Dims) > 0 && t.Dims[0]%tr.blockSize != 0 {
		return 0, fmt.Errorf("%w: tensor %q row of %d elements is not a multiple of block size %d",
			ErrMalformed, t.Name, t.Dims[0], tr.blockSize)
	}
	hi, size := bits.Mul64(n/tr.blockSize, tr.typeSize)
	if hi != 0 {
		return 0, fmt.Errorf("%w: tensor %q byte size overflows", ErrMalformed, t.Name)
	}
	return size, nil
}

// File is the parsed header, metadata and tensor table of a GGUF file.
// Tensor data itself is not read.
type File struct {
	Version    uint32
	Metadata   map[string]any
	Tensors    []TensorInfo
	Alignment  uint64
	DataOffset uint64 // absolute offset of the tensor data section
	Size       int64  // total file size when known, else 0
}

// String returns a string metadata value.
func (f *File) String(key string) (string, bool) {
	v, ok := f.Metadata[key].(string)
	return v, ok
}

// Uint returns an unsigned integer metadata value, widening smaller encodings.
func (f *File) Uint(key string) (uint64, bool) {
	switch v := f.Metadata[key].(type) {
	case uint8:
		return uint64(v), true
	case uint16:
		return uint64(v), true
	case uint32:
		return uint64(v), true
	case uint64:
		return v, true
	case int32:
		if v >= 0 {
			return uint64(v), true
		}
	case int64:
		if v >= 0 {
			return uint64(v), true
		}
	}
	return 0, false
}

// Strings returns a string-array metadata value.
func (f *File) Strings(key string) ([]string, bool) {
	arr, ok := f.Metadata[key].([]any)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(arr))
	for _, v := range arr {
		s, ok := v.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}

// Architecture returns general.architecture, or "" when missing.
func (f *File) Architecture() string {
	s, _ := f.String("general.architecture")
	return s
}

// Name returns general.name, or "" when missing.
func (f *File) Name() string {
	s, _ := f.String("general.name")
	return s
}

// ContextLength returns <arch>.context_length when present.
func (f *File) ContextLength() (uint64, bool) {
	arch := f.Architecture()
	if arch == "" {
		return 0, false
	}
	return f.Uint(arch + ".context_length")
}
