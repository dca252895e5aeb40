package gguf

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// Builder assembles a GGUF file in memory. It is used to produce fixtures and
// small synthetic models; it makes no attempt to stream large tensors.
type Builder struct {
	Version uint32

	kv      []kvPair
	tensors []tensorEntry
}

type kvPair struct {
	key string
	vt  ValueType
	val any
}

type tensorEntry struct {
	info TensorInfo
	data []byte
}

func NewBuilder() *Builder { return &Builder{Version: 3} }

func (b *Builder) SetString(key, v string) *Builder {
	b.kv = append(b.kv, kvPair{key, ValueString, v})
	return b
}

func (b *Builder) SetUint32(key string, v uint32) *Builder {
	b.kv = append(b.kv, kvPair{key, ValueUint32, v})
	return b
}

func (b *Builder) SetFloat32(key string, v float32) *Builder {
	b.kv = append(b.kv, kvPair{key, ValueFloat32, v})
	return b
}

func (b *Builder) SetStrings(key string, v []string) *Builder {
	b.kv = append(b.kv, kvPair{key, ValueArray, v})
	return b
}

// AddTensor appends a tensor. data must hold exactly the bytes SizeBytes
// reports for the given type and dims.
func (b *Builder) AddTensor(name string, typ Type, dims []uint64, data []byte) *Builder {
	b.tensors = append(b.tensors, tensorEntry{
		info: TensorInfo{Name: name, Dims: append([]uint64(nil), dims...), Type: typ},
		data: data,
	})
	return b
}

func (b *Builder) alignment() uint64 {
	for _, p := range b.kv {
		if p.key == "general.alignment" {
			if v, ok := p.val.(uint32); ok && v > 0 {
				return uint64(v)
			}
		}
	}
	return DefaultAlignment
}

// WriteTo encodes the file.
func (b *Builder) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	le := binary.LittleEndian
	put := func(v any) {
		if cw.err == nil {
			cw.err = binary.Write(cw, le, v)
		}
	}
	putStr := func(s string) {
		put(uint64(len(s)))
		if cw.err == nil {
			_, cw.err = io.WriteString(cw, s)
		}
	}

	put(uint32(Magic))
	put(b.Version)
	put(uint64(len(b.tensors)))
	put(uint64(len(b.kv)))
	for _, p := range b.kv {
		putStr(p.key)
		put(uint32(p.vt))
		switch v := p.val.(type) {
		case string:
			putStr(v)
		case []string:
			put(uint32(ValueString))
			put(uint64(len(v)))
			for _, s := range v {
				putStr(s)
			}
		default:
			put(v)
		}
	}

	align := b.alignment()
	var off uint64
	for i := range b.tensors {
		t := &b.tensors[i]
		t.info.Offset = off
		putStr(t.info.Name)
		put(uint32(len(t.info.Dims)))
		for _, d := range t.info.Dims {
			put(d)
		}
		put(uint32(t.info.Type))
		put(t.info.Offset)
		off += pad(uint64(len(t.data)), align)
	}
	put(make([]byte, pad(uint64(cw.n), align)-uint64(cw.n)))
	for _, t := range b.tensors {
		put(t.data)
		put(make([]byte, pad(uint64(len(t.data)), align)-uint64(len(t.data))))
	}
	if cw.err != nil {
		return cw.n, fmt.Errorf("gguf: encode: %w", cw.err)
	}
	return cw.n, nil
}

// WriteFile encodes the file to path.
func (b *Builder) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)
	if _, err := b.WriteTo(bw); err != nil {
		f.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func pad(n, align uint64) uint64 { return (n + align - 1) / align * align }

type countingWriter struct {
	w   io.Writer
	n   int64
	err error
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
