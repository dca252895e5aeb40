package gguf

import (
	"errors"
	"fmt"
)

var (
	// ErrTruncated reports input that ended inside a structure.
	ErrTruncated = errors.New("gguf: unexpected end of data")
	// ErrMalformed reports structurally invalid content.
	ErrMalformed = errors.New("gguf: malformed file")
)

type ErrInvalidMagic struct{ Magic uint32 }

func (e ErrInvalidMagic) Error() string {
	return fmt.Sprintf("gguf: invalid magic 0x%08x (expected 0x%08x)", e.Magic, uint32(Magic))
}

type ErrUnsupportedVersion struct{ Version uint32 }

func (e ErrUnsupportedVersion) Error() string {
	return fmt.Sprintf("gguf: unsupported version %d", e.Version)
}

type ErrUnsupportedType struct {
	Tensor string
	Type   Type
}

func (e ErrUnsupportedType) Error() string {
	return fmt.Sprintf("gguf: tensor %q has unsupported type %s", e.Tensor, e.Type)
}
