package bitnet

import (
	"errors"
	"fmt"

	"bitnet/internal/loader"
	"bitnet/internal/source"
)

var (
	// ErrEmptySource is returned by Load for a blank source string.
	ErrEmptySource = source.ErrEmpty
	// ErrNoMessages is returned by Chat for an empty conversation.
	ErrNoMessages = errors.New("no messages")
	// ErrModelClosed is returned when a closed Model is used.
	ErrModelClosed = errors.New("model is closed")
	// ErrModelBusy is returned when a Model is used concurrently.
	ErrModelBusy = errors.New("model is busy")
)

// LoadError reports the phase a Load failed in. Its Err unwraps to the
// cause, e.g. os.ErrNotExist, *source.StatusError or a gguf format error.
type LoadError = loader.Error

// GenerationError reports an engine failure or context cancellation during
// decoding.
type GenerationError struct {
	ChatID string
	Err    error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation %s failed: %v", e.ChatID, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }
