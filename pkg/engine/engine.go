// Package engine defines the contract between the load/chat boundary and the
// numeric inference engine that actually executes a model.
//
// A Backend places a parsed model artifact into its execution target and
// returns a Runtime. A Runtime runs the decoding loop and invokes a per-token
// hook synchronously on the calling goroutine.
package engine

import (
	"context"

	"bitnet/pkg/gguf"
)

// Artifact is a model file that has been fetched and parsed.
type Artifact struct {
	Path string
	Size int64
	Meta *gguf.File
}

// UploadRequest configures weight placement.
type UploadRequest struct {
	Artifact    Artifact
	ContextSize int
	// GPULayers is the number of layers to offload; negative means all.
	GPULayers int
	MMap      bool
	Threads   int
}

// Params are sampling parameters for one decoding run.
type Params struct {
	MaxTokens     int
	Temperature   float32
	TopK          int
	TopP          float32
	RepeatPenalty float32
	RepeatLastN   int
	Seed          int
	Threads       int
	Stop          []string
}

// FinishReason explains why a decoding run ended.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishLength    FinishReason = "length"
	FinishCancelled FinishReason = "cancelled"
)

// TokenHook receives each decoded fragment. Returning false stops decoding;
// implementations must not call the hook again after it returned false.
type TokenHook func(token string) bool

// Backend places model weights into an execution target.
type Backend interface {
	Name() string
	// Upload reports fractional progress in [0, 1]. On error no Runtime state
	// may remain allocated.
	Upload(ctx context.Context, req UploadRequest, progress func(float64)) (Runtime, error)
}

// Runtime is a loaded model ready for decoding. It is not safe for
// concurrent use.
type Runtime interface {
	Generate(ctx context.Context, prompt string, p Params, onToken TokenHook) (FinishReason, error)
	Close() error
}
