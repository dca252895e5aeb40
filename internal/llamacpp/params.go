package llamacpp

import (
	"runtime"

	"bitnet/pkg/engine"
)

// allLayers is passed to llama.cpp when every layer should be offloaded.
const allLayers = 999

// Backend is the llama.cpp engine.Backend.
type Backend struct {
	threads int
}

// New returns a llama.cpp backend. threads <= 0 selects runtime.NumCPU.
func New(threads int) *Backend {
	return &Backend{threads: threads}
}

func (b *Backend) Name() string { return "llama.cpp" }

func gpuLayers(n int) int {
	if n < 0 {
		return allLayers
	}
	return n
}

func threadsOr(v, def int) int {
	if v > 0 {
		return v
	}
	if def > 0 {
		return def
	}
	return runtime.NumCPU()
}

// topP maps the nucleus threshold; 1 disables nucleus sampling, which
// go-llama.cpp otherwise defaults to 0.95.
func topP(v float32) float32 {
	if v <= 0 || v > 1 {
		return 1
	}
	return v
}

// finishReason classifies a completed Predict call.
func finishReason(stopped bool, produced int, p engine.Params) engine.FinishReason {
	switch {
	case stopped:
		return engine.FinishCancelled
	case p.MaxTokens > 0 && produced >= p.MaxTokens:
		return engine.FinishLength
	default:
		return engine.FinishStop
	}
}
