package bitnet

import (
	"net/http"
	"os"
	"path/filepath"

	"bitnet/internal/llamacpp"
	"bitnet/internal/loader"
	"bitnet/pkg/engine"
)

// Phase is a stage of model loading.
type Phase = loader.Phase

const (
	PhaseDownload = loader.PhaseDownload
	PhaseParse    = loader.PhaseParse
	PhaseUpload   = loader.PhaseUpload
)

// LoadProgress is a progress report delivered during Load.
type LoadProgress = loader.Progress

// LoadOptions configures Load.
type LoadOptions struct {
	// OnProgress, when set, receives progress reports on the calling
	// goroutine. Reports are phase ordered and monotone within a phase; the
	// final report is Upload at 1.0.
	OnProgress func(LoadProgress)
	// CacheDir holds downloaded remote models.
	CacheDir string
	// Backend executes the model. Nil selects the llama.cpp backend.
	Backend engine.Backend
	// ContextSize is the context window in tokens.
	ContextSize int
	// GPULayers is the number of layers to offload; negative offloads all.
	GPULayers int
	MMap      bool
	// Threads is the decoding thread count; 0 picks one per CPU.
	Threads    int
	HTTPClient *http.Client
}

const (
	DefaultContextSize = 4096
	DefaultMaxTokens   = 256
	DefaultTemperature = 1.0
	DefaultTopK        = 50
	DefaultRepeatPen   = 1.1
	DefaultRepeatLastN = 64
)

// DefaultLoadOptions returns options with no progress callback, the user
// cache directory, the llama.cpp backend and all layers offloaded.
func DefaultLoadOptions() LoadOptions {
	return LoadOptions{
		CacheDir:    DefaultCacheDir(),
		ContextSize: DefaultContextSize,
		GPULayers:   -1,
		MMap:        true,
	}
}

// DefaultCacheDir is <user cache dir>/bitnet, or a temp dir fallback.
func DefaultCacheDir() string {
	if d, err := os.UserCacheDir(); err == nil {
		return filepath.Join(d, "bitnet")
	}
	return filepath.Join(os.TempDir(), "bitnet")
}

func (o LoadOptions) backend() engine.Backend {
	if o.Backend != nil {
		return o.Backend
	}
	return llamacpp.New(o.Threads)
}

// GenerateOptions configures one generation run. Zero values of MaxTokens,
// Temperature, TopK, RepeatPenalty and RepeatLastN select the defaults.
type GenerateOptions struct {
	MaxTokens   int
	Temperature float32
	TopK        int
	// TopP enables nucleus sampling when > 0.
	TopP          float32
	RepeatPenalty float32
	RepeatLastN   int
	// Seed 0 lets the engine choose.
	Seed    int
	Threads int
	// Stop lists extra stop sequences; the chat template's end-of-turn
	// marker is always included.
	Stop []string
}

// DefaultGenerateOptions returns 256 max tokens, temperature 1.0, top-k 50,
// repeat penalty 1.1 over the last 64 tokens.
func DefaultGenerateOptions() GenerateOptions {
	return GenerateOptions{
		MaxTokens:     DefaultMaxTokens,
		Temperature:   DefaultTemperature,
		TopK:          DefaultTopK,
		RepeatPenalty: DefaultRepeatPen,
		RepeatLastN:   DefaultRepeatLastN,
	}
}

func (o GenerateOptions) normalize() GenerateOptions {
	d := DefaultGenerateOptions()
	if o.MaxTokens <= 0 {
		o.MaxTokens = d.MaxTokens
	}
	if o.Temperature <= 0 {
		o.Temperature = d.Temperature
	}
	if o.TopK <= 0 {
		o.TopK = d.TopK
	}
	if o.RepeatPenalty <= 0 {
		o.RepeatPenalty = d.RepeatPenalty
	}
	if o.RepeatLastN <= 0 {
		o.RepeatLastN = d.RepeatLastN
	}
	return o
}

func (o GenerateOptions) params(stop []string) engine.Params {
	return engine.Params{
		MaxTokens:     o.MaxTokens,
		Temperature:   o.Temperature,
		TopK:          o.TopK,
		TopP:          o.TopP,
		RepeatPenalty: o.RepeatPenalty,
		RepeatLastN:   o.RepeatLastN,
		Seed:          o.Seed,
		Threads:       o.Threads,
		Stop:          stop,
	}
}
