// Package ffi is the flat, handle-based surface of the library, shaped for
// callers across a language boundary (see cmd/libbitnet for the C ABI).
//
// Conventions:
//
//   - Models are referred to by Handle; 0 is the null handle.
//   - Fallible calls report failure with a sentinel result (0 handle, -1
//     status) and record a message retrievable with LastErrorMessage.
//   - The error slot is process-global and cleared at the start of every
//     Load, Chat, Generate and Free call, so it is "" after a successful call.
//   - Callbacks run synchronously on the calling goroutine and receive the
//     caller's userData unchanged.
package ffi

import (
	"context"
	"errors"
	"sync"

	"bitnet/pkg/bitnet"
	"bitnet/pkg/engine"
)

// Handle identifies a loaded model. 0 is the null handle.
type Handle uint64

// Status codes returned by Chat and Generate.
const (
	StatusOK    int32 = 0
	StatusError int32 = -1
)

// LoadProgress mirrors bitnet.LoadProgress with a numeric phase
// (0 Download, 1 Parse, 2 Upload).
type LoadProgress struct {
	Phase    int32
	Loaded   uint64
	Total    uint64
	Fraction float64
}

// ProgressCallback observes Load progress.
type ProgressCallback func(p LoadProgress, userData any)

// TokenCallback receives each generated fragment and its byte length.
// Returning non-zero stops generation.
type TokenCallback func(text string, length int, userData any) int32

// LoadOptions configures Load.
type LoadOptions struct {
	OnProgress ProgressCallback
	UserData   any
	// CacheDir holds downloaded models; "" selects the default location.
	CacheDir string
	// Backend overrides the engine; nil selects llama.cpp.
	Backend engine.Backend
}

// GenerateOptions are the sampling parameters accepted across the boundary.
type GenerateOptions struct {
	MaxTokens     uint
	Temperature   float32
	TopK          uint
	RepeatPenalty float32
	RepeatLastN   uint
}

// ChatMessage is one conversational turn.
type ChatMessage = bitnet.ChatMessage

// DefaultLoadOptions returns options with no progress callback and the
// default cache directory.
func DefaultLoadOptions() LoadOptions { return LoadOptions{} }

// DefaultGenerateOptions returns max_tokens 256, temperature 1.0, top_k 50,
// repeat_penalty 1.1 and repeat_last_n 64.
func DefaultGenerateOptions() GenerateOptions {
	d := bitnet.DefaultGenerateOptions()
	return GenerateOptions{
		MaxTokens:     uint(d.MaxTokens),
		Temperature:   d.Temperature,
		TopK:          uint(d.TopK),
		RepeatPenalty: d.RepeatPenalty,
		RepeatLastN:   uint(d.RepeatLastN),
	}
}

var (
	errNullHandle    = errors.New("null model handle")
	errInvalidHandle = errors.New("invalid or freed model handle")
)

var lastErr struct {
	mu  sync.Mutex
	msg string
}

func setError(err error) {
	lastErr.mu.Lock()
	lastErr.msg = err.Error()
	lastErr.mu.Unlock()
}

func clearError() {
	lastErr.mu.Lock()
	lastErr.msg = ""
	lastErr.mu.Unlock()
}

// LastErrorMessage returns the message recorded by the most recent failing
// call, or "" if the most recent call succeeded.
func LastErrorMessage() string {
	lastErr.mu.Lock()
	defer lastErr.mu.Unlock()
	return lastErr.msg
}

var table = struct {
	mu     sync.Mutex
	next   Handle
	models map[Handle]*bitnet.Model
}{models: make(map[Handle]*bitnet.Model)}

func register(m *bitnet.Model) Handle {
	table.mu.Lock()
	defer table.mu.Unlock()
	table.next++
	table.models[table.next] = m
	return table.next
}

func lookup(h Handle) (*bitnet.Model, error) {
	if h == 0 {
		return nil, errNullHandle
	}
	table.mu.Lock()
	defer table.mu.Unlock()
	m, ok := table.models[h]
	if !ok {
		return nil, errInvalidHandle
	}
	return m, nil
}

// Load loads source and returns its handle, or 0 on failure. A nil opts
// selects DefaultLoadOptions.
func Load(source string, opts *LoadOptions) Handle {
	clearError()
	o := DefaultLoadOptions()
	if opts != nil {
		o = *opts
	}
	lo := bitnet.DefaultLoadOptions()
	if o.CacheDir != "" {
		lo.CacheDir = o.CacheDir
	}
	lo.Backend = o.Backend
	if cb := o.OnProgress; cb != nil {
		ud := o.UserData
		lo.OnProgress = func(p bitnet.LoadProgress) {
			cb(LoadProgress{Phase: int32(p.Phase), Loaded: p.Loaded, Total: p.Total, Fraction: p.Fraction}, ud)
		}
	}
	m, err := bitnet.Load(context.Background(), source, lo)
	if err != nil {
		setError(err)
		return 0
	}
	return register(m)
}

// Chat runs a chat turn on h. It returns StatusOK on natural completion and
// when onToken requested a stop, StatusError on failure.
func Chat(h Handle, messages []ChatMessage, opts *GenerateOptions, onToken TokenCallback, userData any) int32 {
	clearError()
	m, err := lookup(h)
	if err != nil {
		setError(err)
		return StatusError
	}
	_, err = m.Chat(context.Background(), messages, generateOptions(opts), tokenFunc(onToken, userData))
	return status(err)
}

// Generate continues a raw prompt on h with the same conventions as Chat.
func Generate(h Handle, prompt string, opts *GenerateOptions, onToken TokenCallback, userData any) int32 {
	clearError()
	m, err := lookup(h)
	if err != nil {
		setError(err)
		return StatusError
	}
	_, err = m.Generate(context.Background(), prompt, generateOptions(opts), tokenFunc(onToken, userData))
	return status(err)
}

// Free releases h. Freeing the null handle or an unknown handle does nothing.
// Freeing a handle with a generation in flight fails and keeps it valid.
func Free(h Handle) {
	clearError()
	if h == 0 {
		return
	}
	table.mu.Lock()
	defer table.mu.Unlock()
	m, ok := table.models[h]
	if !ok {
		return
	}
	if err := m.Close(); err != nil {
		setError(err)
		if errors.Is(err, bitnet.ErrModelBusy) {
			return
		}
	}
	delete(table.models, h)
}

func status(err error) int32 {
	if err != nil {
		setError(err)
		return StatusError
	}
	return StatusOK
}

func generateOptions(o *GenerateOptions) bitnet.GenerateOptions {
	if o == nil {
		return bitnet.DefaultGenerateOptions()
	}
	return bitnet.GenerateOptions{
		MaxTokens:     int(o.MaxTokens),
		Temperature:   o.Temperature,
		TopK:          int(o.TopK),
		RepeatPenalty: o.RepeatPenalty,
		RepeatLastN:   int(o.RepeatLastN),
	}
}

func tokenFunc(cb TokenCallback, userData any) bitnet.TokenFunc {
	if cb == nil {
		return nil
	}
	return func(tok string) bitnet.Signal {
		if cb(tok, len(tok), userData) != 0 {
			return bitnet.Stop
		}
		return bitnet.Continue
	}
}
