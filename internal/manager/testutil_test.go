package manager

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"bitnet/pkg/bitnet"
	"bitnet/pkg/engine"
	"bitnet/pkg/gguf"
)

type fakeRuntime struct {
	tokens []string
	block  chan struct{}

	prompt string
	params engine.Params
	closed bool
}

func (r *fakeRuntime) Generate(ctx context.Context, text string, p engine.Params, hook engine.TokenHook) (engine.FinishReason, error) {
	r.prompt, r.params = text, p
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return engine.FinishCancelled, ctx.Err()
		}
	}
	for _, t := range r.tokens {
		if !hook(t) {
			return engine.FinishCancelled, nil
		}
	}
	return engine.FinishStop, nil
}

func (r *fakeRuntime) Close() error { r.closed = true; return nil }

// fakeBackend hands out rt. With hold set, Upload waits for ctx cancellation.
type fakeBackend struct {
	rt   *fakeRuntime
	hold bool
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) Upload(ctx context.Context, req engine.UploadRequest, progress func(float64)) (engine.Runtime, error) {
	progress(0.25)
	if b.hold {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return b.rt, nil
}

func writeModel(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "m.gguf")
	err := gguf.NewBuilder().
		SetString("general.architecture", "bitnet").
		SetString("general.name", "test").
		SetStrings("tokenizer.ggml.tokens", []string{"<s>", "<|im_start|>", "<|im_end|>"}).
		AddTensor("token_embd.weight", gguf.TypeI2_S, []uint64{16, 4}, make([]byte, 16+32)).
		WriteFile(p)
	if err != nil {
		t.Fatalf("write model: %v", err)
	}
	return p
}

func testConfig(t *testing.T, be engine.Backend) ManagerConfig {
	t.Helper()
	load := bitnet.DefaultLoadOptions()
	load.CacheDir = t.TempDir()
	load.Backend = be
	return ManagerConfig{
		Source:       writeModel(t),
		Load:         load,
		Generate:     bitnet.DefaultGenerateOptions(),
		MaxWait:      50 * time.Millisecond,
		DrainTimeout: 200 * time.Millisecond,
	}
}

func startReady(t *testing.T, cfg ManagerConfig) *Manager {
	t.Helper()
	m := NewWithConfig(cfg)
	m.Start(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}
