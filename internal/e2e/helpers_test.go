package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"bitnet/internal/httpapi"
	"bitnet/internal/manager"
	"bitnet/pkg/bitnet"
	"bitnet/pkg/engine"
	"bitnet/pkg/gguf"
	"bitnet/pkg/types"
)

// blockingRuntime streams tokens once release is closed.
type blockingRuntime struct {
	tokens  []string
	release chan struct{}

	mu      sync.Mutex
	prompts []string
}

func (r *blockingRuntime) Generate(ctx context.Context, prompt string, p engine.Params, hook engine.TokenHook) (engine.FinishReason, error) {
	r.mu.Lock()
	r.prompts = append(r.prompts, prompt)
	r.mu.Unlock()
	if r.release != nil {
		select {
		case <-r.release:
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

func (r *blockingRuntime) Close() error { return nil }

// gatedBackend holds Upload until gate is closed.
type gatedBackend struct {
	rt   engine.Runtime
	gate chan struct{}
}

func (b *gatedBackend) Name() string { return "gated" }

func (b *gatedBackend) Upload(ctx context.Context, req engine.UploadRequest, progress func(float64)) (engine.Runtime, error) {
	progress(0.5)
	if b.gate != nil {
		select {
		case <-b.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	progress(1)
	return b.rt, nil
}

// writeModel creates a small ChatML GGUF file.
func writeModel(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "tiny.gguf")
	err := gguf.NewBuilder().
		SetString("general.architecture", "bitnet").
		SetString("general.name", "tiny").
		SetStrings("tokenizer.ggml.tokens", []string{"<s>", "<|im_start|>", "<|im_end|>"}).
		AddTensor("token_embd.weight", gguf.TypeI2_S, []uint64{16, 4}, make([]byte, 16+32)).
		WriteFile(p)
	if err != nil {
		t.Fatalf("write model: %v", err)
	}
	return p
}

func newConfig(t *testing.T, be engine.Backend) manager.ManagerConfig {
	t.Helper()
	load := bitnet.DefaultLoadOptions()
	load.CacheDir = t.TempDir()
	load.Backend = be
	return manager.ManagerConfig{
		Source:       writeModel(t),
		Load:         load,
		Generate:     bitnet.DefaultGenerateOptions(),
		MaxWait:      time.Second,
		DrainTimeout: 5 * time.Second,
	}
}

// newServer starts the manager in the background and serves it.
func newServer(t *testing.T, cfg manager.ManagerConfig) (*httptest.Server, *manager.Manager) {
	t.Helper()
	mgr := manager.NewWithConfig(cfg)
	mgr.Start(context.Background())
	srv := httptest.NewServer(httpapi.NewMux(mgr))
	t.Cleanup(func() {
		srv.Close()
		_ = mgr.Close()
	})
	return srv, mgr
}

func waitReady(t *testing.T, base string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, _ := httpGet(t, base+"/readyz")
		if resp.StatusCode == http.StatusOK {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("/readyz did not become ready in time; last=%d", resp.StatusCode)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// waitStatus polls /status until cond holds.
func waitStatus(t *testing.T, base string, cond func(types.StatusResponse) bool) types.StatusResponse {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		_, body := httpGet(t, base+"/status")
		var st types.StatusResponse
		if err := json.Unmarshal(body, &st); err != nil {
			t.Fatalf("/status json: %v body=%s", err, string(body))
		}
		if cond(st) {
			return st
		}
		if time.Now().After(deadline) {
			t.Fatalf("status condition not met; last=%+v", st)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func httpGet(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, body
}

// httpPostJSON is safe to call from goroutines other than the test's.
func httpPostJSON(url string, payload []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp.StatusCode, body, nil
}

// newServerFor serves an already started manager and returns its base URL.
func newServerFor(t *testing.T, mgr *manager.Manager) string {
	t.Helper()
	srv := httptest.NewServer(httpapi.NewMux(mgr))
	t.Cleanup(srv.Close)
	return srv.URL
}
