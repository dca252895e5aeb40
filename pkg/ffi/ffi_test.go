package ffi

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"bitnet/pkg/engine"
	"bitnet/pkg/gguf"
)

type tokenRuntime struct{ tokens []string }

func (r *tokenRuntime) Generate(ctx context.Context, prompt string, p engine.Params, hook engine.TokenHook) (engine.FinishReason, error) {
	for _, t := range r.tokens {
		if !hook(t) {
			return engine.FinishCancelled, nil
		}
	}
	return engine.FinishStop, nil
}

func (r *tokenRuntime) Close() error { return nil }

type tokenBackend struct{ tokens []string }

func (b tokenBackend) Name() string { return "tokens" }

func (b tokenBackend) Upload(ctx context.Context, req engine.UploadRequest, progress func(float64)) (engine.Runtime, error) {
	return &tokenRuntime{tokens: b.tokens}, nil
}

func fixture(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "valid.model")
	err := gguf.NewBuilder().
		SetString("general.architecture", "llama").
		AddTensor("w", gguf.TypeF16, []uint64{4}, make([]byte, 8)).
		WriteFile(p)
	if err != nil {
		t.Fatalf("fixture: %v", err)
	}
	return p
}

func loadFixture(t *testing.T, tokens ...string) Handle {
	t.Helper()
	opts := DefaultLoadOptions()
	opts.CacheDir = t.TempDir()
	opts.Backend = tokenBackend{tokens: tokens}
	h := Load(fixture(t), &opts)
	if h == 0 {
		t.Fatalf("load failed: %s", LastErrorMessage())
	}
	t.Cleanup(func() { Free(h) })
	return h
}

var hello = []ChatMessage{{Role: "user", Content: "Hello"}}

func TestLoadChatFree(t *testing.T) {
	type counter struct {
		phases []int32
		text   strings.Builder
		calls  int
	}
	c := &counter{}
	opts := DefaultLoadOptions()
	opts.CacheDir = t.TempDir()
	opts.Backend = tokenBackend{tokens: []string{"He", "llo", "!"}}
	opts.UserData = c
	var final float64
	opts.OnProgress = func(p LoadProgress, ud any) {
		ud.(*counter).phases = append(ud.(*counter).phases, p.Phase)
		final = p.Fraction
	}
	h := Load(fixture(t), &opts)
	if h == 0 {
		t.Fatalf("load failed: %s", LastErrorMessage())
	}
	if LastErrorMessage() != "" {
		t.Fatalf("error slot should be empty after success")
	}
	if c.phases[0] != 0 || c.phases[len(c.phases)-1] != 2 || final != 1 {
		t.Fatalf("phases=%v final=%v", c.phases, final)
	}

	gen := DefaultGenerateOptions()
	rc := Chat(h, hello, &gen, func(text string, length int, ud any) int32 {
		if length != len(text) {
			t.Fatalf("length %d for %q", length, text)
		}
		cc := ud.(*counter)
		cc.calls++
		cc.text.WriteString(text)
		return 0
	}, c)
	if rc != StatusOK || c.calls != 3 || c.text.String() != "Hello!" {
		t.Fatalf("rc=%d calls=%d text=%q", rc, c.calls, c.text.String())
	}

	Free(h)
	calls := c.calls
	Free(h)
	if c.calls != calls || LastErrorMessage() != "" {
		t.Fatalf("double free must be silent")
	}
}

func TestChatCallbackStopReturnsZero(t *testing.T) {
	h := loadFixture(t, "a", "b", "c")
	calls := 0
	rc := Chat(h, hello, nil, func(string, int, any) int32 { calls++; return 1 }, nil)
	if rc != StatusOK || calls != 1 {
		t.Fatalf("rc=%d calls=%d", rc, calls)
	}
	if LastErrorMessage() != "" {
		t.Fatalf("cancellation must not record an error: %q", LastErrorMessage())
	}
}

func TestGenerate(t *testing.T) {
	h := loadFixture(t, "x", "y")
	var got string
	rc := Generate(h, "raw", nil, func(s string, _ int, _ any) int32 { got += s; return 0 }, nil)
	if rc != StatusOK || got != "xy" {
		t.Fatalf("rc=%d got=%q", rc, got)
	}
}

func TestLoadMissingRecordsError(t *testing.T) {
	opts := DefaultLoadOptions()
	opts.CacheDir = t.TempDir()
	opts.Backend = tokenBackend{}
	h := Load(filepath.Join(t.TempDir(), "missing.model"), &opts)
	if h != 0 {
		t.Fatalf("expected null handle")
	}
	msg := LastErrorMessage()
	if msg == "" || !strings.Contains(msg, "acquiring model") {
		t.Fatalf("unexpected message %q", msg)
	}
	// The next successful call clears the slot.
	loadFixture(t)
	if LastErrorMessage() != "" {
		t.Fatalf("error slot not cleared: %q", LastErrorMessage())
	}
}

func TestLoadMalformedRecordsError(t *testing.T) {
	p := filepath.Join(t.TempDir(), "bad.model")
	if err := os.WriteFile(p, []byte("not gguf"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	opts := DefaultLoadOptions()
	opts.CacheDir = t.TempDir()
	opts.Backend = tokenBackend{}
	if h := Load(p, &opts); h != 0 || LastErrorMessage() == "" {
		t.Fatalf("h=%d msg=%q", h, LastErrorMessage())
	}
}

func TestChatInvalidHandles(t *testing.T) {
	if rc := Chat(0, hello, nil, nil, nil); rc != StatusError || LastErrorMessage() == "" {
		t.Fatalf("null handle: rc=%d msg=%q", rc, LastErrorMessage())
	}
	if rc := Chat(Handle(1<<40), hello, nil, nil, nil); rc != StatusError {
		t.Fatalf("unknown handle: rc=%d", rc)
	}
	h := loadFixture(t, "a")
	Free(h)
	if rc := Chat(h, hello, nil, nil, nil); rc != StatusError || !strings.Contains(LastErrorMessage(), "freed") {
		t.Fatalf("freed handle: rc=%d msg=%q", rc, LastErrorMessage())
	}
}

func TestChatEmptyMessages(t *testing.T) {
	h := loadFixture(t, "a")
	if rc := Chat(h, nil, nil, nil, nil); rc != StatusError || LastErrorMessage() == "" {
		t.Fatalf("rc=%d msg=%q", rc, LastErrorMessage())
	}
}

func TestFreeNullIsNoop(t *testing.T) {
	Free(0)
	Free(Handle(1 << 41))
	if LastErrorMessage() != "" {
		t.Fatalf("unexpected error %q", LastErrorMessage())
	}
}

func TestDefaultGenerateOptions(t *testing.T) {
	d := DefaultGenerateOptions()
	if d.MaxTokens != 256 || d.Temperature != 1.0 || d.TopK != 50 || d.RepeatPenalty != 1.1 || d.RepeatLastN != 64 {
		t.Fatalf("unexpected defaults: %+v", d)
	}
	if l := DefaultLoadOptions(); l.OnProgress != nil || l.CacheDir != "" {
		t.Fatalf("unexpected load defaults: %+v", l)
	}
}

func TestSetLoggerForwardsMessages(t *testing.T) {
	var lines []string
	SetLogger(func(level LogLevel, msg string, ud any) {
		if ud.(string) != "ctx" {
			t.Errorf("userData not forwarded")
		}
		if level < LogInfo {
			t.Errorf("level %d below minimum", level)
		}
		lines = append(lines, msg)
	}, "ctx", LogInfo)
	loadFixture(t)
	found := false
	for _, l := range lines {
		if strings.Contains(l, "model loaded") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a 'model loaded' line, got %q", lines)
	}

	// Later calls only move the threshold.
	SetLogger(nil, nil, LogError)
	defer SetLogger(nil, nil, LogInfo)
	lines = nil
	loadFixture(t)
	for _, l := range lines {
		if strings.Contains(l, "model loaded") {
			t.Fatalf("info line delivered above threshold: %q", l)
		}
	}
}
