package manager

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"bitnet/pkg/bitnet"
	"bitnet/pkg/types"
)

func decodeStream(t *testing.T, b []byte) ([]string, types.DoneLine) {
	t.Helper()
	var toks []string
	var done types.DoneLine
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		line := sc.Bytes()
		if bytes.Contains(line, []byte(`"done"`)) {
			if err := json.Unmarshal(line, &done); err != nil {
				t.Fatalf("done line: %v", err)
			}
			continue
		}
		var tl types.TokenLine
		if err := json.Unmarshal(line, &tl); err != nil {
			t.Fatalf("token line %q: %v", line, err)
		}
		toks = append(toks, tl.Token)
	}
	return toks, done
}

func userChat(text string) types.ChatRequest {
	return types.ChatRequest{Messages: []types.ChatMessage{{Role: "user", Content: text}}}
}

func TestChat_StreamsNDJSON(t *testing.T) {
	rt := &fakeRuntime{tokens: []string{"Hel", "lo"}}
	cfg := testConfig(t, &fakeBackend{rt: rt})
	cfg.SystemPrompt = "be brief"
	m := startReady(t, cfg)

	var buf bytes.Buffer
	flushes := 0
	if err := m.Chat(context.Background(), userChat("hi"), &buf, func() { flushes++ }); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	toks, done := decodeStream(t, buf.Bytes())
	if strings.Join(toks, "|") != "Hel|lo" {
		t.Fatalf("tokens = %v", toks)
	}
	if !done.Done || done.Content != "Hello" || done.FinishReason != "stop" || done.Tokens != 2 || done.ChatID == "" {
		t.Fatalf("done line = %+v", done)
	}
	if flushes != 3 {
		t.Fatalf("flushes = %d, want 3", flushes)
	}
	wantPrompt := "<|im_start|>system\nbe brief<|im_end|>\n<|im_start|>user\nhi<|im_end|>\n<|im_start|>assistant\n"
	if rt.prompt != wantPrompt {
		t.Fatalf("prompt = %q", rt.prompt)
	}
	if len(m.genCh) != 0 || len(m.queueCh) != 0 {
		t.Fatalf("admission slots not released")
	}
}

func TestChat_KeepsCallerSystemPrompt(t *testing.T) {
	rt := &fakeRuntime{}
	cfg := testConfig(t, &fakeBackend{rt: rt})
	cfg.SystemPrompt = "server default"
	m := startReady(t, cfg)

	req := types.ChatRequest{Messages: []types.ChatMessage{
		{Role: "system", Content: "caller"},
		{Role: "user", Content: "hi"},
	}}
	if err := m.Chat(context.Background(), req, &bytes.Buffer{}, nil); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if strings.Contains(rt.prompt, "server default") {
		t.Fatalf("server system prompt injected: %q", rt.prompt)
	}
}

func TestChat_RequestOverridesDefaults(t *testing.T) {
	rt := &fakeRuntime{tokens: []string{"a", "b", "c"}}
	m := startReady(t, testConfig(t, &fakeBackend{rt: rt}))

	req := userChat("hi")
	req.MaxTokens = 1
	req.Temperature = 0.2
	req.TopK = 7
	req.Stop = []string{"END"}
	var buf bytes.Buffer
	if err := m.Chat(context.Background(), req, &buf, nil); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	toks, done := decodeStream(t, buf.Bytes())
	if len(toks) != 1 || done.FinishReason != "length" || done.Tokens != 1 {
		t.Fatalf("tokens=%v done=%+v", toks, done)
	}
	p := rt.params
	if p.MaxTokens != 1 || p.Temperature != 0.2 || p.TopK != 7 {
		t.Fatalf("params = %+v", p)
	}
	if p.RepeatPenalty != bitnet.DefaultRepeatPen || p.RepeatLastN != bitnet.DefaultRepeatLastN {
		t.Fatalf("defaults not kept: %+v", p)
	}
	if strings.Join(p.Stop, ",") != "END,<|im_end|>" {
		t.Fatalf("stop = %v", p.Stop)
	}
}

func TestChat_NotReady(t *testing.T) {
	m := NewWithConfig(ManagerConfig{})
	err := m.Chat(context.Background(), userChat("hi"), &bytes.Buffer{}, nil)
	if !IsNotReady(err) {
		t.Fatalf("expected notReadyError, got %v", err)
	}
}

func TestChat_NoMessages(t *testing.T) {
	m := startReady(t, testConfig(t, &fakeBackend{rt: &fakeRuntime{}}))
	err := m.Chat(context.Background(), types.ChatRequest{}, &bytes.Buffer{}, nil)
	if !errors.Is(err, bitnet.ErrNoMessages) {
		t.Fatalf("expected ErrNoMessages, got %v", err)
	}
}

type failingWriter struct{ n int }

func (w *failingWriter) Write(p []byte) (int, error) {
	w.n++
	return 0, errors.New("client gone")
}

func TestChat_WriterErrorStopsGeneration(t *testing.T) {
	rt := &fakeRuntime{tokens: []string{"a", "b", "c"}}
	m := startReady(t, testConfig(t, &fakeBackend{rt: rt}))

	w := &failingWriter{}
	err := m.Chat(context.Background(), userChat("hi"), w, nil)
	if err == nil || err.Error() != "client gone" {
		t.Fatalf("expected writer error, got %v", err)
	}
	if w.n != 1 {
		t.Fatalf("writes after failure: %d", w.n)
	}
}

func TestChat_BusyWhenQueueFull(t *testing.T) {
	cfg := testConfig(t, &fakeBackend{rt: &fakeRuntime{}})
	cfg.MaxQueueDepth = 1
	cfg.MaxWait = 10 * time.Millisecond
	m := startReady(t, cfg)

	rel, err := m.beginGeneration(context.Background())
	if err != nil {
		t.Fatalf("beginGeneration: %v", err)
	}
	defer rel()
	err = m.Chat(context.Background(), userChat("hi"), &bytes.Buffer{}, nil)
	if !IsTooBusy(err) {
		t.Fatalf("expected tooBusyError, got %v", err)
	}
}

func TestChat_ContextCanceled(t *testing.T) {
	rt := &fakeRuntime{tokens: []string{"a"}, block: make(chan struct{})}
	m := startReady(t, testConfig(t, &fakeBackend{rt: rt}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := m.Chat(ctx, userChat("hi"), &bytes.Buffer{}, nil)
	var gerr *bitnet.GenerationError
	if !errors.As(err, &gerr) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected GenerationError wrapping deadline, got %v", err)
	}
}
