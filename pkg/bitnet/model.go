package bitnet

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"bitnet/internal/loader"
	"bitnet/internal/metrics"
	"bitnet/internal/prompt"
	"bitnet/internal/source"
	"bitnet/pkg/engine"
)

// Roles understood by the chat templates.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is one conversational turn. Order is preserved.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Signal is returned by a TokenFunc.
type Signal int

const (
	Continue Signal = iota
	Stop
)

// TokenFunc receives each generated fragment, which need not be a whole word.
// Returning Stop ends generation immediately; no further tokens are delivered.
type TokenFunc func(token string) Signal

// Outcome distinguishes natural completion from caller cancellation.
type Outcome int

const (
	Completed Outcome = iota
	Cancelled
)

func (o Outcome) String() string {
	if o == Cancelled {
		return "cancelled"
	}
	return "completed"
}

// Result summarizes a generation run.
type Result struct {
	Outcome      Outcome
	FinishReason engine.FinishReason
	// Tokens counts engine tokens; a token carrying only stop text is not counted.
	Tokens int
	// Text is what was delivered to the token callback. Stop sequences are
	// never included.
	Text string
	// ChatID correlates the run with its log lines.
	ChatID string
}

// ModelInfo describes a loaded model.
type ModelInfo struct {
	Source       string
	Path         string
	Size         int64
	Architecture string
	Name         string
	Tensors      int
	Template     string
	Backend      string
}

// noCopy lets go vet flag accidental copies of a Model.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// Model is a loaded model. It owns engine resources until Close.
type Model struct {
	noCopy noCopy

	rt     engine.Runtime
	tmpl   prompt.Template
	info   ModelInfo
	busy   atomic.Bool
	closed atomic.Bool
}

type fetcherKey struct {
	dir    string
	client *http.Client
}

// fetchers shares one Fetcher per cache dir and client so concurrent loads of
// the same URL download once.
var fetchers sync.Map

func fetcherFor(dir string, client *http.Client) *source.Fetcher {
	k := fetcherKey{dir: dir, client: client}
	if f, ok := fetchers.Load(k); ok {
		return f.(*source.Fetcher)
	}
	f, _ := fetchers.LoadOrStore(k, source.NewFetcher(client, dir, log))
	return f.(*source.Fetcher)
}

// Load acquires, validates and places the model named by src. src may be a
// local path, a file:// or http(s):// URL, or ollama://name[:tag]. On failure
// the error is a *LoadError and no resources remain allocated.
func Load(ctx context.Context, src string, opts LoadOptions) (*Model, error) {
	if strings.TrimSpace(src) == "" {
		return nil, &LoadError{Phase: PhaseDownload, Source: src, Err: ErrEmptySource}
	}
	be := opts.backend()
	l, err := loader.Run(ctx, src, loader.Options{
		Fetcher:     fetcherFor(opts.CacheDir, opts.HTTPClient),
		Backend:     be,
		ContextSize: opts.ContextSize,
		GPULayers:   opts.GPULayers,
		MMap:        opts.MMap,
		Threads:     opts.Threads,
		OnProgress:  opts.OnProgress,
		Log:         log(),
	})
	if err != nil {
		return nil, err
	}
	metrics.ModelsOpen.Inc()
	meta := l.Artifact.Meta
	return &Model{
		rt:   l.Runtime,
		tmpl: l.Template,
		info: ModelInfo{
			Source:       src,
			Path:         l.Artifact.Path,
			Size:         l.Artifact.Size,
			Architecture: meta.Architecture(),
			Name:         meta.Name(),
			Tensors:      len(meta.Tensors),
			Template:     l.Template.String(),
			Backend:      be.Name(),
		},
	}, nil
}

// Info describes the loaded model.
func (m *Model) Info() ModelInfo { return m.info }

// Chat formats messages with the model's chat template and streams the reply
// through onToken. A nil onToken discards tokens.
func (m *Model) Chat(ctx context.Context, messages []ChatMessage, opts GenerateOptions, onToken TokenFunc) (Result, error) {
	if len(messages) == 0 {
		return Result{}, ErrNoMessages
	}
	msgs := make([]prompt.Message, len(messages))
	for i, msg := range messages {
		msgs[i] = prompt.Message{Role: msg.Role, Content: msg.Content}
	}
	return m.run(ctx, m.tmpl.Format(msgs), m.tmpl.Stop(), opts, onToken)
}

// Generate streams a continuation of a raw prompt without chat templating.
func (m *Model) Generate(ctx context.Context, text string, opts GenerateOptions, onToken TokenFunc) (Result, error) {
	return m.run(ctx, text, nil, opts, onToken)
}

func (m *Model) run(ctx context.Context, text string, templateStop []string, opts GenerateOptions, onToken TokenFunc) (Result, error) {
	if m.closed.Load() {
		return Result{}, ErrModelClosed
	}
	if !m.busy.CompareAndSwap(false, true) {
		return Result{}, ErrModelBusy
	}
	defer m.busy.Store(false)
	if m.closed.Load() {
		return Result{}, ErrModelClosed
	}

	opts = opts.normalize()
	stop := append(append([]string(nil), opts.Stop...), templateStop...)
	chatID := uuid.NewString()
	lg := log().With().Str("chat_id", chatID).Logger()
	start := time.Now()

	var (
		out       strings.Builder
		tokens    int
		cancelled bool
		capped    bool
		matched   bool
	)
	filter := newStopFilter(stop)
	emit := func(s string) {
		if s == "" || cancelled {
			return
		}
		out.WriteString(s)
		if onToken != nil && onToken(s) == Stop {
			cancelled = true
		}
	}
	hook := func(tok string) bool {
		if cancelled || capped || matched || ctx.Err() != nil {
			return false
		}
		released, hit := filter.push(tok)
		matched = hit
		if hit && released == "" {
			return false
		}
		tokens++
		metrics.TokensGenerated.Inc()
		emit(released)
		if cancelled || matched {
			return false
		}
		if tokens >= opts.MaxTokens {
			capped = true
			return false
		}
		return true
	}
	lg.Debug().Int("max_tokens", opts.MaxTokens).Str("template", m.tmpl.String()).Msg("generation start")
	reason, err := m.rt.Generate(ctx, text, opts.params(stop), hook)
	if err == nil && ctx.Err() == nil && !matched {
		emit(filter.flush())
	}
	metrics.ChatDuration.Observe(time.Since(start).Seconds())

	if cerr := ctx.Err(); cerr != nil && !cancelled {
		err = cerr
	}
	if err != nil && !cancelled {
		metrics.ChatsTotal.WithLabelValues("error").Inc()
		lg.Error().Err(err).Int("tokens", tokens).Msg("generation failed")
		return Result{Tokens: tokens, Text: out.String(), ChatID: chatID}, &GenerationError{ChatID: chatID, Err: err}
	}

	res := Result{Outcome: Completed, FinishReason: engine.FinishStop, Tokens: tokens, Text: out.String(), ChatID: chatID}
	switch {
	case cancelled:
		res.Outcome, res.FinishReason = Cancelled, engine.FinishCancelled
	case matched:
	case capped || reason == engine.FinishLength:
		res.FinishReason = engine.FinishLength
	}
	metrics.ChatsTotal.WithLabelValues(res.Outcome.String()).Inc()
	lg.Debug().Int("tokens", tokens).Str("finish_reason", string(res.FinishReason)).
		Dur("dur", time.Since(start)).Msg("generation end")
	return res, nil
}

// Close releases the engine resources. It is idempotent. Closing while a
// Chat is running returns ErrModelBusy and leaves the model open.
func (m *Model) Close() error {
	if m.closed.Load() {
		return nil
	}
	if !m.busy.CompareAndSwap(false, true) {
		return ErrModelBusy
	}
	defer m.busy.Store(false)
	if m.closed.Swap(true) {
		return nil
	}
	metrics.ModelsOpen.Dec()
	return m.rt.Close()
}
