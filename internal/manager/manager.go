package manager

import (
	"context"
	"sync"
	"time"

	"bitnet/pkg/bitnet"
)

type Manager struct {
	mu       sync.RWMutex
	state    State
	err      string
	source   string
	progress *bitnet.LoadProgress
	model    *bitnet.Model
	info     *bitnet.ModelInfo

	loadOpts  bitnet.LoadOptions
	genOpts   bitnet.GenerateOptions
	system    string
	publisher EventPublisher

	// Queue config
	maxQueueDepth int
	maxWait       time.Duration
	drainTimeout  time.Duration
	queueCh       chan struct{}
	genCh         chan struct{}

	startOnce  sync.Once
	started    bool
	loadDone   chan struct{}
	cancelLoad context.CancelFunc
	startTime  time.Time
}

// New returns a Manager for src with package defaults.
func New(src string, load bitnet.LoadOptions) *Manager {
	return NewWithConfig(ManagerConfig{
		Source:   src,
		Load:     load,
		Generate: bitnet.DefaultGenerateOptions(),
	})
}

// Start begins loading the model in the background. It returns immediately;
// use Wait or Ready to observe completion. Subsequent calls are no-ops.
func (m *Manager) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		m.mu.Lock()
		m.started = true
		m.cancelLoad = cancel
		m.mu.Unlock()
		go m.load(ctx)
	})
}

func (m *Manager) load(ctx context.Context) {
	defer close(m.loadDone)
	m.publish(Event{Name: "load_start", Fields: map[string]any{"source": m.source}})

	model, err := bitnet.Load(ctx, m.source, m.loadOptions())

	m.mu.Lock()
	if err != nil {
		if m.state == StateLoading {
			m.state = StateError
		}
		m.err = err.Error()
		m.mu.Unlock()
		m.publish(Event{Name: "load_error", Fields: map[string]any{"error": err.Error()}})
		return
	}
	if m.state != StateLoading {
		// Closed while loading.
		m.mu.Unlock()
		_ = model.Close()
		return
	}
	info := model.Info()
	m.model = model
	m.info = &info
	m.state = StateReady
	m.progress = nil
	m.mu.Unlock()
	m.publish(Event{Name: "load_ready", Fields: map[string]any{
		"path":     info.Path,
		"template": info.Template,
		"backend":  info.Backend,
	}})
}

// loadOptions returns the configured options with progress tracking attached.
func (m *Manager) loadOptions() bitnet.LoadOptions {
	opts := m.loadOpts
	opts.OnProgress = func(p bitnet.LoadProgress) {
		m.mu.Lock()
		m.progress = &p
		m.mu.Unlock()
		m.publish(Event{Name: "load_progress", Fields: map[string]any{
			"phase":    p.Phase.String(),
			"fraction": p.Fraction,
		}})
	}
	return opts
}

// Wait blocks until the background load finishes and returns its error.
func (m *Manager) Wait(ctx context.Context) error {
	select {
	case <-m.loadDone:
	case <-ctx.Done():
		return ctx.Err()
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.model == nil {
		return notReadyError{state: m.state, msg: m.err}
	}
	return nil
}

func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == StateReady && m.model != nil
}

func (m *Manager) readyModel() (*bitnet.Model, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != StateReady || m.model == nil {
		return nil, notReadyError{state: m.state, msg: m.err}
	}
	return m.model, nil
}

// Close drains queued and in-flight chats, then releases the model.
// - Sets state to draining so new chats are rejected.
// - Cancels an in-progress load.
// - Waits up to the drain timeout for queued and in-flight chats.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.state == StateClosed || m.state == StateDraining {
		m.mu.Unlock()
		return nil
	}
	m.state = StateDraining
	started, cancel := m.started, m.cancelLoad
	m.mu.Unlock()
	m.publish(Event{Name: "drain_start", Fields: map[string]any{}})

	if cancel != nil {
		cancel()
	}
	if started {
		<-m.loadDone
	}

	deadline := time.Now().Add(m.drainTimeout)
	for {
		qlen, inflight := len(m.queueCh), len(m.genCh)
		if inflight == 0 && qlen == 0 {
			break
		}
		if time.Now().After(deadline) {
			m.publish(Event{Name: "drain_timeout", Fields: map[string]any{"inflight": inflight, "queue": qlen}})
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	m.mu.Lock()
	model := m.model
	m.mu.Unlock()
	var err error
	if model != nil {
		err = model.Close()
	}
	m.mu.Lock()
	m.state = StateClosed
	if err == nil {
		m.model = nil
	}
	m.mu.Unlock()
	m.publish(Event{Name: "drain_done", Fields: map[string]any{}})
	return err
}
