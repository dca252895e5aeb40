package manager

import (
	"time"

	"bitnet/pkg/bitnet"
)

// Defaults applied when corresponding ManagerConfig fields are unset.
const (
	defaultMaxQueueDepth = 32
	defaultMaxWait       = 30 * time.Second
	defaultDrainTimeout  = 10 * time.Second
)

// ManagerConfig encapsulates all tunables for Manager construction.
type ManagerConfig struct {
	// Source is the model to load; see bitnet.Load.
	Source string
	// Load is passed to bitnet.Load; OnProgress is owned by the manager.
	Load bitnet.LoadOptions
	// Generate holds server-side generation defaults. Request fields override
	// them when set.
	Generate bitnet.GenerateOptions
	// SystemPrompt is prepended to conversations that do not open with a
	// system message.
	SystemPrompt  string
	MaxQueueDepth int
	MaxWait       time.Duration
	DrainTimeout  time.Duration
	Publisher     EventPublisher
}

// NewWithConfig constructs a Manager from ManagerConfig. It does not start
// loading; call Start.
func NewWithConfig(cfg ManagerConfig) *Manager {
	m := &Manager{
		state:     StateLoading,
		source:    cfg.Source,
		loadOpts:  cfg.Load,
		genOpts:   cfg.Generate,
		system:    cfg.SystemPrompt,
		publisher: cfg.Publisher,
		loadDone:  make(chan struct{}),
		startTime: time.Now(),
	}
	if m.publisher == nil {
		m.publisher = noopPublisher{}
	}
	if cfg.MaxQueueDepth <= 0 {
		m.maxQueueDepth = defaultMaxQueueDepth
	} else {
		m.maxQueueDepth = cfg.MaxQueueDepth
	}
	if cfg.MaxWait <= 0 {
		m.maxWait = defaultMaxWait
	} else {
		m.maxWait = cfg.MaxWait
	}
	if cfg.DrainTimeout <= 0 {
		m.drainTimeout = defaultDrainTimeout
	} else {
		m.drainTimeout = cfg.DrainTimeout
	}
	m.queueCh = make(chan struct{}, m.maxQueueDepth)
	m.genCh = make(chan struct{}, 1)
	return m
}
