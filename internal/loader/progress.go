package loader

import (
	"fmt"
	"math"
	"sync"
)

// Phase is a stage of model acquisition. Phases run in declaration order.
type Phase int

const (
	PhaseDownload Phase = iota
	PhaseParse
	PhaseUpload
)

func (p Phase) String() string {
	switch p {
	case PhaseDownload:
		return "Download"
	case PhaseParse:
		return "Parse"
	case PhaseUpload:
		return "Upload"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Progress is one load progress report. Total is 0 when unknown.
type Progress struct {
	Phase    Phase
	Loaded   uint64
	Total    uint64
	Fraction float64
}

// reporter forwards progress to a caller callback while enforcing the
// ordering contract: every phase opens with a 0.0 report, fractions never
// decrease within a phase and stay below 1.0 until the pipeline completes
// the phase, each phase reports 1.0 exactly once, and nothing is reported
// after close.
type reporter struct {
	mu     sync.Mutex
	fn     func(Progress)
	phase  Phase
	last   float64
	open   bool
	closed bool
}

func newReporter(fn func(Progress)) *reporter {
	return &reporter{fn: fn, phase: -1}
}

func (r *reporter) begin(p Phase) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || p < r.phase {
		return
	}
	r.phase, r.last, r.open = p, 0, true
	r.emit(Progress{Phase: p})
}

// bytes reports loaded of total units for the current phase.
func (r *reporter) bytes(loaded, total uint64) {
	f := 0.0
	if total > 0 {
		f = float64(min(loaded, total)) / float64(total)
	}
	r.report(loaded, total, f)
}

// fraction reports a bare fraction for the current phase.
func (r *reporter) fraction(f float64) {
	r.report(0, 0, f)
}

func (r *reporter) report(loaded, total uint64, f float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || !r.open || math.IsNaN(f) {
		return
	}
	f = math.Max(0, f)
	// 1.0 belongs to complete; a phase's own claim of completion is dropped.
	if f >= 1 || f < r.last {
		return
	}
	if f == r.last && loaded == 0 {
		return
	}
	r.last = f
	r.emit(Progress{Phase: r.phase, Loaded: loaded, Total: total, Fraction: f})
}

// complete emits the single 1.0 report of the current phase.
func (r *reporter) complete(loaded, total uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || !r.open {
		return
	}
	r.open, r.last = false, 1
	r.emit(Progress{Phase: r.phase, Loaded: loaded, Total: total, Fraction: 1})
}

func (r *reporter) close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

func (r *reporter) emit(p Progress) {
	if r.fn != nil {
		r.fn(p)
	}
}
