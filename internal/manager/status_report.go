package manager

import (
	"time"

	"bitnet/pkg/types"
)

// Snapshot returns a read-only view of the manager state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Snapshot{State: m.state, Source: m.source, Err: m.err}
	if m.progress != nil {
		p := *m.progress
		s.Progress = &p
	}
	if m.info != nil {
		info := *m.info
		s.Model = &info
	}
	return s
}

// Status builds a detailed status response for /status.
func (m *Manager) Status() types.StatusResponse {
	snap := m.Snapshot()
	now := time.Now()
	resp := types.StatusResponse{
		State:          string(snap.State),
		Error:          snap.Err,
		QueueLen:       len(m.queueCh),
		Inflight:       len(m.genCh),
		MaxQueueDepth:  cap(m.queueCh),
		UptimeSeconds:  int64(now.Sub(m.startTime).Seconds()),
		ServerTimeUnix: now.Unix(),
	}
	if p := snap.Progress; p != nil {
		resp.Progress = &types.LoadProgress{
			Phase:    p.Phase.String(),
			Fraction: p.Fraction,
			Loaded:   p.Loaded,
			Total:    p.Total,
		}
	}
	if mi := snap.Model; mi != nil {
		resp.Model = &types.ModelInfo{
			Source:       mi.Source,
			Path:         mi.Path,
			SizeBytes:    mi.Size,
			Architecture: mi.Architecture,
			Name:         mi.Name,
			Tensors:      mi.Tensors,
			Template:     mi.Template,
			Backend:      mi.Backend,
		}
	}
	return resp
}
