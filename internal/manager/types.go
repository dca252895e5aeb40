package manager

import "bitnet/pkg/bitnet"

// State represents the lifecycle state of the managed model.
type State string

const (
	StateLoading  State = "loading"
	StateReady    State = "ready"
	StateError    State = "error"
	StateDraining State = "draining"
	StateClosed   State = "closed"
)

// Snapshot is a read-only projection of the manager state.
type Snapshot struct {
	State    State
	Source   string
	Progress *bitnet.LoadProgress
	Model    *bitnet.ModelInfo
	Err      string
}
