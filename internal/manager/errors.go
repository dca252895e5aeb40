package manager

import "errors"

// tooBusyError signals queue timeout/overflow for 429 mapping.
type tooBusyError struct{ reason string }

func (e tooBusyError) Error() string { return "too busy: " + e.reason }

// IsTooBusy reports whether err indicates backpressure (return 429).
func IsTooBusy(err error) bool {
	var tb tooBusyError
	return errors.As(err, &tb)
}

// notReadyError signals that no model is available yet (return 503).
type notReadyError struct {
	state State
	msg   string
}

func (e notReadyError) Error() string {
	if e.msg != "" {
		return "model not ready (" + string(e.state) + "): " + e.msg
	}
	return "model not ready (" + string(e.state) + ")"
}

// IsNotReady reports whether err indicates the model is loading, failed to
// load or is shutting down.
func IsNotReady(err error) bool {
	var nr notReadyError
	return errors.As(err, &nr)
}
