package bitnet

import (
	"sync/atomic"

	"github.com/rs/zerolog"
)

var logger atomic.Pointer[zerolog.Logger]

func init() {
	nop := zerolog.Nop()
	logger.Store(&nop)
}

// SetLogger installs the structured logger used by Load and Chat. The
// default discards everything.
func SetLogger(l zerolog.Logger) { logger.Store(&l) }

func log() zerolog.Logger { return *logger.Load() }
