package ffi

import (
	"bytes"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"bitnet/pkg/bitnet"
)

// LogLevel is the severity passed to a LogCallback.
type LogLevel uint8

const (
	LogTrace LogLevel = iota
	LogDebug
	LogInfo
	LogWarn
	LogError
)

// LogCallback receives one formatted log line.
type LogCallback func(level LogLevel, message string, userData any)

var (
	loggerOnce sync.Once
	minLevel   atomic.Uint32
)

// SetLogger forwards library logs at or above level to cb. Only the first
// call with a non-nil cb installs a callback; every call updates the minimum
// level. Call it before Load.
func SetLogger(cb LogCallback, userData any, level LogLevel) {
	minLevel.Store(uint32(min(level, LogError)))
	if cb == nil {
		return
	}
	loggerOnce.Do(func() {
		w := &callbackWriter{cb: cb, userData: userData}
		w.console = zerolog.ConsoleWriter{
			Out:          &w.buf,
			NoColor:      true,
			PartsExclude: []string{zerolog.TimestampFieldName, zerolog.LevelFieldName},
		}
		bitnet.SetLogger(zerolog.New(w).Level(zerolog.TraceLevel))
	})
}

func callbackLevel(l zerolog.Level) LogLevel {
	switch {
	case l <= zerolog.TraceLevel:
		return LogTrace
	case l == zerolog.DebugLevel:
		return LogDebug
	case l == zerolog.InfoLevel:
		return LogInfo
	case l == zerolog.WarnLevel:
		return LogWarn
	default:
		return LogError
	}
}

// callbackWriter renders zerolog events as "message key=value" text and
// hands them to the caller's callback.
type callbackWriter struct {
	mu       sync.Mutex
	buf      bytes.Buffer
	console  zerolog.ConsoleWriter
	cb       LogCallback
	userData any
}

func (w *callbackWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.NoLevel, p)
}

func (w *callbackWriter) WriteLevel(l zerolog.Level, p []byte) (int, error) {
	lvl := callbackLevel(l)
	if uint32(lvl) < minLevel.Load() {
		return len(p), nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Reset()
	if _, err := w.console.Write(p); err != nil {
		return 0, err
	}
	w.cb(lvl, strings.TrimSpace(w.buf.String()), w.userData)
	return len(p), nil
}
