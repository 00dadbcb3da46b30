package cocol

import (
	"log/slog"
	"os"
	"sync"

	"github.com/joeycumines/logiface"
	logifaceslog "github.com/joeycumines/logiface-slog"
)

// Event is the concrete logiface event type this package logs with - the
// slog-backed adapter, following the teacher's own
// "logiface.New[*Event](adapter.NewLogger(handler))" construction shape.
type Event = logifaceslog.Event

// Logger is the structured logger type used throughout this package for
// channel and broadcast tracing.
type Logger = *logiface.Logger[*Event]

// globalLogger is the package-level, swappable logger, mirroring the
// teacher's eventloop/logging.go SetStructuredLogger/getGlobalLogger shape,
// backed here by logiface rather than the teacher's hand-rolled Logger
// interface (see DESIGN.md's logging.go entry for the rationale).
var globalLogger struct {
	sync.RWMutex
	logger Logger
}

func init() {
	SetLogger(defaultLogger())
}

// defaultLogger is the logger installed at package init, before any caller
// has had a chance to call SetLogger. Per the teacher's
// eventloop/logging.go getGlobalLogger convention, the default is a no-op,
// not a real handler - callers opt into output explicitly via SetLogger.
func defaultLogger() Logger {
	return logiface.New[*Event](
		logifaceslog.NewLogger(slog.NewTextHandler(os.Stderr, nil)),
		logiface.WithLevel[*Event](logiface.LevelDisabled),
	)
}

// SetLogger installs the package-level structured logger used for channel
// and broadcast tracing. Passing nil restores a logger
// disabled at LevelDisabled (no-op, zero overhead on the hot path).
func SetLogger(l Logger) {
	globalLogger.Lock()
	defer globalLogger.Unlock()
	if l == nil {
		l = defaultLogger()
	}
	globalLogger.logger = l
}

func getLogger() Logger {
	globalLogger.RLock()
	defer globalLogger.RUnlock()
	return globalLogger.logger
}
