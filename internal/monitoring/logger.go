package monitoring

import (
	"log"
	"sync/atomic"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

var debugEnabled atomic.Bool

// SetDebug toggles per-frame diagnostics emitted through Debugf.
func SetDebug(on bool) { debugEnabled.Store(on) }

// DebugEnabled reports whether Debugf output is active.
func DebugEnabled() bool { return debugEnabled.Load() }

// Debugf logs through Logf only when debug output is enabled. Use it on the
// per-frame path.
func Debugf(format string, v ...interface{}) {
	if debugEnabled.Load() {
		Logf(format, v...)
	}
}
