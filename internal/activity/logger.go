// Package activity provides the broker's leveled logging callback.
//
// The teacher codebase never reaches for a logging library: Runner and the
// heartbeat client each take an optional `func(level, msg string)` callback
// and fall back to stdout/stderr when none is wired. Every long-lived broker
// component (registry, dispatcher, session, ledger) follows the same shape so
// it can be embedded in a CLI, a test harness, or a future TUI without
// dragging a logging dependency through the core.
package activity

import (
	"fmt"
	"os"
	"time"
)

// Logger receives a level ("info", "success", "warning", "error") and a
// formatted message.
type Logger func(level, msg string)

// Standard returns a Logger that timestamps each message and writes info
// and success to stdout, warning and error to stderr — the same split
// Runner.log uses.
func Standard() Logger {
	return func(level, msg string) {
		ts := time.Now().Format("2006-01-02 15:04:05.000")
		line := fmt.Sprintf("[%s] %-7s %s", ts, level, msg)
		if level == "error" || level == "warning" {
			fmt.Fprintln(os.Stderr, line)
		} else {
			fmt.Fprintln(os.Stdout, line)
		}
	}
}

// Noop discards every message. Useful in tests that don't care about logs.
func Noop() Logger {
	return func(level, msg string) {}
}

// Logf is a convenience wrapper mirroring Runner.log's printf-style call
// sites throughout the core.
func Logf(l Logger, level, format string, args ...any) {
	if l == nil {
		return
	}
	l(level, fmt.Sprintf(format, args...))
}
