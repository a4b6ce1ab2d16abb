// internal/logging/logger.go
// Package logging provides a thin global wrapper around zap.Logger so that
// every subsystem (token manager, REST gateway, account sockets, console
// connections, group/server managers) can log without threading a logger
// through every constructor by hand.
//
// The design is intentionally minimal: a single atomic pointer and helper
// accessors. Tests may swap the logger (e.g., zaptest.NewLogger) without data
// races. cmd/gsfleet-probe sets the logger once at start-up; the Supervisor
// and its components take a *zap.Logger directly and do not read it.
package logging

import (
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

var l atomic.Pointer[zap.Logger]

// Set installs the given zap.Logger as the global logger.
// Calling Set more than once overwrites the previous logger; this is useful in
// tests.  The function never panics on nil input – it silently downgrades to a
// zap.NewNop().
func Set(logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	l.Store(logger)
}

// Logger returns the globally registered *zap.Logger.  If none has been set it
// returns zap.NewNop() so that callers can safely continue.
func Logger() *zap.Logger {
	if logger := l.Load(); logger != nil {
		return logger
	}
	// fast path: install nop once to avoid repeated allocs
	nop := zap.NewNop()
	l.Store(nop)
	return nop
}

// Sugar is shorthand for Logger().Sugar().
func Sugar() *zap.SugaredLogger { return Logger().Sugar() }

// Initialised reports whether a non-nop logger has been set.
func Initialised() bool {
	logger := l.Load()
	return logger != nil && logger.Core() != zap.NewNop().Core()
}

// Named returns Logger() scoped with logPrefix, or Logger() unchanged when
// prefix is empty.
func Named(prefix string) *zap.Logger {
	if prefix == "" {
		return Logger()
	}
	return Logger().With(zap.String("prefix", prefix))
}
