package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Verbosity is the recognised logVerbosity setting. Below-threshold log
// calls become no-ops once installed into a zap.AtomicLevel.
type Verbosity int

const (
	Quiet Verbosity = iota
	VError
	VWarning
	VInfo
	VDebug
)

// Level converts a Verbosity into the zapcore.Level it gates at. Quiet maps
// to a level above Fatal so nothing short of a manual logger.Fatal call ever
// emits.
func (v Verbosity) Level() zapcore.Level {
	switch v {
	case VError:
		return zapcore.ErrorLevel
	case VWarning:
		return zapcore.WarnLevel
	case VInfo:
		return zapcore.InfoLevel
	case VDebug:
		return zapcore.DebugLevel
	default:
		return zapcore.Level(zapcore.FatalLevel + 1)
	}
}

// NewAtomicLevel builds a zap.AtomicLevel pinned at v's threshold, suitable
// for zap.Config.Level so verbosity can be adjusted at runtime via
// AtomicLevel.SetLevel.
func NewAtomicLevel(v Verbosity) zap.AtomicLevel {
	return zap.NewAtomicLevelAt(v.Level())
}

// zapLevelSetter is a fixed-threshold zapcore.LevelEnabler.
type zapLevelSetter struct{ level zapcore.Level }

// Enabled implements zapcore.LevelEnabler.
func (z zapLevelSetter) Enabled(l zapcore.Level) bool { return l >= z.level }
