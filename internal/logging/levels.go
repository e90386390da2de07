package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap/zapcore"
)

// TraceLevel sits one step below Debug. Readiness polling logs each
// attempt at this level so a long wait can be followed without raising
// the whole service to debug.
const TraceLevel = zapcore.Level(-2)

// LevelFromString parses an operator-supplied level name. Names are
// case-insensitive and may carry surrounding whitespace; "warning" is
// accepted for "warn". An empty name means info.
func LevelFromString(level string) (zapcore.Level, error) {
	name := strings.ToLower(strings.TrimSpace(level))
	switch name {
	case "":
		return zapcore.InfoLevel, nil
	case "trace":
		return TraceLevel, nil
	case "warning":
		return zapcore.WarnLevel, nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(name)); err != nil {
		return zapcore.InfoLevel, fmt.Errorf("unknown level %q (want trace, debug, info, warn, error)", level)
	}
	return l, nil
}

// LevelString is the inverse of LevelFromString.
func LevelString(l zapcore.Level) string {
	if l == TraceLevel {
		return "trace"
	}
	return l.String()
}
