// Package logx holds the logging helpers shared by the protocol packages.
// Loggers are optional everywhere; a nil *slog.Logger disables output without
// any call-site branching.
package logx

import (
	"context"
	"log/slog"
)

// LevelTrace sits below slog.LevelDebug and is used for per-segment events
// which are far too chatty for regular debugging sessions.
const LevelTrace slog.Level = slog.LevelDebug - 2

// Enabled reports whether l would emit a record at lvl. Nil loggers are
// never enabled.
func Enabled(l *slog.Logger, lvl slog.Level) bool {
	return l != nil && l.Handler().Enabled(context.Background(), lvl)
}

// LogAttrs logs msg with attrs at level if l is non-nil.
func LogAttrs(l *slog.Logger, level slog.Level, msg string, attrs ...slog.Attr) {
	if l != nil {
		l.LogAttrs(context.Background(), level, msg, attrs...)
	}
}

// Uint32 is shorthand for a uint32 attribute. Sequence numbers and
// millisecond timestamps are uint32 throughout the protocol.
func Uint32(key string, v uint32) slog.Attr {
	return slog.Uint64(key, uint64(v))
}
