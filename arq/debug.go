package arq

import (
	"log/slog"

	"github.com/mercuryproto/mercury/internal/logx"
)

type logger struct {
	log *slog.Logger
}

// SetLogger sets the engine's logger. A nil logger disables all output.
func (l *logger) SetLogger(log *slog.Logger) { l.log = log }

func (l *logger) logenabled(lvl slog.Level) bool {
	return logx.Enabled(l.log, lvl)
}

func (l *logger) logattrs(lvl slog.Level, msg string, attrs ...slog.Attr) {
	logx.LogAttrs(l.log, lvl, msg, attrs...)
}

func (l *logger) debug(msg string, attrs ...slog.Attr) {
	l.logattrs(slog.LevelDebug, msg, attrs...)
}

func (l *logger) trace(msg string, attrs ...slog.Attr) {
	l.logattrs(logx.LevelTrace, msg, attrs...)
}

func (l *logger) logerr(msg string, attrs ...slog.Attr) {
	l.logattrs(slog.LevelError, msg, attrs...)
}

func (e *Engine) traceSnd(msg string) {
	e.trace(msg,
		logx.Uint32("snd.una", e.sndUna),
		logx.Uint32("snd.nxt", e.sndNxt),
		slog.Int("inflight", len(e.sndBuf)),
		slog.Int("queued", len(e.sndQueue)),
	)
}

func (e *Engine) traceRcv(msg string) {
	e.trace(msg,
		logx.Uint32("rcv.nxt", e.rcvNxt),
		slog.Int("staged", len(e.rcvBuf)),
		slog.Int("ready", len(e.rcvQueue)),
	)
}

func (e *Engine) traceSeg(msg string, seg *segment) {
	if e.logenabled(logx.LevelTrace) {
		e.trace(msg,
			slog.String("cmd", seg.cmd.String()),
			logx.Uint32("sn", seg.sn),
			logx.Uint32("ts", seg.ts),
			logx.Uint32("una", seg.una),
			slog.Int("len", len(seg.data)),
			logx.Uint32("xmit", seg.xmit),
		)
	}
}
