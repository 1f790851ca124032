// Package activitylog writes an append-only JSONL record of what the
// server did on behalf of each session: permission requests and decisions,
// status changes and query lifecycle.
package activitylog

import (
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger appends activity entries to a file. A disabled Logger is a no-op
// and all methods are safe on it.
type Logger struct {
	log  *zap.Logger
	file *os.File
}

// New opens (or creates) the log at path. If enabled is false, or the file
// cannot be opened, the returned Logger discards everything.
func New(enabled bool, path, actor string) *Logger {
	if !enabled || path == "" {
		return Nop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		zap.L().Warn("activity log disabled", zap.String("path", path), zap.Error(err))
		return Nop()
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		zap.L().Warn("activity log disabled", zap.String("path", path), zap.Error(err))
		return Nop()
	}

	enc := zapcore.NewJSONEncoder(zapcore.EncoderConfig{
		TimeKey:        "ts",
		MessageKey:     "event",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeTime:     zapcore.RFC3339NanoTimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
	})
	core := zapcore.NewCore(enc, zapcore.AddSync(f), zapcore.DebugLevel)
	l := zap.New(core)
	if actor != "" {
		l = l.With(zap.String("actor", actor))
	}
	return &Logger{log: l, file: f}
}

// Nop returns a Logger that discards everything.
func Nop() *Logger {
	return &Logger{log: zap.NewNop()}
}

// Enabled reports whether entries are written anywhere.
func (l *Logger) Enabled() bool { return l != nil && l.file != nil }

// PermissionRequested records a tool permission prompt sent to clients.
func (l *Logger) PermissionRequested(sessionID, requestID, toolName string) {
	l.write("permission_request", str("session_id", sessionID), str("request_id", requestID), str("tool_name", toolName))
}

// PermissionDecision records how a permission request was resolved.
func (l *Logger) PermissionDecision(sessionID, requestID, toolName, decision, reason string) {
	l.write("permission_decision",
		str("session_id", sessionID),
		str("request_id", requestID),
		str("tool_name", toolName),
		str("decision", decision),
		str("reason", reason))
}

// StateChange records a session status transition.
func (l *Logger) StateChange(sessionID, from, to string) {
	l.write("state_change", str("session_id", sessionID), str("from", from), str("to", to))
}

// QueryStarted records the start of an agent query.
func (l *Logger) QueryStarted(sessionID, model string) {
	l.write("query_started", str("session_id", sessionID), str("model", model))
}

// QueryFinished records the end of an agent query. outcome is one of
// "complete", "interrupted" or "error".
func (l *Logger) QueryFinished(sessionID, outcome string, elapsed time.Duration, errMsg string) {
	l.write("query_finished",
		str("session_id", sessionID),
		str("outcome", outcome),
		zap.Duration("duration_ms", elapsed),
		str("error", errMsg))
}

// SessionEvent records a session-level operation such as create or delete.
func (l *Logger) SessionEvent(sessionID, event string) {
	l.write("session", str("session_id", sessionID), str("op", event))
}

// Close flushes and closes the file.
func (l *Logger) Close() error {
	if !l.Enabled() {
		return nil
	}
	_ = l.log.Sync()
	return l.file.Close()
}

func (l *Logger) write(event string, fields ...zap.Field) {
	if l == nil || l.log == nil {
		return
	}
	l.log.Info(event, fields...)
}

// str omits the field entirely when v is empty.
func str(k, v string) zap.Field {
	if v == "" {
		return zap.Skip()
	}
	return zap.String(k, v)
}
