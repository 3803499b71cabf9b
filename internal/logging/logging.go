// Package logging provides the process-wide structured logger. It backs
// the Logf func(format string, v ...interface{}) callback shape used
// throughout the server (smtpserver.Server.Logf, pop.Server.Logf,
// imapserver sessions, the storage engine, the inbound pipeline) with
// zap, so the many existing call sites need no change beyond picking up
// a real default instead of log.Printf.
package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps a *zap.SugaredLogger behind the Where/What/Data shape
// the db.Log type builds by hand, so callers that already assemble a
// db.Log-style line get structured fields instead of a flattened
// string.
type Logger struct {
	sugar *zap.SugaredLogger
}

// Config controls output format and level. Level is one of "debug",
// "info", "warn", "error"; unrecognized values fall back to "info".
type Config struct {
	Level      string
	Production bool // JSON encoding; false uses a human-readable console encoding
}

// New builds a Logger writing to stderr per cfg.
func New(cfg Config) (*Logger, error) {
	level := zapcore.InfoLevel
	if err := level.Set(strings.ToLower(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var encoder zapcore.Encoder
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "when"
	encCfg.MessageKey = "what"
	encCfg.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	if cfg.Production {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level)
	return &Logger{sugar: zap.New(core).Sugar()}, nil
}

// Noop returns a Logger that discards everything, for tests.
func Noop() *Logger {
	return &Logger{sugar: zap.NewNop().Sugar()}
}

// Logf matches the Logf func(format string, v ...interface{}) signature
// expected by smtpserver.Server, pop.Server, imapserver sessions, and
// storage/engine.Engine. Wire it in directly:
//
//	server.Logf = logger.Logf
func (l *Logger) Logf(format string, v ...interface{}) {
	l.sugar.Infof(format, v...)
}

// Where returns a child Logger whose entries carry a "where" field,
// mirroring db.Log.Where without requiring callers to hand-build the
// JSON line themselves.
func (l *Logger) Where(where string) *Logger {
	return &Logger{sugar: l.sugar.With("where", where)}
}

// With returns a child Logger with additional structured key/value
// pairs attached to every subsequent entry, mirroring db.Log.Data.
func (l *Logger) With(kv ...interface{}) *Logger {
	return &Logger{sugar: l.sugar.With(kv...)}
}

// Error logs at error level, recording err as a field rather than
// interpolating it into the message (mirrors db.Log.Err).
func (l *Logger) Error(what string, err error, kv ...interface{}) {
	args := append([]interface{}{"err", err}, kv...)
	l.sugar.Errorw(what, args...)
}

// Info logs at info level with structured fields.
func (l *Logger) Info(what string, kv ...interface{}) {
	l.sugar.Infow(what, kv...)
}

// Warn logs at warn level with structured fields.
func (l *Logger) Warn(what string, kv ...interface{}) {
	l.sugar.Warnw(what, kv...)
}

// Sync flushes any buffered log entries; call before process exit.
func (l *Logger) Sync() error {
	return l.sugar.Sync()
}

// Printf adapts Logger to anything expecting a log.Printf-shaped func
// without the structured Logf name (e.g. a third-party library option).
func (l *Logger) Printf(format string, v ...interface{}) {
	l.sugar.Infof(strings.TrimSuffix(format, "\n"), v...)
}
