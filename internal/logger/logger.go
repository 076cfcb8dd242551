// Package logger wraps a sugared zap logger with key/value helpers and
// redaction of credentials and patient contact details.
package logger

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// MissingValue pairs a trailing key that was logged without a value.
const MissingValue = "(MISSING)"

// Logger is a sugared zap logger taking alternating key/value pairs.
type Logger struct {
	SugaredLogger *zap.SugaredLogger
	redact        bool
}

// Option configures New.
type Option func(*Logger)

// WithRedaction turns redaction of credentials and phone numbers on or off.
// It is on by default.
func WithRedaction(enabled bool) Option {
	return func(l *Logger) { l.redact = enabled }
}

// New builds a logger. mode is "production" (JSON) or anything else for the
// development console encoder; level is a zap level name and defaults to info.
func New(mode, level string, opts ...Option) (*Logger, error) {
	var cfg zap.Config
	switch strings.ToLower(mode) {
	case "prod", "production":
		cfg = zap.NewProductionConfig()
	default:
		cfg = zap.NewDevelopmentConfig()
	}
	lvl := zapcore.InfoLevel
	if level != "" {
		if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	zapLogger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	l := &Logger{SugaredLogger: zapLogger.Sugar(), redact: true}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	return &Logger{SugaredLogger: zap.NewNop().Sugar()}
}

// FromZap wraps an existing zap logger, e.g. one built by zaptest.
func FromZap(z *zap.Logger, opts ...Option) *Logger {
	l := &Logger{SugaredLogger: z.Sugar(), redact: true}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Sync flushes buffered entries. Errors from syncing a terminal are ignored.
func (l *Logger) Sync() {
	_ = l.SugaredLogger.Sync()
}

// Debug logs msg with key/value context at debug level.
func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.SugaredLogger.Debugw(msg, l.sanitize(keysAndValues)...)
}

// Info logs at info level.
func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.SugaredLogger.Infow(msg, l.sanitize(keysAndValues)...)
}

// Warn logs at warn level.
func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.SugaredLogger.Warnw(msg, l.sanitize(keysAndValues)...)
}

// Error logs at error level.
func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.SugaredLogger.Errorw(msg, l.sanitize(keysAndValues)...)
}

// Fatal logs at fatal level and exits the process.
func (l *Logger) Fatal(msg string, keysAndValues ...interface{}) {
	l.SugaredLogger.Fatalw(msg, l.sanitize(keysAndValues)...)
}

// With returns a child logger that adds keysAndValues to every entry.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{SugaredLogger: l.SugaredLogger.With(l.sanitize(keysAndValues)...), redact: l.redact}
}

// sanitize pairs a dangling key with MissingValue and, when redaction is on,
// hides secret values and masks phone numbers.
func (l *Logger) sanitize(kv []interface{}) []interface{} {
	if len(kv) == 0 {
		return kv
	}
	if len(kv)%2 == 1 {
		kv = append(kv[:len(kv):len(kv)], MissingValue)
	}
	if !l.redact {
		return kv
	}
	out := make([]interface{}, 0, len(kv))
	for i := 0; i < len(kv); i += 2 {
		key := fmt.Sprint(kv[i])
		out = append(out, key, sanitizeValue(strings.ToLower(key), kv[i+1]))
	}
	return out
}

func sanitizeValue(key string, val interface{}) interface{} {
	switch {
	case isRedactKey(key):
		return "[REDACTED]"
	case isMaskKey(key):
		return MaskPhone(fmt.Sprint(val))
	default:
		return val
	}
}

func isRedactKey(key string) bool {
	for _, s := range []string{"token", "password", "secret", "api_key", "apikey", "authorization"} {
		if strings.Contains(key, s) {
			return true
		}
	}
	return false
}

func isMaskKey(key string) bool {
	return strings.Contains(key, "phone") || key == "to" || key == "from" || key == "recipient"
}

// MaskPhone keeps the last four characters of a phone number or JID.
func MaskPhone(s string) string {
	s = strings.TrimSpace(s)
	if at := strings.IndexByte(s, '@'); at >= 0 {
		s = s[:at]
	}
	if len(s) <= 4 {
		return strings.Repeat("*", len(s))
	}
	return strings.Repeat("*", len(s)-4) + s[len(s)-4:]
}
