package telemetry

import "go.uber.org/zap"

// ZapLogger adapts a *zap.SugaredLogger to Logger and StructuredLogger.
type ZapLogger struct {
	sugar *zap.SugaredLogger
}

var (
	_ Logger           = (*ZapLogger)(nil)
	_ StructuredLogger = (*ZapLogger)(nil)
)

// NewZapLogger wraps base, defaulting to zap.NewNop() when base is nil so
// callers can always construct one even before a production logger exists.
func NewZapLogger(base *zap.Logger) *ZapLogger {
	if base == nil {
		base = zap.NewNop()
	}
	return &ZapLogger{sugar: base.Sugar()}
}

// Debugf logs an unstructured debug message.
func (z *ZapLogger) Debugf(format string, args ...any) {
	z.sugar.Debugf(format, args...)
}

// Debugw logs a structured debug message with alternating key/value pairs.
func (z *ZapLogger) Debugw(msg string, keyvals ...any) {
	z.sugar.Debugw(msg, keyvals...)
}

// Sync flushes any buffered log entries, mirroring zap.Logger.Sync.
func (z *ZapLogger) Sync() error {
	return z.sugar.Sync()
}
