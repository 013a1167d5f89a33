package log

// NopLogger discards every event. It is the default sink for components
// constructed without an explicit logger injection.
type NopLogger struct{}

// NewNopLogger returns the shared no-op logger.
func NewNopLogger() *NopLogger {
	return _nopLogger
}

var _nopLogger = &NopLogger{}

func (n *NopLogger) Trace() *LogEvent { return nil }
func (n *NopLogger) Debug() *LogEvent { return nil }
func (n *NopLogger) Info() *LogEvent  { return nil }
func (n *NopLogger) Warn() *LogEvent  { return nil }
func (n *NopLogger) Error() *LogEvent { return nil }
func (n *NopLogger) Fatal() *LogEvent { return nil }

// AddAppender is a no-op.
func (n *NopLogger) AddAppender(LogAppender) {}

// GetAppender returns nil.
func (n *NopLogger) GetAppender() []LogAppender { return nil }

// OnEventEnd is a no-op; NopLogger never produces events.
func (n *NopLogger) OnEventEnd(*LogEvent) {}
