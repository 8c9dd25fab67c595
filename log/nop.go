package log

import "context"

// NopLogger discards every log entry. It is the default wherever no logger
// was provided.
type NopLogger struct{}

// Compile-time assertion: *NopLogger implements Logger.
var _ Logger = (*NopLogger)(nil)

func (l *NopLogger) Log(context.Context, Level, string, ...Field) {}

//nolint:ireturn
func (l *NopLogger) With(...Field) Logger { return l }

func (l *NopLogger) Enabled(Level) bool { return false }

func (l *NopLogger) Sync(context.Context) error { return nil }
