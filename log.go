package cproto

import "github.com/sirupsen/logrus"

// Level is a log severity, mirroring the small leveled interface the
// franz-go fragment calls through as cfg.logger.Log(level, msg, kv...).
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Logger is the pluggable logging seam. A Connection never depends on a
// concrete logging library directly; it only ever calls through this
// interface, the same shape franz-go's internal Logger takes.
type Logger interface {
	Log(level Level, msg string, keyvals ...any)
}

// noopLogger is the zero-value default: a Connection that never
// configures a logger pays nothing for it.
type noopLogger struct{}

func (noopLogger) Log(Level, string, ...any) {}

// logrusLogger adapts Logger onto github.com/sirupsen/logrus, the
// leveled logger used throughout the retrieval pack's manifests.
type logrusLogger struct {
	entry *logrus.Entry
}

// NewLogrusLogger wraps an existing *logrus.Logger as a Logger.
func NewLogrusLogger(l *logrus.Logger) Logger {
	if l == nil {
		l = logrus.New()
	}
	return &logrusLogger{entry: logrus.NewEntry(l)}
}

func (l *logrusLogger) Log(level Level, msg string, keyvals ...any) {
	fields := make(logrus.Fields, len(keyvals)/2)
	for i := 0; i+1 < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		fields[key] = keyvals[i+1]
	}
	entry := l.entry.WithFields(fields)
	switch level {
	case LevelDebug:
		entry.Debug(msg)
	case LevelInfo:
		entry.Info(msg)
	case LevelWarn:
		entry.Warn(msg)
	case LevelError:
		entry.Error(msg)
	default:
		entry.Info(msg)
	}
}
