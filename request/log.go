package request

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Level is the severity of a request log entry.
type Level int

const (
	LevelDebug    Level = 10
	LevelInfo     Level = 20
	LevelWarning  Level = 30
	LevelError    Level = 40
	LevelCritical Level = 50
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarning:
		return "warning"
	case LevelError:
		return "error"
	case LevelCritical:
		return "critical"
	}
	return "unknown"
}

// LogEntry is an immutable, append-only diagnostic record tied to a request.
type LogEntry struct {
	ID        int64     `json:"id"`
	RequestID string    `json:"request"`
	UserID    string    `json:"user"`
	Level     Level     `json:"level"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

// LogSink appends request-scoped log entries. Handlers take a LogSink
// dependency instead of a general-purpose logging object.
type LogSink interface {
	Append(ctx context.Context, requestID, userID string, level Level, message string) error
}

// Logger binds a LogSink to one request and mirrors entries to the process
// log for operators.
type Logger struct {
	sink      LogSink
	requestID string
	userID    string
	plog      *logrus.Entry
}

func NewLogger(sink LogSink, r *Request) *Logger {
	return &Logger{
		sink:      sink,
		requestID: r.ID,
		userID:    r.UserID,
		plog: logrus.WithFields(logrus.Fields{
			"request": r.ID,
			"kind":    r.Kind,
		}),
	}
}

func (l *Logger) log(level Level, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)

	switch level {
	case LevelDebug:
		l.plog.Debug(msg)
	case LevelInfo:
		l.plog.Info(msg)
	case LevelWarning:
		l.plog.Warn(msg)
	default:
		l.plog.Error(msg)
	}

	if l.sink != nil {
		if err := l.sink.Append(context.Background(), l.requestID, l.userID, level, msg); err != nil {
			l.plog.WithError(err).Warn("failed to persist request log entry")
		}
	}
}

func (l *Logger) Debug(format string, args ...interface{}) { l.log(LevelDebug, format, args...) }
func (l *Logger) Info(format string, args ...interface{})  { l.log(LevelInfo, format, args...) }
func (l *Logger) Warning(format string, args ...interface{}) {
	l.log(LevelWarning, format, args...)
}
func (l *Logger) Error(format string, args ...interface{}) { l.log(LevelError, format, args...) }
func (l *Logger) Critical(format string, args ...interface{}) {
	l.log(LevelCritical, format, args...)
}
