package lxdops

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/canonical/lxdops/pkg/lxdops/core"
)

// loggerAdapter lets the sub-packages log through zerolog without importing it
type loggerAdapter struct {
	logger *zerolog.Logger
}

// NewLoggerAdapter wraps a zerolog logger as a core.Logger
func NewLoggerAdapter(logger *zerolog.Logger) core.Logger {
	return &loggerAdapter{logger: logger}
}

type logEventAdapter struct {
	event *zerolog.Event
}

func (l *loggerAdapter) Info() core.LogEvent {
	return &logEventAdapter{event: l.logger.Info()}
}

func (l *loggerAdapter) Debug() core.LogEvent {
	return &logEventAdapter{event: l.logger.Debug()}
}

func (l *loggerAdapter) Warn() core.LogEvent {
	return &logEventAdapter{event: l.logger.Warn()}
}

func (l *loggerAdapter) Error() core.LogEvent {
	return &logEventAdapter{event: l.logger.Error()}
}

func (l *loggerAdapter) Trace() core.LogEvent {
	return &logEventAdapter{event: l.logger.Trace()}
}

// A disabled level yields a nil *zerolog.Event, whose methods are no-ops.

func (e *logEventAdapter) Str(key, val string) core.LogEvent {
	e.event = e.event.Str(key, val)
	return e
}

func (e *logEventAdapter) Int(key string, val int) core.LogEvent {
	e.event = e.event.Int(key, val)
	return e
}

func (e *logEventAdapter) Err(err error) core.LogEvent {
	e.event = e.event.Err(err)
	return e
}

func (e *logEventAdapter) Float64(key string, val float64) core.LogEvent {
	e.event = e.event.Float64(key, val)
	return e
}

func (e *logEventAdapter) Bool(key string, val bool) core.LogEvent {
	e.event = e.event.Bool(key, val)
	return e
}

func (e *logEventAdapter) Dur(key string, val interface{}) core.LogEvent {
	if d, ok := val.(time.Duration); ok {
		e.event = e.event.Dur(key, d)
		return e
	}
	e.event = e.event.Interface(key, val)
	return e
}

func (e *logEventAdapter) Interface(key string, val interface{}) core.LogEvent {
	e.event = e.event.Interface(key, val)
	return e
}

func (e *logEventAdapter) Msg(msg string) {
	e.event.Msg(msg)
}
