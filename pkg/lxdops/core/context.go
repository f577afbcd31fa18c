package core

// Logger interface defines logging capabilities
type Logger interface {
	Info() LogEvent
	Debug() LogEvent
	Warn() LogEvent
	Error() LogEvent
	Trace() LogEvent
}

// LogEvent interface for structured logging
type LogEvent interface {
	Str(key, val string) LogEvent
	Int(key string, val int) LogEvent
	Err(err error) LogEvent
	Float64(key string, val float64) LogEvent
	Bool(key string, val bool) LogEvent
	Dur(key string, val interface{}) LogEvent
	Interface(key string, val interface{}) LogEvent
	Msg(msg string)
}

// NopLogger discards everything. Handy default for components built
// without a logger.
type NopLogger struct{}

func (NopLogger) Info() LogEvent  { return nopEvent{} }
func (NopLogger) Debug() LogEvent { return nopEvent{} }
func (NopLogger) Warn() LogEvent  { return nopEvent{} }
func (NopLogger) Error() LogEvent { return nopEvent{} }
func (NopLogger) Trace() LogEvent { return nopEvent{} }

type nopEvent struct{}

func (e nopEvent) Str(key, val string) LogEvent                   { return e }
func (e nopEvent) Int(key string, val int) LogEvent               { return e }
func (e nopEvent) Err(err error) LogEvent                         { return e }
func (e nopEvent) Float64(key string, val float64) LogEvent       { return e }
func (e nopEvent) Bool(key string, val bool) LogEvent             { return e }
func (e nopEvent) Dur(key string, val interface{}) LogEvent       { return e }
func (e nopEvent) Interface(key string, val interface{}) LogEvent { return e }
func (e nopEvent) Msg(msg string)                                 {}
