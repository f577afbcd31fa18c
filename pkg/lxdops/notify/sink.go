// Package notify turns operation outcomes into user facing notifications
// and cache invalidations.
package notify

import (
	"strings"

	"github.com/canonical/lxdops/pkg/lxdops/core"
)

// Sink receives user facing notifications
type Sink interface {
	Success(message string)
	Failure(title string, err error, context ...string)
	Info(message string)
}

// LogSink writes notifications through a logger
type LogSink struct {
	Logger core.Logger
}

func (s LogSink) Success(message string) {
	s.Logger.Info().Str("kind", "success").Msg(message)
}

func (s LogSink) Failure(title string, err error, context ...string) {
	ev := s.Logger.Error().Str("kind", "failure")
	if err != nil {
		ev = ev.Err(err)
	}
	if len(context) > 0 {
		ev = ev.Str("context", strings.Join(context, ", "))
	}
	ev.Msg(title)
}

func (s LogSink) Info(message string) {
	s.Logger.Info().Str("kind", "info").Msg(message)
}

// Invalidator marks cached views stale after an operation settled
type Invalidator interface {
	Invalidate(keys ...string)
}

// InvalidatorFunc adapts a function to Invalidator
type InvalidatorFunc func(keys ...string)

// Invalidate calls f
func (f InvalidatorFunc) Invalidate(keys ...string) {
	f(keys...)
}

// Releaser clears a resource from the in-flight set
type Releaser interface {
	Remove(name string)
}
