package bulk

import (
	"time"

	"github.com/canonical/lxdops/pkg/lxdops/core"
)

// Reporter observes a bulk run. OnStart and OnComplete are called from the
// item goroutines and must be safe for concurrent use.
type Reporter interface {
	OnStart(item Item)
	OnComplete(result Result, duration time.Duration)
	OnFinish(total int, successCount int, duration time.Duration)
}

// NopReporter ignores everything
type NopReporter struct{}

func (NopReporter) OnStart(Item)                    {}
func (NopReporter) OnComplete(Result, time.Duration) {}
func (NopReporter) OnFinish(int, int, time.Duration) {}

// LogReporter writes progress to a logger
type LogReporter struct {
	Logger core.Logger
}

// OnStart logs the item being started
func (r LogReporter) OnStart(item Item) {
	r.Logger.Debug().
		Str("name", item.Name).
		Str("type", item.Type).
		Msg("bulk item started")
}

// OnComplete logs the item outcome
func (r LogReporter) OnComplete(result Result, duration time.Duration) {
	if result.Success {
		r.Logger.Info().
			Str("name", result.Name).
			Str("type", result.Type).
			Dur("duration", duration).
			Msg("bulk item succeeded")
		return
	}
	r.Logger.Warn().
		Str("name", result.Name).
		Str("type", result.Type).
		Str("message", result.Message).
		Dur("duration", duration).
		Msg("bulk item failed")
}

// OnFinish logs the batch totals
func (r LogReporter) OnFinish(total int, successCount int, duration time.Duration) {
	r.Logger.Info().
		Int("total", total).
		Int("succeeded", successCount).
		Int("failed", total-successCount).
		Dur("duration", duration).
		Msg("bulk run finished")
}
