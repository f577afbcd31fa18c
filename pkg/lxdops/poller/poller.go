// Package poller waits on a single operation for a bounded time.
package poller

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/canonical/lxdops/pkg/lxdops/core"
)

// Getter is the slice of the transport client the poller needs
type Getter interface {
	Get(ctx context.Context, path string, query url.Values) (*core.Response, error)
}

// Poller issues "wait" requests against operation status URLs
type Poller struct {
	client Getter
	logger core.Logger
	bus    core.EventBus
}

// New creates a poller. bus may be nil.
func New(client Getter, logger core.Logger, bus core.EventBus) *Poller {
	if logger == nil {
		logger = core.NopLogger{}
	}
	return &Poller{client: client, logger: logger, bus: bus}
}

// WaitURL rewrites an operation status URL into its wait form, keeping any
// query string the server put on it:
//
//	/1.0/operations/abc?project=p  ->  /1.0/operations/abc/wait?timeout=60&project=p
//
// The server takes whole seconds, so a partial second rounds up.
func WaitURL(statusURL string, timeout time.Duration) string {
	base, query, hasQuery := strings.Cut(statusURL, "?")
	base = strings.TrimSuffix(base, "/")

	seconds := (timeout + time.Second - 1) / time.Second
	waitURL := base + "/wait?timeout=" + strconv.Itoa(int(seconds))
	if hasQuery && query != "" {
		waitURL += "&" + query
	}
	return waitURL
}

// Watch blocks for at most timeout (DefaultWaitTimeout when zero) on the
// operation behind statusURL. It resolves with the envelope only when the
// operation succeeded; a still running operation yields *core.WaitTimeoutError
// and any other status yields *core.OperationError. It never retries.
func (p *Poller) Watch(ctx context.Context, statusURL string, timeout time.Duration) (*core.Response, error) {
	if timeout <= 0 {
		timeout = core.DefaultWaitTimeout
	}

	waitURL := WaitURL(statusURL, timeout)
	p.logger.Debug().
		Str("url", waitURL).
		Dur("timeout", timeout).
		Msg("waiting for operation")

	resp, err := p.client.Get(ctx, waitURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to wait for operation: %w", err)
	}

	op, err := resp.AsOperation()
	if err != nil {
		return nil, err
	}

	switch op.Status {
	case core.StatusSuccess:
		return resp, nil
	case core.StatusRunning:
		p.logger.Info().
			Str("operation_id", string(op.ID)).
			Dur("timeout", timeout).
			Msg("operation still running after wait")
		if p.bus != nil {
			p.bus.PublishAsync(ctx, core.NewOperationWaitTimeoutEvent(op.ID, timeout))
		}
		return nil, &core.WaitTimeoutError{OperationID: op.ID, Timeout: timeout}
	default:
		return nil, &core.OperationError{OperationID: op.ID, Status: op.Status, Message: op.Err}
	}
}

// Status reads the operation behind statusURL once, without waiting
func (p *Poller) Status(ctx context.Context, statusURL string) (*core.Operation, error) {
	resp, err := p.client.Get(ctx, statusURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read operation: %w", err)
	}
	return resp.AsOperation()
}
