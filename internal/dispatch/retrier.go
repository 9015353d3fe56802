// Package dispatch wraps a single call to a content-bound automation surface
// with bounded retry-on-recoverable-disconnect semantics. The target surface
// is initialized asynchronously by another process, so a send can race the
// in-page agent's startup; disconnects of that kind are retried after a
// readiness wait, everything else fails fast.
package dispatch

import (
	"context"
	"log/slog"
	"time"

	"tabpilot/internal/domain"
	"tabpilot/internal/metrics"
	"tabpilot/internal/readiness"
)

const (
	DefaultMaxAttempts = 10
	DefaultRetryDelay  = 120 * time.Millisecond
)

// Options tunes one Dispatch call.
type Options struct {
	Tool        string // tool name stamped on the result (defaults to action)
	MaxAttempts int
	RetryDelay  time.Duration // base delay, grows linearly per attempt

	// OpenedViaDirectAddress marks a target that was just created through a
	// deep link; its agent is certainly still loading, so a readiness wait
	// runs once before the first send.
	OpenedViaDirectAddress bool
	ExpectedIdentity       string
}

// Dispatcher sends actions to automation surfaces with bounded retries.
type Dispatcher struct {
	transport domain.SurfaceTransport
	poller    *readiness.Poller
	logger    *slog.Logger
}

// Config configures a Dispatcher.
type Config struct {
	Transport domain.SurfaceTransport
	Poller    *readiness.Poller
	Logger    *slog.Logger
}

func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		transport: cfg.Transport,
		poller:    cfg.Poller,
		logger:    cfg.Logger,
	}
}

// Dispatch sends action/args to the target surface. Recoverable channel
// failures trigger a readiness wait and a retry with a growing delay, up to
// MaxAttempts; any other failure returns immediately. The returned ToolResult
// is terminal either way — Dispatch never returns an error.
func (d *Dispatcher) Dispatch(ctx context.Context, targetID, action string, args map[string]any, opts Options) domain.ToolResult {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	tool := opts.Tool
	if tool == "" {
		tool = action
	}

	start := time.Now()
	defer func() {
		metrics.DispatchLatency.Observe(time.Since(start).Seconds())
	}()

	if opts.OpenedViaDirectAddress {
		d.waitReady(ctx, targetID, opts)
	}

	var lastErr error
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return failure(tool, err)
		}

		metrics.DispatchAttempts.Inc()
		result, err := d.transport.Send(ctx, targetID, action, args)
		if err == nil {
			d.logger.Info("dispatch succeeded",
				"target", targetID, "action", action, "attempt", attempt)
			return domain.ToolResult{Tool: tool, OK: true, Result: result}
		}

		err = domain.ClassifyChannelError(targetID, err)
		lastErr = err
		if !domain.IsRecoverable(err) {
			d.logger.Warn("dispatch failed, not retryable",
				"target", targetID, "action", action, "attempt", attempt, "error", err)
			return failure(tool, err)
		}
		if attempt == opts.MaxAttempts {
			break
		}

		metrics.DispatchRetries.Inc()
		d.logger.Warn("dispatch hit recoverable channel error, retrying",
			"target", targetID, "action", action, "attempt", attempt, "error", err)

		select {
		case <-ctx.Done():
			return failure(tool, ctx.Err())
		case <-time.After(opts.RetryDelay * time.Duration(attempt)):
		}
		d.waitReady(ctx, targetID, opts)
	}

	d.logger.Error("dispatch exhausted attempts",
		"target", targetID, "action", action, "attempts", opts.MaxAttempts, "error", lastErr)
	return failure(tool, lastErr)
}

// waitReady runs one bounded readiness wait against the target.
func (d *Dispatcher) waitReady(ctx context.Context, targetID string, opts Options) {
	if d.poller == nil {
		return
	}
	probe := func(ctx context.Context) (domain.ReadinessState, error) {
		return d.transport.Probe(ctx, targetID)
	}
	d.poller.WaitUntilReady(ctx, targetID, probe, readiness.Options{
		ExpectedIdentity: opts.ExpectedIdentity,
	})
}

func failure(tool string, err error) domain.ToolResult {
	msg := "dispatch failed"
	if err != nil {
		msg = err.Error()
	}
	return domain.ToolResult{Tool: tool, OK: false, Error: msg}
}
