// Package readiness polls an automation surface until it reports it is
// addressable. The surface is initialized by a separate process and there is
// no reliable "ready" event, so polling with a bounded attempt budget is the
// only option.
package readiness

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"tabpilot/internal/domain"
)

const (
	DefaultAttempts = 10
	DefaultDelay    = 200 * time.Millisecond

	// resyncEvery forces a full snapshot refresh every N attempts to
	// recover from missed update events.
	resyncEvery = 5
)

// Probe is a lightweight "are you there and showing what I expect" check.
type Probe func(ctx context.Context) (domain.ReadinessState, error)

// Options tunes a single wait.
type Options struct {
	Attempts         int
	Delay            time.Duration
	ExpectedIdentity string // when set, ready also requires an identity match
}

// Poller waits for automation surfaces to become addressable.
type Poller struct {
	snapshots domain.SnapshotSource
	logger    *slog.Logger
}

// Config configures a Poller. Snapshots may be nil in tests.
type Config struct {
	Snapshots domain.SnapshotSource
	Logger    *slog.Logger
}

func NewPoller(cfg Config) *Poller {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Poller{snapshots: cfg.Snapshots, logger: cfg.Logger}
}

// WaitUntilReady invokes probe until it reports ready (and the observed
// identity matches, when expected) or attempts run out. It returns the last
// observed state either way; "not ready" is the caller's decision to escalate,
// not an error here. Context cancellation stops the wait early.
func (p *Poller) WaitUntilReady(ctx context.Context, targetID string, probe Probe, opts Options) domain.ReadinessState {
	if opts.Attempts <= 0 {
		opts.Attempts = DefaultAttempts
	}
	if opts.Delay <= 0 {
		opts.Delay = DefaultDelay
	}

	var last domain.ReadinessState
	for attempt := 1; attempt <= opts.Attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				last.LastError = ctx.Err().Error()
				return last
			case <-time.After(opts.Delay):
			}
		}

		state, err := probe(ctx)
		state.Attempt = attempt
		if err != nil {
			state.Ready = false
			state.LastError = err.Error()
		}
		last = state

		if state.Ready && identityMatches(state.ObservedIdentity, opts.ExpectedIdentity) {
			p.logger.Debug("surface ready", "target", targetID, "attempt", attempt)
			return last
		}

		// Recover from missed update events with a periodic full resync.
		if attempt%resyncEvery == 0 && p.snapshots != nil {
			if _, err := p.snapshots.RequestSnapshot(ctx); err != nil {
				p.logger.Debug("snapshot resync failed during readiness wait",
					"target", targetID, "attempt", attempt, "error", err)
			}
		}
	}

	p.logger.Warn("readiness attempts exhausted",
		"target", targetID, "attempts", opts.Attempts, "last_error", last.LastError)
	return last
}

// identityMatches accepts an exact match or a suffix match in either
// direction, tolerating partial identifiers such as a phone number stored
// with and without its country prefix.
func identityMatches(observed, expected string) bool {
	if expected == "" {
		return true
	}
	if observed == "" {
		return false
	}
	observed = digitsOrLower(observed)
	expected = digitsOrLower(expected)
	return observed == expected ||
		strings.HasSuffix(observed, expected) ||
		strings.HasSuffix(expected, observed)
}

// digitsOrLower reduces phone-shaped identities to digits and leaves the rest
// lowercased, so "+34 600-111-222" and "34600111222" compare equal.
func digitsOrLower(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if digits != "" && len(digits) >= len(s)/2 {
		return digits
	}
	return strings.ToLower(s)
}
