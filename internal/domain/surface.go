package domain

import (
	"context"
	"time"
)

// ReadinessState is a single observation of an automation surface, produced by
// a readiness probe and consumed once by the dispatcher. Never persisted.
type ReadinessState struct {
	Attempt          int
	Ready            bool
	ObservedIdentity string // e.g. the chat identifier the surface is showing
	LastError        string
}

// Target describes one addressable automation surface (a browser tab).
type Target struct {
	ID       string    `json:"id"`
	Kind     string    `json:"kind"` // "page" | "chat"
	URL      string    `json:"url"`
	Title    string    `json:"title"`
	Focused  bool      `json:"focused"`
	Identity string    `json:"identity,omitempty"` // chat identifier for chat targets
	OpenedAt time.Time `json:"opened_at"`
}

// Snapshot is the upstream view of all known targets at one instant.
type Snapshot struct {
	Targets []Target  `json:"targets"`
	TakenAt time.Time `json:"taken_at"`
}

// Focused returns the currently focused target, if any.
func (s Snapshot) Focused() (Target, bool) {
	for _, t := range s.Targets {
		if t.Focused {
			return t, true
		}
	}
	return Target{}, false
}

// SurfaceTransport is the message-passing boundary to a content-bound
// automation surface. Send performs one action round-trip; Probe is a
// lightweight "are you there and showing what I expect" read. Both may fail
// with channel errors while the in-page agent is still initializing.
type SurfaceTransport interface {
	Send(ctx context.Context, targetID, action string, args map[string]any) (any, error)
	Probe(ctx context.Context, targetID string) (ReadinessState, error)
}

// SnapshotSource forces an upstream resync of known targets and state.
// Implementations must be safe for repeated calls.
type SnapshotSource interface {
	RequestSnapshot(ctx context.Context) (Snapshot, error)
}

// SurfaceManager creates, focuses and tears down automation surfaces.
// OpenChat deep-links a chat surface at a specific identity when one is known.
type SurfaceManager interface {
	SurfaceTransport
	SnapshotSource
	OpenTab(ctx context.Context, url string) (Target, error)
	OpenChat(ctx context.Context, identity string) (Target, error)
	CloseTab(ctx context.Context, targetID string) error
	FocusTab(ctx context.Context, targetID string) error
	Navigate(ctx context.Context, targetID, url string) error
}
