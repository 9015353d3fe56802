// Package generation provides the staleness guard: a monotonic token per
// logical async flow, used to discard results from superseded work. Every
// long-running flow (a suggestion cycle, an alias refresh, a readiness
// recompute) takes a token before starting I/O and checks it before applying
// side effects.
package generation

import "sync"

// FlowKind identifies one logical async flow with its own counter.
type FlowKind string

const (
	FlowSuggestion FlowKind = "suggestion"
	FlowAliasSync  FlowKind = "alias_sync"
	FlowReadiness  FlowKind = "readiness"
)

// Guard issues strictly increasing tokens per flow kind and answers whether a
// previously issued token is still the current one. One Guard is constructed
// at startup and shared by reference; counters live for the process lifetime.
type Guard struct {
	mu       sync.Mutex
	counters map[FlowKind]uint64
}

func NewGuard() *Guard {
	return &Guard{counters: make(map[FlowKind]uint64)}
}

// Begin starts a new generation for the flow and returns its token.
// Any token issued earlier for the same flow is stale from this point on.
func (g *Guard) Begin(flow FlowKind) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.counters[flow]++
	return g.counters[flow]
}

// IsCurrent reports whether token is the most recently issued token for flow.
// A flow that never began has no current token.
func (g *Guard) IsCurrent(flow FlowKind, token uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	cur, ok := g.counters[flow]
	return ok && cur == token
}

// Current returns the latest token for flow without issuing a new one.
func (g *Guard) Current(flow FlowKind) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.counters[flow]
}
