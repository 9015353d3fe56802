// Package errorlog keeps a bounded, deduplicating record of recent tool
// failures. Its summary is folded into the next model prompt so the model
// does not immediately repeat a mistake it just made.
package errorlog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"tabpilot/internal/domain"
)

const (
	persistKey = "error_log"

	DefaultMaxEntries     = 50
	DefaultMaxAge         = 30 * time.Minute
	DefaultCoalesceWindow = 15 * time.Second
)

// Entry is one recorded failure. Repeated identical failures within the
// coalesce window bump Count instead of appending.
type Entry struct {
	Tool        string    `json:"tool"`
	Error       string    `json:"error"`
	ArgsSummary string    `json:"args_summary,omitempty"`
	Count       int       `json:"count"`
	CreatedAt   time.Time `json:"created_at"`
}

// Log is an append-only ring of recent failures with age- and size-bounded
// retention. Safe for concurrent use.
type Log struct {
	mu      sync.Mutex
	entries []Entry

	kv      domain.KV
	flushMu sync.Mutex
	logger  *slog.Logger
	now     func() time.Time

	maxEntries     int
	maxAge         time.Duration
	coalesceWindow time.Duration
}

// Config configures a Log. KV may be nil for an in-memory-only log.
type Config struct {
	KV             domain.KV
	Logger         *slog.Logger
	MaxEntries     int
	MaxAge         time.Duration
	CoalesceWindow time.Duration
}

func New(cfg Config) *Log {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if cfg.CoalesceWindow <= 0 {
		cfg.CoalesceWindow = DefaultCoalesceWindow
	}
	return &Log{
		kv:             cfg.KV,
		logger:         cfg.Logger,
		now:            time.Now,
		maxEntries:     cfg.MaxEntries,
		maxAge:         cfg.MaxAge,
		coalesceWindow: cfg.CoalesceWindow,
	}
}

// Load restores persisted entries. A missing or unreadable key starts empty.
func (l *Log) Load(ctx context.Context) error {
	if l.kv == nil {
		return nil
	}
	raw, err := l.kv.Read(ctx, persistKey)
	if err != nil || len(raw) == 0 {
		return err
	}
	var entries []Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("decode error log: %w", err)
	}
	l.mu.Lock()
	l.entries = entries
	l.pruneLocked()
	l.mu.Unlock()
	return nil
}

// Record appends a failure, coalescing a duplicate (tool, error) pair that
// landed within the coalesce window of the previous occurrence.
func (l *Log) Record(ctx context.Context, tool, errMsg, argsSummary string) {
	now := l.now()

	l.mu.Lock()
	l.pruneLocked()

	if n := len(l.entries); n > 0 {
		last := &l.entries[n-1]
		if last.Tool == tool && last.Error == errMsg &&
			now.Sub(last.CreatedAt) <= l.coalesceWindow {
			last.Count++
			snapshot := l.snapshotLocked()
			l.mu.Unlock()
			l.persist(ctx, snapshot)
			return
		}
	}

	l.entries = append(l.entries, Entry{
		Tool:        tool,
		Error:       errMsg,
		ArgsSummary: argsSummary,
		Count:       1,
		CreatedAt:   now,
	})
	if len(l.entries) > l.maxEntries {
		l.entries = l.entries[len(l.entries)-l.maxEntries:]
	}
	snapshot := l.snapshotLocked()
	l.mu.Unlock()

	l.persist(ctx, snapshot)
}

// Recent returns up to limit entries, newest last. limit <= 0 returns all.
func (l *Log) Recent(limit int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked()
	entries := l.entries
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out
}

// Len reports the current entry count after age pruning.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked()
	return len(l.entries)
}

// PromptSummary renders recent failures as a compact block suitable for
// inclusion in the next model prompt. Empty string when nothing to report.
func (l *Log) PromptSummary(limit int) string {
	entries := l.Recent(limit)
	if len(entries) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Recent tool failures (avoid repeating these):\n")
	for _, e := range entries {
		b.WriteString("- ")
		b.WriteString(e.Tool)
		if e.ArgsSummary != "" {
			b.WriteString("(")
			b.WriteString(e.ArgsSummary)
			b.WriteString(")")
		}
		b.WriteString(": ")
		b.WriteString(e.Error)
		if e.Count > 1 {
			fmt.Fprintf(&b, " (x%d)", e.Count)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// pruneLocked drops entries older than maxAge. Caller holds l.mu.
func (l *Log) pruneLocked() {
	cutoff := l.now().Add(-l.maxAge)
	i := 0
	for i < len(l.entries) && l.entries[i].CreatedAt.Before(cutoff) {
		i++
	}
	if i > 0 {
		l.entries = append([]Entry(nil), l.entries[i:]...)
	}
}

func (l *Log) snapshotLocked() []Entry {
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// persist writes the snapshot through the KV boundary. Failures are logged
// and swallowed; the in-memory copy stays authoritative and the next
// successful write reconciles storage.
func (l *Log) persist(ctx context.Context, entries []Entry) {
	if l.kv == nil {
		return
	}
	l.flushMu.Lock()
	defer l.flushMu.Unlock()
	raw, err := json.Marshal(entries)
	if err != nil {
		l.logger.Warn("encode error log failed", "error", err)
		return
	}
	if err := l.kv.Persist(ctx, persistKey, raw); err != nil {
		l.logger.Warn("persist error log failed", "error", err)
	}
}
