package errorlog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

type memKV struct {
	mu    sync.Mutex
	data  map[string][]byte
	fail  bool
	saves int
}

func newMemKV() *memKV { return &memKV{data: make(map[string][]byte)} }

func (m *memKV) Persist(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("disk full")
	}
	m.saves++
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *memKV) Read(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[key], nil
}

func newTestLog(kv *memKV) (*Log, *time.Time) {
	clock := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	l := New(Config{KV: kv})
	l.now = func() time.Time { return clock }
	return l, &clock
}

func TestRecord_CoalescesDuplicatesWithinWindow(t *testing.T) {
	l, clock := newTestLog(newMemKV())
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		l.Record(ctx, "db.queryRead", "timeout", "sql=SELECT...")
		*clock = clock.Add(time.Second)
	}

	entries := l.Recent(0)
	if len(entries) != 1 {
		t.Fatalf("expected 12 identical failures to coalesce into 1 entry, got %d", len(entries))
	}
	if entries[0].Count != 12 {
		t.Fatalf("expected count 12, got %d", entries[0].Count)
	}
}

func TestRecord_WindowExpiryStartsNewEntry(t *testing.T) {
	l, clock := newTestLog(newMemKV())
	ctx := context.Background()

	l.Record(ctx, "db.queryRead", "timeout", "")
	*clock = clock.Add(20 * time.Second)
	l.Record(ctx, "db.queryRead", "timeout", "")

	if got := l.Len(); got != 2 {
		t.Fatalf("duplicates outside the coalesce window must not merge: got %d entries", got)
	}
}

func TestRecord_DifferentErrorBreaksCoalescing(t *testing.T) {
	l, _ := newTestLog(newMemKV())
	ctx := context.Background()

	l.Record(ctx, "mail.send", "relay refused", "")
	l.Record(ctx, "mail.send", "missing recipient", "")
	l.Record(ctx, "mail.send", "relay refused", "")

	if got := l.Len(); got != 3 {
		t.Fatalf("only consecutive identical failures coalesce: got %d entries", got)
	}
}

func TestMaxAgePruning(t *testing.T) {
	l, clock := newTestLog(newMemKV())
	ctx := context.Background()

	l.Record(ctx, "browser.navigate", "tab closed", "")
	*clock = clock.Add(31 * time.Minute)
	l.Record(ctx, "whatsapp.sendMessage", "channel closed", "")

	entries := l.Recent(0)
	if len(entries) != 1 {
		t.Fatalf("expected stale entry pruned, got %d entries", len(entries))
	}
	if entries[0].Tool != "whatsapp.sendMessage" {
		t.Fatalf("wrong survivor: %q", entries[0].Tool)
	}
}

func TestMaxEntriesEvictsOldestFirst(t *testing.T) {
	l := New(Config{KV: newMemKV(), MaxEntries: 3})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		l.Record(ctx, fmt.Sprintf("browser.closeTab%d", i), "gone", "")
	}

	entries := l.Recent(0)
	if len(entries) != 3 {
		t.Fatalf("expected cap of 3 entries, got %d", len(entries))
	}
	if entries[0].Tool != "browser.closeTab2" {
		t.Fatalf("expected oldest evicted first, head is %q", entries[0].Tool)
	}
}

func TestPromptSummary(t *testing.T) {
	l, _ := newTestLog(newMemKV())
	ctx := context.Background()

	if l.PromptSummary(10) != "" {
		t.Fatal("empty log must render an empty summary")
	}

	l.Record(ctx, "db.queryWrite", "write query requires a WHERE clause", "sql=UPDATE...")
	l.Record(ctx, "db.queryWrite", "write query requires a WHERE clause", "sql=UPDATE...")

	s := l.PromptSummary(10)
	if !strings.Contains(s, "db.queryWrite") {
		t.Fatalf("summary missing tool name: %q", s)
	}
	if !strings.Contains(s, "(x2)") {
		t.Fatalf("summary missing coalesced count: %q", s)
	}
}

func TestPersistFailureSwallowedAndReconciled(t *testing.T) {
	kv := newMemKV()
	l, _ := newTestLog(kv)
	ctx := context.Background()

	kv.fail = true
	l.Record(ctx, "integration.call", "unknown integration", "")
	if got := l.Len(); got != 1 {
		t.Fatalf("in-memory copy must survive a persist failure, got %d entries", got)
	}

	kv.fail = false
	l.Record(ctx, "integration.call", "unknown integration", "")

	restored := New(Config{KV: kv})
	restored.now = l.now
	if err := restored.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	entries := restored.Recent(0)
	if len(entries) != 1 || entries[0].Count != 2 {
		t.Fatalf("expected the next successful write to reconcile storage, got %+v", entries)
	}
}

func TestLoadRestoresEntries(t *testing.T) {
	kv := newMemKV()
	l, _ := newTestLog(kv)
	ctx := context.Background()
	l.Record(ctx, "browser.openNewTab", "chrome unreachable", "url=https://example.com")

	restored := New(Config{KV: kv})
	restored.now = l.now
	if err := restored.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	entries := restored.Recent(0)
	if len(entries) != 1 || entries[0].Tool != "browser.openNewTab" {
		t.Fatalf("restore mismatch: %+v", entries)
	}
}
