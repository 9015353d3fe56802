package store

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"tabpilot/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "tabpilot.db"), logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestKVRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Persist(ctx, "alias_book", []byte(`{"v":1}`)); err != nil {
		t.Fatalf("persist: %v", err)
	}
	got, err := s.Read(ctx, "alias_book")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != `{"v":1}` {
		t.Fatalf("round trip mismatch: %q", got)
	}

	if err := s.Persist(ctx, "alias_book", []byte(`{"v":2}`)); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, _ = s.Read(ctx, "alias_book")
	if string(got) != `{"v":2}` {
		t.Fatalf("overwrite mismatch: %q", got)
	}
}

func TestKVMissingKey(t *testing.T) {
	s := newTestStore(t)
	got, err := s.Read(context.Background(), "nope")
	if err != nil {
		t.Fatalf("missing key must not error: %v", err)
	}
	if got != nil {
		t.Fatalf("missing key must return nil, got %q", got)
	}
}

func TestChatHistoryUpsertAndRecency(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	rows := []domain.HistoryRow{
		{ChatID: "5551234567", DisplayName: "Mario Rossi", LastSeenAt: base},
		{ChatID: "5559876543", DisplayName: "Laura", LastSeenAt: base.Add(time.Hour)},
		{ChatID: "5551234567", DisplayName: "Mario", LastSeenAt: base.Add(2 * time.Hour)},
	}
	for _, r := range rows {
		if err := s.RecordConversation(ctx, r); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	got, err := s.RecentConversations(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected upsert by chat id, got %d rows", len(got))
	}
	if got[0].ChatID != "5551234567" || got[0].DisplayName != "Mario" {
		t.Fatalf("expected newest row first with latest name, got %+v", got[0])
	}
}

func TestQueryReadRejectsNonSelect(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cases := []string{
		"DELETE FROM kv",
		"UPDATE kv SET value = NULL WHERE key = 'x'",
		"DROP TABLE kv",
		"SELECT 1; DELETE FROM kv",
	}
	for _, q := range cases {
		_, err := s.QueryRead(ctx, q)
		var verr *domain.ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("%q: expected validation error, got %v", q, err)
		}
	}
}

func TestQueryWriteRequiresWhere(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.QueryWrite(ctx, "DELETE FROM chat_history")
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error for bare DELETE, got %v", err)
	}

	_, err = s.QueryWrite(ctx, "SELECT * FROM kv")
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error for SELECT on write path, got %v", err)
	}
}

func TestQuerySurfaceRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	affected, err := s.QueryWrite(ctx,
		"INSERT INTO chat_history (chat_id, display_name) VALUES (?, ?)", "555", "Ana")
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if affected != 1 {
		t.Fatalf("expected 1 row affected, got %d", affected)
	}

	rows, err := s.QueryRead(ctx,
		"SELECT chat_id, display_name FROM chat_history WHERE chat_id = ?", "555")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(rows) != 1 || rows[0]["display_name"] != "Ana" {
		t.Fatalf("unexpected rows: %+v", rows)
	}

	affected, err = s.QueryWrite(ctx,
		"DELETE FROM chat_history WHERE chat_id = ?", "555")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if affected != 1 {
		t.Fatalf("expected 1 row deleted, got %d", affected)
	}
}

func TestLogAudit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.LogAudit(ctx, "browser.navigate", true, "url=https://example.com", ""); err != nil {
		t.Fatalf("audit: %v", err)
	}
	if err := s.LogAudit(ctx, "mail.send", false, "to=ops@example.com", "relay refused"); err != nil {
		t.Fatalf("audit: %v", err)
	}

	rows, err := s.QueryRead(ctx, "SELECT tool, ok FROM audit_log ORDER BY id")
	if err != nil {
		t.Fatalf("select audit: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 audit rows, got %d", len(rows))
	}
}
