package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"tabpilot/internal/alias"
	"tabpilot/internal/dispatch"
	"tabpilot/internal/domain"
	"tabpilot/internal/errorlog"
	"tabpilot/internal/mailer"
	"tabpilot/internal/readiness"
	"tabpilot/internal/toolcall"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// stubSurfaces is an in-memory SurfaceManager with scriptable send failures.
type stubSurfaces struct {
	targets     []domain.Target
	nextID      int
	sends       int
	sendFail    int // fail the first N sends with a recoverable error
	snapshots   int
	lastAction  string
	lastArgs    map[string]any
	lastSendTab string
}

func (s *stubSurfaces) Send(_ context.Context, targetID, action string, args map[string]any) (any, error) {
	s.sends++
	s.lastAction, s.lastArgs, s.lastSendTab = action, args, targetID
	if s.sends <= s.sendFail {
		return nil, errors.New("receiving end does not exist")
	}
	return map[string]any{"sent": true}, nil
}

func (s *stubSurfaces) Probe(_ context.Context, targetID string) (domain.ReadinessState, error) {
	for _, t := range s.targets {
		if t.ID == targetID {
			return domain.ReadinessState{Ready: true, ObservedIdentity: t.Identity}, nil
		}
	}
	return domain.ReadinessState{}, nil
}

func (s *stubSurfaces) RequestSnapshot(context.Context) (domain.Snapshot, error) {
	s.snapshots++
	targets := make([]domain.Target, len(s.targets))
	copy(targets, s.targets)
	return domain.Snapshot{Targets: targets, TakenAt: time.Now()}, nil
}

func (s *stubSurfaces) OpenTab(_ context.Context, url string) (domain.Target, error) {
	s.nextID++
	t := domain.Target{
		ID: fmt.Sprintf("tab-%d", s.nextID), Kind: "page", URL: url, OpenedAt: time.Now(),
	}
	s.targets = append(s.targets, t)
	return t, nil
}

func (s *stubSurfaces) OpenChat(_ context.Context, identity string) (domain.Target, error) {
	s.nextID++
	t := domain.Target{
		ID:       fmt.Sprintf("tab-%d", s.nextID),
		Kind:     "chat",
		URL:      "https://web.whatsapp.com/send?phone=" + identity,
		Identity: identity,
		OpenedAt: time.Now(),
	}
	s.targets = append(s.targets, t)
	return t, nil
}

func (s *stubSurfaces) CloseTab(_ context.Context, targetID string) error {
	for i, t := range s.targets {
		if t.ID == targetID {
			s.targets = append(s.targets[:i], s.targets[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("unknown target %s", targetID)
}

func (s *stubSurfaces) Navigate(_ context.Context, targetID, url string) error {
	for i, t := range s.targets {
		if t.ID == targetID {
			s.targets[i].URL = url
			return nil
		}
	}
	return fmt.Errorf("unknown target %s", targetID)
}

func (s *stubSurfaces) FocusTab(_ context.Context, targetID string) error {
	found := false
	for i := range s.targets {
		s.targets[i].Focused = s.targets[i].ID == targetID
		found = found || s.targets[i].Focused
	}
	if !found {
		return fmt.Errorf("unknown target %s", targetID)
	}
	return nil
}

type stubDB struct {
	reads, writes int
	failWith      error
}

func (d *stubDB) QueryRead(context.Context, string, ...any) ([]map[string]any, error) {
	d.reads++
	if d.failWith != nil {
		return nil, d.failWith
	}
	return []map[string]any{{"n": int64(1)}}, nil
}

func (d *stubDB) QueryWrite(context.Context, string, ...any) (int64, error) {
	d.writes++
	if d.failWith != nil {
		return 0, d.failWith
	}
	return 1, nil
}

type panickingDB struct{}

func (panickingDB) QueryRead(context.Context, string, ...any) ([]map[string]any, error) {
	panic("db handler exploded")
}
func (panickingDB) QueryWrite(context.Context, string, ...any) (int64, error) {
	panic("db handler exploded")
}

type stubMail struct {
	sent []mailer.Message
	err  error
}

func (m *stubMail) Send(_ context.Context, msg mailer.Message) error {
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, msg)
	return nil
}

type memKV struct{ data map[string][]byte }

func newMemKV() *memKV { return &memKV{data: make(map[string][]byte)} }

func (m *memKV) Persist(_ context.Context, key string, value []byte) error {
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *memKV) Read(_ context.Context, key string) ([]byte, error) {
	return m.data[key], nil
}

type testEnv struct {
	orch     *Orchestrator
	surfaces *stubSurfaces
	db       *stubDB
	mail     *stubMail
	aliases  *alias.Book
	errlog   *errorlog.Log
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := testLogger()
	surfaces := &stubSurfaces{}
	poller := readiness.NewPoller(readiness.Config{Snapshots: surfaces, Logger: logger})
	dispatcher := dispatch.NewDispatcher(dispatch.Config{
		Transport: surfaces, Poller: poller, Logger: logger,
	})
	aliases := alias.NewBook(alias.Config{KV: newMemKV(), Logger: logger})
	errlog := errorlog.New(errorlog.Config{Logger: logger})
	db := &stubDB{}
	mail := &stubMail{}

	orch := New(Config{
		Surfaces:   surfaces,
		Dispatcher: dispatcher,
		Aliases:    aliases,
		ErrorLog:   errlog,
		DB:         db,
		Mail:       mail,
		Logger:     logger,
	})
	return &testEnv{orch: orch, surfaces: surfaces, db: db, mail: mail, aliases: aliases, errlog: errlog}
}

func TestExecute_PreservesLengthAndOrder(t *testing.T) {
	env := newTestEnv(t)
	calls := []domain.ToolCall{
		{Tool: "browser.openNewTab", Args: map[string]any{"url": "https://example.com"}},
		{Tool: "unknown.thing"},
		{Tool: "db.queryRead", Args: map[string]any{"sql": "SELECT 1"}},
	}

	results := env.orch.Execute(context.Background(), calls)
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	for i, r := range results {
		if r.Tool != calls[i].Tool {
			t.Fatalf("result %d out of order: %q vs %q", i, r.Tool, calls[i].Tool)
		}
	}
	if !results[0].OK || results[1].OK || !results[2].OK {
		t.Fatalf("unexpected outcomes: %+v", results)
	}
}

func TestExecute_NavigateUpdatesExistingTab(t *testing.T) {
	env := newTestEnv(t)

	results := env.orch.Execute(context.Background(), []domain.ToolCall{
		{Tool: "browser.openNewTab", Args: map[string]any{"url": "https://example.com"}},
	})
	if !results[0].OK {
		t.Fatalf("openNewTab failed: %s", results[0].Error)
	}

	results = env.orch.Execute(context.Background(), []domain.ToolCall{
		{Tool: "browser.navigate", Args: map[string]any{
			"targetId": "tab-1", "url": "https://example.org/next",
		}},
	})
	if !results[0].OK {
		t.Fatalf("navigate failed: %s", results[0].Error)
	}
	if env.surfaces.targets[0].URL != "https://example.org/next" {
		t.Fatalf("tab URL not updated: %s", env.surfaces.targets[0].URL)
	}

	results = env.orch.Execute(context.Background(), []domain.ToolCall{
		{Tool: "browser.navigate", Args: map[string]any{
			"targetId": "tab-99", "url": "https://example.org",
		}},
	})
	if results[0].OK {
		t.Fatal("navigate to unknown target must fail")
	}
}

func TestExecute_UnknownNamespaceRejectedImmediately(t *testing.T) {
	env := newTestEnv(t)
	results := env.orch.Execute(context.Background(),
		[]domain.ToolCall{{Tool: "ftp.upload"}})
	if results[0].OK {
		t.Fatal("unknown namespace must fail")
	}
	if !strings.Contains(results[0].Error, "unknown namespace") {
		t.Fatalf("unexpected error: %q", results[0].Error)
	}
	if env.surfaces.sends != 0 {
		t.Fatal("unknown namespace must not reach any surface")
	}
}

func TestExecute_PanickingHandlerDoesNotAbortBatch(t *testing.T) {
	env := newTestEnv(t)
	env.orch.db = panickingDB{}

	results := env.orch.Execute(context.Background(), []domain.ToolCall{
		{Tool: "db.queryRead", Args: map[string]any{"sql": "SELECT 1"}},
		{Tool: "browser.openNewTab", Args: map[string]any{"url": "https://example.com"}},
	})

	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].OK {
		t.Fatal("panicking handler must produce ok:false")
	}
	if !strings.Contains(results[0].Error, "internal error") {
		t.Fatalf("unexpected error: %q", results[0].Error)
	}
	if !results[1].OK {
		t.Fatalf("second call must still run: %+v", results[1])
	}
}

func TestExecute_FailuresFeedErrorLog(t *testing.T) {
	env := newTestEnv(t)
	env.db.failWith = &domain.DomainError{Surface: "db.queryRead", Reason: "timeout"}

	env.orch.Execute(context.Background(), []domain.ToolCall{
		{Tool: "db.queryRead", Args: map[string]any{"sql": "SELECT 1"}},
	})

	entries := env.errlog.Recent(0)
	if len(entries) != 1 || entries[0].Tool != "db.queryRead" {
		t.Fatalf("failure not recorded: %+v", entries)
	}
}

func TestExecute_MutatingCallRefreshesSnapshot(t *testing.T) {
	env := newTestEnv(t)

	env.orch.Execute(context.Background(), []domain.ToolCall{
		{Tool: "browser.openNewTab", Args: map[string]any{"url": "https://example.com"}},
	})
	if env.surfaces.snapshots == 0 {
		t.Fatal("mutating call must refresh the snapshot")
	}

	snap := env.orch.currentSnapshot()
	if len(snap.Targets) != 1 {
		t.Fatalf("refreshed snapshot missing new tab: %+v", snap)
	}
}

func TestChat_ResolvesContactThroughAliasBook(t *testing.T) {
	env := newTestEnv(t)
	env.aliases.Upsert(context.Background(), []domain.AliasRecord{
		{Alias: "mario", Label: "Mario", Target: "5551234567"},
	}, false)

	results := env.orch.Execute(context.Background(), []domain.ToolCall{
		{Tool: "whatsapp.openChatAndSendMessage",
			Args: map[string]any{"contact": "mario", "text": "call me back"}},
	})

	if !results[0].OK {
		t.Fatalf("expected success: %+v", results[0])
	}
	if env.surfaces.lastArgs["text"] != "call me back" {
		t.Fatalf("message text lost: %+v", env.surfaces.lastArgs)
	}
	opened := env.surfaces.targets
	if len(opened) != 1 || opened[0].Identity != "5551234567" {
		t.Fatalf("chat not deep-linked at resolved identity: %+v", opened)
	}

	// Successful use bumps the alias counters.
	rec := env.aliases.Resolve([]string{"mario"})
	if rec == nil || rec.UseCount != 1 {
		t.Fatalf("alias not marked used: %+v", rec)
	}
}

func TestChat_UnknownContactFailsWithoutDispatch(t *testing.T) {
	env := newTestEnv(t)
	results := env.orch.Execute(context.Background(), []domain.ToolCall{
		{Tool: "whatsapp.sendMessage",
			Args: map[string]any{"contact": "stranger", "text": "hi"}},
	})
	if results[0].OK {
		t.Fatal("unknown contact must fail")
	}
	if env.surfaces.sends != 0 {
		t.Fatal("no dispatch may happen for an unresolvable contact")
	}
}

func TestChat_ReusesOpenSurfaceForSameIdentity(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.orch.Execute(ctx, []domain.ToolCall{
		{Tool: "whatsapp.openChat", Args: map[string]any{"phone": "+34 600 111 222"}},
	})
	if len(env.surfaces.targets) != 1 {
		t.Fatalf("expected one chat tab, got %d", len(env.surfaces.targets))
	}

	env.orch.Execute(ctx, []domain.ToolCall{
		{Tool: "whatsapp.sendMessage", Args: map[string]any{"phone": "34600111222", "text": "hola"}},
	})
	if len(env.surfaces.targets) != 1 {
		t.Fatalf("same identity must reuse the open tab, got %d tabs", len(env.surfaces.targets))
	}
	if env.surfaces.lastSendTab != env.surfaces.targets[0].ID {
		t.Fatalf("dispatched to wrong tab: %q", env.surfaces.lastSendTab)
	}
}

func TestChat_FocusedSurfaceFallback(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.orch.Execute(ctx, []domain.ToolCall{
		{Tool: "whatsapp.openChat", Args: map[string]any{"phone": "5559876543"}},
	})
	env.surfaces.FocusTab(ctx, env.surfaces.targets[0].ID)
	env.orch.refreshSnapshot(ctx)

	results := env.orch.Execute(ctx, []domain.ToolCall{
		{Tool: "whatsapp.sendMessage", Args: map[string]any{"text": "still there?"}},
	})
	if !results[0].OK {
		t.Fatalf("focused chat fallback failed: %+v", results[0])
	}
}

func TestChat_RecoverableSendRetriesThenSucceeds(t *testing.T) {
	env := newTestEnv(t)
	env.surfaces.sendFail = 2

	results := env.orch.Execute(context.Background(), []domain.ToolCall{
		{Tool: "whatsapp.openChatAndSendMessage",
			Args: map[string]any{"phone": "5551234567", "text": "hi"}},
	})
	if !results[0].OK {
		t.Fatalf("expected eventual success: %+v", results[0])
	}
	if env.surfaces.sends != 3 {
		t.Fatalf("expected 3 send attempts, got %d", env.surfaces.sends)
	}
}

func TestMail_SendAndValidation(t *testing.T) {
	env := newTestEnv(t)

	results := env.orch.Execute(context.Background(), []domain.ToolCall{
		{Tool: "mail.send", Args: map[string]any{
			"to": "ops@example.com", "subject": "report", "body": "done"}},
		{Tool: "mail.send", Args: map[string]any{"subject": "no recipient"}},
	})

	if !results[0].OK || results[1].OK {
		t.Fatalf("unexpected outcomes: %+v", results)
	}
	if len(env.mail.sent) != 1 || env.mail.sent[0].To[0] != "ops@example.com" {
		t.Fatalf("mail not delivered: %+v", env.mail.sent)
	}
}

func TestEndToEnd_ParsedCallThroughStubSurface(t *testing.T) {
	env := newTestEnv(t)
	parser := toolcall.NewParser(toolcall.Options{})

	text := "Opening that for you.\n```tool\n" +
		`{"tool":"browser.openNewTab","args":{"url":"https://example.com"}}` +
		"\n```\n"
	calls := parser.Parse(text)
	if len(calls) != 1 || calls[0].Tool != "browser.openNewTab" {
		t.Fatalf("parse failed: %+v", calls)
	}

	results := env.orch.Execute(context.Background(), calls)
	if len(results) != 1 || !results[0].OK {
		t.Fatalf("expected ok result, got %+v", results)
	}
}
