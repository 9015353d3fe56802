package intent

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"tabpilot/internal/alias"
	"tabpilot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func newTestDetector(t *testing.T, records ...domain.AliasRecord) *Detector {
	t.Helper()
	book := alias.NewBook(alias.Config{Logger: testLogger()})
	if len(records) > 0 {
		book.Upsert(context.Background(), records, false)
	}
	return NewDetector(Config{Aliases: book, Logger: testLogger()})
}

func TestDetect_SendToAliasWithSaying(t *testing.T) {
	d := newTestDetector(t, domain.AliasRecord{Alias: "mario", Target: "5551234567"})

	calls := d.Detect("send a message to Mario saying call me back", Options{Source: "user"})
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	c := calls[0]
	if c.Tool != "whatsapp.openChatAndSendMessage" {
		t.Fatalf("expected whatsapp.openChatAndSendMessage, got %q", c.Tool)
	}
	if c.Args["phone"] != "5551234567" {
		t.Fatalf("expected resolved phone, got %v", c.Args)
	}
	if c.Args["text"] != "call me back" {
		t.Fatalf("expected message text, got %v", c.Args["text"])
	}
}

func TestDetect_SpanishSendWithAlias(t *testing.T) {
	d := newTestDetector(t, domain.AliasRecord{Alias: "maria jose", Target: "600111222"})

	calls := d.Detect("Envía un mensaje a María José diciendo que llego tarde", Options{})
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].Args["phone"] != "600111222" {
		t.Fatalf("expected alias target, got %v", calls[0].Args)
	}
	if calls[0].Args["text"] != "llego tarde" {
		t.Fatalf("expected connector stripped, got %v", calls[0].Args["text"])
	}
}

func TestDetect_LongestAliasPrefixWins(t *testing.T) {
	d := newTestDetector(t,
		domain.AliasRecord{Alias: "ana", Target: "111"},
		domain.AliasRecord{Alias: "ana maria", Target: "222"},
	)

	calls := d.Detect("send a message to Ana Maria saying hi", Options{})
	if len(calls) != 1 || calls[0].Args["phone"] != "222" {
		t.Fatalf("expected longest alias 'ana maria', got %v", calls)
	}
}

func TestDetect_QuotedSegmentFallback(t *testing.T) {
	d := newTestDetector(t) // empty book: no alias match possible

	calls := d.Detect(`send a message to Laura saying "see you at 8"`, Options{})
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].Args["contact"] != "laura" {
		t.Fatalf("expected unresolved contact name, got %v", calls[0].Args)
	}
	if calls[0].Args["text"] != "see you at 8" {
		t.Fatalf("expected quoted message, got %v", calls[0].Args["text"])
	}
}

func TestDetect_ColonSeparatorFallback(t *testing.T) {
	d := newTestDetector(t)

	calls := d.Detect("message laura: running late", Options{})
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].Args["contact"] != "laura" || calls[0].Args["text"] != "running late" {
		t.Fatalf("unexpected split: %v", calls[0].Args)
	}
}

func TestDetect_ShortPrefixFallback(t *testing.T) {
	d := newTestDetector(t)

	calls := d.Detect("text laura running late", Options{})
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].Args["contact"] != "laura" {
		t.Fatalf("expected laura as recipient, got %v", calls[0].Args)
	}
	if calls[0].Args["text"] != "running late" {
		t.Fatalf("expected message, got %v", calls[0].Args["text"])
	}
}

func TestDetect_RecipientOnlyOpensChat(t *testing.T) {
	d := newTestDetector(t, domain.AliasRecord{Alias: "mario", Target: "555"})

	calls := d.Detect("send a message to Mario", Options{})
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].Tool != "whatsapp.openChat" {
		t.Fatalf("no message body should open the chat only, got %q", calls[0].Tool)
	}
}

func TestDetect_NegationYieldsNothing(t *testing.T) {
	d := newTestDetector(t, domain.AliasRecord{Alias: "mario", Target: "555"})

	negated := []string{
		"don't send a message to Mario",
		"no envíes un mensaje a Mario",
		"cancel that message to Mario",
		"nevermind, open whatsapp",
	}
	for _, text := range negated {
		if calls := d.Detect(text, Options{}); len(calls) != 0 {
			t.Fatalf("%q should yield nothing, got %v", text, calls)
		}
	}
}

func TestDetect_OpenDestination(t *testing.T) {
	d := newTestDetector(t)

	cases := []struct {
		text, url string
	}{
		{"open whatsapp", "https://web.whatsapp.com"},
		{"Abre el correo", "https://mail.google.com"},
		{"go to youtube", "https://www.youtube.com"},
		{"ve a mapas", "https://maps.google.com"},
	}
	for _, c := range cases {
		calls := d.Detect(c.text, Options{})
		if len(calls) != 1 {
			t.Fatalf("%q: expected 1 call, got %d", c.text, len(calls))
		}
		if calls[0].Tool != "browser.openNewTab" || calls[0].Args["url"] != c.url {
			t.Fatalf("%q: unexpected call %+v", c.text, calls[0])
		}
	}
}

func TestDetect_UnknownDestinationIgnored(t *testing.T) {
	d := newTestDetector(t)
	if calls := d.Detect("open the pod bay doors", Options{}); len(calls) != 0 {
		t.Fatalf("expected nothing, got %v", calls)
	}
}

func TestDetect_PlainChatterIgnored(t *testing.T) {
	d := newTestDetector(t)
	for _, text := range []string{"", "how are you today?", "the weather is nice"} {
		if calls := d.Detect(text, Options{}); len(calls) != 0 {
			t.Fatalf("%q should yield nothing, got %v", text, calls)
		}
	}
}
