package mailer

import (
	"context"
	"errors"
	"log/slog"
	"net/smtp"
	"os"
	"strings"
	"testing"
)

func newTestMailer() *Mailer {
	return New(Config{
		Host:     "smtp.example.com",
		Port:     587,
		Username: "bot@example.com",
		Password: "hunter2secret",
		From:     "bot@example.com",
		Logger:   slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})),
	})
}

func TestSend_EncodesMessage(t *testing.T) {
	m := newTestMailer()
	var gotAddr, gotFrom string
	var gotTo []string
	var gotPayload []byte
	m.send = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotPayload = addr, from, to, msg
		return nil
	}

	err := m.Send(context.Background(), Message{
		To:      []string{"ops@example.com"},
		Subject: "report",
		Body:    "all good",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if gotAddr != "smtp.example.com:587" {
		t.Fatalf("wrong relay address: %q", gotAddr)
	}
	if gotFrom != "bot@example.com" || len(gotTo) != 1 {
		t.Fatalf("wrong envelope: from=%q to=%v", gotFrom, gotTo)
	}
	payload := string(gotPayload)
	if !strings.Contains(payload, "Subject: report\r\n") {
		t.Fatalf("missing subject header: %q", payload)
	}
	if !strings.HasSuffix(payload, "\r\n\r\nall good") {
		t.Fatalf("missing body: %q", payload)
	}
}

func TestSend_RejectsMissingRecipient(t *testing.T) {
	m := newTestMailer()
	m.send = func(string, smtp.Auth, string, []string, []byte) error {
		t.Fatal("relay must not be reached without a recipient")
		return nil
	}
	if err := m.Send(context.Background(), Message{Subject: "x"}); err == nil {
		t.Fatal("expected error for missing recipient")
	}
}

func TestSend_HeaderInjectionStripped(t *testing.T) {
	m := newTestMailer()
	var payload string
	m.send = func(_ string, _ smtp.Auth, _ string, _ []string, msg []byte) error {
		payload = string(msg)
		return nil
	}

	err := m.Send(context.Background(), Message{
		To:      []string{"ops@example.com"},
		Subject: "hi\r\nBcc: attacker@example.com",
		Body:    "x",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if strings.Contains(payload, "attacker@example.com") {
		t.Fatalf("injected remainder must be dropped: %q", payload)
	}
	if !strings.Contains(payload, "Subject: hi\r\n") {
		t.Fatalf("legitimate subject prefix must survive: %q", payload)
	}
}

func TestSend_RelayErrorRedacted(t *testing.T) {
	m := newTestMailer()
	m.send = func(string, smtp.Auth, string, []string, []byte) error {
		return errors.New("535 auth failed: password=hunter2secret rejected")
	}

	err := m.Send(context.Background(), Message{To: []string{"ops@example.com"}})
	if err == nil {
		t.Fatal("expected relay failure")
	}
	if strings.Contains(err.Error(), "hunter2secret") {
		t.Fatalf("credential leaked in error: %v", err)
	}
	if !strings.Contains(err.Error(), "[redacted]") {
		t.Fatalf("expected redaction marker: %v", err)
	}
}

func TestRedactPatterns(t *testing.T) {
	m := newTestMailer()
	cases := map[string]string{
		"token: abc123":             "abc123",
		"api_key=sk-live-000":       "sk-live-000",
		"AUTH PLAIN dXNlcjpwYXNz":   "dXNlcjpwYXNz",
		"password=hunter2secret ok": "hunter2secret",
	}
	for in, secret := range cases {
		out := m.Redact(in)
		if strings.Contains(out, secret) {
			t.Fatalf("Redact(%q) leaked %q: %q", in, secret, out)
		}
	}
}
