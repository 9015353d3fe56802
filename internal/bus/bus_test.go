package bus

import (
	"log/slog"
	"os"
	"testing"

	"tabpilot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestPublishSubscribe(t *testing.T) {
	b := New(4, testLogger())
	defer b.Close()

	b.Publish(domain.InboundText{Channel: "ws", SessionID: "s1", Content: "hello"})

	msg := <-b.Subscribe()
	if msg.Content != "hello" {
		t.Fatalf("expected 'hello', got %q", msg.Content)
	}
	if msg.SessionID != "s1" {
		t.Fatalf("expected session s1, got %q", msg.SessionID)
	}
}

func TestSendOutbound_RegisteredHandler(t *testing.T) {
	b := New(4, testLogger())
	defer b.Close()

	var got domain.OutboundBatch
	b.OnOutbound("ws", func(batch domain.OutboundBatch) { got = batch })

	b.SendOutbound(domain.OutboundBatch{
		Channel:   "ws",
		SessionID: "s1",
		Results:   []domain.ToolResult{{Tool: "browser.openNewTab", OK: true}},
	})

	if len(got.Results) != 1 || !got.Results[0].OK {
		t.Fatalf("handler did not receive batch: %+v", got)
	}
}

func TestSendOutbound_NoHandler(t *testing.T) {
	b := New(4, testLogger())
	defer b.Close()
	// Must not panic when no handler is registered.
	b.SendOutbound(domain.OutboundBatch{Channel: "missing"})
}

func TestPublishAfterClose(t *testing.T) {
	b := New(4, testLogger())
	b.Close()
	// Must not panic.
	b.Publish(domain.InboundText{Channel: "ws", Content: "late"})
}
