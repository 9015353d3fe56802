package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"tabpilot/internal/domain"
	"tabpilot/internal/mailer"
)

// handleMail executes mail.send. The mailer sanitizes relay errors before
// they reach this layer, so failures are safe to echo back to the model.
func (o *Orchestrator) handleMail(ctx context.Context, call domain.ToolCall) domain.ToolResult {
	if o.mail == nil {
		return failure(call.Tool, &domain.DomainError{Surface: call.Tool, Reason: "mail not configured"})
	}
	if call.Action() != "send" {
		return failure(call.Tool, &domain.ValidationError{Tool: call.Tool,
			Reason: fmt.Sprintf("unknown action %q", call.Action())})
	}

	to := recipients(call.Args["to"])
	if len(to) == 0 {
		return failure(call.Tool, &domain.ValidationError{Tool: call.Tool, Reason: "missing recipient"})
	}

	msg := mailer.Message{
		To:      to,
		Subject: call.ArgString("subject"),
		Body:    call.ArgString("body"),
	}
	if err := o.mail.Send(ctx, msg); err != nil {
		return failure(call.Tool, &domain.DomainError{Surface: call.Tool, Reason: err.Error()})
	}
	return success(call.Tool, map[string]any{"sent": true, "recipients": len(to)})
}

// recipients accepts a single address or a JSON array of addresses.
func recipients(v any) []string {
	switch t := v.(type) {
	case string:
		var out []string
		for _, a := range strings.Split(t, ",") {
			if a = strings.TrimSpace(a); a != "" {
				out = append(out, a)
			}
		}
		return out
	case []any:
		var out []string
		for _, e := range t {
			if s, ok := e.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out
	default:
		return nil
	}
}
