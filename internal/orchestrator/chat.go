package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"tabpilot/internal/bus"
	"tabpilot/internal/dispatch"
	"tabpilot/internal/domain"
	"tabpilot/internal/metrics"
)

// chatTarget is the outcome of resolving where a whatsapp.* call should go.
type chatTarget struct {
	identity     string              // phone digits when known
	record       *domain.AliasRecord // alias record used, if any
	label        string              // display label from args, for learning
	targetID     string              // existing surface, when one matches
	openedDirect bool                // surface was just deep-linked
}

// handleChat executes the whatsapp.* tools. Target resolution order: explicit
// args, then the alias book, then the currently focused chat surface.
func (o *Orchestrator) handleChat(ctx context.Context, call domain.ToolCall) domain.ToolResult {
	if o.surfaces == nil {
		return failure(call.Tool, &domain.DomainError{Surface: call.Tool, Reason: "browser not available"})
	}

	switch call.Action() {
	case "openChat":
		ct, err := o.resolveChat(ctx, call)
		if err != nil {
			return failure(call.Tool, err)
		}
		o.refreshSnapshot(ctx)
		o.learnAlias(ctx, ct)
		return success(call.Tool, map[string]any{
			"target": ct.targetID, "identity": ct.identity,
		})

	case "sendMessage":
		text := call.ArgString("text")
		if text == "" {
			return failure(call.Tool, &domain.ValidationError{Tool: call.Tool, Reason: "missing text"})
		}
		ct, err := o.resolveChat(ctx, call)
		if err != nil {
			return failure(call.Tool, err)
		}
		return o.dispatchMessage(ctx, call, ct, text)

	case "openChatAndSendMessage":
		text := call.ArgString("text")
		if text == "" {
			return failure(call.Tool, &domain.ValidationError{Tool: call.Tool, Reason: "missing text"})
		}
		ct, err := o.resolveChat(ctx, call)
		if err != nil {
			return failure(call.Tool, err)
		}
		return o.dispatchMessage(ctx, call, ct, text)

	default:
		return failure(call.Tool, &domain.ValidationError{Tool: call.Tool,
			Reason: fmt.Sprintf("unknown action %q", call.Action())})
	}
}

// resolveChat finds or creates the chat surface a call addresses.
func (o *Orchestrator) resolveChat(ctx context.Context, call domain.ToolCall) (chatTarget, error) {
	var ct chatTarget

	// 1. Explicit phone argument.
	if phone := digitsOf(call.ArgString("phone")); phone != "" {
		ct.identity = phone
		ct.label = call.ArgString("contact")
	} else if contact := call.ArgString("contact"); contact != "" {
		// 2. Alias book.
		if o.aliases != nil {
			if rec := o.aliases.Resolve([]string{contact}); rec != nil {
				metrics.AliasHits.Inc()
				ct.identity = rec.Target
				ct.record = rec
				ct.label = contact
			}
		}
		if ct.identity == "" {
			return ct, &domain.ValidationError{Tool: call.Tool,
				Reason: fmt.Sprintf("unknown contact %q", contact)}
		}
	} else {
		// 3. Currently focused chat surface.
		if focused, ok := o.currentSnapshot().Focused(); ok && focused.Kind == "chat" {
			ct.targetID = focused.ID
			ct.identity = focused.Identity
			return ct, nil
		}
		return ct, &domain.ValidationError{Tool: call.Tool,
			Reason: "no phone or contact given and no chat is focused"}
	}

	// An already-open chat surface for this identity is reused.
	for _, t := range o.currentSnapshot().Targets {
		if t.Kind == "chat" && sameIdentity(t.Identity, ct.identity) {
			ct.targetID = t.ID
			return ct, nil
		}
	}

	target, err := o.surfaces.OpenChat(ctx, ct.identity)
	if err != nil {
		return ct, err
	}
	ct.targetID = target.ID
	ct.openedDirect = true
	o.emitTarget(bus.EventTargetOpened, target.ID, target.URL)
	o.refreshSnapshot(ctx)
	return ct, nil
}

// dispatchMessage sends text through the retrying dispatcher and feeds the
// alias book on success.
func (o *Orchestrator) dispatchMessage(ctx context.Context, call domain.ToolCall, ct chatTarget, text string) domain.ToolResult {
	if o.dispatcher == nil {
		return failure(call.Tool, &domain.DomainError{Surface: call.Tool, Reason: "dispatcher not available"})
	}

	res := o.dispatcher.Dispatch(ctx, ct.targetID, "sendMessage",
		map[string]any{"text": text}, dispatch.Options{
			Tool:                   call.Tool,
			MaxAttempts:            o.sendAttempts,
			RetryDelay:             o.sendDelay,
			OpenedViaDirectAddress: ct.openedDirect,
			ExpectedIdentity:       ct.identity,
		})
	o.refreshSnapshot(ctx)

	if res.OK {
		if ct.record != nil && o.aliases != nil {
			o.aliases.MarkUsed(ctx, *ct.record)
		}
		o.learnAlias(ctx, ct)
	}
	return res
}

// learnAlias records a freshly observed label-to-identity mapping after a
// successful call, so the next mention resolves without explicit args.
func (o *Orchestrator) learnAlias(ctx context.Context, ct chatTarget) {
	if o.aliases == nil || ct.record != nil || ct.label == "" || ct.identity == "" {
		return
	}
	res := o.aliases.Upsert(ctx, []domain.AliasRecord{{
		Alias:  ct.label,
		Label:  ct.label,
		Target: ct.identity,
		Source: domain.AliasSuccess,
	}}, true)
	if res.Changed && o.events != nil {
		o.events.Emit(bus.Event{
			Type:    bus.EventAliasLearned,
			Source:  "orchestrator",
			Payload: map[string]any{"alias": ct.label, "target": ct.identity},
		})
	}
}

// sameIdentity compares chat identities as digit strings, tolerating country
// prefix differences via suffix matching.
func sameIdentity(a, b string) bool {
	da, db := digitsOf(a), digitsOf(b)
	if da == "" || db == "" {
		return false
	}
	return da == db || strings.HasSuffix(da, db) || strings.HasSuffix(db, da)
}

func digitsOf(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
