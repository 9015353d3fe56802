package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"tabpilot/internal/bus"
	"tabpilot/internal/domain"
)

// handleBrowser executes the browser.* tools. All of them except listTabs
// mutate surface state, so they end with a snapshot refresh.
func (o *Orchestrator) handleBrowser(ctx context.Context, call domain.ToolCall) domain.ToolResult {
	if o.surfaces == nil {
		return failure(call.Tool, &domain.DomainError{Surface: call.Tool, Reason: "browser not available"})
	}

	switch call.Action() {
	case "openNewTab":
		url := call.ArgString("url")
		if url == "" {
			return failure(call.Tool, &domain.ValidationError{Tool: call.Tool, Reason: "missing url"})
		}
		if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
			url = "https://" + url
		}
		target, err := o.surfaces.OpenTab(ctx, url)
		if err != nil {
			return failure(call.Tool, err)
		}
		o.emitTarget(bus.EventTargetOpened, target.ID, url)
		o.refreshSnapshot(ctx)
		return success(call.Tool, target)

	case "closeTab":
		targetID, res := o.requireTarget(call)
		if res != nil {
			return *res
		}
		if err := o.surfaces.CloseTab(ctx, targetID); err != nil {
			return failure(call.Tool, err)
		}
		o.emitTarget(bus.EventTargetClosed, targetID, "")
		o.refreshSnapshot(ctx)
		return success(call.Tool, map[string]any{"closed": targetID})

	case "focusTab":
		targetID, res := o.requireTarget(call)
		if res != nil {
			return *res
		}
		if err := o.surfaces.FocusTab(ctx, targetID); err != nil {
			return failure(call.Tool, err)
		}
		o.refreshSnapshot(ctx)
		return success(call.Tool, map[string]any{"focused": targetID})

	case "navigate":
		url := call.ArgString("url")
		if url == "" {
			return failure(call.Tool, &domain.ValidationError{Tool: call.Tool, Reason: "missing url"})
		}
		if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
			url = "https://" + url
		}
		targetID := call.ArgString("targetId")
		if targetID == "" {
			// Default to the focused tab.
			if focused, ok := o.currentSnapshot().Focused(); ok {
				targetID = focused.ID
			}
		}
		if targetID == "" {
			// No tab to reuse; navigating means opening one.
			target, err := o.surfaces.OpenTab(ctx, url)
			if err != nil {
				return failure(call.Tool, err)
			}
			o.emitTarget(bus.EventTargetOpened, target.ID, url)
			o.refreshSnapshot(ctx)
			return success(call.Tool, target)
		}
		if err := o.surfaces.Navigate(ctx, targetID, url); err != nil {
			return failure(call.Tool, err)
		}
		o.emitTarget(bus.EventTargetNavigated, targetID, url)
		o.refreshSnapshot(ctx)
		return success(call.Tool, map[string]any{"target": targetID, "url": url})

	case "listTabs":
		o.refreshSnapshot(ctx)
		return success(call.Tool, o.currentSnapshot())

	default:
		return failure(call.Tool, &domain.ValidationError{Tool: call.Tool,
			Reason: fmt.Sprintf("unknown action %q", call.Action())})
	}
}

// requireTarget extracts the targetId arg, falling back to the focused tab.
func (o *Orchestrator) requireTarget(call domain.ToolCall) (string, *domain.ToolResult) {
	targetID := call.ArgString("targetId")
	if targetID == "" {
		if focused, ok := o.currentSnapshot().Focused(); ok {
			targetID = focused.ID
		}
	}
	if targetID == "" {
		res := failure(call.Tool, &domain.ValidationError{Tool: call.Tool,
			Reason: "missing targetId and no focused tab"})
		return "", &res
	}
	return targetID, nil
}

func (o *Orchestrator) emitTarget(eventType, targetID, url string) {
	if o.events == nil {
		return
	}
	payload := map[string]any{"target": targetID}
	if url != "" {
		payload["url"] = url
	}
	o.events.Emit(bus.Event{Type: eventType, Source: "orchestrator", Payload: payload})
}
