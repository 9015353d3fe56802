package orchestrator

import (
	"context"
	"fmt"

	"tabpilot/internal/domain"
)

// handleIntegration executes integration.call against the allow-listed
// registry. Unknown names fail here as validation errors without any network
// traffic.
func (o *Orchestrator) handleIntegration(ctx context.Context, call domain.ToolCall) domain.ToolResult {
	if o.integrations == nil {
		return failure(call.Tool, &domain.DomainError{Surface: call.Tool, Reason: "integrations not configured"})
	}
	if call.Action() != "call" {
		return failure(call.Tool, &domain.ValidationError{Tool: call.Tool,
			Reason: fmt.Sprintf("unknown action %q", call.Action())})
	}

	name := call.ArgString("name")
	if name == "" {
		return failure(call.Tool, &domain.ValidationError{Tool: call.Tool, Reason: "missing name"})
	}
	input, _ := call.Args["input"].(map[string]any)

	out, err := o.integrations.Call(ctx, name, input)
	if err != nil {
		return failure(call.Tool, err)
	}
	return success(call.Tool, out)
}
