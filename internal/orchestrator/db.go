package orchestrator

import (
	"context"
	"fmt"

	"tabpilot/internal/domain"
)

// handleDB executes the db.* tools. Statement validation (SELECT-only reads,
// WHERE-required writes) lives in the store; results come back raw for the
// model to fold into its next turn.
func (o *Orchestrator) handleDB(ctx context.Context, call domain.ToolCall) domain.ToolResult {
	if o.db == nil {
		return failure(call.Tool, &domain.DomainError{Surface: call.Tool, Reason: "database not available"})
	}

	query := call.ArgString("sql")
	if query == "" {
		query = call.ArgString("query")
	}
	if query == "" {
		return failure(call.Tool, &domain.ValidationError{Tool: call.Tool, Reason: "missing sql"})
	}
	params := argSlice(call.Args["params"])

	switch call.Action() {
	case "queryRead":
		rows, err := o.db.QueryRead(ctx, query, params...)
		if err != nil {
			return failure(call.Tool, err)
		}
		return success(call.Tool, map[string]any{"rows": rows, "count": len(rows)})

	case "queryWrite":
		affected, err := o.db.QueryWrite(ctx, query, params...)
		if err != nil {
			return failure(call.Tool, err)
		}
		return success(call.Tool, map[string]any{"rowsAffected": affected})

	default:
		return failure(call.Tool, &domain.ValidationError{Tool: call.Tool,
			Reason: fmt.Sprintf("unknown action %q", call.Action())})
	}
}

// argSlice coerces a JSON array argument into positional query params.
func argSlice(v any) []any {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	return arr
}
