// Package orchestrator executes tool-call batches. It is the single entry
// point between parsed model output and the automation surfaces, database,
// mail relay and integrations behind it.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tabpilot/internal/alias"
	"tabpilot/internal/bus"
	"tabpilot/internal/dispatch"
	"tabpilot/internal/domain"
	"tabpilot/internal/errorlog"
	"tabpilot/internal/mailer"
	"tabpilot/internal/metrics"
)

// DBHandler is the validated query surface behind the db.* tools.
type DBHandler interface {
	QueryRead(ctx context.Context, query string, params ...any) ([]map[string]any, error)
	QueryWrite(ctx context.Context, query string, params ...any) (int64, error)
}

// MailSender delivers one outbound mail.
type MailSender interface {
	Send(ctx context.Context, msg mailer.Message) error
}

// IntegrationCaller invokes one allow-listed integration.
type IntegrationCaller interface {
	Call(ctx context.Context, name string, input map[string]any) (any, error)
}

// AuditSink records every executed call. Optional.
type AuditSink interface {
	LogAudit(ctx context.Context, tool string, ok bool, args, errMsg string) error
}

// Orchestrator routes tool calls to their handlers and owns the cached
// surface snapshot the handlers resolve targets against.
type Orchestrator struct {
	surfaces     domain.SurfaceManager
	dispatcher   *dispatch.Dispatcher
	aliases      *alias.Book
	errlog       *errorlog.Log
	db           DBHandler
	mail         MailSender
	integrations IntegrationCaller
	audit        AuditSink
	events       *bus.EventBus
	logger       *slog.Logger

	sendAttempts int
	sendDelay    time.Duration

	mu       sync.Mutex
	snapshot domain.Snapshot
}

// Config wires an Orchestrator. Surfaces, Dispatcher, Aliases and ErrorLog
// are required; the domain handlers may be nil, in which case their
// namespaces fail cleanly.
type Config struct {
	Surfaces     domain.SurfaceManager
	Dispatcher   *dispatch.Dispatcher
	Aliases      *alias.Book
	ErrorLog     *errorlog.Log
	DB           DBHandler
	Mail         MailSender
	Integrations IntegrationCaller
	Audit        AuditSink
	Events       *bus.EventBus
	Logger       *slog.Logger

	// SendAttempts and SendDelay tune the retrying dispatcher per message;
	// zero values fall back to the dispatcher's defaults.
	SendAttempts int
	SendDelay    time.Duration
}

func New(cfg Config) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Orchestrator{
		surfaces:     cfg.Surfaces,
		dispatcher:   cfg.Dispatcher,
		aliases:      cfg.Aliases,
		errlog:       cfg.ErrorLog,
		db:           cfg.DB,
		mail:         cfg.Mail,
		integrations: cfg.Integrations,
		audit:        cfg.Audit,
		events:       cfg.Events,
		logger:       cfg.Logger,
		sendAttempts: cfg.SendAttempts,
		sendDelay:    cfg.SendDelay,
	}
}

// Execute runs calls sequentially and returns one result per call, in input
// order. A failing call never aborts the batch; its slot carries ok:false and
// execution continues with the next call. Calls that mutate surface state
// trigger a snapshot refresh so later calls in the batch see current state.
func (o *Orchestrator) Execute(ctx context.Context, calls []domain.ToolCall) []domain.ToolResult {
	start := time.Now()
	metrics.BatchesTotal.Inc()
	defer func() {
		metrics.BatchLatency.Observe(time.Since(start).Seconds())
	}()

	results := make([]domain.ToolResult, len(calls))
	for i, call := range calls {
		results[i] = o.executeOne(ctx, call)
		metrics.CallsTotal.Inc()
		if !results[i].OK {
			metrics.CallFailures.Inc()
			if o.errlog != nil {
				o.errlog.Record(ctx, call.Tool, results[i].Error, call.ArgsSummary(120))
			}
		}
		if o.audit != nil {
			if err := o.audit.LogAudit(ctx, call.Tool, results[i].OK,
				call.ArgsSummary(200), results[i].Error); err != nil {
				o.logger.Warn("audit write failed", "tool", call.Tool, "error", err)
			}
		}
	}
	if o.events != nil {
		o.events.Emit(bus.Event{
			Type:    bus.EventBatchExecuted,
			Source:  "orchestrator",
			Payload: map[string]any{"calls": len(calls)},
		})
	}
	return results
}

// executeOne isolates a single call: a panicking handler becomes an ok:false
// result instead of taking the batch down.
func (o *Orchestrator) executeOne(ctx context.Context, call domain.ToolCall) (res domain.ToolResult) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("tool handler panicked", "tool", call.Tool, "panic", r)
			res = failure(call.Tool, fmt.Errorf("internal error: %v", r))
		}
	}()

	if !domain.ValidToolName(call.Tool) {
		return failure(call.Tool, &domain.ValidationError{Tool: call.Tool, Reason: "malformed tool name"})
	}

	o.logger.Info("executing tool call", "tool", call.Tool, "args", call.ArgsSummary(120))

	switch call.Namespace() {
	case "browser":
		return o.handleBrowser(ctx, call)
	case "whatsapp":
		return o.handleChat(ctx, call)
	case "db":
		return o.handleDB(ctx, call)
	case "mail":
		return o.handleMail(ctx, call)
	case "integration":
		return o.handleIntegration(ctx, call)
	default:
		return failure(call.Tool, &domain.ValidationError{Tool: call.Tool,
			Reason: fmt.Sprintf("unknown namespace %q", call.Namespace())})
	}
}

// refreshSnapshot re-reads the upstream surface state. Called after every
// mutating call; failures keep the previous snapshot.
func (o *Orchestrator) refreshSnapshot(ctx context.Context) {
	if o.surfaces == nil {
		return
	}
	snap, err := o.surfaces.RequestSnapshot(ctx)
	if err != nil {
		o.logger.Warn("snapshot refresh failed", "error", err)
		return
	}
	o.mu.Lock()
	o.snapshot = snap
	o.mu.Unlock()
	if o.events != nil {
		o.events.Emit(bus.Event{
			Type:    bus.EventSnapshotRefreshed,
			Source:  "orchestrator",
			Payload: map[string]any{"targets": len(snap.Targets)},
		})
	}
}

// currentSnapshot returns the cached surface snapshot.
func (o *Orchestrator) currentSnapshot() domain.Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshot
}

func success(tool string, result any) domain.ToolResult {
	return domain.ToolResult{Tool: tool, OK: true, Result: result}
}

func failure(tool string, err error) domain.ToolResult {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return domain.ToolResult{Tool: tool, OK: false, Error: msg}
}
