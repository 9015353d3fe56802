// Package pipeline consumes inbound text from the bus, turns it into tool
// calls (parser first, intent detector as fallback), runs them through the
// orchestrator and publishes the result batch. It also drives the periodic
// best-effort alias reconciliation in the background.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"tabpilot/internal/alias"
	"tabpilot/internal/background"
	"tabpilot/internal/domain"
	"tabpilot/internal/errorlog"
	"tabpilot/internal/generation"
	"tabpilot/internal/intent"
	"tabpilot/internal/metrics"
	"tabpilot/internal/orchestrator"
	"tabpilot/internal/toolcall"
)

const (
	errorSummaryLimit = 5
	aliasSyncInterval = 10 * time.Minute
)

// Pipeline is the glue between the text bus and the execution core.
type Pipeline struct {
	bus      domain.TextBus
	parser   *toolcall.Parser
	detector *intent.Detector
	orch     *orchestrator.Orchestrator
	errlog   *errorlog.Log
	guard    *generation.Guard
	aliases  *alias.Book
	history  domain.HistoryStore
	tasks    *background.Executor
	logger   *slog.Logger
}

// Config wires a Pipeline. History and Tasks may be nil to disable the
// background alias sync.
type Config struct {
	Bus      domain.TextBus
	Parser   *toolcall.Parser
	Detector *intent.Detector
	Orch     *orchestrator.Orchestrator
	ErrorLog *errorlog.Log
	Guard    *generation.Guard
	Aliases  *alias.Book
	History  domain.HistoryStore
	Tasks    *background.Executor
	Logger   *slog.Logger
}

func New(cfg Config) *Pipeline {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Guard == nil {
		cfg.Guard = generation.NewGuard()
	}
	return &Pipeline{
		bus:      cfg.Bus,
		parser:   cfg.Parser,
		detector: cfg.Detector,
		orch:     cfg.Orch,
		errlog:   cfg.ErrorLog,
		guard:    cfg.Guard,
		aliases:  cfg.Aliases,
		history:  cfg.History,
		tasks:    cfg.Tasks,
		logger:   cfg.Logger,
	}
}

// Run consumes the bus until ctx is canceled or the bus closes. Messages are
// handled sequentially: within one batch, a mutating call is followed by a
// snapshot refresh before the next call runs, and overlapping batches would
// break that ordering.
func (p *Pipeline) Run(ctx context.Context) {
	p.logger.Info("pipeline started")
	ticker := time.NewTicker(aliasSyncInterval)
	defer ticker.Stop()

	inbound := p.bus.Subscribe()
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("pipeline stopped", "reason", ctx.Err())
			return
		case <-ticker.C:
			p.scheduleAliasSync(ctx, false)
		case msg, ok := <-inbound:
			if !ok {
				p.logger.Info("pipeline stopped, bus closed")
				return
			}
			p.handle(ctx, msg)
		}
	}
}

// handle turns one inbound text into an executed batch. The generation token
// taken before execution gates publication: if a newer message for the same
// session landed meanwhile, this batch's results are discarded.
func (p *Pipeline) handle(ctx context.Context, msg domain.InboundText) {
	flow := sessionFlow(msg.SessionID)
	token := p.guard.Begin(flow)

	calls := p.extractCalls(msg)
	if len(calls) == 0 {
		return
	}

	results := p.orch.Execute(ctx, calls)

	if !p.guard.IsCurrent(flow, token) {
		metrics.StaleDiscards.Inc()
		p.logger.Info("discarding stale batch results",
			"session", msg.SessionID, "token", token, "calls", len(calls))
		return
	}

	batch := domain.OutboundBatch{
		Channel:   msg.Channel,
		SessionID: msg.SessionID,
		Results:   results,
	}
	if p.errlog != nil {
		batch.ErrorSummary = p.errlog.PromptSummary(errorSummaryLimit)
	}
	p.bus.SendOutbound(batch)
}

// extractCalls prefers parsed fenced blocks; the intent detector only runs as
// a fallback, and only on user-sourced text.
func (p *Pipeline) extractCalls(msg domain.InboundText) []domain.ToolCall {
	if calls := p.parser.Parse(msg.Content); len(calls) > 0 {
		return calls
	}
	if p.detector == nil || msg.Source != "user" {
		return nil
	}
	calls := p.detector.Detect(msg.Content, intent.Options{Source: msg.Source})
	if len(calls) > 0 {
		metrics.DirectIntents.Inc()
	}
	return calls
}

// scheduleAliasSync submits one reconciliation pass against chat history.
// The alias book's own cooldown makes overlapping submissions harmless.
func (p *Pipeline) scheduleAliasSync(ctx context.Context, force bool) {
	if p.aliases == nil || p.history == nil || p.tasks == nil {
		return
	}
	token := p.guard.Begin(generation.FlowAliasSync)
	p.tasks.Submit(ctx, "alias sync", func(taskCtx context.Context) error {
		res, ran := p.aliases.SyncFromHistory(taskCtx, p.history, force)
		if !ran {
			return nil
		}
		if !p.guard.IsCurrent(generation.FlowAliasSync, token) {
			metrics.StaleDiscards.Inc()
			return nil
		}
		if res.Changed {
			p.logger.Info("alias book reconciled",
				"added", res.Added, "updated", res.Updated)
		}
		return nil
	})
}

// sessionFlow keys the staleness guard per logical conversation.
func sessionFlow(sessionID string) generation.FlowKind {
	return generation.FlowKind(string(generation.FlowSuggestion) + ":" + sessionID)
}
