package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"supernova/internal/domain"
	"supernova/internal/infra/tracer"
)

// AgentDeps holds injected dependencies for the agent.
type AgentDeps struct {
	Loop           *ToolCallLoop
	ContextBuilder *ContextBuilder
	Registry       domain.ToolRegistry
	Logger         *slog.Logger
}

// Agent handles one user turn: the first completion, then the tool loop.
type Agent struct {
	deps AgentDeps
}

// TurnResult is the outcome of one user message.
type TurnResult struct {
	Answer  string
	Outcome *LoopOutcome
}

// NewAgent creates an agent with the given dependencies.
func NewAgent(deps AgentDeps) *Agent {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Agent{deps: deps}
}

// HandleMessage appends the user message, asks the model and lets the tool
// loop run to completion. A cancelled turn returns the partial outcome along
// with an error wrapping domain.ErrCancelled.
func (a *Agent) HandleMessage(ctx context.Context, conv domain.Conversation, state *domain.SessionState, text string) (*TurnResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, domain.NewDomainError("Agent.HandleMessage", domain.ErrInvalidInput, "empty message")
	}

	ctx, span := tracer.StartSpan(ctx, "agent.handle_message",
		trace.WithAttributes(tracer.IntAttr("message.length", len(text))),
	)
	defer span.End()
	start := time.Now()

	if err := conv.Append(ctx, domain.Message{Role: domain.RoleUser, Content: text, Timestamp: start}); err != nil {
		err = domain.NewDomainError("Agent.HandleMessage", domain.ErrConversationStore, err.Error())
		tracer.RecordError(span, err)
		return nil, err
	}

	history, err := conv.Messages(ctx)
	if err != nil {
		err = domain.NewDomainError("Agent.HandleMessage", domain.ErrConversationStore, err.Error())
		tracer.RecordError(span, err)
		return nil, err
	}

	req := a.deps.ContextBuilder.Build(history, state, a.deps.Registry.Schemas())
	initial, err := a.deps.Loop.Complete(ctx, req, 0)
	if err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: %w", domain.ErrCancelled, err)
		}
		tracer.RecordError(span, err)
		return nil, domain.WrapOp("Agent.HandleMessage", err)
	}

	outcome, err := a.deps.Loop.Run(ctx, initial, conv, state)
	result := &TurnResult{Outcome: outcome}
	if outcome != nil && outcome.Response != nil {
		result.Answer = outcome.Response.Message.Content
	}
	if err != nil {
		tracer.RecordError(span, err)
		if errIsCancellation(err) {
			a.deps.Logger.Info("turn cancelled", "duration", time.Since(start))
		}
		return result, err
	}

	span.SetAttributes(
		tracer.StringAttr("loop.status", string(outcome.Status)),
		tracer.IntAttr("loop.iterations", outcome.Iterations),
	)
	tracer.SetOK(span)
	a.deps.Logger.Info("turn completed",
		"status", outcome.Status,
		"iterations", outcome.Iterations,
		"tool_results", len(outcome.Results),
		"duration", time.Since(start),
	)
	return result, nil
}
