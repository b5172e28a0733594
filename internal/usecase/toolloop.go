package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"supernova/internal/domain"
	"supernova/internal/infra/tracer"
)

// DefaultMaxIterations is the completion round-trip cap per user turn.
const DefaultMaxIterations = 5

// Recovery loop constants.
const (
	maxLLMRetries  = 3
	baseRetryDelay = 500 * time.Millisecond
	maxRetryDelay  = 10 * time.Second
)

// LoopStatus is the terminal state of a loop run.
type LoopStatus string

const (
	LoopDone                 LoopStatus = "done"
	LoopMaxIterationsReached LoopStatus = "max_iterations_reached"
	LoopCancelled            LoopStatus = "cancelled"
)

// LoopDeps holds injected dependencies for the tool loop.
type LoopDeps struct {
	LLM             domain.LLMProvider
	Executor        domain.ToolExecutor
	Registry        domain.ToolRegistry
	ContextBuilder  *ContextBuilder
	Logger          *slog.Logger
	MaxIterations   int
	Stream          bool             // use ChatStream when the provider supports it
	ResultLineLimit int              // 0 = tool output is not truncated
	Bus             domain.EventBus  // optional, nil = no events
	ErrorClassifier *ErrorClassifier // optional, nil = no retries
}

// LoopState is the bookkeeping of one run. It is created per user turn.
type LoopState struct {
	Iteration      int
	Processed      map[string]struct{}
	FailedCommands []domain.FailedCommand
}

func newLoopState() *LoopState {
	return &LoopState{Processed: make(map[string]struct{})}
}

// IsProcessed reports whether a call id already produced a result.
func (s *LoopState) IsProcessed(id string) bool {
	_, ok := s.Processed[id]
	return ok
}

// priorFailure finds an earlier failed terminal command with the same text.
func (s *LoopState) priorFailure(command string) (domain.FailedCommand, bool) {
	if command == "" {
		return domain.FailedCommand{}, false
	}
	for _, f := range s.FailedCommands {
		if f.Tool != domain.TerminalCommandTool {
			continue
		}
		if prev, _ := f.Args["command"].(string); strings.TrimSpace(prev) == command {
			return f, true
		}
	}
	return domain.FailedCommand{}, false
}

// LoopOutcome is what Run hands back to the caller.
type LoopOutcome struct {
	// Response is the last response examined. On max iterations it may still
	// request tools; those are listed in Pending and were not executed.
	Response   *domain.ChatResponse
	Status     LoopStatus
	Iterations int
	Results    []domain.ToolResult
	Pending    []domain.ToolCall
}

// ToolCallLoop executes the tools a model asks for, feeds the results back
// and repeats until the model stops asking or the iteration cap is hit.
// Calls run strictly one after another.
type ToolCallLoop struct {
	deps LoopDeps
}

// NewToolCallLoop creates a loop with the given dependencies.
func NewToolCallLoop(deps LoopDeps) *ToolCallLoop {
	if deps.MaxIterations <= 0 {
		deps.MaxIterations = DefaultMaxIterations
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &ToolCallLoop{deps: deps}
}

// Run drives the loop starting from an already reconciled response. Every
// response the loop examines, the initial one included, is appended to conv
// exactly once. Only a failing LLM call (or cancellation) returns an error.
func (l *ToolCallLoop) Run(
	ctx context.Context,
	initial *domain.ChatResponse,
	conv domain.Conversation,
	state *domain.SessionState,
) (*LoopOutcome, error) {
	ctx, span := tracer.StartSpan(ctx, "loop.run")
	defer span.End()

	// Transcript writes must land even after an interrupt.
	wctx := context.WithoutCancel(ctx)

	ls := newLoopState()
	out := &LoopOutcome{Response: initial}
	resp := initial

	for {
		calls := unprocessed(ls, resp.ToolCalls())
		valid, invalid := l.partition(calls)
		span.AddEvent("loop.iteration", trace.WithAttributes(
			tracer.IntAttr("iteration", ls.Iteration),
			tracer.IntAttr("valid", len(valid)),
			tracer.IntAttr("invalid", len(invalid)),
		))

		if len(valid) == 0 && len(invalid) == 0 {
			if err := l.appendAssistant(wctx, conv, resp, nil); err != nil {
				tracer.RecordError(span, err)
				return out, err
			}
			tracer.SetOK(span)
			return l.finish(ctx, out, resp, LoopDone, ls), nil
		}

		if err := l.appendAssistant(wctx, conv, resp, valid); err != nil {
			tracer.RecordError(span, err)
			return out, err
		}

		executed, notices, cancelled, err := l.executeBatch(ctx, valid, ls, conv, state, out)
		if err != nil {
			tracer.RecordError(span, err)
			return out, err
		}
		if len(invalid) > 0 {
			notices = append(notices, unknownToolsNotice(invalid, l.deps.Registry.Schemas()))
		}
		for _, n := range notices {
			if err := appendMessage(wctx, conv, domain.Message{Role: domain.RoleSystem, Content: n}); err != nil {
				tracer.RecordError(span, err)
				return out, err
			}
		}

		if cancelled {
			l.finish(ctx, out, resp, LoopCancelled, ls)
			err := fmt.Errorf("%w: %w", domain.ErrCancelled, context.Cause(ctx))
			tracer.RecordError(span, err)
			return out, domain.WrapOp("ToolCallLoop.Run", err)
		}

		history, err := conv.Messages(wctx)
		if err != nil {
			err = domain.NewDomainError("ToolCallLoop.Run", domain.ErrConversationStore, err.Error())
			tracer.RecordError(span, err)
			return out, err
		}
		req := l.deps.ContextBuilder.BuildFollowUp(history, state, l.deps.Registry.Schemas(), executed)

		next, err := l.Complete(ctx, req, ls.Iteration+1)
		if err != nil {
			if ctx.Err() != nil {
				l.finish(ctx, out, resp, LoopCancelled, ls)
				err = fmt.Errorf("%w: %w", domain.ErrCancelled, err)
			}
			tracer.RecordError(span, err)
			return out, domain.WrapOp("ToolCallLoop.Run", err)
		}
		ls.Iteration++
		resp = next

		if ls.Iteration >= l.deps.MaxIterations {
			// The cap is not an error: the response goes back as is and
			// whatever it still asks for is reported as pending.
			out.Pending = unprocessed(ls, resp.ToolCalls())
			if err := l.appendAssistant(wctx, conv, resp, nil); err != nil {
				tracer.RecordError(span, err)
				return out, err
			}
			l.deps.Logger.Warn("tool loop reached max iterations",
				"max_iterations", l.deps.MaxIterations,
				"pending_calls", len(out.Pending),
			)
			tracer.SetOK(span)
			return l.finish(ctx, out, resp, LoopMaxIterationsReached, ls), nil
		}
	}
}

func (l *ToolCallLoop) finish(ctx context.Context, out *LoopOutcome, resp *domain.ChatResponse, status LoopStatus, ls *LoopState) *LoopOutcome {
	out.Response = resp
	out.Status = status
	out.Iterations = ls.Iteration
	l.publishEvent(ctx, domain.EventLoopCompleted, domain.LoopCompletedPayload{
		Status:     string(status),
		Iterations: ls.Iteration,
		Executed:   len(out.Results),
		Pending:    len(out.Pending),
	})
	l.deps.Logger.Debug("tool loop finished",
		"status", status,
		"iterations", ls.Iteration,
		"results", len(out.Results),
	)
	return out
}

// unprocessed drops calls whose id already produced a result in this run,
// and repeats of an id within the same response. The first occurrence wins.
func unprocessed(ls *LoopState, calls []domain.ToolCall) []domain.ToolCall {
	out := make([]domain.ToolCall, 0, len(calls))
	seen := make(map[string]struct{}, len(calls))
	for _, c := range calls {
		if ls.IsProcessed(c.ID) {
			continue
		}
		if _, dup := seen[c.ID]; dup {
			continue
		}
		seen[c.ID] = struct{}{}
		out = append(out, c)
	}
	return out
}

// partition splits calls by whether the registry knows the tool.
func (l *ToolCallLoop) partition(calls []domain.ToolCall) (valid, invalid []domain.ToolCall) {
	for _, c := range calls {
		if c.Name != "" && l.deps.Registry.Has(c.Name) {
			valid = append(valid, c)
		} else {
			invalid = append(invalid, c)
		}
	}
	return valid, invalid
}

// unknownToolsNotice lists every unknown tool name of one batch.
func unknownToolsNotice(invalid []domain.ToolCall, schemas []domain.ToolSchema) string {
	names := make([]string, 0, len(invalid))
	seen := make(map[string]bool)
	for _, c := range invalid {
		name := c.Name
		if name == "" {
			name = "(unnamed)"
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}

	available := make([]string, 0, len(schemas))
	for _, s := range schemas {
		available = append(available, s.Name)
	}
	sort.Strings(available)

	return fmt.Sprintf("The following requested tools do not exist and were not executed: %s. Available tools: %s.",
		strings.Join(names, ", "), strings.Join(available, ", "))
}

// executeBatch runs valid calls in model order. It returns how many calls
// produced a result, notices to append after the tool messages, and whether
// the batch was cut short by cancellation.
func (l *ToolCallLoop) executeBatch(
	ctx context.Context,
	calls []domain.ToolCall,
	ls *LoopState,
	conv domain.Conversation,
	state *domain.SessionState,
	out *LoopOutcome,
) (int, []string, bool, error) {
	var notices []string
	executed := 0
	wctx := context.WithoutCancel(ctx)

	for i, call := range calls {
		if ctx.Err() != nil {
			for _, rest := range calls[i:] {
				res := cancelledResult(rest, "cancelled before it started")
				if err := l.record(wctx, conv, ls, out, res); err != nil {
					return executed, notices, true, err
				}
				executed++
			}
			return executed, notices, true, nil
		}

		if ls.IsProcessed(call.ID) {
			l.deps.Logger.Warn("skipping tool call already executed in this turn",
				"tool", call.Name, "id", call.ID)
			continue
		}

		res, notice := l.executeCall(ctx, call, ls, state)
		if notice != "" {
			notices = append(notices, notice)
		}
		if err := l.record(wctx, conv, ls, out, res); err != nil {
			return executed, notices, false, err
		}
		executed++
	}
	return executed, notices, ctx.Err() != nil, nil
}

// record appends the result to the conversation and marks the call processed.
func (l *ToolCallLoop) record(ctx context.Context, conv domain.Conversation, ls *LoopState, out *LoopOutcome, res domain.ToolResult) error {
	msg := domain.Message{
		Role:       domain.RoleTool,
		Name:       res.ToolName,
		ToolCallID: res.ToolCallID,
		Content:    FormatToolResult(res, l.deps.ResultLineLimit),
		Timestamp:  res.Timestamp,
	}
	if err := appendMessage(ctx, conv, msg); err != nil {
		return err
	}
	ls.Processed[res.ToolCallID] = struct{}{}
	out.Results = append(out.Results, res)
	return nil
}

// executeCall runs one call and applies its effect on the session state.
// The second return value is a notice for the transcript, if any.
func (l *ToolCallLoop) executeCall(
	ctx context.Context,
	call domain.ToolCall,
	ls *LoopState,
	state *domain.SessionState,
) (domain.ToolResult, string) {
	ctx, span := tracer.StartSpan(ctx, "loop.execute_tool",
		trace.WithAttributes(tracer.StringAttr("tool.name", call.Name)),
	)
	defer span.End()

	res := domain.ToolResult{
		ToolName:   call.Name,
		ToolArgs:   call.Arguments,
		ToolCallID: call.ID,
		Timestamp:  time.Now(),
	}
	command := ""
	if call.Name == domain.TerminalCommandTool {
		command = strings.TrimSpace(call.StringArg("command"))
	}

	if prior, ok := ls.priorFailure(command); ok {
		res.Error = fmt.Sprintf("Skipped: the command %q already failed in iteration %d (%s). Try a different approach instead of repeating it.",
			command, prior.Iteration, firstLine(prior.Result))
		res.Err = domain.NewDomainError("ToolCallLoop.executeCall", domain.ErrRepeatedFailure, command)
		tracer.RecordError(span, res.Err)
		l.publishEvent(ctx, domain.EventToolCallSkipped, domain.ToolCallPayload{
			ID: call.ID, Name: call.Name, Command: command, Error: res.Error, Iteration: ls.Iteration,
		})
		l.deps.Logger.Info("skipping repeated failed command", "command", command, "first_failure_iteration", prior.Iteration)
		return res, fmt.Sprintf("Did not re-run `%s`: it failed in iteration %d with the same arguments.", command, prior.Iteration)
	}

	l.publishEvent(ctx, domain.EventToolCallStarted, domain.ToolCallPayload{
		ID: call.ID, Name: call.Name, Command: command, Iteration: ls.Iteration,
	})
	dir := ""
	if state != nil {
		dir = state.CWD
	}

	output, err := l.invoke(ctx, call, state)
	switch {
	case err != nil:
		res.Err = fmt.Errorf("%w: %w", domain.ErrToolExecution, err)
		res.Error = err.Error()
	case output == nil:
		res.Err = domain.NewDomainError("ToolCallLoop.executeCall", domain.ErrToolExecution, "tool returned no output")
		res.Error = "tool returned no output"
	case !output.Success:
		res.Err = output.Err
		if res.Err == nil {
			res.Err = domain.NewDomainError("ToolCallLoop.executeCall", domain.ErrToolExecution, output.Error)
		}
		res.Error = output.Error
		res.Result = output.Data
	default:
		res.Success = true
		res.Result = output.Data
	}

	if !res.Success && ctx.Err() != nil {
		res.Err = fmt.Errorf("%w: %w", domain.ErrCancelled, context.Cause(ctx))
		res.Error = "Tool execution was interrupted by the user"
	}

	l.applyEffects(call, command, dir, output, &res, ls, state)

	if res.Success {
		tracer.SetOK(span)
	} else {
		tracer.RecordError(span, res.Err)
		l.deps.Logger.Warn("tool call failed",
			"tool", call.Name,
			"error", res.Error,
			"code", domain.ErrorCodeOf(res.Err),
		)
	}
	l.publishEvent(ctx, domain.EventToolCallCompleted, domain.ToolCallPayload{
		ID: call.ID, Name: call.Name, Command: command, Success: res.Success, Error: res.Error, Iteration: ls.Iteration,
	})
	return res, ""
}

// invoke calls the executor, turning a panic into an error.
func (l *ToolCallLoop) invoke(ctx context.Context, call domain.ToolCall, state *domain.SessionState) (out *domain.ToolOutput, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool %q panicked: %v", call.Name, r)
		}
	}()
	return l.deps.Executor.Execute(ctx, call.Name, call.Arguments, state)
}

// applyEffects updates loop and session state after one execution.
func (l *ToolCallLoop) applyEffects(
	call domain.ToolCall,
	command, dir string,
	output *domain.ToolOutput,
	res *domain.ToolResult,
	ls *LoopState,
	state *domain.SessionState,
) {
	if !res.Success {
		failed := domain.FailedCommand{
			Tool:      call.Name,
			Args:      call.Arguments,
			Result:    res.Error,
			Iteration: ls.Iteration,
		}
		ls.FailedCommands = append(ls.FailedCommands, failed)
		if state != nil {
			state.FailedCommands = append(state.FailedCommands, failed)
		}
	}
	if state == nil {
		return
	}

	state.MarkToolUsed(call.Name)
	if call.Name == domain.TerminalCommandTool && command != "" {
		state.ExecutedCommands = append(state.ExecutedCommands, domain.ExecutedCommand{
			Command:   command,
			Dir:       dir,
			Success:   res.Success,
			Timestamp: res.Timestamp,
		})
		if res.Success && isChangeDirectory(command) && output != nil && output.NewDirectory != "" {
			state.ChangeDirectory(output.NewDirectory)
		}
	}
	if res.Success && output != nil && output.CreatedFile != "" {
		state.CreatedFiles = append(state.CreatedFiles, output.CreatedFile)
	}
}

func isChangeDirectory(command string) bool {
	return command == "cd" || strings.HasPrefix(command, "cd ")
}

func cancelledResult(call domain.ToolCall, why string) domain.ToolResult {
	return domain.ToolResult{
		ToolName:   call.Name,
		ToolArgs:   call.Arguments,
		ToolCallID: call.ID,
		Error:      "Tool execution was " + why,
		Err:        domain.NewDomainError("ToolCallLoop.executeBatch", domain.ErrCancelled, why),
		Timestamp:  time.Now(),
	}
}

// appendAssistant records a model response. Only the calls forwarded for
// execution are attached so every tool_call has a matching tool message.
func (l *ToolCallLoop) appendAssistant(ctx context.Context, conv domain.Conversation, resp *domain.ChatResponse, calls []domain.ToolCall) error {
	if resp == nil {
		return nil
	}
	if resp.Message.Content == "" && len(calls) == 0 {
		return nil
	}
	return appendMessage(ctx, conv, domain.Message{
		Role:      domain.RoleAssistant,
		Content:   resp.Message.Content,
		ToolCalls: calls,
		Timestamp: time.Now(),
	})
}

func appendMessage(ctx context.Context, conv domain.Conversation, msg domain.Message) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if err := conv.Append(ctx, msg); err != nil {
		return domain.NewDomainError("ToolCallLoop.append", domain.ErrConversationStore, err.Error())
	}
	return nil
}

// Complete performs one LLM round-trip, streaming through a fresh
// StreamReconciler when configured. Retryable failures are retried when an
// ErrorClassifier is set.
func (l *ToolCallLoop) Complete(ctx context.Context, req domain.ChatRequest, iteration int) (*domain.ChatResponse, error) {
	l.publishEvent(ctx, domain.EventLLMCallStarted, map[string]int{"iteration": iteration})

	maxAttempts := 1
	if l.deps.ErrorClassifier != nil {
		maxAttempts = maxLLMRetries
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		resp, err := l.completeOnce(ctx, req, iteration)
		if err == nil {
			l.publishEvent(ctx, domain.EventLLMCallCompleted, map[string]int{
				"iteration":  iteration,
				"tool_calls": len(resp.ToolCalls()),
				"tokens":     resp.Usage.TotalTokens,
			})
			l.deps.Logger.Debug("llm response",
				"iteration", iteration,
				"tool_calls", len(resp.ToolCalls()),
				"tokens", resp.Usage.TotalTokens,
			)
			return resp, nil
		}
		lastErr = err

		if l.deps.ErrorClassifier == nil || ctx.Err() != nil {
			break
		}
		classified := l.deps.ErrorClassifier.Classify(err)
		if classified.Category != ErrorCategoryRetryable || attempt == maxAttempts-1 {
			break
		}

		delay := retryBackoff(attempt)
		l.deps.Logger.Info("retrying LLM call after error",
			"attempt", attempt+1, "delay", delay, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if l.deps.Stream {
		l.publishEvent(ctx, domain.EventStreamError, domain.StreamErrorPayload{Error: lastErr.Error()})
	}
	return nil, lastErr
}

func (l *ToolCallLoop) completeOnce(ctx context.Context, req domain.ChatRequest, iteration int) (*domain.ChatResponse, error) {
	if sp, ok := l.deps.LLM.(domain.StreamingLLMProvider); ok && l.deps.Stream {
		return l.completeStream(ctx, sp, req, iteration)
	}

	ctx, span := tracer.StartSpan(ctx, "llm.chat")
	defer span.End()
	resp, err := l.deps.LLM.Chat(ctx, req)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	tracer.SetOK(span)
	return resp, nil
}

// completeStream feeds every delta of one stream through a new reconciler.
// Tool calls are only taken from the finalized result.
func (l *ToolCallLoop) completeStream(ctx context.Context, sp domain.StreamingLLMProvider, req domain.ChatRequest, iteration int) (*domain.ChatResponse, error) {
	ctx, span := tracer.StartSpan(ctx, "llm.stream")
	defer span.End()

	// Stop the producer if we bail out early.
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req.Stream = true
	deltas, err := sp.ChatStream(streamCtx, req)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	rec := NewStreamReconciler()
	done := false
	for delta := range deltas {
		if delta.Err != nil {
			tracer.RecordError(span, delta.Err)
			return nil, delta.Err
		}
		if delta.Done {
			done = true
		}
		ev := rec.Ingest(delta)
		switch ev.Kind {
		case EventContent:
			l.publishEvent(ctx, domain.EventStreamDelta, domain.StreamDeltaPayload{
				Content:     ev.Content,
				Accumulated: ev.Accumulated,
				Iteration:   iteration,
			})
		case EventToolCalls:
			payload := domain.StreamDeltaPayload{Iteration: iteration}
			for _, d := range ev.Drafts {
				payload.ToolCallIDs = append(payload.ToolCallIDs, d.ID)
				payload.Ready = append(payload.Ready, d.Ready)
			}
			l.publishEvent(ctx, domain.EventStreamDelta, payload)
		}
	}
	if err := ctx.Err(); err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	// A stream that closes without a finish marker was cut off; its partial
	// calls must not run.
	if !done {
		err := fmt.Errorf("%w: stream ended before completion: %w", domain.ErrProviderError, io.ErrUnexpectedEOF)
		tracer.RecordError(span, err)
		return nil, err
	}
	if n := rec.DroppedFragments(); n > 0 {
		l.deps.Logger.Warn("tool call fragments dropped past the per-stream draft limit",
			"dropped", n, "limit", maxDraftsPerStream)
	}

	resp, outcomes := rec.FinalizeWithOutcomes()
	for i, o := range outcomes {
		if o == OutcomeMalformed {
			l.deps.Logger.Warn("tool call arguments were not valid JSON",
				"tool", resp.Message.ToolCalls[i].Name,
				"id", resp.Message.ToolCalls[i].ID,
				"code", domain.ErrorCodeOf(domain.ErrArgumentParse),
			)
		}
	}
	l.publishEvent(ctx, domain.EventStreamCompleted, domain.StreamCompletedPayload{
		Content:          resp.Message.Content,
		ToolCalls:        len(resp.Message.ToolCalls),
		DroppedFragments: rec.DroppedFragments(),
		Usage:            &resp.Usage,
	})
	tracer.SetOK(span)
	return resp, nil
}

// retryBackoff computes exponential backoff with jitter.
func retryBackoff(attempt int) time.Duration {
	delay := baseRetryDelay * time.Duration(1<<uint(attempt))
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	// Add 0-25% jitter.
	jitter := time.Duration(rand.Int63n(int64(delay/4) + 1))
	return delay + jitter
}

func (l *ToolCallLoop) publishEvent(ctx context.Context, eventType domain.EventType, payload any) {
	publishEvent(l.deps.Bus, ctx, eventType, domain.SessionIDFromContext(ctx), payload)
}

// publishEvent publishes a domain event on the bus if it is configured.
func publishEvent(bus domain.EventBus, ctx context.Context, eventType domain.EventType, sessionID string, payload any) {
	if bus == nil {
		return
	}
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err == nil {
			raw = data
		}
	}
	bus.Publish(ctx, domain.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		SessionID: sessionID,
		Payload:   raw,
	})
}

// errIsCancellation reports whether err came from a user interrupt.
func errIsCancellation(err error) bool {
	return errors.Is(err, domain.ErrCancelled) || errors.Is(err, context.Canceled)
}
