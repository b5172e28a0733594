package tool

import (
	"context"
	"sort"

	"go.opentelemetry.io/otel/trace"

	"supernova/internal/domain"
	"supernova/internal/infra/tracer"
)

// ActionHandler handles a single action of an action-based tool.
type ActionHandler[P any] func(ctx context.Context, p P, state *domain.SessionState) (*domain.ToolOutput, error)

// ActionMap maps action names to their handlers.
type ActionMap[P any] map[string]ActionHandler[P]

// Dispatch creates a handler for Execute[P] that routes by action name.
//
// Usage:
//
//	func (t *FooTool) Execute(ctx context.Context, args map[string]any, state *domain.SessionState) (*domain.ToolOutput, error) {
//	    return Execute(ctx, "tool.foo", t.logger, args,
//	        Dispatch(state, func(p fooParams) string { return p.Action }, ActionMap[fooParams]{
//	            "create": t.handleCreate,
//	            "list":   t.handleList,
//	        }),
//	    )
//	}
func Dispatch[P any](
	state *domain.SessionState,
	getAction func(P) string,
	actions ActionMap[P],
) func(ctx context.Context, span trace.Span, p P) (*domain.ToolOutput, error) {
	validActions := make([]string, 0, len(actions))
	for name := range actions {
		validActions = append(validActions, name)
	}
	sort.Strings(validActions)

	return func(ctx context.Context, span trace.Span, p P) (*domain.ToolOutput, error) {
		action := getAction(p)
		span.SetAttributes(tracer.StringAttr("tool.action", action))

		handler, ok := actions[action]
		if !ok {
			return nil, BadAction(action, validActions...)
		}
		return handler(ctx, p, state)
	}
}
