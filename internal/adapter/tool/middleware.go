package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"supernova/internal/domain"
	"supernova/internal/infra/tracer"
)

// Execute is the standard tool pipeline: decode args -> start span -> run handler.
//
// The handler receives the decoded params and the active span. A returned
// error becomes a failed ToolOutput carrying the error; a nil output is
// treated as an empty success. Execute itself only returns nil errors.
func Execute[P any](
	ctx context.Context,
	spanName string,
	logger *slog.Logger,
	args map[string]any,
	handler func(ctx context.Context, span trace.Span, params P) (*domain.ToolOutput, error),
) (*domain.ToolOutput, error) {
	ctx, span := tracer.StartSpan(ctx, spanName,
		trace.WithAttributes(tracer.StringAttr("tool.name", spanName)),
	)
	defer span.End()

	p, err := DecodeArgs[P](args)
	if err != nil {
		tracer.RecordError(span, err)
		return domain.Failure(err), nil
	}

	out, err := handler(ctx, span, p)
	if err != nil {
		tracer.RecordError(span, err)
		logger.Warn(spanName+" failed", "error", err)
		return domain.Failure(err), nil
	}
	if out == nil {
		out = &domain.ToolOutput{Success: true}
	}
	if out.Success {
		tracer.SetOK(span)
	} else {
		tracer.RecordError(span, fmt.Errorf("%s", out.Error))
	}
	return out, nil
}

// DecodeArgs converts the model's argument map into P. A map still holding
// the unparsed buffer of a malformed call is rejected with ErrArgumentParse.
func DecodeArgs[P any](args map[string]any) (P, error) {
	var p P
	if raw, ok := args[domain.RawArgsKey].(string); ok && len(args) == 1 {
		return p, domain.NewDomainError("tool.DecodeArgs", domain.ErrArgumentParse,
			fmt.Sprintf("arguments are not valid JSON: %s", raw))
	}
	data, err := json.Marshal(args)
	if err != nil {
		return p, domain.NewDomainError("tool.DecodeArgs", domain.ErrArgumentParse, err.Error())
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, domain.NewDomainError("tool.DecodeArgs", domain.ErrArgumentParse, err.Error())
	}
	return p, nil
}

// OK builds a successful output from key/value data.
func OK(data map[string]any) *domain.ToolOutput {
	return &domain.ToolOutput{Success: true, Data: data}
}

// BadAction returns an error for an unknown action with a hint listing valid actions.
func BadAction(got string, valid ...string) error {
	return domain.NewDomainError("tool.Dispatch", domain.ErrInvalidInput,
		fmt.Sprintf("unknown action %q (want: %s)", got, joinComma(valid)))
}

func joinComma(ss []string) string {
	switch len(ss) {
	case 0:
		return ""
	case 1:
		return ss[0]
	}
	out := ss[0]
	for _, s := range ss[1:] {
		out += ", " + s
	}
	return out
}
