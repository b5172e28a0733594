package usecase

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sort"
	"sync"

	"supernova/internal/domain"
)

// --- Mocks ---

type mockLLM struct {
	mu        sync.Mutex
	responses []*domain.ChatResponse
	errs      []error
	requests  []domain.ChatRequest
	callIdx   int
}

func (m *mockLLM) Chat(_ context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	idx := m.callIdx
	m.callIdx++
	if idx < len(m.errs) && m.errs[idx] != nil {
		return nil, m.errs[idx]
	}
	if idx >= len(m.responses) {
		return textResponse("fallback"), nil
	}
	return m.responses[idx], nil
}

func (m *mockLLM) Name() string { return "mock" }

func (m *mockLLM) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callIdx
}

// mockStreamLLM replays one delta script per ChatStream call.
type mockStreamLLM struct {
	mockLLM
	scripts [][]domain.StreamDelta
	streams int
}

func (m *mockStreamLLM) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	var script []domain.StreamDelta
	if m.streams < len(m.scripts) {
		script = m.scripts[m.streams]
	}
	m.streams++
	m.mu.Unlock()

	ch := make(chan domain.StreamDelta)
	go func() {
		defer close(ch)
		for _, d := range script {
			select {
			case ch <- d:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

type toolFunc func(ctx context.Context, args map[string]any, state *domain.SessionState) (*domain.ToolOutput, error)

// mockTools is both the executor and the registry of a test.
type mockTools struct {
	mu    sync.Mutex
	tools map[string]toolFunc
	calls []string
}

func newMockTools() *mockTools {
	return &mockTools{tools: make(map[string]toolFunc)}
}

func (m *mockTools) add(name string, fn toolFunc) *mockTools {
	m.tools[name] = fn
	return m
}

func (m *mockTools) Has(name string) bool {
	_, ok := m.tools[name]
	return ok
}

func (m *mockTools) Schemas() []domain.ToolSchema {
	names := make([]string, 0, len(m.tools))
	for n := range m.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]domain.ToolSchema, 0, len(names))
	for _, n := range names {
		out = append(out, domain.ToolSchema{Name: n, Parameters: json.RawMessage(`{"type":"object"}`)})
	}
	return out
}

func (m *mockTools) Execute(ctx context.Context, name string, args map[string]any, state *domain.SessionState) (*domain.ToolOutput, error) {
	m.mu.Lock()
	m.calls = append(m.calls, name)
	fn := m.tools[name]
	m.mu.Unlock()
	if fn == nil {
		return nil, domain.ErrToolNotFound
	}
	return fn(ctx, args, state)
}

func (m *mockTools) executed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// --- Helpers ---

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func textResponse(content string) *domain.ChatResponse {
	return &domain.ChatResponse{
		Message: domain.Message{Role: domain.RoleAssistant, Content: content},
	}
}

func toolResponse(content string, calls ...domain.ToolCall) *domain.ChatResponse {
	return &domain.ChatResponse{
		Message: domain.Message{Role: domain.RoleAssistant, Content: content, ToolCalls: calls},
	}
}

func command(id, cmd string) domain.ToolCall {
	return domain.ToolCall{
		ID:        id,
		Name:      domain.TerminalCommandTool,
		Arguments: map[string]any{"command": cmd},
	}
}

func okOutput(stdout string) *domain.ToolOutput {
	return &domain.ToolOutput{Success: true, Data: map[string]any{"stdout": stdout}}
}

func roles(msgs []domain.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Role
	}
	return out
}
