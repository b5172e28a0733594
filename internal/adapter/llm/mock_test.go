package llm

import (
	"context"
	"io"
	"log/slog"

	"supernova/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type mockProvider struct {
	name       string
	chatFunc   func(context.Context, domain.ChatRequest) (*domain.ChatResponse, error)
	streamFunc func(context.Context, domain.ChatRequest) (<-chan domain.StreamDelta, error)
	calls      int
}

func (m *mockProvider) Name() string { return m.name }

func (m *mockProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	m.calls++
	if m.chatFunc == nil {
		return &domain.ChatResponse{}, nil
	}
	return m.chatFunc(ctx, req)
}

type mockStreamProvider struct {
	mockProvider
}

func (m *mockStreamProvider) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	m.calls++
	if m.streamFunc == nil {
		ch := make(chan domain.StreamDelta)
		close(ch)
		return ch, nil
	}
	return m.streamFunc(ctx, req)
}
