package llm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"supernova/internal/domain"
)

func TestRateLimitedProviderSpacesCalls(t *testing.T) {
	inner := &mockStreamProvider{mockProvider{name: "rl"}}
	p := NewRateLimitedProvider(inner, 20, 1)

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := p.Chat(context.Background(), domain.ChatRequest{})
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
	assert.Equal(t, 3, inner.calls)
	assert.Equal(t, "rl", p.Name())
}

func TestRateLimitedProviderCancelledWait(t *testing.T) {
	inner := &mockStreamProvider{mockProvider{name: "rl"}}
	p := NewRateLimitedProvider(inner, 0.001, 1)
	_, err := p.Chat(context.Background(), domain.ChatRequest{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.ChatStream(ctx, domain.ChatRequest{})
	assert.ErrorIs(t, err, domain.ErrCancelled)
	assert.Equal(t, 1, inner.calls)
}

func TestRateLimitedProviderWaitTooLong(t *testing.T) {
	p := NewRateLimitedProvider(&mockProvider{name: "rl"}, 0.001, 1)
	_, _ = p.Chat(context.Background(), domain.ChatRequest{})

	// The next token is far past the deadline, so Wait fails without blocking.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	start := time.Now()
	_, err := p.Chat(ctx, domain.ChatRequest{})
	assert.ErrorIs(t, err, domain.ErrRateLimit)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestNewProviderStack(t *testing.T) {
	cfg := testLLMConfig("http://localhost:1")
	_, plain := NewProvider(cfg, discardLogger()).(*OpenAIProvider)
	assert.True(t, plain)

	cfg.CircuitBreaker.Enabled = true
	_, isCB := NewProvider(cfg, discardLogger()).(*CircuitBreakerProvider)
	assert.True(t, isCB)

	cfg.RateLimit.RequestsPerSecond = 5
	_, isRL := NewProvider(cfg, discardLogger()).(*RateLimitedProvider)
	assert.True(t, isRL)
}
