package llm

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"supernova/internal/domain"
)

// RateLimitedProvider spaces out provider calls with a token bucket. Callers
// wait for a token; a cancelled wait returns ErrCancelled.
type RateLimitedProvider struct {
	inner   domain.LLMProvider
	limiter *rate.Limiter
}

// NewRateLimitedProvider allows rps requests per second with the given burst.
// A burst below one is raised to one.
func NewRateLimitedProvider(inner domain.LLMProvider, rps float64, burst int) *RateLimitedProvider {
	if burst < 1 {
		burst = 1
	}
	return &RateLimitedProvider{inner: inner, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (p *RateLimitedProvider) Name() string { return p.inner.Name() }

func (p *RateLimitedProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	return p.inner.Chat(ctx, req)
}

func (p *RateLimitedProvider) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	sp, ok := p.inner.(domain.StreamingLLMProvider)
	if !ok {
		return nil, fmt.Errorf("provider %q does not support streaming", p.inner.Name())
	}
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	return sp.ChatStream(ctx, req)
}

func (p *RateLimitedProvider) wait(ctx context.Context) error {
	if err := p.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: waiting for rate limiter: %w", domain.ErrCancelled, context.Cause(ctx))
		}
		return fmt.Errorf("%w: %w", domain.ErrRateLimit, err)
	}
	return nil
}

var _ domain.StreamingLLMProvider = (*RateLimitedProvider)(nil)
