package usecase

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"supernova/internal/domain"
)

func TestClassifyNilError(t *testing.T) {
	c := NewErrorClassifier()
	got := c.Classify(nil)
	if got.Category != ErrorCategoryUnknown {
		t.Errorf("Category = %d, want Unknown", got.Category)
	}
	if got.Original != nil {
		t.Errorf("Original = %v, want nil", got.Original)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		category   ErrorCategory
		sentinel   error
		statusCode int
	}{
		{"rate limit 429", fmt.Errorf("API error 429: rate limit exceeded"), ErrorCategoryRetryable, domain.ErrRateLimit, 429},
		{"auth 401", fmt.Errorf("API error 401: unauthorized"), ErrorCategoryPermanent, domain.ErrAuthInvalid, 401},
		{"auth 403", fmt.Errorf("API error 403: forbidden"), ErrorCategoryPermanent, domain.ErrAuthInvalid, 403},
		{"overflow 400", fmt.Errorf("API error 400: maximum context length is 8192 tokens"), ErrorCategoryPermanent, domain.ErrContextOverflow, 400},
		{"bad request 400", fmt.Errorf("API error 400: invalid model"), ErrorCategoryPermanent, nil, 400},
		{"server 500", fmt.Errorf("API error 500: internal"), ErrorCategoryRetryable, nil, 500},
		{"server 503", fmt.Errorf("API error 503: overloaded"), ErrorCategoryRetryable, nil, 503},
		{"request timeout 408", fmt.Errorf("API error 408: slow"), ErrorCategoryRetryable, nil, 408},
		{"not found 404", fmt.Errorf("API error 404: no such model"), ErrorCategoryPermanent, nil, 404},
		{"connection refused", fmt.Errorf("dial tcp: connection refused"), ErrorCategoryRetryable, nil, 0},
		{"truncated stream", fmt.Errorf("read stream: unexpected EOF"), ErrorCategoryRetryable, nil, 0},
		{"rate limit string", fmt.Errorf("too many requests, slow down"), ErrorCategoryRetryable, domain.ErrRateLimit, 0},
		{"wrapped sentinel", fmt.Errorf("openai: %w", domain.ErrRateLimit), ErrorCategoryRetryable, domain.ErrRateLimit, 0},
		{"wrapped timeout", fmt.Errorf("openai: %w", domain.ErrTimeout), ErrorCategoryRetryable, domain.ErrTimeout, 0},
		{"cancelled", fmt.Errorf("%w: %w", domain.ErrCancelled, context.Canceled), ErrorCategoryPermanent, domain.ErrCancelled, 0},
		{"context canceled", context.Canceled, ErrorCategoryPermanent, domain.ErrCancelled, 0},
		{"unknown", errors.New("something odd"), ErrorCategoryUnknown, nil, 0},
	}

	c := NewErrorClassifier()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify(tt.err)
			if got.Category != tt.category {
				t.Errorf("Category = %d, want %d", got.Category, tt.category)
			}
			if tt.sentinel == nil && got.Sentinel != nil {
				t.Errorf("Sentinel = %v, want nil", got.Sentinel)
			}
			if tt.sentinel != nil && !errors.Is(got.Sentinel, tt.sentinel) {
				t.Errorf("Sentinel = %v, want %v", got.Sentinel, tt.sentinel)
			}
			if got.StatusCode != tt.statusCode {
				t.Errorf("StatusCode = %d, want %d", got.StatusCode, tt.statusCode)
			}
			if got.Original != tt.err {
				t.Errorf("Original = %v, want %v", got.Original, tt.err)
			}
		})
	}
}
