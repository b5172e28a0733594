package llm

import (
	"log/slog"

	"supernova/internal/domain"
	"supernova/internal/infra/config"
)

// NewProvider builds the configured provider stack: the HTTP client, then the
// circuit breaker, then the rate limiter on the outside so waiting callers
// never count as breaker failures.
func NewProvider(cfg config.LLMConfig, logger *slog.Logger) domain.StreamingLLMProvider {
	var p domain.StreamingLLMProvider = NewOpenAIProvider(cfg, logger)
	if cfg.CircuitBreaker.Enabled {
		p = NewCircuitBreakerProvider(p, cfg.CircuitBreaker, logger)
	}
	if cfg.RateLimit.RequestsPerSecond > 0 {
		p = NewRateLimitedProvider(p, cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	}
	return p
}
