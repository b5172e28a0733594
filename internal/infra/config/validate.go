package config

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateLLM(cfg, ve)
	validateChat(cfg, ve)
	validateCommandExecution(cfg, ve)
	validatePersistence(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

var validProviders = map[string]bool{
	"openai":     true,
	"openrouter": true,
	"ollama":     true,
	"groq":       true,
}

func validateLLM(cfg *Config, ve *ValidationError) {
	l := cfg.LLM
	if !validProviders[l.Provider] {
		ve.Add("llm.provider %q is not supported (want openai, openrouter, ollama or groq)", l.Provider)
	}
	if l.Model == "" {
		ve.Add("llm.model must not be empty")
	}
	if u, err := url.Parse(l.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		ve.Add("llm.base_url %q is not a valid URL", l.BaseURL)
	}
	if l.MaxTokens < 0 {
		ve.Add("llm.max_tokens must be >= 0")
	}
	if l.Temperature < 0 || l.Temperature > 2 {
		ve.Add("llm.temperature must be between 0 and 2")
	}
	if l.ConnTimeout < 0 || l.RespTimeout < 0 {
		ve.Add("llm timeouts must be >= 0")
	}
	if l.RateLimit.RequestsPerSecond < 0 {
		ve.Add("llm.rate_limit.requests_per_second must be >= 0")
	}
	if l.RateLimit.RequestsPerSecond > 0 && l.RateLimit.Burst < 0 {
		ve.Add("llm.rate_limit.burst must be >= 0")
	}
}

func validateChat(cfg *Config, ve *ValidationError) {
	c := cfg.Chat
	if c.MaxToolIterations <= 0 {
		ve.Add("chat.max_tool_iterations must be > 0")
	}
	if c.HistoryLimit < 0 {
		ve.Add("chat.history_limit must be >= 0")
	}
	if c.ToolResultLineLimit < 0 {
		ve.Add("chat.tool_result_line_limit must be >= 0")
	}
	if strings.TrimSpace(c.SystemPrompt) == "" {
		ve.Add("chat.system_prompt must not be empty")
	}
}

func validateCommandExecution(cfg *Config, ve *ValidationError) {
	if cfg.CommandExecution.Timeout <= 0 {
		ve.Add("command_execution.timeout must be > 0")
	}
	for _, p := range cfg.CommandExecution.DangerPatterns {
		if _, err := regexp.Compile(p); err != nil {
			ve.Add("command_execution.danger_patterns: %q does not compile: %v", p, err)
		}
	}
}

func validatePersistence(cfg *Config, ve *ValidationError) {
	if cfg.Persistence.Enabled && cfg.Persistence.DBPath == "" {
		ve.Add("persistence.db_path must be set when persistence is enabled")
	}
}

func validateLogger(cfg *Config, ve *ValidationError) {
	switch strings.ToLower(cfg.Logger.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		ve.Add("logger.level %q is not one of debug, info, warn, error", cfg.Logger.Level)
	}
	switch strings.ToLower(cfg.Logger.Format) {
	case "", "text", "json":
	default:
		ve.Add("logger.format %q is not text or json", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "", "noop", "stdout":
	default:
		ve.Add("tracer.exporter %q is not noop or stdout", cfg.Tracer.Exporter)
	}
}
