// Package uxerror turns errors returned by a chat turn into short messages
// with recovery hints for the terminal.
package uxerror

import (
	"errors"
	"fmt"
	"strings"

	"supernova/internal/adapter/tui/theme"
	"supernova/internal/domain"
)

// FriendlyError is a user-facing error with suggestions for recovery.
type FriendlyError struct {
	Title   string
	Message string
	Hints   []string
	Raw     string
}

// Render formats the error for the REPL.
func (fe FriendlyError) Render() string {
	var sb strings.Builder
	sb.WriteString(theme.ErrorLabel.Render(theme.Symbols.Error + " " + fe.Title))
	if fe.Message != "" {
		sb.WriteString("\n  ")
		sb.WriteString(fe.Message)
	}
	if len(fe.Hints) > 0 {
		sb.WriteString("\n  Suggestions:")
		for _, h := range fe.Hints {
			sb.WriteString(fmt.Sprintf("\n    %s %s", theme.Symbols.Bullet, h))
		}
	}
	return sb.String()
}

type errorPattern struct {
	match   func(err error) bool
	produce func(err error) FriendlyError
}

var patterns = []errorPattern{
	// Sentinels first so errors.Is sees through wrapping.
	{
		match:   is(domain.ErrCancelled),
		produce: constantError("Interrupted", "The turn was cancelled. Completed tool results were kept.", nil),
	},
	{
		match: is(domain.ErrAuthInvalid),
		produce: constantError("Authentication Failed", "The API key was rejected by the provider.",
			[]string{"Set SUPERNOVA_LLM_API_KEY or OPENAI_API_KEY", "Check llm.api_key in the config file"}),
	},
	{
		match: is(domain.ErrRateLimit),
		produce: constantError("Rate Limited", "Too many requests were sent to the provider.",
			[]string{"Wait a moment before retrying", "Lower llm.rate_limit.requests_per_second"}),
	},
	{
		match: is(domain.ErrContextOverflow),
		produce: constantError("Context Too Long", "The conversation no longer fits the model's context window.",
			[]string{"Start a new chat without --resume", "Lower chat.history_limit or chat.tool_result_line_limit"}),
	},
	{
		match: is(domain.ErrTimeout),
		produce: constantError("Request Timed Out", "The provider took too long to answer.",
			[]string{"Check your network connection", "Increase llm.resp_timeout"}),
	},
	{
		match: is(domain.ErrConversationStore),
		produce: constantError("History Unavailable", "The chat history database could not be used.",
			[]string{"Check persistence.db_path is writable", "Set persistence.enabled: false to chat without history"}),
	},
	{
		match: is(domain.ErrConfigLoad),
		produce: constantError("Invalid Configuration", "", []string{"Fix the reported field in the config file"}),
	},

	// Transport failures that reached us without a sentinel.
	{
		match: containsAny("connection refused", "dial tcp", "no such host"),
		produce: constantError("Connection Failed", "Could not reach the LLM provider.",
			[]string{"Check your internet connection", "Verify llm.base_url"}),
	},
	{
		match: is(domain.ErrProviderError),
		produce: func(err error) FriendlyError {
			return FriendlyError{
				Title:   "Provider Error",
				Message: err.Error(),
				Hints:   []string{"Try again", "Run with SUPERNOVA_LOGGER_LEVEL=debug for details"},
				Raw:     err.Error(),
			}
		},
	},
}

// Humanize converts a raw error into a FriendlyError.
func Humanize(err error) FriendlyError {
	if err == nil {
		return FriendlyError{Title: "Unknown Error", Raw: "nil"}
	}
	for _, p := range patterns {
		if p.match(err) {
			fe := p.produce(err)
			if fe.Message == "" {
				fe.Message = err.Error()
			}
			return fe
		}
	}
	return FriendlyError{
		Title:   "Unexpected Error",
		Message: err.Error(),
		Hints:   []string{"Try again", "Run with SUPERNOVA_LOGGER_LEVEL=debug for details"},
		Raw:     err.Error(),
	}
}

func is(target error) func(error) bool {
	return func(err error) bool { return errors.Is(err, target) }
}

// containsAny matches when the error text holds any of substrs, ignoring case.
func containsAny(substrs ...string) func(error) bool {
	return func(err error) bool {
		lower := strings.ToLower(err.Error())
		for _, s := range substrs {
			if strings.Contains(lower, s) {
				return true
			}
		}
		return false
	}
}

func constantError(title, message string, hints []string) func(error) FriendlyError {
	return func(err error) FriendlyError {
		return FriendlyError{Title: title, Message: message, Hints: hints, Raw: err.Error()}
	}
}
