package domain

import "context"

// LLMProvider is the completion port for any LLM backend.
type LLMProvider interface {
	// Chat sends a request and returns a complete response.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	// Name returns the provider's identifier (e.g., "openai", "groq").
	Name() string
}

// ToolCallFragment is a partial tool call as seen on the wire.
// Index is a pointer because 0 is a valid position.
type ToolCallFragment struct {
	ID                string `json:"id,omitempty"`
	Index             *int   `json:"index,omitempty"`
	Name              string `json:"name,omitempty"`
	ArgumentsFragment string `json:"arguments_fragment,omitempty"`
}

// StreamDelta is one increment of a streaming response. A delta carries
// either Content or ToolCall, never both. Done, Usage and Err arrive on
// otherwise empty deltas.
type StreamDelta struct {
	Content  string            `json:"content,omitempty"`
	ToolCall *ToolCallFragment `json:"tool_call,omitempty"`
	Done     bool              `json:"done,omitempty"`
	Usage    *Usage            `json:"usage,omitempty"`
	Err      error             `json:"-"`
}

// IntPtr is a helper for building fragments.
func IntPtr(i int) *int { return &i }

// StreamingLLMProvider extends LLMProvider with streaming support.
type StreamingLLMProvider interface {
	LLMProvider
	// ChatStream sends a request and returns a channel of canonical deltas.
	ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamDelta, error)
}
