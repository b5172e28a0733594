package domain

import (
	"context"
	"encoding/json"
	"time"
)

// TerminalCommandTool is the name of the shell tool. The loop treats it
// specially for repeat detection and directory tracking.
const TerminalCommandTool = "terminal_command"

// RawArgsKey holds the unparsed argument buffer when the model sent malformed JSON.
const RawArgsKey = "raw_args"

// ToolSchema describes a tool for the LLM function-calling protocol.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolCall represents an LLM's request to invoke a tool.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	// RawArguments is the verbatim buffer when it could not be parsed.
	RawArguments string `json:"raw_arguments,omitempty"`
}

// ArgumentsJSON returns the arguments in wire form. Malformed buffers are
// echoed back verbatim so the provider sees what it sent.
func (c ToolCall) ArgumentsJSON() string {
	if c.RawArguments != "" {
		return c.RawArguments
	}
	if len(c.Arguments) == 0 {
		return "{}"
	}
	data, err := json.Marshal(c.Arguments)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// StringArg returns args[key] if it is a string.
func (c ToolCall) StringArg(key string) string {
	if v, ok := c.Arguments[key].(string); ok {
		return v
	}
	return ""
}

// ToolOutput is what a tool hands back after running.
type ToolOutput struct {
	Success bool           `json:"success"`
	Data    map[string]any `json:"data,omitempty"`
	Error   string         `json:"error,omitempty"`
	// NewDirectory is set by tools that change the working directory.
	NewDirectory string `json:"new_directory,omitempty"`
	// CreatedFile is set by tools that create a file.
	CreatedFile string `json:"created_file,omitempty"`
	// Err keeps the typed cause of a failure; not serialized.
	Err error `json:"-"`
}

// Failure builds a failed ToolOutput from err.
func Failure(err error) *ToolOutput {
	return &ToolOutput{Success: false, Error: err.Error(), Err: err}
}

// ToolResult is the outcome of one executed (or short-circuited) tool call.
type ToolResult struct {
	ToolName   string         `json:"tool_name"`
	ToolArgs   map[string]any `json:"tool_args"`
	Success    bool           `json:"success"`
	Result     map[string]any `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	ToolCallID string         `json:"tool_call_id"`
	Timestamp  time.Time      `json:"timestamp"`
	// Err keeps the typed cause for errors.Is checks; not serialized.
	Err error `json:"-"`
}

// Tool is the interface every tool must implement.
type Tool interface {
	Name() string
	Description() string
	Schema() ToolSchema
	Execute(ctx context.Context, args map[string]any, state *SessionState) (*ToolOutput, error)
}

// ToolExecutor runs a named tool.
type ToolExecutor interface {
	Execute(ctx context.Context, name string, args map[string]any, state *SessionState) (*ToolOutput, error)
}

// ToolRegistry answers which tools exist and describes them to the model.
type ToolRegistry interface {
	Has(name string) bool
	Schemas() []ToolSchema
}
