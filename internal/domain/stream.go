package domain

// StreamDeltaPayload is the payload for EventStreamDelta events.
type StreamDeltaPayload struct {
	Content     string   `json:"content,omitempty"`
	Accumulated string   `json:"accumulated,omitempty"`
	ToolCallIDs []string `json:"tool_call_ids,omitempty"`
	Ready       []bool   `json:"ready,omitempty"`
	Iteration   int      `json:"iteration"`
}

// StreamCompletedPayload is the payload for EventStreamCompleted events.
type StreamCompletedPayload struct {
	Content          string `json:"content"`
	ToolCalls        int    `json:"tool_calls"`
	DroppedFragments int    `json:"dropped_fragments,omitempty"`
	Usage            *Usage `json:"usage,omitempty"`
}

// StreamErrorPayload is the payload for EventStreamError events.
type StreamErrorPayload struct {
	Error string `json:"error"`
}

// ToolCallPayload is the payload for tool.call.* events.
type ToolCallPayload struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Command   string `json:"command,omitempty"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	Iteration int    `json:"iteration"`
}

// LoopCompletedPayload is the payload for EventLoopCompleted.
type LoopCompletedPayload struct {
	Status     string `json:"status"`
	Iterations int    `json:"iterations"`
	Executed   int    `json:"executed"`
	Pending    int    `json:"pending"`
}
