package usecase

import (
	"time"

	"supernova/internal/domain"
)

// missingResultContent is the body injected for a tool call that never got a result.
const missingResultContent = "[error] tool call did not produce a result"

// RepairTranscript scans the message history and fixes broken tool chains:
//  1. If an Assistant message has ToolCalls but no matching tool message
//     follows before the next turn, inject an error tool message.
//  2. If a tool message appears without a preceding Assistant tool_call,
//     remove the orphan.
//
// Returns a new slice (does not modify the input).
func RepairTranscript(messages []domain.Message) []domain.Message {
	if len(messages) == 0 {
		return messages
	}

	result := make([]domain.Message, 0, len(messages))
	var pending []domain.ToolCall

	for _, msg := range messages {
		switch msg.Role {
		case domain.RoleAssistant:
			result = injectMissingResults(result, pending)
			pending = pending[:0]
			for _, tc := range msg.ToolCalls {
				if tc.ID != "" {
					pending = append(pending, tc)
				}
			}
			result = append(result, msg)

		case domain.RoleTool:
			idx := indexOfCall(pending, msg.ToolCallID)
			if idx < 0 {
				// No matching call: orphaned, drop it.
				continue
			}
			pending = append(pending[:idx], pending[idx+1:]...)
			result = append(result, msg)

		default:
			// User or system messages close the previous tool chain.
			result = injectMissingResults(result, pending)
			pending = pending[:0]
			result = append(result, msg)
		}
	}

	return injectMissingResults(result, pending)
}

func indexOfCall(calls []domain.ToolCall, id string) int {
	if id == "" {
		return -1
	}
	for i, c := range calls {
		if c.ID == id {
			return i
		}
	}
	return -1
}

// injectMissingResults appends an error tool message for each pending call,
// in the order the calls were made.
func injectMissingResults(msgs []domain.Message, pending []domain.ToolCall) []domain.Message {
	for _, tc := range pending {
		msgs = append(msgs, domain.Message{
			Role:       domain.RoleTool,
			Name:       tc.Name,
			Content:    missingResultContent,
			ToolCallID: tc.ID,
			Timestamp:  time.Now(),
		})
	}
	return msgs
}
