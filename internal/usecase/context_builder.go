package usecase

import (
	"fmt"
	"strings"
	"time"

	"supernova/internal/domain"
)

// recentCommandsShown caps how many executed commands the context message lists.
const recentCommandsShown = 10

// ContextBuilder constructs the prompt message array for LLM calls.
type ContextBuilder struct {
	systemPrompt string
	maxMessages  int
	model        string
}

// NewContextBuilder creates a new context builder.
func NewContextBuilder(systemPrompt, model string, maxMessages int) *ContextBuilder {
	return &ContextBuilder{
		systemPrompt: systemPrompt,
		model:        model,
		maxMessages:  maxMessages,
	}
}

// Build assembles: system prompt + session context + conversation history.
func (cb *ContextBuilder) Build(
	history []domain.Message,
	state *domain.SessionState,
	tools []domain.ToolSchema,
) domain.ChatRequest {
	messages := make([]domain.Message, 0, 2+len(history))
	now := time.Now()

	messages = append(messages, domain.Message{
		Role:      domain.RoleSystem,
		Content:   cb.systemPrompt,
		Timestamp: now,
	})
	if state != nil {
		messages = append(messages, domain.Message{
			Role:      domain.RoleSystem,
			Content:   FormatSessionContext(state),
			Timestamp: now,
		})
	}

	// Repair broken tool chains, then truncate.
	hist := RepairTranscript(history)
	hist = cb.truncateHistory(hist)
	messages = append(messages, hist...)

	req := domain.ChatRequest{
		Model:    cb.model,
		Messages: messages,
		Tools:    tools,
	}
	if len(tools) > 0 {
		req.ToolChoice = domain.ToolChoiceAuto
	}
	return req
}

// BuildFollowUp is Build plus a closing instruction telling the model how
// many tools just ran.
func (cb *ContextBuilder) BuildFollowUp(
	history []domain.Message,
	state *domain.SessionState,
	tools []domain.ToolSchema,
	executed int,
) domain.ChatRequest {
	req := cb.Build(history, state, tools)
	req.Messages = append(req.Messages, domain.Message{
		Role:      domain.RoleSystem,
		Content:   followUpInstruction(executed),
		Timestamp: time.Now(),
	})
	return req
}

func followUpInstruction(executed int) string {
	noun := "tools"
	if executed == 1 {
		noun = "tool"
	}
	return fmt.Sprintf(
		"%d %s just executed. Review the results above and either call further tools or answer the user.",
		executed, noun)
}

// FormatSessionContext renders the session state as the context message.
func FormatSessionContext(s *domain.SessionState) string {
	var sb strings.Builder
	sb.WriteString("Current session state:\n")
	fmt.Fprintf(&sb, "- Current working directory: %s\n", s.CWD)
	if s.InitialDirectory != "" && s.InitialDirectory != s.CWD {
		fmt.Fprintf(&sb, "- Initial directory: %s\n", s.InitialDirectory)
	}
	if len(s.PathHistory) > 1 {
		fmt.Fprintf(&sb, "- Directory history: %s\n", strings.Join(s.PathHistory, " -> "))
	}

	if len(s.ExecutedCommands) > 0 {
		sb.WriteString("- Recently executed commands:\n")
		cmds := s.ExecutedCommands
		if len(cmds) > recentCommandsShown {
			cmds = cmds[len(cmds)-recentCommandsShown:]
		}
		for _, c := range cmds {
			status := "ok"
			if !c.Success {
				status = "failed"
			}
			fmt.Fprintf(&sb, "  - `%s` in %s (%s)\n", c.Command, c.Dir, status)
		}
	}

	if len(s.FailedCommands) > 0 {
		sb.WriteString("- Failed commands (do not retry unchanged):\n")
		for _, f := range s.FailedCommands {
			fmt.Fprintf(&sb, "  - %s %s: %s\n", f.Tool, describeArgs(f.Args), firstLine(f.Result))
		}
	}

	if len(s.UsedTools) > 0 {
		fmt.Fprintf(&sb, "- Tools used: %s\n", strings.Join(s.UsedTools, ", "))
	}
	if len(s.CreatedFiles) > 0 {
		fmt.Fprintf(&sb, "- Files created: %s\n", strings.Join(s.CreatedFiles, ", "))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func describeArgs(args map[string]any) string {
	if cmd, ok := args["command"].(string); ok {
		return fmt.Sprintf("`%s`", strings.TrimSpace(cmd))
	}
	return domain.ToolCall{Arguments: args}.ArgumentsJSON()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func (cb *ContextBuilder) truncateHistory(history []domain.Message) []domain.Message {
	if cb.maxMessages <= 0 || len(history) <= cb.maxMessages {
		return history
	}

	// Partition messages into atomic groups so that
	// [Assistant(tool_calls), ToolResult...] are never split.
	groups := groupMessages(history)

	// Keep groups from the end until we exceed the message budget.
	var kept [][]domain.Message
	total := 0
	for i := len(groups) - 1; i >= 0; i-- {
		groupLen := len(groups[i])
		if total+groupLen > cb.maxMessages && total > 0 {
			break
		}
		kept = append(kept, groups[i])
		total += groupLen
	}

	// Reverse to restore chronological order.
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}

	result := make([]domain.Message, 0, total)
	for _, g := range kept {
		result = append(result, g...)
	}
	return result
}

// groupMessages partitions messages into atomic groups.
// An assistant message with tool calls and its immediately following
// tool result messages form a single group. All other messages are
// individual groups.
func groupMessages(msgs []domain.Message) [][]domain.Message {
	var groups [][]domain.Message
	i := 0
	for i < len(msgs) {
		msg := msgs[i]
		if msg.Role == domain.RoleAssistant && len(msg.ToolCalls) > 0 {
			group := []domain.Message{msg}
			j := i + 1
			for j < len(msgs) && msgs[j].Role == domain.RoleTool {
				group = append(group, msgs[j])
				j++
			}
			groups = append(groups, group)
			i = j
		} else {
			groups = append(groups, []domain.Message{msg})
			i++
		}
	}
	return groups
}
