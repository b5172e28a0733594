package usecase

import (
	"encoding/json"
	"fmt"
	"strings"

	"supernova/internal/domain"
)

// FormatToolResult renders a result as the tool message body the model reads.
// Output longer than lineLimit lines is cut; lineLimit <= 0 keeps everything.
func FormatToolResult(res domain.ToolResult, lineLimit int) string {
	var body string
	if res.ToolName == domain.TerminalCommandTool {
		body = formatCommandResult(res)
	} else {
		body = formatGenericResult(res)
	}
	return truncateLines(body, lineLimit)
}

func formatCommandResult(res domain.ToolResult) string {
	command, _ := res.ToolArgs["command"].(string)
	stdout, _ := res.Result["stdout"].(string)
	stderr, _ := res.Result["stderr"].(string)

	var sb strings.Builder
	if res.Success {
		fmt.Fprintf(&sb, "Command executed successfully: %s\n", command)
		sb.WriteString("Output:\n")
		if stdout == "" && stderr == "" {
			sb.WriteString("(no output)")
		}
		sb.WriteString(strings.TrimRight(stdout, "\n"))
	} else {
		fmt.Fprintf(&sb, "Error executing command: %s\n", command)
		sb.WriteString(res.Error)
		if out := strings.TrimRight(stdout, "\n"); out != "" {
			sb.WriteString("\nOutput:\n")
			sb.WriteString(out)
		}
	}
	if errOut := strings.TrimRight(stderr, "\n"); errOut != "" {
		sb.WriteString("\nStderr:\n")
		sb.WriteString(errOut)
	}
	return sb.String()
}

func formatGenericResult(res domain.ToolResult) string {
	if !res.Success {
		return "Error: " + res.Error
	}
	if len(res.Result) == 0 {
		return "OK"
	}
	if content, ok := res.Result["content"].(string); ok && len(res.Result) <= 2 {
		return content
	}
	data, err := json.MarshalIndent(res.Result, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", res.Result)
	}
	return string(data)
}

func truncateLines(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	lines := strings.Split(s, "\n")
	if len(lines) <= limit {
		return s
	}
	kept := strings.Join(lines[:limit], "\n")
	return fmt.Sprintf("%s\n... (%d more lines truncated)", kept, len(lines)-limit)
}
