package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/shlex"
	"go.opentelemetry.io/otel/trace"

	"supernova/internal/domain"
	"supernova/internal/infra/tracer"
	"supernova/internal/security"
)

// cdOperators mark a cd that must go to the shell because it does more than
// change directory.
const cdOperators = "|;&<>`"

// TerminalTool runs shell commands through the command gate. A bare cd is
// resolved in-process so the session can track the working directory.
type TerminalTool struct {
	gate    *security.CommandGate
	timeout time.Duration
	logger  *slog.Logger
	home    func() (string, error)
}

// NewTerminalTool creates the terminal_command tool. A zero timeout uses the
// gate's default.
func NewTerminalTool(gate *security.CommandGate, timeout time.Duration, logger *slog.Logger) *TerminalTool {
	return &TerminalTool{gate: gate, timeout: timeout, logger: logger, home: os.UserHomeDir}
}

func (t *TerminalTool) Name() string { return domain.TerminalCommandTool }
func (t *TerminalTool) Description() string {
	return "Execute a shell command in the current working directory. Dangerous commands are refused."
}

func (t *TerminalTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"command": {"type": "string", "description": "The command to run"},
				"explanation": {"type": "string", "description": "Why this command is being run"},
				"working_dir": {"type": "string", "description": "Directory to run in; defaults to the current directory"}
			},
			"required": ["command"]
		}`),
	}
}

type terminalParams struct {
	Command     string `json:"command"`
	Explanation string `json:"explanation,omitempty"`
	WorkingDir  string `json:"working_dir,omitempty"`
}

func (t *TerminalTool) Execute(ctx context.Context, args map[string]any, state *domain.SessionState) (*domain.ToolOutput, error) {
	return Execute(ctx, "tool."+domain.TerminalCommandTool, t.logger, args,
		func(ctx context.Context, span trace.Span, p terminalParams) (*domain.ToolOutput, error) {
			command := strings.TrimSpace(p.Command)
			if err := RequireField("command", command); err != nil {
				return nil, err
			}
			span.SetAttributes(tracer.StringAttr("command", command))
			if p.Explanation != "" {
				t.logger.Debug("terminal command", "command", command, "explanation", p.Explanation)
			}

			dir, err := t.workingDir(p.WorkingDir, state)
			if err != nil {
				return nil, err
			}

			if target, ok := bareCD(command); ok {
				return t.changeDirectory(command, target, dir, state)
			}
			return t.run(ctx, command, dir), nil
		},
	)
}

func (t *TerminalTool) run(ctx context.Context, command, dir string) *domain.ToolOutput {
	res := t.gate.Execute(ctx, security.CommandRequest{
		Command: command,
		Dir:     dir,
		Timeout: t.timeout,
	})
	data := map[string]any{
		"stdout":         res.Stdout,
		"stderr":         res.Stderr,
		"return_code":    res.ReturnCode,
		"execution_time": res.ExecutionTime.Seconds(),
		"command":        command,
	}
	if !res.Success {
		return &domain.ToolOutput{Success: false, Data: data, Error: res.Error, Err: res.Err}
	}
	return OK(data)
}

func (t *TerminalTool) changeDirectory(command, target, cwd string, state *domain.SessionState) (*domain.ToolOutput, error) {
	dest, err := t.resolveCD(target, cwd, state)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(dest)
	if err != nil {
		return nil, domain.NewDomainError("TerminalTool.cd", domain.ErrCommandFailed,
			fmt.Sprintf("cd: no such file or directory: %s", target))
	}
	if !info.IsDir() {
		return nil, domain.NewDomainError("TerminalTool.cd", domain.ErrCommandFailed,
			fmt.Sprintf("cd: not a directory: %s", target))
	}

	out := OK(map[string]any{
		"stdout":         "",
		"stderr":         "",
		"return_code":    0,
		"execution_time": 0.0,
		"command":        command,
	})
	out.NewDirectory = dest
	return out, nil
}

func (t *TerminalTool) resolveCD(target, cwd string, state *domain.SessionState) (string, error) {
	switch {
	case target == "" || target == "~":
		return t.homeDir()
	case target == "-":
		if state != nil {
			if prev, ok := state.PreviousDirectory(); ok {
				return prev, nil
			}
		}
		return "", domain.NewDomainError("TerminalTool.cd", domain.ErrCommandFailed, "cd: no previous directory")
	case strings.HasPrefix(target, "~/"):
		home, err := t.homeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, target[2:]), nil
	case filepath.IsAbs(target):
		return filepath.Clean(target), nil
	default:
		return filepath.Join(cwd, target), nil
	}
}

func (t *TerminalTool) homeDir() (string, error) {
	home, err := t.home()
	if err != nil {
		return "", domain.NewDomainError("TerminalTool.cd", domain.ErrCommandFailed,
			fmt.Sprintf("cd: cannot resolve home directory: %v", err))
	}
	return home, nil
}

func (t *TerminalTool) workingDir(requested string, state *domain.SessionState) (string, error) {
	cwd := ""
	if state != nil {
		cwd = state.CWD
	}
	if requested == "" {
		return cwd, nil
	}
	dir := requested
	if !filepath.IsAbs(dir) && cwd != "" {
		dir = filepath.Join(cwd, dir)
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return "", domain.NewDomainError("TerminalTool.workingDir", domain.ErrInvalidInput,
			fmt.Sprintf("working_dir %q is not a directory", requested))
	}
	return dir, nil
}

// bareCD reports whether command only changes directory, and to where.
func bareCD(command string) (string, bool) {
	if command != "cd" && !strings.HasPrefix(command, "cd ") {
		return "", false
	}
	if strings.ContainsAny(command, cdOperators) {
		return "", false
	}
	fields, err := shlex.Split(command)
	if err != nil || len(fields) > 2 {
		return "", false
	}
	if len(fields) == 1 {
		return "", true
	}
	return fields[1], true
}
