package security

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/google/shlex"
	"go.opentelemetry.io/otel/trace"

	"supernova/internal/domain"
	"supernova/internal/infra/tracer"
)

// DefaultCommandTimeout bounds a command when the request sets no timeout.
const DefaultCommandTimeout = 30 * time.Second

// TimeoutReturnCode is reported for commands killed by the timeout, as timeout(1) does.
const TimeoutReturnCode = 124

// waitDelay is how long Wait keeps reading pipes after the process was killed.
const waitDelay = 2 * time.Second

// defaultDangerPatterns is the built-in deny-list. Matching is case-insensitive.
var defaultDangerPatterns = []string{
	`\brm\s+-(?:[a-z]*r[a-z]*f|[a-z]*f[a-z]*r)[a-z]*\s+(?:/|~|\*)`, // recursive delete of root, home or glob
	`:\(\)\s*\{\s*:\|:&\s*\};:`,                                    // fork bomb
	`\bdd\s+.*of=/dev/`,
	`>\s*/dev/(?:sd|hd|nvme|xvd|vd|mmcblk|disk)`, // raw writes to block devices; /dev/null is fine
	`>\s*/proc/`,
	`>\s*/sys/`,
	`\bshutdown\b`,
	`\breboot\b`,
	`\bhalt\b`,
	`\bpoweroff\b`,
	`\bmkfs(?:\.\w+)?\b`,
}

// shellFeatures are the substrings that need a real shell to interpret.
var shellFeatures = []string{"|", ">", "<", "&&", "||", ";", "*", "?", "~", "$"}

// Classification is the verdict on a command before it runs.
type Classification struct {
	Dangerous         bool
	UsesShellFeatures bool
	// Pattern is the deny-list entry that matched, if any.
	Pattern string
}

// CommandRequest describes one command execution.
type CommandRequest struct {
	Command string
	Dir     string
	Timeout time.Duration
	// Env entries ("KEY=value") are added on top of the process environment.
	Env []string
}

// CommandResult is the outcome of Execute. Failures are reported here, never
// as a returned error.
type CommandResult struct {
	Success       bool
	Stdout        string
	Stderr        string
	ReturnCode    int
	ExecutionTime time.Duration
	Error         string
	Err           error
}

// CommandGate refuses dangerous commands and runs the rest with a timeout.
type CommandGate struct {
	patterns       []*regexp.Regexp
	defaultTimeout time.Duration
	logger         *slog.Logger
	spawn          func(ctx context.Context, name string, args ...string) *exec.Cmd
}

// GateOption configures a CommandGate.
type GateOption func(*CommandGate)

// WithDefaultTimeout sets the timeout used when a request has none.
func WithDefaultTimeout(d time.Duration) GateOption {
	return func(g *CommandGate) {
		if d > 0 {
			g.defaultTimeout = d
		}
	}
}

// WithGateLogger sets the logger.
func WithGateLogger(l *slog.Logger) GateOption {
	return func(g *CommandGate) { g.logger = l }
}

// NewCommandGate compiles the built-in deny-list plus extra patterns.
func NewCommandGate(extraPatterns []string, opts ...GateOption) (*CommandGate, error) {
	g := &CommandGate{
		defaultTimeout: DefaultCommandTimeout,
		logger:         slog.Default(),
		spawn:          exec.CommandContext,
	}
	for _, p := range append(append([]string(nil), defaultDangerPatterns...), extraPatterns...) {
		re, err := regexp.Compile(`(?i)` + p)
		if err != nil {
			return nil, domain.NewDomainError("NewCommandGate", domain.ErrInvalidInput,
				fmt.Sprintf("danger pattern %q: %v", p, err))
		}
		g.patterns = append(g.patterns, re)
	}
	for _, o := range opts {
		o(g)
	}
	return g, nil
}

// Classify checks a command against the deny-list and for shell syntax.
func (g *CommandGate) Classify(command string) Classification {
	var c Classification
	for _, re := range g.patterns {
		if re.MatchString(command) {
			c.Dangerous = true
			c.Pattern = re.String()
			break
		}
	}
	for _, f := range shellFeatures {
		if strings.Contains(command, f) {
			c.UsesShellFeatures = true
			break
		}
	}
	return c
}

// Execute runs the command unless it is dangerous. It never panics and
// never returns an error; everything lands in the CommandResult.
func (g *CommandGate) Execute(ctx context.Context, req CommandRequest) (res CommandResult) {
	ctx, span := tracer.StartSpan(ctx, "command.execute",
		trace.WithAttributes(tracer.StringAttr("command.dir", req.Dir)),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res = failed(1, fmt.Errorf("%w: %v", domain.ErrToolExecution, r),
				fmt.Sprintf("Error executing command: %v", r))
		}
		res.ExecutionTime = time.Since(start)
		if res.Success {
			tracer.SetOK(span)
		} else {
			tracer.RecordError(span, res.Err)
		}
	}()

	command := strings.TrimSpace(req.Command)
	if command == "" {
		return failed(1, domain.NewDomainError("CommandGate.Execute", domain.ErrInvalidInput, "empty command"),
			"Error executing command: empty command")
	}

	class := g.Classify(command)
	if class.Dangerous {
		g.logger.Warn("refused dangerous command", "command", command, "pattern", class.Pattern)
		return failed(1, domain.NewDomainError("CommandGate.Execute", domain.ErrCommandRefused, command),
			"Command refused: it matches a dangerous pattern and was not executed")
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = g.defaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := g.command(runCtx, command, class.UsesShellFeatures)
	cmd.Dir = req.Dir
	if len(req.Env) > 0 {
		cmd.Env = append(os.Environ(), req.Env...)
	}
	cmd.WaitDelay = waitDelay
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()

	var exitErr *exec.ExitError
	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		secs := int(timeout.Round(time.Second) / time.Second)
		msg := fmt.Sprintf("Command timed out after %d seconds", secs)
		res.ReturnCode = TimeoutReturnCode
		res.Error = msg
		res.Err = domain.NewDomainError("CommandGate.Execute", domain.ErrCommandTimeout, msg)
		g.logger.Warn("command timed out", "command", command, "timeout", timeout)
	case ctx.Err() != nil:
		res.ReturnCode = 130
		res.Error = "Command interrupted"
		res.Err = fmt.Errorf("%w: %w", domain.ErrCancelled, ctx.Err())
	case err == nil:
		res.Success = true
	case errors.As(err, &exitErr):
		res.ReturnCode = exitErr.ExitCode()
		res.Error = fmt.Sprintf("Command failed with exit code %d", res.ReturnCode)
		res.Err = domain.NewDomainError("CommandGate.Execute", domain.ErrCommandFailed, res.Error)
	default:
		res.ReturnCode = 1
		res.Error = fmt.Sprintf("Error executing command: %v", err)
		res.Err = domain.NewDomainError("CommandGate.Execute", domain.ErrToolExecution, err.Error())
	}

	g.logger.Debug("command finished",
		"command", command,
		"return_code", res.ReturnCode,
		"shell", class.UsesShellFeatures,
	)
	return res
}

// command builds the process: argv when the command splits cleanly and has
// no shell syntax, the platform shell otherwise.
func (g *CommandGate) command(ctx context.Context, command string, shell bool) *exec.Cmd {
	if !shell {
		argv, err := shlex.Split(command)
		if err == nil && len(argv) > 0 {
			return g.spawn(ctx, argv[0], argv[1:]...)
		}
		g.logger.Debug("command did not split, using the shell", "command", command, "error", err)
	}
	if runtime.GOOS == "windows" {
		return g.spawn(ctx, "cmd", "/C", command)
	}
	return g.spawn(ctx, "sh", "-c", command)
}

func failed(code int, err error, msg string) CommandResult {
	return CommandResult{ReturnCode: code, Error: msg, Err: err}
}
