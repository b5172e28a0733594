// Package render prints a chat turn to the terminal. It follows the event
// bus: streamed text is written as it arrives and tool executions get one
// styled line each. Non-streamed answers are rendered as markdown.
package render

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/glamour"

	"supernova/internal/adapter/tui/theme"
	"supernova/internal/adapter/tui/uxerror"
	"supernova/internal/domain"
)

// Option configures a Renderer.
type Option func(*Renderer)

// WithMarkdown toggles glamour rendering of final answers.
func WithMarkdown(enabled bool) Option {
	return func(r *Renderer) { r.markdown = enabled }
}

// Renderer writes the progress of a turn to out.
type Renderer struct {
	mu       sync.Mutex
	out      io.Writer
	markdown bool
	md       *glamour.TermRenderer

	streamed  bool // text of the current turn was already written
	lineOpen  bool // the cursor is not at the start of a line
	turnDone  chan struct{}
	closeOnce *sync.Once
}

// New creates a renderer writing to out.
func New(out io.Writer, opts ...Option) *Renderer {
	r := &Renderer{out: out, markdown: true}
	for _, o := range opts {
		o(r)
	}
	r.BeginTurn()
	return r
}

// Attach subscribes the renderer to every event on bus.
func (r *Renderer) Attach(bus domain.EventBus) func() {
	return bus.SubscribeAll(r.handle)
}

// BeginTurn resets per-turn state. Call it before handing a message to the agent.
func (r *Renderer) BeginTurn() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streamed = false
	r.turnDone = make(chan struct{})
	r.closeOnce = &sync.Once{}
}

// WaitTurn blocks until the loop of the current turn reported completion
// or timeout elapses. Bus delivery is asynchronous, so the REPL waits here
// before printing the answer.
func (r *Renderer) WaitTurn(timeout time.Duration) {
	r.mu.Lock()
	done := r.turnDone
	r.mu.Unlock()
	select {
	case <-done:
	case <-time.After(timeout):
	}
}

// Answer prints the final answer of a turn. Streamed answers were already
// written and only get their line terminated.
func (r *Renderer) Answer(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.streamed {
		r.endLine()
		return
	}
	r.endLine()
	if strings.TrimSpace(text) == "" {
		return
	}
	fmt.Fprintln(r.out, r.renderMarkdown(text))
}

// Error prints err with recovery hints.
func (r *Renderer) Error(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endLine()
	fmt.Fprintln(r.out, uxerror.Humanize(err).Render())
}

// Write lets the REPL print through the renderer so output from bus
// handlers and the prompt never interleave mid-line.
func (r *Renderer) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endLine()
	return r.out.Write(p)
}

// Notice prints a dimmed informational line.
func (r *Renderer) Notice(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endLine()
	fmt.Fprintln(r.out, theme.TextMuted.Render(fmt.Sprintf(format, args...)))
}

func (r *Renderer) handle(_ context.Context, ev domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch ev.Type {
	case domain.EventStreamDelta:
		var p domain.StreamDeltaPayload
		if decode(ev, &p) && p.Content != "" {
			fmt.Fprint(r.out, p.Content)
			r.streamed = true
			r.lineOpen = !strings.HasSuffix(p.Content, "\n")
		}
	case domain.EventToolCallStarted:
		var p domain.ToolCallPayload
		if decode(ev, &p) {
			r.endLine()
			line := theme.ToolLabel.Render(theme.Symbols.ArrowR + " " + p.Name)
			if p.Command != "" {
				line += " " + theme.ToolCommand.Render(p.Command)
			}
			fmt.Fprintln(r.out, line)
		}
	case domain.EventToolCallCompleted:
		var p domain.ToolCallPayload
		if decode(ev, &p) {
			r.endLine()
			if p.Success {
				fmt.Fprintln(r.out, "  "+theme.TextSuccess.Render(theme.Symbols.Success))
			} else {
				fmt.Fprintln(r.out, "  "+theme.TextError.Render(theme.Symbols.Error+" "+firstLine(p.Error)))
			}
		}
	case domain.EventToolCallSkipped:
		var p domain.ToolCallPayload
		if decode(ev, &p) {
			r.endLine()
			fmt.Fprintln(r.out, theme.TextWarning.Render(theme.Symbols.Skipped+" skipped "+p.Command)+
				" "+theme.TextMuted.Render(firstLine(p.Error)))
		}
	case domain.EventLoopCompleted:
		var p domain.LoopCompletedPayload
		if decode(ev, &p) {
			if p.Status == "max_iterations_reached" {
				r.endLine()
				fmt.Fprintln(r.out, theme.TextWarning.Render(fmt.Sprintf(
					"%s stopped after %d iterations, %d tool call(s) not executed",
					theme.Symbols.Warning, p.Iterations, p.Pending)))
			}
		}
		r.closeOnce.Do(func() { close(r.turnDone) })
	}
}

// endLine terminates a line left open by streamed text. Callers hold mu.
func (r *Renderer) endLine() {
	if r.lineOpen {
		fmt.Fprintln(r.out)
		r.lineOpen = false
	}
}

func (r *Renderer) renderMarkdown(content string) string {
	if !r.markdown {
		return content
	}
	if r.md == nil {
		md, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(theme.MaxContentWidth),
		)
		if err != nil {
			return content
		}
		r.md = md
	}
	rendered, err := r.md.Render(content)
	if err != nil {
		return content
	}
	return strings.TrimRight(rendered, "\n")
}

func decode(ev domain.Event, v any) bool {
	if len(ev.Payload) == 0 {
		return false
	}
	return json.Unmarshal(ev.Payload, v) == nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
