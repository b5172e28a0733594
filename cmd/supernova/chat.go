package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"supernova/internal/adapter/tui/theme"
	"supernova/internal/domain"
)

// renderSettle bounds how long a turn waits for queued bus events to be drawn.
const renderSettle = time.Second

func newChatCmd(root *rootOptions) *cobra.Command {
	var (
		resume bool
		plain  bool
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat in the current directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(root.configPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			a, err := buildApp(ctx, cfg, appOptions{
				out:      cmd.OutOrStdout(),
				resume:   resume,
				markdown: !plain,
			})
			if err != nil {
				return err
			}
			defer a.Close()
			return a.repl(ctx, cmd.InOrStdin())
		},
	}
	cmd.Flags().BoolVar(&resume, "resume", false, "continue the latest chat of this directory")
	cmd.Flags().BoolVar(&plain, "plain", false, "print answers without markdown rendering")
	return cmd
}

// repl reads one message per line until EOF, exit or quit.
func (a *app) repl(ctx context.Context, in io.Reader) error {
	ctx = domain.ContextWithSessionID(ctx, a.session.ID)
	out := a.renderer

	fmt.Fprintln(out, theme.Bold.Render("supernova")+" "+theme.TextMuted.Render(
		fmt.Sprintf("%s %s %s", a.cfg.LLM.Model, theme.Symbols.Bullet, a.state.CWD)))
	if n := a.session.Len(); n > 0 {
		a.renderer.Notice("resumed chat %s (%d messages)", a.session.ID, n)
	}
	fmt.Fprintln(out, theme.TextMuted.Render("Type exit or quit to leave. Ctrl+C interrupts a running turn."))

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Fprint(out, theme.InputPrompt.Render(theme.Symbols.User+" > "))
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch strings.ToLower(line) {
		case "":
			continue
		case "exit", "quit":
			return nil
		}
		a.turn(ctx, line)
		if ctx.Err() != nil {
			return nil
		}
	}
}

// turn runs one user message. An interrupt cancels only this turn.
func (a *app) turn(ctx context.Context, text string) {
	turnCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	a.renderer.BeginTurn()
	res, err := a.agent.HandleMessage(turnCtx, a.session, a.state, text)
	if err != nil {
		a.renderer.WaitTurn(renderSettle / 4)
		a.renderer.Error(err)
		return
	}
	a.renderer.WaitTurn(renderSettle)
	a.renderer.Answer(res.Answer)
}
