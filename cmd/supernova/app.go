package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"supernova/internal/adapter/llm"
	"supernova/internal/adapter/store"
	"supernova/internal/adapter/tool"
	"supernova/internal/adapter/tui/render"
	"supernova/internal/domain"
	"supernova/internal/infra/config"
	"supernova/internal/infra/logger"
	"supernova/internal/infra/tracer"
	"supernova/internal/security"
	"supernova/internal/usecase"
	"supernova/internal/usecase/eventbus"
)

// app is the wired object graph behind the chat command.
type app struct {
	cfg      *config.Config
	log      *slog.Logger
	registry *tool.Registry
	agent    *usecase.Agent
	session  *usecase.Session
	state    *domain.SessionState
	renderer *render.Renderer

	closers []func() error
}

// appOptions lets tests replace the outer edges of the graph.
type appOptions struct {
	provider domain.LLMProvider // nil = built from cfg.LLM
	out      io.Writer
	resume   bool
	markdown bool
}

// loadConfig resolves the config path from the flag, $SUPERNOVA_CONFIG or
// the default location.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = os.Getenv("SUPERNOVA_CONFIG")
	}
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, domain.NewDomainError("loadConfig", domain.ErrConfigLoad, err.Error())
	}
	return cfg, nil
}

// buildRegistry registers the built-in tools.
func buildRegistry(cfg *config.Config, root string, log *slog.Logger) (*tool.Registry, error) {
	gate, err := security.NewCommandGate(cfg.CommandExecution.DangerPatterns,
		security.WithDefaultTimeout(cfg.CommandExecution.Timeout),
		security.WithGateLogger(logger.Component(log, "command_gate")),
	)
	if err != nil {
		return nil, fmt.Errorf("command gate: %w", err)
	}
	sandbox, err := security.NewSandbox(root)
	if err != nil {
		return nil, fmt.Errorf("sandbox: %w", err)
	}

	registry := tool.NewRegistry(log)
	toolLog := logger.Component(log, "tool")
	for _, t := range []domain.Tool{
		tool.NewTerminalTool(gate, cfg.CommandExecution.Timeout, toolLog),
		tool.NewFilesystemTool(tool.NewLocalFilesystemBackend(), sandbox, toolLog),
	} {
		if err := registry.Register(t); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func buildApp(ctx context.Context, cfg *config.Config, opts appOptions) (_ *app, err error) {
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	// 1. Logger & tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	a.log = log
	a.closers = append(a.closers, logCloser)

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return nil, fmt.Errorf("tracer: %w", err)
	}
	a.closers = append(a.closers, func() error { return tracerShutdown(context.Background()) })

	// 2. Working directory and workspace
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("working directory: %w", err)
	}
	if cwd, err = filepath.EvalSymlinks(cwd); err != nil {
		return nil, fmt.Errorf("working directory: %w", err)
	}
	root := cfg.Workspace.Root
	if root == "" {
		root = cwd
	}
	a.state = domain.NewSessionState(cwd)

	// 3. Tools
	if a.registry, err = buildRegistry(cfg, root, log); err != nil {
		return nil, err
	}

	// 4. LLM provider
	provider := opts.provider
	if provider == nil {
		provider = llm.NewProvider(cfg.LLM, logger.Component(log, "llm"))
	}

	// 5. Event bus and terminal renderer
	bus := eventbus.New(logger.Component(log, "eventbus"))
	a.closers = append(a.closers, func() error { bus.Close(); return nil })
	out := opts.out
	if out == nil {
		out = os.Stdout
	}
	a.renderer = render.New(out, render.WithMarkdown(opts.markdown))
	a.renderer.Attach(bus)

	// 6. Conversation
	if a.session, err = openSession(ctx, cfg.Persistence, cwd, opts.resume, a); err != nil {
		return nil, err
	}

	// 7. Tool loop and agent
	ctxBuilder := usecase.NewContextBuilder(cfg.Chat.SystemPrompt, cfg.LLM.Model, cfg.Chat.HistoryLimit)
	loop := usecase.NewToolCallLoop(usecase.LoopDeps{
		LLM:             provider,
		Executor:        a.registry,
		Registry:        a.registry,
		ContextBuilder:  ctxBuilder,
		Logger:          logger.Component(log, "tool_loop"),
		MaxIterations:   cfg.Chat.MaxToolIterations,
		Stream:          cfg.Chat.Streaming,
		ResultLineLimit: cfg.Chat.ToolResultLineLimit,
		Bus:             bus,
		ErrorClassifier: usecase.NewErrorClassifier(),
	})
	a.agent = usecase.NewAgent(usecase.AgentDeps{
		Loop:           loop,
		ContextBuilder: ctxBuilder,
		Registry:       a.registry,
		Logger:         logger.Component(log, "agent"),
	})

	log.Info("supernova ready",
		"provider", provider.Name(),
		"model", cfg.LLM.Model,
		"tools", len(a.registry.List()),
		"session", a.session.ID,
		"persistence", cfg.Persistence.Enabled,
	)
	return a, nil
}

// openSession returns a stored session when persistence is enabled and an
// in-memory one otherwise.
func openSession(ctx context.Context, cfg config.PersistenceConfig, projectPath string, resume bool, a *app) (*usecase.Session, error) {
	if !cfg.Enabled {
		return usecase.NewSession(projectPath), nil
	}
	chats, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, chats.Close)
	return usecase.OpenSession(ctx, chats, projectPath, resume)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
