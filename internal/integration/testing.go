package integration

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"supernova/internal/adapter/llm"
	"supernova/internal/adapter/store"
	"supernova/internal/adapter/tool"
	"supernova/internal/domain"
	"supernova/internal/infra/config"
	"supernova/internal/security"
	"supernova/internal/usecase"
	"supernova/internal/usecase/eventbus"
)

// Config holds integration test configuration from the environment.
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	TestTimeout time.Duration
	SkipSlow    bool
}

// LoadConfig reads integration settings. The key falls back to OPENAI_API_KEY.
func LoadConfig() *Config {
	cfg := &Config{
		APIKey:      os.Getenv("SUPERNOVA_IT_API_KEY"),
		BaseURL:     os.Getenv("SUPERNOVA_IT_BASE_URL"),
		Model:       os.Getenv("SUPERNOVA_IT_MODEL"),
		TestTimeout: 60 * time.Second,
		SkipSlow:    os.Getenv("SKIP_SLOW_TESTS") == "1",
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	return cfg
}

// SkipIfNoAPIKey skips the test if the required API key is not set.
func SkipIfNoAPIKey(t *testing.T, key string) {
	t.Helper()
	if key == "" {
		t.Skip("Skipping live LLM test: SUPERNOVA_IT_API_KEY / OPENAI_API_KEY not set")
	}
}

// SkipIfShort skips integration tests in short mode.
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
}

// NewTestContext creates a context with timeout for integration tests.
func NewTestContext(t *testing.T, timeout time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// Stack is the production object graph rooted in a temporary workspace.
type Stack struct {
	Dir     string
	Store   *store.SQLiteStore
	Session *usecase.Session
	State   *domain.SessionState
	Agent   *usecase.Agent
	Bus     *eventbus.Bus
}

// NewStack wires the real provider, tools, loop and SQLite store.
func NewStack(t *testing.T, llmCfg config.LLMConfig, streaming bool) *Stack {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	dir, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatalf("temp dir: %v", err)
	}

	gate, err := security.NewCommandGate(nil, security.WithDefaultTimeout(10*time.Second))
	if err != nil {
		t.Fatalf("command gate: %v", err)
	}
	sandbox, err := security.NewSandbox(dir)
	if err != nil {
		t.Fatalf("sandbox: %v", err)
	}
	registry := tool.NewRegistry(logger)
	for _, tl := range []domain.Tool{
		tool.NewTerminalTool(gate, 10*time.Second, logger),
		tool.NewFilesystemTool(tool.NewLocalFilesystemBackend(), sandbox, logger),
	} {
		if err := registry.Register(tl); err != nil {
			t.Fatalf("register %s: %v", tl.Name(), err)
		}
	}

	chats, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { chats.Close() })

	session, err := usecase.OpenSession(context.Background(), chats, dir, false)
	if err != nil {
		t.Fatalf("open session: %v", err)
	}

	bus := eventbus.New(logger)
	t.Cleanup(bus.Close)

	defaults := config.Defaults()
	ctxBuilder := usecase.NewContextBuilder(defaults.Chat.SystemPrompt, llmCfg.Model, defaults.Chat.HistoryLimit)
	loop := usecase.NewToolCallLoop(usecase.LoopDeps{
		LLM:             llm.NewProvider(llmCfg, logger),
		Executor:        registry,
		Registry:        registry,
		ContextBuilder:  ctxBuilder,
		Logger:          logger,
		Stream:          streaming,
		ResultLineLimit: defaults.Chat.ToolResultLineLimit,
		Bus:             bus,
		ErrorClassifier: usecase.NewErrorClassifier(),
	})

	return &Stack{
		Dir:     dir,
		Store:   chats,
		Session: session,
		State:   domain.NewSessionState(dir),
		Agent:   usecase.NewAgent(usecase.AgentDeps{Loop: loop, ContextBuilder: ctxBuilder, Registry: registry, Logger: logger}),
		Bus:     bus,
	}
}
