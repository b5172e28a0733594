package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Chat.MaxToolIterations != 5 {
		t.Errorf("MaxToolIterations = %d, want 5", cfg.Chat.MaxToolIterations)
	}
	if cfg.Chat.HistoryLimit != 50 {
		t.Errorf("HistoryLimit = %d, want 50", cfg.Chat.HistoryLimit)
	}
	if cfg.CommandExecution.Timeout != 30*time.Second {
		t.Errorf("command timeout = %v, want 30s", cfg.CommandExecution.Timeout)
	}
	if cfg.LLM.Provider != "openai" {
		t.Errorf("Provider = %q, want openai", cfg.LLM.Provider)
	}
	if filepath.Base(cfg.Persistence.DBPath) != "history.db" {
		t.Errorf("DBPath = %q", cfg.Persistence.DBPath)
	}
	if err := Validate(cfg); err != nil {
		t.Errorf("defaults must validate: %v", err)
	}
}

func TestLoadNonExistentReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Chat.MaxToolIterations != 5 {
		t.Errorf("expected defaults, got MaxToolIterations=%d", cfg.Chat.MaxToolIterations)
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
llm:
  provider: "groq"
  base_url: "https://api.groq.com/openai/v1"
  api_key: "test-key"
  model: "llama3-8b"
  rate_limit:
    requests_per_second: 2
    burst: 4
chat:
  streaming: false
  max_tool_iterations: 8
  tool_result_line_limit: 20
command_execution:
  timeout: 10s
  danger_patterns:
    - '\bgit\s+push\s+--force\b'
persistence:
  enabled: false
logger:
  level: "debug"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.Provider != "groq" || cfg.LLM.Model != "llama3-8b" || cfg.LLM.APIKey != "test-key" {
		t.Errorf("llm = %+v", cfg.LLM)
	}
	if cfg.LLM.RateLimit.RequestsPerSecond != 2 || cfg.LLM.RateLimit.Burst != 4 {
		t.Errorf("rate limit = %+v", cfg.LLM.RateLimit)
	}
	if cfg.Chat.Streaming || cfg.Chat.MaxToolIterations != 8 || cfg.Chat.ToolResultLineLimit != 20 {
		t.Errorf("chat = %+v", cfg.Chat)
	}
	if cfg.Chat.HistoryLimit != 50 {
		t.Errorf("unset fields keep defaults, got HistoryLimit=%d", cfg.Chat.HistoryLimit)
	}
	if cfg.CommandExecution.Timeout != 10*time.Second || len(cfg.CommandExecution.DangerPatterns) != 1 {
		t.Errorf("command_execution = %+v", cfg.CommandExecution)
	}
	if cfg.Persistence.Enabled {
		t.Error("persistence should be disabled")
	}
	if cfg.Logger.Level != "debug" {
		t.Errorf("Logger.Level = %q", cfg.Logger.Level)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("llm: [unterminated"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoadInsecurePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("chat:\n  streaming: true\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(path, 0o666); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected permission error")
	}
}

func TestLoadExpandsHomeInDBPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("persistence:\n  enabled: true\n  db_path: ~/data/h.db\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if want := filepath.Join(home, "data", "h.db"); cfg.Persistence.DBPath != want {
		t.Errorf("DBPath = %q, want %q", cfg.Persistence.DBPath, want)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SUPERNOVA_LLM_MODEL", "gpt-test")
	t.Setenv("SUPERNOVA_LLM_API_KEY", "env-key")
	t.Setenv("SUPERNOVA_CHAT_STREAMING", "false")
	t.Setenv("SUPERNOVA_CHAT_MAX_TOOL_ITERATIONS", "3")
	t.Setenv("SUPERNOVA_COMMAND_TIMEOUT", "5s")
	t.Setenv("SUPERNOVA_COMMAND_DANGER_PATTERNS", "foo, bar ,")
	t.Setenv("SUPERNOVA_PERSISTENCE_ENABLED", "false")
	t.Setenv("SUPERNOVA_LOGGER_LEVEL", "error")
	t.Setenv("SUPERNOVA_TRACER_ENABLED", "true")
	t.Setenv("SUPERNOVA_TRACER_EXPORTER", "stdout")
	t.Setenv("SUPERNOVA_WORKSPACE_ROOT", "/srv/project")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	if cfg.LLM.Model != "gpt-test" || cfg.LLM.APIKey != "env-key" {
		t.Errorf("llm = %+v", cfg.LLM)
	}
	if cfg.Chat.Streaming || cfg.Chat.MaxToolIterations != 3 {
		t.Errorf("chat = %+v", cfg.Chat)
	}
	if cfg.CommandExecution.Timeout != 5*time.Second {
		t.Errorf("timeout = %v", cfg.CommandExecution.Timeout)
	}
	if got := cfg.CommandExecution.DangerPatterns; len(got) != 2 || got[0] != "foo" || got[1] != "bar" {
		t.Errorf("danger patterns = %v", got)
	}
	if cfg.Persistence.Enabled || cfg.Logger.Level != "error" {
		t.Errorf("persistence/logger not overridden")
	}
	if !cfg.Tracer.Enabled || cfg.Tracer.Exporter != "stdout" {
		t.Errorf("tracer = %+v", cfg.Tracer)
	}
	if cfg.Workspace.Root != "/srv/project" {
		t.Errorf("workspace root = %q", cfg.Workspace.Root)
	}
}

func TestEnvOverridesFallbackAPIKey(t *testing.T) {
	t.Setenv("SUPERNOVA_LLM_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "sk-fallback")
	cfg := Defaults()
	ApplyEnvOverrides(cfg)
	if cfg.LLM.APIKey != "sk-fallback" {
		t.Errorf("APIKey = %q", cfg.LLM.APIKey)
	}
}

func TestEnvOverridesIgnoresGarbage(t *testing.T) {
	t.Setenv("SUPERNOVA_CHAT_MAX_TOOL_ITERATIONS", "lots")
	t.Setenv("SUPERNOVA_CHAT_STREAMING", "maybe")
	cfg := Defaults()
	ApplyEnvOverrides(cfg)
	if cfg.Chat.MaxToolIterations != 5 || !cfg.Chat.Streaming {
		t.Errorf("malformed values must be ignored: %+v", cfg.Chat)
	}
}
