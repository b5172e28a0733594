package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	LLM              LLMConfig              `yaml:"llm"`
	Chat             ChatConfig             `yaml:"chat"`
	CommandExecution CommandExecutionConfig `yaml:"command_execution"`
	Persistence      PersistenceConfig      `yaml:"persistence"`
	Logger           LoggerConfig           `yaml:"logger"`
	Tracer           TracerConfig           `yaml:"tracer"`
	Workspace        WorkspaceConfig        `yaml:"workspace"`
}

// LLMConfig holds the provider settings. Any OpenAI-compatible endpoint works.
type LLMConfig struct {
	Provider       string               `yaml:"provider"`
	Model          string               `yaml:"model"`
	BaseURL        string               `yaml:"base_url"`
	APIKey         string               `yaml:"api_key"`
	MaxTokens      int                  `yaml:"max_tokens"`
	Temperature    float64              `yaml:"temperature"`
	ConnTimeout    time.Duration        `yaml:"conn_timeout"`
	RespTimeout    time.Duration        `yaml:"resp_timeout"`
	Pool           PoolConfig           `yaml:"pool"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
}

// CircuitBreakerConfig holds circuit breaker settings for the provider.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// RateLimitConfig caps outgoing provider requests. Zero disables it.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// PoolConfig holds HTTP connection pool settings for the provider.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// ChatConfig controls the conversation and the tool-call loop.
type ChatConfig struct {
	Streaming           bool   `yaml:"streaming"`
	MaxToolIterations   int    `yaml:"max_tool_iterations"`
	HistoryLimit        int    `yaml:"history_limit"`
	ToolResultLineLimit int    `yaml:"tool_result_line_limit"`
	SystemPrompt        string `yaml:"system_prompt"`
}

// CommandExecutionConfig configures the terminal command gate.
type CommandExecutionConfig struct {
	Timeout        time.Duration `yaml:"timeout"`
	DangerPatterns []string      `yaml:"danger_patterns"`
}

// PersistenceConfig controls chat history storage.
type PersistenceConfig struct {
	Enabled bool   `yaml:"enabled"`
	DBPath  string `yaml:"db_path"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	// Output is a file path for the stdout exporter; empty means stdout.
	Output string `yaml:"output"`
}

// WorkspaceConfig bounds the file tools. An empty root means the directory
// the CLI was started in.
type WorkspaceConfig struct {
	Root string `yaml:"root"`
}

const defaultSystemPrompt = `You are Supernova, a coding assistant working in the user's terminal.
Use the terminal_command tool to inspect and change the project, and the filesystem tool to read, search and edit files.
Run one step at a time and explain what you found. Never repeat a command that already failed with the same arguments.`

// DefaultDataDir returns $HOME/.supernova, or ./.supernova without a home directory.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".supernova"
	}
	return filepath.Join(home, ".supernova")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		LLM: LLMConfig{
			Provider:    "openai",
			Model:       "gpt-4o-mini",
			BaseURL:     "https://api.openai.com/v1",
			ConnTimeout: 30 * time.Second,
			RespTimeout: 120 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:     true,
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Chat: ChatConfig{
			Streaming:           true,
			MaxToolIterations:   5,
			HistoryLimit:        50,
			ToolResultLineLimit: 100,
			SystemPrompt:        defaultSystemPrompt,
		},
		CommandExecution: CommandExecutionConfig{
			Timeout: 30 * time.Second,
		},
		Persistence: PersistenceConfig{
			Enabled: true,
			DBPath:  filepath.Join(DefaultDataDir(), "history.db"),
		},
		Logger: LoggerConfig{
			Level:  "warn",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// DefaultPath is where Load looks when no path is given.
func DefaultPath() string {
	return filepath.Join(DefaultDataDir(), "config.yaml")
}

// Load reads a YAML config file, applies env var overrides, and validates.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := validatePermissions(path); err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	ApplyEnvOverrides(cfg)
	cfg.Persistence.DBPath = expandHome(os.ExpandEnv(cfg.Persistence.DBPath))
	cfg.Workspace.Root = expandHome(os.ExpandEnv(cfg.Workspace.Root))

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps SUPERNOVA_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SUPERNOVA_LLM_PROVIDER"); v != "" {
		cfg.LLM.Provider = v
	}
	if v := os.Getenv("SUPERNOVA_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("SUPERNOVA_LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("SUPERNOVA_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	} else if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if v, ok := envBool("SUPERNOVA_CHAT_STREAMING"); ok {
		cfg.Chat.Streaming = v
	}
	if v, ok := envInt("SUPERNOVA_CHAT_MAX_TOOL_ITERATIONS"); ok {
		cfg.Chat.MaxToolIterations = v
	}
	if v, ok := envInt("SUPERNOVA_CHAT_HISTORY_LIMIT"); ok {
		cfg.Chat.HistoryLimit = v
	}
	if v, ok := envInt("SUPERNOVA_CHAT_TOOL_RESULT_LINE_LIMIT"); ok {
		cfg.Chat.ToolResultLineLimit = v
	}
	if v := os.Getenv("SUPERNOVA_COMMAND_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.CommandExecution.Timeout = d
		}
	}
	if v := os.Getenv("SUPERNOVA_COMMAND_DANGER_PATTERNS"); v != "" {
		cfg.CommandExecution.DangerPatterns = append(cfg.CommandExecution.DangerPatterns, splitAndTrim(v, ",")...)
	}
	if v, ok := envBool("SUPERNOVA_PERSISTENCE_ENABLED"); ok {
		cfg.Persistence.Enabled = v
	}
	if v := os.Getenv("SUPERNOVA_PERSISTENCE_DB_PATH"); v != "" {
		cfg.Persistence.DBPath = v
	}
	if v := os.Getenv("SUPERNOVA_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("SUPERNOVA_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("SUPERNOVA_LOGGER_OUTPUT"); v != "" {
		cfg.Logger.Output = v
	}
	if v, ok := envBool("SUPERNOVA_TRACER_ENABLED"); ok {
		cfg.Tracer.Enabled = v
	}
	if v := os.Getenv("SUPERNOVA_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("SUPERNOVA_WORKSPACE_ROOT"); v != "" {
		cfg.Workspace.Root = v
	}
}

func envBool(key string) (bool, bool) {
	v := os.Getenv(key)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func splitAndTrim(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// validatePermissions checks the config file is not writable by others.
// The file may hold an API key.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	if mode&0o022 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
