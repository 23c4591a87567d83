// Package config handles mcpchat configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrNoConfig is returned by [FindConfig] when no config file exists in
// any search location. The config file is optional; callers fall back
// to [Default] plus environment variables.
var ErrNoConfig = errors.New("no config file found")

// Supported model providers.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderOllama    = "ollama"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first by [FindConfig].
func DefaultSearchPaths() []string {
	paths := []string{"mcpchat.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "mcpchat", "config.yaml"))
	}

	paths = append(paths, "/etc/mcpchat/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists,
// or [ErrNoConfig].
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("%w (searched: %v)", ErrNoConfig, DefaultSearchPaths())
}

// Config holds all mcpchat configuration. A Config is built once at
// startup, validated, and then passed by value or pointer into
// constructors; nothing mutates it afterwards.
type Config struct {
	Model     ModelConfig `yaml:"model"`
	MCP       MCPConfig   `yaml:"mcp"`
	Shell     ShellConfig `yaml:"shell"`
	Usage     UsageConfig `yaml:"usage"`
	LogLevel  string      `yaml:"log_level"`
	LogFormat string      `yaml:"log_format"` // text (default) or json
}

// ModelConfig selects and configures the language model provider.
type ModelConfig struct {
	// Provider is one of openai, anthropic or ollama.
	Provider string `yaml:"provider"`

	// Name is the model identifier sent to the provider.
	Name string `yaml:"name"`

	// BaseURL overrides the provider endpoint. For openai this is any
	// OpenAI-compatible API root (e.g. https://api.deepseek.com/v1).
	BaseURL string `yaml:"base_url"`

	// APIKey is the static credential. Required for openai and anthropic.
	APIKey string `yaml:"api_key"`

	// SystemPrompt, when set, is prepended to every conversation.
	SystemPrompt string `yaml:"system_prompt"`

	// MaxToolRounds bounds tool round-trips per query (default 1).
	MaxToolRounds int `yaml:"max_tool_rounds"`

	// MaxTokens caps completion length where the provider requires it.
	MaxTokens int `yaml:"max_tokens"`

	// TimeoutSec bounds a single model call (default 120).
	TimeoutSec int `yaml:"timeout_sec"`
}

// Timeout returns the per-call model timeout.
func (m ModelConfig) Timeout() time.Duration {
	return time.Duration(m.TimeoutSec) * time.Second
}

// RequiresAPIKey reports whether the provider needs a credential.
func (m ModelConfig) RequiresAPIKey() bool {
	return m.Provider == ProviderOpenAI || m.Provider == ProviderAnthropic
}

// MCPConfig configures how the tool server is launched and reached.
type MCPConfig struct {
	// Python is the interpreter used for .py server scripts.
	Python string `yaml:"python"`

	// Node is the runtime used for .js and .mjs server scripts.
	Node string `yaml:"node"`

	// Env are extra KEY=VALUE entries for stdio server subprocesses.
	Env []string `yaml:"env"`

	// Headers are sent with every request on HTTP and WebSocket
	// transports (e.g. Authorization).
	Headers map[string]string `yaml:"headers"`

	// InitTimeoutSec bounds startup and the initialize handshake (default 30).
	InitTimeoutSec int `yaml:"init_timeout_sec"`

	// CallTimeoutSec bounds a single tools/call (default 60).
	CallTimeoutSec int `yaml:"call_timeout_sec"`
}

// InitTimeout returns the handshake timeout.
func (m MCPConfig) InitTimeout() time.Duration {
	return time.Duration(m.InitTimeoutSec) * time.Second
}

// CallTimeout returns the per-tool-call timeout.
func (m MCPConfig) CallTimeout() time.Duration {
	return time.Duration(m.CallTimeoutSec) * time.Second
}

// ShellConfig configures the interactive prompt.
type ShellConfig struct {
	Prompt          string `yaml:"prompt"`
	QueryTimeoutSec int    `yaml:"query_timeout_sec"`

	// HealthIntervalSec is how often the tool server and model provider
	// are probed in the background (default 60). Negative disables.
	HealthIntervalSec int `yaml:"health_interval_sec"`
}

// QueryTimeout returns the end-to-end timeout for one query.
func (s ShellConfig) QueryTimeout() time.Duration {
	return time.Duration(s.QueryTimeoutSec) * time.Second
}

// HealthInterval returns the background probe interval, or zero when
// probing is disabled.
func (s ShellConfig) HealthInterval() time.Duration {
	if s.HealthIntervalSec < 0 {
		return 0
	}
	return time.Duration(s.HealthIntervalSec) * time.Second
}

// UsageConfig configures the token usage ledger.
type UsageConfig struct {
	Enabled bool                    `yaml:"enabled"`
	DBPath  string                  `yaml:"db_path"`
	Pricing map[string]PricingEntry `yaml:"pricing"`
}

// PricingEntry is the USD cost per million tokens for one model.
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// Load reads configuration from a YAML file. Environment variables in
// the file are expanded before parsing, then defaults and environment
// fallbacks are applied.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

// Default returns the configuration used when no file is present:
// built-in defaults plus environment fallbacks.
func Default() *Config {
	cfg := &Config{}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg
}

// applyEnv fills unset model settings from the conventional environment
// variables OPENAI_API_KEY, BASE_URL and MODEL.
func (c *Config) applyEnv() {
	if c.Model.APIKey == "" {
		switch c.Model.Provider {
		case ProviderAnthropic:
			c.Model.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		case "", ProviderOpenAI:
			c.Model.APIKey = os.Getenv("OPENAI_API_KEY")
		}
	}
	if c.Model.BaseURL == "" {
		c.Model.BaseURL = os.Getenv("BASE_URL")
	}
	if c.Model.Name == "" {
		c.Model.Name = os.Getenv("MODEL")
	}
}

func (c *Config) applyDefaults() {
	if c.Model.Provider == "" {
		c.Model.Provider = ProviderOpenAI
	}
	if c.Model.Name == "" && c.Model.Provider == ProviderOpenAI {
		c.Model.Name = "gpt-4o-mini"
	}
	if c.Model.MaxToolRounds == 0 {
		c.Model.MaxToolRounds = 1
	}
	if c.Model.MaxTokens == 0 {
		c.Model.MaxTokens = 4096
	}
	if c.Model.TimeoutSec == 0 {
		c.Model.TimeoutSec = 120
	}
	if c.MCP.Python == "" {
		c.MCP.Python = "python"
	}
	if c.MCP.Node == "" {
		c.MCP.Node = "node"
	}
	if c.MCP.InitTimeoutSec == 0 {
		c.MCP.InitTimeoutSec = 30
	}
	if c.MCP.CallTimeoutSec == 0 {
		c.MCP.CallTimeoutSec = 60
	}
	if c.Shell.Prompt == "" {
		c.Shell.Prompt = "you> "
	}
	if c.Shell.QueryTimeoutSec == 0 {
		c.Shell.QueryTimeoutSec = 300
	}
	if c.Shell.HealthIntervalSec == 0 {
		c.Shell.HealthIntervalSec = 60
	}
	if c.Usage.DBPath == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.Usage.DBPath = filepath.Join(home, ".local", "share", "mcpchat", "usage.db")
		} else {
			c.Usage.DBPath = "usage.db"
		}
	}
}

// Validate checks the configuration for errors that would otherwise
// surface later as confusing runtime failures.
func (c *Config) Validate() error {
	switch c.Model.Provider {
	case ProviderOpenAI, ProviderAnthropic, ProviderOllama:
	default:
		return fmt.Errorf("model.provider %q is not supported (valid: openai, anthropic, ollama)", c.Model.Provider)
	}
	if c.Model.RequiresAPIKey() && c.Model.APIKey == "" {
		return fmt.Errorf("model.api_key is required for provider %s (set it in the config file or via OPENAI_API_KEY/ANTHROPIC_API_KEY)", c.Model.Provider)
	}
	if c.Model.Name == "" {
		return fmt.Errorf("model.name is required (set it in the config file or via MODEL)")
	}
	if c.Model.MaxToolRounds < 1 {
		return fmt.Errorf("model.max_tool_rounds must be at least 1, got %d", c.Model.MaxToolRounds)
	}
	if c.Model.TimeoutSec < 0 || c.MCP.InitTimeoutSec < 0 || c.MCP.CallTimeoutSec < 0 || c.Shell.QueryTimeoutSec < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("log_format %q is not supported (valid: text, json)", c.LogFormat)
	}
	return nil
}
