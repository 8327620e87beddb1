// Package config handles could-you configuration loading.
//
// Configuration lives in YAML files. A global file (in the user's config
// directory) provides defaults; a local file (in the working directory)
// overrides them per project. The two are merged key-by-key with the local
// value winning, so a project can disable a single server or swap the model
// without repeating the full server list.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// LocalFileName is the per-project config file name.
const LocalFileName = "could-you.yaml"

// Defaults applied when the config leaves a field unset.
const (
	DefaultToolTimeout = 30 * time.Second
	DefaultToolRetries = 1
	DefaultMaxTurns    = 16
)

// GlobalSearchPaths returns the global config file search order.
func GlobalSearchPaths() []string {
	var paths []string
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "could-you", "config.yaml"))
	}
	paths = append(paths, "/etc/could-you/config.yaml")
	return paths
}

// Config holds all could-you configuration.
type Config struct {
	LLM          LLMConfig               `yaml:"llm"`
	Servers      map[string]ServerConfig `yaml:"mcp_servers"`
	SystemPrompt string                  `yaml:"system_prompt"`
	Env          map[string]string       `yaml:"env"`
	ToolTimeout  time.Duration           `yaml:"tool_timeout"`
	MaxTurns     int                     `yaml:"max_turns"`

	// ToolRetries caps transient retries per tool call. A nil pointer
	// means "not specified" so the global/local merge can distinguish an
	// explicit 0 from an absent key and the default still applies.
	ToolRetries *int `yaml:"tool_retries"`

	NameStyle string `yaml:"name_style"` // "prefixed" (default) or "plain"
	DataDir   string `yaml:"data_dir"`
	LogLevel  string `yaml:"log_level"`
}

// LLMConfig selects the model backend.
type LLMConfig struct {
	Provider string `yaml:"provider"` // anthropic, ollama
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"` // Ollama endpoint; ignored by anthropic
}

// ServerConfig describes one MCP tool server. Stdio servers set Command;
// remote servers set URL with Transport "http" or "websocket".
type ServerConfig struct {
	Command   string            `yaml:"command"`
	Args      []string          `yaml:"args"`
	Env       map[string]string `yaml:"env"`
	URL       string            `yaml:"url"`
	Headers   map[string]string `yaml:"headers"`
	Transport string            `yaml:"transport"` // stdio (default with command), http, websocket

	// Enabled defaults to true; a nil pointer means "not specified" so the
	// global/local merge can distinguish an explicit false from an absent key.
	Enabled *bool `yaml:"enabled"`

	// DisabledTools are server-side tool names never admitted to the catalog.
	DisabledTools []string `yaml:"disabled_tools"`
}

// IsEnabled reports whether the server should be connected.
func (s ServerConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// Kind returns the effective transport kind for the server.
func (s ServerConfig) Kind() string {
	if s.Transport != "" {
		return s.Transport
	}
	if s.Command != "" {
		return "stdio"
	}
	return "http"
}

// Validate checks that the server entry is usable.
func (s ServerConfig) Validate(name string) error {
	switch s.Kind() {
	case "stdio":
		if s.Command == "" {
			return fmt.Errorf("server %q: stdio transport requires command", name)
		}
	case "http", "websocket":
		if s.URL == "" {
			return fmt.Errorf("server %q: %s transport requires url", name, s.Kind())
		}
	default:
		return fmt.Errorf("server %q: unknown transport %q", name, s.Transport)
	}
	return nil
}

// Load reads the effective configuration: the first global file found is
// merged with the local file (if any), and an explicit path, when given,
// replaces the local file in that merge. Environment variables referenced
// as ${VAR} are expanded in both files before parsing.
func Load(explicit string) (*Config, error) {
	var global, local *Config

	for _, p := range GlobalSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			g, err := loadFile(p)
			if err != nil {
				return nil, fmt.Errorf("load global config %s: %w", p, err)
			}
			global = g
			break
		}
	}

	localPath := explicit
	if localPath == "" {
		if _, err := os.Stat(LocalFileName); err == nil {
			localPath = LocalFileName
		}
	} else if _, err := os.Stat(localPath); err != nil {
		return nil, fmt.Errorf("config file not found: %s", localPath)
	}

	if localPath != "" {
		l, err := loadFile(localPath)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", localPath, err)
		}
		local = l
	}

	if global == nil && local == nil {
		return nil, fmt.Errorf("no config file found (searched %s and %v)", LocalFileName, GlobalSearchPaths())
	}

	cfg := Merge(global, local)
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFile reads and parses a single YAML config file.
func loadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Merge combines a global and a local config. Local scalar fields override
// global ones when set; server entries and env vars merge per key, with a
// local server entry overlaying the matching global entry field-by-field.
// Either argument may be nil.
func Merge(global, local *Config) *Config {
	if global == nil {
		global = &Config{}
	}
	if local == nil {
		local = &Config{}
	}

	out := *global

	if local.LLM.Provider != "" {
		out.LLM.Provider = local.LLM.Provider
	}
	if local.LLM.Model != "" {
		out.LLM.Model = local.LLM.Model
	}
	if local.LLM.APIKey != "" {
		out.LLM.APIKey = local.LLM.APIKey
	}
	if local.LLM.BaseURL != "" {
		out.LLM.BaseURL = local.LLM.BaseURL
	}

	if local.SystemPrompt != "" {
		out.SystemPrompt = local.SystemPrompt
	}
	if local.ToolTimeout != 0 {
		out.ToolTimeout = local.ToolTimeout
	}
	if local.ToolRetries != nil {
		out.ToolRetries = local.ToolRetries
	}
	if local.MaxTurns != 0 {
		out.MaxTurns = local.MaxTurns
	}
	if local.NameStyle != "" {
		out.NameStyle = local.NameStyle
	}
	if local.DataDir != "" {
		out.DataDir = local.DataDir
	}
	if local.LogLevel != "" {
		out.LogLevel = local.LogLevel
	}

	out.Env = mergeStringMaps(global.Env, local.Env)

	if len(global.Servers) > 0 || len(local.Servers) > 0 {
		servers := make(map[string]ServerConfig, len(global.Servers)+len(local.Servers))
		for name, s := range global.Servers {
			servers[name] = s
		}
		for name, l := range local.Servers {
			if g, ok := servers[name]; ok {
				servers[name] = overlayServer(g, l)
			} else {
				servers[name] = l
			}
		}
		out.Servers = servers
	}

	return &out
}

// overlayServer applies local server fields over the global entry.
// DisabledTools replaces rather than appends, matching the merge rule for
// every other list-valued key: the local file states the full intent.
func overlayServer(g, l ServerConfig) ServerConfig {
	out := g
	if l.Command != "" {
		out.Command = l.Command
	}
	if l.Args != nil {
		out.Args = l.Args
	}
	if l.URL != "" {
		out.URL = l.URL
	}
	if l.Transport != "" {
		out.Transport = l.Transport
	}
	if l.Enabled != nil {
		out.Enabled = l.Enabled
	}
	if l.DisabledTools != nil {
		out.DisabledTools = l.DisabledTools
	}
	out.Env = mergeStringMaps(g.Env, l.Env)
	out.Headers = mergeStringMaps(g.Headers, l.Headers)
	return out
}

func mergeStringMaps(a, b map[string]string) map[string]string {
	if a == nil && b == nil {
		return nil
	}
	out := make(map[string]string, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

// applyDefaults fills zero-valued tunables.
// RetryLimit returns the effective transient-retry count for tool
// calls: the configured value, or DefaultToolRetries when unset.
func (c *Config) RetryLimit() int {
	if c.ToolRetries == nil {
		return DefaultToolRetries
	}
	return *c.ToolRetries
}

func (c *Config) applyDefaults() {
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = DefaultToolTimeout
	}
	if c.ToolRetries == nil {
		n := DefaultToolRetries
		c.ToolRetries = &n
	}
	if c.MaxTurns <= 0 {
		c.MaxTurns = DefaultMaxTurns
	}
	if c.NameStyle == "" {
		c.NameStyle = "prefixed"
	}
	if c.LLM.Provider == "" {
		c.LLM.Provider = "ollama"
	}
}

// Validate checks the assembled configuration.
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case "anthropic", "ollama":
	default:
		return fmt.Errorf("unknown llm provider %q (valid: anthropic, ollama)", c.LLM.Provider)
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("llm.model is required")
	}
	switch c.NameStyle {
	case "prefixed", "plain":
	default:
		return fmt.Errorf("unknown name_style %q (valid: prefixed, plain)", c.NameStyle)
	}
	if c.ToolRetries != nil && *c.ToolRetries < 0 {
		return fmt.Errorf("tool_retries must not be negative")
	}
	for name, s := range c.Servers {
		if err := s.Validate(name); err != nil {
			return err
		}
	}
	return nil
}
