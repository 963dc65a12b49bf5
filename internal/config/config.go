// Package config handles Chorus configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/chorus/config.yaml, /etc/chorus/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "chorus", "config.yaml"))
	}

	paths = append(paths, "/etc/chorus/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
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

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Chorus configuration.
type Config struct {
	Listen    ListenConfig   `yaml:"listen"`
	LogLevel  string         `yaml:"log_level"`
	LogFormat string         `yaml:"log_format"` // text or json
	Throttle  ThrottleConfig `yaml:"throttle"`
	Storage   StorageConfig  `yaml:"storage"`
	LLM       LLMConfig      `yaml:"llm"`
	Pipeline  PipelineConfig `yaml:"pipeline"`
	Gateway   GatewayConfig  `yaml:"gateway"`
	MQTT      MQTTConfig     `yaml:"mqtt"`
	Tasks     TasksConfig    `yaml:"tasks"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ThrottleConfig sizes the task and action throttles. Both share the
// window.
type ThrottleConfig struct {
	Window         time.Duration `yaml:"window"`
	MaxTaskCount   int           `yaml:"max_task_count"`
	MaxActionCount int           `yaml:"max_action_count"`
	// MaxKeys bounds the number of keys each throttle remembers.
	MaxKeys int `yaml:"max_keys"`
}

// StorageConfig selects the database.
type StorageConfig struct {
	Driver string `yaml:"driver"` // sqlite3, sqlite, postgres
	Path   string `yaml:"path"`   // file path, or DSN for postgres
}

// LLMConfig selects the generation backend.
type LLMConfig struct {
	Provider string      `yaml:"provider"` // ollama, anthropic, openai
	Model    string      `yaml:"model"`
	BaseURL  string      `yaml:"base_url"`
	APIKey   string      `yaml:"api_key"`
	Judge    JudgeConfig `yaml:"judge"`
}

// JudgeConfig enables model grading of reply batches.
type JudgeConfig struct {
	Enabled bool `yaml:"enabled"`
	// Model defaults to llm.model.
	Model string `yaml:"model"`
}

// PipelineConfig tunes the reply pipeline.
type PipelineConfig struct {
	// Name is the agent's display name, used for mention detection.
	Name        string `yaml:"name"`
	Persona     string `yaml:"persona"`
	PersonaFile string `yaml:"persona_file"`

	FocusThreshold float64 `yaml:"focus_threshold"`
	HistoryFloor   float64 `yaml:"history_floor"`
	MaxCandidates  int     `yaml:"max_candidates"`
	MaxMessageLen  int     `yaml:"max_message_len"`
	// History is how many recent channel events feed generation.
	History int `yaml:"history"`

	Retries      int           `yaml:"retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`

	DropRefusals  bool    `yaml:"drop_refusals"`
	MinBatchScore float64 `yaml:"min_batch_score"`
}

// GatewayConfig defines the websocket chat gateway.
type GatewayConfig struct {
	Path         string  `yaml:"path"`
	InboundRate  float64 `yaml:"inbound_rate"`
	InboundBurst int     `yaml:"inbound_burst"`
}

// MQTTConfig defines the optional event mirror. Empty broker disables it.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	ClientID    string `yaml:"client_id"`
	// RateLimit caps mirrored events per minute. Excess events are
	// dropped and counted. Negative disables the limit.
	RateLimit int `yaml:"rate_limit"`
}

// Configured reports whether the mirror should start.
func (c MQTTConfig) Configured() bool { return c.Broker != "" }

// TasksConfig defines background maintenance.
type TasksConfig struct {
	PruneInterval time.Duration `yaml:"prune_interval"`
	Retention     time.Duration `yaml:"retention"`
}

// Load reads configuration from a YAML file, applies defaults and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := presets()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	// A relative persona_file is resolved against the config file.
	if cfg.Pipeline.PersonaFile != "" && cfg.Pipeline.Persona == "" {
		pf := cfg.Pipeline.PersonaFile
		if !filepath.IsAbs(pf) {
			pf = filepath.Join(filepath.Dir(path), pf)
		}
		persona, err := os.ReadFile(pf)
		if err != nil {
			return nil, fmt.Errorf("read persona file: %w", err)
		}
		cfg.Pipeline.Persona = strings.TrimSpace(string(persona))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Redacted returns a copy of c with credentials masked, for display.
func (c *Config) Redacted() *Config {
	out := *c
	if out.LLM.APIKey != "" {
		out.LLM.APIKey = redacted
	}
	if out.MQTT.Password != "" {
		out.MQTT.Password = redacted
	}
	if out.Storage.Driver == "postgres" &&
		(strings.Contains(out.Storage.Path, "password=") || strings.Contains(out.Storage.Path, "@")) {
		out.Storage.Path = redacted
	}
	return &out
}

const redacted = "********"

// Default returns a default configuration.
func Default() *Config {
	cfg := presets()
	cfg.applyDefaults()
	return cfg
}

// presets holds defaults for settings where zero is a meaningful value.
// They are set before the file is decoded so an explicit zero survives.
func presets() *Config {
	cfg := &Config{}
	cfg.Pipeline.FocusThreshold = 0.5
	cfg.Pipeline.Retries = 2
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.Throttle.Window == 0 {
		c.Throttle.Window = time.Minute
	}
	if c.Throttle.MaxTaskCount == 0 {
		c.Throttle.MaxTaskCount = 1
	}
	if c.Throttle.MaxActionCount == 0 {
		c.Throttle.MaxActionCount = 20
	}
	if c.Throttle.MaxKeys == 0 {
		c.Throttle.MaxKeys = 10000
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite3"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join("data", "chorus.db")
	}
	if c.LLM.Provider == "" {
		c.LLM.Provider = "ollama"
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "qwen3:4b"
	}
	if c.LLM.Judge.Model == "" {
		c.LLM.Judge.Model = c.LLM.Model
	}
	if c.Pipeline.Name == "" {
		c.Pipeline.Name = "chorus"
	}
	if c.Pipeline.MaxCandidates == 0 {
		c.Pipeline.MaxCandidates = 4
	}
	if c.Pipeline.MaxMessageLen == 0 {
		c.Pipeline.MaxMessageLen = 2000
	}
	if c.Pipeline.History == 0 {
		c.Pipeline.History = 20
	}
	if c.Pipeline.RetryBackoff == 0 {
		c.Pipeline.RetryBackoff = 500 * time.Millisecond
	}
	if c.Gateway.Path == "" {
		c.Gateway.Path = "/ws"
	}
	if c.Gateway.InboundRate == 0 {
		c.Gateway.InboundRate = 2
	}
	if c.Gateway.InboundBurst == 0 {
		c.Gateway.InboundBurst = 5
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "chorus"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "chorus"
	}
	if c.MQTT.RateLimit == 0 {
		c.MQTT.RateLimit = 600
	}
	if c.Tasks.PruneInterval == 0 {
		c.Tasks.PruneInterval = time.Hour
	}
	if c.Tasks.Retention == 0 {
		c.Tasks.Retention = 30 * 24 * time.Hour
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		bad("listen.port %d out of range", c.Listen.Port)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		bad("log_level: %v", err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		bad("log_format %q must be text or json", c.LogFormat)
	}
	if c.Throttle.Window <= 0 {
		bad("throttle.window must be positive")
	}
	if c.Throttle.MaxTaskCount <= 0 {
		bad("throttle.max_task_count must be positive")
	}
	if c.Throttle.MaxActionCount <= 0 {
		bad("throttle.max_action_count must be positive")
	}
	if c.Throttle.MaxKeys <= 0 {
		bad("throttle.max_keys must be positive")
	}
	switch c.Storage.Driver {
	case "sqlite3", "sqlite", "postgres":
	default:
		bad("storage.driver %q must be sqlite3, sqlite or postgres", c.Storage.Driver)
	}
	switch c.LLM.Provider {
	case "ollama":
	case "anthropic", "openai":
		if c.LLM.APIKey == "" && c.LLM.BaseURL == "" {
			bad("llm.api_key is required for provider %s", c.LLM.Provider)
		}
	default:
		bad("llm.provider %q must be ollama, anthropic or openai", c.LLM.Provider)
	}
	if c.Pipeline.FocusThreshold < 0 || c.Pipeline.FocusThreshold > 1 {
		bad("pipeline.focus_threshold %v must be within [0, 1]", c.Pipeline.FocusThreshold)
	}
	if c.Pipeline.MaxCandidates < 1 {
		bad("pipeline.max_candidates must be at least 1")
	}
	if c.Pipeline.MaxMessageLen < 16 {
		bad("pipeline.max_message_len must be at least 16")
	}
	if c.Pipeline.Retries < 0 {
		bad("pipeline.retries must not be negative")
	}
	if !strings.HasPrefix(c.Gateway.Path, "/") {
		bad("gateway.path %q must start with /", c.Gateway.Path)
	}
	if c.Tasks.PruneInterval <= 0 || c.Tasks.Retention <= 0 {
		bad("tasks.prune_interval and tasks.retention must be positive")
	}

	return errors.Join(errs...)
}
