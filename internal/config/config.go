// Package config handles MoodMender configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/moodmender/config.yaml, /etc/moodmender/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "moodmender", "config.yaml"))
	}

	paths = append(paths, "/etc/moodmender/config.yaml")
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

// LoadDotEnv loads KEY=value pairs from the given files into the process
// environment without overriding variables that are already set. Missing
// files are skipped; a malformed file is an error.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Memory scoping strategies for saved facts.
const (
	// ScopeUser keeps one memory namespace per user, shared across
	// all of that user's conversations.
	ScopeUser = "user"
	// ScopeConversation keeps a separate namespace per conversation.
	ScopeConversation = "conversation"
)

// Meme template sampling policies.
const (
	// SamplingCatalog picks min(requested, catalog size) templates.
	SamplingCatalog = "catalog"
	// SamplingSingle picks min(1, requested) templates.
	SamplingSingle = "single"
)

// Config holds all MoodMender configuration.
type Config struct {
	Listen    ListenConfig `yaml:"listen"`
	DataDir   string       `yaml:"data_dir"`
	LogLevel  string       `yaml:"log_level"`
	LogFormat string       `yaml:"log_format"` // text (default) or json
	Auth      AuthConfig   `yaml:"auth"`
	CORS      CORSConfig   `yaml:"cors"`
	LLM       LLMConfig    `yaml:"llm"`
	Memory    MemoryConfig `yaml:"memory"`
	Meme      MemeConfig   `yaml:"meme"`
	Speech    SpeechConfig `yaml:"speech"`
	Agent     AgentConfig  `yaml:"agent"`
	MQTT      MQTTConfig   `yaml:"mqtt"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// AuthConfig defines session token settings.
type AuthConfig struct {
	// JWTSecret signs the auth_token cookie. Required.
	JWTSecret string `yaml:"jwt_secret"`
	// TokenTTL is how long a login stays valid (default 12h).
	TokenTTL time.Duration `yaml:"token_ttl"`
	// CookieSecure sets the Secure attribute on the auth cookie. Enable
	// when serving over HTTPS.
	CookieSecure bool `yaml:"cookie_secure"`
}

// CORSConfig lists the browser origins allowed to call the API with
// credentials.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// LLMConfig selects the hosted language model.
type LLMConfig struct {
	// Provider is "anthropic" or "openai" (any OpenAI-compatible
	// chat completions endpoint, e.g. Groq).
	Provider  string `yaml:"provider"`
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens"`
	// UtilityProvider and UtilityModel serve the single-shot calls
	// (topic labels, meme premises and captions). They default to
	// Provider and Model.
	UtilityProvider string `yaml:"utility_provider"`
	UtilityModel    string `yaml:"utility_model"`
	// TimeoutSec bounds a single completion request (default 120).
	TimeoutSec int             `yaml:"timeout_sec"`
	Anthropic  AnthropicConfig `yaml:"anthropic"`
	OpenAI     OpenAIConfig    `yaml:"openai"`
	// Pricing maps model names to per-million token prices for the
	// usage ledger. Unlisted models are recorded at zero cost.
	Pricing map[string]PricingEntry `yaml:"pricing"`
}

// PricingEntry is the USD price of one million tokens.
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// Providers returns the distinct providers in use.
func (c LLMConfig) Providers() []string {
	if c.UtilityProvider == "" || c.UtilityProvider == c.Provider {
		return []string{c.Provider}
	}
	return []string{c.Provider, c.UtilityProvider}
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// OpenAIConfig defines an OpenAI-compatible endpoint.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// MemoryConfig selects the memory fact backend and scoping strategy.
type MemoryConfig struct {
	// Backend is "sqlite" (default, stored under data_dir) or "postgres".
	Backend     string `yaml:"backend"`
	PostgresDSN string `yaml:"postgres_dsn"`
	// Scope is ScopeUser (default) or ScopeConversation.
	Scope string `yaml:"scope"`
}

// MemeConfig defines the Imgflip meme provider and sampling policy.
type MemeConfig struct {
	BaseURL  string `yaml:"base_url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// Sampling is SamplingCatalog (default) or SamplingSingle.
	Sampling string `yaml:"sampling"`
	// DefaultCount is used when a tool call does not ask for a
	// positive number of memes (default 2).
	DefaultCount int `yaml:"default_count"`
}

// SpeechConfig defines the speech-to-text engine. Any endpoint
// implementing the OpenAI audio transcription API works.
type SpeechConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	// Language is an optional ISO-639-1 hint.
	Language string `yaml:"language"`
	// MaxAudioBytes caps a single capture session (default 25 MiB).
	MaxAudioBytes int64 `yaml:"max_audio_bytes"`
}

// Configured reports whether a speech engine is available.
func (c SpeechConfig) Configured() bool {
	return c.BaseURL != ""
}

// AgentConfig tunes the turn loop.
type AgentConfig struct {
	// TokenCeiling bounds the trimmed prompt history (default 5984).
	TokenCeiling int `yaml:"token_ceiling"`
	// MaxIterations bounds model round trips in one turn (default 6).
	MaxIterations int `yaml:"max_iterations"`
	// CheckpointsKept is how many history snapshots to retain per
	// conversation (default 20).
	CheckpointsKept int `yaml:"checkpoints_kept"`
}

// MQTTConfig defines the optional MQTT event publisher. Publishing is
// disabled when Broker is empty.
type MQTTConfig struct {
	Broker     string `yaml:"broker"` // e.g. mqtt://localhost:1883
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	DeviceName string `yaml:"device_name"`
	// PublishIntervalSec is how often counters are pushed (default 60).
	PublishIntervalSec int `yaml:"publish_interval_sec"`
}

// Configured reports whether MQTT publishing is enabled.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8000
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = 12 * time.Hour
	}
	if len(c.CORS.AllowedOrigins) == 0 {
		c.CORS.AllowedOrigins = []string{"http://localhost:3000", "https://localhost:3000"}
	}
	if c.LLM.Provider == "" {
		c.LLM.Provider = "anthropic"
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "claude-3-5-haiku-latest"
	}
	if c.LLM.UtilityProvider == "" {
		c.LLM.UtilityProvider = c.LLM.Provider
	}
	if c.LLM.UtilityModel == "" {
		c.LLM.UtilityModel = c.LLM.Model
	}
	if c.LLM.MaxTokens == 0 {
		c.LLM.MaxTokens = 1024
	}
	if c.LLM.TimeoutSec == 0 {
		c.LLM.TimeoutSec = 120
	}
	if c.Memory.Backend == "" {
		c.Memory.Backend = "sqlite"
	}
	if c.Memory.Scope == "" {
		c.Memory.Scope = ScopeUser
	}
	if c.Meme.BaseURL == "" {
		c.Meme.BaseURL = "https://api.imgflip.com"
	}
	if c.Meme.Sampling == "" {
		c.Meme.Sampling = SamplingCatalog
	}
	if c.Meme.DefaultCount == 0 {
		c.Meme.DefaultCount = 2
	}
	if c.Speech.Model == "" {
		c.Speech.Model = "whisper-large-v3"
	}
	if c.Speech.MaxAudioBytes == 0 {
		c.Speech.MaxAudioBytes = 25 << 20
	}
	if c.Agent.TokenCeiling == 0 {
		c.Agent.TokenCeiling = 5984
	}
	if c.Agent.MaxIterations == 0 {
		c.Agent.MaxIterations = 6
	}
	if c.Agent.CheckpointsKept == 0 {
		c.Agent.CheckpointsKept = 20
	}
	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = "moodmender"
	}
	if c.MQTT.PublishIntervalSec == 0 {
		c.MQTT.PublishIntervalSec = 60
	}
}

// Validate checks the configuration for values that would prevent the
// server from starting.
func (c *Config) Validate() error {
	var problems []string

	if c.Auth.JWTSecret == "" {
		problems = append(problems, "auth.jwt_secret is required")
	}
	for _, p := range c.LLM.Providers() {
		switch p {
		case "anthropic":
			if c.LLM.Anthropic.APIKey == "" {
				problems = append(problems, "llm.anthropic.api_key is required for provider anthropic")
			}
		case "openai":
			if c.LLM.OpenAI.BaseURL == "" {
				problems = append(problems, "llm.openai.base_url is required for provider openai")
			}
		default:
			problems = append(problems, fmt.Sprintf("llm provider %q is not supported (valid: anthropic, openai)", p))
		}
	}
	switch c.Memory.Backend {
	case "sqlite":
	case "postgres":
		if c.Memory.PostgresDSN == "" {
			problems = append(problems, "memory.postgres_dsn is required for backend postgres")
		}
	default:
		problems = append(problems, fmt.Sprintf("memory.backend %q is not supported (valid: sqlite, postgres)", c.Memory.Backend))
	}
	if c.Memory.Scope != ScopeUser && c.Memory.Scope != ScopeConversation {
		problems = append(problems, fmt.Sprintf("memory.scope %q is not supported (valid: user, conversation)", c.Memory.Scope))
	}
	if c.Meme.Sampling != SamplingCatalog && c.Meme.Sampling != SamplingSingle {
		problems = append(problems, fmt.Sprintf("meme.sampling %q is not supported (valid: catalog, single)", c.Meme.Sampling))
	}
	if c.Agent.MaxIterations < 1 {
		problems = append(problems, "agent.max_iterations must be at least 1")
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		problems = append(problems, err.Error())
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		problems = append(problems, fmt.Sprintf("log_format %q is not supported (valid: text, json)", c.LogFormat))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
