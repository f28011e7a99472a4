package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const FileName = "warroom.yml"

// Config models warroom.yml.
type Config struct {
	Deliberation struct {
		Rounds int `yaml:"rounds"`
	} `yaml:"deliberation"`
	Generation GenerationConfig `yaml:"generation"`
	Retry      RetryConfig      `yaml:"retry"`
	Conflicts  struct {
		Mode string `yaml:"mode"`
	} `yaml:"conflicts"`
	Roles    map[string]RoleConfig `yaml:"roles"`
	Server   ServerConfig          `yaml:"server"`
	Logging  LoggingConfig         `yaml:"logging"`
	Webhooks []WebhookConfig       `yaml:"webhooks"`
}

type GenerationConfig struct {
	Provider    string   `yaml:"provider"`
	Model       string   `yaml:"model"`
	BaseURL     string   `yaml:"base_url"`
	APIKeyEnv   string   `yaml:"api_key_env"`
	Temperature *float64 `yaml:"temperature"`
	MaxTokens   int      `yaml:"max_tokens"`
}

type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	Multiplier     float64       `yaml:"multiplier"`
	CallTimeout    time.Duration `yaml:"call_timeout"`
}

// RoleConfig overrides how a role is shown and prompted. Empty fields keep
// the built-in values.
type RoleConfig struct {
	DisplayName  string `yaml:"display_name"`
	SystemPrompt string `yaml:"system_prompt"`
}

type ServerConfig struct {
	Addr         string `yaml:"addr"`
	BasePath     string `yaml:"base_path"`
	JWTSecretEnv string `yaml:"jwt_secret_env"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Active reports whether the webhook should receive deliveries.
func (w WebhookConfig) Active() bool {
	if w.Enabled != nil && !*w.Enabled {
		return false
	}
	return strings.TrimSpace(w.URL) != ""
}

var (
	knownProviders = map[string]bool{"offline": true, "openai": true, "openai_compatible": true, "groq": true, "anthropic": true}
	knownRoles     = map[string]bool{"lead_strategist": true, "precedent_researcher": true, "adversarial_counsel": true, "moderator": true}
	knownModes     = map[string]bool{"heuristic": true, "delegated": true}
	knownLevels    = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	knownFormats   = map[string]bool{"text": true, "json": true}
	knownEvents    = map[string]bool{
		"agent_started": true, "agent_completed": true,
		"deliberation_round_started": true, "deliberation_round_completed": true,
		"conflict_detected": true, "strategy_ready": true, "error": true,
	}
)

const maxRounds = 10

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Deliberation.Rounds < 0 || c.Deliberation.Rounds > maxRounds {
		return fmt.Errorf("config.deliberation.rounds must be between 0 and %d", maxRounds)
	}
	provider := strings.ToLower(strings.TrimSpace(c.Generation.Provider))
	if !knownProviders[provider] {
		return fmt.Errorf("config.generation.provider %q is not supported", c.Generation.Provider)
	}
	if provider != "offline" && strings.TrimSpace(c.Generation.Model) == "" {
		return fmt.Errorf("config.generation.model is required for provider %s", provider)
	}
	if provider == "openai_compatible" && strings.TrimSpace(c.Generation.BaseURL) == "" {
		return fmt.Errorf("config.generation.base_url is required for provider openai_compatible")
	}
	if t := c.Generation.Temperature; t != nil && (*t < 0 || *t > 2) {
		return fmt.Errorf("config.generation.temperature must be between 0 and 2")
	}
	if c.Generation.MaxTokens < 0 {
		return fmt.Errorf("config.generation.max_tokens must not be negative")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("config.retry.max_attempts must be at least 1")
	}
	if c.Retry.InitialBackoff < 0 || c.Retry.MaxBackoff < 0 || c.Retry.CallTimeout < 0 {
		return fmt.Errorf("config.retry durations must not be negative")
	}
	if c.Retry.MaxBackoff > 0 && c.Retry.InitialBackoff > c.Retry.MaxBackoff {
		return fmt.Errorf("config.retry.initial_backoff exceeds max_backoff")
	}
	if c.Retry.Multiplier != 0 && c.Retry.Multiplier < 1 {
		return fmt.Errorf("config.retry.multiplier must be at least 1")
	}
	if !knownModes[strings.ToLower(strings.TrimSpace(c.Conflicts.Mode))] {
		return fmt.Errorf("config.conflicts.mode %q is not supported", c.Conflicts.Mode)
	}
	for role := range c.Roles {
		if !knownRoles[role] {
			return fmt.Errorf("config.roles contains unknown role %s", role)
		}
	}
	if bp := c.Server.BasePath; bp != "" && !strings.HasPrefix(bp, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if !knownLevels[strings.ToLower(strings.TrimSpace(c.Logging.Level))] {
		return fmt.Errorf("config.logging.level %q is not supported", c.Logging.Level)
	}
	if !knownFormats[strings.ToLower(strings.TrimSpace(c.Logging.Format))] {
		return fmt.Errorf("config.logging.format %q is not supported", c.Logging.Format)
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if !strings.HasPrefix(hook.URL, "http://") && !strings.HasPrefix(hook.URL, "https://") {
			return fmt.Errorf("config.webhooks[%d].url must be http or https", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
		for _, evt := range hook.Events {
			if !knownEvents[evt] {
				return fmt.Errorf("config.webhooks[%d] references unknown event %s", i, evt)
			}
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with wr config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Fields the file
// leaves out keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Marshal renders cfg as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

const defaultTemplate = `deliberation:
  rounds: 2

generation:
  # offline, openai, openai_compatible, groq or anthropic
  provider: offline
  model: ""
  base_url: ""
  api_key_env: WARROOM_API_KEY
  temperature: 0.7
  max_tokens: 1500

retry:
  max_attempts: 3
  initial_backoff: 500ms
  max_backoff: 8s
  multiplier: 2
  call_timeout: 60s

conflicts:
  # heuristic or delegated
  mode: heuristic

roles:
  lead_strategist:
    display_name: Lead Strategist
  precedent_researcher:
    display_name: Precedent Researcher
  adversarial_counsel:
    display_name: Adversarial Counsel
  moderator:
    display_name: Moderator

server:
  addr: 127.0.0.1:8080
  base_path: /v1
  jwt_secret_env: WARROOM_JWT_SECRET

logging:
  level: info
  format: text

webhooks: []
`
