package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App       AppConfig                 `json:"app" yaml:"app" toml:"app"`
	Gateways  map[string]GatewayConfig  `json:"gateways" yaml:"gateways" toml:"gateways"`
	Providers map[string]ProviderConfig `json:"providers" yaml:"providers" toml:"providers"`
	Memory    MemoryConfig              `json:"memory" yaml:"memory" toml:"memory"`
	Wizard    WizardConfig              `json:"wizard" yaml:"wizard" toml:"wizard"`
}

type AppConfig struct {
	Name       string `json:"name" yaml:"name" toml:"name"`
	PromptsDir string `json:"prompts_dir" yaml:"prompts_dir" toml:"prompts_dir"`
	LogDir     string `json:"log_dir" yaml:"log_dir" toml:"log_dir"`
}

type GatewayConfig struct {
	Token   string `json:"token,omitempty" yaml:"token,omitempty" toml:"token,omitempty"`
	Addr    string `json:"addr,omitempty" yaml:"addr,omitempty" toml:"addr,omitempty"`
	Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
}

type ProviderConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key" toml:"api_key"`
	Model   string `json:"model" yaml:"model" toml:"model"`
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty" toml:"base_url,omitempty"`
	Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
}

type MemoryConfig struct {
	Type string `json:"type" yaml:"type" toml:"type"`
	Path string `json:"path" yaml:"path" toml:"path"`
}

// WizardConfig tunes the onboarding flow. Durations are in milliseconds or
// seconds as named so every config format can express them as plain numbers.
type WizardConfig struct {
	QuestionDelayMS   int      `json:"question_delay_ms" yaml:"question_delay_ms" toml:"question_delay_ms"`
	RequestTimeoutSec int      `json:"request_timeout_sec" yaml:"request_timeout_sec" toml:"request_timeout_sec"`
	SessionTTLMinutes int      `json:"session_ttl_minutes" yaml:"session_ttl_minutes" toml:"session_ttl_minutes"`
	MaxInputRunes     int      `json:"max_input_runes" yaml:"max_input_runes" toml:"max_input_runes"`
	DeniedPatterns    []string `json:"denied_patterns" yaml:"denied_patterns" toml:"denied_patterns"`
	FetchReferences   bool     `json:"fetch_references" yaml:"fetch_references" toml:"fetch_references"`
	SkipSummary       bool     `json:"skip_summary" yaml:"skip_summary" toml:"skip_summary"`
}

const (
	DefaultHTTPAddr          = "127.0.0.1:8420"
	defaultQuestionDelayMS   = 600
	defaultRequestTimeoutSec = 60
	defaultSessionTTLMinutes = 120
	defaultMaxInputRunes     = 4000
)

// LoadConfig reads the config file and exits on failure.
func LoadConfig(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	return cfg
}

// Load decodes a JSON, YAML or TOML config file chosen by extension, then
// applies environment overrides and defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	case ".toml":
		err = toml.Unmarshal(data, &cfg)
	default:
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode config file %s: %w", path, err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyEnv() {
	key := os.Getenv("STEPWISE_OPENAI_API_KEY")
	if key == "" {
		key = os.Getenv("OPENAI_API_KEY")
	}
	if key != "" {
		if p, ok := c.Providers["openai"]; ok && p.APIKey == "" {
			p.APIKey = key
			c.Providers["openai"] = p
		}
	}
	if addr := os.Getenv("STEPWISE_HTTP_ADDR"); addr != "" {
		if c.Gateways == nil {
			c.Gateways = map[string]GatewayConfig{}
		}
		g := c.Gateways["http"]
		g.Addr = addr
		g.Enabled = true
		c.Gateways["http"] = g
	}
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "stepwise"
	}
	if c.App.LogDir == "" {
		c.App.LogDir = "logs"
	}
	if c.Memory.Path == "" {
		c.Memory.Type = "sqlite"
		c.Memory.Path = ":memory:"
	}
	if c.Wizard.QuestionDelayMS <= 0 {
		c.Wizard.QuestionDelayMS = defaultQuestionDelayMS
	}
	if c.Wizard.RequestTimeoutSec <= 0 {
		c.Wizard.RequestTimeoutSec = defaultRequestTimeoutSec
	}
	if c.Wizard.SessionTTLMinutes <= 0 {
		c.Wizard.SessionTTLMinutes = defaultSessionTTLMinutes
	}
	if c.Wizard.MaxInputRunes <= 0 {
		c.Wizard.MaxInputRunes = defaultMaxInputRunes
	}
}

func (w WizardConfig) QuestionDelay() time.Duration {
	return time.Duration(w.QuestionDelayMS) * time.Millisecond
}

func (w WizardConfig) RequestTimeout() time.Duration {
	return time.Duration(w.RequestTimeoutSec) * time.Second
}

func (w WizardConfig) SessionTTL() time.Duration {
	return time.Duration(w.SessionTTLMinutes) * time.Minute
}

// GetDefaultProvider returns the first enabled provider in name order
func (c *Config) GetDefaultProvider() (string, ProviderConfig) {
	names := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if p := c.Providers[name]; p.Enabled {
			return name, p
		}
	}
	return "", ProviderConfig{}
}

// GetGateway returns the named gateway config if enabled
func (c *Config) GetGateway(name string) (GatewayConfig, bool) {
	g, ok := c.Gateways[name]
	if ok && g.Enabled {
		return g, true
	}
	return GatewayConfig{}, false
}

// GetTelegramConfig returns telegram config if enabled and a token is set
func (c *Config) GetTelegramConfig() (GatewayConfig, bool) {
	tg, ok := c.GetGateway("telegram")
	if !ok || tg.Token == "" {
		return GatewayConfig{}, false
	}
	return tg, true
}

// GetDiscordConfig returns discord config if enabled and a token is set
func (c *Config) GetDiscordConfig() (GatewayConfig, bool) {
	dc, ok := c.GetGateway("discord")
	if !ok || dc.Token == "" {
		return GatewayConfig{}, false
	}
	return dc, true
}

// GetHTTPConfig returns the HTTP gateway config; the address falls back to
// DefaultHTTPAddr.
func (c *Config) GetHTTPConfig() (GatewayConfig, bool) {
	h, ok := c.GetGateway("http")
	if !ok {
		return GatewayConfig{}, false
	}
	if h.Addr == "" {
		h.Addr = DefaultHTTPAddr
	}
	return h, true
}
