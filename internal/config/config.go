// Package config loads the service's JSON configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/nidhogg/ipagent/internal/compose"
	"github.com/nidhogg/ipagent/internal/embedding"
	"github.com/nidhogg/ipagent/internal/provider"
	"github.com/nidhogg/ipagent/internal/router"
)

// Config is the top-level configuration structure.
type Config struct {
	Server          ServerConfig     `json:"server"`
	Providers       []ProviderConfig `json:"providers"`
	DefaultProvider string           `json:"default_provider"`
	Fallbacks       []string         `json:"fallbacks"`
	Database        DatabaseConfig   `json:"database"`
	Composer        ComposerConfig   `json:"composer"`
	Embedding       EmbeddingConfig  `json:"embedding"`
	Metrics         MetricsConfig    `json:"metrics"`
	SkillsDir       string           `json:"skills_dir"`
}

type ServerConfig struct {
	Port        int      `json:"port"`
	LogLevel    string   `json:"log_level"`
	CORSOrigins []string `json:"cors_origins"`
}

type ProviderConfig struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"`
	Name     string            `json:"name"`
	Endpoint string            `json:"endpoint"`
	APIKey   string            `json:"api_key"`
	Models   []string          `json:"models,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
	Timeout  Duration          `json:"timeout,omitempty"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
}

type PostgresConfig struct {
	DSN          string   `json:"dsn"`
	FetchTimeout Duration `json:"fetch_timeout"`
}

type RedisConfig struct {
	URL      string   `json:"url"`
	SkillTTL Duration `json:"skill_ttl"`
}

type ComposerConfig struct {
	Separator        *string           `json:"separator"` // nil means the default; "" is not allowed
	Parallelism      int               `json:"parallelism"`
	MaxPromptTokens  int               `json:"max_prompt_tokens"`
	DefaultVariables map[string]string `json:"default_variables"`
	Routing          RoutingConfig     `json:"routing"`
}

type RoutingConfig struct {
	MinScore          float64 `json:"min_score"`
	MaxSkills         int     `json:"max_skills"`
	MaxInputBytes     int     `json:"max_input_bytes"`
	Semantic          bool    `json:"semantic"`
	SemanticThreshold float64 `json:"semantic_threshold"`
}

type EmbeddingConfig struct {
	Provider  string   `json:"provider"`
	Endpoint  string   `json:"endpoint"`
	Model     string   `json:"model"`
	APIKey    string   `json:"api_key"`
	Dimension int      `json:"dimension"`
	Timeout   Duration `json:"timeout"`
}

type MetricsConfig struct {
	Namespace string `json:"namespace"`
}

// Duration is a time.Duration that reads "3s" style strings or
// nanosecond numbers from JSON.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case float64:
		*d = Duration(time.Duration(x))
	case string:
		if x == "" {
			*d = 0
			return nil
		}
		parsed, err := time.ParseDuration(x)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", x, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration %s", string(b))
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Defaults returns a Config with every default filled in.
func Defaults() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 3210
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if len(c.Server.CORSOrigins) == 0 {
		c.Server.CORSOrigins = []string{"*"}
	}
	if c.Database.Postgres.FetchTimeout == 0 {
		c.Database.Postgres.FetchTimeout = Duration(3 * time.Second)
	}
	if c.Database.Redis.SkillTTL == 0 {
		c.Database.Redis.SkillTTL = Duration(5 * time.Minute)
	}
	if c.Composer.Separator == nil {
		sep := compose.DefaultConfig().Separator
		c.Composer.Separator = &sep
	}
	if c.Composer.Parallelism <= 0 {
		c.Composer.Parallelism = compose.DefaultConfig().Parallelism
	}
	if c.Composer.Routing.MaxInputBytes <= 0 {
		c.Composer.Routing.MaxInputBytes = router.DefaultConfig().MaxInputBytes
	}
	if c.Composer.Routing.SemanticThreshold == 0 {
		c.Composer.Routing.SemanticThreshold = 0.35
	}
	if c.Embedding.Timeout == 0 {
		c.Embedding.Timeout = Duration(15 * time.Second)
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "ipagent"
	}
	if c.SkillsDir == "" {
		c.SkillsDir = "skills"
	}
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	if c.Composer.Separator != nil && *c.Composer.Separator == "" {
		return fmt.Errorf("composer.separator must not be empty")
	}
	if c.Composer.MaxPromptTokens < 0 {
		return fmt.Errorf("composer.max_prompt_tokens must not be negative")
	}
	seen := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("provider without id")
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate provider id %q", p.ID)
		}
		seen[p.ID] = true
	}
	if c.DefaultProvider != "" && !seen[c.DefaultProvider] {
		return fmt.Errorf("default_provider %q is not configured", c.DefaultProvider)
	}
	return nil
}

// ProviderConfig converts to the provider package's config.
func (p ProviderConfig) ProviderConfig() provider.Config {
	return provider.Config{
		ID:       p.ID,
		Type:     p.Type,
		Name:     p.Name,
		Endpoint: p.Endpoint,
		APIKey:   p.APIKey,
		Models:   p.Models,
		Extra:    p.Extra,
		Timeout:  p.Timeout.Std(),
	}
}

// ComposeConfig converts to the composer's config.
func (c ComposerConfig) ComposeConfig() compose.Config {
	cfg := compose.Config{
		Parallelism:      c.Parallelism,
		MaxPromptTokens:  c.MaxPromptTokens,
		DefaultVariables: c.DefaultVariables,
	}
	if c.Separator != nil {
		cfg.Separator = *c.Separator
	}
	return cfg
}

// RouterConfig converts to the selector's config.
func (r RoutingConfig) RouterConfig() router.Config {
	return router.Config{
		MinScore:      r.MinScore,
		MaxSkills:     r.MaxSkills,
		MaxInputBytes: r.MaxInputBytes,
	}
}

// EmbeddingConfig converts to the embedding package's config.
func (e EmbeddingConfig) EmbeddingConfig() embedding.Config {
	return embedding.Config{
		Provider:  e.Provider,
		Endpoint:  e.Endpoint,
		Model:     e.Model,
		APIKey:    e.APIKey,
		Dimension: e.Dimension,
		Timeout:   e.Timeout.Std(),
	}
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file, substitutes environment variable
// references, and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes config JSON after ${VAR} and ${VAR:default} substitution.
func Parse(data []byte) (*Config, error) {
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		if v := os.Getenv(parts[1]); v != "" {
			return v
		}
		return parts[2]
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
