// Package config provides the proxy configuration document: provider
// descriptors, key bindings, route pools, classifier rules and server
// settings. Loading supports ${VAR} expansion; the Manager adds hot reload
// with atomic swaps.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Jasonzhangf/routecodex/pkg/types"
)

// Family identifies a provider family; it determines wire protocol and
// compatibility profile.
type Family string

const (
	FamilyOpenAI     Family = "openai"
	FamilyGLM        Family = "glm"
	FamilyQwen       Family = "qwen"
	FamilyIFlow      Family = "iflow"
	FamilyLMStudio   Family = "lmstudio"
	FamilyAnthropic  Family = "anthropic"
	FamilyGemini     Family = "gemini"
	FamilyResponses  Family = "responses"
	FamilyDeepSeek   Family = "deepseek"
	FamilyModelScope Family = "modelscope"
	FamilyKimi       Family = "kimi"
)

var knownFamilies = map[Family]struct{}{
	FamilyOpenAI: {}, FamilyGLM: {}, FamilyQwen: {}, FamilyIFlow: {},
	FamilyLMStudio: {}, FamilyAnthropic: {}, FamilyGemini: {},
	FamilyResponses: {}, FamilyDeepSeek: {}, FamilyModelScope: {},
	FamilyKimi: {},
}

// Protocol returns the wire protocol spoken by a provider family.
func (f Family) Protocol() types.Protocol {
	switch f {
	case FamilyAnthropic:
		return types.ProtocolAnthropic
	case FamilyGemini:
		return types.ProtocolGemini
	case FamilyResponses:
		return types.ProtocolOpenAIResponses
	default:
		return types.ProtocolOpenAIChat
	}
}

// Routing categories. Pool insertion order defines the rotation order.
const (
	CategoryDefault     = "default"
	CategoryLongContext = "longcontext"
	CategoryThinking    = "thinking"
	CategoryCoding      = "coding"
	CategoryTools       = "tools"
	CategoryWebSearch   = "websearch"
	CategoryVision      = "vision"
	CategoryBackground  = "background"
)

// Categories lists every routing category in a stable order.
var Categories = []string{
	CategoryDefault, CategoryLongContext, CategoryThinking, CategoryCoding,
	CategoryTools, CategoryWebSearch, CategoryVision, CategoryBackground,
}

// Config is the complete proxy configuration.
type Config struct {
	Server     ServerConfig          `yaml:"server"`
	Providers  []ProviderDescriptor  `yaml:"providers"`
	Routing    map[string][]string   `yaml:"routing"` // category -> "provider.key.model"
	Classifier ClassifierConfig      `yaml:"classifier"`
	Health     HealthConfig          `yaml:"health"`
	Session    SessionConfig         `yaml:"session"`
	Stream     StreamConfig          `yaml:"stream"`
	Cooldown   CooldownStoreConfig   `yaml:"cooldown_store"`
	Logging    LoggingConfig         `yaml:"logging"`
	Metrics    MetricsConfig         `yaml:"metrics"`
	Tracing    TracingConfig         `yaml:"tracing"`
	AuthDir    string                `yaml:"auth_dir"` // default ~/.routecodex/auth
	Debug      DebugConfig           `yaml:"debug"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	MaxBodySize  int64         `yaml:"max_body_size"`
}

// ProviderDescriptor declares one upstream provider. Immutable after load.
type ProviderDescriptor struct {
	ID              string                `yaml:"id"`
	Family          Family                `yaml:"family"`
	BaseURL         string                `yaml:"base_url"`
	DefaultEndpoint string                `yaml:"default_endpoint"`
	DefaultHeaders  map[string]string     `yaml:"default_headers"`
	Timeout         time.Duration         `yaml:"timeout"`
	MaxRetries      int                   `yaml:"max_retries"`
	Models          map[string]ModelCaps  `yaml:"models"`
	Keys            map[string]KeyBinding `yaml:"keys"`
}

// ModelCaps declares per-model capabilities used by routing and workflow.
type ModelCaps struct {
	MaxTokens      int  `yaml:"max_tokens"`
	SupportsTools  bool `yaml:"supports_tools"`
	SupportsVision bool `yaml:"supports_vision"`
	NoStreaming    bool `yaml:"no_streaming"`
}

// KeyBinding resolves a key alias to credential material.
type KeyBinding struct {
	Type string `yaml:"type"` // apikey | oauth | authfile

	// apikey
	APIKey       string `yaml:"api_key,omitempty"`
	HeaderName   string `yaml:"header_name,omitempty"`
	HeaderPrefix string `yaml:"header_prefix,omitempty"`

	// oauth
	OAuthProvider string `yaml:"oauth_provider,omitempty"`
	OAuthAlias    string `yaml:"oauth_alias,omitempty"`

	// authfile
	File string `yaml:"file,omitempty"`
}

// ClassifierConfig drives category classification.
type ClassifierConfig struct {
	Rules             []ClassifierRule  `yaml:"rules"`
	ModelPatterns     map[string]string `yaml:"model_patterns"` // glob -> category
	LongContextTokens int               `yaml:"long_context_tokens"`
}

// ClassifierRule is one ordered classification rule.
type ClassifierRule struct {
	Name       string                `yaml:"name"`
	Priority   int                   `yaml:"priority"`
	Category   string                `yaml:"category"`
	Conditions []ClassifierCondition `yaml:"conditions"`
}

// ClassifierCondition matches one request field.
type ClassifierCondition struct {
	Field    string `yaml:"field"`    // model | model_lower | token_count | has_tools | has_thinking | tool_types
	Operator string `yaml:"operator"` // equals | contains | starts_with | ends_with | regex | greater_than | less_than
	Value    string `yaml:"value"`
}

// HealthConfig tunes the health and rate-limit managers.
type HealthConfig struct {
	MaxConsecutiveErrors int           `yaml:"max_consecutive_errors"`
	ErrorThreshold       int           `yaml:"error_threshold"`
	RecoveryWindow       time.Duration `yaml:"recovery_window"`
	CheckInterval        time.Duration `yaml:"check_interval"`
	AutoRecovery         bool          `yaml:"auto_recovery"`
	TransientCooldown    time.Duration `yaml:"transient_cooldown"`
	DailyQuotaCooldown   time.Duration `yaml:"daily_quota_cooldown"`
}

// SessionConfig tunes session routing state retention.
type SessionConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// StreamConfig tunes SSE streaming behavior.
type StreamConfig struct {
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	HeadersTimeout time.Duration `yaml:"headers_timeout"`
}

// CooldownStoreConfig selects the shared cooldown store backend.
type CooldownStoreConfig struct {
	Backend   string `yaml:"backend"` // memory | redis
	RedisAddr string `yaml:"redis_addr"`
	RedisDB   int    `yaml:"redis_db"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json | text
}

// MetricsConfig contains Prometheus settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TracingConfig contains OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
	Insecure    bool    `yaml:"insecure"`
}

// DebugConfig controls payload snapshots.
type DebugConfig struct {
	SnapshotDir string `yaml:"snapshot_dir"` // empty disables snapshots
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         5520,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 0, // streaming responses manage their own deadlines
			IdleTimeout:  60 * time.Second,
			MaxBodySize:  32 << 20,
		},
		Classifier: ClassifierConfig{
			LongContextTokens: 50_000,
		},
		Health: HealthConfig{
			MaxConsecutiveErrors: 3,
			ErrorThreshold:       10,
			RecoveryWindow:       5 * time.Minute,
			CheckInterval:        30 * time.Second,
			AutoRecovery:         true,
			TransientCooldown:    60 * time.Second,
			DailyQuotaCooldown:   time.Hour,
		},
		Session: SessionConfig{TTL: 12 * time.Hour},
		Stream: StreamConfig{
			IdleTimeout:    90 * time.Second,
			HeadersTimeout: 30 * time.Second,
		},
		Cooldown: CooldownStoreConfig{Backend: "memory"},
		Logging:  LoggingConfig{Level: "info", Format: "json"},
		Metrics:  MetricsConfig{Enabled: true, Path: "/metrics"},
		Tracing: TracingConfig{
			Endpoint:    "localhost:4317",
			ServiceName: "routecodex",
			SampleRate:  1.0,
			Insecure:    true,
		},
	}
}

// LoadFromFile reads and parses a YAML configuration file. Environment
// variables in ${VAR} form are expanded before parsing.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Provider returns the descriptor with the given id.
func (c *Config) Provider(id string) (*ProviderDescriptor, bool) {
	for i := range c.Providers {
		if c.Providers[i].ID == id {
			return &c.Providers[i], true
		}
	}
	return nil, false
}

// RuntimeKey builds the stable runtime key for a (provider, key, model)
// triple. Recomputing it for the same triple always yields the same string.
func RuntimeKey(providerID, keyAlias, modelID string) string {
	return providerID + "." + keyAlias + "." + modelID
}

// SplitRuntimeKey splits a runtime key back into its triple. The model part
// may itself contain dots, so only the first two separators are structural.
func SplitRuntimeKey(key string) (providerID, keyAlias, modelID string, err error) {
	parts := strings.SplitN(key, ".", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("malformed runtime key %q", key)
	}
	return parts[0], parts[1], parts[2], nil
}

// Validate checks the configuration for structural errors, including that
// every pool entry resolves to a declared provider, key and model.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}

	seen := make(map[string]struct{}, len(c.Providers))
	for i, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("provider[%d]: id is required", i)
		}
		if strings.Contains(p.ID, ".") {
			return fmt.Errorf("provider %q: id must not contain dots", p.ID)
		}
		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf("duplicate provider id %q", p.ID)
		}
		seen[p.ID] = struct{}{}

		if _, ok := knownFamilies[p.Family]; !ok {
			return fmt.Errorf("provider %q: unknown family %q", p.ID, p.Family)
		}
		if p.BaseURL == "" {
			return fmt.Errorf("provider %q: base_url is required", p.ID)
		}
		if len(p.Models) == 0 {
			return fmt.Errorf("provider %q: at least one model must be configured", p.ID)
		}
		if len(p.Keys) == 0 {
			return fmt.Errorf("provider %q: at least one key must be configured", p.ID)
		}
		for alias, kb := range p.Keys {
			if strings.Contains(alias, ".") {
				return fmt.Errorf("provider %q: key alias %q must not contain dots", p.ID, alias)
			}
			if err := kb.validate(); err != nil {
				return fmt.Errorf("provider %q key %q: %w", p.ID, alias, err)
			}
		}
	}

	for category, entries := range c.Routing {
		if !isKnownCategory(category) {
			return fmt.Errorf("routing: unknown category %q", category)
		}
		for _, entry := range entries {
			providerID, keyAlias, modelID, err := SplitRuntimeKey(entry)
			if err != nil {
				return fmt.Errorf("routing %s: %w", category, err)
			}
			p, ok := c.Provider(providerID)
			if !ok {
				return fmt.Errorf("routing %s: unknown provider %q", category, providerID)
			}
			if _, ok := p.Keys[keyAlias]; !ok {
				return fmt.Errorf("routing %s: provider %q has no key %q", category, providerID, keyAlias)
			}
			if _, ok := p.Models[modelID]; !ok {
				return fmt.Errorf("routing %s: provider %q has no model %q", category, providerID, modelID)
			}
		}
	}

	for _, rule := range c.Classifier.Rules {
		if !isKnownCategory(rule.Category) {
			return fmt.Errorf("classifier rule %q: unknown category %q", rule.Name, rule.Category)
		}
		for _, cond := range rule.Conditions {
			if err := cond.validate(); err != nil {
				return fmt.Errorf("classifier rule %q: %w", rule.Name, err)
			}
		}
	}

	return nil
}

func (kb KeyBinding) validate() error {
	switch kb.Type {
	case "apikey":
		if kb.APIKey == "" {
			return fmt.Errorf("apikey binding requires api_key")
		}
	case "oauth":
		if kb.OAuthProvider == "" || kb.OAuthAlias == "" {
			return fmt.Errorf("oauth binding requires oauth_provider and oauth_alias")
		}
	case "authfile":
		if kb.File == "" {
			return fmt.Errorf("authfile binding requires file")
		}
	default:
		return fmt.Errorf("unknown key binding type %q", kb.Type)
	}
	return nil
}

var knownOperators = map[string]struct{}{
	"equals": {}, "contains": {}, "starts_with": {}, "ends_with": {},
	"regex": {}, "greater_than": {}, "less_than": {},
}

var knownFields = map[string]struct{}{
	"model": {}, "model_lower": {}, "token_count": {}, "has_tools": {},
	"has_thinking": {}, "tool_types": {},
}

func (c ClassifierCondition) validate() error {
	if _, ok := knownFields[c.Field]; !ok {
		return fmt.Errorf("unknown condition field %q", c.Field)
	}
	if _, ok := knownOperators[c.Operator]; !ok {
		return fmt.Errorf("unknown condition operator %q", c.Operator)
	}
	return nil
}

func isKnownCategory(category string) bool {
	for _, c := range Categories {
		if c == category {
			return true
		}
	}
	return false
}
