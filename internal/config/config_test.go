package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
server:
  port: 5520
  read_timeout: 30s
providers:
  - id: glm
    family: glm
    base_url: https://open.bigmodel.cn/api/paas/v4
    models:
      glm-4.6:
        max_tokens: 128000
        supports_tools: true
    keys:
      primary:
        type: apikey
        api_key: ${GLM_TEST_KEY}
routing:
  default:
    - glm.primary.glm-4.6
  coding:
    - glm.primary.glm-4.6
classifier:
  long_context_tokens: 60000
  rules:
    - name: thinking-models
      priority: 10
      category: thinking
      conditions:
        - field: model_lower
          operator: contains
          value: thinking
session:
  ttl: 1h
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFromFileExpandsEnv(t *testing.T) {
	t.Setenv("GLM_TEST_KEY", "sk-test-1234")

	cfg, err := LoadFromFile(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, 5520, cfg.Server.Port)
	assert.Equal(t, 60000, cfg.Classifier.LongContextTokens)
	assert.Equal(t, time.Hour, cfg.Session.TTL)

	p, ok := cfg.Provider("glm")
	require.True(t, ok)
	assert.Equal(t, FamilyGLM, p.Family)
	assert.Equal(t, "sk-test-1234", p.Keys["primary"].APIKey)
	assert.True(t, p.Models["glm-4.6"].SupportsTools)
}

func TestLoadFromFileKeepsDefaults(t *testing.T) {
	t.Setenv("GLM_TEST_KEY", "sk-test-1234")

	cfg, err := LoadFromFile(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	// Unset sections fall back to defaults.
	assert.Equal(t, 3, cfg.Health.MaxConsecutiveErrors)
	assert.Equal(t, 90*time.Second, cfg.Stream.IdleTimeout)
	assert.Equal(t, "memory", cfg.Cooldown.Backend)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestValidateRejectsBadDocuments(t *testing.T) {
	base := func() *Config {
		cfg := DefaultConfig()
		cfg.Providers = []ProviderDescriptor{{
			ID:      "glm",
			Family:  FamilyGLM,
			BaseURL: "https://example.com",
			Models:  map[string]ModelCaps{"glm-4.6": {}},
			Keys:    map[string]KeyBinding{"k": {Type: "apikey", APIKey: "sk-x"}},
		}}
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "no providers",
			mutate:  func(c *Config) { c.Providers = nil },
			wantErr: "at least one provider",
		},
		{
			name: "dotted provider id",
			mutate: func(c *Config) {
				c.Providers[0].ID = "bad.id"
			},
			wantErr: "must not contain dots",
		},
		{
			name: "duplicate provider id",
			mutate: func(c *Config) {
				c.Providers = append(c.Providers, c.Providers[0])
			},
			wantErr: "duplicate provider id",
		},
		{
			name: "unknown family",
			mutate: func(c *Config) {
				c.Providers[0].Family = "mystery"
			},
			wantErr: "unknown family",
		},
		{
			name: "routing references unknown provider",
			mutate: func(c *Config) {
				c.Routing = map[string][]string{"default": {"ghost.k.glm-4.6"}}
			},
			wantErr: `unknown provider "ghost"`,
		},
		{
			name: "routing references unknown key",
			mutate: func(c *Config) {
				c.Routing = map[string][]string{"default": {"glm.missing.glm-4.6"}}
			},
			wantErr: `has no key "missing"`,
		},
		{
			name: "routing references unknown model",
			mutate: func(c *Config) {
				c.Routing = map[string][]string{"default": {"glm.k.other-model"}}
			},
			wantErr: `has no model "other-model"`,
		},
		{
			name: "unknown routing category",
			mutate: func(c *Config) {
				c.Routing = map[string][]string{"premium": {"glm.k.glm-4.6"}}
			},
			wantErr: "unknown category",
		},
		{
			name: "key binding missing credential",
			mutate: func(c *Config) {
				c.Providers[0].Keys["k"] = KeyBinding{Type: "apikey"}
			},
			wantErr: "requires api_key",
		},
		{
			name: "classifier unknown operator",
			mutate: func(c *Config) {
				c.Classifier.Rules = []ClassifierRule{{
					Name:     "bad",
					Category: CategoryCoding,
					Conditions: []ClassifierCondition{
						{Field: "model", Operator: "matches", Value: "x"},
					},
				}}
			},
			wantErr: "unknown condition operator",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSplitRuntimeKeyDottedModel(t *testing.T) {
	provider, key, model, err := SplitRuntimeKey("glm.primary.glm-4.6")
	require.NoError(t, err)
	assert.Equal(t, "glm", provider)
	assert.Equal(t, "primary", key)
	assert.Equal(t, "glm-4.6", model)

	_, _, _, err = SplitRuntimeKey("only.two")
	assert.Error(t, err)

	_, _, _, err = SplitRuntimeKey("..empty")
	assert.Error(t, err)
}

func TestRuntimeKeyRoundTrip(t *testing.T) {
	key := RuntimeKey("glm", "primary", "glm-4.6")
	assert.Equal(t, "glm.primary.glm-4.6", key)

	p, k, m, err := SplitRuntimeKey(key)
	require.NoError(t, err)
	assert.Equal(t, [3]string{"glm", "primary", "glm-4.6"}, [3]string{p, k, m})
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("GLM_TEST_KEY", "sk-test-1234")
	t.Setenv(EnvStreamIdleTimeout, "120")

	cfg, err := LoadFromFile(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	assert.Equal(t, 120*time.Second, cfg.Stream.IdleTimeout)
}

func TestEnvBool(t *testing.T) {
	t.Setenv("ROUTECODEX_TEST_FLAG", "0")
	assert.False(t, EnvBool("ROUTECODEX_TEST_FLAG", true))

	t.Setenv("ROUTECODEX_TEST_FLAG", "yes")
	assert.True(t, EnvBool("ROUTECODEX_TEST_FLAG", false))

	assert.True(t, EnvBool("ROUTECODEX_UNSET_FLAG", true))
	assert.False(t, EnvBool("ROUTECODEX_UNSET_FLAG", false))
}

func TestPolicyModesDefaultToEnforce(t *testing.T) {
	assert.Equal(t, PolicyEnforce, HubPolicyMode())
	assert.Equal(t, PolicyEnforce, ToolSurfaceMode())

	t.Setenv(EnvHubPolicy, "observe")
	assert.Equal(t, PolicyObserve, HubPolicyMode())

	t.Setenv(EnvToolSurface, "off")
	assert.Equal(t, PolicyOff, ToolSurfaceMode())

	t.Setenv(EnvHubPolicy, "bogus")
	assert.Equal(t, PolicyEnforce, HubPolicyMode())
}

func TestSystemPromptSource(t *testing.T) {
	assert.Empty(t, SystemPromptSource())

	t.Setenv(EnvSystemPromptSource, "codex")
	assert.Equal(t, "codex", SystemPromptSource())

	t.Setenv(EnvSystemPromptSource, "unknown")
	assert.Empty(t, SystemPromptSource())
}

func TestStatsEnabledDefaultsOff(t *testing.T) {
	assert.False(t, StatsEnabled())
	t.Setenv(EnvStatsEnabled, "1")
	assert.True(t, StatsEnabled())
}
