package config

import (
	"os"
	"strconv"
	"time"
)

// Environment variable controls. Values here override the loaded document.
const (
	// EnvProviderTimeout overrides the per-provider upstream timeout, in
	// seconds. Applies to providers that do not set their own timeout.
	EnvProviderTimeout = "ROUTECODEX_PROVIDER_TIMEOUT"

	// EnvStreamIdleTimeout overrides the stream idle timeout, in seconds.
	EnvStreamIdleTimeout = "ROUTECODEX_STREAM_IDLE_TIMEOUT"

	// EnvStreamHeadersTimeout overrides the stream headers timeout, in seconds.
	EnvStreamHeadersTimeout = "ROUTECODEX_STREAM_HEADERS_TIMEOUT"

	// EnvO2AStream toggles OpenAI-to-Anthropic stream conversion ("0"|"1").
	EnvO2AStream = "ROUTECODEX_O2A_STREAM"

	// EnvResponsesCompatBypass bypasses the compat filter when the upstream
	// is itself responses-shaped. Default on.
	EnvResponsesCompatBypass = "ROUTECODEX_COMPAT_RESPONSES_BYPASS"

	// EnvGLMResponseFilterBypass bypasses the strict GLM response shape
	// filter. Default on, matching observed production behavior.
	EnvGLMResponseFilterBypass = "ROUTECODEX_GLM_RESPONSE_FILTER_BYPASS"

	// EnvSystemPromptSource selects the system-prompt override source
	// ("codex"|"claude").
	EnvSystemPromptSource = "ROUTECODEX_SYSTEM_PROMPT_SOURCE"

	// EnvStatsEnabled toggles per-request statistics logging.
	EnvStatsEnabled = "ROUTECODEX_STATS"

	// EnvHubPolicy sets the in-band directive policy
	// ("off"|"observe"|"enforce").
	EnvHubPolicy = "ROUTECODEX_HUB_POLICY"

	// EnvToolSurface sets the tool declaration repair policy
	// ("off"|"observe"|"shadow"|"enforce").
	EnvToolSurface = "ROUTECODEX_TOOL_SURFACE"
)

// Policy modes for the hub-policy and tool-surface controls.
const (
	PolicyOff     = "off"
	PolicyObserve = "observe"
	PolicyShadow  = "shadow"
	PolicyEnforce = "enforce"
)

// DefaultProviderTimeout applies when neither the descriptor nor the
// environment sets one.
const DefaultProviderTimeout = 300 * time.Second

func applyEnvOverrides(cfg *Config) {
	if secs, ok := envSeconds(EnvStreamIdleTimeout); ok {
		cfg.Stream.IdleTimeout = secs
	}
	if secs, ok := envSeconds(EnvStreamHeadersTimeout); ok {
		cfg.Stream.HeadersTimeout = secs
	}
	if secs, ok := envSeconds(EnvProviderTimeout); ok {
		for i := range cfg.Providers {
			if cfg.Providers[i].Timeout == 0 {
				cfg.Providers[i].Timeout = secs
			}
		}
	}
}

// ProviderTimeout resolves the effective upstream timeout for a descriptor.
func (p *ProviderDescriptor) ProviderTimeout() time.Duration {
	if p.Timeout > 0 {
		return p.Timeout
	}
	if secs, ok := envSeconds(EnvProviderTimeout); ok {
		return secs
	}
	return DefaultProviderTimeout
}

// EnvBool reads a boolean-ish environment toggle with a default.
func EnvBool(name string, fallback bool) bool {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return fallback
	}
	switch v {
	case "1", "true", "on", "yes":
		return true
	case "0", "false", "off", "no":
		return false
	}
	return fallback
}

// ResponsesCompatBypass reports whether the compat filter is bypassed for
// responses-protocol upstreams. Defaults to on.
func ResponsesCompatBypass() bool {
	return EnvBool(EnvResponsesCompatBypass, true)
}

// GLMResponseFilterBypass reports whether the strict GLM response filter is
// bypassed. Defaults to on.
func GLMResponseFilterBypass() bool {
	return EnvBool(EnvGLMResponseFilterBypass, true)
}

// StatsEnabled reports whether per-request statistics are logged.
func StatsEnabled() bool {
	return EnvBool(EnvStatsEnabled, false)
}

// SystemPromptSource returns the configured system-prompt override source,
// or "" when none is set.
func SystemPromptSource() string {
	switch v := os.Getenv(EnvSystemPromptSource); v {
	case "codex", "claude":
		return v
	}
	return ""
}

// HubPolicyMode returns the in-band directive policy. Defaults to enforce;
// unrecognized values also enforce.
func HubPolicyMode() string {
	return envPolicy(EnvHubPolicy)
}

// ToolSurfaceMode returns the tool declaration repair policy. Defaults to
// enforce; unrecognized values also enforce.
func ToolSurfaceMode() string {
	return envPolicy(EnvToolSurface)
}

func envPolicy(name string) string {
	switch v := os.Getenv(name); v {
	case PolicyOff, PolicyObserve, PolicyShadow:
		return v
	}
	return PolicyEnforce
}

func envSeconds(name string) (time.Duration, bool) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return 0, false
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}
