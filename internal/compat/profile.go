// Package compat sanitizes request and response shapes per provider family.
// One configurable filter covers every family; a Profile declares which
// operations apply. The filter runs on the pivot payload after protocol
// translation and before provider encoding.
package compat

import "github.com/Jasonzhangf/routecodex/internal/config"

// MessageRule is one declarative pass over the message list.
type MessageRule struct {
	When   RuleWhen
	Action string // drop | set
	Set    *RuleSet
}

// RuleWhen selects the messages a rule applies to. All set conditions must
// hold.
type RuleWhen struct {
	Role         string
	HasToolCalls *bool

	// NotLastAssistant limits the rule to assistant messages other than the
	// final assistant turn.
	NotLastAssistant bool
}

// RuleSet carries field overrides for the set action.
type RuleSet struct {
	ContentNull bool
}

// Profile declares the shape operations for one provider family.
type Profile struct {
	Family config.Family

	// ExtraAllowList restricts passthrough parameters to these keys. Nil
	// means all pass.
	ExtraAllowList map[string]struct{}

	// StripToolStrict removes function.strict from tool declarations.
	StripToolStrict bool

	// FixShellCommandShape rewrites shell tools' command property to an
	// array-of-strings schema.
	FixShellCommandShape bool

	// ToolArgsAsString stringifies response-side tool-call arguments that
	// arrive as objects.
	ToolArgsAsString bool

	// StripReasoningTags removes <reasoning> and <think> spans from content.
	StripReasoningTags bool

	// MessagesRules run in order over the request messages.
	MessagesRules []MessageRule

	// RestrictResponseKeys drops unknown top-level keys from the raw
	// upstream response.
	RestrictResponseKeys bool

	// DefaultToolChoiceAuto sets tool_choice to "auto" when tools are
	// declared and the client left it unset.
	DefaultToolChoiceAuto bool
}

func boolPtr(b bool) *bool { return &b }

var openAIExtraAllow = map[string]struct{}{
	"seed": {}, "logprobs": {}, "top_logprobs": {}, "logit_bias": {},
	"parallel_tool_calls": {}, "store": {}, "metadata": {},
	"reasoning_effort": {}, "modalities": {}, "prediction": {},
}

var glmExtraAllow = map[string]struct{}{
	"do_sample": {}, "request_id": {}, "user_id": {}, "thinking": {},
}

var profiles = map[config.Family]*Profile{
	config.FamilyOpenAI: {
		Family:         config.FamilyOpenAI,
		ExtraAllowList: openAIExtraAllow,
	},
	config.FamilyGLM: {
		Family:                config.FamilyGLM,
		ExtraAllowList:        glmExtraAllow,
		StripToolStrict:       true,
		FixShellCommandShape:  true,
		ToolArgsAsString:      true,
		StripReasoningTags:    true,
		RestrictResponseKeys:  true,
		DefaultToolChoiceAuto: true,
		MessagesRules: []MessageRule{
			// GLM rejects histories with multiple tool-calling assistant
			// turns; only the last one survives.
			{
				When: RuleWhen{
					Role:             "assistant",
					HasToolCalls:     boolPtr(true),
					NotLastAssistant: true,
				},
				Action: "drop",
			},
		},
	},
	config.FamilyQwen: {
		Family:             config.FamilyQwen,
		StripToolStrict:    true,
		ToolArgsAsString:   true,
		StripReasoningTags: true,
	},
	config.FamilyIFlow: {
		Family:             config.FamilyIFlow,
		StripToolStrict:    true,
		ToolArgsAsString:   true,
		StripReasoningTags: true,
	},
	config.FamilyLMStudio: {
		Family:          config.FamilyLMStudio,
		StripToolStrict: true,
	},
	config.FamilyDeepSeek: {
		Family:             config.FamilyDeepSeek,
		StripToolStrict:    true,
		StripReasoningTags: true,
	},
	config.FamilyModelScope: {
		Family:          config.FamilyModelScope,
		StripToolStrict: true,
	},
	config.FamilyKimi: {
		Family:           config.FamilyKimi,
		StripToolStrict:  true,
		ToolArgsAsString: true,
	},
	config.FamilyAnthropic: {
		Family: config.FamilyAnthropic,
	},
	config.FamilyGemini: {
		Family: config.FamilyGemini,
	},
	config.FamilyResponses: {
		Family: config.FamilyResponses,
	},
}

// ProfileFor returns the shape profile for a provider family. Unknown
// families get a permissive default.
func ProfileFor(family config.Family) *Profile {
	if p, ok := profiles[family]; ok {
		return p
	}
	return &Profile{Family: family}
}
