package compat

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/goccy/go-json"

	"github.com/Jasonzhangf/routecodex/internal/config"
	proxyerrors "github.com/Jasonzhangf/routecodex/pkg/errors"
	"github.com/Jasonzhangf/routecodex/pkg/types"
)

// CodeToolTextEmpty is the stable error code for an empty tool result.
const CodeToolTextEmpty = "ERR_COMPAT_TOOL_TEXT_EMPTY"

var knownRoles = map[string]struct{}{
	"system": {}, "user": {}, "assistant": {}, "tool": {},
}

var reasoningTagPattern = regexp.MustCompile(`(?s)<(reasoning|think)>.*?</(reasoning|think)>`)

// chatResponseKnownKeys are the top-level keys of a chat completion
// response that survive the strict response filter.
var chatResponseKnownKeys = map[string]struct{}{
	"id": {}, "object": {}, "created": {}, "model": {}, "choices": {},
	"usage": {}, "system_fingerprint": {}, "service_tier": {},
}

// Filter applies one family's shape profile.
type Filter struct {
	profile *Profile
}

// NewFilter builds a filter for a provider family.
func NewFilter(family config.Family) *Filter {
	return &Filter{profile: ProfileFor(family)}
}

// Profile exposes the active profile, for the pipeline's cache key.
func (f *Filter) Profile() *Profile {
	return f.profile
}

// ApplyRequest sanitizes a pivot request in place for the target family.
func (f *Filter) ApplyRequest(req *types.ChatRequest) error {
	p := f.profile

	if p.ExtraAllowList != nil && len(req.Extra) > 0 {
		for key := range req.Extra {
			if _, ok := p.ExtraAllowList[key]; !ok {
				delete(req.Extra, key)
			}
		}
	}

	for i := range req.Messages {
		msg := &req.Messages[i]

		if _, ok := knownRoles[msg.Role]; !ok {
			msg.Role = "user"
		}

		if msg.Role == "tool" {
			text := types.TextOfContent(msg.Content)
			if strings.TrimSpace(text) == "" {
				return &proxyerrors.ProxyError{
					StatusCode: http.StatusBadRequest,
					Type:       proxyerrors.TypeBadRequest,
					Code:       CodeToolTextEmpty,
					Message:    "tool message content must not be empty",
					Kind:       proxyerrors.KindValidation,
				}
			}
			msg.Content = types.StringContent(text)
		}

		if p.StripReasoningTags {
			stripReasoningFromMessage(msg)
		}
	}

	f.applyMessagesRules(req)
	pairToolMessages(req)
	f.repairTools(req)

	if len(req.Tools) == 0 {
		req.ToolChoice = nil
	} else if p.DefaultToolChoiceAuto && len(req.ToolChoice) == 0 {
		req.ToolChoice = json.RawMessage(`"auto"`)
	}

	return nil
}

func stripReasoningFromMessage(msg *types.ChatMessage) {
	var text string
	if err := json.Unmarshal(msg.Content, &text); err != nil {
		return
	}
	cleaned := strings.TrimSpace(reasoningTagPattern.ReplaceAllString(text, ""))
	if cleaned != text {
		msg.Content = types.StringContent(cleaned)
	}
}

// applyMessagesRules runs the profile's declarative message passes.
func (f *Filter) applyMessagesRules(req *types.ChatRequest) {
	for _, rule := range f.profile.MessagesRules {
		lastAssistant := -1
		if rule.When.NotLastAssistant {
			for i := len(req.Messages) - 1; i >= 0; i-- {
				if req.Messages[i].Role == "assistant" {
					lastAssistant = i
					break
				}
			}
		}

		var kept []types.ChatMessage
		for i, msg := range req.Messages {
			if !ruleMatches(rule.When, msg, i, lastAssistant) {
				kept = append(kept, msg)
				continue
			}
			switch rule.Action {
			case "drop":
				// dropped

			case "set":
				if rule.Set != nil && rule.Set.ContentNull {
					msg.Content = nil
				}
				kept = append(kept, msg)

			default:
				kept = append(kept, msg)
			}
		}
		req.Messages = kept
	}
}

func ruleMatches(when RuleWhen, msg types.ChatMessage, index, lastAssistant int) bool {
	if when.Role != "" && msg.Role != when.Role {
		return false
	}
	if when.HasToolCalls != nil && (len(msg.ToolCalls) > 0) != *when.HasToolCalls {
		return false
	}
	if when.NotLastAssistant && index == lastAssistant {
		return false
	}
	return true
}

// pairToolMessages fills tool messages' Name from the matching tool call in
// the preceding assistant turn. Orphaned tool messages whose call id no
// longer resolves are dropped.
func pairToolMessages(req *types.ChatRequest) {
	callNames := make(map[string]string)
	var kept []types.ChatMessage

	for _, msg := range req.Messages {
		if msg.Role == "assistant" {
			for _, call := range msg.ToolCalls {
				callNames[call.ID] = call.Function.Name
			}
		}
		if msg.Role == "tool" {
			name, ok := callNames[msg.ToolCallID]
			if !ok {
				continue
			}
			if msg.Name == "" {
				msg.Name = name
			}
		}
		kept = append(kept, msg)
	}
	req.Messages = kept
}

// repairTools normalizes tool declarations for the family. Repairs apply
// only under the enforce tool-surface mode.
func (f *Filter) repairTools(req *types.ChatRequest) {
	if config.ToolSurfaceMode() != config.PolicyEnforce {
		return
	}
	p := f.profile
	for i := range req.Tools {
		tool := &req.Tools[i]

		if len(tool.Function.Parameters) == 0 || !json.Valid(tool.Function.Parameters) {
			tool.Function.Parameters = json.RawMessage(`{"type":"object","properties":{}}`)
		}

		if p.StripToolStrict {
			tool.Function.Strict = nil
		}

		if p.FixShellCommandShape && isShellTool(tool.Function.Name) {
			tool.Function.Parameters = fixShellCommandSchema(tool.Function.Parameters)
		}
	}
}

func isShellTool(name string) bool {
	switch name {
	case "shell", "bash", "local_shell", "run_shell_command":
		return true
	}
	return false
}

// fixShellCommandSchema forces properties.command to an array-of-strings
// shape, which is what GLM executes correctly.
func fixShellCommandSchema(params json.RawMessage) json.RawMessage {
	var schema map[string]json.RawMessage
	if err := json.Unmarshal(params, &schema); err != nil {
		return params
	}

	var properties map[string]json.RawMessage
	if raw, ok := schema["properties"]; ok {
		if err := json.Unmarshal(raw, &properties); err != nil {
			return params
		}
	}
	if properties == nil {
		return params
	}
	if _, ok := properties["command"]; !ok {
		return params
	}

	properties["command"] = json.RawMessage(`{"type":"array","items":{"type":"string"}}`)
	encodedProps, err := json.Marshal(properties)
	if err != nil {
		return params
	}
	schema["properties"] = encodedProps

	encoded, err := json.Marshal(schema)
	if err != nil {
		return params
	}
	return encoded
}

// ApplyResponse normalizes a pivot response in place.
func (f *Filter) ApplyResponse(resp *types.ChatResponse) {
	for i := range resp.Choices {
		choice := &resp.Choices[i]
		choice.FinishReason = normalizeFinishReason(choice.FinishReason)

		if f.profile.StripReasoningTags {
			stripReasoningFromMessage(&choice.Message)
		}
	}

	if resp.Usage != nil && resp.Usage.TotalTokens == 0 {
		resp.Usage.TotalTokens = resp.Usage.PromptTokens + resp.Usage.CompletionTokens
	}
}

func normalizeFinishReason(reason string) string {
	switch reason {
	case "tool_use", "function_call":
		return "tool_calls"
	case "max_tokens":
		return "length"
	case "", "end_turn":
		return "stop"
	}
	return reason
}

// NormalizeRawResponse fixes field aliases on a raw upstream chat response
// before pivot decoding: created_at becomes created, usage aliases map to
// OpenAI names, and object-shaped tool-call arguments become strings.
func (f *Filter) NormalizeRawResponse(data []byte) []byte {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(data, &payload); err != nil {
		return data
	}

	changed := false

	if f.profile.RestrictResponseKeys && !config.GLMResponseFilterBypass() {
		for key := range payload {
			if _, ok := chatResponseKnownKeys[key]; !ok && key != "created_at" {
				delete(payload, key)
				changed = true
			}
		}
	}

	if raw, ok := payload["created_at"]; ok {
		if _, exists := payload["created"]; !exists {
			payload["created"] = raw
			changed = true
		}
		delete(payload, "created_at")
		changed = true
	}

	if raw, ok := payload["usage"]; ok {
		if normalized, didChange := normalizeUsageAliases(raw); didChange {
			payload["usage"] = normalized
			changed = true
		}
	}

	if raw, ok := payload["choices"]; ok && f.profile.ToolArgsAsString {
		if normalized, didChange := stringifyChoiceToolArgs(raw); didChange {
			payload["choices"] = normalized
			changed = true
		}
	}

	if !changed {
		return data
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return data
	}
	return encoded
}

func normalizeUsageAliases(raw json.RawMessage) (json.RawMessage, bool) {
	var usage map[string]json.RawMessage
	if err := json.Unmarshal(raw, &usage); err != nil {
		return raw, false
	}

	changed := false
	aliases := map[string]string{
		"input_tokens":  "prompt_tokens",
		"output_tokens": "completion_tokens",
	}
	for alias, canonical := range aliases {
		if v, ok := usage[alias]; ok {
			if _, exists := usage[canonical]; !exists {
				usage[canonical] = v
			}
			delete(usage, alias)
			changed = true
		}
	}
	if !changed {
		return raw, false
	}

	if _, ok := usage["total_tokens"]; !ok {
		var prompt, completion int
		_ = json.Unmarshal(usage["prompt_tokens"], &prompt)
		_ = json.Unmarshal(usage["completion_tokens"], &completion)
		total, err := json.Marshal(prompt + completion)
		if err == nil {
			usage["total_tokens"] = total
		}
	}

	encoded, err := json.Marshal(usage)
	if err != nil {
		return raw, false
	}
	return encoded, true
}

// stringifyChoiceToolArgs walks choices[].message.tool_calls and converts
// object arguments to compact JSON strings.
func stringifyChoiceToolArgs(raw json.RawMessage) (json.RawMessage, bool) {
	var choices []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &choices); err != nil {
		return raw, false
	}

	changed := false
	for _, choice := range choices {
		msgRaw, ok := choice["message"]
		if !ok {
			continue
		}
		var msg map[string]json.RawMessage
		if err := json.Unmarshal(msgRaw, &msg); err != nil {
			continue
		}
		callsRaw, ok := msg["tool_calls"]
		if !ok {
			continue
		}
		var calls []map[string]json.RawMessage
		if err := json.Unmarshal(callsRaw, &calls); err != nil {
			continue
		}

		callsChanged := false
		for _, call := range calls {
			fnRaw, ok := call["function"]
			if !ok {
				continue
			}
			var fn map[string]json.RawMessage
			if err := json.Unmarshal(fnRaw, &fn); err != nil {
				continue
			}
			argsRaw, ok := fn["arguments"]
			if !ok || len(argsRaw) == 0 || argsRaw[0] == '"' {
				continue
			}

			encoded, err := json.Marshal(string(argsRaw))
			if err != nil {
				continue
			}
			fn["arguments"] = encoded
			if updated, err := json.Marshal(fn); err == nil {
				call["function"] = updated
				callsChanged = true
			}
		}
		if !callsChanged {
			continue
		}
		if updated, err := json.Marshal(calls); err == nil {
			msg["tool_calls"] = updated
			if updatedMsg, err := json.Marshal(msg); err == nil {
				choice["message"] = updatedMsg
				changed = true
			}
		}
	}
	if !changed {
		return raw, false
	}
	encoded, err := json.Marshal(choices)
	if err != nil {
		return raw, false
	}
	return encoded, true
}
