package provider

import (
	"strings"

	"github.com/goccy/go-json"
)

// glmCodingHostFragment identifies the GLM coding plan endpoint, which is
// stricter about message shapes than the public paas API.
const glmCodingHostFragment = "bigmodel.cn/api/coding"

func isGLMCodingHost(baseURL string) bool {
	return strings.Contains(baseURL, glmCodingHostFragment)
}

// MapGLMCodingRequest rewrites a chat request body for the GLM coding host:
// assistant messages carrying tool_calls get content:null, and array-shaped
// content flattens to a plain string.
func MapGLMCodingRequest(body []byte) []byte {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		return body
	}
	rawMessages, ok := payload["messages"]
	if !ok {
		return body
	}

	var messages []map[string]json.RawMessage
	if err := json.Unmarshal(rawMessages, &messages); err != nil {
		return body
	}

	changed := false
	for _, msg := range messages {
		var role string
		_ = json.Unmarshal(msg["role"], &role)

		if role == "assistant" {
			if _, hasCalls := msg["tool_calls"]; hasCalls {
				if content, ok := msg["content"]; !ok || len(content) == 0 || string(content) == `""` {
					msg["content"] = json.RawMessage("null")
					changed = true
				}
			}
		}

		if content, ok := msg["content"]; ok && len(content) > 0 && content[0] == '[' {
			if flat, didFlatten := flattenContentArray(content); didFlatten {
				msg["content"] = flat
				changed = true
			}
		}
	}

	if !changed {
		return body
	}
	encodedMessages, err := json.Marshal(messages)
	if err != nil {
		return body
	}
	payload["messages"] = encodedMessages
	encoded, err := json.Marshal(payload)
	if err != nil {
		return body
	}
	return encoded
}

func flattenContentArray(content json.RawMessage) (json.RawMessage, bool) {
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(content, &parts); err != nil {
		return content, false
	}
	var b strings.Builder
	for _, part := range parts {
		if part.Type == "" || part.Type == "text" {
			b.WriteString(part.Text)
		}
	}
	encoded, err := json.Marshal(b.String())
	if err != nil {
		return content, false
	}
	return encoded, true
}

// MapGLMCodingResponse rewrites a chat response body from the GLM coding
// host: created_at becomes created and object-shaped tool-call arguments
// become JSON strings.
func MapGLMCodingResponse(body []byte) []byte {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		return body
	}

	changed := false
	if raw, ok := payload["created_at"]; ok {
		if _, exists := payload["created"]; !exists {
			payload["created"] = raw
		}
		delete(payload, "created_at")
		changed = true
	}

	if raw, ok := payload["choices"]; ok {
		if normalized, didChange := stringifyToolArguments(raw); didChange {
			payload["choices"] = normalized
			changed = true
		}
	}

	if !changed {
		return body
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return body
	}
	return encoded
}

func stringifyToolArguments(rawChoices json.RawMessage) (json.RawMessage, bool) {
	var choices []map[string]json.RawMessage
	if err := json.Unmarshal(rawChoices, &choices); err != nil {
		return rawChoices, false
	}

	changed := false
	for _, choice := range choices {
		for _, field := range []string{"message", "delta"} {
			msgRaw, ok := choice[field]
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
				args, ok := fn["arguments"]
				if !ok || len(args) == 0 || args[0] == '"' {
					continue
				}
				quoted, err := json.Marshal(string(args))
				if err != nil {
					continue
				}
				fn["arguments"] = quoted
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
					choice[field] = updatedMsg
					changed = true
				}
			}
		}
	}
	if !changed {
		return rawChoices, false
	}
	encoded, err := json.Marshal(choices)
	if err != nil {
		return rawChoices, false
	}
	return encoded, true
}
