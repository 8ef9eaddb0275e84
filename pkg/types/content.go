package types

import (
	"bytes"
	"strings"

	"github.com/goccy/go-json"
)

// ContentPart is one element of an array-shaped message content.
type ContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL json.RawMessage `json:"image_url,omitempty"`
}

// TextOfContent flattens a raw content value into plain text. A string is
// returned verbatim; an array of parts joins its text parts; anything else
// yields "".
func TextOfContent(content json.RawMessage) string {
	if len(content) == 0 || bytes.Equal(content, []byte("null")) {
		return ""
	}

	var text string
	if err := json.Unmarshal(content, &text); err == nil {
		return text
	}

	var parts []ContentPart
	if err := json.Unmarshal(content, &parts); err == nil {
		var b strings.Builder
		for _, part := range parts {
			if part.Type == "" || part.Type == "text" {
				b.WriteString(part.Text)
			}
		}
		return b.String()
	}

	return ""
}

// StringContent encodes a plain string as a raw content value.
func StringContent(text string) json.RawMessage {
	encoded, err := json.Marshal(text)
	if err != nil {
		return json.RawMessage(`""`)
	}
	return encoded
}

// ContentHasImage reports whether an array-shaped content carries image parts.
func ContentHasImage(content json.RawMessage) bool {
	var parts []ContentPart
	if err := json.Unmarshal(content, &parts); err != nil {
		return false
	}
	for _, part := range parts {
		if part.Type == "image_url" || len(part.ImageURL) > 0 {
			return true
		}
	}
	return false
}
