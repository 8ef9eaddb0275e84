package router

import (
	"regexp"
	"strings"
)

// DirectiveVerb identifies an in-band routing directive.
type DirectiveVerb string

const (
	// VerbForce pins the session to a provider (optionally key and model).
	VerbForce DirectiveVerb = "force"
	// VerbPrefer sets a sticky preference, honored only while healthy.
	VerbPrefer DirectiveVerb = "prefer"
	// VerbDisable disables providers, keys or models for the session.
	VerbDisable DirectiveVerb = "disable"
	// VerbClear resets all session routing state.
	VerbClear DirectiveVerb = "clear"
	// VerbStopMessage installs an auto-injected suffix message.
	VerbStopMessage DirectiveVerb = "stopmessage"
	// VerbClearStopMessage removes the suffix message.
	VerbClearStopMessage DirectiveVerb = "clearstopmessage"
)

// Directive is one parsed in-band control marker.
type Directive struct {
	Verb DirectiveVerb
	// Args carries provider[.key|.model] specs for force/prefer/disable,
	// or the message text for stopmessage.
	Args []string
}

var directiveMarker = regexp.MustCompile(`<\*\*(.*?)\*\*>`)

// ParseDirectives extracts `<**…**>` markers from user text. It returns the
// recognized directives and the text with all markers removed. The parser is
// tolerant: unknown verbs and malformed bodies are dropped silently.
func ParseDirectives(text string) ([]Directive, string) {
	if !strings.Contains(text, "<**") {
		return nil, text
	}

	var directives []Directive
	stripped := directiveMarker.ReplaceAllStringFunc(text, func(marker string) string {
		body := strings.TrimSpace(directiveMarker.FindStringSubmatch(marker)[1])
		if d, ok := parseBody(body); ok {
			directives = append(directives, d)
		}
		return ""
	})

	return directives, strings.TrimSpace(collapseSpaces(stripped))
}

func parseBody(body string) (Directive, bool) {
	if body == "" {
		return Directive{}, false
	}

	switch {
	case body == "clear":
		return Directive{Verb: VerbClear}, true

	case strings.HasPrefix(body, "/stopmessage"):
		text := strings.TrimSpace(strings.TrimPrefix(body, "/stopmessage"))
		if text == "" {
			return Directive{}, false
		}
		return Directive{Verb: VerbStopMessage, Args: []string{text}}, true

	case body == "/clearstopmessage":
		return Directive{Verb: VerbClearStopMessage}, true

	case strings.HasPrefix(body, "!"):
		spec := strings.TrimSpace(body[1:])
		if spec == "" {
			return Directive{}, false
		}
		return Directive{Verb: VerbForce, Args: []string{spec}}, true

	case strings.HasPrefix(body, "?"):
		spec := strings.TrimSpace(body[1:])
		if spec == "" {
			return Directive{}, false
		}
		return Directive{Verb: VerbPrefer, Args: []string{spec}}, true

	case strings.HasPrefix(body, "#"):
		specs := splitSpecs(body[1:])
		if len(specs) == 0 {
			return Directive{}, false
		}
		return Directive{Verb: VerbDisable, Args: specs}, true
	}

	return Directive{}, false
}

func splitSpecs(raw string) []string {
	var specs []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			specs = append(specs, part)
		}
	}
	return specs
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// TargetSpec is a parsed provider[.key][.model] directive argument.
type TargetSpec struct {
	Provider string
	// Rest holds the remaining dot-separated parts after the provider;
	// resolution against the configuration decides whether each part is a
	// key alias, a pool index or a model id.
	Rest []string
}

// ParseTargetSpec splits a directive argument into provider and trailing
// parts.
func ParseTargetSpec(spec string) TargetSpec {
	parts := strings.Split(spec, ".")
	ts := TargetSpec{Provider: parts[0]}
	if len(parts) > 1 {
		ts.Rest = parts[1:]
	}
	return ts
}
