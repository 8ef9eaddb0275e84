// Package pipeline assembles the per-target processing chain: protocol
// normalization, workflow decisions, compatibility filtering and the
// provider dispatch. Chains are built lazily and reused across requests.
package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/Jasonzhangf/routecodex/internal/compat"
	"github.com/Jasonzhangf/routecodex/internal/config"
	"github.com/Jasonzhangf/routecodex/internal/router"
	"github.com/Jasonzhangf/routecodex/pkg/types"
)

// Exchange carries one request through the module chain and back.
type Exchange struct {
	Request  *types.ChatRequest
	Response *types.ChatResponse

	Target router.Target
	Caps   config.ModelCaps

	// ClientModel is the model name the client asked for, kept before the
	// chain rewrites Request.Model to the target's model.
	ClientModel string

	// ClientStream is what the client requested; UpstreamStream is what the
	// workflow stage decided to ask the provider for.
	ClientStream   bool
	UpstreamStream bool
}

// Module is one stage of the chain. ProcessIncoming runs front to back
// before dispatch; ProcessOutgoing runs back to front on the decoded
// response.
type Module interface {
	Kind() string
	ProcessIncoming(ctx context.Context, ex *Exchange) error
	ProcessOutgoing(ctx context.Context, ex *Exchange) error
}

// llmSwitch rebinds the request onto the routed target.
type llmSwitch struct{}

func (llmSwitch) Kind() string { return "llmswitch" }

func (llmSwitch) ProcessIncoming(_ context.Context, ex *Exchange) error {
	ex.ClientModel = ex.Request.Model
	ex.Request.Model = ex.Target.ModelID
	return nil
}

func (llmSwitch) ProcessOutgoing(_ context.Context, ex *Exchange) error {
	if ex.Response != nil && ex.Response.Model == "" {
		ex.Response.Model = ex.Target.ModelID
	}
	return nil
}

// workflow decides stream versus oneshot, clamps request limits to the
// target model's declared capabilities and applies the configured system
// prompt override.
type workflow struct {
	systemPrompt string
}

func newWorkflow() workflow {
	return workflow{systemPrompt: loadSystemPrompt()}
}

// loadSystemPrompt reads the override for the configured source from
// ~/.routecodex/prompts/<source>.md. Empty when unset or unreadable.
func loadSystemPrompt() string {
	source := config.SystemPromptSource()
	if source == "" {
		return ""
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	data, err := os.ReadFile(filepath.Join(home, ".routecodex", "prompts", source+".md"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func (workflow) Kind() string { return "workflow" }

func (w workflow) ProcessIncoming(_ context.Context, ex *Exchange) error {
	ex.UpstreamStream = ex.ClientStream && !ex.Caps.NoStreaming

	req := ex.Request
	req.Stream = ex.UpstreamStream
	if !ex.UpstreamStream {
		req.StreamOptions = nil
	}

	if w.systemPrompt != "" {
		applySystemPrompt(req, w.systemPrompt)
	}

	if ex.Caps.MaxTokens > 0 && req.MaxTokens > ex.Caps.MaxTokens {
		req.MaxTokens = ex.Caps.MaxTokens
	}

	if !ex.Caps.SupportsTools && len(req.Tools) > 0 {
		req.Tools = nil
		req.ToolChoice = nil
	}

	return nil
}

func (workflow) ProcessOutgoing(_ context.Context, _ *Exchange) error {
	return nil
}

// applySystemPrompt replaces the leading system message, or inserts one when
// the conversation has none.
func applySystemPrompt(req *types.ChatRequest, prompt string) {
	if len(req.Messages) > 0 && req.Messages[0].Role == "system" {
		req.Messages[0].Content = types.StringContent(prompt)
		return
	}
	req.Messages = append([]types.ChatMessage{{
		Role:    "system",
		Content: types.StringContent(prompt),
	}}, req.Messages...)
}

// compatibility wraps the family shape filter. Responses-protocol upstreams
// are bypassed when the corresponding toggle is on.
type compatibility struct {
	filter *compat.Filter
	bypass bool
}

func newCompatibility(family config.Family) *compatibility {
	bypass := family.Protocol() == types.ProtocolOpenAIResponses &&
		config.ResponsesCompatBypass()
	return &compatibility{
		filter: compat.NewFilter(family),
		bypass: bypass,
	}
}

func (c *compatibility) Kind() string { return "compatibility" }

func (c *compatibility) ProcessIncoming(_ context.Context, ex *Exchange) error {
	if c.bypass {
		return nil
	}
	return c.filter.ApplyRequest(ex.Request)
}

func (c *compatibility) ProcessOutgoing(_ context.Context, ex *Exchange) error {
	if c.bypass || ex.Response == nil {
		return nil
	}
	c.filter.ApplyResponse(ex.Response)
	return nil
}
