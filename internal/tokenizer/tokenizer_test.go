package tokenizer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Jasonzhangf/routecodex/pkg/types"
)

func TestCountTextTokensEmpty(t *testing.T) {
	assert.Equal(t, 0, CountTextTokens("gpt-4o", ""))
	assert.Equal(t, 0, CountTextTokens("unknown-model", ""))
}

func TestCountTextTokensGrowsWithInput(t *testing.T) {
	short := CountTextTokens("gpt-4o", "hello")
	long := CountTextTokens("gpt-4o", strings.Repeat("hello world ", 200))

	assert.Greater(t, short, 0)
	assert.Greater(t, long, short)
}

func TestEstimateChatTokensNilRequest(t *testing.T) {
	assert.Equal(t, 0, EstimateChatTokens(nil))
	assert.Equal(t, 0, EstimateChatTokens(&types.ChatRequest{Model: "gpt-4o"}))
}

func TestEstimateChatTokensCountsMessagesAndTools(t *testing.T) {
	base := &types.ChatRequest{
		Model: "gpt-4o",
		Messages: []types.ChatMessage{
			{Role: "user", Content: types.StringContent("summarize this document")},
		},
	}
	withTools := &types.ChatRequest{
		Model:    "gpt-4o",
		Messages: base.Messages,
		Tools: []types.Tool{{
			Type: "function",
			Function: types.ToolFunction{
				Name:        "search",
				Description: "search the web for recent results",
			},
		}},
	}

	baseCount := EstimateChatTokens(base)
	toolCount := EstimateChatTokens(withTools)

	assert.Greater(t, baseCount, 0)
	assert.Greater(t, toolCount, baseCount)
}
