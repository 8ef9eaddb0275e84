// Package tokenizer provides token counting helpers used by the request
// classifier. Counts are estimates: tiktoken when an encoding is known,
// a conservative len/4 fallback otherwise.
package tokenizer

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/Jasonzhangf/routecodex/pkg/types"
)

const (
	// perMessageOverhead approximates the framing tokens per chat message.
	perMessageOverhead = 4

	fallbackDivisor = 4
)

var (
	encodingCache sync.Map // model -> *tiktoken.Tiktoken
	defaultOnce   sync.Once
	defaultEnc    *tiktoken.Tiktoken
)

// CountTextTokens returns the token count for the given text.
func CountTextTokens(model, text string) int {
	if text == "" {
		return 0
	}
	enc := getEncoding(model)
	if enc == nil {
		return len(text) / fallbackDivisor
	}
	return len(enc.Encode(text, nil, nil))
}

// EstimateChatTokens estimates prompt tokens for a chat request, including
// flattened message content and tool-call arguments.
func EstimateChatTokens(req *types.ChatRequest) int {
	if req == nil {
		return 0
	}
	total := 0
	for _, msg := range req.Messages {
		total += perMessageOverhead
		total += CountTextTokens(req.Model, types.TextOfContent(msg.Content))
		for _, tc := range msg.ToolCalls {
			total += CountTextTokens(req.Model, tc.Function.Name)
			total += CountTextTokens(req.Model, tc.Function.Arguments)
		}
	}
	for _, tool := range req.Tools {
		total += CountTextTokens(req.Model, tool.Function.Name)
		total += CountTextTokens(req.Model, tool.Function.Description)
		total += len(tool.Function.Parameters) / fallbackDivisor
	}
	return total
}

func getEncoding(model string) *tiktoken.Tiktoken {
	if cached, ok := encodingCache.Load(model); ok {
		enc, _ := cached.(*tiktoken.Tiktoken)
		return enc
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc = defaultEncoding()
	}
	if enc != nil {
		encodingCache.Store(model, enc)
	}
	return enc
}

func defaultEncoding() *tiktoken.Tiktoken {
	defaultOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			defaultEnc = enc
		}
	})
	return defaultEnc
}
