// Package codec converts request and response payloads between the wire
// protocols the proxy speaks. The OpenAI chat completion shape is the pivot:
// every codec decodes its protocol into it and encodes out of it, so any
// entry protocol composes with any provider protocol without pairwise
// converters.
package codec

import (
	proxyerrors "github.com/Jasonzhangf/routecodex/pkg/errors"
	"github.com/Jasonzhangf/routecodex/pkg/types"
)

// Codec converts one protocol to and from the pivot format.
type Codec interface {
	// Protocol names the wire dialect this codec handles.
	Protocol() types.Protocol

	// DecodeRequest parses a protocol-native request body into the pivot.
	DecodeRequest(data []byte) (*types.ChatRequest, error)

	// EncodeRequest renders a pivot request as a protocol-native body.
	EncodeRequest(req *types.ChatRequest) ([]byte, error)

	// DecodeResponse parses a protocol-native response into the pivot.
	DecodeResponse(data []byte, model string) (*types.ChatResponse, error)

	// EncodeResponse renders a pivot response as a protocol-native body.
	EncodeResponse(resp *types.ChatResponse) ([]byte, error)
}

// Registry resolves codecs by protocol.
type Registry struct {
	codecs map[types.Protocol]Codec
}

// NewRegistry builds a registry with every supported codec installed.
func NewRegistry() *Registry {
	r := &Registry{codecs: make(map[types.Protocol]Codec)}
	for _, c := range []Codec{
		NewOpenAICodec(),
		NewAnthropicCodec(),
		NewResponsesCodec(),
		NewGeminiCodec(),
	} {
		r.codecs[c.Protocol()] = c
	}
	return r
}

// Get returns the codec for a protocol.
func (r *Registry) Get(p types.Protocol) (Codec, error) {
	c, ok := r.codecs[p]
	if !ok {
		return nil, proxyerrors.NewInternalError("", "", "no codec for protocol "+string(p))
	}
	return c, nil
}

func errUnsupported(op string, p types.Protocol) error {
	return proxyerrors.NewInternalError("", "", op+" is not supported for protocol "+string(p))
}
