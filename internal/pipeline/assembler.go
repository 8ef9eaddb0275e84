package pipeline

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/Jasonzhangf/routecodex/internal/auth"
	"github.com/Jasonzhangf/routecodex/internal/codec"
	"github.com/Jasonzhangf/routecodex/internal/compat"
	"github.com/Jasonzhangf/routecodex/internal/config"
	"github.com/Jasonzhangf/routecodex/internal/provider"
	"github.com/Jasonzhangf/routecodex/internal/router"
	"github.com/Jasonzhangf/routecodex/internal/transport"
	proxyerrors "github.com/Jasonzhangf/routecodex/pkg/errors"
	"github.com/Jasonzhangf/routecodex/pkg/types"
)

// Pipeline is the assembled chain for one target. Safe for concurrent use:
// per-request state lives on the Exchange, not on the modules.
type Pipeline struct {
	target  router.Target
	caps    config.ModelCaps
	modules []Module
	filter  *compat.Filter
	codec   codec.Codec
	adapter *provider.Adapter
}

// Target returns the target this pipeline dispatches to.
func (p *Pipeline) Target() router.Target {
	return p.target
}

// Upstream is an in-flight upstream response with its exchange context.
type Upstream struct {
	Response *http.Response
	Stream   bool
	Protocol types.Protocol

	exchange *Exchange
	pipeline *Pipeline
}

// Execute runs the incoming chain, encodes for the provider protocol and
// dispatches. On success the returned Upstream holds the open response body.
func (p *Pipeline) Execute(ctx context.Context, req *types.ChatRequest, clientStream bool) (*Upstream, error) {
	ex := &Exchange{
		Request:      req,
		Target:       p.target,
		Caps:         p.caps,
		ClientStream: clientStream,
	}

	for _, m := range p.modules {
		if err := m.ProcessIncoming(ctx, ex); err != nil {
			return nil, err
		}
	}

	body, err := p.codec.EncodeRequest(req)
	if err != nil {
		return nil, err
	}

	resp, err := p.adapter.Dispatch(ctx, body, p.target.ModelID, ex.UpstreamStream)
	if err != nil {
		return nil, err
	}

	return &Upstream{
		Response: resp,
		Stream:   ex.UpstreamStream,
		Protocol: p.codec.Protocol(),
		exchange: ex,
		pipeline: p,
	}, nil
}

// Decode drains a oneshot upstream, normalizes its raw shape, converts it to
// the pivot and runs the outgoing chain in reverse.
func (u *Upstream) Decode(ctx context.Context) (*types.ChatResponse, error) {
	p := u.pipeline

	body, err := p.adapter.ReadResponse(u.Response)
	if err != nil {
		return nil, err
	}

	if u.Protocol == types.ProtocolOpenAIChat {
		body = p.filter.NormalizeRawResponse(body)
	}

	resp, err := p.codec.DecodeResponse(body, u.exchange.ClientModel)
	if err != nil {
		return nil, err
	}

	u.exchange.Response = resp
	for i := len(p.modules) - 1; i >= 0; i-- {
		if err := p.modules[i].ProcessOutgoing(ctx, u.exchange); err != nil {
			return nil, err
		}
	}
	return u.exchange.Response, nil
}

// Forward dispatches a raw body to an explicit provider path without codec
// translation. Used for passthrough surfaces like embeddings.
func (p *Pipeline) Forward(ctx context.Context, path string, body []byte) ([]byte, error) {
	resp, err := p.adapter.DispatchPath(ctx, path, body)
	if err != nil {
		return nil, err
	}
	return transport.ReadAll(resp)
}

// Assembler builds pipelines lazily per target and reuses module instances
// per (kind, family). Caches reset on configuration reload so descriptors
// are never mixed across generations.
type Assembler struct {
	cfg    *config.Manager
	auth   *auth.Registry
	client *transport.Client
	codecs *codec.Registry
	logger *slog.Logger

	mu        sync.Mutex
	pipelines map[string]*Pipeline
	modules   map[string]Module
}

// NewAssembler creates an assembler bound to the configuration manager.
func NewAssembler(cfg *config.Manager, authReg *auth.Registry, client *transport.Client, codecs *codec.Registry, logger *slog.Logger) *Assembler {
	a := &Assembler{
		cfg:       cfg,
		auth:      authReg,
		client:    client,
		codecs:    codecs,
		logger:    logger,
		pipelines: make(map[string]*Pipeline),
		modules:   make(map[string]Module),
	}
	cfg.OnChange(func(*config.Config) {
		a.mu.Lock()
		a.pipelines = make(map[string]*Pipeline)
		a.modules = make(map[string]Module)
		a.mu.Unlock()
	})
	return a
}

// For returns the pipeline for a target, building it on first use.
func (a *Assembler) For(t router.Target) (*Pipeline, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if p, ok := a.pipelines[t.RuntimeKey]; ok {
		return p, nil
	}

	p, err := a.build(t)
	if err != nil {
		return nil, err
	}
	a.pipelines[t.RuntimeKey] = p
	return p, nil
}

func (a *Assembler) build(t router.Target) (*Pipeline, error) {
	cfg := a.cfg.Get()
	desc, ok := cfg.Provider(t.ProviderID)
	if !ok {
		return nil, proxyerrors.NewRoutingError("unknown_provider",
			"no provider descriptor for "+t.ProviderID)
	}
	caps, ok := desc.Models[t.ModelID]
	if !ok {
		return nil, proxyerrors.NewRoutingError("unknown_model",
			"provider "+t.ProviderID+" has no model "+t.ModelID)
	}

	kb := desc.Keys[t.KeyAlias]
	authProv, err := a.auth.For(t.ProviderID, t.KeyAlias, kb)
	if err != nil {
		return nil, err
	}

	adapter, err := provider.NewAdapter(desc, t.KeyAlias, authProv, a.client, cfg.Debug.SnapshotDir, cfg.Stream.HeadersTimeout, a.logger)
	if err != nil {
		return nil, err
	}

	providerCodec, err := a.codecs.Get(t.Protocol)
	if err != nil {
		return nil, err
	}

	compatModule := a.module("compatibility", t.Family, func() Module {
		return newCompatibility(t.Family)
	})

	return &Pipeline{
		target: t,
		caps:   caps,
		modules: []Module{
			a.module("llmswitch", t.Family, func() Module { return llmSwitch{} }),
			a.module("workflow", t.Family, func() Module { return newWorkflow() }),
			compatModule,
		},
		filter:  compatModule.(*compatibility).filter,
		codec:   providerCodec,
		adapter: adapter,
	}, nil
}

// module returns the shared instance for a (kind, family) pair.
func (a *Assembler) module(kind string, family config.Family, build func() Module) Module {
	key := kind + "." + string(family)
	if m, ok := a.modules[key]; ok {
		return m
	}
	m := build()
	a.modules[key] = m
	return m
}
