package api

import (
	"net/http"
	"sort"

	"github.com/goccy/go-json"

	"github.com/Jasonzhangf/routecodex/internal/router"
	proxyerrors "github.com/Jasonzhangf/routecodex/pkg/errors"
	"github.com/Jasonzhangf/routecodex/pkg/types"
)

// handleEmbeddings forwards the request body unchanged to an OpenAI-family
// provider that declares the requested model.
func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	body, err := s.readBody(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var probe struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &probe); err != nil || probe.Model == "" {
		writeError(w, r, proxyerrors.NewValidationError("model is required"))
		return
	}

	target, ok := s.embeddingTarget(probe.Model)
	if !ok {
		writeError(w, r, notFoundError("no provider serves model "+probe.Model))
		return
	}

	pl, err := s.assembler.For(target)
	if err != nil {
		writeError(w, r, err)
		return
	}

	out, err := pl.Forward(r.Context(), "/v1/embeddings", body)
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

// embeddingTarget finds an OpenAI-family (provider, key) pair declaring the
// model. Key aliases resolve in sorted order for determinism.
func (s *Server) embeddingTarget(model string) (router.Target, bool) {
	cfg := s.cfg.Get()
	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		if p.Family.Protocol() != types.ProtocolOpenAIChat {
			continue
		}
		if _, ok := p.Models[model]; !ok {
			continue
		}
		aliases := make([]string, 0, len(p.Keys))
		for alias := range p.Keys {
			aliases = append(aliases, alias)
		}
		if len(aliases) == 0 {
			continue
		}
		sort.Strings(aliases)
		return router.NewTarget(p.ID, aliases[0], model, p.Family), true
	}
	return router.Target{}, false
}
