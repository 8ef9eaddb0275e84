// Package api exposes the proxy's HTTP surface: the protocol entry
// endpoints, model listing, health and metrics. Each request is classified,
// routed, run through the target pipeline and dispatched with failover.
package api

import (
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Jasonzhangf/routecodex/internal/codec"
	"github.com/Jasonzhangf/routecodex/internal/config"
	"github.com/Jasonzhangf/routecodex/internal/observability"
	"github.com/Jasonzhangf/routecodex/internal/pipeline"
	"github.com/Jasonzhangf/routecodex/internal/router"
	"github.com/Jasonzhangf/routecodex/pkg/types"
)

// Server wires the HTTP surface to the routing engine and pipelines.
type Server struct {
	cfg       *config.Manager
	engine    *router.Engine
	assembler *pipeline.Assembler
	codecs    *codec.Registry
	logger    *slog.Logger
}

// NewServer creates the API server.
func NewServer(cfg *config.Manager, engine *router.Engine, assembler *pipeline.Assembler, codecs *codec.Registry, logger *slog.Logger) *Server {
	return &Server{
		cfg:       cfg,
		engine:    engine,
		assembler: assembler,
		codecs:    codecs,
		logger:    logger,
	}
}

// Handler builds the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		s.handleEntry(w, r, types.ProtocolOpenAIChat)
	})
	mux.HandleFunc("POST /v1/messages", func(w http.ResponseWriter, r *http.Request) {
		s.handleEntry(w, r, types.ProtocolAnthropic)
	})
	mux.HandleFunc("POST /v1/responses", func(w http.ResponseWriter, r *http.Request) {
		s.handleEntry(w, r, types.ProtocolOpenAIResponses)
	})
	mux.HandleFunc("POST /v1/completions", s.handleCompletions)
	mux.HandleFunc("POST /v1/embeddings", s.handleEmbeddings)
	mux.HandleFunc("GET /v1/models", s.handleModels)
	mux.HandleFunc("GET /v1/models/{id}", s.handleModel)
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	if m := s.cfg.Get().Metrics; m.Enabled {
		path := m.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, promhttp.Handler())
	}

	return observability.RequestIDMiddleware(mux)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type modelCard struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type modelList struct {
	Object string      `json:"object"`
	Data   []modelCard `json:"data"`
}

func (s *Server) modelCards() []modelCard {
	cfg := s.cfg.Get()
	created := time.Now().Unix()

	seen := make(map[string]struct{})
	var cards []modelCard
	for _, p := range cfg.Providers {
		for model := range p.Models {
			if _, dup := seen[model]; dup {
				continue
			}
			seen[model] = struct{}{}
			cards = append(cards, modelCard{
				ID:      model,
				Object:  "model",
				Created: created,
				OwnedBy: p.ID,
			})
		}
	}
	sort.Slice(cards, func(i, j int) bool { return cards[i].ID < cards[j].ID })
	return cards
}

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, modelList{Object: "list", Data: s.modelCards()})
}

func (s *Server) handleModel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	for _, card := range s.modelCards() {
		if card.ID == id {
			writeJSON(w, http.StatusOK, card)
			return
		}
	}
	writeError(w, r, notFoundError("model "+id+" not found"))
}
