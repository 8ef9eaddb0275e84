package router

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"sync/atomic"

	"github.com/Jasonzhangf/routecodex/internal/config"
	"github.com/Jasonzhangf/routecodex/internal/health"
	"github.com/Jasonzhangf/routecodex/internal/session"
	proxyerrors "github.com/Jasonzhangf/routecodex/pkg/errors"
	"github.com/Jasonzhangf/routecodex/pkg/types"
)

// Classifier decides the routing category for a request.
type Classifier interface {
	Classify(req *types.ChatRequest, tokenCount int) string
}

// RouteInput carries everything the engine needs for one decision.
type RouteInput struct {
	SessionID  string
	Request    *types.ChatRequest
	TokenCount int

	// Exclude holds runtime keys already attempted during failover.
	Exclude map[string]struct{}
}

// Decision is the outcome of routing one request.
type Decision struct {
	Target   Target
	Category string

	// Forced is true when an in-band force directive selected the target,
	// bypassing health checks.
	Forced bool

	// StopMessage, when non-empty, is appended to the conversation before
	// dispatch.
	StopMessage string
}

// Engine resolves requests to concrete targets. It owns pool rotation and
// combines classifier output, session state, health and cooldowns.
type Engine struct {
	cfg        *config.Manager
	pools      atomic.Pointer[Pools]
	classifier Classifier
	health     *health.Manager
	rateLimit  *health.RateLimitManager
	sessions   *session.Store
	logger     *slog.Logger
}

// NewEngine builds a routing engine. Pools are rebuilt whenever the
// configuration manager reports a change.
func NewEngine(cfg *config.Manager, classifier Classifier, hm *health.Manager, rl *health.RateLimitManager, sessions *session.Store, logger *slog.Logger) (*Engine, error) {
	e := &Engine{
		cfg:        cfg,
		classifier: classifier,
		health:     hm,
		rateLimit:  rl,
		sessions:   sessions,
		logger:     logger,
	}
	pools, err := BuildPools(cfg.Get())
	if err != nil {
		return nil, err
	}
	e.pools.Store(pools)

	cfg.OnChange(func(c *config.Config) {
		rebuilt, err := BuildPools(c)
		if err != nil {
			if logger != nil {
				logger.Error("pool rebuild failed, keeping previous pools", "error", err)
			}
			return
		}
		e.pools.Store(rebuilt)
	})
	return e, nil
}

// Route resolves one request to a target. Directives found in the last user
// message are applied to session state and stripped before classification.
// Precedence: forced target, then sticky, then preference, then rotation.
func (e *Engine) Route(ctx context.Context, in RouteInput) (*Decision, error) {
	cfg := e.cfg.Get()
	pools := e.pools.Load()

	// Directive handling follows the hub policy mode: off leaves the text
	// untouched, observe strips and logs without applying, enforce applies.
	if mode := config.HubPolicyMode(); mode != config.PolicyOff && in.Request != nil {
		if text := in.Request.LastUserText(); text != "" {
			directives, stripped := ParseDirectives(text)
			if len(directives) > 0 {
				in.Request.SetLastUserText(stripped)
				if mode == config.PolicyEnforce {
					e.applyDirectives(in.SessionID, directives)
				} else if e.logger != nil {
					e.logger.Info("directives observed without effect",
						"session", in.SessionID, "count", len(directives))
				}
			}
		}
	}

	snap := e.sessions.Snapshot(in.SessionID)

	category := config.CategoryDefault
	if e.classifier != nil && in.Request != nil {
		category = e.classifier.Classify(in.Request, in.TokenCount)
	}

	// A category with no configured pool fails fast. There is no fallback
	// to the default pool.
	pool := pools.Pool(category)
	if pool == nil || len(pool.Targets) == 0 {
		return nil, proxyerrors.NewRoutingError("no_route_pool", "no route pool configured for category "+category)
	}

	decision := &Decision{Category: category}
	if snap != nil {
		if text, ok := e.sessions.ConsumeStopMessage(in.SessionID); ok {
			decision.StopMessage = text
		}

		// A forced target wins over stickiness and rotation, but it still
		// has to be healthy, outside cooldown and not session-blocked.
		if snap.ForcedTarget != "" {
			if t, ok := e.resolveSpec(cfg, pools, snap.ForcedTarget); ok &&
				e.available(ctx, t, in.Exclude) && !sessionBlocks(snap, t) {
				decision.Target = t
				decision.Forced = true
				return decision, nil
			}
			if e.logger != nil {
				e.logger.Warn("forced target unavailable, falling back",
					"session", in.SessionID, "spec", snap.ForcedTarget)
			}
		}

		// Stickiness: keep the last-used target while it stays available.
		if snap.StickyTarget != "" {
			if t, ok := e.findTarget(pools, snap.StickyTarget); ok &&
				e.available(ctx, t, in.Exclude) && !sessionBlocks(snap, t) {
				decision.Target = t
				return decision, nil
			}
		}

		// Preference directive: use it while healthy, otherwise rotate.
		if snap.PreferTarget != "" {
			if t, ok := e.resolveSpec(cfg, pools, snap.PreferTarget); ok &&
				e.available(ctx, t, in.Exclude) && !sessionBlocks(snap, t) {
				decision.Target = t
				return decision, nil
			}
		}
	}

	// Round-robin over the pool, skipping anything unavailable. The counter
	// advances once per request regardless of how far the walk goes.
	start := pool.NextIndex()
	n := len(pool.Targets)
	for i := 0; i < n; i++ {
		t := pool.Targets[(start+i)%n]
		if sessionBlocks(snap, t) {
			continue
		}
		if !e.available(ctx, t, in.Exclude) {
			continue
		}
		decision.Target = t
		return decision, nil
	}

	return nil, proxyerrors.NewRoutingError("no_healthy_target", "no healthy target available in category "+category)
}

// RecordSuccess updates health state. Stickiness is pinned only for sessions
// that already carry state from a directive; a bare session id keeps
// rotating.
func (e *Engine) RecordSuccess(sessionID string, t Target) {
	e.health.RecordSuccess(t.RuntimeKey)
	if sessionID != "" && e.sessions.Snapshot(sessionID) != nil {
		e.sessions.Update(sessionID, func(st *session.State) {
			st.StickyTarget = t.RuntimeKey
		})
	}
}

// RecordFailure feeds an upstream failure into health and rate-limit
// tracking. It reports whether the caller should retry on another target.
func (e *Engine) RecordFailure(ctx context.Context, sessionID string, t Target, perr *proxyerrors.ProxyError) (retryable bool) {
	if perr == nil {
		return false
	}

	switch {
	case perr.StatusCode == 429:
		e.health.Record429(t.RuntimeKey, perr.Message)
		e.rateLimit.RegisterFailure(ctx, t.ProviderKey(), t.ModelID, perr.Message)
	case perr.AffectsHealth:
		e.health.RecordError(t.RuntimeKey, string(perr.Kind), perr.Message)
	}

	// A failed target loses its sticky pin so the next request rotates.
	if sessionID != "" && perr.AffectsHealth {
		e.sessions.Update(sessionID, func(st *session.State) {
			if st.StickyTarget == t.RuntimeKey {
				st.StickyTarget = ""
			}
		})
	}

	// Server-side upstream failures are worth one attempt on another target
	// even though they count against this one's health.
	return perr.Retryable || perr.StatusCode == 429 || perr.Kind == proxyerrors.KindUpstreamServer
}

// Pools returns the current pool generation.
func (e *Engine) Pools() *Pools {
	return e.pools.Load()
}

func (e *Engine) available(ctx context.Context, t Target, exclude map[string]struct{}) bool {
	if _, skip := exclude[t.RuntimeKey]; skip {
		return false
	}
	if e.health != nil && !e.health.IsAvailable(t.RuntimeKey) {
		return false
	}
	if e.rateLimit != nil && e.rateLimit.InCooldown(ctx, t.ProviderKey(), t.ModelID) {
		return false
	}
	return true
}

func sessionBlocks(snap *session.State, t Target) bool {
	if snap == nil {
		return false
	}
	if len(snap.AllowedProviders) > 0 {
		if _, ok := snap.AllowedProviders[t.ProviderID]; !ok {
			return true
		}
	}
	if _, ok := snap.DisabledProviders[t.ProviderID]; ok {
		return true
	}
	if aliases, ok := snap.DisabledKeys[t.ProviderID]; ok {
		if _, ok := aliases[t.KeyAlias]; ok {
			return true
		}
	}
	if models, ok := snap.DisabledModels[t.ProviderID]; ok {
		if _, ok := models[t.ModelID]; ok {
			return true
		}
	}
	return false
}

// applyDirectives folds parsed directives into session state. A disable
// directive replaces the previous disable set rather than accumulating.
func (e *Engine) applyDirectives(sessionID string, directives []Directive) {
	for _, d := range directives {
		switch d.Verb {
		case VerbClear:
			e.sessions.Clear(sessionID)

		case VerbForce:
			spec := d.Args[0]
			e.sessions.Update(sessionID, func(st *session.State) {
				st.ForcedTarget = spec
				st.PreferTarget = ""
			})

		case VerbPrefer:
			spec := d.Args[0]
			e.sessions.Update(sessionID, func(st *session.State) {
				st.PreferTarget = spec
				st.ForcedTarget = ""
			})

		case VerbDisable:
			specs := d.Args
			cfg := e.cfg.Get()
			e.sessions.Update(sessionID, func(st *session.State) {
				st.DisabledProviders = make(map[string]struct{})
				st.DisabledKeys = make(map[string]map[string]struct{})
				st.DisabledModels = make(map[string]map[string]struct{})
				for _, spec := range specs {
					applyDisableSpec(cfg, st, ParseTargetSpec(spec))
				}
			})

		case VerbStopMessage:
			text := d.Args[0]
			e.sessions.Update(sessionID, func(st *session.State) {
				st.Stop = &session.StopMessage{Text: text, MaxRepeats: 3}
			})

		case VerbClearStopMessage:
			e.sessions.Update(sessionID, func(st *session.State) {
				st.Stop = nil
			})
		}
	}
}

// applyDisableSpec resolves one disable argument against the configuration.
// A bare provider disables the whole provider; a trailing part is a key
// alias, a numeric key index or a model id, in that order of resolution.
func applyDisableSpec(cfg *config.Config, st *session.State, ts TargetSpec) {
	desc, ok := cfg.Provider(ts.Provider)
	if !ok {
		return
	}
	if len(ts.Rest) == 0 {
		st.DisabledProviders[ts.Provider] = struct{}{}
		return
	}

	part := ts.Rest[0]
	if _, isKey := desc.Keys[part]; isKey {
		disableKey(st, ts.Provider, part)
		return
	}
	if idx, err := strconv.Atoi(part); err == nil {
		aliases := sortedKeyAliases(desc)
		if idx >= 1 && idx <= len(aliases) {
			disableKey(st, ts.Provider, aliases[idx-1])
		}
		return
	}

	// Remaining parts rejoin as a model id, which may itself contain dots.
	model := part
	for _, extra := range ts.Rest[1:] {
		model += "." + extra
	}
	if _, isModel := desc.Models[model]; isModel {
		disableModel(st, ts.Provider, model)
	}
}

func disableKey(st *session.State, provider, alias string) {
	if st.DisabledKeys[provider] == nil {
		st.DisabledKeys[provider] = make(map[string]struct{})
	}
	st.DisabledKeys[provider][alias] = struct{}{}
}

func disableModel(st *session.State, provider, model string) {
	if st.DisabledModels[provider] == nil {
		st.DisabledModels[provider] = make(map[string]struct{})
	}
	st.DisabledModels[provider][model] = struct{}{}
}

func sortedKeyAliases(desc *config.ProviderDescriptor) []string {
	aliases := make([]string, 0, len(desc.Keys))
	for a := range desc.Keys {
		aliases = append(aliases, a)
	}
	sort.Strings(aliases)
	return aliases
}

// resolveSpec turns a directive argument into a concrete target. It first
// looks for a pool target matching the spec, then falls back to building one
// directly from the configuration.
func (e *Engine) resolveSpec(cfg *config.Config, pools *Pools, spec string) (Target, bool) {
	ts := ParseTargetSpec(spec)
	desc, ok := cfg.Provider(ts.Provider)
	if !ok {
		return Target{}, false
	}

	wantKey, wantModel := "", ""
	if len(ts.Rest) > 0 {
		if _, isKey := desc.Keys[ts.Rest[0]]; isKey {
			wantKey = ts.Rest[0]
			if len(ts.Rest) > 1 {
				wantModel = joinDots(ts.Rest[1:])
			}
		} else {
			wantModel = joinDots(ts.Rest)
		}
	}
	if wantModel != "" {
		if _, isModel := desc.Models[wantModel]; !isModel {
			wantModel = ""
		}
	}

	for _, t := range pools.AllTargets() {
		if t.ProviderID != ts.Provider {
			continue
		}
		if wantKey != "" && t.KeyAlias != wantKey {
			continue
		}
		if wantModel != "" && t.ModelID != wantModel {
			continue
		}
		return t, true
	}

	// The provider exists but no pool carries it. Build a target from the
	// first declared key and model so force directives still work.
	if wantKey == "" {
		aliases := sortedKeyAliases(desc)
		if len(aliases) == 0 {
			return Target{}, false
		}
		wantKey = aliases[0]
	}
	if wantModel == "" {
		models := make([]string, 0, len(desc.Models))
		for m := range desc.Models {
			models = append(models, m)
		}
		if len(models) == 0 {
			return Target{}, false
		}
		sort.Strings(models)
		wantModel = models[0]
	}
	return NewTarget(ts.Provider, wantKey, wantModel, desc.Family), true
}

// findTarget locates a pool target by exact runtime key.
func (e *Engine) findTarget(pools *Pools, runtimeKey string) (Target, bool) {
	for _, t := range pools.AllTargets() {
		if t.RuntimeKey == runtimeKey {
			return t, true
		}
	}
	return Target{}, false
}

func joinDots(parts []string) string {
	s := parts[0]
	for _, p := range parts[1:] {
		s += "." + p
	}
	return s
}
