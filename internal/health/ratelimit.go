package health

import (
	"context"
	"log/slog"
	"time"

	"github.com/Jasonzhangf/routecodex/internal/config"
	"github.com/Jasonzhangf/routecodex/internal/metrics"
	proxyerrors "github.com/Jasonzhangf/routecodex/pkg/errors"
)

// Cooldown reasons.
const (
	ReasonTransient429 = "transient-429"
	ReasonDailyQuota   = "daily-quota-429"
	ReasonNetwork      = "network"
)

// RateLimitManager distinguishes transient 429s from daily-quota exhaustion
// and issues cooldown windows per (providerKey, model).
type RateLimitManager struct {
	store  CooldownStore
	health *Manager
	cfg    config.HealthConfig
	logger *slog.Logger
	clock  func() time.Time
}

// NewRateLimitManager creates a rate-limit manager backed by the given
// cooldown store.
func NewRateLimitManager(cfg config.HealthConfig, store CooldownStore, health *Manager, logger *slog.Logger) *RateLimitManager {
	if cfg.TransientCooldown <= 0 {
		cfg.TransientCooldown = 60 * time.Second
	}
	if cfg.DailyQuotaCooldown < time.Hour {
		// Daily-quota exhaustion holds for at least an hour.
		cfg.DailyQuotaCooldown = time.Hour
	}
	return &RateLimitManager{
		store:  store,
		health: health,
		cfg:    cfg,
		logger: logger,
		clock:  time.Now,
	}
}

// CooldownKey builds the store key for a (providerKey, model) pair.
func CooldownKey(providerKey, model string) string {
	return providerKey + "/" + model
}

// RegisterFailure records a transient 429 for the pair and reports whether
// the message indicates daily-quota exhaustion (escalated). Transient
// cooldowns keep the target available: the caller rotates to another
// candidate and this one resumes once the window passes.
func (r *RateLimitManager) RegisterFailure(ctx context.Context, providerKey, model, message string) (escalated bool) {
	if proxyerrors.IsDailyQuota(message) {
		r.ForceFailure(ctx, providerKey, model)
		return true
	}

	until := r.clock().Add(r.cfg.TransientCooldown)
	key := CooldownKey(providerKey, model)
	if err := r.store.Set(ctx, key, until); err != nil && r.logger != nil {
		r.logger.Warn("cooldown store set failed", "key", key, "error", err)
	}
	metrics.RecordCooldown(key, ReasonTransient429)
	return false
}

// ForceFailure marks the pair exhausted for the daily-quota window and
// disables the target's health.
func (r *RateLimitManager) ForceFailure(ctx context.Context, providerKey, model string) {
	until := r.clock().Add(r.cfg.DailyQuotaCooldown)
	key := CooldownKey(providerKey, model)
	if err := r.store.Set(ctx, key, until); err != nil && r.logger != nil {
		r.logger.Warn("cooldown store set failed", "key", key, "error", err)
	}
	if r.health != nil {
		r.health.Disable(providerKey+"."+model, ReasonDailyQuota, r.cfg.DailyQuotaCooldown)
	}
	metrics.RecordCooldown(key, ReasonDailyQuota)
	if r.logger != nil {
		r.logger.Warn("daily quota exhausted",
			"provider_key", providerKey,
			"model", model,
			"cooldown_until", until,
		)
	}
}

// CooldownUntil returns the active cooldown deadline for the pair, or the
// zero time when none applies.
func (r *RateLimitManager) CooldownUntil(ctx context.Context, providerKey, model string) time.Time {
	until, err := r.store.Get(ctx, CooldownKey(providerKey, model))
	if err != nil {
		if r.logger != nil {
			r.logger.Warn("cooldown store get failed", "error", err)
		}
		return time.Time{}
	}
	if until.Before(r.clock()) {
		return time.Time{}
	}
	return until
}

// InCooldown reports whether the pair currently has an active cooldown.
func (r *RateLimitManager) InCooldown(ctx context.Context, providerKey, model string) bool {
	return !r.CooldownUntil(ctx, providerKey, model).IsZero()
}

// SetClock replaces the time source, for tests.
func (r *RateLimitManager) SetClock(clock func() time.Time) {
	r.clock = clock
}