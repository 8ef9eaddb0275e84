// Package health tracks per-target health state and rate-limit cooldowns.
// Targets are identified by their runtime key strings; the router consults
// this package when filtering candidates.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Jasonzhangf/routecodex/internal/config"
	"github.com/Jasonzhangf/routecodex/internal/metrics"
)

// State is the health record for one target.
type State struct {
	Healthy           bool      `json:"is_healthy"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	Consecutive429    int       `json:"consecutive_429"`
	ErrorCount        int       `json:"error_count"`
	SuccessCount      int       `json:"success_count"`
	LastError         string    `json:"last_error,omitempty"`
	LastErrorAt       time.Time `json:"last_error_at,omitempty"`
	Disabled          bool      `json:"disabled"`
	DisabledAt        time.Time `json:"disabled_at,omitempty"`
	DisabledReason    string    `json:"disabled_reason,omitempty"`
	RecoveryAt        time.Time `json:"recovery_at,omitempty"`
}

// Manager tracks health state per target and drives auto-recovery.
type Manager struct {
	mu     sync.RWMutex
	states map[string]*State
	cfg    config.HealthConfig
	logger *slog.Logger
	clock  func() time.Time
}

// NewManager creates a health manager.
func NewManager(cfg config.HealthConfig, logger *slog.Logger) *Manager {
	if cfg.MaxConsecutiveErrors <= 0 {
		cfg.MaxConsecutiveErrors = 3
	}
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = 10
	}
	if cfg.RecoveryWindow <= 0 {
		cfg.RecoveryWindow = 5 * time.Minute
	}
	return &Manager{
		states: make(map[string]*State),
		cfg:    cfg,
		logger: logger,
		clock:  time.Now,
	}
}

// RecordSuccess clears the error streak and re-enables a disabled target
// when auto-recovery is on.
func (m *Manager) RecordSuccess(target string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.state(target)
	s.SuccessCount++
	s.ConsecutiveErrors = 0
	s.Consecutive429 = 0
	if s.Disabled && m.cfg.AutoRecovery {
		m.enable(target, s)
	}
	s.Healthy = !s.Disabled
	metrics.SetTargetHealth(target, s.Healthy)
}

// RecordError counts a health-affecting failure and disables the target when
// a threshold is crossed.
func (m *Manager) RecordError(target, kind, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.state(target)
	s.ErrorCount++
	s.ConsecutiveErrors++
	s.Consecutive429 = 0
	s.LastError = message
	s.LastErrorAt = m.clock()

	if !s.Disabled &&
		(s.ConsecutiveErrors >= m.cfg.MaxConsecutiveErrors || s.ErrorCount >= m.cfg.ErrorThreshold) {
		m.disable(target, s, kind, m.cfg.RecoveryWindow)
	}
	metrics.SetTargetHealth(target, !s.Disabled)
}

// Record429 counts a rate-limit hit. Two consecutive 429s disable the target
// immediately.
func (m *Manager) Record429(target, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.state(target)
	s.ErrorCount++
	s.Consecutive429++
	s.LastError = message
	s.LastErrorAt = m.clock()

	if !s.Disabled && s.Consecutive429 >= 2 {
		m.disable(target, s, "rate_limit", m.cfg.RecoveryWindow)
	}
	metrics.SetTargetHealth(target, !s.Disabled)
}

// Disable forces a target unhealthy for the given window. Used for
// daily-quota escalation.
func (m *Manager) Disable(target, reason string, window time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.state(target)
	m.disable(target, s, reason, window)
	metrics.SetTargetHealth(target, false)
}

// IsAvailable reports whether a target may be selected. A disabled target
// becomes available again once its recovery time has elapsed.
func (m *Manager) IsAvailable(target string) bool {
	m.mu.RLock()
	s, ok := m.states[target]
	m.mu.RUnlock()

	if !ok || !s.Disabled {
		return true
	}
	if !m.cfg.AutoRecovery {
		return false
	}
	return !m.clock().Before(s.RecoveryAt)
}

// Snapshot returns a copy of all health states.
func (m *Manager) Snapshot() map[string]State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]State, len(m.states))
	for key, s := range m.states {
		out[key] = *s
	}
	return out
}

// Start runs the recovery scanner until ctx is canceled.
func (m *Manager) Start(ctx context.Context) {
	interval := m.cfg.CheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.recoverDue()
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (m *Manager) recoverDue() {
	if !m.cfg.AutoRecovery {
		return
	}
	now := m.clock()

	m.mu.Lock()
	defer m.mu.Unlock()
	for target, s := range m.states {
		if s.Disabled && !now.Before(s.RecoveryAt) {
			m.enable(target, s)
			metrics.SetTargetHealth(target, true)
		}
	}
}

func (m *Manager) state(target string) *State {
	s, ok := m.states[target]
	if !ok {
		s = &State{Healthy: true}
		m.states[target] = s
	}
	return s
}

func (m *Manager) disable(target string, s *State, reason string, window time.Duration) {
	now := m.clock()
	s.Disabled = true
	s.Healthy = false
	s.DisabledAt = now
	s.DisabledReason = reason
	s.RecoveryAt = now.Add(window)
	if m.logger != nil {
		m.logger.Warn("target disabled",
			"target", target,
			"reason", reason,
			"recovery_at", s.RecoveryAt,
		)
	}
}

func (m *Manager) enable(target string, s *State) {
	s.Disabled = false
	s.Healthy = true
	s.ConsecutiveErrors = 0
	s.Consecutive429 = 0
	s.DisabledReason = ""
	s.RecoveryAt = time.Time{}
	if m.logger != nil {
		m.logger.Info("target recovered", "target", target)
	}
}

// SetClock replaces the time source, for tests.
func (m *Manager) SetClock(clock func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = clock
}
