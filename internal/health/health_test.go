package health

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jasonzhangf/routecodex/internal/config"
)

func testHealthConfig() config.HealthConfig {
	return config.HealthConfig{
		MaxConsecutiveErrors: 3,
		ErrorThreshold:       10,
		RecoveryWindow:       5 * time.Minute,
		AutoRecovery:         true,
		TransientCooldown:    60 * time.Second,
		DailyQuotaCooldown:   time.Hour,
	}
}

func TestManagerDisablesAfterConsecutiveErrors(t *testing.T) {
	m := NewManager(testHealthConfig(), nil)

	m.RecordError("p.k.m", "network", "connection refused")
	m.RecordError("p.k.m", "network", "connection refused")
	assert.True(t, m.IsAvailable("p.k.m"))

	m.RecordError("p.k.m", "network", "connection refused")
	assert.False(t, m.IsAvailable("p.k.m"))

	state := m.Snapshot()["p.k.m"]
	assert.True(t, state.Disabled)
	assert.Equal(t, "network", state.DisabledReason)
	assert.Equal(t, 3, state.ConsecutiveErrors)
}

func TestManagerSuccessResetsStreak(t *testing.T) {
	m := NewManager(testHealthConfig(), nil)

	m.RecordError("p.k.m", "network", "timeout")
	m.RecordError("p.k.m", "network", "timeout")
	m.RecordSuccess("p.k.m")
	m.RecordError("p.k.m", "network", "timeout")
	m.RecordError("p.k.m", "network", "timeout")

	assert.True(t, m.IsAvailable("p.k.m"))
	assert.Equal(t, 2, m.Snapshot()["p.k.m"].ConsecutiveErrors)
}

func TestManagerRecoversAfterWindow(t *testing.T) {
	m := NewManager(testHealthConfig(), nil)
	now := time.Now()
	m.SetClock(func() time.Time { return now })

	for i := 0; i < 3; i++ {
		m.RecordError("p.k.m", "upstream", "boom")
	}
	require.False(t, m.IsAvailable("p.k.m"))

	now = now.Add(5*time.Minute + time.Second)
	assert.True(t, m.IsAvailable("p.k.m"))
}

func TestManagerNoAutoRecoveryStaysDisabled(t *testing.T) {
	cfg := testHealthConfig()
	cfg.AutoRecovery = false
	m := NewManager(cfg, nil)
	now := time.Now()
	m.SetClock(func() time.Time { return now })

	m.Disable("p.k.m", "manual", time.Minute)
	now = now.Add(time.Hour)
	assert.False(t, m.IsAvailable("p.k.m"))
}

func TestManagerDoubleRateLimitDisables(t *testing.T) {
	m := NewManager(testHealthConfig(), nil)

	m.Record429("p.k.m", "too many requests")
	assert.True(t, m.IsAvailable("p.k.m"))

	m.Record429("p.k.m", "too many requests")
	assert.False(t, m.IsAvailable("p.k.m"))
	assert.Equal(t, "rate_limit", m.Snapshot()["p.k.m"].DisabledReason)
}

func TestRateLimitTransientCooldown(t *testing.T) {
	store := NewMemoryCooldownStore()
	rl := NewRateLimitManager(testHealthConfig(), store, nil, nil)
	now := time.Now()
	rl.SetClock(func() time.Time { return now })

	escalated := rl.RegisterFailure(context.Background(), "p.k", "m", "too many requests")
	assert.False(t, escalated)
	assert.True(t, rl.InCooldown(context.Background(), "p.k", "m"))

	now = now.Add(61 * time.Second)
	assert.False(t, rl.InCooldown(context.Background(), "p.k", "m"))
}

func TestRateLimitDailyQuotaEscalates(t *testing.T) {
	store := NewMemoryCooldownStore()
	hm := NewManager(testHealthConfig(), nil)
	rl := NewRateLimitManager(testHealthConfig(), store, hm, nil)
	now := time.Now()
	rl.SetClock(func() time.Time { return now })

	escalated := rl.RegisterFailure(context.Background(), "p.k", "m", "quota exceeded today")
	assert.True(t, escalated)

	until := rl.CooldownUntil(context.Background(), "p.k", "m")
	assert.Equal(t, now.Add(time.Hour), until)
	assert.False(t, hm.IsAvailable("p.k.m"))
}

func TestRedisCooldownStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := NewRedisCooldownStore(client)
	ctx := context.Background()
	until := time.Now().Add(time.Minute).Truncate(time.Millisecond)

	require.NoError(t, store.Set(ctx, "p.k/m", until))

	got, err := store.Get(ctx, "p.k/m")
	require.NoError(t, err)
	assert.True(t, got.Equal(until))

	// A second instance sharing the backend observes the cooldown.
	other := NewRedisCooldownStore(client)
	got, err = other.Get(ctx, "p.k/m")
	require.NoError(t, err)
	assert.True(t, got.Equal(until))

	require.NoError(t, store.Clear(ctx, "p.k/m"))
	got, err = store.Get(ctx, "p.k/m")
	require.NoError(t, err)
	assert.True(t, got.IsZero())
}

func TestRedisCooldownStoreExpiredSetClears(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := NewRedisCooldownStore(client)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "p.k/m", time.Now().Add(time.Minute)))
	require.NoError(t, store.Set(ctx, "p.k/m", time.Now().Add(-time.Minute)))

	got, err := store.Get(ctx, "p.k/m")
	require.NoError(t, err)
	assert.True(t, got.IsZero())
}
