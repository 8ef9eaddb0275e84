package errors

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromUpstreamStatusUnauthorizedOAuth(t *testing.T) {
	// A 401 after the in-dispatch refresh retry is final: not retryable on
	// another target, and an OAuth key keeps its health.
	e := FromUpstreamStatus(http.StatusUnauthorized, "iflow", "m1", "token expired", true)
	assert.Equal(t, KindAuth, e.Kind)
	assert.False(t, e.Retryable)
	assert.False(t, e.AffectsHealth)
}

func TestFromUpstreamStatusUnauthorizedAPIKey(t *testing.T) {
	e := FromUpstreamStatus(http.StatusUnauthorized, "glm", "m1", "invalid key", false)
	assert.Equal(t, KindAuth, e.Kind)
	assert.False(t, e.Retryable)
	assert.True(t, e.AffectsHealth)
}

func TestFromUpstreamStatusForbidden(t *testing.T) {
	e := FromUpstreamStatus(http.StatusForbidden, "glm", "m1", "blocked", false)
	assert.Equal(t, KindAuth, e.Kind)
	assert.True(t, e.AffectsHealth)
	assert.False(t, e.Retryable)
}

func TestFromUpstreamStatusRateLimit(t *testing.T) {
	e := FromUpstreamStatus(http.StatusTooManyRequests, "glm", "m1", "slow down", false)
	assert.Equal(t, KindRateLimit, e.Kind)
	assert.True(t, e.Retryable)
	assert.True(t, e.AffectsHealth)
	assert.False(t, e.DailyQuota)

	daily := FromUpstreamStatus(http.StatusTooManyRequests, "glm", "m1", "quota exceeded today", false)
	assert.True(t, daily.DailyQuota)
	assert.False(t, daily.Retryable)
}

func TestFromUpstreamStatusServerError(t *testing.T) {
	e := FromUpstreamStatus(http.StatusBadGateway, "glm", "m1", "upstream broke", false)
	assert.Equal(t, KindUpstreamServer, e.Kind)
	assert.True(t, e.AffectsHealth)
}

func TestTypeForStatus(t *testing.T) {
	assert.Equal(t, TypeUnauthorized, TypeForStatus(http.StatusUnauthorized))
	assert.Equal(t, TypeForbidden, TypeForStatus(http.StatusPaymentRequired))
	assert.Equal(t, TypeRateLimitExceeded, TypeForStatus(http.StatusTooManyRequests))
	assert.Equal(t, TypeRequestTimeout, TypeForStatus(http.StatusGatewayTimeout))
	assert.Equal(t, TypeServerError, TypeForStatus(512))
	assert.Equal(t, TypeBadRequest, TypeForStatus(418))
}
