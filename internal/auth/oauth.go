package auth

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	proxyerrors "github.com/Jasonzhangf/routecodex/pkg/errors"
)

// AppConfig describes one OAuth application: endpoints and the optional
// post-authorization user-info call.
type AppConfig struct {
	ClientID string
	Scopes   []string
	Endpoint oauth2.Endpoint

	// UserInfoURL, when set, is called after authorization to capture a
	// stable api_key (Qwen portal behavior).
	UserInfoURL string
}

// Built-in OAuth applications keyed by oauth_provider config value.
var appConfigs = map[string]AppConfig{
	"qwen": {
		ClientID: "f0304373b74a44d2b584a3fb70ca9e56",
		Scopes:   []string{"openid", "profile", "email", "model.completion"},
		Endpoint: oauth2.Endpoint{
			DeviceAuthURL: "https://chat.qwen.ai/api/v1/oauth2/device/code",
			TokenURL:      "https://chat.qwen.ai/api/v1/oauth2/token",
		},
		UserInfoURL: "https://portal.qwen.ai/api/v1/users/me",
	},
	"iflow": {
		ClientID: "10009311001",
		Scopes:   []string{"openid", "profile"},
		Endpoint: oauth2.Endpoint{
			DeviceAuthURL: "https://iflow.cn/oauth/device/code",
			TokenURL:      "https://iflow.cn/oauth/token",
		},
	},
}

// AppConfigFor returns the OAuth application for a provider name.
func AppConfigFor(name string) (AppConfig, bool) {
	cfg, ok := appConfigs[name]
	return cfg, ok
}

// OAuthProvider serves headers from a persisted device-flow credential.
// Refreshes are coalesced per token file through singleflight.
type OAuthProvider struct {
	app       AppConfig
	tokenPath string
	logger    *slog.Logger

	// UserCode surface for the device flow is delegated to this callback;
	// by default it logs the verification URL.
	Prompt func(verificationURL, userCode string)

	mu    sync.Mutex
	token *Token

	sf    singleflight.Group
	clock func() time.Time
	hc    *http.Client
}

// NewOAuthProvider creates an OAuth provider reading and writing the token
// file at tokenPath.
func NewOAuthProvider(app AppConfig, tokenPath string, logger *slog.Logger) *OAuthProvider {
	p := &OAuthProvider{
		app:       app,
		tokenPath: tokenPath,
		logger:    logger,
		clock:     time.Now,
		hc:        &http.Client{Timeout: 30 * time.Second},
	}
	p.Prompt = func(url, code string) {
		if logger != nil {
			logger.Info("device authorization required", "url", url, "code", code)
		}
	}
	return p
}

func (p *OAuthProvider) oauthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID: p.app.ClientID,
		Scopes:   p.app.Scopes,
		Endpoint: p.app.Endpoint,
	}
}

// Headers implements Provider. An expired token refreshes inline before the
// headers are produced.
func (p *OAuthProvider) Headers(ctx context.Context) (map[string]string, error) {
	token, err := p.current(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]string{defaultHeaderName: defaultHeaderPrefix + token.BearerValue()}, nil
}

// Refresh implements Provider. Concurrent calls for the same token file are
// coalesced into one upstream refresh.
func (p *OAuthProvider) Refresh(ctx context.Context) error {
	_, err, _ := p.sf.Do(p.tokenPath, func() (any, error) {
		return nil, p.refreshLocked(ctx)
	})
	return err
}

func (p *OAuthProvider) current(ctx context.Context) (*Token, error) {
	p.mu.Lock()
	token := p.token
	p.mu.Unlock()

	if token == nil {
		loaded, err := LoadToken(p.tokenPath)
		if err != nil {
			return nil, proxyerrors.NewAuthError("", "",
				"no oauth credential, run device authorization: "+err.Error())
		}
		p.mu.Lock()
		p.token = loaded
		token = loaded
		p.mu.Unlock()
	}

	if token.NoRefresh() {
		return token, nil
	}
	if token.ExpiresSoon(p.clock()) {
		if err := p.Refresh(ctx); err != nil {
			return nil, err
		}
		p.mu.Lock()
		token = p.token
		p.mu.Unlock()
	}
	return token, nil
}

func (p *OAuthProvider) refreshLocked(ctx context.Context) error {
	p.mu.Lock()
	token := p.token
	p.mu.Unlock()

	if token == nil {
		loaded, err := LoadToken(p.tokenPath)
		if err != nil {
			return proxyerrors.NewAuthError("", "", "load oauth token: "+err.Error())
		}
		token = loaded
	}
	if token.NoRefresh() {
		return nil
	}
	// Another waiter may have refreshed while this call queued.
	if !token.ExpiresSoon(p.clock()) {
		p.mu.Lock()
		p.token = token
		p.mu.Unlock()
		return nil
	}
	if token.RefreshToken == "" {
		return proxyerrors.NewAuthError("", "", "oauth token expired and has no refresh token")
	}

	src := p.oauthConfig().TokenSource(ctx, &oauth2.Token{
		RefreshToken: token.RefreshToken,
	})
	renewed, err := src.Token()
	if err != nil {
		return proxyerrors.NewAuthError("", "", "oauth refresh failed: "+err.Error())
	}

	updated := &Token{
		AccessToken:  renewed.AccessToken,
		RefreshToken: firstNonEmpty(renewed.RefreshToken, token.RefreshToken),
		TokenType:    renewed.TokenType,
		Scope:        token.Scope,
		APIKey:       token.APIKey,
		Type:         token.Type,
	}
	if !renewed.Expiry.IsZero() {
		updated.ExpiresAt = renewed.Expiry.Unix()
	}

	if err := SaveToken(p.tokenPath, updated); err != nil {
		return proxyerrors.NewAuthError("", "", "persist oauth token: "+err.Error())
	}

	p.mu.Lock()
	p.token = updated
	p.mu.Unlock()

	if p.logger != nil {
		p.logger.Info("oauth token refreshed", "path", p.tokenPath)
	}
	return nil
}

// Authorize runs the device flow end to end: request a device code, prompt
// the user, poll the token endpoint, capture the optional user-info api_key,
// and persist the credential.
func (p *OAuthProvider) Authorize(ctx context.Context) error {
	cfg := p.oauthConfig()

	da, err := cfg.DeviceAuth(ctx)
	if err != nil {
		return proxyerrors.NewAuthError("", "", "device code request failed: "+err.Error())
	}

	url := da.VerificationURIComplete
	if url == "" {
		url = da.VerificationURI
	}
	p.Prompt(url, da.UserCode)

	granted, err := cfg.DeviceAccessToken(ctx, da)
	if err != nil {
		return proxyerrors.NewAuthError("", "", "device authorization failed: "+err.Error())
	}

	token := &Token{
		AccessToken:  granted.AccessToken,
		RefreshToken: granted.RefreshToken,
		TokenType:    granted.TokenType,
	}
	if !granted.Expiry.IsZero() {
		token.ExpiresAt = granted.Expiry.Unix()
	}

	if p.app.UserInfoURL != "" {
		if apiKey, err := p.fetchAPIKey(ctx, granted.AccessToken); err == nil && apiKey != "" {
			token.APIKey = apiKey
			token.Type = tokenTypeNoRefresh
		} else if err != nil && p.logger != nil {
			p.logger.Warn("user-info api_key fetch failed", "error", err)
		}
	}

	if err := SaveToken(p.tokenPath, token); err != nil {
		return proxyerrors.NewAuthError("", "", "persist oauth token: "+err.Error())
	}

	p.mu.Lock()
	p.token = token
	p.mu.Unlock()
	return nil
}

// fetchAPIKey calls the user-info endpoint and extracts a stable api_key.
func (p *OAuthProvider) fetchAPIKey(ctx context.Context, accessToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.app.UserInfoURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set(defaultHeaderName, defaultHeaderPrefix+accessToken)

	resp, err := p.hc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("user-info endpoint returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}

	var info struct {
		APIKey string `json:"api_key"`
		Data   struct {
			APIKey string `json:"api_key"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return "", err
	}
	return firstNonEmpty(info.APIKey, info.Data.APIKey), nil
}

// SetClock replaces the time source, for tests.
func (p *OAuthProvider) SetClock(clock func() time.Time) {
	p.clock = clock
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
