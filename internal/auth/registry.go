package auth

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/Jasonzhangf/routecodex/internal/config"
	proxyerrors "github.com/Jasonzhangf/routecodex/pkg/errors"
)

// Registry builds and caches auth providers per (provider, key alias).
// OAuth providers must be shared so refresh coalescing works across
// requests.
type Registry struct {
	authDir string
	logger  *slog.Logger

	mu        sync.Mutex
	providers map[string]Provider
}

// NewRegistry creates an auth registry rooted at authDir. An empty dir
// defaults to ~/.routecodex/auth.
func NewRegistry(authDir string, logger *slog.Logger) *Registry {
	if authDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			authDir = filepath.Join(home, ".routecodex", "auth")
		}
	}
	return &Registry{
		authDir:   authDir,
		logger:    logger,
		providers: make(map[string]Provider),
	}
}

// For resolves the auth provider for a key binding.
func (r *Registry) For(providerID, alias string, kb config.KeyBinding) (Provider, error) {
	cacheKey := providerID + "." + alias

	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.providers[cacheKey]; ok {
		return p, nil
	}

	p, err := r.build(providerID, kb)
	if err != nil {
		return nil, err
	}
	r.providers[cacheKey] = p
	return p, nil
}

func (r *Registry) build(providerID string, kb config.KeyBinding) (Provider, error) {
	switch kb.Type {
	case "apikey":
		return NewAPIKeyProvider(kb.APIKey, kb.HeaderName, kb.HeaderPrefix), nil

	case "authfile":
		return NewAuthFileProvider(kb.File, kb.HeaderName, kb.HeaderPrefix), nil

	case "oauth":
		app, ok := AppConfigFor(kb.OAuthProvider)
		if !ok {
			return nil, proxyerrors.NewAuthError(providerID, "",
				"unknown oauth provider "+kb.OAuthProvider)
		}
		path := TokenFilePath(r.authDir, kb.OAuthProvider, providerID, kb.OAuthAlias)
		return NewOAuthProvider(app, path, r.logger), nil
	}

	return nil, proxyerrors.NewAuthError(providerID, "", "unknown key binding type "+kb.Type)
}

// IsOAuth reports whether a binding uses OAuth credentials. The provider
// adapter uses this to decide the 401 refresh-retry path.
func IsOAuth(kb config.KeyBinding) bool {
	return kb.Type == "oauth"
}
