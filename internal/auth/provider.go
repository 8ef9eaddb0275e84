// Package auth produces per-request authentication headers for upstream
// providers. Three variants exist: static API keys, plaintext auth files,
// and OAuth device-flow credentials with persisted token files.
package auth

import (
	"context"
	"os"
	"strings"

	proxyerrors "github.com/Jasonzhangf/routecodex/pkg/errors"
)

// Provider builds auth headers and refreshes credentials.
type Provider interface {
	// Headers returns the headers to attach to an upstream request.
	Headers(ctx context.Context) (map[string]string, error)

	// Refresh renews the credential. For static keys this only revalidates.
	Refresh(ctx context.Context) error
}

const (
	defaultHeaderName   = "Authorization"
	defaultHeaderPrefix = "Bearer "
)

// APIKeyProvider holds a static key.
type APIKeyProvider struct {
	key    string
	header string
	prefix string
}

// NewAPIKeyProvider creates a static key provider. Empty header name and
// prefix fall back to standard bearer auth.
func NewAPIKeyProvider(key, headerName, headerPrefix string) *APIKeyProvider {
	if headerName == "" {
		headerName = defaultHeaderName
		if headerPrefix == "" {
			headerPrefix = defaultHeaderPrefix
		}
	}
	return &APIKeyProvider{key: key, header: headerName, prefix: headerPrefix}
}

// Headers implements Provider.
func (p *APIKeyProvider) Headers(_ context.Context) (map[string]string, error) {
	if p.key == "" {
		return nil, proxyerrors.NewAuthError("", "", "api key is empty")
	}
	return map[string]string{p.header: p.prefix + p.key}, nil
}

// Refresh implements Provider. Static keys only revalidate.
func (p *APIKeyProvider) Refresh(_ context.Context) error {
	if p.key == "" {
		return proxyerrors.NewAuthError("", "", "api key is empty")
	}
	return nil
}

// AuthFileProvider reads a plaintext key from a file on every request, so
// key rotation needs no reload.
type AuthFileProvider struct {
	path   string
	header string
	prefix string
}

// NewAuthFileProvider creates a file-backed key provider.
func NewAuthFileProvider(path, headerName, headerPrefix string) *AuthFileProvider {
	if headerName == "" {
		headerName = defaultHeaderName
		if headerPrefix == "" {
			headerPrefix = defaultHeaderPrefix
		}
	}
	return &AuthFileProvider{path: path, header: headerName, prefix: headerPrefix}
}

// Headers implements Provider.
func (p *AuthFileProvider) Headers(_ context.Context) (map[string]string, error) {
	key, err := p.read()
	if err != nil {
		return nil, err
	}
	return map[string]string{p.header: p.prefix + key}, nil
}

// Refresh implements Provider. Re-reads the file to validate it.
func (p *AuthFileProvider) Refresh(_ context.Context) error {
	_, err := p.read()
	return err
}

func (p *AuthFileProvider) read() (string, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return "", proxyerrors.NewAuthError("", "", "read auth file: "+err.Error())
	}
	key := strings.TrimSpace(string(data))
	if key == "" {
		return "", proxyerrors.NewAuthError("", "", "auth file is empty: "+p.path)
	}
	return key, nil
}
