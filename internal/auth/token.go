package auth

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
)

// expiryMargin is subtracted from the token deadline so refreshes happen
// before the upstream starts rejecting.
const expiryMargin = 5 * time.Minute

// tokenTypeNoRefresh marks a credential whose api_key is stable; the access
// token is never refreshed again.
const tokenTypeNoRefresh = "norefresh"

// Token is the persisted OAuth credential file.
type Token struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresAt    int64  `json:"expires_at,omitempty"` // unix seconds
	TokenType    string `json:"token_type,omitempty"`
	Scope        string `json:"scope,omitempty"`

	// APIKey is a long-lived key captured post-authorization (Qwen).
	APIKey string `json:"api_key,omitempty"`

	// Type is "norefresh" when APIKey supersedes the access token.
	Type string `json:"type,omitempty"`
}

// ExpiresSoon reports whether the access token is within the refresh margin
// of its deadline. Tokens without a deadline never expire.
func (t *Token) ExpiresSoon(now time.Time) bool {
	if t.ExpiresAt == 0 {
		return false
	}
	return now.Add(expiryMargin).Unix() >= t.ExpiresAt
}

// NoRefresh reports whether this credential must not be refreshed.
func (t *Token) NoRefresh() bool {
	return t.Type == tokenTypeNoRefresh && t.APIKey != ""
}

// BearerValue returns the value to present as the bearer credential,
// preferring a stable api_key over the short-lived access token.
func (t *Token) BearerValue() string {
	if t.APIKey != "" {
		return t.APIKey
	}
	return t.AccessToken
}

// TokenFilePath builds the auth-file path for an OAuth credential.
func TokenFilePath(dir, oauthProvider, providerID, alias string) string {
	return filepath.Join(dir, fmt.Sprintf("%s-oauth-%s-%s.json", oauthProvider, providerID, alias))
}

// LoadToken reads a token file.
func LoadToken(path string) (*Token, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var t Token
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse token file %s: %w", path, err)
	}
	return &t, nil
}

// SaveToken writes a token file atomically: temp file in the same directory,
// fsync, rename. Mode 0600 since the file holds credentials.
func SaveToken(path string, t *Token) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".token-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}
