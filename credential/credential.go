// Package credential defines the OAuth access/refresh token pair the bot
// authenticates with and the stores that persist it between runs.
package credential

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Store.Load when nothing has been saved yet.
var ErrNotFound = errors.New("credential: not found")

// Credential is an OAuth2 user access token pair. A zero ExpiresAt means the
// expiry is unknown (tokens saved by older versions without expires_at).
type Credential struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scopes       []string
}

// ValidAt reports whether the access token is usable at now with at least
// margin of lifetime left.
func (c Credential) ValidAt(now time.Time, margin time.Duration) bool {
	if c.AccessToken == "" || c.ExpiresAt.IsZero() {
		return false
	}
	return c.ExpiresAt.After(now.Add(margin))
}

// Refreshable reports whether a refresh grant can be attempted.
func (c Credential) Refreshable() bool { return c.RefreshToken != "" }

// IsZero reports whether c holds no tokens at all.
func (c Credential) IsZero() bool { return c.AccessToken == "" && c.RefreshToken == "" }

// Store persists a single Credential.
type Store interface {
	Load(ctx context.Context) (Credential, error)
	Save(ctx context.Context, c Credential) error
	Clear(ctx context.Context) error
}
