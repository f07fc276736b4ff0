// Package auth keeps the broadcaster's Twitch user access token valid. It
// performs the one-time authorization code grant, refreshes the token before
// it expires and reacts to revocation by forcing a new authorization.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/twitch"
	"golang.org/x/sync/singleflight"

	"github.com/onnwee/soundbot/credential"
	"github.com/onnwee/soundbot/telemetry"
	"github.com/onnwee/soundbot/twitchapi"
)

// ScopeChannelReadRedemptions is the only scope the bot needs.
const ScopeChannelReadRedemptions = "channel:read:redemptions"

const (
	defaultRefreshMargin   = 2 * time.Minute
	minRefreshMargin       = time.Minute
	defaultRefreshAttempts = 4
	// Used when the token endpoint omits expires_in.
	defaultTokenLifetime = time.Hour
)

// Config holds the client registration and tuning for a Manager.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       []string
	// AuthBaseURL overrides https://id.twitch.tv/oauth2 (tests).
	AuthBaseURL string
	// RefreshMargin is the minimum remaining lifetime of a credential handed
	// to callers. Values below one minute are raised to one minute.
	RefreshMargin   time.Duration
	RefreshAttempts int
	HTTPClient      *http.Client
	Clock           clockwork.Clock
	// NewBackOff builds the refresh retry schedule. Defaults to exponential.
	NewBackOff func() backoff.BackOff
}

// CodeReceiver presents the authorization URL to the user and returns the
// code from the redirect that carries state.
type CodeReceiver interface {
	Receive(ctx context.Context, authURL, state string) (code string, err error)
}

// Manager owns the Credential. It is safe for concurrent use.
type Manager struct {
	cfg      Config
	oauth    *oauth2.Config
	store    credential.Store
	receiver CodeReceiver
	clock    clockwork.Clock

	sf singleflight.Group

	mu      sync.RWMutex
	cred    credential.Credential
	revoked bool
}

// NewManager returns a Manager persisting through store and obtaining codes
// through receiver.
func NewManager(cfg Config, store credential.Store, receiver CodeReceiver) *Manager {
	if cfg.RefreshMargin == 0 {
		cfg.RefreshMargin = defaultRefreshMargin
	}
	if cfg.RefreshMargin < minRefreshMargin {
		cfg.RefreshMargin = minRefreshMargin
	}
	if cfg.RefreshAttempts <= 0 {
		cfg.RefreshAttempts = defaultRefreshAttempts
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{ScopeChannelReadRedemptions}
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.NewBackOff == nil {
		cfg.NewBackOff = func() backoff.BackOff { return backoff.NewExponentialBackOff() }
	}
	endpoint := twitch.Endpoint
	if cfg.AuthBaseURL != "" {
		base := strings.TrimRight(cfg.AuthBaseURL, "/")
		endpoint = oauth2.Endpoint{
			AuthURL:   base + "/authorize",
			TokenURL:  base + "/token",
			AuthStyle: oauth2.AuthStyleInParams,
		}
	}
	return &Manager{
		cfg: cfg,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       cfg.Scopes,
			Endpoint:     endpoint,
		},
		store:    store,
		receiver: receiver,
		clock:    cfg.Clock,
	}
}

func (m *Manager) httpContext(ctx context.Context) context.Context {
	if m.cfg.HTTPClient != nil {
		return context.WithValue(ctx, oauth2.HTTPClient, m.cfg.HTTPClient)
	}
	return ctx
}

// Authorize returns a usable Credential, running the authorization code grant
// only when storage holds nothing usable. A stored credential is usable when
// it is valid or can be refreshed.
func (m *Manager) Authorize(ctx context.Context) (credential.Credential, error) {
	v, err, _ := m.sf.Do("authorize", func() (any, error) {
		return m.authorize(ctx)
	})
	if err != nil {
		return credential.Credential{}, err
	}
	return v.(credential.Credential), nil
}

func (m *Manager) authorize(ctx context.Context) (credential.Credential, error) {
	log := slog.Default().With(slog.String("component", "auth"))

	m.mu.RLock()
	revoked := m.revoked
	m.mu.RUnlock()

	if !revoked {
		stored, err := m.store.Load(ctx)
		switch {
		case errors.Is(err, credential.ErrNotFound):
		case err != nil:
			log.Warn("stored credential unreadable, authorizing again", slog.Any("err", err))
		default:
			c, err := m.adopt(ctx, stored)
			if err == nil {
				return c, nil
			}
			if !errors.Is(err, ErrRefreshRevoked) {
				return credential.Credential{}, fmt.Errorf("%w: %w", ErrTransportFailure, err)
			}
			log.Info("stored credential revoked, authorizing again")
		}
	}
	return m.exchange(ctx)
}

// adopt makes a stored credential current, validating legacy tokens with an
// unknown expiry and refreshing stale ones.
func (m *Manager) adopt(ctx context.Context, stored credential.Credential) (credential.Credential, error) {
	now := m.clock.Now()
	if stored.ExpiresAt.IsZero() && stored.AccessToken != "" {
		res, err := twitchapi.ValidateToken(ctx, m.cfg.HTTPClient, m.cfg.AuthBaseURL, stored.AccessToken)
		switch {
		case err == nil:
			stored.ExpiresAt = res.ExpiresAt(now)
			if len(res.Scopes) > 0 {
				stored.Scopes = res.Scopes
			}
		case twitchapi.StatusCode(err) == http.StatusUnauthorized:
			// expired or invalid, leave ExpiresAt zero so it refreshes
		default:
			return credential.Credential{}, fmt.Errorf("validate stored token: %w", err)
		}
	}
	if stored.ValidAt(now, m.cfg.RefreshMargin) {
		m.publish(stored)
		return stored, nil
	}
	if !stored.Refreshable() {
		return credential.Credential{}, ErrRefreshRevoked
	}
	m.publish(stored)
	return m.refresh(ctx, stored.AccessToken, true)
}

func (m *Manager) exchange(ctx context.Context) (credential.Credential, error) {
	if m.receiver == nil {
		return credential.Credential{}, errors.New("auth: no code receiver configured")
	}
	state := uuid.NewString()
	authURL := m.oauth.AuthCodeURL(state, oauth2.SetAuthURLParam("force_verify", "true"))

	code, err := m.receiver.Receive(ctx, authURL, state)
	if err != nil {
		return credential.Credential{}, err
	}
	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerAuth, "auth.exchange")
	defer span.End()

	tok, err := m.oauth.Exchange(m.httpContext(ctx), code)
	if err != nil {
		telemetry.RecordError(span, err)
		return credential.Credential{}, fmt.Errorf("%w: code exchange: %w", ErrTransportFailure, err)
	}
	c := m.fromToken(tok, credential.Credential{})
	if err := m.store.Save(ctx, c); err != nil {
		telemetry.RecordError(span, err)
		return credential.Credential{}, fmt.Errorf("persist credential: %w", err)
	}
	m.mu.Lock()
	m.cred = c
	m.revoked = false
	m.mu.Unlock()

	telemetry.Inc(telemetry.Authorizations)
	telemetry.SetSpanSuccess(span)
	slog.Info("authorization complete", slog.Time("expires_at", c.ExpiresAt), slog.String("component", "auth"))
	return c, nil
}

func (m *Manager) publish(c credential.Credential) {
	m.mu.Lock()
	m.cred = c
	m.revoked = false
	m.mu.Unlock()
}

// Current returns a Credential with at least the refresh margin of lifetime
// left, refreshing transparently when needed.
func (m *Manager) Current(ctx context.Context) (credential.Credential, error) {
	m.mu.RLock()
	c, revoked := m.cred, m.revoked
	m.mu.RUnlock()
	if revoked {
		return credential.Credential{}, ErrRefreshRevoked
	}
	if c.IsZero() {
		return credential.Credential{}, ErrNotAuthorized
	}
	if c.ValidAt(m.clock.Now(), m.cfg.RefreshMargin) {
		return c, nil
	}
	return m.refresh(ctx, c.AccessToken, false)
}

// Refresh forces a refresh regardless of the cached expiry. Used after Helix
// rejects the access token.
func (m *Manager) Refresh(ctx context.Context) error {
	m.mu.RLock()
	c, revoked := m.cred, m.revoked
	m.mu.RUnlock()
	if revoked {
		return ErrRefreshRevoked
	}
	if c.IsZero() {
		return ErrNotAuthorized
	}
	_, err := m.refresh(ctx, c.AccessToken, true)
	return err
}

// AccessToken returns the bearer for Helix requests.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	c, err := m.Current(ctx)
	if err != nil {
		return "", err
	}
	return c.AccessToken, nil
}

// OnRevocationNotice drops the cached credential and clears storage. Until
// the next Authorize, Current returns ErrRefreshRevoked without a network
// call.
func (m *Manager) OnRevocationNotice(ctx context.Context) error {
	m.mu.Lock()
	m.cred = credential.Credential{}
	m.revoked = true
	m.mu.Unlock()
	telemetry.IncTokenRefresh("revoked")
	slog.Warn("authorization revoked, credential cleared", slog.String("component", "auth"))
	if err := m.store.Clear(ctx); err != nil {
		return fmt.Errorf("clear credential: %w", err)
	}
	return nil
}

// Revoked reports whether a revocation is pending re-authorization.
func (m *Manager) Revoked() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.revoked
}

// refresh runs at most one refresh at a time. Callers that raced on the same
// stale token share the result. staleAccess is the token the caller saw; if
// another refresh already replaced it with a valid one, that one is returned.
func (m *Manager) refresh(ctx context.Context, staleAccess string, force bool) (credential.Credential, error) {
	v, err, _ := m.sf.Do("refresh", func() (any, error) {
		m.mu.RLock()
		c, revoked := m.cred, m.revoked
		m.mu.RUnlock()
		if revoked {
			return credential.Credential{}, ErrRefreshRevoked
		}
		if c.AccessToken != staleAccess && c.ValidAt(m.clock.Now(), m.cfg.RefreshMargin) {
			return c, nil
		}
		if !force && c.ValidAt(m.clock.Now(), m.cfg.RefreshMargin) {
			return c, nil
		}
		if !c.Refreshable() {
			return credential.Credential{}, m.revoke(ctx, errors.New("no refresh token"))
		}
		return m.doRefresh(ctx, c)
	})
	if err != nil {
		return credential.Credential{}, err
	}
	return v.(credential.Credential), nil
}

func (m *Manager) doRefresh(ctx context.Context, prev credential.Credential) (credential.Credential, error) {
	log := slog.Default().With(slog.String("component", "auth"))
	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerAuth, "auth.refresh",
		attribute.Int("max_attempts", m.cfg.RefreshAttempts))
	defer span.End()

	start := time.Now()
	op := func() (*oauth2.Token, error) {
		src := m.oauth.TokenSource(m.httpContext(ctx), &oauth2.Token{RefreshToken: prev.RefreshToken})
		tok, err := src.Token()
		if err != nil && isRevocation(err) {
			return nil, backoff.Permanent(fmt.Errorf("%w: %w", ErrRefreshRevoked, err))
		}
		return tok, err
	}
	tok, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(m.cfg.NewBackOff()),
		backoff.WithMaxTries(uint(m.cfg.RefreshAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn("token refresh failed, retrying", slog.Any("err", err), slog.Duration("next", next))
		}),
	)
	if telemetry.RefreshDuration != nil {
		telemetry.RefreshDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		telemetry.RecordError(span, err)
		if errors.Is(err, ErrRefreshRevoked) {
			return credential.Credential{}, m.revoke(ctx, err)
		}
		telemetry.IncTokenRefresh("failed")
		if ctx.Err() != nil {
			return credential.Credential{}, ctx.Err()
		}
		return credential.Credential{}, fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}

	c := m.fromToken(tok, prev)
	m.mu.Lock()
	if m.revoked {
		// a revocation notice landed while the grant was in flight
		m.mu.Unlock()
		telemetry.RecordError(span, ErrRefreshRevoked)
		return credential.Credential{}, ErrRefreshRevoked
	}
	if err := m.store.Save(ctx, c); err != nil {
		m.mu.Unlock()
		telemetry.RecordError(span, err)
		telemetry.IncTokenRefresh("failed")
		return credential.Credential{}, fmt.Errorf("%w: persist credential: %w", ErrRefreshFailed, err)
	}
	m.cred = c
	m.mu.Unlock()

	// The rotated refresh token is kept, but a token this short-lived is
	// never handed out.
	if !c.ValidAt(m.clock.Now(), m.cfg.RefreshMargin) {
		err := fmt.Errorf("%w: issued token expires at %s, inside the %s refresh margin",
			ErrRefreshFailed, c.ExpiresAt.Format(time.RFC3339), m.cfg.RefreshMargin)
		telemetry.RecordError(span, err)
		telemetry.IncTokenRefresh("failed")
		return credential.Credential{}, err
	}

	telemetry.IncTokenRefresh("success")
	telemetry.SetSpanSuccess(span)
	log.Info("token refreshed", slog.Time("expires_at", c.ExpiresAt))
	return c, nil
}

// revoke records an irrecoverable refresh failure.
func (m *Manager) revoke(ctx context.Context, cause error) error {
	m.mu.Lock()
	m.cred = credential.Credential{}
	m.revoked = true
	m.mu.Unlock()
	telemetry.IncTokenRefresh("revoked")
	slog.Warn("refresh token rejected, re-authorization required", slog.Any("err", cause), slog.String("component", "auth"))
	if err := m.store.Clear(ctx); err != nil {
		slog.Warn("failed to clear stored credential", slog.Any("err", err), slog.String("component", "auth"))
	}
	if errors.Is(cause, ErrRefreshRevoked) {
		return cause
	}
	return fmt.Errorf("%w: %w", ErrRefreshRevoked, cause)
}

// fromToken converts a token response, keeping prev's refresh token and
// scopes when the response omits them.
func (m *Manager) fromToken(tok *oauth2.Token, prev credential.Credential) credential.Credential {
	now := m.clock.Now()
	c := credential.Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Scopes:       scopesOf(tok),
	}
	switch secs := expiresIn(tok); {
	case secs > 0:
		c.ExpiresAt = now.Add(time.Duration(secs) * time.Second)
	case !tok.Expiry.IsZero():
		c.ExpiresAt = now.Add(time.Until(tok.Expiry))
	default:
		c.ExpiresAt = now.Add(defaultTokenLifetime)
	}
	if c.RefreshToken == "" {
		c.RefreshToken = prev.RefreshToken
	}
	if len(c.Scopes) == 0 {
		c.Scopes = prev.Scopes
	}
	return c
}

func expiresIn(tok *oauth2.Token) int64 {
	switch v := tok.Extra("expires_in").(type) {
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	}
	return 0
}

// Twitch returns scope as a JSON array.
func scopesOf(tok *oauth2.Token) []string {
	switch v := tok.Extra("scope").(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, s := range v {
			if str, ok := s.(string); ok {
				out = append(out, str)
			}
		}
		return out
	case string:
		return strings.Fields(v)
	}
	return nil
}
