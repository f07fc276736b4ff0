// Package bot is the owning process of the EventSub session: it authorizes,
// resolves the broadcaster, runs the session and restarts it with backoff
// when it terminates, re-authorizing after a revocation.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"

	"github.com/onnwee/soundbot/credential"
	"github.com/onnwee/soundbot/eventsub"
)

// Auth is the credential surface the supervisor drives. *auth.Manager
// satisfies it.
type Auth interface {
	Authorize(ctx context.Context) (credential.Credential, error)
	Current(ctx context.Context) (credential.Credential, error)
	Refresh(ctx context.Context) error
	OnRevocationNotice(ctx context.Context) error
	Revoked() bool
}

// Users resolves a broadcaster login to its numeric id.
type Users interface {
	GetUserID(ctx context.Context, login string) (string, error)
}

type Config struct {
	// Broadcaster is a login name or a numeric user id.
	Broadcaster string
	// Types defaults to channel point redemptions.
	Types   []eventsub.SubscriptionType
	Session eventsub.SessionConfig
	// NewBackOff builds the restart schedule. Defaults to exponential capped
	// at five minutes.
	NewBackOff func() backoff.BackOff
	Clock      clockwork.Clock
	// ActivePlaybacks reports running playbacks for the status page.
	ActivePlaybacks func() int
	// Sounds lists the playable sound names for the status page.
	Sounds func() ([]string, error)
}

// Bot supervises one logical subscription for one broadcaster.
type Bot struct {
	cfg       Config
	auth      Auth
	users     Users
	dialer    eventsub.Dialer
	handler   eventsub.Handler
	registrar *eventsub.Registrar
	clock     clockwork.Clock

	mu       sync.RWMutex
	session  *eventsub.Session
	targetID string
	restarts int
	lastErr  error
}

// New wires a Bot. api creates the subscriptions; handler receives every
// notification.
func New(cfg Config, a Auth, users Users, api eventsub.API, dialer eventsub.Dialer, handler eventsub.Handler) *Bot {
	if len(cfg.Types) == 0 {
		cfg.Types = []eventsub.SubscriptionType{eventsub.ChannelPointsRedemptionAdd}
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Session.Clock == nil {
		cfg.Session.Clock = cfg.Clock
	}
	if cfg.NewBackOff == nil {
		cfg.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 2 * time.Second
			b.MaxInterval = 5 * time.Minute
			return b
		}
	}
	return &Bot{
		cfg:       cfg,
		auth:      a,
		users:     users,
		dialer:    dialer,
		handler:   handler,
		registrar: eventsub.NewRegistrar(api),
		clock:     cfg.Clock,
	}
}

// Run blocks until ctx is cancelled or authorization fails. A cancelled
// context returns nil.
func (b *Bot) Run(ctx context.Context) error {
	log := slog.Default().With(slog.String("component", "bot"))

	if _, err := b.auth.Authorize(ctx); err != nil {
		return fmt.Errorf("authorize: %w", err)
	}
	target, err := b.resolveTarget(ctx)
	if err != nil {
		return fmt.Errorf("resolve broadcaster %q: %w", b.cfg.Broadcaster, err)
	}
	b.mu.Lock()
	b.targetID = target
	b.mu.Unlock()
	log.Info("monitoring broadcaster", slog.String("broadcaster", b.cfg.Broadcaster), slog.String("broadcaster_id", target))

	binding := b.registrar.Bind(target, b.cfg.Types...)
	bo := b.cfg.NewBackOff()
	for {
		reachedActive := false
		scfg := b.cfg.Session
		userHook := scfg.OnStateChange
		scfg.OnStateChange = func(from, to eventsub.State) {
			if to == eventsub.StateActive {
				reachedActive = true
			}
			if userHook != nil {
				userHook(from, to)
			}
		}
		session := eventsub.NewSession(scfg, b.dialer, b.auth, binding, b.handler)
		b.mu.Lock()
		b.session = session
		b.mu.Unlock()

		err := session.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		b.mu.Lock()
		b.lastErr = err
		b.restarts++
		b.mu.Unlock()

		if reachedActive {
			bo.Reset()
		}
		if b.auth.Revoked() {
			log.Warn("authorization revoked, authorizing again", slog.Any("err", err))
			if _, aerr := b.auth.Authorize(ctx); aerr != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("re-authorize: %w", aerr)
			}
		}

		wait := bo.NextBackOff()
		log.Warn("session terminated, restarting", slog.Any("err", err), slog.Duration("retry_in", wait))
		select {
		case <-ctx.Done():
			return nil
		case <-b.clock.After(wait):
		}
	}
}

func (b *Bot) resolveTarget(ctx context.Context) (string, error) {
	if _, err := strconv.ParseUint(b.cfg.Broadcaster, 10, 64); err == nil {
		return b.cfg.Broadcaster, nil
	}
	if b.users == nil {
		return "", errors.New("broadcaster is not numeric and no user lookup is configured")
	}
	return b.users.GetUserID(ctx, b.cfg.Broadcaster)
}

// Ready returns nil while the credential is usable and the session is active.
func (b *Bot) Ready(ctx context.Context) error {
	if b.auth.Revoked() {
		return errors.New("authorization revoked")
	}
	b.mu.RLock()
	s := b.session
	b.mu.RUnlock()
	if s == nil {
		return errors.New("session not started")
	}
	if st := s.State(); st != eventsub.StateActive {
		return fmt.Errorf("session %s", st)
	}
	return nil
}

// Status is the /status document.
type Status struct {
	Broadcaster         string                  `json:"broadcaster"`
	BroadcasterID       string                  `json:"broadcaster_id,omitempty"`
	SessionState        string                  `json:"session_state"`
	Session             *eventsub.Handle        `json:"session,omitempty"`
	Subscriptions       []eventsub.Subscription `json:"subscriptions"`
	Restarts            int                     `json:"restarts"`
	LastError           string                  `json:"last_error,omitempty"`
	Authorized          bool                    `json:"authorized"`
	CredentialExpiresAt *time.Time              `json:"credential_expires_at,omitempty"`
	ActivePlaybacks     int                     `json:"active_playbacks"`
	Sounds              []string                `json:"sounds"`
	SoundsError         string                  `json:"sounds_error,omitempty"`
}

// Snapshot reports the supervisor's view of the session and credential.
func (b *Bot) Snapshot(ctx context.Context) Status {
	b.mu.RLock()
	st := Status{
		Broadcaster:   b.cfg.Broadcaster,
		BroadcasterID: b.targetID,
		Restarts:      b.restarts,
		SessionState:  "not_started",
		Subscriptions: b.registrar.Snapshot(),
	}
	if b.lastErr != nil {
		st.LastError = b.lastErr.Error()
	}
	s := b.session
	b.mu.RUnlock()

	if s != nil {
		st.SessionState = s.State().String()
		if h, ok := s.Handle(); ok {
			st.Session = &h
		}
	}
	if c, err := b.auth.Current(ctx); err == nil {
		st.Authorized = true
		exp := c.ExpiresAt
		st.CredentialExpiresAt = &exp
	}
	if b.cfg.ActivePlaybacks != nil {
		st.ActivePlaybacks = b.cfg.ActivePlaybacks()
	}
	if b.cfg.Sounds != nil {
		names, err := b.cfg.Sounds()
		if err != nil {
			st.SoundsError = err.Error()
		}
		st.Sounds = names
	}
	return st
}

// Status returns Snapshot for the HTTP status page.
func (b *Bot) Status(ctx context.Context) any { return b.Snapshot(ctx) }
