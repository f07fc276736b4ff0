// Package eventsub maintains a Twitch EventSub WebSocket session: the welcome
// handshake, keepalive deadlines, server-initiated reconnects and revocations,
// plus the registrar that keeps the session's subscriptions in place.
package eventsub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"

	"github.com/onnwee/soundbot/telemetry"
)

// DefaultURL is the production EventSub WebSocket endpoint.
const DefaultURL = "wss://eventsub.wss.twitch.tv/ws"

const (
	defaultKeepaliveGrace       = 1.5
	defaultWelcomeTimeout       = 10 * time.Second
	defaultDialTimeout          = 15 * time.Second
	defaultMaxReconnectAttempts = 10
)

var (
	// ErrHandshakeFailed means no session_welcome arrived as the first frame
	// within the welcome timeout.
	ErrHandshakeFailed = errors.New("eventsub: handshake failed")
	// ErrTerminated is returned by Run when the session reached Closed.
	ErrTerminated = errors.New("eventsub: session terminated")
	// ErrRevoked means every subscription of the session was revoked.
	ErrRevoked = errors.New("eventsub: subscriptions revoked")
)

// State is the session's protocol state.
type State int

const (
	StateConnecting State = iota
	StateWelcomed
	StateActive
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateWelcomed:
		return "welcomed"
	case StateActive:
		return "active"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Handle identifies the live session. It is replaced on every welcome.
type Handle struct {
	ID                string        `json:"id"`
	KeepaliveInterval time.Duration `json:"keepalive_interval"`
	EstablishedAt     time.Time     `json:"established_at"`
}

// Authenticator is the slice of the auth manager the session drives.
type Authenticator interface {
	Refresh(ctx context.Context) error
	OnRevocationNotice(ctx context.Context) error
	// Revoked reports that the credential can no longer be refreshed and
	// the user has to authorize again.
	Revoked() bool
}

// Subscriber keeps the desired subscriptions enabled for a session.
type Subscriber interface {
	Ensure(ctx context.Context, sessionID string) error
	// MarkRevoked returns how many subscriptions remain enabled.
	MarkRevoked(subscriptionID, subType string) int
}

// Handler receives notifications in arrival order on the session goroutine.
// It must not block.
type Handler func(ctx context.Context, n Notification)

// SessionConfig tunes a Session. Zero values take defaults.
type SessionConfig struct {
	URL                  string
	KeepaliveGrace       float64
	WelcomeTimeout       time.Duration
	DialTimeout          time.Duration
	MaxReconnectAttempts int
	Clock                clockwork.Clock
	NewBackOff           func() backoff.BackOff
	OnStateChange        func(from, to State)
}

// Session runs one logical EventSub session across reconnects.
type Session struct {
	cfg     SessionConfig
	dialer  Dialer
	auth    Authenticator
	subs    Subscriber
	handler Handler
	clock   clockwork.Clock
	seen    *dedup

	mu     sync.RWMutex
	state  State
	handle Handle
}

// NewSession wires a session. Run starts it.
func NewSession(cfg SessionConfig, dialer Dialer, auth Authenticator, subs Subscriber, handler Handler) *Session {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.KeepaliveGrace < 1 {
		cfg.KeepaliveGrace = defaultKeepaliveGrace
	}
	if cfg.WelcomeTimeout <= 0 {
		cfg.WelcomeTimeout = defaultWelcomeTimeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.NewBackOff == nil {
		cfg.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = 2 * time.Minute
			return b
		}
	}
	return &Session{
		cfg:     cfg,
		dialer:  dialer,
		auth:    auth,
		subs:    subs,
		handler: handler,
		clock:   cfg.Clock,
		seen:    newDedup(1024),
		state:   StateConnecting,
	}
}

// State returns the current protocol state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Handle returns the live session handle, if any.
func (s *Session) Handle() (Handle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handle, s.handle.ID != ""
}

func (s *Session) setState(to State) {
	s.mu.Lock()
	from := s.state
	s.state = to
	if to != StateWelcomed && to != StateActive {
		s.handle = Handle{}
	}
	s.mu.Unlock()
	if from == to {
		return
	}
	telemetry.SetGauge(telemetry.SessionStateGauge, float64(to))
	slog.Debug("session state", slog.String("from", from.String()), slog.String("to", to.String()), slog.String("component", "eventsub"))
	if s.cfg.OnStateChange != nil {
		s.cfg.OnStateChange(from, to)
	}
}

func (s *Session) setHandle(h Handle) {
	s.mu.Lock()
	s.handle = h
	s.mu.Unlock()
}

type outcomeKind int

const (
	outcomeDone outcomeKind = iota
	outcomeKeepalive
	outcomeTransport
	outcomeServerReconnect
	outcomeRevoked
)

type outcome struct {
	kind outcomeKind
	url  string
	err  error
}

// Run drives the state machine until ctx is cancelled or the session closes.
// A closed session returns an error matching ErrTerminated together with
// ErrRevoked or ErrHandshakeFailed. A connection attempt that fails after
// the credential was revoked closes the session at once with ErrRevoked.
func (s *Session) Run(ctx context.Context) error {
	log := slog.Default().With(slog.String("component", "eventsub"))
	defer s.setState(StateClosed)

	url := s.cfg.URL
	var (
		prev      *connection // open until the replacement's welcome
		attempts  int
		bo        = s.cfg.NewBackOff()
		connected bool
	)
	for {
		s.setState(StateConnecting)
		conn, handle, err := s.connect(ctx, url, prev)
		if err == nil {
			s.setHandle(handle)
			s.setState(StateWelcomed)
			if err = s.ensure(ctx, handle.ID); err != nil {
				conn.close()
				err = fmt.Errorf("subscribe: %w", err)
			}
		}
		if prev != nil {
			prev.close()
			prev = nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// no reconnect can succeed until the user authorizes again
			if s.auth.Revoked() {
				return fmt.Errorf("%w: %w: %w", ErrTerminated, ErrRevoked, err)
			}
			if !connected {
				return fmt.Errorf("%w: %w", ErrTerminated, wrapHandshake(err))
			}
			attempts++
			if attempts > s.cfg.MaxReconnectAttempts {
				return fmt.Errorf("%w: reconnect attempts exhausted: %w", ErrTerminated, wrapHandshake(err))
			}
			s.setState(StateReconnecting)
			wait := bo.NextBackOff()
			log.Warn("reconnect failed", slog.Int("attempt", attempts), slog.Duration("retry_in", wait), slog.Any("err", err))
			// a dead reconnect_url falls back to the configured endpoint
			url = s.cfg.URL
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.clock.After(wait):
			}
			continue
		}

		connected = true
		attempts = 0
		bo.Reset()
		s.setState(StateActive)
		log.Info("session active", slog.String("session_id", handle.ID), slog.Duration("keepalive", handle.KeepaliveInterval))

		out := s.active(ctx, conn, handle)
		if out.kind != outcomeDone && out.kind != outcomeRevoked {
			s.setState(StateReconnecting)
		}
		switch out.kind {
		case outcomeDone:
			conn.close()
			return ctx.Err()
		case outcomeRevoked:
			conn.close()
			return fmt.Errorf("%w: %w", ErrTerminated, ErrRevoked)
		case outcomeServerReconnect:
			telemetry.IncReconnect("server")
			log.Info("server requested reconnect", slog.String("reconnect_url", out.url))
			prev = conn
			url = out.url
		case outcomeKeepalive:
			telemetry.IncReconnect("keepalive")
			log.Warn("keepalive window missed, reconnecting", slog.String("session_id", handle.ID))
			conn.close()
			url = s.cfg.URL
		case outcomeTransport:
			telemetry.IncReconnect("transport")
			log.Warn("connection lost, reconnecting", slog.Any("err", out.err))
			conn.close()
			url = s.cfg.URL
		}
	}
}

func wrapHandshake(err error) error {
	if errors.Is(err, ErrHandshakeFailed) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
}

// connect dials url and waits for the welcome. While waiting, notifications
// still arriving on prev are delivered.
func (s *Session) connect(ctx context.Context, url string, prev *connection) (*connection, Handle, error) {
	dctx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	raw, err := s.dialer.Dial(dctx, url)
	cancel()
	if err != nil {
		return nil, Handle{}, fmt.Errorf("dial: %w", err)
	}
	c := startConnection(raw)

	timer := s.clock.NewTimer(s.cfg.WelcomeTimeout)
	defer timer.Stop()

	var prevFrames <-chan frame
	if prev != nil {
		prevFrames = prev.frames
	}
	for {
		select {
		case <-ctx.Done():
			c.close()
			return nil, Handle{}, ctx.Err()
		case <-timer.Chan():
			c.close()
			return nil, Handle{}, fmt.Errorf("%w: no welcome within %s", ErrHandshakeFailed, s.cfg.WelcomeTimeout)
		case f := <-prevFrames:
			if f.err != nil {
				prevFrames = nil
				continue
			}
			if msg, err := Decode(f.data); err == nil {
				if n, ok := msg.(Notification); ok {
					s.deliver(ctx, n)
				}
			}
		case f := <-c.frames:
			if f.err != nil {
				c.close()
				return nil, Handle{}, fmt.Errorf("%w: %w", ErrHandshakeFailed, f.err)
			}
			msg, err := Decode(f.data)
			if err != nil {
				c.close()
				return nil, Handle{}, fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
			}
			w, ok := msg.(Welcome)
			if !ok {
				c.close()
				return nil, Handle{}, fmt.Errorf("%w: first message was %s", ErrHandshakeFailed, msg.Meta().MessageType)
			}
			return c, Handle{ID: w.Session.ID, KeepaliveInterval: w.KeepaliveInterval(), EstablishedAt: s.clock.Now()}, nil
		}
	}
}

// ensure runs the subscriber once, retrying a single time after a token
// refresh when Helix answered 401.
func (s *Session) ensure(ctx context.Context, sessionID string) error {
	err := s.subs.Ensure(ctx, sessionID)
	if !errors.Is(err, ErrUnauthorized) {
		return err
	}
	if rerr := s.auth.Refresh(ctx); rerr != nil {
		return errors.Join(err, rerr)
	}
	return s.subs.Ensure(ctx, sessionID)
}

func (s *Session) active(ctx context.Context, c *connection, h Handle) outcome {
	log := slog.Default().With(slog.String("component", "eventsub"), slog.String("session_id", h.ID))
	window := time.Duration(float64(h.KeepaliveInterval) * s.cfg.KeepaliveGrace)
	deadline := s.clock.Now().Add(window)
	timer := s.clock.NewTimer(window)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return outcome{kind: outcomeDone}
		case <-timer.Chan():
			// a frame may have moved the deadline after the timer fired
			if now := s.clock.Now(); now.Before(deadline) {
				timer.Reset(deadline.Sub(now))
				continue
			}
			return outcome{kind: outcomeKeepalive}
		case f := <-c.frames:
			if f.err != nil {
				return outcome{kind: outcomeTransport, err: f.err}
			}
			deadline = s.clock.Now().Add(window)
			timer.Reset(window)

			msg, err := Decode(f.data)
			if err != nil {
				log.Warn("dropping undecodable frame", slog.Any("err", err))
				continue
			}
			switch m := msg.(type) {
			case Keepalive:
			case Notification:
				s.deliver(ctx, m)
			case Reconnect:
				return outcome{kind: outcomeServerReconnect, url: m.Session.ReconnectURL}
			case Revocation:
				remaining := s.subs.MarkRevoked(m.Subscription.ID, m.Subscription.Type)
				log.Warn("subscription revoked",
					slog.String("type", m.Subscription.Type),
					slog.String("reason", m.Subscription.Status),
					slog.Int("remaining", remaining))
				if m.Subscription.Status == RevokedAuthorization {
					if err := s.auth.OnRevocationNotice(ctx); err != nil {
						log.Warn("revocation notice handling failed", slog.Any("err", err))
					}
				}
				if remaining == 0 {
					return outcome{kind: outcomeRevoked}
				}
			case Welcome:
				log.Debug("ignoring welcome on an established session")
			}
		}
	}
}

func (s *Session) deliver(ctx context.Context, n Notification) {
	if n.MessageID != "" && !s.seen.add(n.MessageID) {
		telemetry.Inc(telemetry.NotificationDuplicates)
		return
	}
	telemetry.Inc(telemetry.NotificationsReceived)
	s.handler(ctx, n)
}

// dedup remembers the last n message ids.
type dedup struct {
	ids  map[string]struct{}
	ring []string
	next int
}

func newDedup(n int) *dedup {
	return &dedup{ids: make(map[string]struct{}, n), ring: make([]string, n)}
}

// add reports whether id was new.
func (d *dedup) add(id string) bool {
	if _, ok := d.ids[id]; ok {
		return false
	}
	if old := d.ring[d.next]; old != "" {
		delete(d.ids, old)
	}
	d.ring[d.next] = id
	d.ids[id] = struct{}{}
	d.next = (d.next + 1) % len(d.ring)
	return true
}
