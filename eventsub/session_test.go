package eventsub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

type fakeConn struct {
	msgs   chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn(frames ...string) *fakeConn {
	c := &fakeConn{msgs: make(chan []byte, 32), closed: make(chan struct{})}
	for _, f := range frames {
		c.msgs <- []byte(f)
	}
	return c
}

func (c *fakeConn) send(f string) { c.msgs <- []byte(f) }

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case <-c.closed:
		return 0, nil, errors.New("use of closed connection")
	default:
	}
	select {
	case b := <-c.msgs:
		return websocket.TextMessage, b, nil
	case <-c.closed:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

type fakeDialer struct {
	mu     sync.Mutex
	conns  []*fakeConn
	err    error
	urls   []string
	dialed chan string
}

func newFakeDialer(conns ...*fakeConn) *fakeDialer {
	return &fakeDialer{conns: conns, err: errors.New("connection refused"), dialed: make(chan string, 32)}
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	d.urls = append(d.urls, url)
	var c *fakeConn
	if len(d.conns) > 0 {
		c, d.conns = d.conns[0], d.conns[1:]
	}
	d.mu.Unlock()
	d.dialed <- url
	if c == nil {
		return nil, d.err
	}
	return c, nil
}

func (d *fakeDialer) dials() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.urls...)
}

type fakeAuth struct {
	mu        sync.Mutex
	refreshes int
	notices   int
	revoked   bool
}

func (a *fakeAuth) Revoked() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.revoked
}

func (a *fakeAuth) revoke() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.revoked = true
}

func (a *fakeAuth) Refresh(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.refreshes++
	return nil
}

func (a *fakeAuth) OnRevocationNotice(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.notices++
	return nil
}

type fakeSubs struct {
	mu        sync.Mutex
	sessions  []string
	errs      []error
	remaining int
}

func (f *fakeSubs) Ensure(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, sessionID)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return err
	}
	return nil
}

func (f *fakeSubs) MarkRevoked(string, string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remaining > 0 {
		f.remaining--
	}
	return f.remaining
}

func (f *fakeSubs) ensured() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sessions...)
}

func welcomeFrame(sessionID string, keepaliveSeconds int) string {
	return fmt.Sprintf(`{"metadata":{"message_id":"w-%s","message_type":"session_welcome"},"payload":{"session":{"id":%q,"status":"connected","keepalive_timeout_seconds":%d}}}`,
		sessionID, sessionID, keepaliveSeconds)
}

func keepaliveFrame(id string) string {
	return fmt.Sprintf(`{"metadata":{"message_id":%q,"message_type":"session_keepalive"},"payload":{}}`, id)
}

func notificationFrame(id string) string {
	return fmt.Sprintf(`{"metadata":{"message_id":%q,"message_type":"notification","subscription_type":"channel.channel_points_custom_reward_redemption.add"},`+
		`"payload":{"subscription":{"id":"sub-1","status":"enabled","type":"channel.channel_points_custom_reward_redemption.add","version":"1"},"event":{"id":%q}}}`, id, id)
}

func reconnectFrame(url string) string {
	return fmt.Sprintf(`{"metadata":{"message_id":"rc","message_type":"session_reconnect"},"payload":{"session":{"id":"s1","status":"reconnecting","reconnect_url":%q}}}`, url)
}

func revocationFrame(status string) string {
	return fmt.Sprintf(`{"metadata":{"message_id":"rv","message_type":"revocation"},"payload":{"subscription":{"id":"sub-1","status":%q,"type":"channel.channel_points_custom_reward_redemption.add","version":"1"}}}`, status)
}

type harness struct {
	session   *Session
	dialer    *fakeDialer
	auth      *fakeAuth
	subs      *fakeSubs
	clock     *clockwork.FakeClock
	delivered chan string
	states    chan State
	done      chan error
	cancel    context.CancelFunc
}

func startHarness(t *testing.T, cfg SessionConfig, subs *fakeSubs, conns ...*fakeConn) *harness {
	t.Helper()
	h := &harness{
		dialer:    newFakeDialer(conns...),
		auth:      &fakeAuth{},
		subs:      subs,
		delivered: make(chan string, 64),
		states:    make(chan State, 64),
		done:      make(chan error, 1),
	}
	if cfg.Clock == nil {
		h.clock = clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
		cfg.Clock = h.clock
	}
	if cfg.NewBackOff == nil {
		cfg.NewBackOff = func() backoff.BackOff { return &backoff.ConstantBackOff{Interval: time.Millisecond} }
	}
	cfg.OnStateChange = func(_, to State) { h.states <- to }
	h.session = NewSession(cfg, h.dialer, h.auth, subs, func(_ context.Context, n Notification) {
		h.delivered <- n.MessageID
	})
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.session.Run(ctx) }()
	t.Cleanup(cancel)
	return h
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case s := <-h.states:
			if s == want {
				return
			}
		case <-timeout:
			t.Fatalf("state %s never reached (now %s)", want, h.session.State())
		}
	}
}

func (h *harness) nextDelivered(t *testing.T) string {
	t.Helper()
	select {
	case id := <-h.delivered:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered")
		return ""
	}
}

func (h *harness) result(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func TestSessionDeliversInOrderOnce(t *testing.T) {
	conn := newFakeConn(
		welcomeFrame("s1", 10),
		notificationFrame("a"),
		keepaliveFrame("k1"),
		notificationFrame("b"),
		notificationFrame("a"),
		`{not json`,
		notificationFrame("c"),
	)
	subs := &fakeSubs{remaining: 1}
	h := startHarness(t, SessionConfig{}, subs, conn)

	h.waitState(t, StateActive)
	for _, want := range []string{"a", "b", "c"} {
		if got := h.nextDelivered(t); got != want {
			t.Fatalf("delivered %q, want %q", got, want)
		}
	}
	if hd, ok := h.session.Handle(); !ok || hd.ID != "s1" || hd.KeepaliveInterval != 10*time.Second {
		t.Fatalf("handle = %+v, %v", hd, ok)
	}
	if got := subs.ensured(); len(got) != 1 || got[0] != "s1" {
		t.Fatalf("ensured = %v", got)
	}

	h.cancel()
	if err := h.result(t); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}
	if h.session.State() != StateClosed {
		t.Fatalf("state = %s, want closed", h.session.State())
	}
	if !conn.isClosed() {
		t.Fatal("connection left open")
	}
	select {
	case id := <-h.delivered:
		t.Fatalf("unexpected extra delivery %q", id)
	default:
	}
}

func TestSessionKeepaliveTimeoutReconnectsOnce(t *testing.T) {
	conn1 := newFakeConn(welcomeFrame("s1", 10))
	conn2 := newFakeConn(welcomeFrame("s2", 10))
	subs := &fakeSubs{remaining: 1}
	h := startHarness(t, SessionConfig{KeepaliveGrace: 1.5}, subs, conn1, conn2)
	ctx := context.Background()

	h.waitState(t, StateActive)
	if err := h.clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatal(err)
	}

	// a message inside the window pushes the deadline out
	h.clock.Advance(10 * time.Second)
	conn1.send(notificationFrame("n1"))
	if got := h.nextDelivered(t); got != "n1" {
		t.Fatalf("delivered %q", got)
	}
	h.clock.Advance(10 * time.Second)
	conn1.send(notificationFrame("n2"))
	if got := h.nextDelivered(t); got != "n2" {
		t.Fatalf("delivered %q", got)
	}
	if n := len(h.dialer.dials()); n != 1 {
		t.Fatalf("dials = %d before timeout", n)
	}

	h.clock.Advance(15 * time.Second)
	reconnecting := 0
	timeout := time.After(2 * time.Second)
wait:
	for {
		select {
		case s := <-h.states:
			if s == StateReconnecting {
				reconnecting++
			}
			if s == StateActive {
				break wait
			}
		case <-timeout:
			t.Fatal("session never became active again")
		}
	}
	if reconnecting != 1 {
		t.Fatalf("reconnecting transitions = %d, want 1", reconnecting)
	}
	if !conn1.isClosed() {
		t.Fatal("timed out connection not closed")
	}
	if got := h.dialer.dials(); len(got) != 2 || got[1] != DefaultURL {
		t.Fatalf("dials = %v", got)
	}
	if got := subs.ensured(); len(got) != 2 || got[1] != "s2" {
		t.Fatalf("ensured = %v, want re-ensure on s2", got)
	}
	if hd, _ := h.session.Handle(); hd.ID != "s2" {
		t.Fatalf("handle = %+v", hd)
	}
}

func TestSessionServerReconnectKeepsOldConnectionUntilWelcome(t *testing.T) {
	conn1 := newFakeConn(welcomeFrame("s1", 10))
	conn2 := newFakeConn()
	subs := &fakeSubs{remaining: 1}
	h := startHarness(t, SessionConfig{URL: "wss://primary/ws"}, subs, conn1, conn2)

	h.waitState(t, StateActive)
	<-h.dialer.dialed
	conn1.send(reconnectFrame("wss://edge-2/ws"))
	if url := <-h.dialer.dialed; url != "wss://edge-2/ws" {
		t.Fatalf("dialed %q, want reconnect_url", url)
	}

	conn1.send(notificationFrame("late"))
	if got := h.nextDelivered(t); got != "late" {
		t.Fatalf("delivered %q", got)
	}
	if conn1.isClosed() {
		t.Fatal("old connection closed before the new welcome")
	}

	conn2.send(welcomeFrame("s2", 10))
	h.waitState(t, StateActive)
	if !conn1.isClosed() {
		t.Fatal("old connection still open after the new welcome")
	}
	if got := subs.ensured(); len(got) != 2 || got[1] != "s2" {
		t.Fatalf("ensured = %v", got)
	}
}

func TestSessionRevocationTerminates(t *testing.T) {
	conn := newFakeConn(welcomeFrame("s1", 10), revocationFrame(RevokedAuthorization))
	h := startHarness(t, SessionConfig{}, &fakeSubs{remaining: 1}, conn)

	err := h.result(t)
	if !errors.Is(err, ErrTerminated) || !errors.Is(err, ErrRevoked) {
		t.Fatalf("Run = %v, want terminated/revoked", err)
	}
	if h.auth.notices != 1 {
		t.Fatalf("revocation notices = %d, want 1", h.auth.notices)
	}
	if h.session.State() != StateClosed {
		t.Fatalf("state = %s", h.session.State())
	}
}

func TestSessionPartialRevocationStaysActive(t *testing.T) {
	conn := newFakeConn(welcomeFrame("s1", 10), revocationFrame(RevokedVersion), notificationFrame("after"))
	h := startHarness(t, SessionConfig{}, &fakeSubs{remaining: 2}, conn)

	if got := h.nextDelivered(t); got != "after" {
		t.Fatalf("delivered %q", got)
	}
	if h.auth.notices != 0 {
		t.Fatalf("revocation notices = %d, want 0", h.auth.notices)
	}
	if h.session.State() != StateActive {
		t.Fatalf("state = %s, want active", h.session.State())
	}
}

func TestSessionHandshakeFailure(t *testing.T) {
	tests := []struct {
		name  string
		conns []*fakeConn
	}{
		{"first message not welcome", []*fakeConn{newFakeConn(keepaliveFrame("k"))}},
		{"malformed welcome", []*fakeConn{newFakeConn(`{"metadata":{"message_type":"session_welcome"},"payload":{}}`)}},
		{"dial refused", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := startHarness(t, SessionConfig{}, &fakeSubs{remaining: 1}, tt.conns...)
			err := h.result(t)
			if !errors.Is(err, ErrTerminated) || !errors.Is(err, ErrHandshakeFailed) {
				t.Fatalf("Run = %v, want terminated/handshake failed", err)
			}
			if n := len(h.dialer.dials()); n != 1 {
				t.Fatalf("dials = %d, want 1", n)
			}
		})
	}
}

func TestSessionWelcomeTimeout(t *testing.T) {
	h := startHarness(t, SessionConfig{WelcomeTimeout: 5 * time.Second}, &fakeSubs{remaining: 1}, newFakeConn())
	if err := h.clock.BlockUntilContext(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(5 * time.Second)
	if err := h.result(t); !errors.Is(err, ErrHandshakeFailed) {
		t.Fatalf("Run = %v, want ErrHandshakeFailed", err)
	}
}

func TestSessionUnauthorizedRefreshesOnce(t *testing.T) {
	conn := newFakeConn(welcomeFrame("s1", 10))
	subs := &fakeSubs{remaining: 1, errs: []error{ErrUnauthorized}}
	h := startHarness(t, SessionConfig{}, subs, conn)

	h.waitState(t, StateActive)
	if h.auth.refreshes != 1 {
		t.Fatalf("refreshes = %d, want 1", h.auth.refreshes)
	}
	if got := subs.ensured(); len(got) != 2 {
		t.Fatalf("ensure calls = %d, want 2", len(got))
	}
}

func TestSessionReconnectAttemptsExhausted(t *testing.T) {
	conn := newFakeConn(welcomeFrame("s1", 10))
	h := startHarness(t, SessionConfig{MaxReconnectAttempts: 2, Clock: clockwork.NewRealClock()}, &fakeSubs{remaining: 1}, conn)

	h.waitState(t, StateActive)
	conn.Close()

	err := h.result(t)
	if !errors.Is(err, ErrTerminated) {
		t.Fatalf("Run = %v, want ErrTerminated", err)
	}
	// the original dial plus three failed reconnects
	if n := len(h.dialer.dials()); n != 4 {
		t.Fatalf("dials = %d, want 4", n)
	}
}

func TestSessionStopsReconnectingOnRevokedCredential(t *testing.T) {
	first := newFakeConn(welcomeFrame("s1", 10))
	second := newFakeConn(welcomeFrame("s2", 10))
	third := newFakeConn(welcomeFrame("s3", 10))
	revokedErr := errors.New("helix access token: refresh token revoked")
	subs := &fakeSubs{remaining: 1, errs: []error{nil, revokedErr, revokedErr}}
	h := startHarness(t, SessionConfig{MaxReconnectAttempts: 5}, subs, first, second, third)

	h.waitState(t, StateActive)
	h.auth.revoke()
	first.Close()

	err := h.result(t)
	if !errors.Is(err, ErrTerminated) || !errors.Is(err, ErrRevoked) {
		t.Fatalf("Run = %v, want terminated/revoked", err)
	}
	if errors.Is(err, ErrHandshakeFailed) {
		t.Fatalf("Run = %v, revoked credential reported as handshake failure", err)
	}
	if n := len(h.dialer.dials()); n != 2 {
		t.Fatalf("dials = %d, want 2", n)
	}
	if got := subs.ensured(); len(got) != 2 {
		t.Fatalf("ensure calls = %d, want 2", len(got))
	}
}

func TestSessionOverWebsocket(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		for _, f := range []string{welcomeFrame("ws-1", 10), notificationFrame("n1")} {
			if err := c.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		// hold the connection until the client goes away
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	delivered := make(chan string, 1)
	subs := &fakeSubs{remaining: 1}
	s := NewSession(SessionConfig{URL: "ws" + strings.TrimPrefix(srv.URL, "http")}, WebsocketDialer{}, &fakeAuth{}, subs,
		func(_ context.Context, n Notification) { delivered <- n.MessageID })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case id := <-delivered:
		if id != "n1" {
			t.Fatalf("delivered %q", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no notification over websocket")
	}
	if got := subs.ensured(); len(got) != 1 || got[0] != "ws-1" {
		t.Fatalf("ensured = %v", got)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v", err)
	}
}

func TestDedupEvictsOldest(t *testing.T) {
	d := newDedup(2)
	if !d.add("a") || !d.add("b") {
		t.Fatal("fresh ids rejected")
	}
	if d.add("a") {
		t.Fatal("duplicate accepted")
	}
	d.add("c")
	if !d.add("a") {
		t.Fatal("evicted id still remembered")
	}
}
