package eventsub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/soundbot/telemetry"
	"github.com/onnwee/soundbot/twitchapi"
)

var (
	// ErrUnauthorized means Helix rejected the bearer token. Refresh and
	// retry once.
	ErrUnauthorized = errors.New("eventsub: unauthorized")
	// ErrQuotaExceeded means Helix refused a subscription for cost or rate
	// reasons. The type is skipped for the rest of the process.
	ErrQuotaExceeded = errors.New("eventsub: subscription quota exceeded")
	// ErrNoSubscriptions means a session ended up with nothing enabled.
	ErrNoSubscriptions = errors.New("eventsub: no enabled subscriptions")
)

// SubscriptionType names an EventSub type and version.
type SubscriptionType struct {
	Name    string
	Version string
}

// ChannelPointsRedemptionAdd fires when a viewer redeems a custom reward.
var ChannelPointsRedemptionAdd = SubscriptionType{Name: "channel.channel_points_custom_reward_redemption.add", Version: "1"}

// Status is the registrar's view of a subscription.
type Status string

const (
	StatusPending Status = "pending"
	StatusEnabled Status = "enabled"
	StatusRevoked Status = "revoked"
)

// Subscription is one (type, condition) entry owned by the Registrar.
type Subscription struct {
	ID                string `json:"id"`
	Type              string `json:"type"`
	Version           string `json:"version"`
	BroadcasterUserID string `json:"broadcaster_user_id"`
	Status            Status `json:"status"`
	SessionID         string `json:"session_id"`
}

// API is the Helix surface the Registrar needs.
type API interface {
	ListEventSubSubscriptions(ctx context.Context, status string) ([]twitchapi.EventSubSubscription, error)
	CreateEventSubSubscription(ctx context.Context, subType, version, broadcasterID, sessionID string) (twitchapi.EventSubSubscription, error)
}

type subKey struct {
	subType string
	target  string
}

// Registrar keeps at most one enabled subscription per (type, condition).
// It is safe for concurrent use; Ensure calls are serialized.
type Registrar struct {
	api API

	ensureMu sync.Mutex

	mu   sync.Mutex
	subs map[subKey]*Subscription
	// listed is the session whose enabled subscriptions were already adopted.
	listed  string
	skipped map[string]bool
}

// NewRegistrar returns a Registrar creating subscriptions through api.
func NewRegistrar(api API) *Registrar {
	return &Registrar{
		api:     api,
		subs:    make(map[subKey]*Subscription),
		skipped: make(map[string]bool),
	}
}

// Ensure creates a websocket subscription bound to sessionID for every type
// not already enabled for (targetID, sessionID). Repeated calls with the same
// arguments make no creation calls. The first call for a new session lists
// enabled subscriptions once and adopts matching ones.
func (r *Registrar) Ensure(ctx context.Context, sessionID, targetID string, types []SubscriptionType) error {
	r.ensureMu.Lock()
	defer r.ensureMu.Unlock()

	log := slog.Default().With(slog.String("component", "eventsub_registrar"), slog.String("session_id", sessionID))
	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerEventSub, "eventsub.ensure",
		attribute.String("session_id", sessionID), attribute.Int("types", len(types)))
	defer span.End()

	missing := r.missing(sessionID, targetID, types)
	if len(missing) == 0 {
		return nil
	}
	if err := r.adoptExisting(ctx, sessionID, targetID); err != nil {
		if errors.Is(err, ErrUnauthorized) {
			telemetry.RecordError(span, err)
			return err
		}
		log.Warn("listing subscriptions failed, creating without adoption", slog.Any("err", err))
	}
	missing = r.missing(sessionID, targetID, missing)

	var errs []error
	for _, t := range missing {
		err := r.create(ctx, sessionID, targetID, t)
		switch {
		case err == nil:
		case errors.Is(err, ErrUnauthorized):
			telemetry.RecordError(span, err)
			return err
		case errors.Is(err, ErrQuotaExceeded):
			log.Warn("subscription quota exceeded, skipping type", slog.String("type", t.Name), slog.Any("err", err))
			errs = append(errs, err)
		default:
			log.Warn("subscription create failed", slog.String("type", t.Name), slog.Any("err", err))
			errs = append(errs, err)
		}
	}
	r.publishGauge()
	if err := errors.Join(errs...); err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	telemetry.SetSpanSuccess(span)
	return nil
}

func (r *Registrar) missing(sessionID, targetID string, types []SubscriptionType) []SubscriptionType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []SubscriptionType
	for _, t := range types {
		if r.skipped[t.Name] {
			continue
		}
		s := r.subs[subKey{t.Name, targetID}]
		if s != nil && s.Status == StatusEnabled && s.SessionID == sessionID {
			continue
		}
		out = append(out, t)
	}
	return out
}

func (r *Registrar) adoptExisting(ctx context.Context, sessionID, targetID string) error {
	r.mu.Lock()
	done := r.listed == sessionID
	r.mu.Unlock()
	if done {
		return nil
	}
	existing, err := r.api.ListEventSubSubscriptions(ctx, string(StatusEnabled))
	if err != nil {
		return classify(err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listed = sessionID
	for _, e := range existing {
		if e.Transport.Method != "websocket" || e.Transport.SessionID != sessionID || e.Condition.BroadcasterUserID != targetID {
			continue
		}
		r.subs[subKey{e.Type, targetID}] = &Subscription{
			ID:                e.ID,
			Type:              e.Type,
			Version:           e.Version,
			BroadcasterUserID: targetID,
			Status:            StatusEnabled,
			SessionID:         sessionID,
		}
	}
	return nil
}

func (r *Registrar) create(ctx context.Context, sessionID, targetID string, t SubscriptionType) error {
	k := subKey{t.Name, targetID}
	sub := &Subscription{Type: t.Name, Version: t.Version, BroadcasterUserID: targetID, Status: StatusPending, SessionID: sessionID}
	r.mu.Lock()
	r.subs[k] = sub
	r.mu.Unlock()

	created, err := r.api.CreateEventSubSubscription(ctx, t.Name, t.Version, targetID, sessionID)
	if err != nil && twitchapi.StatusCode(err) != http.StatusConflict {
		r.mu.Lock()
		if r.subs[k] == sub {
			delete(r.subs, k)
		}
		err = classify(err)
		if errors.Is(err, ErrQuotaExceeded) {
			r.skipped[t.Name] = true
		}
		r.mu.Unlock()
		return fmt.Errorf("create %s: %w", t.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// 409: an identical subscription already exists
	sub.ID = created.ID
	sub.Status = StatusEnabled
	slog.Info("subscription enabled", slog.String("type", t.Name), slog.String("id", sub.ID),
		slog.String("broadcaster_id", targetID), slog.String("component", "eventsub_registrar"))
	return nil
}

func classify(err error) error {
	switch twitchapi.StatusCode(err) {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %w", ErrUnauthorized, err)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %w", ErrQuotaExceeded, err)
	}
	return err
}

// MarkRevoked records a revocation of the subscription with the given id, or
// of subType when the id is unknown. It returns how many subscriptions
// remain enabled.
func (r *Registrar) MarkRevoked(subscriptionID, subType string) int {
	r.mu.Lock()
	for _, s := range r.subs {
		if (subscriptionID != "" && s.ID == subscriptionID) || (s.ID == "" && s.Type == subType) {
			s.Status = StatusRevoked
		}
	}
	r.mu.Unlock()
	r.publishGauge()
	return r.Enabled()
}

// Enabled counts enabled subscriptions across all sessions.
func (r *Registrar) Enabled() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.subs {
		if s.Status == StatusEnabled {
			n++
		}
	}
	return n
}

func (r *Registrar) enabledFor(sessionID, targetID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for k, s := range r.subs {
		if k.target == targetID && s.SessionID == sessionID && s.Status == StatusEnabled {
			n++
		}
	}
	return n
}

func (r *Registrar) publishGauge() {
	telemetry.SetGauge(telemetry.EnabledSubscriptions, float64(r.Enabled()))
}

// Snapshot returns a copy of every known subscription ordered by type.
func (r *Registrar) Snapshot() []Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Subscription, 0, len(r.subs))
	for _, s := range r.subs {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].BroadcasterUserID < out[j].BroadcasterUserID
	})
	return out
}

// Binding is the desired subscription set for one target. A Session holds
// one and re-ensures it after every welcome.
type Binding struct {
	r         *Registrar
	targetID  string
	types     []SubscriptionType
	sessionID string
}

// Bind returns the desired set for targetID.
func (r *Registrar) Bind(targetID string, types ...SubscriptionType) *Binding {
	return &Binding{r: r, targetID: targetID, types: append([]SubscriptionType(nil), types...)}
}

// TargetID is the broadcaster the binding subscribes to.
func (b *Binding) TargetID() string { return b.targetID }

// Ensure ensures the set for sessionID. Partial failures are logged; an
// error is returned on ErrUnauthorized or when nothing ended up enabled.
func (b *Binding) Ensure(ctx context.Context, sessionID string) error {
	b.sessionID = sessionID
	err := b.r.Ensure(ctx, sessionID, b.targetID, b.types)
	if errors.Is(err, ErrUnauthorized) {
		return err
	}
	if b.r.enabledFor(sessionID, b.targetID) == 0 {
		if err == nil {
			return ErrNoSubscriptions
		}
		return fmt.Errorf("%w: %w", ErrNoSubscriptions, err)
	}
	if err != nil {
		slog.Warn("some subscriptions could not be enabled", slog.Any("err", err), slog.String("component", "eventsub_registrar"))
	}
	return nil
}

// MarkRevoked records the revocation and returns how many subscriptions of
// this binding remain enabled on the last ensured session.
func (b *Binding) MarkRevoked(subscriptionID, subType string) int {
	b.r.MarkRevoked(subscriptionID, subType)
	return b.r.enabledFor(b.sessionID, b.targetID)
}
