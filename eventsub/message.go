package eventsub

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Message types carried in metadata.message_type.
const (
	TypeSessionWelcome   = "session_welcome"
	TypeSessionKeepalive = "session_keepalive"
	TypeNotification     = "notification"
	TypeSessionReconnect = "session_reconnect"
	TypeRevocation       = "revocation"
)

// Revocation statuses sent in subscription.status.
const (
	RevokedAuthorization = "authorization_revoked"
	RevokedUserRemoved   = "user_removed"
	RevokedVersion       = "version_removed"
)

// ErrUnknownMessage is returned by Decode for message types the client does
// not model.
var ErrUnknownMessage = errors.New("eventsub: unknown message type")

// Metadata is the envelope header shared by every message.
type Metadata struct {
	MessageID           string    `json:"message_id"`
	MessageType         string    `json:"message_type"`
	MessageTimestamp    time.Time `json:"message_timestamp"`
	SubscriptionType    string    `json:"subscription_type,omitempty"`
	SubscriptionVersion string    `json:"subscription_version,omitempty"`
}

// Meta returns the envelope header.
func (m Metadata) Meta() Metadata { return m }

// SessionInfo is payload.session of welcome and reconnect messages.
type SessionInfo struct {
	ID                      string    `json:"id"`
	Status                  string    `json:"status"`
	ConnectedAt             time.Time `json:"connected_at"`
	KeepaliveTimeoutSeconds int       `json:"keepalive_timeout_seconds"`
	ReconnectURL            string    `json:"reconnect_url"`
}

// SubscriptionInfo is payload.subscription of notification and revocation
// messages.
type SubscriptionInfo struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Type      string `json:"type"`
	Version   string `json:"version"`
	Condition struct {
		BroadcasterUserID string `json:"broadcaster_user_id"`
	} `json:"condition"`
}

// Message is one decoded frame: Welcome, Keepalive, Notification, Reconnect
// or Revocation.
type Message interface {
	Meta() Metadata
	isMessage()
}

type Welcome struct {
	Metadata
	Session SessionInfo
}

// KeepaliveInterval is the advertised keepalive period, 10s when absent.
func (w Welcome) KeepaliveInterval() time.Duration {
	if w.Session.KeepaliveTimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(w.Session.KeepaliveTimeoutSeconds) * time.Second
}

type Keepalive struct {
	Metadata
}

type Notification struct {
	Metadata
	Subscription SubscriptionInfo
	// Event is payload.event, left raw for the dispatcher.
	Event json.RawMessage
}

type Reconnect struct {
	Metadata
	Session SessionInfo
}

type Revocation struct {
	Metadata
	Subscription SubscriptionInfo
}

func (Welcome) isMessage()      {}
func (Keepalive) isMessage()    {}
func (Notification) isMessage() {}
func (Reconnect) isMessage()    {}
func (Revocation) isMessage()   {}

type envelope struct {
	Metadata Metadata `json:"metadata"`
	Payload  struct {
		Session      *SessionInfo      `json:"session"`
		Subscription *SubscriptionInfo `json:"subscription"`
		Event        json.RawMessage   `json:"event"`
	} `json:"payload"`
}

// Decode parses a text frame into its Message variant.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode eventsub frame: %w", err)
	}
	md := env.Metadata
	switch md.MessageType {
	case TypeSessionWelcome:
		if env.Payload.Session == nil || env.Payload.Session.ID == "" {
			return nil, errors.New("decode eventsub frame: welcome without session id")
		}
		return Welcome{Metadata: md, Session: *env.Payload.Session}, nil
	case TypeSessionKeepalive:
		return Keepalive{Metadata: md}, nil
	case TypeNotification:
		if env.Payload.Subscription == nil {
			return nil, errors.New("decode eventsub frame: notification without subscription")
		}
		return Notification{Metadata: md, Subscription: *env.Payload.Subscription, Event: env.Payload.Event}, nil
	case TypeSessionReconnect:
		if env.Payload.Session == nil || env.Payload.Session.ReconnectURL == "" {
			return nil, errors.New("decode eventsub frame: reconnect without reconnect_url")
		}
		return Reconnect{Metadata: md, Session: *env.Payload.Session}, nil
	case TypeRevocation:
		if env.Payload.Subscription == nil {
			return nil, errors.New("decode eventsub frame: revocation without subscription")
		}
		return Revocation{Metadata: md, Subscription: *env.Payload.Subscription}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, md.MessageType)
	}
}
