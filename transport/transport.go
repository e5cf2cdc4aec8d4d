package transport

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrIdentityNotFound is returned by Capability.Identity when the network
	// has no profile for the requested account.
	ErrIdentityNotFound = errors.New("identity not found")
	// ErrClosed is returned by operations on a closed capability or handle.
	ErrClosed = errors.New("transport closed")
	// ErrInvalidCredentials is returned by Authenticate when the network
	// refuses the supplied snapshot.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Well-known event types.
const (
	EventMessage      = "message"
	EventMessageReply = "message_reply"
	EventReaction     = "message_reaction"
	EventUnsend       = "message_unsend"
	EventLog          = "event"
	EventPresence     = "presence"
	EventTyping       = "typ"
	EventReadReceipt  = "read_receipt"
)

// Credentials carries the opaque credential snapshot the network issued for an
// account (cookies, device tokens, ...).
type Credentials struct {
	Snapshot json.RawMessage `json:"snapshot"`
}

// Options are runtime connection options passed through to the network
// untouched (self-listen, presence updates, user agent, ...).
type Options map[string]any

// Identity describes the public profile of an account.
type Identity struct {
	Name       string `json:"name"`
	ProfileURL string `json:"profileUrl"`
	AvatarURL  string `json:"avatarUrl"`
}

// Event is a single inbound item from a listen loop.
type Event struct {
	Type      string `json:"type"`
	ThreadID  string `json:"threadId,omitempty"`
	SenderID  string `json:"senderId,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	Body      string `json:"body,omitempty"`
	// ReplyTo is the message id a message_reply answers.
	ReplyTo string `json:"replyTo,omitempty"`
	// Reaction is the emoji of a message_reaction; MessageID is the reacted message.
	Reaction string `json:"reaction,omitempty"`
	// LogType qualifies EventLog items (e.g. "log:subscribe").
	LogType   string          `json:"logType,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
	Raw       json.RawMessage `json:"raw,omitempty"`
}

// IsMessage reports whether the event carries user-authored text.
func (e *Event) IsMessage() bool {
	return e != nil && (e.Type == EventMessage || e.Type == EventMessageReply)
}

// Inbound is one item delivered by a listen loop: exactly one of Event or Err
// is set.
type Inbound struct {
	Event *Event
	Err   error
}

// InBandError is an error surfaced by the network inside the listen loop. The
// raw payload is kept so that callers can match known signatures against it.
type InBandError struct {
	Message string
	Payload json.RawMessage
}

func (e *InBandError) Error() string {
	if e.Message == "" {
		return "in-band transport error"
	}
	return e.Message
}

// SideChannelRequest is an out-of-band request to a network endpoint.
type SideChannelRequest struct {
	Endpoint string
	Form     map[string]string
}

// OutboundMessage is a message sent on behalf of an account.
type OutboundMessage struct {
	ThreadID string `json:"threadId"`
	Body     string `json:"body"`
	// ReplyTo optionally quotes an existing message.
	ReplyTo string `json:"replyTo,omitempty"`
}

// Authenticator exchanges credentials for a live capability.
type Authenticator interface {
	Authenticate(ctx context.Context, creds Credentials) (Capability, error)
}

// Capability is the per-account handle to the network. Implementations MUST be
// safe for concurrent use.
type Capability interface {
	AccountID() string
	Identity(ctx context.Context, accountID string) (Identity, error)
	// ExportCredentials returns a fresh snapshot suitable for persisting and
	// later re-authenticating the account.
	ExportCredentials(ctx context.Context) (json.RawMessage, error)
	SetOptions(opts Options)
	// Listen opens a new listen loop. Each call returns a distinct handle.
	Listen(ctx context.Context) (ListenHandle, error)
	SideChannel(ctx context.Context, req SideChannelRequest) ([]byte, error)
	Send(ctx context.Context, msg OutboundMessage) (messageID string, err error)
}

// ListenHandle is one open listen loop.
type ListenHandle interface {
	ID() string
	Inbound() <-chan Inbound
	// Close stops the loop. The Inbound channel is closed once Close returns.
	// Close is idempotent.
	Close() error
}
