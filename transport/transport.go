// Package transport defines the boundary to the chat-protocol
// connection library. The session layer consumes adapters through the
// interfaces here; frame encoding and end-to-end crypto live behind
// them.
package transport

import (
	"context"
	"time"

	"github.com/chatlink/cl/creds"
)

// CloseReason classifies why an adapter closed.
type CloseReason byte

const (
	// CloseRetryable covers network drops and transient transport
	// failures; the session should reconnect.
	CloseRetryable CloseReason = iota

	// CloseLoggedOut means the remote side revoked the pairing; the
	// session must tear down permanently.
	CloseLoggedOut
)

// String returns the string representation of the reason
func (r CloseReason) String() string {
	switch r {
	case CloseRetryable:
		return "retryable"
	case CloseLoggedOut:
		return "logged-out"
	default:
		return "unknown"
	}
}

// Identity describes the account a connection authenticated as.
type Identity struct {
	Handle      string // globally unique account handle
	PhoneNumber string
}

// Adapter is one live connection to the chat network for one tenant.
// Events are delivered in the order the transport emits them and the
// channel is closed when the adapter shuts down.
type Adapter interface {
	Events() <-chan Event

	// Send delivers a payload to a chat. Valid only while the
	// connection is established.
	Send(ctx context.Context, chatID string, payload []byte) error

	// Logout performs the remote logout handshake.
	Logout(ctx context.Context) error

	// Close releases the connection. Safe to call more than once.
	Close() error
}

// Dialer opens adapters. One Dial call produces one connection
// attempt; the session layer owns retry policy.
type Dialer interface {
	Dial(ctx context.Context, tenantID string, material creds.Material) (Adapter, error)
}

// Event is the sealed union of adapter lifecycle and payload events.
type Event interface {
	event()
}

// PairingCode carries a raw pairing token issued during bootstrap.
type PairingCode struct {
	Token string
}

// Established signals a completed handshake.
type Established struct {
	Identity Identity
}

// Closed signals the connection ended.
type Closed struct {
	Reason CloseReason
	Err    error
}

// CredentialsRotated carries refreshed credential material to persist.
type CredentialsRotated struct {
	Material []byte
}

// Message is one inbound chat message.
type Message struct {
	ChatID    string
	FromMe    bool
	Text      string
	Timestamp time.Time
}

// HistoryBatch is one batch of synced history.
type HistoryBatch struct {
	SyncType string
	Chats    int
	Contacts int
	Messages []Message
}

func (PairingCode) event()        {}
func (Established) event()        {}
func (Closed) event()             {}
func (CredentialsRotated) event() {}
func (Message) event()            {}
func (HistoryBatch) event()       {}
