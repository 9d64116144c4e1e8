// Package store defines the durable message log shared by the relay:
// messages with a gapless per-pair sequence, delivery state per recipient,
// and device last-seen tracking.
package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"
)

var (
	// ErrUnavailable wraps I/O failures of the durability layer. Appends
	// must be retried by the sender path before success is reported
	// upstream.
	ErrUnavailable = errors.New("store unavailable")

	// ErrUnknownMessage is returned when a delivery-state change names a
	// message id that was never appended.
	ErrUnknownMessage = errors.New("unknown message")
)

// Status is the delivery state of a message for its recipient.
// Transitions are forward-only: Pending -> Delivered -> Acknowledged.
type Status int8

const (
	StatusPending Status = iota
	StatusDelivered
	StatusAcknowledged
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusDelivered:
		return "delivered"
	case StatusAcknowledged:
		return "acknowledged"
	default:
		return "unknown"
	}
}

// Message is immutable once appended. ID is the per-pair sequence number:
// strictly increasing, gapless, assigned atomically by Append.
type Message struct {
	ID        int64
	Sender    string
	Recipient string
	Emoji     string
	Text      string
	ClientID  string // device-generated dedupe key, may be empty
	CreatedAt time.Time
}

// DeliveryState tracks progress of one message toward its single recipient.
type DeliveryState struct {
	MessageID     int64
	Recipient     string
	Status        Status
	AttemptCount  int
	LastAttemptAt time.Time
}

// Device is last-seen bookkeeping for the admin surface.
type Device struct {
	Name     string
	LastSeen time.Time
}

// Store is the single source of truth for "was this ever sent". Once Append
// returns, the message survives a process restart. All state-changing calls
// are idempotent.
type Store interface {
	// Append assigns the next sequence id and persists the message as
	// Pending for recipient. When clientID is non-empty and was already
	// appended by the same sender, the existing message is returned
	// unchanged (restart-safe dedupe).
	Append(ctx context.Context, sender, recipient, emoji, text, clientID string) (Message, error)

	// ListPending returns every message for recipient not yet
	// Acknowledged, in ascending id order. The order is the delivery
	// order.
	ListPending(ctx context.Context, recipient string) ([]Message, error)

	// MarkDelivered records a delivery attempt. It never moves an
	// Acknowledged message backward; repeated calls only bump the
	// attempt counter.
	MarkDelivered(ctx context.Context, messageID int64, recipient string) error

	// MarkAcknowledged is terminal and idempotent.
	MarkAcknowledged(ctx context.Context, messageID int64, recipient string) error

	// LastAcknowledgedID returns the recipient's watermark: the highest
	// message id it has acknowledged, 0 if none.
	LastAcknowledgedID(ctx context.Context, recipient string) (int64, error)

	// History returns the most recent messages sent or received by
	// device, newest first. Empty device means all messages.
	History(ctx context.Context, device string, limit int) ([]Message, error)

	// TouchDevice updates last-seen for a device name.
	TouchDevice(ctx context.Context, name string, at time.Time) error

	// ListDevices returns every device ever seen, with last-seen times.
	ListDevices(ctx context.Context) ([]Device, error)

	Close() error
}

// PairID is the canonical key for the fixed two-device relationship,
// independent of which member is the sender.
func PairID(a, b string) string {
	names := []string{a, b}
	sort.Strings(names)
	return strings.Join(names, "|")
}
