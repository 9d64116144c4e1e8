// Package memstore is an in-memory Store for tests and the "memory" driver
// in dev configs. It honors the same sequencing, idempotence, and
// forward-only transition rules as the durable store, minus the durability.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/jonathan17ux/valentine-iot/internal/store"
)

type stateKey struct {
	id        int64
	recipient string
}

type Store struct {
	mu       sync.Mutex
	nextID   int64
	messages []store.Message
	states   map[stateKey]*store.DeliveryState
	byClient map[string]int64 // sender + "\x00" + clientID -> message id
	devices  map[string]time.Time
}

func New() *Store {
	return &Store{
		states:   make(map[stateKey]*store.DeliveryState),
		byClient: make(map[string]int64),
		devices:  make(map[string]time.Time),
	}
}

func (s *Store) Append(ctx context.Context, sender, recipient, emoji, text, clientID string) (store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if clientID != "" {
		if id, ok := s.byClient[sender+"\x00"+clientID]; ok {
			return s.messages[id-1], nil
		}
	}

	s.nextID++
	msg := store.Message{
		ID:        s.nextID,
		Sender:    sender,
		Recipient: recipient,
		Emoji:     emoji,
		Text:      text,
		ClientID:  clientID,
		CreatedAt: time.Now().UTC(),
	}
	s.messages = append(s.messages, msg)
	s.states[stateKey{msg.ID, recipient}] = &store.DeliveryState{
		MessageID: msg.ID,
		Recipient: recipient,
		Status:    store.StatusPending,
	}
	if clientID != "" {
		s.byClient[sender+"\x00"+clientID] = msg.ID
	}
	return msg, nil
}

func (s *Store) ListPending(ctx context.Context, recipient string) ([]store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []store.Message
	for _, m := range s.messages {
		if m.Recipient != recipient {
			continue
		}
		st := s.states[stateKey{m.ID, recipient}]
		if st != nil && st.Status != store.StatusAcknowledged {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *Store) MarkDelivered(ctx context.Context, messageID int64, recipient string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[stateKey{messageID, recipient}]
	if !ok {
		return store.ErrUnknownMessage
	}
	if st.Status == store.StatusAcknowledged {
		return nil
	}
	st.Status = store.StatusDelivered
	st.AttemptCount++
	st.LastAttemptAt = time.Now().UTC()
	return nil
}

func (s *Store) MarkAcknowledged(ctx context.Context, messageID int64, recipient string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[stateKey{messageID, recipient}]
	if !ok {
		return store.ErrUnknownMessage
	}
	st.Status = store.StatusAcknowledged
	return nil
}

func (s *Store) LastAcknowledgedID(ctx context.Context, recipient string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var max int64
	for k, st := range s.states {
		if k.recipient == recipient && st.Status == store.StatusAcknowledged && k.id > max {
			max = k.id
		}
	}
	return max, nil
}

func (s *Store) History(ctx context.Context, device string, limit int) ([]store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	var out []store.Message
	for i := len(s.messages) - 1; i >= 0 && len(out) < limit; i-- {
		m := s.messages[i]
		if device == "" || m.Sender == device || m.Recipient == device {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *Store) TouchDevice(ctx context.Context, name string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[name] = at
	return nil
}

func (s *Store) ListDevices(ctx context.Context) ([]store.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]store.Device, 0, len(s.devices))
	for name, seen := range s.devices {
		out = append(out, store.Device{Name: name, LastSeen: seen})
	}
	return out, nil
}

// DeliveryState returns a copy of the state record, for tests.
func (s *Store) DeliveryState(messageID int64, recipient string) (store.DeliveryState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[stateKey{messageID, recipient}]
	if !ok {
		return store.DeliveryState{}, false
	}
	return *st, true
}

func (s *Store) Close() error { return nil }
