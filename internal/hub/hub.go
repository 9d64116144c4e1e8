// Package hub is the session registry: at most one live session per device
// identity. A new connection from the same identity evicts the old one, and
// the evicted handle is closed exactly once.
package hub

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrClosed       = errors.New("hub: session closed")
	ErrBackpressure = errors.New("hub: outbound queue full")
)

// Handle is the underlying network connection owned by a session.
type Handle interface {
	Close() error
}

// Session binds one device identity to one live connection. Out is the
// bounded outbound frame queue drained by the connection's write loop.
type Session struct {
	Device      string
	ConnID      uint64
	ConnectedAt time.Time

	handle Handle
	out    chan []byte
	done   chan struct{}
	once   sync.Once
}

func NewSession(device string, connID uint64, handle Handle, queueSize int) *Session {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Session{
		Device:      device,
		ConnID:      connID,
		ConnectedAt: time.Now(),
		handle:      handle,
		out:         make(chan []byte, queueSize),
		done:        make(chan struct{}),
	}
}

// Enqueue queues a frame for the write loop. It never blocks: a full queue
// is backpressure, a closed session is a dead connection.
func (s *Session) Enqueue(frame []byte) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	select {
	case s.out <- frame:
		return nil
	case <-s.done:
		return ErrClosed
	default:
		return ErrBackpressure
	}
}

// Out is read by the write loop.
func (s *Session) Out() <-chan []byte { return s.out }

// Done is closed when the session is shut down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close shuts the session down and closes the underlying handle exactly
// once, no matter how many of eviction, read-loop exit, and write-loop exit
// race to call it.
func (s *Session) Close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.handle.Close()
	})
}

type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func New() *Hub {
	return &Hub{sessions: make(map[string]*Session)}
}

// Register installs s as the live session for its device. Any prior session
// for the same identity is removed and closed before s becomes visible; the
// evicted session (if any) is returned for logging.
func (h *Hub) Register(s *Session) *Session {
	h.mu.Lock()
	prev := h.sessions[s.Device]
	h.sessions[s.Device] = s
	h.mu.Unlock()

	if prev != nil {
		prev.Close()
	}
	return prev
}

func (h *Hub) Lookup(device string) (*Session, bool) {
	h.mu.RLock()
	s, ok := h.sessions[device]
	h.mu.RUnlock()
	return s, ok
}

// Unregister removes the session only if connID still names the registered
// one. A stale disconnect racing a fresh connect is a no-op.
func (h *Hub) Unregister(device string, connID uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.sessions[device]
	if !ok || s.ConnID != connID {
		return false
	}
	delete(h.sessions, device)
	return true
}

func (h *Hub) Len() int {
	h.mu.RLock()
	n := len(h.sessions)
	h.mu.RUnlock()
	return n
}
