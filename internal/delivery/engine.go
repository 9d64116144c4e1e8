// Package delivery turns "a message exists for recipient X" into "X has
// acknowledged it". It pushes over whatever session is currently registered,
// arms a per-message acknowledgment timer, and redelivers with exponential
// backoff until the recipient acks. Messages are never dropped: the only
// terminal state is Acknowledged, everything else stays Pending in the store
// and is replayed on the next reconnect.
package delivery

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jonathan17ux/valentine-iot/internal/metrics"
	"github.com/jonathan17ux/valentine-iot/internal/store"
)

// ErrNotConnected is returned by a Pusher when the recipient has no live
// session. The message stays Pending with no retry timer; the next backlog
// sync picks it up.
var ErrNotConnected = errors.New("delivery: recipient not connected")

// Pusher writes a deliver frame onto the recipient's live connection.
// Implemented by the relay server over the session registry.
type Pusher interface {
	PushDeliver(device string, msg store.Message) error
}

type Options struct {
	AckTimeout  time.Duration // wait for ack before redelivering
	MaxAttempts int           // delivery attempts per connection epoch
	BackoffBase time.Duration
	BackoffCap  time.Duration
	OpTimeout   time.Duration // store call timeout
}

func (o Options) withDefaults() Options {
	if o.AckTimeout <= 0 {
		o.AckTimeout = 5 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 1 * time.Second
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = 60 * time.Second
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = 3 * time.Second
	}
	return o
}

// retryState is the in-memory timer state for one in-flight message.
// Keyed by message id, never by connection: closing a connection must not
// cancel it.
type retryState struct {
	msg      store.Message
	attempts int
	gaveUp   bool
	timer    *time.Timer
}

type Engine struct {
	store store.Store
	push  Pusher
	log   *zap.Logger
	opts  Options
	pair  [2]string

	// recipMu serializes dispatch and ack handling per recipient, so a
	// message cannot be acknowledged concurrently with its own
	// redelivery.
	recipMu map[string]*sync.Mutex

	mu       sync.Mutex
	inflight map[int64]*retryState
	stopped  bool
}

func New(st store.Store, push Pusher, pair [2]string, log *zap.Logger, opts Options) *Engine {
	e := &Engine{
		store:    st,
		push:     push,
		log:      log,
		opts:     opts.withDefaults(),
		pair:     pair,
		recipMu:  make(map[string]*sync.Mutex, 2),
		inflight: make(map[int64]*retryState),
	}
	for _, d := range pair {
		e.recipMu[d] = &sync.Mutex{}
	}
	return e
}

// Start rehydrates retry state from Pending records, so queued messages
// survive a relay restart without waiting for the next device reconnect.
func (e *Engine) Start(ctx context.Context) {
	for _, d := range e.pair {
		n, err := e.SyncBacklog(ctx, d)
		if err != nil {
			e.log.Warn("backlog rehydrate failed", zap.String("device", d), zap.Error(err))
			continue
		}
		if n > 0 {
			e.log.Info("backlog rehydrated", zap.String("device", d), zap.Int("delivered", n))
		}
	}
}

func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = true
	for _, st := range e.inflight {
		if st.timer != nil {
			st.timer.Stop()
		}
	}
}

func (e *Engine) lock(recipient string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lk, ok := e.recipMu[recipient]
	if !ok {
		// Unknown recipients are rejected at the protocol boundary;
		// this is only reachable from tests driving the engine
		// directly.
		lk = &sync.Mutex{}
		e.recipMu[recipient] = lk
	}
	return lk
}

// Dispatch attempts immediate delivery of a freshly appended message. It
// pushes the whole ordered pending list, not just msg: an earlier message
// still unpushed or awaiting its retry timer must reach the recipient
// first. Returns true when msg itself was pushed to a live session. A
// false return is not an error for the sender: the message is durably
// queued.
func (e *Engine) Dispatch(ctx context.Context, msg store.Message) bool {
	lk := e.lock(msg.Recipient)
	lk.Lock()
	defer lk.Unlock()

	_, lastID, err := e.resyncLocked(ctx, msg.Recipient, false)
	if err != nil {
		e.log.Warn("dispatch resync failed", zap.String("recipient", msg.Recipient), zap.Error(err))
		return false
	}
	return lastID >= msg.ID
}

// SyncBacklog pushes every message not yet acknowledged by device, in
// ascending id order, and resets per-message attempt budgets. Called on
// every session registration and on engine start. Returns the number
// actually pushed.
func (e *Engine) SyncBacklog(ctx context.Context, device string) (int, error) {
	lk := e.lock(device)
	lk.Lock()
	defer lk.Unlock()
	n, _, err := e.resyncLocked(ctx, device, true)
	return n, err
}

// resyncLocked pushes the ordered pending list and returns how many were
// pushed plus the highest id that went out.
func (e *Engine) resyncLocked(ctx context.Context, device string, fresh bool) (int, int64, error) {
	opCtx, cancel := context.WithTimeout(ctx, e.opts.OpTimeout)
	msgs, err := e.store.ListPending(opCtx, device)
	cancel()
	if err != nil {
		return 0, 0, err
	}

	delivered := 0
	var lastID int64
	for _, m := range msgs {
		if !e.dispatchLocked(ctx, m, fresh) {
			// Stop at the first failure: delivery order must match
			// append order, so later messages wait behind this one.
			break
		}
		delivered++
		lastID = m.ID
	}
	return delivered, lastID, nil
}

func (e *Engine) dispatchLocked(ctx context.Context, msg store.Message, fresh bool) bool {
	st := e.stateFor(msg, fresh)
	if st == nil || st.gaveUp {
		return false
	}

	err := e.push.PushDeliver(msg.Recipient, msg)
	if err != nil {
		if errors.Is(err, ErrNotConnected) {
			// No session: stay Pending with no timer. The next
			// registration replays the backlog.
			e.dropState(msg.ID)
			metrics.DeliverOffline.Inc()
			return false
		}
		// Live session but the push failed (backpressure, connection
		// dying under us). Keep the timer armed so we retry shortly.
		metrics.DeliverFailed.Inc()
		e.log.Debug("push failed", zap.Int64("id", msg.ID), zap.String("recipient", msg.Recipient), zap.Error(err))
		e.armRetry(st)
		return false
	}

	st.attempts++
	metrics.DeliverPushed.Inc()

	opCtx, cancel := context.WithTimeout(ctx, e.opts.OpTimeout)
	if err := e.store.MarkDelivered(opCtx, msg.ID, msg.Recipient); err != nil {
		e.log.Warn("mark delivered failed", zap.Int64("id", msg.ID), zap.Error(err))
	}
	cancel()

	e.armRetry(st)
	return true
}

func (e *Engine) stateFor(msg store.Message, fresh bool) *retryState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return nil
	}
	st, ok := e.inflight[msg.ID]
	if !ok {
		st = &retryState{msg: msg}
		e.inflight[msg.ID] = st
	}
	if fresh {
		st.attempts = 0
		st.gaveUp = false
	}
	return st
}

func (e *Engine) dropState(id int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.inflight[id]; ok {
		if st.timer != nil {
			st.timer.Stop()
		}
		delete(e.inflight, id)
	}
}

func (e *Engine) armRetry(st *retryState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	if st.timer != nil {
		st.timer.Stop()
	}
	delay := e.opts.AckTimeout + calcBackoff(st.attempts-1, e.opts.BackoffBase, e.opts.BackoffCap)
	id := st.msg.ID
	recipient := st.msg.Recipient
	st.timer = time.AfterFunc(delay, func() { e.onAckTimeout(id, recipient) })
}

func (e *Engine) onAckTimeout(id int64, recipient string) {
	lk := e.lock(recipient)
	lk.Lock()
	defer lk.Unlock()

	e.mu.Lock()
	st, ok := e.inflight[id]
	if !ok || e.stopped {
		e.mu.Unlock()
		return
	}
	if st.attempts >= e.opts.MaxAttempts {
		// Budget spent for this connection epoch. The message stays
		// Pending in the store and is replayed on the next
		// registration.
		st.gaveUp = true
		e.mu.Unlock()
		metrics.DeliverExhausted.Inc()
		e.log.Warn("retries exhausted, awaiting reconnect",
			zap.Int64("id", id), zap.String("recipient", recipient), zap.Int("attempts", st.attempts))
		return
	}
	e.mu.Unlock()

	metrics.DeliverRetry.Inc()
	// Redeliver the whole pending backlog, not just this message, so the
	// recipient always sees ascending ids.
	if _, _, err := e.resyncLocked(context.Background(), recipient, false); err != nil {
		e.log.Warn("retry resync failed", zap.String("recipient", recipient), zap.Error(err))
	}
}

// HandleAck finalizes a message: cancels its retry timer and records the
// terminal state. Idempotent.
func (e *Engine) HandleAck(ctx context.Context, recipient string, id int64) error {
	lk := e.lock(recipient)
	lk.Lock()
	defer lk.Unlock()

	e.dropState(id)

	opCtx, cancel := context.WithTimeout(ctx, e.opts.OpTimeout)
	defer cancel()
	if err := e.store.MarkAcknowledged(opCtx, id, recipient); err != nil {
		return err
	}
	metrics.AckTotal.Inc()
	return nil
}

func calcBackoff(retry int, base, cap time.Duration) time.Duration {
	if retry <= 0 {
		return 0
	}
	if retry > 8 {
		retry = 8
	}
	d := base << (retry - 1)
	if d > cap {
		d = cap
	}
	return d
}
