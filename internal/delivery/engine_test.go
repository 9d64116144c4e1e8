package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jonathan17ux/valentine-iot/internal/store"
	"github.com/jonathan17ux/valentine-iot/internal/store/memstore"
)

var testPair = [2]string{"chile", "miami"}

// fakePusher stands in for the relay's session-backed pusher.
type fakePusher struct {
	mu       sync.Mutex
	online   map[string]bool
	failNext int
	pushed   []store.Message
}

func newFakePusher() *fakePusher {
	return &fakePusher{online: map[string]bool{}}
}

func (f *fakePusher) PushDeliver(device string, m store.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.online[device] {
		return ErrNotConnected
	}
	if f.failNext > 0 {
		f.failNext--
		return errors.New("write: broken pipe")
	}
	f.pushed = append(f.pushed, m)
	return nil
}

func (f *fakePusher) setOnline(device string, v bool) {
	f.mu.Lock()
	f.online[device] = v
	f.mu.Unlock()
}

func (f *fakePusher) pushedIDs() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int64, len(f.pushed))
	for i, m := range f.pushed {
		out[i] = m.ID
	}
	return out
}

func newTestEngine(t *testing.T, st store.Store, push Pusher, opts Options) *Engine {
	t.Helper()
	e := New(st, push, testPair, zap.NewNop(), opts)
	t.Cleanup(e.Stop)
	return e
}

func fastOpts() Options {
	return Options{
		AckTimeout:  30 * time.Millisecond,
		MaxAttempts: 3,
		BackoffBase: 10 * time.Millisecond,
		BackoffCap:  50 * time.Millisecond,
	}
}

func TestOfflineRecipientLeavesMessagePending(t *testing.T) {
	st := memstore.New()
	push := newFakePusher()
	e := newTestEngine(t, st, push, fastOpts())
	ctx := context.Background()

	msg, err := st.Append(ctx, "chile", "miami", "❤️", "", "")
	require.NoError(t, err)

	assert.False(t, e.Dispatch(ctx, msg), "offline recipient must not count as delivered")

	state, ok := st.DeliveryState(msg.ID, "miami")
	require.True(t, ok)
	assert.Equal(t, store.StatusPending, state.Status)
	assert.Empty(t, push.pushedIDs())
}

func TestBacklogDeliveredInOrderOnConnect(t *testing.T) {
	st := memstore.New()
	push := newFakePusher()
	e := newTestEngine(t, st, push, fastOpts())
	ctx := context.Background()

	// Three sends while miami has never connected.
	for _, emoji := range []string{"❤️", "😂", "🎉"} {
		msg, err := st.Append(ctx, "chile", "miami", emoji, "", "")
		require.NoError(t, err)
		e.Dispatch(ctx, msg)
	}

	push.setOnline("miami", true)
	n, err := e.SyncBacklog(ctx, "miami")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []int64{1, 2, 3}, push.pushedIDs())

	for id := int64(1); id <= 3; id++ {
		require.NoError(t, e.HandleAck(ctx, "miami", id))
	}
	pending, err := st.ListPending(ctx, "miami")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestAckCancelsRetries(t *testing.T) {
	st := memstore.New()
	push := newFakePusher()
	push.setOnline("miami", true)
	opts := fastOpts()
	opts.AckTimeout = 200 * time.Millisecond // ack lands well before the timer
	e := newTestEngine(t, st, push, opts)
	ctx := context.Background()

	msg, err := st.Append(ctx, "chile", "miami", "❤️", "", "")
	require.NoError(t, err)
	require.True(t, e.Dispatch(ctx, msg))
	require.NoError(t, e.HandleAck(ctx, "miami", msg.ID))

	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, []int64{1}, push.pushedIDs(), "acked message must not be redelivered")

	state, _ := st.DeliveryState(msg.ID, "miami")
	assert.Equal(t, store.StatusAcknowledged, state.Status)
}

func TestMissingAckTriggersBoundedRedelivery(t *testing.T) {
	st := memstore.New()
	push := newFakePusher()
	push.setOnline("miami", true)
	e := newTestEngine(t, st, push, fastOpts())
	ctx := context.Background()

	msg, err := st.Append(ctx, "chile", "miami", "❤️", "", "")
	require.NoError(t, err)
	require.True(t, e.Dispatch(ctx, msg))

	// MaxAttempts=3: the initial push plus two timeout redeliveries, then
	// the engine parks the message until the next registration.
	require.Eventually(t, func() bool {
		return len(push.pushedIDs()) == 3
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(300 * time.Millisecond)
	assert.Len(t, push.pushedIDs(), 3, "retry budget must be bounded")

	// Still not dropped: a fresh registration replays it.
	n, err := e.SyncBacklog(ctx, "miami")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestFailedPushIsRedeliveredExactlyOnce(t *testing.T) {
	st := memstore.New()
	push := newFakePusher()
	push.setOnline("miami", true)
	push.failNext = 1
	opts := fastOpts()
	opts.AckTimeout = 200 * time.Millisecond // ack lands well before the redelivery timer
	e := newTestEngine(t, st, push, opts)
	ctx := context.Background()

	msg, err := st.Append(ctx, "chile", "miami", "❤️", "", "")
	require.NoError(t, err)
	assert.False(t, e.Dispatch(ctx, msg), "first push drops mid-send")

	require.Eventually(t, func() bool {
		return len(push.pushedIDs()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, e.HandleAck(ctx, "miami", msg.ID))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, []int64{1}, push.pushedIDs())
}

func TestDispatchPreservesAppendOrderAfterFailedPush(t *testing.T) {
	st := memstore.New()
	push := newFakePusher()
	push.setOnline("miami", true)
	push.failNext = 1
	e := newTestEngine(t, st, push, fastOpts())
	ctx := context.Background()

	first, err := st.Append(ctx, "chile", "miami", "❤️", "", "")
	require.NoError(t, err)
	assert.False(t, e.Dispatch(ctx, first), "first push drops mid-send")

	// A new send arrives before the retry timer fires. It must not jump
	// ahead of the earlier message.
	second, err := st.Append(ctx, "chile", "miami", "😂", "", "")
	require.NoError(t, err)
	require.True(t, e.Dispatch(ctx, second))

	assert.Equal(t, []int64{first.ID, second.ID}, push.pushedIDs(),
		"per-recipient delivery order must equal append order")
}

func TestDispatchAfterReconnectReplaysBacklogFirst(t *testing.T) {
	st := memstore.New()
	push := newFakePusher()
	e := newTestEngine(t, st, push, fastOpts())
	ctx := context.Background()

	// Queued while the recipient was offline.
	first, err := st.Append(ctx, "chile", "miami", "❤️", "", "")
	require.NoError(t, err)
	e.Dispatch(ctx, first)

	// The recipient comes online and a live send lands before the
	// registration's backlog sync has run.
	push.setOnline("miami", true)
	second, err := st.Append(ctx, "chile", "miami", "😂", "", "")
	require.NoError(t, err)
	require.True(t, e.Dispatch(ctx, second))

	assert.Equal(t, []int64{first.ID, second.ID}, push.pushedIDs())
}

func TestLockSingleMutexPerRecipient(t *testing.T) {
	e := newTestEngine(t, memstore.New(), newFakePusher(), fastOpts())

	var wg sync.WaitGroup
	locks := make([]*sync.Mutex, 16)
	for i := range locks {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			locks[i] = e.lock("tokyo")
		}(i)
	}
	wg.Wait()
	for _, lk := range locks {
		assert.Same(t, locks[0], lk)
	}
}

func TestAckAfterReconnectFinalizesState(t *testing.T) {
	st := memstore.New()
	push := newFakePusher()
	push.setOnline("miami", true)
	e := newTestEngine(t, st, push, fastOpts())
	ctx := context.Background()

	msg, err := st.Append(ctx, "chile", "miami", "❤️", "", "")
	require.NoError(t, err)
	require.True(t, e.Dispatch(ctx, msg))

	// Connection drops between Delivered and Ack; the ack arrives on the
	// next connection.
	push.setOnline("miami", false)
	push.setOnline("miami", true)
	require.NoError(t, e.HandleAck(ctx, "miami", msg.ID))

	state, _ := st.DeliveryState(msg.ID, "miami")
	assert.Equal(t, store.StatusAcknowledged, state.Status)

	wm, err := st.LastAcknowledgedID(ctx, "miami")
	require.NoError(t, err)
	assert.Equal(t, msg.ID, wm)
}

func TestStartRehydratesPendingBacklog(t *testing.T) {
	st := memstore.New()
	push := newFakePusher()
	push.setOnline("miami", true)

	// Messages appended by a previous process life.
	ctx := context.Background()
	_, err := st.Append(ctx, "chile", "miami", "❤️", "", "")
	require.NoError(t, err)
	_, err = st.Append(ctx, "chile", "miami", "😂", "", "")
	require.NoError(t, err)

	e := newTestEngine(t, st, push, fastOpts())
	e.Start(ctx)
	assert.Equal(t, []int64{1, 2}, push.pushedIDs())
}
