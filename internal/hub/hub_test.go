package hub

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandle struct {
	closes atomic.Int32
}

func (f *fakeHandle) Close() error {
	f.closes.Add(1)
	return nil
}

func TestRegisterLookup(t *testing.T) {
	h := New()
	s := NewSession("chile", 1, &fakeHandle{}, 4)

	require.Nil(t, h.Register(s))
	got, ok := h.Lookup("chile")
	require.True(t, ok)
	assert.Same(t, s, got)
	assert.Equal(t, 1, h.Len())

	_, ok = h.Lookup("miami")
	assert.False(t, ok)
}

func TestRegisterEvictsPriorExactlyOnce(t *testing.T) {
	h := New()
	old := &fakeHandle{}
	s1 := NewSession("chile", 1, old, 4)
	s2 := NewSession("chile", 2, &fakeHandle{}, 4)

	h.Register(s1)
	evicted := h.Register(s2)
	require.Same(t, s1, evicted)
	assert.Equal(t, int32(1), old.closes.Load())

	// Racing closes (read loop exit, write loop exit) still close once.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s1.Close()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), old.closes.Load())

	got, ok := h.Lookup("chile")
	require.True(t, ok)
	assert.Same(t, s2, got)
	assert.Equal(t, 1, h.Len())
}

func TestUnregisterIgnoresStaleHandle(t *testing.T) {
	h := New()
	s1 := NewSession("chile", 1, &fakeHandle{}, 4)
	s2 := NewSession("chile", 2, &fakeHandle{}, 4)

	h.Register(s1)
	h.Register(s2)

	// The evicted connection's deferred unregister races the new connect;
	// it must not remove the fresh session.
	assert.False(t, h.Unregister("chile", 1))
	_, ok := h.Lookup("chile")
	assert.True(t, ok)

	assert.True(t, h.Unregister("chile", 2))
	_, ok = h.Lookup("chile")
	assert.False(t, ok)
}

func TestEnqueueBackpressureAndClose(t *testing.T) {
	s := NewSession("chile", 1, &fakeHandle{}, 2)

	require.NoError(t, s.Enqueue([]byte("a")))
	require.NoError(t, s.Enqueue([]byte("b")))
	assert.ErrorIs(t, s.Enqueue([]byte("c")), ErrBackpressure)

	s.Close()
	assert.ErrorIs(t, s.Enqueue([]byte("d")), ErrClosed)
}
