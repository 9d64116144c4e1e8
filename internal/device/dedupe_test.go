package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMarkHandledDedupesRedeliveries(t *testing.T) {
	c := New(Options{URL: "ws://relay/ws", Device: "miami"}, nil, zap.NewNop())

	require.True(t, c.markHandled(3))
	assert.False(t, c.markHandled(3), "exact redelivery must not reprocess")
	assert.False(t, c.markHandled(2), "older id is a redelivery of already-handled traffic")
	require.True(t, c.markHandled(5))
	assert.False(t, c.markHandled(5))
	require.True(t, c.markHandled(6))
}
