package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "relay.yml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadAppliesDefaults(t *testing.T) {
	p := writeConfig(t, `
pair:
  - chile
  - miami
`)
	c, err := Load(p)
	require.NoError(t, err)

	assert.Equal(t, ":7480", c.HTTP.Addr)
	assert.Equal(t, "memory", c.Store.Driver)
	assert.Equal(t, 5*time.Second, c.Delivery.AckTimeout)
	assert.Equal(t, 5, c.Delivery.MaxAttempts)
	assert.Equal(t, 10*time.Second, c.Heartbeat.Interval)
	assert.Equal(t, 3, c.Heartbeat.MaxMissed)
	assert.Equal(t, 64, c.SendQueue)
}

func TestLoadOverridesAcrossFiles(t *testing.T) {
	base := writeConfig(t, `
pair:
  - chile
  - miami
http:
  addr: ":9000"
`)
	override := writeConfig(t, `
http:
  addr: ":9100"
delivery:
  ack_timeout: 2s
`)
	c, err := Load(base + "," + override)
	require.NoError(t, err)
	assert.Equal(t, ":9100", c.HTTP.Addr)
	assert.Equal(t, 2*time.Second, c.Delivery.AckTimeout)
	assert.Equal(t, []string{"chile", "miami"}, c.Pair)
}

func TestLoadRejectsBadPair(t *testing.T) {
	_, err := Load(writeConfig(t, "pair: [chile]\n"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "pair: [chile, chile]\n"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "pair: [chile, miami, tokyo]\n"))
	assert.Error(t, err)
}

func TestLoadRejectsMySQLWithoutDSN(t *testing.T) {
	_, err := Load(writeConfig(t, `
pair: [chile, miami]
store:
  driver: mysql
`))
	assert.Error(t, err)
}

func TestPeerOf(t *testing.T) {
	c, err := Load(writeConfig(t, "pair: [chile, miami]\n"))
	require.NoError(t, err)

	assert.Equal(t, "miami", c.PeerOf("chile"))
	assert.Equal(t, "chile", c.PeerOf("miami"))
	assert.Empty(t, c.PeerOf("tokyo"))
}
