// ABOUTME: Tests for configuration parsing, defaults, validation, and fingerprinting
// ABOUTME: Covers env var expansion and raw duration string parsing

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
server:
  addr: "localhost:8080"
database:
  path: "/tmp/gateway.db"
`

func TestParse_Minimal(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, "localhost:8080", cfg.Server.Addr)
	assert.Equal(t, "/tmp/gateway.db", cfg.Database.Path)
}

func TestParse_AppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, DefaultOutboundQueue, cfg.Limits.OutboundQueue)
	assert.Equal(t, int64(DefaultMaxFrameBytes), cfg.Limits.MaxFrameBytes)
	assert.Equal(t, DefaultHandshakeTimeout, cfg.Limits.HandshakeTimeout)
	assert.Equal(t, DefaultSlowConsumerGrace, cfg.Limits.SlowConsumerGrace)
	assert.Equal(t, DefaultIdleTimeout, cfg.Limits.IdleTimeout)
	assert.Equal(t, DefaultPairingExpiry, cfg.Auth.PairingExpiry)
	assert.Equal(t, DefaultPairingCodeLength, cfg.Auth.PairingCodeLength)
}

func TestParse_Durations(t *testing.T) {
	yaml := minimalYAML + `
auth:
  pairing_expiry: "90s"
limits:
  handshake_timeout: "3s"
  slow_consumer_grace: "500ms"
  idle_timeout: "10m"
`
	cfg, err := Parse([]byte(yaml))
	require.NoError(t, err)

	assert.Equal(t, 90*time.Second, cfg.Auth.PairingExpiry)
	assert.Equal(t, 3*time.Second, cfg.Limits.HandshakeTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Limits.SlowConsumerGrace)
	assert.Equal(t, 10*time.Minute, cfg.Limits.IdleTimeout)
}

func TestParse_InvalidDuration(t *testing.T) {
	yaml := minimalYAML + `
limits:
  idle_timeout: "not-a-duration"
`
	_, err := Parse([]byte(yaml))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "idle_timeout")
}

func TestParse_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_GW_SECRET", "sekrit-value")

	yaml := minimalYAML + `
auth:
  secret: "${TEST_GW_SECRET}"
`
	cfg, err := Parse([]byte(yaml))
	require.NoError(t, err)
	assert.Equal(t, "sekrit-value", cfg.Auth.Secret)
}

func TestParse_UnsetEnvVarBecomesEmpty(t *testing.T) {
	yaml := minimalYAML + `
auth:
  secret: "${DEFINITELY_NOT_SET_ANYWHERE_XYZ}"
`
	cfg, err := Parse([]byte(yaml))
	require.NoError(t, err)
	assert.Empty(t, cfg.Auth.Secret)
}

func TestValidate_RequiresAddrOrTailscale(t *testing.T) {
	_, err := Parse([]byte(`
database:
  path: "/tmp/gateway.db"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.addr")
}

func TestValidate_TailscaleNeedsHostname(t *testing.T) {
	_, err := Parse([]byte(`
tailscale:
  enabled: true
database:
  path: "/tmp/gateway.db"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tailscale.hostname")
}

func TestValidate_RequiresDatabasePath(t *testing.T) {
	_, err := Parse([]byte(`
server:
  addr: "localhost:8080"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.path")
}

func TestValidate_PairingCodeLengthBounds(t *testing.T) {
	yaml := minimalYAML + `
auth:
  pairing_code_length: 3
`
	_, err := Parse([]byte(yaml))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pairing_code_length")
}

func TestFingerprint_StableAndSensitive(t *testing.T) {
	a, err := Parse([]byte(minimalYAML))
	require.NoError(t, err)
	b, err := Parse([]byte(minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.NotEmpty(t, a.Fingerprint())

	c, err := Parse([]byte(minimalYAML + `
logging:
  level: "debug"
`))
	require.NoError(t, err)
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())
}
