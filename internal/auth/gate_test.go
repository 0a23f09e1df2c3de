// ABOUTME: Tests for the credential gate and permission resolution
// ABOUTME: Covers shared secret, profile tokens, device JWTs, and rejection

package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/2389/hearth-gateway/internal/config"
)

// fakeTrustStore serves trust records from a map.
type fakeTrustStore struct {
	devices map[string]*TrustedDevice
}

func (f *fakeTrustStore) GetTrustedDevice(_ context.Context, deviceID string) (*TrustedDevice, error) {
	d, ok := f.devices[deviceID]
	if !ok {
		return nil, ErrInvalidCredential
	}
	return d, nil
}

// deviceHash produces the trust record hash for a minted token, the way
// a completed pairing would.
func deviceHash(t *testing.T, token string) []byte {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword(tokenDigest(token), bcrypt.MinCost)
	require.NoError(t, err)
	return hash
}

func TestGate_SharedSecret(t *testing.T) {
	g := NewGate("shared-secret", nil, nil, nil, nil)

	ac, err := g.Authenticate(t.Context(), "conn-1", "shared-secret")
	require.NoError(t, err)

	assert.True(t, ac.Authenticated)
	assert.Equal(t, "default", ac.Profile)
	for _, p := range DefaultPermissions {
		assert.True(t, ac.Has(p), "missing default permission %q", p)
	}
	assert.False(t, ac.Has("admin"))
}

func TestGate_ProfileToken(t *testing.T) {
	profiles := map[string]config.Profile{
		"ops": {Token: "ops-token", Permissions: []string{"admin", "events"}},
	}
	g := NewGate("shared-secret", profiles, nil, nil, nil)

	ac, err := g.Authenticate(t.Context(), "conn-1", "ops-token")
	require.NoError(t, err)

	assert.Equal(t, "ops", ac.Profile)
	assert.True(t, ac.Has("admin"))
	assert.False(t, ac.Has("chat"))
}

func TestGate_DefaultProfileOverridesSharedSecretPerms(t *testing.T) {
	profiles := map[string]config.Profile{
		"default": {Token: "unused-token", Permissions: []string{"chat"}},
	}
	g := NewGate("shared-secret", profiles, nil, nil, nil)

	ac, err := g.Authenticate(t.Context(), "conn-1", "shared-secret")
	require.NoError(t, err)

	assert.True(t, ac.Has("chat"))
	assert.False(t, ac.Has("sessions.write"))
}

func TestGate_InvalidCredential(t *testing.T) {
	g := NewGate("shared-secret", nil, nil, nil, nil)

	ac, err := g.Authenticate(t.Context(), "conn-1", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredential)
	assert.Nil(t, ac)
}

func TestGate_EmptySecretNeverMatches(t *testing.T) {
	g := NewGate("", nil, nil, nil, nil)

	_, err := g.Authenticate(t.Context(), "conn-1", "")
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

func TestGate_DeviceToken(t *testing.T) {
	verifier := NewJWTVerifier([]byte("jwt-secret"))
	token, err := verifier.Generate("device-7", time.Hour)
	require.NoError(t, err)

	trust := &fakeTrustStore{devices: map[string]*TrustedDevice{
		"device-7": {ID: "device-7", Name: "laptop", SecretHash: deviceHash(t, token), Profile: "mobile", Permissions: []string{"chat", "events"}},
	}}
	g := NewGate("shared-secret", nil, verifier, trust, nil)

	ac, err := g.Authenticate(t.Context(), "conn-1", token)
	require.NoError(t, err)

	assert.Equal(t, "mobile", ac.Profile)
	assert.True(t, ac.Has("chat"))
	assert.False(t, ac.Has("sessions.write"))
}

func TestGate_DeviceTokenHashMismatch(t *testing.T) {
	verifier := NewJWTVerifier([]byte("jwt-secret"))
	oldToken, err := verifier.Generate("device-7", time.Hour)
	require.NoError(t, err)
	// The device re-paired, so the trust record holds a newer token's hash.
	newToken, err := verifier.Generate("device-7", 2*time.Hour)
	require.NoError(t, err)

	trust := &fakeTrustStore{devices: map[string]*TrustedDevice{
		"device-7": {ID: "device-7", Name: "laptop", SecretHash: deviceHash(t, newToken), Profile: "mobile"},
	}}
	g := NewGate("shared-secret", nil, verifier, trust, nil)

	// The old token still carries a valid signature but no longer matches
	// the stored hash.
	_, err = g.Authenticate(t.Context(), "conn-1", oldToken)
	assert.ErrorIs(t, err, ErrInvalidCredential)

	_, err = g.Authenticate(t.Context(), "conn-1", newToken)
	assert.NoError(t, err)
}

func TestGate_DeviceTokenUnknownDevice(t *testing.T) {
	verifier := NewJWTVerifier([]byte("jwt-secret"))
	token, err := verifier.Generate("ghost-device", time.Hour)
	require.NoError(t, err)

	trust := &fakeTrustStore{devices: map[string]*TrustedDevice{}}
	g := NewGate("shared-secret", nil, verifier, trust, nil)

	_, err = g.Authenticate(t.Context(), "conn-1", token)
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

func TestGate_DeviceFallsBackToDefaultPermissions(t *testing.T) {
	verifier := NewJWTVerifier([]byte("jwt-secret"))
	token, err := verifier.Generate("device-8", time.Hour)
	require.NoError(t, err)

	trust := &fakeTrustStore{devices: map[string]*TrustedDevice{
		"device-8": {ID: "device-8", Name: "tablet", SecretHash: deviceHash(t, token), Profile: "unknown-profile"},
	}}
	g := NewGate("", nil, verifier, trust, nil)

	ac, err := g.Authenticate(t.Context(), "conn-1", token)
	require.NoError(t, err)
	for _, p := range DefaultPermissions {
		assert.True(t, ac.Has(p))
	}
}

func TestContext_HasAll(t *testing.T) {
	ac := NewContext("conn-1", "ops", []string{"chat", "events"})

	assert.True(t, ac.HasAll([]string{"chat"}))
	assert.True(t, ac.HasAll([]string{"chat", "events"}))
	assert.False(t, ac.HasAll([]string{"chat", "admin"}))
	assert.True(t, ac.HasAll(nil))

	var nilCtx *Context
	assert.False(t, nilCtx.Has("chat"))
	assert.True(t, nilCtx.HasAll(nil))
	assert.False(t, nilCtx.HasAll([]string{"chat"}))
}
