// ABOUTME: Auth gate validating credentials and resolving permission sets
// ABOUTME: Compares secrets in constant time; accepts shared secret or device JWTs

package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"log/slog"

	"golang.org/x/crypto/bcrypt"

	"github.com/2389/hearth-gateway/internal/config"
)

// ErrInvalidCredential is returned when no configured credential matches.
// The connection stays unauthenticated but alive.
var ErrInvalidCredential = errors.New("invalid credential")

// DefaultPermissions are granted when the shared secret matches and no
// "default" profile overrides them.
var DefaultPermissions = []string{"chat", "sessions.read", "sessions.write", "events"}

// TrustStore persists pairing trust records. Implemented by the store package.
type TrustStore interface {
	GetTrustedDevice(ctx context.Context, deviceID string) (*TrustedDevice, error)
}

// TrustedDevice is a persisted trust record created by a completed pairing.
type TrustedDevice struct {
	ID          string
	Name        string
	SecretHash  []byte
	Profile     string
	Permissions []string
}

// tokenDigest reduces a device token to a fixed-size digest. Both the
// pairing hash and the gate's comparison go through it, keeping the
// bcrypt input well under its length limit regardless of token size.
func tokenDigest(token string) []byte {
	sum := sha256.Sum256([]byte(token))
	return sum[:]
}

// Gate validates credentials and produces authorization contexts.
type Gate struct {
	secret   []byte
	profiles map[string]config.Profile
	verifier *JWTVerifier
	trust    TrustStore
	logger   *slog.Logger
}

// NewGate creates a Gate. verifier and trust may be nil when device
// tokens are not in use; profiles may be empty.
func NewGate(secret string, profiles map[string]config.Profile, verifier *JWTVerifier, trust TrustStore, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		secret:   []byte(secret),
		profiles: profiles,
		verifier: verifier,
		trust:    trust,
		logger:   logger.With("component", "auth-gate"),
	}
}

// Authenticate validates the supplied credential for a connection and
// resolves the permission set of the owning client profile. All secret
// comparisons are constant-time; every configured profile is compared on
// every call so timing does not reveal which profile was close.
func (g *Gate) Authenticate(ctx context.Context, connID, credential string) (*Context, error) {
	cred := []byte(credential)

	matchedProfile := ""
	var matchedPerms []string

	for name, p := range g.profiles {
		if subtle.ConstantTimeCompare([]byte(p.Token), cred) == 1 {
			matchedProfile = name
			matchedPerms = p.Permissions
		}
	}

	if matchedProfile == "" && len(g.secret) > 0 && subtle.ConstantTimeCompare(g.secret, cred) == 1 {
		matchedProfile = "default"
		matchedPerms = DefaultPermissions
		if p, ok := g.profiles["default"]; ok {
			matchedPerms = p.Permissions
		}
	}

	if matchedProfile != "" {
		g.logger.Info("connection authenticated", "conn_id", connID, "profile", matchedProfile)
		return NewContext(connID, matchedProfile, matchedPerms), nil
	}

	if ac, err := g.authenticateDevice(ctx, connID, credential); err == nil {
		return ac, nil
	}

	g.logger.Warn("authentication failed", "conn_id", connID)
	return nil, ErrInvalidCredential
}

// authenticateDevice tries the credential as a device JWT minted by a
// completed pairing.
func (g *Gate) authenticateDevice(ctx context.Context, connID, credential string) (*Context, error) {
	if g.verifier == nil || g.trust == nil {
		return nil, ErrInvalidCredential
	}

	deviceID, err := g.verifier.Verify(credential)
	if err != nil {
		return nil, ErrInvalidCredential
	}

	device, err := g.trust.GetTrustedDevice(ctx, deviceID)
	if err != nil {
		return nil, ErrInvalidCredential
	}

	// The signature proves the token came from this gateway; the stored
	// hash pins it to the one token minted at pairing, so a revoked or
	// re-paired device's old token stops working.
	if bcrypt.CompareHashAndPassword(device.SecretHash, tokenDigest(credential)) != nil {
		return nil, ErrInvalidCredential
	}

	perms := device.Permissions
	if len(perms) == 0 {
		if p, ok := g.profiles[device.Profile]; ok {
			perms = p.Permissions
		} else {
			perms = DefaultPermissions
		}
	}

	g.logger.Info("device authenticated", "conn_id", connID, "device_id", device.ID, "device_name", device.Name)
	return NewContext(connID, device.Profile, perms), nil
}
