// ABOUTME: Pairing state machine for out-of-band device trust establishment
// ABOUTME: CodeIssued -> AwaitingConfirmation -> Trusted | Expired | Rejected

package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// PairingState enumerates the pairing machine states. Trusted, Expired,
// and Rejected are terminal.
type PairingState string

const (
	PairingCodeIssued           PairingState = "code_issued"
	PairingAwaitingConfirmation PairingState = "awaiting_confirmation"
	PairingTrusted              PairingState = "trusted"
	PairingExpired              PairingState = "expired"
	PairingRejected             PairingState = "rejected"
)

// Pairing errors
var (
	ErrPairingNotFound = errors.New("pairing not found")
	ErrPairingExpired  = errors.New("pairing expired")
	ErrPairingRejected = errors.New("pairing rejected")
	ErrCodeMismatch    = errors.New("pairing code mismatch")
	ErrPairingState    = errors.New("pairing in wrong state")
)

// PairingSession is one in-flight pairing attempt.
type PairingSession struct {
	ID         string
	DeviceName string
	Code       string
	State      PairingState
	CreatedAt  time.Time
	ExpiresAt  time.Time

	timer *time.Timer
}

// TrustWriter persists trust records for completed pairings.
// Implemented by the store package.
type TrustWriter interface {
	CreateTrustedDevice(ctx context.Context, device *TrustedDevice) error
}

// PairingManager owns all in-flight pairing sessions. Each session has a
// cancellable expiry timer; a firing timer only ever touches its own
// session, so a stuck or failed pairing never affects the rest.
type PairingManager struct {
	mu       sync.Mutex
	sessions map[string]*PairingSession

	expiry    time.Duration
	retention time.Duration
	codeLen   int
	tokenTTL  time.Duration
	verifier  *JWTVerifier
	trust     TrustWriter
	logger    *slog.Logger
}

// NewPairingManager creates a pairing manager. The expiry duration is the
// tunable window between code issuance and forced expiry.
func NewPairingManager(expiry time.Duration, codeLen int, verifier *JWTVerifier, trust TrustWriter, logger *slog.Logger) *PairingManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &PairingManager{
		sessions:  make(map[string]*PairingSession),
		expiry:    expiry,
		retention: expiry * 10,
		codeLen:   codeLen,
		tokenTTL:  30 * 24 * time.Hour,
		verifier:  verifier,
		trust:     trust,
		logger:    logger.With("component", "pairing"),
	}
}

// SetPolicy updates the expiry window and code length for subsequently
// issued pairings. In-flight pairings keep the window they were issued
// with.
func (m *PairingManager) SetPolicy(expiry time.Duration, codeLen int) {
	m.mu.Lock()
	m.expiry = expiry
	m.retention = expiry * 10
	m.codeLen = codeLen
	m.mu.Unlock()
}

// Begin starts a pairing attempt for a device and issues a fresh code.
func (m *PairingManager) Begin(deviceName string) (*PairingSession, error) {
	m.mu.Lock()
	codeLen, expiry := m.codeLen, m.expiry
	m.mu.Unlock()

	code, err := generateCode(codeLen)
	if err != nil {
		return nil, fmt.Errorf("generating pairing code: %w", err)
	}

	now := time.Now()
	sess := &PairingSession{
		ID:         uuid.New().String(),
		DeviceName: deviceName,
		Code:       code,
		State:      PairingCodeIssued,
		CreatedAt:  now,
		ExpiresAt:  now.Add(expiry),
	}

	m.mu.Lock()
	m.sessions[sess.ID] = sess
	sess.timer = time.AfterFunc(expiry, func() { m.expire(sess.ID) })
	m.mu.Unlock()

	m.logger.Info("pairing started", "pairing_id", sess.ID, "device", deviceName, "expires_at", sess.ExpiresAt)
	return sess, nil
}

// Submit presents the code from the device. A correct code moves the
// session to AwaitingConfirmation; a wrong code leaves it unchanged.
func (m *PairingManager) Submit(pairingID, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[pairingID]
	if !ok {
		return ErrPairingNotFound
	}

	switch sess.State {
	case PairingExpired:
		return ErrPairingExpired
	case PairingRejected:
		return ErrPairingRejected
	case PairingCodeIssued:
	default:
		return fmt.Errorf("%w: %s", ErrPairingState, sess.State)
	}

	if subtle.ConstantTimeCompare([]byte(sess.Code), []byte(code)) != 1 {
		return ErrCodeMismatch
	}

	sess.State = PairingAwaitingConfirmation
	m.logger.Info("pairing code accepted", "pairing_id", pairingID)
	return nil
}

// Confirm approves a pairing awaiting confirmation. It persists a trust
// record and returns a device token the client uses for reauthentication.
// Confirmation after expiry fails with ErrPairingExpired.
func (m *PairingManager) Confirm(ctx context.Context, pairingID, profile string) (string, error) {
	m.mu.Lock()
	sess, ok := m.sessions[pairingID]
	if !ok {
		m.mu.Unlock()
		return "", ErrPairingNotFound
	}

	switch sess.State {
	case PairingExpired:
		m.mu.Unlock()
		return "", ErrPairingExpired
	case PairingRejected:
		m.mu.Unlock()
		return "", ErrPairingRejected
	case PairingAwaitingConfirmation:
	default:
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrPairingState, sess.State)
	}

	// Claim the session so a concurrent confirm cannot double-mint, but
	// keep it in the map until the trust record commits: a failed mint or
	// store write leaves the pairing confirmable again.
	sess.State = PairingTrusted
	deviceName := sess.DeviceName
	m.mu.Unlock()

	token, device, err := m.mintTrust(ctx, deviceName, profile)
	if err != nil {
		m.unclaim(pairingID)
		return "", err
	}

	m.mu.Lock()
	if sess, ok := m.sessions[pairingID]; ok {
		sess.stopTimer()
		delete(m.sessions, pairingID)
	}
	m.mu.Unlock()

	m.logger.Info("pairing trusted", "pairing_id", pairingID, "device_id", device.ID, "profile", profile)
	return token, nil
}

// mintTrust generates a device token and persists the matching trust
// record. The token is reduced to a digest before bcrypt so the hash
// input stays within bcrypt's length limit.
func (m *PairingManager) mintTrust(ctx context.Context, deviceName, profile string) (string, *TrustedDevice, error) {
	deviceID := uuid.New().String()
	token, err := m.verifier.Generate(deviceID, m.tokenTTL)
	if err != nil {
		return "", nil, fmt.Errorf("minting device token: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword(tokenDigest(token), bcrypt.DefaultCost)
	if err != nil {
		return "", nil, fmt.Errorf("hashing device token: %w", err)
	}

	device := &TrustedDevice{
		ID:         deviceID,
		Name:       deviceName,
		SecretHash: hash,
		Profile:    profile,
	}
	if err := m.trust.CreateTrustedDevice(ctx, device); err != nil {
		return "", nil, fmt.Errorf("persisting trust record: %w", err)
	}
	return token, device, nil
}

// unclaim returns a claimed session to AwaitingConfirmation after a
// failed confirm, unless its expiry deadline passed while it was claimed.
func (m *PairingManager) unclaim(pairingID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[pairingID]
	if !ok || sess.State != PairingTrusted {
		return
	}
	if time.Now().After(sess.ExpiresAt) {
		sess.State = PairingExpired
		m.scheduleRemoval(sess)
		return
	}
	sess.State = PairingAwaitingConfirmation
}

// Reject terminates a pairing attempt. Terminal and idempotent for
// already-rejected sessions.
func (m *PairingManager) Reject(pairingID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[pairingID]
	if !ok {
		return ErrPairingNotFound
	}
	if sess.State == PairingRejected {
		return nil
	}
	if sess.State == PairingExpired {
		return ErrPairingExpired
	}

	sess.State = PairingRejected
	m.scheduleRemoval(sess)
	m.logger.Info("pairing rejected", "pairing_id", pairingID)
	return nil
}

// Get returns a snapshot of a pairing session's public state.
func (m *PairingManager) Get(pairingID string) (*PairingSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[pairingID]
	if !ok {
		return nil, ErrPairingNotFound
	}
	snapshot := *sess
	snapshot.timer = nil
	return &snapshot, nil
}

// Close cancels all outstanding expiry timers.
func (m *PairingManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sess := range m.sessions {
		sess.stopTimer()
	}
}

// expire transitions a session to Expired when its timer fires. The
// session is kept for the retention window so a late confirm sees
// ErrPairingExpired rather than not-found, then evicted for good.
func (m *PairingManager) expire(pairingID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[pairingID]
	if !ok {
		return
	}
	switch sess.State {
	case PairingTrusted, PairingRejected, PairingExpired:
		return
	}

	sess.State = PairingExpired
	m.scheduleRemoval(sess)
	m.logger.Info("pairing expired", "pairing_id", pairingID, "device", sess.DeviceName)
}

// scheduleRemoval arms eviction of a terminal session after the retention
// window. Terminal sessions never come back, so unauthenticated pair.begin
// calls cannot grow the map without bound. Must be called with mu held.
func (m *PairingManager) scheduleRemoval(sess *PairingSession) {
	sess.stopTimer()
	id := sess.ID
	sess.timer = time.AfterFunc(m.retention, func() { m.remove(id) })
}

// remove evicts a session once its retention window lapses.
func (m *PairingManager) remove(pairingID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sess, ok := m.sessions[pairingID]; ok {
		sess.stopTimer()
		delete(m.sessions, pairingID)
	}
}

func (s *PairingSession) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
	}
}

// generateCode produces a numeric pairing code of the given length using
// crypto/rand. Entropy is bounded by the configured length; the short
// expiry window is what limits brute forcing.
func generateCode(length int) (string, error) {
	const digits = "0123456789"
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = digits[int(b)%len(digits)]
	}
	return string(buf), nil
}
