package loginstate

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/dgellow/oidc-rp/internal/crypto"
	"github.com/dgellow/oidc-rp/internal/log"
	"golang.org/x/oauth2"
)

// stateBytes is the amount of randomness in a state value (128 bits).
const stateBytes = 16

var stateFormat = regexp.MustCompile(`^[0-9a-f]{32}$`)

var (
	// ErrNotFound means no pending login exists for the state. Unknown,
	// already consumed and malformed states all report this.
	ErrNotFound = errors.New("login state not found")

	// ErrExpired means the pending login existed but outlived its TTL.
	// It has been removed regardless.
	ErrExpired = errors.New("login state expired")

	// ErrDuplicate is returned by Store.Put when the state is already present.
	ErrDuplicate = errors.New("login state already exists")
)

// PendingLogin is the server-side record of a login attempt between the
// redirect to the provider and the callback.
type PendingLogin struct {
	State        string    `json:"state"`
	Nonce        string    `json:"nonce"`
	CodeVerifier string    `json:"code_verifier,omitempty"`
	ReturnTo     string    `json:"return_to,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// CodeChallenge returns the S256 PKCE challenge for the verifier, or "" when
// PKCE is not in use.
func (p *PendingLogin) CodeChallenge() string {
	if p.CodeVerifier == "" {
		return ""
	}
	return oauth2.S256ChallengeFromVerifier(p.CodeVerifier)
}

// Store persists pending logins. Take must be atomic: of two concurrent
// calls for the same state at most one may succeed.
type Store interface {
	Put(ctx context.Context, p PendingLogin) error
	Take(ctx context.Context, state string) (PendingLogin, error)
}

// Manager creates and consumes single-use login attempts.
type Manager struct {
	store Store
	ttl   time.Duration
	pkce  bool
	now   func() time.Time
}

// NewManager creates a manager that issues attempts valid for ttl.
func NewManager(store Store, ttl time.Duration, pkce bool) *Manager {
	return &Manager{
		store: store,
		ttl:   ttl,
		pkce:  pkce,
		now:   time.Now,
	}
}

// Begin starts a login attempt with fresh state, nonce and (when enabled)
// PKCE verifier and stores it before returning.
func (m *Manager) Begin(ctx context.Context, returnTo string) (*PendingLogin, error) {
	state, err := crypto.GenerateHexToken(stateBytes)
	if err != nil {
		return nil, fmt.Errorf("generating state: %w", err)
	}
	nonce, err := crypto.GenerateSecureToken()
	if err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	now := m.now()
	p := PendingLogin{
		State:     state,
		Nonce:     nonce,
		ReturnTo:  returnTo,
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}
	if m.pkce {
		p.CodeVerifier = oauth2.GenerateVerifier()
	}

	if err := m.store.Put(ctx, p); err != nil {
		return nil, fmt.Errorf("storing login state: %w", err)
	}

	log.LogTraceWithFields("loginstate", "Login attempt started", map[string]any{
		"expiresAt": p.ExpiresAt,
		"pkce":      m.pkce,
	})
	return &p, nil
}

// Consume atomically removes and returns the pending login for state.
// A second Consume with the same state returns ErrNotFound.
func (m *Manager) Consume(ctx context.Context, state string) (*PendingLogin, error) {
	if !stateFormat.MatchString(state) {
		return nil, ErrNotFound
	}

	p, err := m.store.Take(ctx, state)
	if err != nil {
		return nil, err
	}
	if !m.now().Before(p.ExpiresAt) {
		return nil, ErrExpired
	}
	return &p, nil
}

// IsInvalidState reports whether err means the callback state cannot be used.
func IsInvalidState(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrExpired)
}
