package storage

import (
	"context"
	"errors"
	"time"
)

// ErrAccountNotFound is returned when no local account matches a lookup
var ErrAccountNotFound = errors.New("account not found")

// ErrAmbiguousAccount is returned when a lookup matches more than one account
var ErrAmbiguousAccount = errors.New("lookup matches more than one account")

// ErrSessionNotFound is returned when a session doesn't exist or has expired
var ErrSessionNotFound = errors.New("session not found")

// ErrProviderTokenNotFound is returned when no provider token is stored for an account
var ErrProviderTokenNotFound = errors.New("provider token not found")

// Lookup keys accepted by FindLocalAccount.
const (
	LookupEmail   = "email"
	LookupSubject = "sub"
)

// Account is a local account. Accounts are owned by the host application;
// this service only ever reads them.
type Account struct {
	ID       string `json:"id" firestore:"id"`
	Username string `json:"username,omitempty" firestore:"username,omitempty"`
	Email    string `json:"email,omitempty" firestore:"email,omitempty"`
	// Subject is the provider subject the account is linked to, if any.
	Subject string `json:"subject,omitempty" firestore:"subject,omitempty"`
}

// LocalSession is an authenticated session for a local account.
type LocalSession struct {
	// Token is the bearer credential. It is only populated on creation and
	// is never stored in clear.
	Token     string    `json:"-"`
	AccountID string    `json:"account_id"`
	Subject   string    `json:"subject"`
	Email     string    `json:"email,omitempty"`
	Name      string    `json:"name,omitempty"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the session is no longer valid at now.
func (s *LocalSession) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// ProviderToken is the provider access token kept for provider-side logout.
// There is one per account, from its most recent login; SessionHash names
// the session that login created.
type ProviderToken struct {
	AccessToken string    `json:"access_token"`
	SessionHash string    `json:"session_hash,omitempty"`
	TokenType   string    `json:"token_type,omitempty"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// LoginEvent records a successful login for host auditing.
type LoginEvent struct {
	ID          string    `json:"id" firestore:"id"`
	AccountID   string    `json:"account_id" firestore:"account_id"`
	Subject     string    `json:"subject" firestore:"subject"`
	Issuer      string    `json:"issuer" firestore:"issuer"`
	LookupClaim string    `json:"lookup_claim" firestore:"lookup_claim"`
	At          time.Time `json:"at" firestore:"at"`
}

// AccountDirectory finds existing local accounts. It never creates one.
type AccountDirectory interface {
	// FindLocalAccount returns the account whose key (LookupEmail or
	// LookupSubject) equals value, or ErrAccountNotFound.
	FindLocalAccount(ctx context.Context, key, value string) (*Account, error)
}

// SessionStore persists local sessions keyed by a hash of their token.
type SessionStore interface {
	// CreateSession stores s under a freshly generated token and returns the token.
	CreateSession(ctx context.Context, s LocalSession) (string, error)
	// LookupSession returns the live session for token, or ErrSessionNotFound.
	LookupSession(ctx context.Context, token string) (*LocalSession, error)
	DestroySession(ctx context.Context, token string) error
	// CleanupExpiredSessions deletes expired sessions and returns how many.
	CleanupExpiredSessions(ctx context.Context) (int, error)
}

// ProviderTokenStore keeps one provider access token per local account.
type ProviderTokenStore interface {
	SaveProviderToken(ctx context.Context, accountID string, tok ProviderToken) error
	GetProviderToken(ctx context.Context, accountID string) (*ProviderToken, error)
	DeleteProviderToken(ctx context.Context, accountID string) error
}

// AuditSink receives login events.
type AuditSink interface {
	AuditLogin(ctx context.Context, event LoginEvent) error
}

// Storage combines all host collaborator capabilities needed by oidc-rp
type Storage interface {
	AccountDirectory
	SessionStore
	ProviderTokenStore
	AuditSink
	Close() error
}
