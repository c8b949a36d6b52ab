package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dgellow/oidc-rp/internal/crypto"
	"github.com/dgellow/oidc-rp/internal/emailutil"
	"github.com/dgellow/oidc-rp/internal/log"
)

// Ensure MemoryStorage implements required interfaces
var _ Storage = (*MemoryStorage)(nil)

// maxAuditEvents bounds the in-memory audit trail.
const maxAuditEvents = 1000

// MemoryStorage keeps everything in process memory. Accounts are seeded at
// startup with AddAccount.
type MemoryStorage struct {
	accounts      map[string]*Account // map[id] = Account
	accountsMutex sync.RWMutex

	sessions      map[string]*LocalSession // map[sha256(token)] = session
	sessionsMutex sync.RWMutex

	providerTokens      map[string]*ProviderToken // map[accountID] = token
	providerTokensMutex sync.RWMutex

	events      []LoginEvent
	eventsMutex sync.Mutex

	now func() time.Time
}

// NewMemoryStorage creates a new storage instance
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		accounts:       make(map[string]*Account),
		sessions:       make(map[string]*LocalSession),
		providerTokens: make(map[string]*ProviderToken),
		now:            time.Now,
	}
}

// AddAccount inserts or replaces a local account.
func (s *MemoryStorage) AddAccount(a Account) error {
	if a.ID == "" {
		return fmt.Errorf("account id is required")
	}
	a.Email = emailutil.Normalize(a.Email)

	s.accountsMutex.Lock()
	s.accounts[a.ID] = &a
	count := len(s.accounts)
	s.accountsMutex.Unlock()

	log.LogDebugWithFields("storage", "Account added", map[string]any{
		"account": a.ID,
		"total":   count,
	})
	return nil
}

// FindLocalAccount implements AccountDirectory
func (s *MemoryStorage) FindLocalAccount(_ context.Context, key, value string) (*Account, error) {
	if value == "" {
		return nil, ErrAccountNotFound
	}

	var match func(*Account) bool
	switch key {
	case LookupEmail:
		value = emailutil.Normalize(value)
		match = func(a *Account) bool { return a.Email == value }
	case LookupSubject:
		match = func(a *Account) bool { return a.Subject == value }
	default:
		return nil, fmt.Errorf("unsupported lookup key %q", key)
	}

	s.accountsMutex.RLock()
	defer s.accountsMutex.RUnlock()

	var found *Account
	for _, a := range s.accounts {
		if !match(a) {
			continue
		}
		if found != nil {
			return nil, ErrAmbiguousAccount
		}
		found = a
	}
	if found == nil {
		return nil, ErrAccountNotFound
	}
	acct := *found
	return &acct, nil
}

// AccountCount returns the number of local accounts.
func (s *MemoryStorage) AccountCount() int {
	s.accountsMutex.RLock()
	defer s.accountsMutex.RUnlock()
	return len(s.accounts)
}

// CreateSession implements SessionStore
func (s *MemoryStorage) CreateSession(_ context.Context, session LocalSession) (string, error) {
	token, err := crypto.GenerateSecureToken()
	if err != nil {
		return "", fmt.Errorf("generating session token: %w", err)
	}
	session.Token = ""

	s.sessionsMutex.Lock()
	s.sessions[crypto.HashToken(token)] = &session
	s.sessionsMutex.Unlock()

	return token, nil
}

// LookupSession implements SessionStore
func (s *MemoryStorage) LookupSession(_ context.Context, token string) (*LocalSession, error) {
	if token == "" {
		return nil, ErrSessionNotFound
	}

	s.sessionsMutex.RLock()
	session, ok := s.sessions[crypto.HashToken(token)]
	s.sessionsMutex.RUnlock()

	if !ok || session.Expired(s.now()) {
		return nil, ErrSessionNotFound
	}
	out := *session
	return &out, nil
}

// DestroySession implements SessionStore
func (s *MemoryStorage) DestroySession(_ context.Context, token string) error {
	s.sessionsMutex.Lock()
	delete(s.sessions, crypto.HashToken(token))
	s.sessionsMutex.Unlock()
	return nil
}

// CleanupExpiredSessions implements SessionStore
func (s *MemoryStorage) CleanupExpiredSessions(_ context.Context) (int, error) {
	now := s.now()

	s.sessionsMutex.Lock()
	defer s.sessionsMutex.Unlock()

	count := 0
	for key, session := range s.sessions {
		if session.Expired(now) {
			delete(s.sessions, key)
			count++
		}
	}
	return count, nil
}

// SaveProviderToken implements ProviderTokenStore
func (s *MemoryStorage) SaveProviderToken(_ context.Context, accountID string, tok ProviderToken) error {
	tok.UpdatedAt = s.now()

	s.providerTokensMutex.Lock()
	s.providerTokens[accountID] = &tok
	s.providerTokensMutex.Unlock()
	return nil
}

// GetProviderToken implements ProviderTokenStore
func (s *MemoryStorage) GetProviderToken(_ context.Context, accountID string) (*ProviderToken, error) {
	s.providerTokensMutex.RLock()
	defer s.providerTokensMutex.RUnlock()

	tok, ok := s.providerTokens[accountID]
	if !ok {
		return nil, ErrProviderTokenNotFound
	}
	out := *tok
	return &out, nil
}

// DeleteProviderToken implements ProviderTokenStore
func (s *MemoryStorage) DeleteProviderToken(_ context.Context, accountID string) error {
	s.providerTokensMutex.Lock()
	delete(s.providerTokens, accountID)
	s.providerTokensMutex.Unlock()
	return nil
}

// AuditLogin implements AuditSink. Only the most recent events are kept.
func (s *MemoryStorage) AuditLogin(_ context.Context, event LoginEvent) error {
	s.eventsMutex.Lock()
	defer s.eventsMutex.Unlock()

	s.events = append(s.events, event)
	if len(s.events) > maxAuditEvents {
		s.events = s.events[len(s.events)-maxAuditEvents:]
	}
	return nil
}

// LoginEvents returns the retained audit trail, oldest first.
func (s *MemoryStorage) LoginEvents() []LoginEvent {
	s.eventsMutex.Lock()
	defer s.eventsMutex.Unlock()
	return append([]LoginEvent(nil), s.events...)
}

// Close implements Storage
func (s *MemoryStorage) Close() error {
	return nil
}
