package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/dgellow/oidc-rp/internal/crypto"
	"github.com/dgellow/oidc-rp/internal/emailutil"
	"github.com/dgellow/oidc-rp/internal/log"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// DefaultCollectionPrefix is prepended to every collection name.
const DefaultCollectionPrefix = "oidc_rp_"

// FirestoreStorage implements the host collaborators on Google Cloud Firestore.
//
// Accounts are read from the accounts collection, which the host application
// owns and populates. Sessions are keyed by the SHA-256 of their token so a
// database read never yields a usable credential, and provider access tokens
// are encrypted before they are written.
type FirestoreStorage struct {
	client     *firestore.Client
	encryptor  crypto.Encryptor
	accounts   string
	sessions   string
	tokens     string
	loginAudit string
	now        func() time.Time
}

// Ensure FirestoreStorage implements Storage interface
var _ Storage = (*FirestoreStorage)(nil)

// SessionDoc represents a session document in Firestore
type SessionDoc struct {
	AccountID string    `firestore:"account_id"`
	Subject   string    `firestore:"subject"`
	Email     string    `firestore:"email,omitempty"`
	Name      string    `firestore:"name,omitempty"`
	IssuedAt  time.Time `firestore:"issued_at"`
	ExpiresAt time.Time `firestore:"expires_at"`
}

// ProviderTokenDoc represents a provider token document in Firestore
type ProviderTokenDoc struct {
	AccessToken string    `firestore:"access_token"` // encrypted
	SessionHash string    `firestore:"session_hash,omitempty"`
	TokenType   string    `firestore:"token_type,omitempty"`
	ExpiresAt   time.Time `firestore:"expires_at,omitempty"`
	UpdatedAt   time.Time `firestore:"updated_at"`
}

// NewFirestoreStorage creates a new Firestore storage instance
func NewFirestoreStorage(ctx context.Context, projectID, database, prefix string, encryptor crypto.Encryptor) (*FirestoreStorage, error) {
	if encryptor == nil {
		return nil, fmt.Errorf("encryptor is required")
	}
	if projectID == "" {
		return nil, fmt.Errorf("projectID is required")
	}

	var client *firestore.Client
	var err error

	if database != "" && database != "(default)" {
		client, err = firestore.NewClientWithDatabase(ctx, projectID, database)
	} else {
		client, err = firestore.NewClient(ctx, projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	log.LogInfoWithFields("firestore", "Connected to Firestore", map[string]any{
		"project":  projectID,
		"database": database,
	})
	return NewFirestoreStorageWithClient(client, prefix, encryptor), nil
}

// NewFirestoreStorageWithClient wraps an existing client.
func NewFirestoreStorageWithClient(client *firestore.Client, prefix string, encryptor crypto.Encryptor) *FirestoreStorage {
	if prefix == "" {
		prefix = DefaultCollectionPrefix
	}
	return &FirestoreStorage{
		client:     client,
		encryptor:  encryptor,
		accounts:   prefix + "accounts",
		sessions:   prefix + "sessions",
		tokens:     prefix + "provider_tokens",
		loginAudit: prefix + "login_events",
		now:        time.Now,
	}
}

// Close closes the Firestore client
func (s *FirestoreStorage) Close() error {
	return s.client.Close()
}

// FindLocalAccount implements AccountDirectory
func (s *FirestoreStorage) FindLocalAccount(ctx context.Context, key, value string) (*Account, error) {
	if value == "" {
		return nil, ErrAccountNotFound
	}

	var field string
	switch key {
	case LookupEmail:
		field = "email"
		value = emailutil.Normalize(value)
	case LookupSubject:
		field = "subject"
	default:
		return nil, fmt.Errorf("unsupported lookup key %q", key)
	}

	docs, err := s.client.Collection(s.accounts).
		Where(field, "==", value).
		Limit(2).
		Documents(ctx).
		GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}

	switch len(docs) {
	case 0:
		return nil, ErrAccountNotFound
	case 1:
	default:
		return nil, ErrAmbiguousAccount
	}

	var acct Account
	if err := docs[0].DataTo(&acct); err != nil {
		return nil, fmt.Errorf("failed to unmarshal account: %w", err)
	}
	if acct.ID == "" {
		acct.ID = docs[0].Ref.ID
	}
	return &acct, nil
}

// CreateSession implements SessionStore
func (s *FirestoreStorage) CreateSession(ctx context.Context, session LocalSession) (string, error) {
	token, err := crypto.GenerateSecureToken()
	if err != nil {
		return "", fmt.Errorf("generating session token: %w", err)
	}

	doc := SessionDoc{
		AccountID: session.AccountID,
		Subject:   session.Subject,
		Email:     session.Email,
		Name:      session.Name,
		IssuedAt:  session.IssuedAt,
		ExpiresAt: session.ExpiresAt,
	}
	if _, err := s.client.Collection(s.sessions).Doc(crypto.HashToken(token)).Create(ctx, doc); err != nil {
		return "", fmt.Errorf("failed to store session: %w", err)
	}
	return token, nil
}

// LookupSession implements SessionStore
func (s *FirestoreStorage) LookupSession(ctx context.Context, token string) (*LocalSession, error) {
	if token == "" {
		return nil, ErrSessionNotFound
	}

	snap, err := s.client.Collection(s.sessions).Doc(crypto.HashToken(token)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session from Firestore: %w", err)
	}

	var doc SessionDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}

	session := &LocalSession{
		AccountID: doc.AccountID,
		Subject:   doc.Subject,
		Email:     doc.Email,
		Name:      doc.Name,
		IssuedAt:  doc.IssuedAt,
		ExpiresAt: doc.ExpiresAt,
	}
	if session.Expired(s.now()) {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// DestroySession implements SessionStore
func (s *FirestoreStorage) DestroySession(ctx context.Context, token string) error {
	_, err := s.client.Collection(s.sessions).Doc(crypto.HashToken(token)).Delete(ctx)
	if err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// CleanupExpiredSessions implements SessionStore
func (s *FirestoreStorage) CleanupExpiredSessions(ctx context.Context) (int, error) {
	iter := s.client.Collection(s.sessions).
		Where("expires_at", "<=", s.now()).
		Documents(ctx)
	defer iter.Stop()

	count := 0
	batch := s.client.Batch()
	batchSize := 0
	const maxBatchSize = 500 // Firestore batch write limit

	for {
		doc, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return count, fmt.Errorf("failed to iterate expired sessions: %w", err)
		}

		batch.Delete(doc.Ref)
		batchSize++
		count++

		if batchSize >= maxBatchSize {
			if _, err := batch.Commit(ctx); err != nil {
				return count, fmt.Errorf("failed to commit batch: %w", err)
			}
			batch = s.client.Batch()
			batchSize = 0
		}
	}

	if batchSize > 0 {
		if _, err := batch.Commit(ctx); err != nil {
			return count, fmt.Errorf("failed to commit final batch: %w", err)
		}
	}
	return count, nil
}

// SaveProviderToken implements ProviderTokenStore
func (s *FirestoreStorage) SaveProviderToken(ctx context.Context, accountID string, tok ProviderToken) error {
	encrypted, err := s.encryptor.Encrypt(tok.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt provider token: %w", err)
	}

	doc := ProviderTokenDoc{
		AccessToken: encrypted,
		SessionHash: tok.SessionHash,
		TokenType:   tok.TokenType,
		ExpiresAt:   tok.ExpiresAt,
		UpdatedAt:   s.now(),
	}
	if _, err := s.client.Collection(s.tokens).Doc(accountID).Set(ctx, doc); err != nil {
		return fmt.Errorf("failed to store provider token: %w", err)
	}
	return nil
}

// GetProviderToken implements ProviderTokenStore
func (s *FirestoreStorage) GetProviderToken(ctx context.Context, accountID string) (*ProviderToken, error) {
	snap, err := s.client.Collection(s.tokens).Doc(accountID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ErrProviderTokenNotFound
		}
		return nil, fmt.Errorf("failed to get provider token from Firestore: %w", err)
	}

	var doc ProviderTokenDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal provider token: %w", err)
	}
	decrypted, err := s.encryptor.Decrypt(doc.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt provider token: %w", err)
	}

	return &ProviderToken{
		AccessToken: decrypted,
		SessionHash: doc.SessionHash,
		TokenType:   doc.TokenType,
		ExpiresAt:   doc.ExpiresAt,
		UpdatedAt:   doc.UpdatedAt,
	}, nil
}

// DeleteProviderToken implements ProviderTokenStore
func (s *FirestoreStorage) DeleteProviderToken(ctx context.Context, accountID string) error {
	_, err := s.client.Collection(s.tokens).Doc(accountID).Delete(ctx)
	if err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("failed to delete provider token: %w", err)
	}
	return nil
}

// AuditLogin implements AuditSink
func (s *FirestoreStorage) AuditLogin(ctx context.Context, event LoginEvent) error {
	if _, err := s.client.Collection(s.loginAudit).Doc(event.ID).Set(ctx, event); err != nil {
		return fmt.Errorf("failed to store login event: %w", err)
	}
	return nil
}
