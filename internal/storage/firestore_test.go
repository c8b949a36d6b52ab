package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/dgellow/oidc-rp/internal/crypto"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFirestoreStorageConfig(t *testing.T) {
	t.Run("missing GCP project ID", func(t *testing.T) {
		ctx := context.Background()
		encryptor, _ := crypto.NewEncryptor([]byte("test-encryption-key-32-bytes-ok!"))

		_, err := NewFirestoreStorage(ctx, "", "(default)", "", encryptor)
		assert.Error(t, err, "Expected error when GCP project ID is missing for Firestore storage")
		assert.Contains(t, err.Error(), "projectID is required")
	})

	t.Run("nil encryptor", func(t *testing.T) {
		ctx := context.Background()

		_, err := NewFirestoreStorage(ctx, "test-project", "(default)", "", nil)
		assert.Error(t, err, "Expected error when encryptor is nil")
		assert.Contains(t, err.Error(), "encryptor is required")
	})

	t.Run("collection prefix", func(t *testing.T) {
		s := NewFirestoreStorageWithClient(nil, "", nil)
		assert.Equal(t, "oidc_rp_sessions", s.sessions)

		s = NewFirestoreStorageWithClient(nil, "staging_", nil)
		assert.Equal(t, "staging_accounts", s.accounts)
		assert.Equal(t, "staging_provider_tokens", s.tokens)
	})
}

// newEmulatorStorage connects to the Firestore emulator named by
// FIRESTORE_EMULATOR_HOST, skipping the test when it is not running.
func newEmulatorStorage(t *testing.T) *FirestoreStorage {
	t.Helper()
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}

	client, err := firestore.NewClient(context.Background(), "oidc-rp-test")
	require.NoError(t, err)
	key, err := crypto.DeriveKey([]byte("test-encryption-key-32-bytes-ok!"), crypto.PurposeTokenAtRest)
	require.NoError(t, err)
	encryptor, err := crypto.NewEncryptor(key)
	require.NoError(t, err)

	s := NewFirestoreStorageWithClient(client, "t"+uuid.NewString()[:8]+"_", encryptor)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestFirestoreStorage_Emulator(t *testing.T) {
	s := newEmulatorStorage(t)
	ctx := context.Background()

	_, err := s.client.Collection(s.accounts).Doc("42").Set(ctx, Account{ID: "42", Email: "u@x.com"})
	require.NoError(t, err)

	acct, err := s.FindLocalAccount(ctx, LookupEmail, "U@x.com")
	require.NoError(t, err)
	assert.Equal(t, "42", acct.ID)
	_, err = s.FindLocalAccount(ctx, LookupEmail, "nobody@x.com")
	assert.ErrorIs(t, err, ErrAccountNotFound)

	now := time.Now()
	token, err := s.CreateSession(ctx, LocalSession{AccountID: "42", IssuedAt: now, ExpiresAt: now.Add(time.Hour)})
	require.NoError(t, err)
	session, err := s.LookupSession(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "42", session.AccountID)

	require.NoError(t, s.SaveProviderToken(ctx, "42", ProviderToken{AccessToken: "secret-at", SessionHash: "h1"}))
	snap, err := s.client.Collection(s.tokens).Doc("42").Get(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, "secret-at", snap.Data()["access_token"], "stored encrypted")
	tok, err := s.GetProviderToken(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, "secret-at", tok.AccessToken)
	assert.Equal(t, "h1", tok.SessionHash)

	require.NoError(t, s.DestroySession(ctx, token))
	_, err = s.LookupSession(ctx, token)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = s.CreateSession(ctx, LocalSession{AccountID: "42", ExpiresAt: now.Add(-time.Minute)})
	require.NoError(t, err)
	count, err := s.CleanupExpiredSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
