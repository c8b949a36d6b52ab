package internal

import (
	"context"
	"strings"
	"testing"

	"github.com/dgellow/oidc-rp/internal/config"
	"github.com/dgellow/oidc-rp/internal/loginstate"
	"github.com/dgellow/oidc-rp/internal/storage"
	"github.com/dgellow/oidc-rp/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAbsoluteURL(t *testing.T) {
	assert.Equal(t, "https://app.example/", absoluteURL("https://app.example", "/"))
	assert.Equal(t, "https://app.example/bye", absoluteURL("https://app.example/", "/bye"))
	assert.Equal(t, "https://other.example/x", absoluteURL("https://app.example", "https://other.example/x"))
	assert.Empty(t, absoluteURL("https://app.example", ""))
}

func TestSetupStorage_SeedsMemoryAccounts(t *testing.T) {
	cfg := config.Config{
		Storage: config.StorageConfig{Kind: config.StorageMemory},
		Accounts: []config.AccountSeed{
			{ID: "1", Email: "Alice@Example.com"},
			{ID: "2", Subject: "sub-2"},
		},
	}

	store, err := setupStorage(context.Background(), cfg)
	require.NoError(t, err)
	defer store.Close()

	acct, err := store.FindLocalAccount(context.Background(), storage.LookupEmail, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "1", acct.ID)

	acct, err = store.FindLocalAccount(context.Background(), storage.LookupSubject, "sub-2")
	require.NoError(t, err)
	assert.Equal(t, "2", acct.ID)
}

func TestSetupStorage_FirestoreNeedsKey(t *testing.T) {
	cfg := config.Config{
		Storage: config.StorageConfig{
			Kind:          config.StorageFirestore,
			GCPProject:    "project",
			EncryptionKey: "short",
		},
	}

	_, err := setupStorage(context.Background(), cfg)
	assert.ErrorContains(t, err, "encryption key")
}

func TestSetupStateStore_MemoryIsSwept(t *testing.T) {
	cfg := config.Config{Storage: config.StorageConfig{StateStore: config.StorageMemory}}

	store, sweepers, closers, err := setupStateStore(context.Background(), cfg)
	require.NoError(t, err)
	assert.IsType(t, &loginstate.MemoryStore{}, store)
	assert.Len(t, sweepers, 1)
	assert.Empty(t, closers)
}

func TestSetupStateStore_RedisUnreachable(t *testing.T) {
	cfg := config.Config{Storage: config.StorageConfig{
		StateStore: config.StorageRedis,
		RedisURL:   "redis://127.0.0.1:1",
	}}

	_, _, _, err := setupStateStore(context.Background(), cfg)
	assert.Error(t, err)
}

func TestNewApp_ProviderDownAtBoot(t *testing.T) {
	fake := testutil.NewFakeIdP(t)
	fake.DiscoveryStatus.Store(503)

	cfg := config.Config{
		Version: "v1.0",
		Server: config.ServerConfig{
			Addr:         ":0",
			BaseURL:      "https://app.example",
			CookieSecret: config.Secret(strings.Repeat("k", 32)),
		},
		Provider: config.ProviderConfig{
			Issuer:       config.EnvString(fake.Issuer),
			ClientID:     testutil.FakeClientID,
			ClientSecret: testutil.FakeClientSecret,
			RedirectURI:  "https://app.example/callback",
		},
	}
	config.ApplyDefaults(&cfg)

	app, err := NewApp(context.Background(), cfg)
	require.NoError(t, err)
	defer app.Close()

	assert.NotNil(t, app.Handler())
	assert.NotNil(t, app.Controller())
	assert.GreaterOrEqual(t, fake.Hits("/.well-known/openid-configuration"), 1)
}
