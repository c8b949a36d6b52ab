package testutil

import (
	"context"

	"github.com/dgellow/oidc-rp/internal/storage"
	"github.com/stretchr/testify/mock"
)

type MockAccountDirectory struct {
	mock.Mock
}

func (m *MockAccountDirectory) FindLocalAccount(ctx context.Context, key, value string) (*storage.Account, error) {
	args := m.Called(ctx, key, value)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*storage.Account), args.Error(1)
}

type MockSessionStore struct {
	mock.Mock
}

func (m *MockSessionStore) CreateSession(ctx context.Context, s storage.LocalSession) (string, error) {
	args := m.Called(ctx, s)
	return args.String(0), args.Error(1)
}

func (m *MockSessionStore) LookupSession(ctx context.Context, token string) (*storage.LocalSession, error) {
	args := m.Called(ctx, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*storage.LocalSession), args.Error(1)
}

func (m *MockSessionStore) DestroySession(ctx context.Context, token string) error {
	args := m.Called(ctx, token)
	return args.Error(0)
}

func (m *MockSessionStore) CleanupExpiredSessions(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

type MockProviderTokenStore struct {
	mock.Mock
}

func (m *MockProviderTokenStore) SaveProviderToken(ctx context.Context, accountID string, tok storage.ProviderToken) error {
	args := m.Called(ctx, accountID, tok)
	return args.Error(0)
}

func (m *MockProviderTokenStore) GetProviderToken(ctx context.Context, accountID string) (*storage.ProviderToken, error) {
	args := m.Called(ctx, accountID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*storage.ProviderToken), args.Error(1)
}

func (m *MockProviderTokenStore) DeleteProviderToken(ctx context.Context, accountID string) error {
	args := m.Called(ctx, accountID)
	return args.Error(0)
}

type MockAuditSink struct {
	mock.Mock
}

func (m *MockAuditSink) AuditLogin(ctx context.Context, event storage.LoginEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}
