package internal

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dgellow/oidc-rp/internal/binding"
	"github.com/dgellow/oidc-rp/internal/config"
	"github.com/dgellow/oidc-rp/internal/crypto"
	"github.com/dgellow/oidc-rp/internal/discovery"
	"github.com/dgellow/oidc-rp/internal/flow"
	"github.com/dgellow/oidc-rp/internal/idp"
	"github.com/dgellow/oidc-rp/internal/idtoken"
	"github.com/dgellow/oidc-rp/internal/log"
	"github.com/dgellow/oidc-rp/internal/loginstate"
	"github.com/dgellow/oidc-rp/internal/metrics"
	"github.com/dgellow/oidc-rp/internal/server"
	"github.com/dgellow/oidc-rp/internal/storage"
	"github.com/dgellow/oidc-rp/internal/urlutil"
)

// App is the complete relying party: provider cache, login flow, local
// account binding and the HTTP boundary.
type App struct {
	config     config.Config
	handler    http.Handler
	httpServer *server.HTTPServer
	cache      *discovery.Cache
	cleanup    *storage.CleanupManager
	storage    storage.Storage
	closers    []io.Closer
	controller *flow.Controller
}

// NewApp builds the relying party from a validated configuration.
func NewApp(ctx context.Context, cfg config.Config) (*App, error) {
	log.LogInfoWithFields("oidcrp", "Building relying party", map[string]any{
		"issuer":     string(cfg.Provider.Issuer),
		"baseURL":    string(cfg.Server.BaseURL),
		"storage":    cfg.Storage.Kind,
		"stateStore": cfg.Storage.StateStore,
	})

	m := metrics.New()

	httpClient, err := idp.NewHTTPClient(cfg.Provider.HTTPTimeout.Std(), cfg.Provider.ProxyURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider HTTP client: %w", err)
	}

	cache := discovery.NewCache(discovery.Options{
		Issuer: string(cfg.Provider.Issuer),
		Overrides: discovery.Endpoints{
			Authorization: cfg.Provider.AuthorizationEndpoint,
			Token:         cfg.Provider.TokenEndpoint,
			UserInfo:      cfg.Provider.UserInfoEndpoint,
			JWKS:          cfg.Provider.JWKSURI,
		},
		HTTPClient:         httpClient,
		TTL:                cfg.Cache.TTL.Std(),
		MaxStale:           cfg.Cache.MaxStale.Std(),
		MinRefreshInterval: cfg.Cache.MinRefreshInterval.Std(),
		Metrics:            m,
	})

	store, err := setupStorage(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to setup storage: %w", err)
	}

	stateStore, sweepers, closers, err := setupStateStore(ctx, cfg)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to setup login state store: %w", err)
	}

	provider := idp.NewFromConfig(cfg.Provider, httpClient, m)

	controller := flow.NewController(flow.Config{
		ExtraAuthParams:    cfg.Provider.ExtraAuthParams,
		PostLogoutRedirect: absoluteURL(string(cfg.Server.BaseURL), cfg.Server.PostLogoutRedirect),
	}, flow.Deps{
		Metadata: cache,
		States:   loginstate.NewManager(stateStore, cfg.Login.StateTTL.Std(), !cfg.Provider.DisablePKCE),
		Provider: provider,
		Validator: idtoken.NewValidator(cache, idtoken.Config{
			Issuer:    cache.Issuer(),
			ClientID:  string(cfg.Provider.ClientID),
			ClockSkew: cfg.Provider.ClockSkew.Std(),
		}, m),
		Binder: binding.NewBinder(binding.Config{
			Issuer:               cache.Issuer(),
			IdentifierClaim:      cfg.Binding.IdentifierClaim,
			IdentifierMaxLength:  cfg.Binding.IdentifierMaxLength,
			LookupClaim:          cfg.Binding.LookupClaim,
			RequireVerifiedEmail: cfg.Binding.VerifiedEmailRequired(),
			SessionTTL:           cfg.Session.TTL.Std(),
		}, binding.Collaborators{
			Accounts: store,
			Sessions: store,
			Tokens:   store,
			Audit:    store,
		}, m),
		Sessions: store,
		Tokens:   store,
		Metrics:  m,
	})

	handlers, err := server.NewAuthHandlers(controller, server.HandlerConfig{
		PostLoginRedirect:  cfg.Server.PostLoginRedirect,
		PostLogoutRedirect: cfg.Server.PostLogoutRedirect,
		StateTTL:           cfg.Login.StateTTL.Std(),
		CookieSecret:       []byte(cfg.Server.CookieSecret),
	})
	if err != nil {
		_ = store.Close()
		closeAll(closers)
		return nil, fmt.Errorf("failed to create handlers: %w", err)
	}
	handler := server.NewRouter(handlers, controller, m)

	// The provider may be down at boot; the cache fetches lazily then.
	if err := cache.Warm(ctx); err != nil {
		log.LogWarnWithFields("oidcrp", "Provider metadata not available at startup", map[string]any{
			"error": err.Error(),
		})
	}

	return &App{
		config:     cfg,
		handler:    handler,
		httpServer: server.NewHTTPServer(handler, cfg.Server.Addr),
		cache:      cache,
		cleanup:    storage.NewCleanupManager(store, cfg.Storage.CleanupInterval.Std(), sweepers...),
		storage:    store,
		closers:    closers,
		controller: controller,
	}, nil
}

// Handler returns the HTTP handler serving the relying party routes.
func (a *App) Handler() http.Handler {
	return a.handler
}

// Controller returns the login flow controller for embedding hosts.
func (a *App) Controller() *flow.Controller {
	return a.controller
}

// Run starts and manages the complete application lifecycle
func (a *App) Run() error {
	log.LogInfoWithFields("oidcrp", "Starting relying party", map[string]any{
		"addr": a.config.Server.Addr,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errChan := make(chan error, 1)

	go func() {
		if err := a.httpServer.Start(); err != nil {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	a.cleanup.Start(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var shutdownReason string
	select {
	case sig := <-sigChan:
		shutdownReason = fmt.Sprintf("signal %v", sig)
		log.LogInfoWithFields("oidcrp", "Received shutdown signal", map[string]any{
			"signal": sig.String(),
		})
	case err := <-errChan:
		shutdownReason = fmt.Sprintf("error: %v", err)
		log.LogErrorWithFields("oidcrp", "Shutting down due to error", map[string]any{
			"error": err.Error(),
		})
	}

	log.LogInfoWithFields("oidcrp", "Starting graceful shutdown", map[string]any{
		"reason":  shutdownReason,
		"timeout": "30s",
	})
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	stopErr := a.httpServer.Stop(shutdownCtx)
	if stopErr != nil {
		log.LogErrorWithFields("oidcrp", "HTTP server shutdown error", map[string]any{
			"error": stopErr.Error(),
		})
	}

	a.Close()

	log.LogInfoWithFields("oidcrp", "Application shutdown complete", map[string]any{
		"reason": shutdownReason,
	})
	return stopErr
}

// Close stops background cleanup and releases storage connections.
func (a *App) Close() {
	a.cleanup.Stop()
	if err := a.storage.Close(); err != nil {
		log.LogWarnWithFields("oidcrp", "Failed to close storage", map[string]any{
			"error": err.Error(),
		})
	}
	closeAll(a.closers)
}

// setupStorage creates the host collaborator storage.
func setupStorage(ctx context.Context, cfg config.Config) (storage.Storage, error) {
	if cfg.Storage.Kind == config.StorageFirestore {
		log.LogInfoWithFields("storage", "Using Firestore storage", map[string]any{
			"project":  cfg.Storage.GCPProject,
			"database": cfg.Storage.Database,
			"prefix":   cfg.Storage.CollectionPrefix,
		})
		key, err := crypto.DeriveKey([]byte(cfg.Storage.EncryptionKey), crypto.PurposeTokenAtRest)
		if err != nil {
			return nil, fmt.Errorf("failed to derive encryption key: %w", err)
		}
		encryptor, err := crypto.NewEncryptor(key)
		if err != nil {
			return nil, fmt.Errorf("failed to create encryptor: %w", err)
		}
		if len(cfg.Accounts) > 0 {
			log.LogWarnWithFields("storage", "Ignoring account seeds, Firestore is the account directory", map[string]any{
				"accounts": len(cfg.Accounts),
			})
		}
		fs, err := storage.NewFirestoreStorage(ctx, cfg.Storage.GCPProject, cfg.Storage.Database, cfg.Storage.CollectionPrefix, encryptor)
		if err != nil {
			return nil, err
		}
		return fs, nil
	}

	log.LogInfoWithFields("storage", "Using in-memory storage", map[string]any{
		"accounts": len(cfg.Accounts),
	})
	store := storage.NewMemoryStorage()
	for _, seed := range cfg.Accounts {
		if err := store.AddAccount(storage.Account{
			ID:       seed.ID,
			Username: seed.Username,
			Email:    seed.Email,
			Subject:  seed.Subject,
		}); err != nil {
			return nil, fmt.Errorf("failed to seed account %s: %w", seed.ID, err)
		}
	}
	return store, nil
}

// setupStateStore creates the pending login store. The memory store needs
// periodic sweeping; Redis expires entries itself.
func setupStateStore(ctx context.Context, cfg config.Config) (loginstate.Store, []storage.Sweeper, []io.Closer, error) {
	if cfg.Storage.StateStore == config.StorageRedis {
		log.LogInfoWithFields("loginstate", "Using Redis login state store", nil)
		rs, err := loginstate.NewRedisStore(ctx, string(cfg.Storage.RedisURL))
		if err != nil {
			return nil, nil, nil, err
		}
		return rs, nil, []io.Closer{rs}, nil
	}

	ms := loginstate.NewMemoryStore()
	return ms, []storage.Sweeper{ms}, nil, nil
}

// absoluteURL resolves a local path against the public base URL. The
// provider needs an absolute post logout redirect.
func absoluteURL(baseURL, p string) string {
	if p == "" || urlutil.IsAbsoluteHTTPURL(p) {
		return p
	}
	return strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(p, "/")
}

func closeAll(closers []io.Closer) {
	for _, c := range closers {
		if err := c.Close(); err != nil {
			log.LogWarnWithFields("oidcrp", "Failed to close resource", map[string]any{
				"error": err.Error(),
			})
		}
	}
}
