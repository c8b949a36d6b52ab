package binding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgellow/oidc-rp/internal/crypto"
	"github.com/dgellow/oidc-rp/internal/idtoken"
	"github.com/dgellow/oidc-rp/internal/log"
	"github.com/dgellow/oidc-rp/internal/metrics"
	"github.com/dgellow/oidc-rp/internal/storage"
	"github.com/google/uuid"
)

// Config controls how claims map to local accounts.
type Config struct {
	Issuer string
	// IdentifierClaim is checked against the host's identifier rules when
	// the token carries it. Empty disables the check.
	IdentifierClaim     string
	IdentifierMaxLength int
	// LookupClaim is storage.LookupEmail or storage.LookupSubject.
	LookupClaim          string
	RequireVerifiedEmail bool
	SessionTTL           time.Duration
	// Normalize is the host's identifier normalization. Defaults to
	// NormalizeIdentifier.
	Normalize func(string) string
}

// Collaborators are the host application interfaces the binder drives.
type Collaborators struct {
	Accounts storage.AccountDirectory
	Sessions storage.SessionStore
	Tokens   storage.ProviderTokenStore
	Audit    storage.AuditSink
}

// Binder maps verified ID token claims to an existing local account and
// issues a session for it.
type Binder struct {
	cfg     Config
	c       Collaborators
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewBinder creates a binder. m may be nil.
func NewBinder(cfg Config, c Collaborators, m *metrics.Metrics) *Binder {
	if cfg.Normalize == nil {
		cfg.Normalize = NormalizeIdentifier
	}
	if cfg.LookupClaim == "" {
		cfg.LookupClaim = storage.LookupEmail
	}
	return &Binder{
		cfg:     cfg,
		c:       c,
		metrics: m,
		now:     time.Now,
	}
}

// BindAndIssue finds the local account for tok and creates a session for it.
// providerToken, when non-empty, is stored under the account for use at
// logout, tagged with the new session, replacing any earlier login's token. Authorization failures are *BindError; storage failures are
// returned wrapped.
func (b *Binder) BindAndIssue(ctx context.Context, tok *idtoken.IDToken, providerToken storage.ProviderToken) (*storage.LocalSession, error) {
	acct, err := b.bind(ctx, tok)
	if err != nil {
		var be *BindError
		if errors.As(err, &be) {
			b.metrics.IncBindFailure(string(be.Kind))
			log.LogWarnWithFields("binding", "Login denied", map[string]any{
				"kind":    string(be.Kind),
				"detail":  be.Detail,
				"subject": tok.Subject,
			})
		}
		return nil, err
	}

	now := b.now()
	session := storage.LocalSession{
		AccountID: acct.ID,
		Subject:   tok.Subject,
		IssuedAt:  now,
		ExpiresAt: now.Add(b.cfg.SessionTTL),
	}
	session.Email, _ = tok.String("email")
	session.Name, _ = tok.String("name")

	token, err := b.c.Sessions.CreateSession(ctx, session)
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	session.Token = token

	if providerToken.AccessToken != "" {
		providerToken.SessionHash = crypto.HashToken(token)
		if err := b.c.Tokens.SaveProviderToken(ctx, acct.ID, providerToken); err != nil {
			// Only provider-side logout needs it.
			log.LogErrorWithFields("binding", "Failed to store provider token", map[string]any{
				"account": acct.ID,
				"error":   err.Error(),
			})
		}
	}

	event := storage.LoginEvent{
		ID:          uuid.NewString(),
		AccountID:   acct.ID,
		Subject:     tok.Subject,
		Issuer:      tok.Issuer,
		LookupClaim: b.cfg.LookupClaim,
		At:          now,
	}
	if err := b.c.Audit.AuditLogin(ctx, event); err != nil {
		log.LogErrorWithFields("binding", "Failed to record login event", map[string]any{
			"event": event.ID,
			"error": err.Error(),
		})
	}

	log.LogInfoWithFields("binding", "Session issued", map[string]any{
		"account":   acct.ID,
		"event":     event.ID,
		"expiresAt": session.ExpiresAt,
	})
	return &session, nil
}

func (b *Binder) bind(ctx context.Context, tok *idtoken.IDToken) (*storage.Account, error) {
	if b.cfg.IdentifierClaim != "" && tok.Has(b.cfg.IdentifierClaim) {
		id, _ := tok.Claims[b.cfg.IdentifierClaim].(string)
		if err := checkIdentifier(id, b.cfg.IdentifierMaxLength, b.cfg.Normalize); err != nil {
			return nil, deny(UnsuitableIdentifier, err.Error(), err)
		}
	}

	var value string
	switch b.cfg.LookupClaim {
	case storage.LookupEmail:
		email, ok := tok.String("email")
		if !ok {
			return nil, deny(MissingClaim, "email", nil)
		}
		if b.cfg.RequireVerifiedEmail && !tok.Bool("email_verified") {
			return nil, deny(EmailNotVerified, "", nil)
		}
		value = email
	case storage.LookupSubject:
		if tok.Subject == "" {
			return nil, deny(MissingClaim, "sub", nil)
		}
		value = tok.Subject
	default:
		return nil, fmt.Errorf("unsupported lookup claim %q", b.cfg.LookupClaim)
	}

	acct, err := b.c.Accounts.FindLocalAccount(ctx, b.cfg.LookupClaim, value)
	switch {
	case errors.Is(err, storage.ErrAccountNotFound):
		return nil, deny(NoSuchLocalAccount, "", err)
	case errors.Is(err, storage.ErrAmbiguousAccount):
		return nil, deny(NoSuchLocalAccount, "lookup is ambiguous", err)
	case err != nil:
		return nil, fmt.Errorf("looking up local account: %w", err)
	}

	// An account already linked to a provider subject only accepts that subject.
	if b.cfg.LookupClaim == storage.LookupEmail && acct.Subject != "" && acct.Subject != tok.Subject {
		return nil, deny(NoSuchLocalAccount, "account is linked to another subject", nil)
	}
	return acct, nil
}
