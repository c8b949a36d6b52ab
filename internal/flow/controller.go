package flow

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/dgellow/oidc-rp/internal/binding"
	"github.com/dgellow/oidc-rp/internal/crypto"
	"github.com/dgellow/oidc-rp/internal/discovery"
	"github.com/dgellow/oidc-rp/internal/idp"
	"github.com/dgellow/oidc-rp/internal/idtoken"
	"github.com/dgellow/oidc-rp/internal/log"
	"github.com/dgellow/oidc-rp/internal/loginstate"
	"github.com/dgellow/oidc-rp/internal/metrics"
	"github.com/dgellow/oidc-rp/internal/storage"
)

// reservedParams are set by the flow itself and cannot be overridden by
// configured extra authorization parameters.
var reservedParams = map[string]bool{
	"client_id":             true,
	"redirect_uri":          true,
	"response_type":         true,
	"scope":                 true,
	"state":                 true,
	"nonce":                 true,
	"code_challenge":        true,
	"code_challenge_method": true,
}

// defaultUserInfoClaims trigger a userinfo request when the ID token lacks any of them.
var defaultUserInfoClaims = []string{"email", "preferred_username"}

// Config tunes the controller.
type Config struct {
	// ExtraAuthParams are added to every authorization request.
	ExtraAuthParams map[string]string
	// UserInfoClaims are fetched from userinfo when missing from the ID token.
	UserInfoClaims []string
	// PostLogoutRedirect is sent to the provider's end session endpoint.
	PostLogoutRedirect string
}

// Deps are the components the controller drives.
type Deps struct {
	Metadata  *discovery.Cache
	States    *loginstate.Manager
	Provider  *idp.Client
	Validator *idtoken.Validator
	Binder    *binding.Binder
	Sessions  storage.SessionStore
	Tokens    storage.ProviderTokenStore
	Metrics   *metrics.Metrics
}

// Controller runs the authorization code flow:
// Idle -> AwaitingCallback -> Validating -> Bound, or Failed from any phase.
// Every failure is terminal for its attempt.
type Controller struct {
	cfg  Config
	deps Deps
}

// NewController creates a controller.
func NewController(cfg Config, deps Deps) *Controller {
	if cfg.UserInfoClaims == nil {
		cfg.UserInfoClaims = defaultUserInfoClaims
	}
	return &Controller{cfg: cfg, deps: deps}
}

// Redirect is where the browser goes to authenticate.
type Redirect struct {
	URL       string
	State     string
	ReturnTo  string
	ExpiresAt time.Time
}

// AuthResult is a completed login.
type AuthResult struct {
	Session  *storage.LocalSession
	ReturnTo string
}

// LogoutResult tells the host where to send the browser after logout.
// EndSessionURL is empty when the provider has no end session endpoint.
type LogoutResult struct {
	EndSessionURL string
	Revoked       bool
}

// StartLogin begins an attempt and returns the provider authorization URL.
func (c *Controller) StartLogin(ctx context.Context, returnTo string) (*Redirect, error) {
	meta, err := c.deps.Metadata.Metadata(ctx)
	if err != nil {
		return nil, c.fail(Idle, CodeProviderUnavailable, err)
	}

	pending, err := c.deps.States.Begin(ctx, returnTo)
	if err != nil {
		return nil, c.fail(Idle, CodeInternal, err)
	}

	extra := url.Values{"nonce": {pending.Nonce}}
	if challenge := pending.CodeChallenge(); challenge != "" {
		if !meta.SupportsPKCE() {
			log.LogWarnWithFields("flow", "Provider does not advertise S256 PKCE, sending it anyway", nil)
		}
		extra.Set("code_challenge", challenge)
		extra.Set("code_challenge_method", "S256")
	}
	for k, v := range c.cfg.ExtraAuthParams {
		if !reservedParams[k] {
			extra.Set(k, v)
		}
	}

	c.deps.Metrics.IncLoginsStarted()
	c.transition(Idle, AwaitingCallback, nil)

	return &Redirect{
		URL:       c.deps.Provider.AuthCodeURL(meta.AuthorizationEndpoint, pending.State, extra),
		State:     pending.State,
		ReturnTo:  pending.ReturnTo,
		ExpiresAt: pending.ExpiresAt,
	}, nil
}

// HandleCallback completes an attempt from the provider's redirect query.
// The state is consumed before any outbound call, so an unknown or replayed
// state never reaches the provider.
func (c *Controller) HandleCallback(ctx context.Context, query url.Values) (*AuthResult, error) {
	state := query.Get("state")

	if providerErr := query.Get("error"); providerErr != "" {
		if state != "" {
			// Burn the attempt; the error itself is final.
			_, _ = c.deps.States.Consume(ctx, state)
		}
		return nil, c.fail(AwaitingCallback, CodeProviderError,
			fmt.Errorf("provider returned %s: %s", providerErr, query.Get("error_description")))
	}

	code := query.Get("code")
	if code == "" || state == "" {
		return nil, c.fail(AwaitingCallback, CodeMissingParameter, errors.New("code and state are required"))
	}

	pending, err := c.deps.States.Consume(ctx, state)
	if err != nil {
		if loginstate.IsInvalidState(err) {
			return nil, c.fail(AwaitingCallback, CodeInvalidState, err)
		}
		return nil, c.fail(AwaitingCallback, CodeInternal, err)
	}

	meta, err := c.deps.Metadata.Metadata(ctx)
	if err != nil {
		return nil, c.fail(AwaitingCallback, CodeProviderUnavailable, err)
	}

	tokens, err := c.deps.Provider.Exchange(ctx, meta.TokenEndpoint, code, pending.CodeVerifier)
	if err != nil {
		return nil, c.fail(AwaitingCallback, CodeTokenExchangeFailed, err)
	}

	c.transition(AwaitingCallback, Validating, nil)

	idTok, err := c.deps.Validator.Validate(ctx, tokens.IDToken, pending.Nonce)
	if err != nil {
		switch {
		case idtoken.KindOf(err) != "":
			return nil, c.fail(Validating, CodeValidationFailed, err)
		case discovery.IsTransient(err):
			return nil, c.fail(Validating, CodeProviderUnavailable, err)
		default:
			return nil, c.fail(Validating, CodeInternal, err)
		}
	}

	if err := c.enrich(ctx, meta, idTok, tokens.AccessToken); err != nil {
		return nil, c.fail(Validating, CodeValidationFailed, err)
	}

	session, err := c.deps.Binder.BindAndIssue(ctx, idTok, storage.ProviderToken{
		AccessToken: tokens.AccessToken,
		TokenType:   tokens.TokenType,
		ExpiresAt:   tokens.Expiry,
	})
	if err != nil {
		if binding.KindOf(err) != "" {
			return nil, c.fail(Validating, CodeAccessDenied, err)
		}
		return nil, c.fail(Validating, CodeInternal, err)
	}

	c.transition(Validating, Bound, map[string]any{"account": session.AccountID})
	c.deps.Metrics.IncCallback("success")

	return &AuthResult{Session: session, ReturnTo: pending.ReturnTo}, nil
}

// enrich merges userinfo claims when the ID token lacks a wanted claim.
// A failed userinfo request is not fatal; binding reports what is missing.
// A userinfo response for another subject is.
func (c *Controller) enrich(ctx context.Context, meta *discovery.Metadata, tok *idtoken.IDToken, accessToken string) error {
	if meta.UserInfoEndpoint == "" || accessToken == "" {
		return nil
	}
	missing := false
	for _, claim := range c.cfg.UserInfoClaims {
		if !tok.Has(claim) {
			missing = true
			break
		}
	}
	if !missing {
		return nil
	}

	claims, err := c.deps.Provider.UserInfo(ctx, meta.UserInfoEndpoint, accessToken)
	if err != nil {
		log.LogWarnWithFields("flow", "Userinfo enrichment failed", map[string]any{
			"error": err.Error(),
		})
		return nil
	}
	return tok.MergeUserInfo(claims)
}

// Session returns the live session for token.
func (c *Controller) Session(ctx context.Context, token string) (*storage.LocalSession, error) {
	return c.deps.Sessions.LookupSession(ctx, token)
}

// Logout destroys the local session, revokes the provider access token kept
// for its account when that token came from this session's login, and
// returns the provider end session URL when there is one.
// Provider-side steps are best effort: the local session is gone regardless.
func (c *Controller) Logout(ctx context.Context, sessionToken string) (*LogoutResult, error) {
	session, err := c.deps.Sessions.LookupSession(ctx, sessionToken)
	if err != nil && !errors.Is(err, storage.ErrSessionNotFound) {
		return nil, fmt.Errorf("looking up session: %w", err)
	}
	if err := c.deps.Sessions.DestroySession(ctx, sessionToken); err != nil {
		return nil, fmt.Errorf("destroying session: %w", err)
	}

	result := &LogoutResult{}
	if session == nil {
		return result, nil
	}

	meta, err := c.deps.Metadata.Metadata(ctx)
	if err != nil {
		log.LogWarnWithFields("flow", "Skipping provider logout, metadata unavailable", map[string]any{
			"error": err.Error(),
		})
		return result, nil
	}

	result.Revoked = c.revoke(ctx, meta, session.AccountID, sessionToken)

	if meta.EndSessionEndpoint != "" {
		result.EndSessionURL = c.endSessionURL(meta.EndSessionEndpoint)
	}

	log.LogInfoWithFields("flow", "Logged out", map[string]any{
		"account": session.AccountID,
		"revoked": result.Revoked,
	})
	return result, nil
}

// revoke revokes and forgets the account's provider token, but only when it
// came from the login that created this session. A later login of the same
// account owns the token otherwise.
func (c *Controller) revoke(ctx context.Context, meta *discovery.Metadata, accountID, sessionToken string) bool {
	tok, err := c.deps.Tokens.GetProviderToken(ctx, accountID)
	if err != nil {
		if !errors.Is(err, storage.ErrProviderTokenNotFound) {
			log.LogWarnWithFields("flow", "Failed to load provider token", map[string]any{
				"account": accountID,
				"error":   err.Error(),
			})
		}
		return false
	}
	if tok.SessionHash != "" && tok.SessionHash != crypto.HashToken(sessionToken) {
		log.LogDebugWithFields("flow", "Provider token belongs to another session, not revoking", map[string]any{
			"account": accountID,
		})
		return false
	}

	revoked := false
	if meta.RevocationEndpoint != "" {
		if err := c.deps.Provider.Revoke(ctx, meta.RevocationEndpoint, tok.AccessToken); err != nil {
			log.LogWarnWithFields("flow", "Provider token revocation failed", map[string]any{
				"account": accountID,
				"error":   err.Error(),
			})
		} else {
			revoked = true
		}
	}

	if err := c.deps.Tokens.DeleteProviderToken(ctx, accountID); err != nil {
		log.LogWarnWithFields("flow", "Failed to delete provider token", map[string]any{
			"account": accountID,
			"error":   err.Error(),
		})
	}
	return revoked
}

func (c *Controller) endSessionURL(endpoint string) string {
	q := url.Values{"client_id": {c.deps.Provider.ClientID()}}
	if c.cfg.PostLogoutRedirect != "" {
		q.Set("post_logout_redirect_uri", c.cfg.PostLogoutRedirect)
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return endpoint
	}
	existing := u.Query()
	for k, v := range q {
		existing[k] = v
	}
	u.RawQuery = existing.Encode()
	return u.String()
}

func (c *Controller) fail(phase Phase, code Code, err error) *Error {
	if phase != Idle {
		c.deps.Metrics.IncCallback(string(code))
	}
	c.transition(phase, Failed, map[string]any{
		"outcome": string(code),
		"error":   err.Error(),
	})
	return &Error{Code: code, Phase: phase, Err: err}
}

func (c *Controller) transition(from, to Phase, fields map[string]any) {
	if fields == nil {
		fields = map[string]any{}
	}
	fields["from"] = string(from)
	fields["to"] = string(to)
	if to == Failed {
		log.LogWarnWithFields("flow", "Login attempt failed", fields)
		return
	}
	log.LogDebugWithFields("flow", "Login phase changed", fields)
}
