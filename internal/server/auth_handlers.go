package server

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/dgellow/oidc-rp/internal/browserauth"
	"github.com/dgellow/oidc-rp/internal/cookie"
	"github.com/dgellow/oidc-rp/internal/crypto"
	"github.com/dgellow/oidc-rp/internal/flow"
	jsonwriter "github.com/dgellow/oidc-rp/internal/json"
	"github.com/dgellow/oidc-rp/internal/log"
	"github.com/dgellow/oidc-rp/internal/storage"
	"github.com/dgellow/oidc-rp/internal/urlutil"
)

// CSRFHeader carries the token returned by GET /session on state-changing requests.
const CSRFHeader = "X-CSRF-Token"

const csrfTTL = 12 * time.Hour

// Flow is the login flow the handlers drive.
type Flow interface {
	StartLogin(ctx context.Context, returnTo string) (*flow.Redirect, error)
	HandleCallback(ctx context.Context, query url.Values) (*flow.AuthResult, error)
	Session(ctx context.Context, token string) (*storage.LocalSession, error)
	Logout(ctx context.Context, sessionToken string) (*flow.LogoutResult, error)
}

// HandlerConfig configures the browser-facing handlers.
type HandlerConfig struct {
	PostLoginRedirect  string
	PostLogoutRedirect string
	// StateTTL bounds the login cookie; it matches the state store TTL.
	StateTTL time.Duration
	// CookieSecret is the master secret the cookie and CSRF keys derive from.
	CookieSecret []byte
}

// AuthHandlers provides the relying party's HTTP handlers
type AuthHandlers struct {
	flow        Flow
	cfg         HandlerConfig
	loginSigner crypto.TokenSigner
	csrf        crypto.CSRFProtection
}

// NewAuthHandlers creates the handlers. The cookie secret must be at least 32 bytes.
func NewAuthHandlers(f Flow, cfg HandlerConfig) (*AuthHandlers, error) {
	loginKey, err := crypto.DeriveKey(cfg.CookieSecret, crypto.PurposeLoginCookie)
	if err != nil {
		return nil, err
	}
	csrfKey, err := crypto.DeriveKey(cfg.CookieSecret, crypto.PurposeCSRF)
	if err != nil {
		return nil, err
	}
	if cfg.PostLoginRedirect == "" {
		cfg.PostLoginRedirect = "/"
	}
	if cfg.PostLogoutRedirect == "" {
		cfg.PostLogoutRedirect = "/"
	}
	return &AuthHandlers{
		flow:        f,
		cfg:         cfg,
		loginSigner: crypto.NewTokenSigner(loginKey, cfg.StateTTL),
		csrf:        crypto.NewCSRFProtection(csrfKey, csrfTTL),
	}, nil
}

// LoginHandler starts a login and redirects the browser to the provider.
// return_to must be a local path; anything else falls back to the default.
func (h *AuthHandlers) LoginHandler(w http.ResponseWriter, r *http.Request) {
	returnTo := urlutil.SafeReturnPath(r.URL.Query().Get("return_to"), h.cfg.PostLoginRedirect)

	redirect, err := h.flow.StartLogin(r.Context(), returnTo)
	if err != nil {
		h.renderFailure(w, err)
		return
	}

	value, err := h.loginSigner.Sign(browserauth.LoginCookie{
		State:    redirect.State,
		ReturnTo: redirect.ReturnTo,
		Started:  time.Now(),
	})
	if err != nil {
		log.LogErrorWithFields("server", "Failed to sign login cookie", map[string]any{
			"error": err.Error(),
		})
		h.renderFailure(w, &flow.Error{Code: flow.CodeInternal, Phase: flow.Idle, Err: err})
		return
	}
	cookie.SetLogin(w, value, h.cfg.StateTTL)

	http.Redirect(w, r, redirect.URL, http.StatusFound)
}

// CallbackHandler completes a login from the provider redirect. The callback
// must come from the browser that started the login.
func (h *AuthHandlers) CallbackHandler(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	state := query.Get("state")

	login, ok := h.loginCookie(r)
	cookie.ClearLogin(w)
	if !ok || !login.Matches(state) {
		log.LogWarnWithFields("server", "Callback without a matching login cookie", map[string]any{
			"hasCookie": ok,
		})
		h.renderFailure(w, &flow.Error{
			Code:  flow.CodeInvalidState,
			Phase: flow.AwaitingCallback,
			Err:   errors.New("login cookie missing or does not match state"),
		})
		return
	}

	result, err := h.flow.HandleCallback(r.Context(), query)
	if err != nil {
		h.renderFailure(w, err)
		return
	}

	cookie.SetSession(w, result.Session.Token, time.Until(result.Session.ExpiresAt))
	http.Redirect(w, r, urlutil.SafeReturnPath(result.ReturnTo, h.cfg.PostLoginRedirect), http.StatusFound)
}

func (h *AuthHandlers) loginCookie(r *http.Request) (browserauth.LoginCookie, bool) {
	var login browserauth.LoginCookie
	raw, err := cookie.GetLogin(r)
	if err != nil || raw == "" {
		return login, false
	}
	if err := h.loginSigner.Verify(raw, &login); err != nil {
		log.LogDebugWithFields("server", "Invalid login cookie", map[string]any{
			"error": err.Error(),
		})
		return login, false
	}
	return login, true
}

// SessionHandler returns the current session and a CSRF token for logout.
func (h *AuthHandlers) SessionHandler(w http.ResponseWriter, r *http.Request) {
	session, ok := SessionFromContext(r.Context())
	if !ok {
		jsonwriter.WriteUnauthorized(w, "Not logged in")
		return
	}

	csrfToken, err := h.csrf.Generate(crypto.HashToken(session.Token))
	if err != nil {
		log.LogErrorWithFields("server", "Failed to generate CSRF token", map[string]any{
			"error": err.Error(),
		})
		jsonwriter.WriteInternalServerError(w, "Internal server error")
		return
	}

	_ = jsonwriter.Write(w, browserauth.SessionView{
		AccountID:     session.AccountID,
		Subject:       session.Subject,
		Email:         session.Email,
		Name:          session.Name,
		ExpiresAt:     session.ExpiresAt,
		CSRFToken:     csrfToken,
		Authenticated: true,
	})
}

// LogoutHandler ends the local session and sends the browser to the
// provider's end session endpoint when it has one.
func (h *AuthHandlers) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	session, ok := SessionFromContext(r.Context())
	if !ok {
		jsonwriter.WriteUnauthorized(w, "Not logged in")
		return
	}

	token := r.Header.Get(CSRFHeader)
	if token == "" {
		token = r.FormValue("csrf_token")
	}
	if !h.csrf.Validate(crypto.HashToken(session.Token), token) {
		jsonwriter.WriteForbidden(w, "Invalid CSRF token")
		return
	}

	result, err := h.flow.Logout(r.Context(), session.Token)
	if err != nil {
		log.LogErrorWithFields("server", "Logout failed", map[string]any{
			"account": session.AccountID,
			"error":   err.Error(),
		})
		jsonwriter.WriteInternalServerError(w, "Internal server error")
		return
	}
	cookie.ClearSession(w)

	target := h.cfg.PostLogoutRedirect
	if result.EndSessionURL != "" {
		target = result.EndSessionURL
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}

// renderFailure shows the generic failure page. Details stay in logs.
func (h *AuthHandlers) renderFailure(w http.ResponseWriter, err error) {
	code := flow.CodeOf(err)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(statusForCode(code))
	if tmplErr := failurePageTemplate.Execute(w, FailurePageData{
		Message:  failureMessage,
		LoginURL: "/login",
	}); tmplErr != nil {
		log.LogErrorWithFields("server", "Failed to render failure page", map[string]any{
			"error": tmplErr.Error(),
		})
	}
}

func statusForCode(code flow.Code) int {
	switch code {
	case flow.CodeProviderError, flow.CodeMissingParameter, flow.CodeInvalidState:
		return http.StatusBadRequest
	case flow.CodeValidationFailed, flow.CodeAccessDenied:
		return http.StatusForbidden
	case flow.CodeTokenExchangeFailed, flow.CodeProviderUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
