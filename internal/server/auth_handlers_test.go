package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/dgellow/oidc-rp/internal/browserauth"
	"github.com/dgellow/oidc-rp/internal/cookie"
	"github.com/dgellow/oidc-rp/internal/flow"
	"github.com/dgellow/oidc-rp/internal/metrics"
	"github.com/dgellow/oidc-rp/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testState = "0123456789abcdef0123456789abcdef"

type mockFlow struct {
	mock.Mock
}

func (m *mockFlow) StartLogin(ctx context.Context, returnTo string) (*flow.Redirect, error) {
	args := m.Called(ctx, returnTo)
	r, _ := args.Get(0).(*flow.Redirect)
	return r, args.Error(1)
}

func (m *mockFlow) HandleCallback(ctx context.Context, query url.Values) (*flow.AuthResult, error) {
	args := m.Called(ctx, query)
	r, _ := args.Get(0).(*flow.AuthResult)
	return r, args.Error(1)
}

func (m *mockFlow) Session(ctx context.Context, token string) (*storage.LocalSession, error) {
	args := m.Called(ctx, token)
	s, _ := args.Get(0).(*storage.LocalSession)
	return s, args.Error(1)
}

func (m *mockFlow) Logout(ctx context.Context, token string) (*flow.LogoutResult, error) {
	args := m.Called(ctx, token)
	r, _ := args.Get(0).(*flow.LogoutResult)
	return r, args.Error(1)
}

func newTestRouter(t *testing.T, f *mockFlow) http.Handler {
	t.Helper()
	t.Setenv("OIDC_RP_ENV", "development")
	h, err := NewAuthHandlers(f, HandlerConfig{
		PostLoginRedirect:  "/home",
		PostLogoutRedirect: "/bye",
		StateTTL:           10 * time.Minute,
		CookieSecret:       []byte(strings.Repeat("s", 32)),
	})
	require.NoError(t, err)
	return NewRouter(h, f, metrics.New())
}

func findCookie(cookies []*http.Cookie, name string) *http.Cookie {
	for _, c := range cookies {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// startLogin drives GET /login and returns the login cookie it set.
func startLogin(t *testing.T, router http.Handler, f *mockFlow) *http.Cookie {
	t.Helper()
	f.On("StartLogin", mock.Anything, "/home").Return(&flow.Redirect{
		URL:      "https://idp.example.com/authorize?state=" + testState,
		State:    testState,
		ReturnTo: "/home",
	}, nil).Once()

	req := httptest.NewRequest(http.MethodGet, "/login", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusFound, w.Code)

	c := findCookie(w.Result().Cookies(), cookie.LoginCookie)
	require.NotNil(t, c)
	return c
}

func TestNewAuthHandlers_ShortSecret(t *testing.T) {
	_, err := NewAuthHandlers(&mockFlow{}, HandlerConfig{CookieSecret: []byte("short")})
	assert.Error(t, err)
}

func TestHealthEndpoint(t *testing.T) {
	handler := NewHealthHandler()

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var response map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, "ok", response["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	router := newTestRouter(t, &mockFlow{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestLoginHandler(t *testing.T) {
	f := &mockFlow{}
	router := newTestRouter(t, f)

	f.On("StartLogin", mock.Anything, "/reports").Return(&flow.Redirect{
		URL:      "https://idp.example.com/authorize?state=" + testState,
		State:    testState,
		ReturnTo: "/reports",
	}, nil).Once()

	req := httptest.NewRequest(http.MethodGet, "/login?return_to=%2Freports", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "https://idp.example.com/authorize?state="+testState, w.Header().Get("Location"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))

	c := findCookie(w.Result().Cookies(), cookie.LoginCookie)
	require.NotNil(t, c)
	assert.True(t, c.HttpOnly)
	assert.Equal(t, 600, c.MaxAge)
	f.AssertExpectations(t)
}

func TestLoginHandler_UnsafeReturnTo(t *testing.T) {
	for _, returnTo := range []string{"https://evil.example", "//evil.example", `/\evil.example`, "relative"} {
		t.Run(returnTo, func(t *testing.T) {
			f := &mockFlow{}
			router := newTestRouter(t, f)
			f.On("StartLogin", mock.Anything, "/home").Return(&flow.Redirect{URL: "https://idp.example.com/authorize", State: testState}, nil).Once()

			req := httptest.NewRequest(http.MethodGet, "/login?return_to="+url.QueryEscape(returnTo), nil)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, http.StatusFound, w.Code)
			f.AssertExpectations(t)
		})
	}
}

func TestLoginHandler_ProviderUnavailable(t *testing.T) {
	f := &mockFlow{}
	router := newTestRouter(t, f)
	f.On("StartLogin", mock.Anything, "/home").Return(nil, &flow.Error{
		Code:  flow.CodeProviderUnavailable,
		Phase: flow.Idle,
		Err:   errors.New("dial tcp: connection refused"),
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/login", nil))

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), "currently unavailable")
	assert.NotContains(t, w.Body.String(), "connection refused")
	assert.Nil(t, findCookie(w.Result().Cookies(), cookie.LoginCookie))
}

func TestCallbackHandler_Success(t *testing.T) {
	f := &mockFlow{}
	router := newTestRouter(t, f)
	login := startLogin(t, router, f)

	expires := time.Now().Add(time.Hour)
	f.On("HandleCallback", mock.Anything, mock.MatchedBy(func(q url.Values) bool {
		return q.Get("code") == "the-code" && q.Get("state") == testState
	})).Return(&flow.AuthResult{
		Session:  &storage.LocalSession{Token: "session-token", AccountID: "42", ExpiresAt: expires},
		ReturnTo: "/home",
	}, nil).Once()

	req := httptest.NewRequest(http.MethodGet, "/callback?code=the-code&state="+testState, nil)
	req.AddCookie(login)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/home", w.Header().Get("Location"))

	cookies := w.Result().Cookies()
	session := findCookie(cookies, cookie.SessionCookie)
	require.NotNil(t, session)
	assert.Equal(t, "session-token", session.Value)
	assert.InDelta(t, 3600, session.MaxAge, 5)

	cleared := findCookie(cookies, cookie.LoginCookie)
	require.NotNil(t, cleared)
	assert.Equal(t, -1, cleared.MaxAge)
	f.AssertExpectations(t)
}

func TestCallbackHandler_RequiresMatchingLoginCookie(t *testing.T) {
	tests := []struct {
		name   string
		cookie func(login *http.Cookie) *http.Cookie
	}{
		{name: "no cookie", cookie: func(*http.Cookie) *http.Cookie { return nil }},
		{name: "tampered cookie", cookie: func(login *http.Cookie) *http.Cookie {
			return &http.Cookie{Name: login.Name, Value: login.Value + "x"}
		}},
		{name: "cookie for another state", cookie: func(login *http.Cookie) *http.Cookie { return login }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &mockFlow{}
			router := newTestRouter(t, f)
			login := startLogin(t, router, f)

			state := testState
			if tt.name == "cookie for another state" {
				state = "ffffffffffffffffffffffffffffffff"
			}
			req := httptest.NewRequest(http.MethodGet, "/callback?code=c&state="+state, nil)
			if c := tt.cookie(login); c != nil {
				req.AddCookie(c)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, w.Body.String(), string(flow.CodeInvalidState))
			f.AssertNotCalled(t, "HandleCallback", mock.Anything, mock.Anything)
		})
	}
}

func TestCallbackHandler_FailureStatus(t *testing.T) {
	tests := []struct {
		code   flow.Code
		status int
	}{
		{flow.CodeProviderError, http.StatusBadRequest},
		{flow.CodeMissingParameter, http.StatusBadRequest},
		{flow.CodeInvalidState, http.StatusBadRequest},
		{flow.CodeValidationFailed, http.StatusForbidden},
		{flow.CodeAccessDenied, http.StatusForbidden},
		{flow.CodeTokenExchangeFailed, http.StatusBadGateway},
		{flow.CodeProviderUnavailable, http.StatusBadGateway},
		{flow.CodeInternal, http.StatusInternalServerError},
	}

	bodies := map[string]struct{}{}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			f := &mockFlow{}
			router := newTestRouter(t, f)
			login := startLogin(t, router, f)

			f.On("HandleCallback", mock.Anything, mock.Anything).Return(nil, &flow.Error{
				Code:  tt.code,
				Phase: flow.Validating,
				Err:   errors.New("secret detail eyJhbGciOi"),
			}).Once()

			req := httptest.NewRequest(http.MethodGet, "/callback?code=c&state="+testState, nil)
			req.AddCookie(login)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, "text/html; charset=utf-8", w.Header().Get("Content-Type"))
			assert.Contains(t, w.Body.String(), failureMessage)
			for _, other := range tests {
				assert.NotContains(t, w.Body.String(), string(other.code))
			}
			assert.NotContains(t, w.Body.String(), "secret detail")
			assert.Nil(t, findCookie(w.Result().Cookies(), cookie.SessionCookie))
			bodies[w.Body.String()] = struct{}{}
		})
	}

	// Every failure class renders the same page.
	assert.Len(t, bodies, 1)
}

func sessionFixture(f *mockFlow) *http.Cookie {
	f.On("Session", mock.Anything, "session-token").Return(&storage.LocalSession{
		AccountID: "42",
		Subject:   "user-1",
		Email:     "alice@example.com",
		ExpiresAt: time.Now().Add(time.Hour),
	}, nil)
	return &http.Cookie{Name: cookie.SessionCookie, Value: "session-token"}
}

func getSession(t *testing.T, router http.Handler, c *http.Cookie) browserauth.SessionView {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/session", nil)
	req.AddCookie(c)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var view browserauth.SessionView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	return view
}

func TestSessionHandler(t *testing.T) {
	f := &mockFlow{}
	router := newTestRouter(t, f)

	view := getSession(t, router, sessionFixture(f))

	assert.True(t, view.Authenticated)
	assert.Equal(t, "42", view.AccountID)
	assert.Equal(t, "alice@example.com", view.Email)
	assert.NotEmpty(t, view.CSRFToken)
}

func TestSessionHandler_Unauthenticated(t *testing.T) {
	f := &mockFlow{}
	router := newTestRouter(t, f)
	f.On("Session", mock.Anything, "stale").Return(nil, storage.ErrSessionNotFound)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/session", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/session", nil)
	req.AddCookie(&http.Cookie{Name: cookie.SessionCookie, Value: "stale"})
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	cleared := findCookie(w.Result().Cookies(), cookie.SessionCookie)
	require.NotNil(t, cleared)
	assert.Equal(t, -1, cleared.MaxAge)
}

func TestSessionHandler_StoreFailure(t *testing.T) {
	f := &mockFlow{}
	router := newTestRouter(t, f)
	f.On("Session", mock.Anything, "tok").Return(nil, errors.New("firestore: unavailable"))

	req := httptest.NewRequest(http.MethodGet, "/session", nil)
	req.AddCookie(&http.Cookie{Name: cookie.SessionCookie, Value: "tok"})
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestLogoutHandler(t *testing.T) {
	f := &mockFlow{}
	router := newTestRouter(t, f)
	c := sessionFixture(f)
	view := getSession(t, router, c)

	f.On("Logout", mock.Anything, "session-token").Return(&flow.LogoutResult{
		EndSessionURL: "https://idp.example.com/logout?client_id=abc",
		Revoked:       true,
	}, nil).Once()

	req := httptest.NewRequest(http.MethodPost, "/logout", nil)
	req.AddCookie(c)
	req.Header.Set(CSRFHeader, view.CSRFToken)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, "https://idp.example.com/logout?client_id=abc", w.Header().Get("Location"))
	cleared := findCookie(w.Result().Cookies(), cookie.SessionCookie)
	require.NotNil(t, cleared)
	assert.Equal(t, -1, cleared.MaxAge)
	f.AssertExpectations(t)
}

func TestLogoutHandler_FormTokenAndLocalRedirect(t *testing.T) {
	f := &mockFlow{}
	router := newTestRouter(t, f)
	c := sessionFixture(f)
	view := getSession(t, router, c)

	f.On("Logout", mock.Anything, "session-token").Return(&flow.LogoutResult{}, nil).Once()

	body := url.Values{"csrf_token": {view.CSRFToken}}.Encode()
	req := httptest.NewRequest(http.MethodPost, "/logout", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.AddCookie(c)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, "/bye", w.Header().Get("Location"))
}

func TestLogoutHandler_RejectsMissingOrForeignCSRF(t *testing.T) {
	f := &mockFlow{}
	router := newTestRouter(t, f)
	c := sessionFixture(f)

	f.On("Session", mock.Anything, "other-token").Return(&storage.LocalSession{AccountID: "7"}, nil)
	foreign := getSession(t, router, &http.Cookie{Name: cookie.SessionCookie, Value: "other-token"})

	for _, token := range []string{"", "garbage", foreign.CSRFToken} {
		req := httptest.NewRequest(http.MethodPost, "/logout", nil)
		req.AddCookie(c)
		if token != "" {
			req.Header.Set(CSRFHeader, token)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusForbidden, w.Code)
	}
	f.AssertNotCalled(t, "Logout", mock.Anything, mock.Anything)
}

func TestRecoverMiddleware(t *testing.T) {
	handler := NewRecoverMiddleware("test")(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestLoggerMiddleware_CapturesStatus(t *testing.T) {
	var seen int
	handler := NewLoggerMiddleware("test")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.WriteHeader(http.StatusOK)
		seen = w.(*responseWriterDelegator).Status()
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusTeapot, w.Code)
	assert.Equal(t, http.StatusTeapot, seen)
}
