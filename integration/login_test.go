package integration

import (
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/dgellow/oidc-rp/internal/config"
	"github.com/dgellow/oidc-rp/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoginFlow_EndToEnd(t *testing.T) {
	fake := testutil.NewFakeIdP(t)
	rp := startRelyingParty(t, fake, nil)
	b := newBrowser(t)

	authURL := b.startLogin(rp.URL, "/dashboard")
	assert.True(t, strings.HasPrefix(authURL, fake.Issuer+"/authorize?client_id=abc&redirect_uri="+
		url.QueryEscape(rp.URL+"/callback")+"&response_type=code&scope=openid+email+profile&state="), authURL)

	code, state, err := fake.Authorize(authURL)
	require.NoError(t, err)
	assert.Regexp(t, `^[0-9a-f]{32}$`, state)

	resp := b.get(callbackURL(rp.URL, code, state))
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/dashboard", resp.Header.Get("Location"))

	view, status := b.session(rp.URL)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, view.Authenticated)
	assert.Equal(t, "42", view.AccountID)
	assert.Equal(t, "user-1", view.Subject)
	assert.Equal(t, "alice@example.com", view.Email)

	// PKCE verifier and basic client auth reached the provider
	form, authz := fake.LastTokenRequest()
	assert.NotEmpty(t, form.Get("code_verifier"))
	assert.True(t, strings.HasPrefix(authz, "Basic "))

	resp = b.postLogout(rp.URL, view.CSRFToken)
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	endSession, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/logout", endSession.Path)
	assert.Equal(t, "abc", endSession.Query().Get("client_id"))
	assert.Equal(t, rp.URL+"/", endSession.Query().Get("post_logout_redirect_uri"))
	assert.Len(t, fake.Revoked(), 1)

	_, status = b.session(rp.URL)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestLoginFlow_RedisStateStore(t *testing.T) {
	mr := miniredis.RunT(t)
	fake := testutil.NewFakeIdP(t)
	rp := startRelyingParty(t, fake, func(cfg *config.Config) {
		cfg.Storage.StateStore = config.StorageRedis
		cfg.Storage.RedisURL = config.Secret("redis://" + mr.Addr())
	})
	b := newBrowser(t)

	authURL := b.startLogin(rp.URL, "")
	assert.Len(t, mr.Keys(), 1)

	code, state, err := fake.Authorize(authURL)
	require.NoError(t, err)
	resp := b.get(callbackURL(rp.URL, code, state))

	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/", resp.Header.Get("Location"))
	assert.Empty(t, mr.Keys())
}

func TestCallback_ReplayRejected(t *testing.T) {
	fake := testutil.NewFakeIdP(t)
	rp := startRelyingParty(t, fake, nil)
	b := newBrowser(t)

	authURL := b.startLogin(rp.URL, "")
	code, state, err := fake.Authorize(authURL)
	require.NoError(t, err)

	first := b.get(callbackURL(rp.URL, code, state))
	require.Equal(t, http.StatusFound, first.StatusCode)

	replay := b.get(callbackURL(rp.URL, code, state))
	assert.Equal(t, http.StatusBadRequest, replay.StatusCode)
	assert.Equal(t, 1, fake.Hits("/token"))
}

func TestCallback_FromAnotherBrowserIsRejected(t *testing.T) {
	fake := testutil.NewFakeIdP(t)
	rp := startRelyingParty(t, fake, nil)
	victim := newBrowser(t)
	attacker := newBrowser(t)

	authURL := attacker.startLogin(rp.URL, "")
	code, state, err := fake.Authorize(authURL)
	require.NoError(t, err)

	resp := victim.get(callbackURL(rp.URL, code, state))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, 0, fake.Hits("/token"))
	_, status := victim.session(rp.URL)
	assert.Equal(t, http.StatusUnauthorized, status)

	// the attempt still belongs to the browser that started it
	resp = attacker.get(callbackURL(rp.URL, code, state))
	assert.Equal(t, http.StatusFound, resp.StatusCode)
}

func TestCallback_UnknownAccountDenied(t *testing.T) {
	fake := testutil.NewFakeIdP(t)
	fake.SetClaims(map[string]any{
		"sub":                "user-9",
		"email":              "mallory@example.com",
		"email_verified":     true,
		"preferred_username": "mallory",
	})
	rp := startRelyingParty(t, fake, nil)
	b := newBrowser(t)

	resp := b.login(rp, fake, "")

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "Authentication failed")
	assert.NotContains(t, string(body), "access_denied")
	assert.NotContains(t, string(body), "mallory")
	_, status := b.session(rp.URL)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestCallback_UnverifiedEmailDenied(t *testing.T) {
	fake := testutil.NewFakeIdP(t)
	fake.SetClaims(map[string]any{
		"sub":            "user-1",
		"email":          "alice@example.com",
		"email_verified": false,
	})
	rp := startRelyingParty(t, fake, nil)

	resp := newBrowser(t).login(rp, fake, "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestCallback_ProviderError(t *testing.T) {
	fake := testutil.NewFakeIdP(t)
	rp := startRelyingParty(t, fake, nil)
	b := newBrowser(t)

	authURL := b.startLogin(rp.URL, "")
	u, err := url.Parse(authURL)
	require.NoError(t, err)
	state := u.Query().Get("state")

	resp := b.get(rp.URL + "/callback?" + url.Values{
		"error":             {"access_denied"},
		"error_description": {"User cancelled"},
		"state":             {state},
	}.Encode())

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "Authentication failed")
	assert.NotContains(t, string(body), "provider_error")
	assert.NotContains(t, string(body), "User cancelled")
	assert.Equal(t, 0, fake.Hits("/token"))
}

func TestCallback_TokenEndpointFailure(t *testing.T) {
	fake := testutil.NewFakeIdP(t)
	rp := startRelyingParty(t, fake, nil)
	fake.TokenStatus.Store(http.StatusInternalServerError)

	resp := newBrowser(t).login(rp, fake, "")

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, 1, fake.Hits("/token"))
}

func TestLogin_ProviderDown(t *testing.T) {
	fake := testutil.NewFakeIdP(t)
	fake.DiscoveryStatus.Store(http.StatusServiceUnavailable)
	rp := startRelyingParty(t, fake, nil)

	resp := newBrowser(t).get(rp.URL + "/login")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	fake.DiscoveryStatus.Store(0)
	resp = newBrowser(t).get(rp.URL + "/login")
	assert.Equal(t, http.StatusFound, resp.StatusCode)
}

func TestLogin_SurvivesKeyRotation(t *testing.T) {
	fake := testutil.NewFakeIdP(t)
	rp := startRelyingParty(t, fake, nil)

	resp := newBrowser(t).login(rp, fake, "")
	require.Equal(t, http.StatusFound, resp.StatusCode)
	jwksBefore := fake.Hits("/jwks")

	fake.RotateKey()

	resp = newBrowser(t).login(rp, fake, "")
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, jwksBefore+1, fake.Hits("/jwks"))
}

func TestLogin_ExtraAuthParams(t *testing.T) {
	fake := testutil.NewFakeIdP(t)
	rp := startRelyingParty(t, fake, func(cfg *config.Config) {
		cfg.Provider.ExtraAuthParams = map[string]string{"prompt": "select_account", "state": "nope"}
		cfg.Provider.TokenEndpointAuthMethod = config.AuthMethodClientSecretPost
	})
	b := newBrowser(t)

	authURL := b.startLogin(rp.URL, "")
	u, err := url.Parse(authURL)
	require.NoError(t, err)
	assert.Equal(t, "select_account", u.Query().Get("prompt"))
	assert.NotEqual(t, "nope", u.Query().Get("state"))

	code, state, err := fake.Authorize(authURL)
	require.NoError(t, err)
	resp := b.get(callbackURL(rp.URL, code, state))
	require.Equal(t, http.StatusFound, resp.StatusCode)

	form, authz := fake.LastTokenRequest()
	assert.Empty(t, authz)
	assert.Equal(t, testutil.FakeClientID, form.Get("client_id"))
}

func TestLogout_RequiresCSRFToken(t *testing.T) {
	fake := testutil.NewFakeIdP(t)
	rp := startRelyingParty(t, fake, nil)
	b := newBrowser(t)

	require.Equal(t, http.StatusFound, b.login(rp, fake, "").StatusCode)

	resp := b.postLogout(rp.URL, "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	_, status := b.session(rp.URL)
	assert.Equal(t, http.StatusOK, status)
	assert.Empty(t, fake.Revoked())
}

func TestHealthAndMetrics(t *testing.T) {
	fake := testutil.NewFakeIdP(t)
	rp := startRelyingParty(t, fake, nil)
	b := newBrowser(t)

	require.Equal(t, http.StatusFound, b.login(rp, fake, "").StatusCode)

	assert.Equal(t, http.StatusOK, b.get(rp.URL+"/health").StatusCode)

	resp := b.get(rp.URL + "/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), `oidc_rp_callbacks_total{outcome="success"} 1`)
	assert.Contains(t, string(body), "oidc_rp_logins_started_total 1")
}
