package idp

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/dgellow/oidc-rp/internal/config"
	"github.com/dgellow/oidc-rp/internal/metrics"
	"github.com/dgellow/oidc-rp/internal/testutil"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

const testRedirect = "https://app.example/cb"

func newTestClient(t *testing.T, method string, m *metrics.Metrics) *Client {
	t.Helper()
	hc, err := NewHTTPClient(2*time.Second, "")
	require.NoError(t, err)
	return NewClient(Config{
		ClientID:     testutil.FakeClientID,
		ClientSecret: testutil.FakeClientSecret,
		RedirectURI:  testRedirect,
		Scopes:       []string{"openid", "email", "profile"},
		AuthMethod:   method,
	}, hc, m)
}

// authorize runs the browser leg against the fake provider and returns a code.
func authorize(t *testing.T, idp *testutil.FakeIdP, c *Client, verifier string) string {
	t.Helper()
	extra := url.Values{"nonce": {"n-123"}}
	if verifier != "" {
		extra.Set("code_challenge", oauth2.S256ChallengeFromVerifier(verifier))
		extra.Set("code_challenge_method", "S256")
	}
	code, _, err := idp.Authorize(c.AuthCodeURL(idp.Issuer+"/authorize", "0123456789abcdef0123456789abcdef", extra))
	require.NoError(t, err)
	return code
}

func TestAuthCodeURL_StandardParametersFirst(t *testing.T) {
	c := NewClient(Config{
		ClientID:    "abc",
		RedirectURI: "https://app.example/cb",
		Scopes:      []string{"openid", "email", "profile"},
	}, nil, nil)

	u := c.AuthCodeURL("https://idp.example/authorize", "00112233445566778899aabbccddeeff", url.Values{
		"nonce":  {"xyz"},
		"prompt": {"login"},
	})

	assert.Equal(t,
		"https://idp.example/authorize?client_id=abc&redirect_uri=https%3A%2F%2Fapp.example%2Fcb"+
			"&response_type=code&scope=openid+email+profile&state=00112233445566778899aabbccddeeff"+
			"&nonce=xyz&prompt=login",
		u)
}

func TestAuthCodeURL_EndpointWithQuery(t *testing.T) {
	c := NewClient(Config{ClientID: "abc", RedirectURI: testRedirect}, nil, nil)

	u := c.AuthCodeURL("https://idp.example/authorize?tenant=t1", "s", nil)
	assert.True(t, strings.HasPrefix(u, "https://idp.example/authorize?tenant=t1&client_id=abc"), u)
}

func TestExchange_ClientSecretBasic(t *testing.T) {
	idp := testutil.NewFakeIdP(t)
	m := metrics.New()
	c := newTestClient(t, config.AuthMethodClientSecretBasic, m)
	verifier := oauth2.GenerateVerifier()
	code := authorize(t, idp, c, verifier)

	tokens, err := c.Exchange(context.Background(), idp.Issuer+"/token", code, verifier)
	require.NoError(t, err)

	assert.NotEmpty(t, tokens.AccessToken)
	assert.NotEmpty(t, tokens.IDToken)
	assert.Equal(t, "Bearer", tokens.TokenType)
	assert.WithinDuration(t, time.Now().Add(time.Hour), tokens.Expiry, time.Minute)

	form, auth := idp.LastTokenRequest()
	assert.True(t, strings.HasPrefix(auth, "Basic "))
	assert.Empty(t, form.Get("client_secret"))
	assert.Equal(t, testRedirect, form.Get("redirect_uri"))
	assert.Equal(t, verifier, form.Get("code_verifier"))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.ProviderFetches.WithLabelValues("token", "ok")))
}

func TestExchange_ClientSecretPost(t *testing.T) {
	idp := testutil.NewFakeIdP(t)
	c := newTestClient(t, config.AuthMethodClientSecretPost, nil)
	code := authorize(t, idp, c, "")

	_, err := c.Exchange(context.Background(), idp.Issuer+"/token", code, "")
	require.NoError(t, err)

	form, auth := idp.LastTokenRequest()
	assert.Empty(t, auth)
	assert.Equal(t, testutil.FakeClientSecret, form.Get("client_secret"))
	assert.Empty(t, form.Get("code_verifier"))
}

func TestExchange_InvalidGrantIsNotRetried(t *testing.T) {
	idp := testutil.NewFakeIdP(t)
	c := newTestClient(t, "", nil)

	_, err := c.Exchange(context.Background(), idp.Issuer+"/token", "bogus", "")

	var xerr *ExchangeError
	require.ErrorAs(t, err, &xerr)
	assert.Equal(t, http.StatusBadRequest, xerr.Status)
	assert.Equal(t, "invalid_grant", xerr.Code)
	assert.Equal(t, 1, idp.Hits("/token"))
}

func TestExchange_CodeIsSingleUse(t *testing.T) {
	idp := testutil.NewFakeIdP(t)
	c := newTestClient(t, "", nil)
	code := authorize(t, idp, c, "")

	_, err := c.Exchange(context.Background(), idp.Issuer+"/token", code, "")
	require.NoError(t, err)
	_, err = c.Exchange(context.Background(), idp.Issuer+"/token", code, "")
	require.Error(t, err)
}

func TestExchange_ServerErrorIsNotRetried(t *testing.T) {
	idp := testutil.NewFakeIdP(t)
	idp.TokenStatus.Store(http.StatusBadGateway)
	m := metrics.New()
	c := newTestClient(t, "", m)

	_, err := c.Exchange(context.Background(), idp.Issuer+"/token", "any", "")

	var xerr *ExchangeError
	require.ErrorAs(t, err, &xerr)
	assert.Equal(t, http.StatusBadGateway, xerr.Status)
	assert.Equal(t, 1, idp.Hits("/token"))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.ProviderFetches.WithLabelValues("token", "error")))
}

func TestExchange_PKCEMismatch(t *testing.T) {
	idp := testutil.NewFakeIdP(t)
	c := newTestClient(t, "", nil)
	code := authorize(t, idp, c, oauth2.GenerateVerifier())

	_, err := c.Exchange(context.Background(), idp.Issuer+"/token", code, oauth2.GenerateVerifier())

	var xerr *ExchangeError
	require.ErrorAs(t, err, &xerr)
	assert.Equal(t, "invalid_grant", xerr.Code)
}

func TestExchange_MissingIDToken(t *testing.T) {
	idp := testutil.NewFakeIdP(t)
	idp.OmitIDToken.Store(true)
	c := newTestClient(t, "", nil)
	code := authorize(t, idp, c, "")

	_, err := c.Exchange(context.Background(), idp.Issuer+"/token", code, "")
	assert.ErrorIs(t, err, ErrMissingIDToken)

	var xerr *ExchangeError
	assert.ErrorAs(t, err, &xerr)
}

func TestExchange_Timeout(t *testing.T) {
	idp := testutil.NewFakeIdP(t)
	idp.TokenDelay.Store(int64(500 * time.Millisecond))
	hc, err := NewHTTPClient(50*time.Millisecond, "")
	require.NoError(t, err)
	c := NewClient(Config{ClientID: testutil.FakeClientID, ClientSecret: testutil.FakeClientSecret}, hc, nil)

	_, err = c.Exchange(context.Background(), idp.Issuer+"/token", "any", "")

	var xerr *ExchangeError
	require.ErrorAs(t, err, &xerr)
	assert.Zero(t, xerr.Status)
	assert.Equal(t, 1, idp.Hits("/token"))
}

func TestUserInfo(t *testing.T) {
	idp := testutil.NewFakeIdP(t)
	c := newTestClient(t, "", nil)
	code := authorize(t, idp, c, "")
	tokens, err := c.Exchange(context.Background(), idp.Issuer+"/token", code, "")
	require.NoError(t, err)

	claims, err := c.UserInfo(context.Background(), idp.Issuer+"/userinfo", tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims["sub"])
	assert.Equal(t, "alice@example.com", claims["email"])
}

func TestUserInfo_Unauthorized(t *testing.T) {
	idp := testutil.NewFakeIdP(t)
	c := newTestClient(t, "", nil)

	_, err := c.UserInfo(context.Background(), idp.Issuer+"/userinfo", "not-a-token")

	var uerr *UserInfoError
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, http.StatusUnauthorized, uerr.Status)
}

func TestUserInfo_NoEndpoint(t *testing.T) {
	c := newTestClient(t, "", nil)

	_, err := c.UserInfo(context.Background(), "", "tok")
	assert.True(t, errors.Is(err, ErrNoEndpoint))
}

func TestRevoke(t *testing.T) {
	idp := testutil.NewFakeIdP(t)
	c := newTestClient(t, "", nil)
	code := authorize(t, idp, c, "")
	tokens, err := c.Exchange(context.Background(), idp.Issuer+"/token", code, "")
	require.NoError(t, err)

	require.NoError(t, c.Revoke(context.Background(), idp.Issuer+"/revoke", tokens.AccessToken))
	assert.Equal(t, []string{tokens.AccessToken}, idp.Revoked())

	// the revoked token no longer works at userinfo
	_, err = c.UserInfo(context.Background(), idp.Issuer+"/userinfo", tokens.AccessToken)
	assert.Error(t, err)
}

func TestRevoke_BadClientCredentials(t *testing.T) {
	idp := testutil.NewFakeIdP(t)
	c := NewClient(Config{ClientID: testutil.FakeClientID, ClientSecret: "wrong"}, nil, nil)

	err := c.Revoke(context.Background(), idp.Issuer+"/revoke", "tok")
	assert.Error(t, err)
}

func TestNewHTTPClient_Proxy(t *testing.T) {
	hc, err := NewHTTPClient(time.Second, "http://proxy.internal:3128")
	require.NoError(t, err)

	req, _ := http.NewRequest(http.MethodGet, "https://idp.example/token", nil)
	proxy, err := hc.Transport.(*http.Transport).Proxy(req)
	require.NoError(t, err)
	assert.Equal(t, "proxy.internal:3128", proxy.Host)
	assert.Equal(t, time.Second, hc.Timeout)
}

func TestNewFromConfig(t *testing.T) {
	c := NewFromConfig(config.ProviderConfig{
		ClientID:                "abc",
		ClientSecret:            "s",
		RedirectURI:             testRedirect,
		TokenEndpointAuthMethod: config.AuthMethodClientSecretPost,
	}, nil, nil)

	assert.Equal(t, "abc", c.ClientID())
	assert.Equal(t, oauth2.AuthStyleInParams, c.authStyle())
}
