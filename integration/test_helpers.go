package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/dgellow/oidc-rp/internal"
	"github.com/dgellow/oidc-rp/internal/browserauth"
	"github.com/dgellow/oidc-rp/internal/config"
	"github.com/dgellow/oidc-rp/internal/server"
	"github.com/dgellow/oidc-rp/internal/testutil"
	"github.com/stretchr/testify/require"
)

// relyingParty is a running app wired to a fake provider.
type relyingParty struct {
	URL string
	App *internal.App
}

// testConfig returns a valid configuration for an app at baseURL talking to fake.
func testConfig(baseURL string, fake *testutil.FakeIdP) config.Config {
	return config.Config{
		Version: "v1.0",
		Server: config.ServerConfig{
			Addr:         ":0",
			BaseURL:      config.EnvString(baseURL),
			CookieSecret: config.Secret(strings.Repeat("c", 32)),
		},
		Provider: config.ProviderConfig{
			Issuer:       config.EnvString(fake.Issuer),
			ClientID:     testutil.FakeClientID,
			ClientSecret: testutil.FakeClientSecret,
			RedirectURI:  config.EnvString(baseURL + "/callback"),
		},
		Accounts: []config.AccountSeed{
			{ID: "42", Username: "alice", Email: "alice@example.com"},
		},
	}
}

// startRelyingParty builds the app and serves it. mutate may adjust the
// configuration before defaults and validation run.
func startRelyingParty(t *testing.T, fake *testutil.FakeIdP, mutate func(*config.Config)) *relyingParty {
	t.Helper()
	t.Setenv("OIDC_RP_ENV", "development")

	var handler http.Handler = http.NotFoundHandler()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	cfg := testConfig(srv.URL, fake)
	if mutate != nil {
		mutate(&cfg)
	}
	config.ApplyDefaults(&cfg)
	require.NoError(t, cfg.Validate())

	app, err := internal.NewApp(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(app.Close)
	handler = app.Handler()

	return &relyingParty{URL: srv.URL, App: app}
}

// browser is an HTTP client with a cookie jar that does not follow redirects.
type browser struct {
	t      *testing.T
	client *http.Client
}

func newBrowser(t *testing.T) *browser {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &browser{
		t: t,
		client: &http.Client{
			Jar: jar,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (b *browser) get(rawURL string) *http.Response {
	b.t.Helper()
	resp, err := b.client.Get(rawURL)
	require.NoError(b.t, err)
	b.t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (b *browser) postLogout(baseURL, csrfToken string) *http.Response {
	b.t.Helper()
	req, err := http.NewRequest(http.MethodPost, baseURL+"/logout", nil)
	require.NoError(b.t, err)
	if csrfToken != "" {
		req.Header.Set(server.CSRFHeader, csrfToken)
	}
	resp, err := b.client.Do(req)
	require.NoError(b.t, err)
	b.t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (b *browser) session(baseURL string) (browserauth.SessionView, int) {
	b.t.Helper()
	resp := b.get(baseURL + "/session")
	var view browserauth.SessionView
	if resp.StatusCode == http.StatusOK {
		require.NoError(b.t, json.NewDecoder(resp.Body).Decode(&view))
	}
	return view, resp.StatusCode
}

// startLogin hits /login and returns the provider authorization URL.
func (b *browser) startLogin(baseURL, returnTo string) string {
	b.t.Helper()
	target := baseURL + "/login"
	if returnTo != "" {
		target += "?return_to=" + url.QueryEscape(returnTo)
	}
	resp := b.get(target)
	require.Equal(b.t, http.StatusFound, resp.StatusCode)
	return resp.Header.Get("Location")
}

// callbackURL is where the provider would send the browser after consent.
func callbackURL(baseURL, code, state string) string {
	return baseURL + "/callback?" + url.Values{"code": {code}, "state": {state}}.Encode()
}

// login runs the whole browser flow and returns the final callback response.
func (b *browser) login(rp *relyingParty, fake *testutil.FakeIdP, returnTo string) *http.Response {
	b.t.Helper()
	authURL := b.startLogin(rp.URL, returnTo)
	code, state, err := fake.Authorize(authURL)
	require.NoError(b.t, err)
	return b.get(callbackURL(rp.URL, code, state))
}
