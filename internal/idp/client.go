package idp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dgellow/oidc-rp/internal/config"
	"github.com/dgellow/oidc-rp/internal/ioutil"
	"github.com/dgellow/oidc-rp/internal/log"
	"github.com/dgellow/oidc-rp/internal/metrics"
	"golang.org/x/oauth2"
)

const (
	resourceToken      = "token"
	resourceUserInfo   = "userinfo"
	resourceRevocation = "revocation"
)

// Config is this client's registration with the provider.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       []string
	// AuthMethod is client_secret_basic (default) or client_secret_post.
	AuthMethod string
}

// Client talks to the provider's token, userinfo and revocation endpoints.
// Endpoints are passed per call because they come from discovery and may
// change when the metadata is refreshed.
type Client struct {
	cfg        Config
	httpClient *http.Client
	metrics    *metrics.Metrics
}

// NewClient creates a provider client. m may be nil.
func NewClient(cfg Config, httpClient *http.Client, m *metrics.Metrics) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.DefaultHTTPTimeout}
	}
	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		metrics:    m,
	}
}

// ClientID returns the registered client id.
func (c *Client) ClientID() string {
	return c.cfg.ClientID
}

// The style is explicit: AuthStyleAutoDetect would resend a failed exchange
// with the other style, and a code must never be presented twice.
func (c *Client) authStyle() oauth2.AuthStyle {
	if c.cfg.AuthMethod == config.AuthMethodClientSecretPost {
		return oauth2.AuthStyleInParams
	}
	return oauth2.AuthStyleInHeader
}

func (c *Client) oauth2Config(authURL, tokenURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.cfg.ClientID,
		ClientSecret: c.cfg.ClientSecret,
		RedirectURL:  c.cfg.RedirectURI,
		Scopes:       c.cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   authURL,
			TokenURL:  tokenURL,
			AuthStyle: c.authStyle(),
		},
	}
}

// AuthCodeURL builds the authorization request URL. The standard parameters
// come first in the order client_id, redirect_uri, response_type, scope,
// state; extra parameters (nonce, PKCE, provider specific) follow them.
func (c *Client) AuthCodeURL(authEndpoint, state string, extra url.Values) string {
	u := c.oauth2Config(authEndpoint, "").AuthCodeURL(state)
	if len(extra) == 0 {
		return u
	}
	return u + "&" + extra.Encode()
}

// Exchange trades an authorization code for tokens. It is never retried:
// codes are single use. verifier is the PKCE code verifier, or "".
func (c *Client) Exchange(ctx context.Context, tokenEndpoint, code, verifier string) (*Tokens, error) {
	start := time.Now()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	var opts []oauth2.AuthCodeOption
	if verifier != "" {
		opts = append(opts, oauth2.VerifierOption(verifier))
	}

	tok, err := c.oauth2Config("", tokenEndpoint).Exchange(ctx, code, opts...)
	if err != nil {
		c.metrics.ObserveProviderFetch(resourceToken, "error", start)
		xerr := toExchangeError(err)
		log.LogWarnWithFields("idp", "Code exchange failed", map[string]any{
			"status":      xerr.Status,
			"oauth_error": xerr.Code,
			"error":       err.Error(),
		})
		return nil, xerr
	}
	c.metrics.ObserveProviderFetch(resourceToken, "ok", start)

	rawID, _ := tok.Extra("id_token").(string)
	if rawID == "" {
		return nil, &ExchangeError{Status: http.StatusOK, Err: ErrMissingIDToken}
	}

	return &Tokens{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.Type(),
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
		IDToken:      rawID,
	}, nil
}

func toExchangeError(err error) *ExchangeError {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		xerr := &ExchangeError{
			Code:        re.ErrorCode,
			Description: re.ErrorDescription,
			Err:         err,
		}
		if re.Response != nil {
			xerr.Status = re.Response.StatusCode
		}
		return xerr
	}
	return &ExchangeError{Err: err}
}

// UserInfo fetches the claims of the user the access token was issued to.
// Only JSON responses are supported.
func (c *Client) UserInfo(ctx context.Context, endpoint, accessToken string) (map[string]any, error) {
	if endpoint == "" {
		return nil, &UserInfoError{Err: ErrNoEndpoint}
	}

	start := time.Now()
	claims, err := c.userInfo(ctx, endpoint, accessToken)
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.metrics.ObserveProviderFetch(resourceUserInfo, result, start)
	return claims, err
}

func (c *Client) userInfo(ctx context.Context, endpoint, accessToken string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &UserInfoError{Err: fmt.Errorf("building request: %w", err)}
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &UserInfoError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &UserInfoError{
			Status: resp.StatusCode,
			Err:    fmt.Errorf("%s", ioutil.ReadLimited(resp.Body, 512)),
		}
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		return nil, &UserInfoError{Status: resp.StatusCode, Err: fmt.Errorf("unsupported content type %q", ct)}
	}

	var claims map[string]any
	if err := ioutil.DecodeJSONLimited(resp.Body, ioutil.MaxProviderResponse, &claims); err != nil {
		return nil, &UserInfoError{Status: resp.StatusCode, Err: err}
	}
	return claims, nil
}

// Revoke asks the provider to revoke an access token (RFC 7009).
func (c *Client) Revoke(ctx context.Context, endpoint, token string) error {
	if endpoint == "" {
		return ErrNoEndpoint
	}

	form := url.Values{
		"token":           {token},
		"token_type_hint": {"access_token"},
	}
	if c.authStyle() == oauth2.AuthStyleInParams {
		form.Set("client_id", c.cfg.ClientID)
		form.Set("client_secret", c.cfg.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("building revocation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if c.authStyle() == oauth2.AuthStyleInHeader {
		req.SetBasicAuth(url.QueryEscape(c.cfg.ClientID), url.QueryEscape(c.cfg.ClientSecret))
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.ObserveProviderFetch(resourceRevocation, "error", start)
		return fmt.Errorf("revoking token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.metrics.ObserveProviderFetch(resourceRevocation, "error", start)
		return fmt.Errorf("revocation endpoint returned status %d: %s",
			resp.StatusCode, ioutil.ReadLimited(resp.Body, 512))
	}
	c.metrics.ObserveProviderFetch(resourceRevocation, "ok", start)
	return nil
}
