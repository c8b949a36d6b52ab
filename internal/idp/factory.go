package idp

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/dgellow/oidc-rp/internal/config"
	"github.com/dgellow/oidc-rp/internal/metrics"
)

// NewHTTPClient returns the client used for every outbound provider call.
// timeout bounds each request end to end. A non-empty proxyURL routes all
// provider traffic through that HTTP proxy instead of the environment's.
func NewHTTPClient(timeout time.Duration, proxyURL string) (*http.Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("parsing proxy URL: %w", err)
		}
		transport.Proxy = http.ProxyURL(u)
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}, nil
}

// NewFromConfig creates the provider client described by cfg.
func NewFromConfig(cfg config.ProviderConfig, httpClient *http.Client, m *metrics.Metrics) *Client {
	return NewClient(Config{
		ClientID:     string(cfg.ClientID),
		ClientSecret: string(cfg.ClientSecret),
		RedirectURI:  string(cfg.RedirectURI),
		Scopes:       cfg.Scopes,
		AuthMethod:   cfg.TokenEndpointAuthMethod,
	}, httpClient, m)
}
