package discovery

import (
	"errors"
	"fmt"
	"slices"
)

// Metadata is the subset of the provider configuration document the relying
// party uses. Values handed out by Cache are shared and must not be modified.
type Metadata struct {
	Issuer                           string   `json:"issuer"`
	AuthorizationEndpoint            string   `json:"authorization_endpoint"`
	TokenEndpoint                    string   `json:"token_endpoint"`
	UserInfoEndpoint                 string   `json:"userinfo_endpoint,omitempty"`
	JWKSURI                          string   `json:"jwks_uri"`
	EndSessionEndpoint               string   `json:"end_session_endpoint,omitempty"`
	RevocationEndpoint               string   `json:"revocation_endpoint,omitempty"`
	IDTokenSigningAlgValuesSupported []string `json:"id_token_signing_alg_values_supported,omitempty"`
	ScopesSupported                  []string `json:"scopes_supported,omitempty"`
	CodeChallengeMethodsSupported    []string `json:"code_challenge_methods_supported,omitempty"`
	TokenEndpointAuthMethods         []string `json:"token_endpoint_auth_methods_supported,omitempty"`
}

// DefaultSigningAlg is assumed when the provider does not advertise its ID
// token signing algorithms.
const DefaultSigningAlg = "RS256"

// Endpoints are configured overrides for discovered endpoints. Empty fields
// keep the discovered value.
type Endpoints struct {
	Authorization string
	Token         string
	UserInfo      string
	JWKS          string
}

// ErrIssuerMismatch means the discovery document names a different issuer
// than the one it was fetched for.
var ErrIssuerMismatch = errors.New("discovered issuer does not match configured issuer")

// SigningAlgs returns the advertised ID token signing algorithms with "none"
// removed, falling back to RS256.
func (m *Metadata) SigningAlgs() []string {
	algs := make([]string, 0, len(m.IDTokenSigningAlgValuesSupported))
	for _, alg := range m.IDTokenSigningAlgValuesSupported {
		if alg != "" && alg != "none" {
			algs = append(algs, alg)
		}
	}
	if len(algs) == 0 {
		return []string{DefaultSigningAlg}
	}
	return algs
}

// SupportsPKCE reports whether S256 is advertised. Providers that omit the
// field entirely are assumed to accept it.
func (m *Metadata) SupportsPKCE() bool {
	return len(m.CodeChallengeMethodsSupported) == 0 || slices.Contains(m.CodeChallengeMethodsSupported, "S256")
}

// applyOverrides fills configured endpoints over discovered ones and checks
// that the endpoints the flow depends on are present.
func (m *Metadata) applyOverrides(o Endpoints) error {
	if o.Authorization != "" {
		m.AuthorizationEndpoint = o.Authorization
	}
	if o.Token != "" {
		m.TokenEndpoint = o.Token
	}
	if o.UserInfo != "" {
		m.UserInfoEndpoint = o.UserInfo
	}
	if o.JWKS != "" {
		m.JWKSURI = o.JWKS
	}

	switch {
	case m.AuthorizationEndpoint == "":
		return fmt.Errorf("provider metadata missing authorization_endpoint")
	case m.TokenEndpoint == "":
		return fmt.Errorf("provider metadata missing token_endpoint")
	case m.JWKSURI == "":
		return fmt.Errorf("provider metadata missing jwks_uri")
	}
	return nil
}
