package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Secret is a string type that redacts itself when printed
type Secret string

// String implements fmt.Stringer to redact the secret
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "***"
}

// MarshalJSON implements json.Marshaler to prevent secrets in JSON logs
func (s Secret) MarshalJSON() ([]byte, error) {
	if s == "" {
		return json.Marshal("")
	}
	return json.Marshal("***")
}

// UnmarshalJSON accepts a literal string or an {"$env": "NAME"} reference.
func (s *Secret) UnmarshalJSON(data []byte) error {
	v, err := resolveValue(data)
	if err != nil {
		return err
	}
	*s = Secret(v)
	return nil
}

// EnvString is a plain config string that may also be given as an
// {"$env": "NAME"} reference.
type EnvString string

func (e *EnvString) UnmarshalJSON(data []byte) error {
	v, err := resolveValue(data)
	if err != nil {
		return err
	}
	*e = EnvString(v)
	return nil
}

// envRef is the JSON shape of an environment variable reference.
type envRef struct {
	Env string `json:"$env"`
}

func resolveValue(data []byte) (string, error) {
	var literal string
	if err := json.Unmarshal(data, &literal); err == nil {
		return literal, nil
	}

	var ref envRef
	if err := json.Unmarshal(data, &ref); err != nil {
		return "", fmt.Errorf("value must be a string or {\"$env\": \"VAR\"}: %w", err)
	}
	if ref.Env == "" {
		return "", fmt.Errorf("$env reference must name a variable")
	}
	v, ok := os.LookupEnv(ref.Env)
	if !ok {
		return "", fmt.Errorf("environment variable %s is not set", ref.Env)
	}
	return v, nil
}

// Duration is a time.Duration written as a Go duration string ("10m", "1h").
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"10m\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Token endpoint client authentication methods.
const (
	AuthMethodClientSecretBasic = "client_secret_basic"
	AuthMethodClientSecretPost  = "client_secret_post"
)

// Storage backends.
const (
	StorageMemory    = "memory"
	StorageFirestore = "firestore"
	StorageRedis     = "redis"
)

// Claims usable as the stable lookup key for local accounts.
const (
	LookupClaimEmail   = "email"
	LookupClaimSubject = "sub"
)

// Config is the complete relying party configuration. It is loaded once at
// startup and never mutated afterwards; reloading means restarting.
type Config struct {
	Version  string         `json:"version" validate:"required"`
	Server   ServerConfig   `json:"server"`
	Provider ProviderConfig `json:"provider"`
	Cache    CacheConfig    `json:"cache"`
	Login    LoginConfig    `json:"login"`
	Binding  BindingConfig  `json:"binding"`
	Session  SessionConfig  `json:"session"`
	Storage  StorageConfig  `json:"storage"`
	Accounts []AccountSeed  `json:"accounts,omitempty" validate:"dive"`
}

// ServerConfig configures the HTTP boundary.
type ServerConfig struct {
	Addr    string    `json:"addr" validate:"required"`
	BaseURL EnvString `json:"baseURL" validate:"required,url"`
	// PostLoginRedirect is used when a login carries no return path.
	PostLoginRedirect  string `json:"postLoginRedirect,omitempty"`
	PostLogoutRedirect string `json:"postLogoutRedirect,omitempty"`
	// CookieSecret is the master secret for login correlation cookies and
	// CSRF tokens. Purpose-bound keys are derived from it.
	CookieSecret Secret `json:"cookieSecret" validate:"required,min=32"`
}

// ProviderConfig describes the OpenID Provider and this client's
// registration with it.
type ProviderConfig struct {
	Issuer EnvString `json:"issuer" validate:"required"`

	// Endpoint overrides. Empty fields are filled from discovery.
	AuthorizationEndpoint string `json:"authorizationEndpoint,omitempty" validate:"omitempty,url"`
	TokenEndpoint         string `json:"tokenEndpoint,omitempty" validate:"omitempty,url"`
	UserInfoEndpoint      string `json:"userInfoEndpoint,omitempty" validate:"omitempty,url"`
	JWKSURI               string `json:"jwksUri,omitempty" validate:"omitempty,url"`

	ClientID     EnvString `json:"clientId" validate:"required"`
	ClientSecret Secret    `json:"clientSecret" validate:"required"`
	RedirectURI  EnvString `json:"redirectUri" validate:"required"`
	Scopes       []string  `json:"scopes,omitempty"`

	// ExtraAuthParams are appended verbatim to the authorization request
	// (prompt, login_hint, acr_values, ...).
	ExtraAuthParams map[string]string `json:"extraAuthParams,omitempty"`

	TokenEndpointAuthMethod string `json:"tokenEndpointAuthMethod,omitempty" validate:"omitempty,oneof=client_secret_basic client_secret_post"`

	// ProxyURL routes all outbound provider traffic through an HTTP proxy.
	ProxyURL    string   `json:"proxyUrl,omitempty" validate:"omitempty,url"`
	HTTPTimeout Duration `json:"httpTimeout,omitempty"`
	ClockSkew   Duration `json:"clockSkew,omitempty"`
	DisablePKCE bool     `json:"disablePkce,omitempty"`
}

// CacheConfig tunes the discovery and signing key cache.
type CacheConfig struct {
	TTL Duration `json:"ttl,omitempty"`
	// MaxStale bounds how old a cached document may be when served after a
	// failed refresh.
	MaxStale Duration `json:"maxStale,omitempty"`
	// MinRefreshInterval rate-limits forced key set refreshes on unknown kids.
	MinRefreshInterval Duration `json:"minRefreshInterval,omitempty"`
}

// LoginConfig tunes login attempts.
type LoginConfig struct {
	StateTTL Duration `json:"stateTtl,omitempty"`
}

// BindingConfig controls how verified claims map to local accounts.
type BindingConfig struct {
	IdentifierClaim      string `json:"identifierClaim,omitempty"`
	IdentifierMaxLength  int    `json:"identifierMaxLength,omitempty" validate:"gte=0"`
	LookupClaim          string `json:"lookupClaim,omitempty" validate:"omitempty,oneof=email sub"`
	RequireVerifiedEmail *bool  `json:"requireVerifiedEmail,omitempty"`
}

// SessionConfig controls local sessions.
type SessionConfig struct {
	TTL Duration `json:"ttl,omitempty"`
}

// StorageConfig selects the host collaborator and login state backends.
type StorageConfig struct {
	Kind             string   `json:"kind,omitempty" validate:"omitempty,oneof=memory firestore"`
	GCPProject       string   `json:"gcpProject,omitempty"`
	Database         string   `json:"database,omitempty"`
	CollectionPrefix string   `json:"collectionPrefix,omitempty"`
	EncryptionKey    Secret   `json:"encryptionKey,omitempty"`
	StateStore       string   `json:"stateStore,omitempty" validate:"omitempty,oneof=memory redis"`
	RedisURL         Secret   `json:"redisUrl,omitempty"`
	CleanupInterval  Duration `json:"cleanupInterval,omitempty"`
}

// AccountSeed preloads a local account into memory storage.
type AccountSeed struct {
	ID       string `json:"id" validate:"required"`
	Username string `json:"username,omitempty"`
	Email    string `json:"email,omitempty" validate:"omitempty,email"`
	Subject  string `json:"subject,omitempty"`
}

// VerifiedEmailRequired reports whether email binding needs email_verified=true.
func (b BindingConfig) VerifiedEmailRequired() bool {
	return b.RequireVerifiedEmail == nil || *b.RequireVerifiedEmail
}
