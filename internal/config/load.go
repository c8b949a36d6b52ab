package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dgellow/oidc-rp/internal/envutil"
	"github.com/dgellow/oidc-rp/internal/log"
	"gopkg.in/yaml.v3"
)

// Defaults applied when the corresponding field is left empty.
const (
	DefaultStateTTL           = 10 * time.Minute
	DefaultCacheTTL           = time.Hour
	DefaultMaxStale           = 24 * time.Hour
	DefaultMinRefreshInterval = 10 * time.Second
	DefaultHTTPTimeout        = 10 * time.Second
	DefaultClockSkew          = 60 * time.Second
	DefaultSessionTTL         = 8 * time.Hour
	DefaultCleanupInterval    = 5 * time.Minute
	DefaultIdentifierClaim    = "preferred_username"
	DefaultIdentifierMaxLen   = 60
)

// RequiredScopes are always requested, in this order, ahead of any
// configured extras.
var RequiredScopes = []string{"openid", "email", "profile"}

// secretPaths are the fields that must be supplied through $env references
// outside development.
var secretPaths = [][]string{
	{"provider", "clientSecret"},
	{"server", "cookieSecret"},
	{"storage", "encryptionKey"},
	{"storage", "redisUrl"},
}

// Load reads, parses, defaults and validates the configuration file at path.
// Files ending in .yaml or .yml are parsed as YAML, everything else as JSON.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if isYAML(path) {
		data, err = yamlToJSON(data)
		if err != nil {
			return nil, err
		}
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	log.LogInfoWithFields("config", "Configuration loaded", map[string]any{
		"path":   path,
		"issuer": string(cfg.Provider.Issuer),
		"store":  cfg.Storage.Kind,
	})
	return cfg, nil
}

// Parse decodes a JSON document into a validated Config with defaults applied.
func Parse(data []byte) (*Config, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing config JSON: %w", err)
	}
	if err := checkSecretReferences(raw); err != nil {
		return nil, err
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills zero-valued fields with their defaults and normalizes
// the scope list so the required scopes lead it exactly once.
func ApplyDefaults(cfg *Config) {
	p := &cfg.Provider
	p.Scopes = normalizeScopes(p.Scopes)
	if p.TokenEndpointAuthMethod == "" {
		p.TokenEndpointAuthMethod = AuthMethodClientSecretBasic
	}
	if p.HTTPTimeout == 0 {
		p.HTTPTimeout = Duration(DefaultHTTPTimeout)
	}
	if p.ClockSkew == 0 {
		p.ClockSkew = Duration(DefaultClockSkew)
	}

	if cfg.Cache.TTL == 0 {
		cfg.Cache.TTL = Duration(DefaultCacheTTL)
	}
	if cfg.Cache.MaxStale == 0 {
		cfg.Cache.MaxStale = Duration(DefaultMaxStale)
	}
	if cfg.Cache.MinRefreshInterval == 0 {
		cfg.Cache.MinRefreshInterval = Duration(DefaultMinRefreshInterval)
	}

	if cfg.Login.StateTTL == 0 {
		cfg.Login.StateTTL = Duration(DefaultStateTTL)
	}

	if cfg.Binding.IdentifierClaim == "" {
		cfg.Binding.IdentifierClaim = DefaultIdentifierClaim
	}
	if cfg.Binding.IdentifierMaxLength == 0 {
		cfg.Binding.IdentifierMaxLength = DefaultIdentifierMaxLen
	}
	if cfg.Binding.LookupClaim == "" {
		cfg.Binding.LookupClaim = LookupClaimEmail
	}

	if cfg.Session.TTL == 0 {
		cfg.Session.TTL = Duration(DefaultSessionTTL)
	}

	if cfg.Storage.Kind == "" {
		cfg.Storage.Kind = StorageMemory
	}
	if cfg.Storage.StateStore == "" {
		cfg.Storage.StateStore = StorageMemory
	}
	if cfg.Storage.CleanupInterval == 0 {
		cfg.Storage.CleanupInterval = Duration(DefaultCleanupInterval)
	}

	if cfg.Server.PostLoginRedirect == "" {
		cfg.Server.PostLoginRedirect = "/"
	}
	if cfg.Server.PostLogoutRedirect == "" {
		cfg.Server.PostLogoutRedirect = "/"
	}
}

func normalizeScopes(configured []string) []string {
	seen := make(map[string]bool, len(configured)+len(RequiredScopes))
	scopes := make([]string, 0, len(configured)+len(RequiredScopes))
	for _, s := range RequiredScopes {
		seen[s] = true
		scopes = append(scopes, s)
	}
	for _, s := range configured {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		scopes = append(scopes, s)
	}
	return scopes
}

// checkSecretReferences rejects literal secrets unless running in development.
func checkSecretReferences(raw map[string]any) error {
	if envutil.IsDev() {
		return nil
	}
	for _, path := range secretPaths {
		v, ok := lookupPath(raw, path)
		if !ok {
			continue
		}
		if s, isString := v.(string); isString && s != "" {
			return &ConfigError{
				Field:  strings.Join(path, "."),
				Reason: `must use an environment variable reference like {"$env": "VAR"}`,
			}
		}
	}
	return nil
}

func lookupPath(raw map[string]any, path []string) (any, bool) {
	var cur any = raw
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// yamlToJSON converts a YAML document into JSON so both formats share the
// same decoding and $env handling.
func yamlToJSON(data []byte) ([]byte, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	if _, ok := doc.(map[string]any); !ok {
		return nil, fmt.Errorf("config YAML must be a mapping at the top level")
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("converting config YAML: %w", err)
	}
	return out, nil
}
