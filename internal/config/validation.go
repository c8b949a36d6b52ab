package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"reflect"
	"strings"
	"sync"

	"github.com/dgellow/oidc-rp/internal/envutil"
	"github.com/dgellow/oidc-rp/internal/urlutil"
	"github.com/go-playground/validator/v10"
)

// ConfigError reports a missing or invalid configuration value.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s %s", e.Field, e.Reason)
}

// ValidationIssue is a single finding from ValidateFile.
type ValidationIssue struct {
	Path    string
	Message string
}

// ValidationResult holds every error and warning found in a config file.
type ValidationResult struct {
	Errors   []ValidationIssue
	Warnings []ValidationIssue
}

// Valid reports whether the file produced no errors.
func (r *ValidationResult) Valid() bool { return len(r.Errors) == 0 }

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// Validate checks the provider registration. Client id, client secret,
// issuer and redirect URI are mandatory; issuer and redirect URI must be
// absolute http(s) URLs.
func (p *ProviderConfig) Validate() error {
	return errors.Join(toErrors(p.issues("provider"))...)
}

func (p *ProviderConfig) issues(prefix string) []*ConfigError {
	return append(structIssues(p, prefix), p.urlIssues(prefix)...)
}

func (p *ProviderConfig) urlIssues(prefix string) []*ConfigError {
	var issues []*ConfigError
	if p.Issuer != "" && !urlutil.IsAbsoluteHTTPURL(string(p.Issuer)) {
		issues = append(issues, &ConfigError{Field: prefix + ".issuer", Reason: "must be an absolute http(s) URL"})
	}
	if p.RedirectURI != "" && !urlutil.IsAbsoluteHTTPURL(string(p.RedirectURI)) {
		issues = append(issues, &ConfigError{Field: prefix + ".redirectUri", Reason: "must be an absolute http(s) URL"})
	}
	if p.HTTPTimeout < 0 {
		issues = append(issues, &ConfigError{Field: prefix + ".httpTimeout", Reason: "must not be negative"})
	}
	if p.ClockSkew < 0 {
		issues = append(issues, &ConfigError{Field: prefix + ".clockSkew", Reason: "must not be negative"})
	}
	return issues
}

// Validate checks the whole configuration. The returned error joins one
// *ConfigError per problem found.
func (c *Config) Validate() error {
	return errors.Join(toErrors(c.issues())...)
}

func (c *Config) issues() []*ConfigError {
	var issues []*ConfigError

	if c.Version != "" && !strings.HasPrefix(c.Version, "v1") {
		issues = append(issues, &ConfigError{Field: "version", Reason: fmt.Sprintf("unsupported version %q", c.Version)})
	}
	issues = append(issues, structIssues(c, "")...)
	issues = append(issues, c.Provider.urlIssues("provider")...)

	if c.Cache.MaxStale.Std() < c.Cache.TTL.Std() {
		issues = append(issues, &ConfigError{Field: "cache.maxStale", Reason: "must not be shorter than cache.ttl"})
	}
	if c.Login.StateTTL < 0 {
		issues = append(issues, &ConfigError{Field: "login.stateTtl", Reason: "must not be negative"})
	}
	if c.Session.TTL < 0 {
		issues = append(issues, &ConfigError{Field: "session.ttl", Reason: "must not be negative"})
	}

	switch c.Storage.Kind {
	case StorageFirestore:
		if c.Storage.GCPProject == "" {
			issues = append(issues, &ConfigError{Field: "storage.gcpProject", Reason: "is required for firestore storage"})
		}
		if len(c.Storage.EncryptionKey) < 32 {
			issues = append(issues, &ConfigError{Field: "storage.encryptionKey", Reason: "must be at least 32 characters for firestore storage"})
		}
	}
	if c.Storage.StateStore == StorageRedis && c.Storage.RedisURL == "" {
		issues = append(issues, &ConfigError{Field: "storage.redisUrl", Reason: "is required when stateStore is redis"})
	}

	return issues
}

// structIssues runs tag validation on v and converts the failures into
// ConfigErrors addressed by JSON field path.
func structIssues(v any, prefix string) []*ConfigError {
	err := structValidator().Struct(v)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []*ConfigError{{Field: prefix, Reason: err.Error()}}
	}

	issues := make([]*ConfigError, 0, len(verrs))
	for _, fe := range verrs {
		// Namespace is "Type.field.sub"; drop the root type name.
		field := fe.Namespace()
		if _, rest, ok := strings.Cut(field, "."); ok {
			field = rest
		}
		if prefix != "" {
			field = prefix + "." + field
		}
		issues = append(issues, &ConfigError{Field: field, Reason: reasonFor(fe)})
	}
	return issues
}

func reasonFor(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "url":
		return "must be a valid URL"
	case "email":
		return "must be a valid email address"
	case "min":
		return fmt.Sprintf("must be at least %s characters", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", strings.ReplaceAll(fe.Param(), " ", ", "))
	case "gte":
		return fmt.Sprintf("must be at least %s", fe.Param())
	default:
		return fmt.Sprintf("failed %q validation", fe.Tag())
	}
}

func toErrors(issues []*ConfigError) []error {
	errs := make([]error, len(issues))
	for i, issue := range issues {
		errs[i] = issue
	}
	return errs
}

// ValidateFile checks a configuration file without starting anything and
// reports every problem it finds, plus warnings for risky but legal settings.
// An error is returned only when the file cannot be read.
func ValidateFile(path string) (*ValidationResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	result := &ValidationResult{}

	if isYAML(path) {
		data, err = yamlToJSON(data)
		if err != nil {
			result.Errors = append(result.Errors, ValidationIssue{Message: err.Error()})
			return result, nil
		}
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		result.Errors = append(result.Errors, ValidationIssue{Message: fmt.Sprintf("invalid JSON: %v", err)})
		return result, nil
	}
	if err := checkSecretReferences(raw); err != nil {
		var cerr *ConfigError
		if errors.As(err, &cerr) {
			result.Errors = append(result.Errors, ValidationIssue{Path: cerr.Field, Message: cerr.Reason})
		}
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		result.Errors = append(result.Errors, ValidationIssue{Message: err.Error()})
		return result, nil
	}
	ApplyDefaults(&cfg)

	for _, issue := range cfg.issues() {
		result.Errors = append(result.Errors, ValidationIssue{Path: issue.Field, Message: issue.Reason})
	}
	result.Warnings = warnings(&cfg)
	return result, nil
}

func warnings(cfg *Config) []ValidationIssue {
	var out []ValidationIssue

	if !envutil.IsDev() {
		for _, f := range []struct{ path, raw string }{
			{"provider.issuer", string(cfg.Provider.Issuer)},
			{"provider.redirectUri", string(cfg.Provider.RedirectURI)},
			{"server.baseURL", string(cfg.Server.BaseURL)},
		} {
			if u, err := url.Parse(f.raw); err == nil && u.Scheme == "http" && !isLoopback(u.Hostname()) {
				out = append(out, ValidationIssue{Path: f.path, Message: "uses plain http outside development"})
			}
		}
	}
	if cfg.Provider.DisablePKCE {
		out = append(out, ValidationIssue{Path: "provider.disablePkce", Message: "PKCE is disabled"})
	}
	if !cfg.Binding.VerifiedEmailRequired() && cfg.Binding.LookupClaim == LookupClaimEmail {
		out = append(out, ValidationIssue{Path: "binding.requireVerifiedEmail", Message: "unverified email addresses will be trusted for account lookup"})
	}
	if cfg.Session.TTL.Std() > DefaultMaxStale {
		out = append(out, ValidationIssue{Path: "session.ttl", Message: "sessions longer than 24h"})
	}
	if cfg.Storage.Kind == StorageMemory && len(cfg.Accounts) == 0 {
		out = append(out, ValidationIssue{Path: "accounts", Message: "memory storage has no accounts; every login will fail to bind"})
	}
	return out
}

func isLoopback(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}
