package idtoken

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/dgellow/oidc-rp/internal/discovery"
	"github.com/dgellow/oidc-rp/internal/log"
	"github.com/dgellow/oidc-rp/internal/metrics"
	"github.com/golang-jwt/jwt/v5"
)

// KeySource supplies provider metadata and signing keys.
type KeySource interface {
	Metadata(ctx context.Context) (*discovery.Metadata, error)
	SigningKey(ctx context.Context, kid string) (discovery.Key, error)
}

// Config binds a Validator to one client registration.
type Config struct {
	Issuer    string
	ClientID  string
	ClockSkew time.Duration
}

// Validator verifies ID tokens. Checks run in a fixed order and stop at the
// first failure: signature, issuer, audience, time window, nonce.
// Expiry is strict; ClockSkew only tolerates provider clocks running ahead
// (nbf in the near future).
type Validator struct {
	keys    KeySource
	cfg     Config
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewValidator creates a validator. m may be nil.
func NewValidator(keys KeySource, cfg Config, m *metrics.Metrics) *Validator {
	return &Validator{
		keys:    keys,
		cfg:     cfg,
		metrics: m,
		now:     time.Now,
	}
}

// Validate verifies raw and returns its claims. Rejections are
// *ValidationError; provider outages while loading keys or metadata are
// returned as other errors so callers can tell "bad token" from "try later".
func (v *Validator) Validate(ctx context.Context, raw, expectedNonce string) (*IDToken, error) {
	tok, err := v.validate(ctx, raw, expectedNonce)
	if err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			v.metrics.IncValidationFailure(string(ve.Kind))
			log.LogWarnWithFields("idtoken", "ID token rejected", map[string]any{
				"kind":   string(ve.Kind),
				"detail": ve.Detail,
			})
		}
		return nil, err
	}
	return tok, nil
}

func (v *Validator) validate(ctx context.Context, raw, expectedNonce string) (*IDToken, error) {
	meta, err := v.keys.Metadata(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading provider metadata: %w", err)
	}

	claims, err := v.verifySignature(ctx, raw, meta.SigningAlgs())
	if err != nil {
		return nil, err
	}

	iss, _ := claims["iss"].(string)
	if iss != v.cfg.Issuer {
		return nil, reject(IssuerMismatch, fmt.Sprintf("got %q", iss), nil)
	}

	aud, err := claims.GetAudience()
	if err != nil || !slices.Contains(aud, v.cfg.ClientID) {
		return nil, reject(AudienceMismatch, "client id not in aud", err)
	}
	azp, hasAzp := claims["azp"].(string)
	if hasAzp && azp != v.cfg.ClientID {
		return nil, reject(AudienceMismatch, fmt.Sprintf("azp is %q", azp), nil)
	}

	now := v.now()
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, reject(Expired, "missing or malformed exp", err)
	}
	if !now.Before(exp.Time) {
		return nil, reject(Expired, fmt.Sprintf("expired at %s", exp.UTC().Format(time.RFC3339)), nil)
	}
	nbf, err := claims.GetNotBefore()
	if err != nil {
		return nil, reject(Expired, "malformed nbf", err)
	}
	if nbf != nil && now.Add(v.cfg.ClockSkew).Before(nbf.Time) {
		return nil, reject(Expired, fmt.Sprintf("not valid before %s", nbf.UTC().Format(time.RFC3339)), nil)
	}

	nonce, _ := claims["nonce"].(string)
	if expectedNonce == "" || subtle.ConstantTimeCompare([]byte(nonce), []byte(expectedNonce)) != 1 {
		return nil, reject(NonceMismatch, "", nil)
	}

	out := &IDToken{
		Issuer:          iss,
		Audience:        aud,
		AuthorizedParty: azp,
		Expiry:          exp.Time,
		Nonce:           nonce,
		Claims:          map[string]any(claims),
	}
	out.Subject, _ = claims["sub"].(string)
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		out.IssuedAt = iat.Time
	}
	if nbf != nil {
		out.NotBefore = nbf.Time
	}
	return out, nil
}

// verifySignature checks the JWS signature against the provider key named by
// the token's kid. Only algorithms the provider advertises are accepted,
// which always excludes "none".
func (v *Validator) verifySignature(ctx context.Context, raw string, algs []string) (jwt.MapClaims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods(algs),
		jwt.WithoutClaimsValidation(),
	)

	// A failure to reach the provider must not look like a forged token.
	var keyErr error
	claims := jwt.MapClaims{}
	_, err := parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		key, err := v.keys.SigningKey(ctx, kid)
		if err != nil {
			keyErr = err
			return nil, err
		}
		if key.Algorithm != "" && key.Algorithm != t.Method.Alg() {
			return nil, fmt.Errorf("key %q is for %s, token is signed with %s", kid, key.Algorithm, t.Method.Alg())
		}
		return key.Public, nil
	})
	if err == nil {
		return claims, nil
	}

	if keyErr != nil && !errors.Is(keyErr, discovery.ErrKeyNotFound) {
		return nil, fmt.Errorf("loading signing key: %w", keyErr)
	}
	return nil, reject(BadSignature, err.Error(), err)
}
