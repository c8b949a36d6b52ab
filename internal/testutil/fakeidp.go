package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"golang.org/x/oauth2"
)

// Fake provider client registration.
const (
	FakeClientID     = "abc"
	FakeClientSecret = "fake-client-secret"
)

// FakeIdP is an in-process OpenID Provider for tests. It serves discovery,
// JWKS, authorization (via Authorize), token, userinfo, revocation and end
// session endpoints, and signs ID tokens with a rotating RSA key.
type FakeIdP struct {
	Server *httptest.Server
	Issuer string

	mu         sync.Mutex
	key        *rsa.PrivateKey
	kid        string
	algs       []string
	claims     map[string]any
	userInfo   map[string]any
	codes      map[string]authGrant
	accessToks map[string]bool
	lastToken  url.Values
	lastAuth   string
	revoked    []string
	issuerDoc  string

	// Failure knobs. Zero means normal behaviour.
	DiscoveryStatus atomic.Int32
	JWKSStatus      atomic.Int32
	TokenStatus     atomic.Int32
	TokenDelay      atomic.Int64
	OmitIDToken     atomic.Bool

	hits sync.Map // path -> *atomic.Int32
}

type authGrant struct {
	nonce       string
	challenge   string
	redirectURI string
}

// NewFakeIdP starts a fake provider that is shut down with the test.
func NewFakeIdP(t testing.TB) *FakeIdP {
	t.Helper()

	f := &FakeIdP{
		algs:       []string{"RS256"},
		codes:      make(map[string]authGrant),
		accessToks: make(map[string]bool),
		claims: map[string]any{
			"sub":                "user-1",
			"email":              "alice@example.com",
			"email_verified":     true,
			"preferred_username": "alice",
			"name":               "Alice",
		},
	}
	f.RotateKey()

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", f.count(f.handleDiscovery))
	mux.HandleFunc("/jwks", f.count(f.handleJWKS))
	mux.HandleFunc("/token", f.count(f.handleToken))
	mux.HandleFunc("/userinfo", f.count(f.handleUserInfo))
	mux.HandleFunc("/revoke", f.count(f.handleRevoke))

	f.Server = httptest.NewServer(mux)
	f.Issuer = f.Server.URL
	t.Cleanup(f.Server.Close)
	return f
}

func (f *FakeIdP) count(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, _ := f.hits.LoadOrStore(r.URL.Path, new(atomic.Int32))
		v.(*atomic.Int32).Add(1)
		h(w, r)
	}
}

// Hits returns how many requests reached path.
func (f *FakeIdP) Hits(path string) int {
	v, ok := f.hits.Load(path)
	if !ok {
		return 0
	}
	return int(v.(*atomic.Int32).Load())
}

// TotalHits returns the number of requests to any endpoint.
func (f *FakeIdP) TotalHits() int {
	total := 0
	f.hits.Range(func(_, v any) bool {
		total += int(v.(*atomic.Int32).Load())
		return true
	})
	return total
}

// RotateKey replaces the signing key with a fresh one under a new kid and
// returns the kid. The old key disappears from the JWKS.
func (f *FakeIdP) RotateKey() string {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.key = key
	f.kid = fmt.Sprintf("key-%d", time.Now().UnixNano())
	return f.kid
}

// SigningKey returns the current private key and its kid.
func (f *FakeIdP) SigningKey() (*rsa.PrivateKey, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.key, f.kid
}

// SetSigningAlgs replaces id_token_signing_alg_values_supported.
func (f *FakeIdP) SetSigningAlgs(algs ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.algs = algs
}

// SetIssuerInDiscovery makes the discovery document advertise a different issuer.
func (f *FakeIdP) SetIssuerInDiscovery(issuer string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.issuerDoc = issuer
}

// SetClaims replaces the identity claims placed in issued ID tokens.
func (f *FakeIdP) SetClaims(claims map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claims = maps.Clone(claims)
}

// SetUserInfo sets the userinfo response. Nil means echo the ID token claims.
func (f *FakeIdP) SetUserInfo(claims map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.userInfo = maps.Clone(claims)
}

// LastTokenRequest returns the form and Authorization header of the most
// recent token request.
func (f *FakeIdP) LastTokenRequest() (url.Values, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastToken, f.lastAuth
}

// Revoked returns the tokens revoked so far.
func (f *FakeIdP) Revoked() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.revoked...)
}

// Authorize plays the user consenting at the provider: it validates the
// authorization request URL and returns the code and state the provider
// would send to the redirect URI.
func (f *FakeIdP) Authorize(authURL string) (code, state string, err error) {
	u, err := url.Parse(authURL)
	if err != nil {
		return "", "", err
	}
	q := u.Query()
	if q.Get("client_id") != FakeClientID {
		return "", "", fmt.Errorf("unknown client_id %q", q.Get("client_id"))
	}
	if q.Get("response_type") != "code" {
		return "", "", fmt.Errorf("unsupported response_type %q", q.Get("response_type"))
	}
	if !strings.Contains(" "+q.Get("scope")+" ", " openid ") {
		return "", "", fmt.Errorf("openid scope missing")
	}
	if q.Get("code_challenge") != "" && q.Get("code_challenge_method") != "S256" {
		return "", "", fmt.Errorf("unsupported code_challenge_method")
	}

	code = oauth2.GenerateVerifier()
	f.mu.Lock()
	f.codes[code] = authGrant{
		nonce:       q.Get("nonce"),
		challenge:   q.Get("code_challenge"),
		redirectURI: q.Get("redirect_uri"),
	}
	f.mu.Unlock()
	return code, q.Get("state"), nil
}

// SignIDToken signs claims with the current key. Registered claims that are
// missing (iss, aud, iat, exp) are filled with valid defaults.
func (f *FakeIdP) SignIDToken(claims jwt.MapClaims) string {
	key, kid := f.SigningKey()
	full := jwt.MapClaims{
		"iss": f.Issuer,
		"aud": FakeClientID,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(5 * time.Minute).Unix(),
	}
	maps.Copy(full, claims)
	return SignToken(jwt.SigningMethodRS256, key, kid, full)
}

// SignToken signs claims with an arbitrary method, key and kid.
func SignToken(method jwt.SigningMethod, key any, kid string, claims jwt.MapClaims) string {
	tok := jwt.NewWithClaims(method, claims)
	if kid != "" {
		tok.Header["kid"] = kid
	}
	signed, err := tok.SignedString(key)
	if err != nil {
		panic(err)
	}
	return signed
}

// JWKS returns the public key set document for the current key.
func (f *FakeIdP) JWKS() []byte {
	key, kid := f.SigningKey()
	return PublicJWKS(&key.PublicKey, kid, jwa.RS256)
}

// PublicJWKS builds a single-key JWKS document.
func PublicJWKS(pub any, kid string, alg jwa.SignatureAlgorithm) []byte {
	k, err := jwk.FromRaw(pub)
	if err != nil {
		panic(err)
	}
	_ = k.Set(jwk.KeyIDKey, kid)
	_ = k.Set(jwk.AlgorithmKey, alg)
	_ = k.Set(jwk.KeyUsageKey, jwk.ForSignature)

	set := jwk.NewSet()
	_ = set.AddKey(k)
	data, err := json.Marshal(set)
	if err != nil {
		panic(err)
	}
	return data
}

func (f *FakeIdP) handleDiscovery(w http.ResponseWriter, _ *http.Request) {
	if status := f.DiscoveryStatus.Load(); status != 0 {
		http.Error(w, "unavailable", int(status))
		return
	}

	f.mu.Lock()
	issuer := f.Issuer
	if f.issuerDoc != "" {
		issuer = f.issuerDoc
	}
	algs := f.algs
	f.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                issuer,
		"authorization_endpoint":                f.Issuer + "/authorize",
		"token_endpoint":                        f.Issuer + "/token",
		"userinfo_endpoint":                     f.Issuer + "/userinfo",
		"jwks_uri":                              f.Issuer + "/jwks",
		"end_session_endpoint":                  f.Issuer + "/logout",
		"revocation_endpoint":                   f.Issuer + "/revoke",
		"id_token_signing_alg_values_supported": algs,
		"code_challenge_methods_supported":      []string{"S256"},
		"token_endpoint_auth_methods_supported": []string{"client_secret_basic", "client_secret_post"},
		"response_types_supported":              []string{"code"},
		"subject_types_supported":               []string{"public"},
	})
}

func (f *FakeIdP) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	if status := f.JWKSStatus.Load(); status != 0 {
		http.Error(w, "unavailable", int(status))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(f.JWKS())
}

func (f *FakeIdP) handleToken(w http.ResponseWriter, r *http.Request) {
	if d := f.TokenDelay.Load(); d > 0 {
		select {
		case <-time.After(time.Duration(d)):
		case <-r.Context().Done():
			return
		}
	}
	if status := f.TokenStatus.Load(); status != 0 {
		writeJSON(w, int(status), map[string]any{"error": "server_error"})
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_request"})
		return
	}

	f.mu.Lock()
	f.lastToken = r.PostForm
	f.lastAuth = r.Header.Get("Authorization")
	f.mu.Unlock()

	if !f.clientAuthenticated(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid_client"})
		return
	}
	if r.PostForm.Get("grant_type") != "authorization_code" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unsupported_grant_type"})
		return
	}

	code := r.PostForm.Get("code")
	f.mu.Lock()
	grant, ok := f.codes[code]
	delete(f.codes, code)
	f.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":             "invalid_grant",
			"error_description": "Invalid authorization code",
		})
		return
	}
	if grant.redirectURI != r.PostForm.Get("redirect_uri") {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_grant", "error_description": "redirect_uri mismatch"})
		return
	}
	if grant.challenge != "" {
		verifier := r.PostForm.Get("code_verifier")
		if subtle.ConstantTimeCompare([]byte(oauth2.S256ChallengeFromVerifier(verifier)), []byte(grant.challenge)) != 1 {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_grant", "error_description": "PKCE verification failed"})
			return
		}
	}

	f.mu.Lock()
	claims := jwt.MapClaims{}
	maps.Copy(claims, f.claims)
	accessToken := oauth2.GenerateVerifier()
	f.accessToks[accessToken] = true
	f.mu.Unlock()
	if grant.nonce != "" {
		claims["nonce"] = grant.nonce
	}

	resp := map[string]any{
		"access_token": accessToken,
		"token_type":   "Bearer",
		"expires_in":   3600,
	}
	if !f.OmitIDToken.Load() {
		resp["id_token"] = f.SignIDToken(claims)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (f *FakeIdP) clientAuthenticated(r *http.Request) bool {
	if id, secret, ok := r.BasicAuth(); ok {
		id, _ = url.QueryUnescape(id)
		secret, _ = url.QueryUnescape(secret)
		return id == FakeClientID && secret == FakeClientSecret
	}
	return r.PostForm.Get("client_id") == FakeClientID && r.PostForm.Get("client_secret") == FakeClientSecret
}

func (f *FakeIdP) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	f.mu.Lock()
	valid := ok && f.accessToks[token]
	body := f.userInfo
	if body == nil {
		body = maps.Clone(f.claims)
	}
	f.mu.Unlock()

	if !valid {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid_token"})
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func (f *FakeIdP) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if !f.clientAuthenticated(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid_client"})
		return
	}
	token := r.PostForm.Get("token")
	f.mu.Lock()
	f.revoked = append(f.revoked, token)
	delete(f.accessToks, token)
	f.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
