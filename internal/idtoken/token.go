package idtoken

import (
	"fmt"
	"maps"
	"time"
)

// IDToken holds the verified claims of an ID token. It lives only for the
// duration of a callback and is never persisted.
type IDToken struct {
	Issuer          string
	Subject         string
	Audience        []string
	AuthorizedParty string
	Expiry          time.Time
	IssuedAt        time.Time
	NotBefore       time.Time
	Nonce           string

	// Claims holds every claim, registered or not, as decoded from JSON.
	Claims map[string]any
}

// String returns a string claim and whether it was present and non-empty.
func (t *IDToken) String(name string) (string, bool) {
	s, ok := t.Claims[name].(string)
	return s, ok && s != ""
}

// Bool returns a boolean claim. Some providers send "true"/"false" strings
// for email_verified; those are accepted too.
func (t *IDToken) Bool(name string) bool {
	switch v := t.Claims[name].(type) {
	case bool:
		return v
	case string:
		return v == "true"
	default:
		return false
	}
}

// Has reports whether the claim is present.
func (t *IDToken) Has(name string) bool {
	_, ok := t.Claims[name]
	return ok
}

// MergeUserInfo adds claims from a userinfo response that the ID token does
// not carry. ID token claims always win. The response must describe the same
// subject.
func (t *IDToken) MergeUserInfo(info map[string]any) error {
	sub, _ := info["sub"].(string)
	if sub != t.Subject {
		return fmt.Errorf("%w: got %q", ErrSubjectMismatch, sub)
	}

	merged := maps.Clone(info)
	maps.Copy(merged, t.Claims)
	t.Claims = merged
	return nil
}
