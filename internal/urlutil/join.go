package urlutil

import (
	"net/url"
	"path"
	"strings"
)

// JoinPath safely joins URL paths, handling trailing and leading slashes correctly
func JoinPath(base string, paths ...string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}

	allPaths := append([]string{u.Path}, paths...)
	u.Path = path.Join(allPaths...)

	// Preserve trailing slash if the last path component had one
	if len(paths) > 0 && strings.HasSuffix(paths[len(paths)-1], "/") {
		u.Path += "/"
	}

	return u.String(), nil
}

// DiscoveryURL returns the OpenID Provider configuration document location
// for an issuer, per OpenID Connect Discovery 1.0 section 4.
func DiscoveryURL(issuer string) (string, error) {
	return JoinPath(strings.TrimSuffix(issuer, "/"), ".well-known", "openid-configuration")
}

// IsAbsoluteHTTPURL reports whether raw parses as an absolute http or https
// URL with a host and no fragment.
func IsAbsoluteHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return false
	}
	return u.Host != "" && u.Fragment == "" && u.User == nil
}

// SafeReturnPath returns p when it is a same-origin absolute path and
// fallback otherwise. Scheme-relative ("//host") and backslash forms are
// rejected so a login cannot be turned into an open redirect.
func SafeReturnPath(p, fallback string) string {
	if p == "" || !strings.HasPrefix(p, "/") || strings.HasPrefix(p, "//") || strings.Contains(p, `\`) {
		return fallback
	}
	u, err := url.Parse(p)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return fallback
	}
	return p
}
