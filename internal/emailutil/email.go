package emailutil

import "strings"

// Normalize normalizes an email address for account lookups
// by converting to lowercase and trimming whitespace
func Normalize(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// LooksValid reports whether email has exactly one @ with a non-empty local
// part and a dotted domain. It is a sanity check, not RFC 5322 parsing.
func LooksValid(email string) bool {
	local, domain, ok := strings.Cut(email, "@")
	if !ok || local == "" || strings.Contains(domain, "@") {
		return false
	}
	dot := strings.LastIndex(domain, ".")
	return dot > 0 && dot < len(domain)-1
}
