package binding

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	identifierCharset = regexp.MustCompile(`^[A-Za-z0-9 _.@-]+$`)
	disallowedChars   = regexp.MustCompile(`[^A-Za-z0-9 _.@-]`)
)

// NormalizeIdentifier is the host's normalization of a login identifier:
// surrounding whitespace is trimmed, inner runs collapse to one space and
// characters outside the allowed set are dropped.
func NormalizeIdentifier(s string) string {
	s = disallowedChars.ReplaceAllString(s, "")
	return strings.Join(strings.Fields(s), " ")
}

// checkIdentifier rejects identifiers that normalization would alter. A
// silently rewritten identifier could collide with another account's.
func checkIdentifier(id string, maxLen int, normalize func(string) string) error {
	if id == "" {
		return fmt.Errorf("empty identifier")
	}
	if maxLen > 0 && utf8.RuneCountInString(id) > maxLen {
		return fmt.Errorf("identifier longer than %d characters", maxLen)
	}
	if !identifierCharset.MatchString(id) {
		return fmt.Errorf("identifier contains disallowed characters")
	}
	if normalize(id) != id {
		return fmt.Errorf("identifier changes under normalization")
	}
	return nil
}
