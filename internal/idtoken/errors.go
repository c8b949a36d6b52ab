package idtoken

import (
	"errors"
	"fmt"
)

// Kind classifies why an ID token was rejected.
type Kind string

const (
	BadSignature     Kind = "bad_signature"
	IssuerMismatch   Kind = "issuer_mismatch"
	AudienceMismatch Kind = "audience_mismatch"
	Expired          Kind = "expired"
	NonceMismatch    Kind = "nonce_mismatch"
)

// ValidationError rejects an ID token. It is final: the same token will
// never validate, so callers must not retry.
type ValidationError struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("id token rejected: %s", e.Kind)
	}
	return fmt.Sprintf("id token rejected: %s: %s", e.Kind, e.Detail)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// KindOf returns the rejection kind of err, or "" if err is not a
// ValidationError.
func KindOf(err error) Kind {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Kind
	}
	return ""
}

// ErrSubjectMismatch means the userinfo response describes a different
// subject than the ID token.
var ErrSubjectMismatch = errors.New("userinfo subject does not match id token subject")

func reject(kind Kind, detail string, err error) *ValidationError {
	return &ValidationError{Kind: kind, Detail: detail, Err: err}
}
