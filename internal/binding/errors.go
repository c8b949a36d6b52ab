package binding

import (
	"errors"
	"fmt"
)

// Kind classifies why verified claims could not be bound to a local account.
type Kind string

const (
	// UnsuitableIdentifier means the identifier claim would change under
	// host normalization or breaks the host's identifier rules.
	UnsuitableIdentifier Kind = "unsuitable_identifier"
	// NoSuchLocalAccount means no existing account matches. Accounts are
	// never created here.
	NoSuchLocalAccount Kind = "no_such_local_account"
	// EmailNotVerified means the provider did not assert email ownership.
	EmailNotVerified Kind = "email_not_verified"
	// MissingClaim means the lookup claim is absent.
	MissingClaim Kind = "missing_claim"
)

// BindError denies a login for authorization reasons. It is a Forbidden
// class error, not an internal one.
type BindError struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *BindError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("binding failed: %s", e.Kind)
	}
	return fmt.Sprintf("binding failed: %s: %s", e.Kind, e.Detail)
}

func (e *BindError) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of a BindError, or "".
func KindOf(err error) Kind {
	var be *BindError
	if errors.As(err, &be) {
		return be.Kind
	}
	return ""
}

func deny(kind Kind, detail string, err error) *BindError {
	return &BindError{Kind: kind, Detail: detail, Err: err}
}
