package flow

import (
	"errors"
	"fmt"
)

// Phase is the position of one login attempt in the flow.
type Phase string

const (
	Idle             Phase = "idle"
	AwaitingCallback Phase = "awaiting_callback"
	Validating       Phase = "validating"
	Bound            Phase = "bound"
	Failed           Phase = "failed"
)

// Code is the coarse outcome surfaced to the host. Detailed causes stay in
// logs and metrics.
type Code string

const (
	CodeProviderError       Code = "provider_error"
	CodeMissingParameter    Code = "missing_parameter"
	CodeInvalidState        Code = "invalid_state"
	CodeTokenExchangeFailed Code = "token_exchange_failed"
	CodeValidationFailed    Code = "validation_failed"
	CodeAccessDenied        Code = "access_denied"
	CodeProviderUnavailable Code = "provider_unavailable"
	CodeInternal            Code = "internal_error"
)

// Error is a terminal failure of a login attempt. Phase is where it failed.
// The attempt cannot be resumed; the user has to start a new login.
type Error struct {
	Code  Code
	Phase Phase
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("login failed in %s: %s", e.Phase, e.Code)
	}
	return fmt.Sprintf("login failed in %s: %s: %v", e.Phase, e.Code, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// CodeOf returns the flow code of err. Errors that are not *Error map to
// CodeInternal.
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return CodeInternal
}
