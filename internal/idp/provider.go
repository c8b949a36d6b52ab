package idp

import (
	"errors"
	"fmt"
	"time"
)

// Tokens is the token endpoint response of a successful code exchange.
type Tokens struct {
	AccessToken  string
	TokenType    string
	RefreshToken string
	Expiry       time.Time
	// IDToken is the raw, unverified ID token.
	IDToken string
}

// ErrMissingIDToken means the token response carried no id_token, which an
// OpenID Provider must always return for the authorization code flow.
var ErrMissingIDToken = errors.New("token response has no id_token")

// ErrNoEndpoint means the provider does not advertise the endpoint needed.
var ErrNoEndpoint = errors.New("provider does not advertise this endpoint")

// ExchangeError reports a failed authorization code exchange. Status is 0
// when no HTTP response was received (timeout, connection refused).
type ExchangeError struct {
	Status      int
	Code        string
	Description string
	Err         error
}

func (e *ExchangeError) Error() string {
	switch {
	case e.Code != "":
		return fmt.Sprintf("token exchange failed: status %d: %s", e.Status, e.Code)
	case e.Status != 0:
		return fmt.Sprintf("token exchange failed: status %d", e.Status)
	default:
		return fmt.Sprintf("token exchange failed: %v", e.Err)
	}
}

func (e *ExchangeError) Unwrap() error {
	return e.Err
}

// UserInfoError reports a failed userinfo request.
type UserInfoError struct {
	Status int
	Err    error
}

func (e *UserInfoError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("userinfo request failed: status %d: %v", e.Status, e.Err)
	}
	return fmt.Sprintf("userinfo request failed: %v", e.Err)
}

func (e *UserInfoError) Unwrap() error {
	return e.Err
}
