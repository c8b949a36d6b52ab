package discovery

import (
	"errors"
	"fmt"
)

// ErrKeyNotFound means no signing key with the requested kid exists, even
// after refreshing the key set.
var ErrKeyNotFound = errors.New("signing key not found")

// TransientError wraps a provider fetch failure that may succeed later:
// network errors, timeouts and 5xx responses.
type TransientError struct {
	Resource string
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("fetching %s: %v", e.Resource, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is, or wraps, a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
