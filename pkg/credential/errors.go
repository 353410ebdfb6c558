package credential

import (
	"errors"
	"fmt"
)

var (
	ErrMissingCredential = errors.New("missing credential")
	ErrInvalidCredential = errors.New("invalid credential")
	ErrExchangeFailed    = errors.New("token exchange failed")
)

// ExchangeError describes a failed call to the identity endpoint. StatusCode
// is 0 when the endpoint could not be reached.
type ExchangeError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *ExchangeError) Error() string {
	switch {
	case e.StatusCode > 0 && e.Body != "":
		return fmt.Sprintf("token exchange failed: status %d: %s", e.StatusCode, e.Body)
	case e.StatusCode > 0:
		return fmt.Sprintf("token exchange failed: status %d", e.StatusCode)
	case e.Err != nil:
		return "token exchange failed: " + e.Err.Error()
	default:
		return "token exchange failed"
	}
}

func (e *ExchangeError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrExchangeFailed}
	}
	return []error{ErrExchangeFailed, e.Err}
}
