// Package enginerr defines the matchable error kinds the engine returns for
// expected failure paths. Callers match with errors.Is / errors.As; the
// wrapped message keeps the free-text diagnostic.
package enginerr

import "errors"

var (
	// ErrInvalidParameter rejects calculator inputs outside their domain.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrDivisionByZero rejects percentage change against a zero base price.
	ErrDivisionByZero = errors.New("division by zero")

	// ErrConflict signals the single-active-order invariant would be violated.
	ErrConflict = errors.New("order conflict")

	// ErrAuth signals an invalid or expired credential. Never retried
	// automatically; the caller must re-acquire credentials.
	ErrAuth = errors.New("authentication failed")

	// ErrConnection is a transient stream failure that drives reconnect.
	ErrConnection = errors.New("connection error")

	// ErrStreamClosed means a stream exhausted its reconnect budget and was
	// permanently disabled. Requires external intervention (re-subscribe).
	ErrStreamClosed = errors.New("stream permanently closed")
)

// ValidationError rejects an order-placement attempt with a human-readable
// reason. It is returned to the caller and never retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
