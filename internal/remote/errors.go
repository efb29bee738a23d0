package remote

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMalformed marks a 2xx response whose body is missing
// required fields. It is reported inside a NetworkError.
var ErrMalformed = errors.New("malformed response")

// NetworkError is a transport failure, a server-side failure
// (5xx) or an unusable response body. Callers may fall back to
// cached state or retry.
type NetworkError struct {
	Op     string
	Status int // zero when no response was received
	Err    error
}

func (e *NetworkError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// FieldError is one field-level complaint from the authority.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError is a rejection by the authority of a payload
// or a business rule. It is never retried automatically; the
// fields are forwarded as received.
type ValidationError struct {
	Status  int
	Message string
	Fields  []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return e.Message
	}
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Field + ": " + f.Message
	}
	return e.Message + " (" + strings.Join(parts, "; ") + ")"
}

// IsNetwork reports whether err is a NetworkError.
func IsNetwork(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
