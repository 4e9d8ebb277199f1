package broadcast

import (
	"errors"
	"fmt"
)

// ErrNoTargetsMatched is the fail-closed zero-match outcome: an empty
// candidate set is always surfaced as an error, never as a silent no-op
// broadcast. The message is part of the wire contract.
var ErrNoTargetsMatched = errors.New("No clients matched target specification")

// ValidationError reports a malformed broadcast request or targeting
// specification. It is always request-scoped: reported to the caller, never
// retried, never fatal.
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string {
	return e.msg
}

func validationErrorf(format string, args ...interface{}) error {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}

// IsValidationError reports whether err is a request validation failure.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// SecurityViolationError reports a client-supplied sender identity field.
// Sender identity is server-derived only; a request carrying one is rejected
// outright as a protocol violation, not silently dropped.
type SecurityViolationError struct {
	Field string
}

func (e *SecurityViolationError) Error() string {
	return fmt.Sprintf("client-supplied sender identity field '%s' is not allowed", e.Field)
}

// IsSecurityViolation reports whether err is a sender-identity violation.
func IsSecurityViolation(err error) bool {
	var sv *SecurityViolationError
	return errors.As(err, &sv)
}
