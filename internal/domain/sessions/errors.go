package sessions

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means no record exists for the session.
	ErrNotFound = errors.New("not found")
	// ErrNotReady means the record exists but the awaited field is still empty.
	ErrNotReady = errors.New("not ready")
	// ErrForbidden means the caller does not own the session.
	ErrForbidden = errors.New("forbidden")
	// ErrQuestionsFrozen means generated questions were already written.
	ErrQuestionsFrozen = errors.New("generated questions already set")
)

// ValidationError is a missing or malformed input. Never retried.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}

// Invalid is a shorthand constructor for ValidationError.
func Invalid(field, msg string) error {
	return &ValidationError{Field: field, Msg: msg}
}

// StoreError wraps a transient blob store or repository failure. The whole
// operation is safe to retry.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("store %s: %v", e.Op, e.Err) }

func (e *StoreError) Unwrap() error { return e.Err }

// TriggerError is a failed worker invocation after the data was persisted.
type TriggerError struct {
	SessionID SessionID
	Err       error
}

func (e *TriggerError) Error() string {
	return fmt.Sprintf("trigger session %s: %v", e.SessionID, e.Err)
}

func (e *TriggerError) Unwrap() error { return e.Err }

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsStore reports whether err is a StoreError.
func IsStore(err error) bool {
	var s *StoreError
	return errors.As(err, &s)
}

// IsTrigger reports whether err is a TriggerError.
func IsTrigger(err error) bool {
	var t *TriggerError
	return errors.As(err, &t)
}
