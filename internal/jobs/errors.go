package jobs

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var (
	ErrValidation = errors.New("validation failed")
	ErrRevoked    = errors.New("job revoked")
)

// RetryableError marks a job failure worth another attempt after backoff.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return "retryable: " + e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// FatalError marks a job failure that no retry can fix.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// Retryable wraps err as a RetryableError. nil stays nil.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// Fatal wraps err as a FatalError. nil stays nil.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// IsFatal reports whether err carries a FatalError.
func IsFatal(err error) bool {
	var f *FatalError
	return errors.As(err, &f)
}

var validate = validator.New()

// Validate checks a payload's shape. Failures wrap ErrValidation.
func Validate(p Payload) error {
	if p == nil {
		return fmt.Errorf("%w: missing payload", ErrValidation)
	}
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrValidation, p.Type(), err)
	}
	return nil
}
