package pqbroker

import "github.com/pkg/errors"

// The error taxonomy exposed at the tool boundary. Validation errors are
// raised before any database round trip; precondition and not-found errors
// describe missing broker state; everything else is a backend failure.

// ValidationError reports a request rejected before reaching the database.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// PreconditionError reports an operation attempted against broker state that
// does not exist yet, e.g. publishing through a broker that was never enabled.
type PreconditionError struct {
	Msg string
}

func (e *PreconditionError) Error() string { return e.Msg }

// NotFoundError reports a named object (channel, policy, subscription) that
// was required but absent.
type NotFoundError struct {
	Kind string
	Name string
}

func (e *NotFoundError) Error() string { return e.Kind + " not found: " + e.Name }

func validationErrorf(format string, args ...interface{}) error {
	return &ValidationError{Msg: errors.Errorf(format, args...).Error()}
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsPrecondition reports whether err is a precondition error.
func IsPrecondition(err error) bool {
	var pe *PreconditionError
	return errors.As(err, &pe)
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
