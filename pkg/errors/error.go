package errors

import "fmt"

// Error is the wrapped error type returned across the dispatcher and
// worker pool. Every terminal Execute outcome carries exactly one.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]interface{}
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Kind.String()
}

// Unwrap supports errors.Is / errors.As against the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error carrying the given kind and its default message.
func New(kind Kind) *Error {
	return &Error{Kind: kind, Message: kind.String()}
}

// Newf creates an Error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an existing error, preserving it as the cause.
// If err is already an *Error, its kind is overwritten in place.
func Wrap(err error, kind Kind) *Error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		e.Kind = kind
		return e
	}
	return &Error{Kind: kind, Message: err.Error(), Err: err}
}

// Wrapf wraps an error with a kind and a formatted message.
func Wrapf(err error, kind Kind, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithMessage overrides the error's message.
func (e *Error) WithMessage(msg string) *Error {
	e.Message = msg
	return e
}

// WithDetail attaches a key/value pair of diagnostic context.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// KindOf extracts the Kind from any error, defaulting to Internal for
// errors this package did not produce, and Unknown for nil.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	if e, ok := err.(*Error); ok {
		return e.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == kind
}

// InvalidArgumentf creates an InvalidArgument error with a formatted
// message, the common case for Dispatcher admission checks.
func InvalidArgumentf(format string, args ...interface{}) *Error {
	return Newf(InvalidArgument, format, args...)
}

// ValidationError creates an InvalidArgument error with field/reason detail,
// matching the admission checks of Dispatcher.Execute.
func ValidationError(field, reason string) *Error {
	return New(InvalidArgument).
		WithDetail("field", field).
		WithDetail("reason", reason)
}
