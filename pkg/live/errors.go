package live

import (
	"errors"
	"fmt"
)

// UnknownEventError reports an event name with no registered handler.
// Recoverable: the message is reported to the client and the session
// continues. The text is the client-facing reason.
type UnknownEventError struct {
	Name string
}

func (e *UnknownEventError) Error() string {
	return "unknown event: " + e.Name
}

// DecodeError reports a payload that did not decode into the
// registered event type. Recoverable, like UnknownEventError.
type DecodeError struct {
	Name string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("invalid payload for event %s: %v", e.Name, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

type fatalError struct {
	err error
}

func (e *fatalError) Error() string {
	return e.err.Error()
}

func (e *fatalError) Unwrap() error {
	return e.err
}

// Fatal marks a handler error as unrecoverable, escalating it to
// session termination under the default policy.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsFatal reports whether err carries a Fatal marker.
func IsFatal(err error) bool {
	var f *fatalError
	return errors.As(err, &f)
}

// ErrorPolicy decides whether a handler error terminates the session.
// Dispatch-class errors (unknown event, decode failure) never reach
// the policy; they are always recoverable.
type ErrorPolicy func(err error) bool

// DefaultErrorPolicy terminates only on errors marked with Fatal.
func DefaultErrorPolicy(err error) bool {
	return IsFatal(err)
}
