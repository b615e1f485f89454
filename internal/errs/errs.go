// Package errs defines the pipeline-wide error taxonomy. Consumers decide
// ack/retry/dead-letter behavior from these classifications, never from
// string matching on collaborator errors.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed input. Never retried.
	ErrValidation = errors.New("validation error")

	// ErrNotFound marks a missing case or handle. Logged, message dropped.
	ErrNotFound = errors.New("resource not found")

	// ErrAlreadyExists is returned by idempotent creation when the key is
	// already present. Callers treat it as success when the record matches.
	ErrAlreadyExists = errors.New("resource already exists")

	// ErrStageConflict is a compare-and-swap mismatch. Expected under
	// duplicate delivery; always absorbed as a silent no-op.
	ErrStageConflict = errors.New("stage conflict")
)

// TransientError wraps a network/timeout/throttle failure from an external
// service. The bus retries these with exponential backoff up to the attempt
// ceiling, then dead-letters.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

func Transient(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// TerminalError is a permanent rejection from a collaborator (content
// policy, unsupported input). The case is marked failed and the message
// acknowledged without further retry.
type TerminalError struct {
	Code    string
	Message string
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("terminal: %s: %s", e.Code, e.Message)
}

func Terminal(code, message string) error {
	return &TerminalError{Code: code, Message: message}
}

func AsTerminal(err error) (*TerminalError, bool) {
	var t *TerminalError
	if errors.As(err, &t) {
		return t, true
	}
	return nil, false
}
