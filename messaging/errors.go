package messaging

import (
	"errors"
	"fmt"
)

// Validation failure codes recorded on subscribe-side envelope rejections.
const (
	ValidationMissingActor   = "missing_actor"
	ValidationInvalidPayload = "invalid_payload"
	ValidationInvalidInput   = "invalid_input"
)

var (
	// ErrNilHandler is returned when a subscription is built without a handler.
	ErrNilHandler = errors.New("messaging: handler cannot be nil")

	// ErrAlreadyRegistered is returned when two subscriptions derive the same
	// queue name.
	ErrAlreadyRegistered = errors.New("messaging: queue already registered")
)

// ConfigurationError reports an invalid subscription descriptor or
// configuration field. It fails the registration it belongs to and nothing
// else.
type ConfigurationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("configuration error: %s", e.Reason)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// ValidationError reports an envelope contract violation, either at publish
// time or on an inbound delivery. Validation failures are terminal and never
// retried.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Terminal marks the error as not eligible for retry.
func (e *ValidationError) Terminal() bool {
	return true
}

// TerminalError is the explicit application signal that a failure must not
// be retried. Handlers return it (or wrap with AsTerminal) to route a
// delivery straight to the error exchange.
type TerminalError struct {
	Reason string
	Err    error
}

// NewTerminalError creates a terminal error with a reason.
func NewTerminalError(reason string) *TerminalError {
	return &TerminalError{Reason: reason}
}

// Terminalf creates a terminal error with a formatted reason.
func Terminalf(format string, args ...interface{}) *TerminalError {
	return &TerminalError{Reason: fmt.Sprintf(format, args...)}
}

// AsTerminal wraps an existing error as terminal.
func AsTerminal(err error) *TerminalError {
	if err == nil {
		return nil
	}
	return &TerminalError{Reason: err.Error(), Err: err}
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("terminal: %s", e.Reason)
}

func (e *TerminalError) Unwrap() error {
	return e.Err
}

// Terminal marks the error as not eligible for retry.
func (e *TerminalError) Terminal() bool {
	return true
}

// RetryableError wraps a handler failure together with the attempt number
// reconstructed from the delivery's dead-letter history.
type RetryableError struct {
	Attempt int
	Err     error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable (attempt %d): %v", e.Attempt, e.Err)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// InfrastructureError reports a broker failure during topology assertion or
// an error-path publish. It is logged and swallowed, never propagated into
// application startup or the delivery pipeline.
type InfrastructureError struct {
	Op  string
	Err error
}

func (e *InfrastructureError) Error() string {
	return fmt.Sprintf("infrastructure error: %s: %v", e.Op, e.Err)
}

func (e *InfrastructureError) Unwrap() error {
	return e.Err
}

// IsTerminal reports whether err must not be retried. Validation and
// terminal errors qualify, as does anything implementing Terminal() bool.
func IsTerminal(err error) bool {
	if err == nil {
		return false
	}
	var t interface{ Terminal() bool }
	if errors.As(err, &t) {
		return t.Terminal()
	}
	return false
}
