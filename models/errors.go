package models

import (
	"errors"
	"fmt"
	"strings"
)

// ErrWindowNotFound is returned when a window id has no stored row.
var ErrWindowNotFound = errors.New("window not found")

// ValidationError reports malformed input. It is never retried.
type ValidationError struct {
	Fields []string
	Reason string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Reason, strings.Join(e.Fields, ", "))
}

// NewValidationError builds a ValidationError without field names.
func NewValidationError(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// TransientDeliveryError wraps a network or remote-service failure while
// forwarding a report. StatusCode is 0 when no response was received.
type TransientDeliveryError struct {
	StatusCode int
	Err        error
}

func (e *TransientDeliveryError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("transient delivery failure: %v", e.Err)
	}
	return fmt.Sprintf("transient delivery failure: status %d: %v", e.StatusCode, e.Err)
}

func (e *TransientDeliveryError) Unwrap() error {
	return e.Err
}

// ConnectivityError means the report stream itself could not be reached.
type ConnectivityError struct {
	Op  string
	Err error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("%s: stream unavailable: %v", e.Op, e.Err)
}

func (e *ConnectivityError) Unwrap() error {
	return e.Err
}

// ConflictError signals that a concurrent writer created the same window
// first. Stores resolve it by re-reading; callers never see it.
type ConflictError struct {
	WindowID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("window %s already exists", e.WindowID)
}

// IsValidation reports whether err is, or wraps, a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsTransient reports whether err is, or wraps, a TransientDeliveryError.
func IsTransient(err error) bool {
	var te *TransientDeliveryError
	return errors.As(err, &te)
}
