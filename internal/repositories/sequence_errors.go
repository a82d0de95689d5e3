package repositories

import (
	"fmt"

	domain "github.com/hanko-field/orders/internal/domain"
)

// SequenceErrorCode enumerates failure reasons for number sequence operations.
type SequenceErrorCode string

const (
	// SequenceErrorUnknown represents an unspecified failure.
	SequenceErrorUnknown SequenceErrorCode = "sequence_unknown"
	// SequenceErrorInvalidInput indicates the caller supplied invalid arguments.
	SequenceErrorInvalidInput SequenceErrorCode = "sequence_invalid_input"
	// SequenceErrorNotConfigured indicates no sequence exists for the shop and purpose.
	SequenceErrorNotConfigured SequenceErrorCode = "sequence_not_configured"
	// SequenceErrorAlreadyExists indicates a sequence was created twice for the same shop and purpose.
	SequenceErrorAlreadyExists SequenceErrorCode = "sequence_already_exists"
)

// SequenceError wraps sequence-specific failures with machine readable codes.
type SequenceError struct {
	Op      string
	Code    SequenceErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *SequenceError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

// Unwrap exposes the underlying error, if any.
func (e *SequenceError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewSequenceError constructs a typed sequence error.
func NewSequenceError(code SequenceErrorCode, message string, err error) *SequenceError {
	if message == "" {
		message = string(code)
	}
	return &SequenceError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// SequenceNotConfigured builds the error returned when no sequence row exists.
func SequenceNotConfigured(op, shopID string, purpose domain.Purpose) *SequenceError {
	err := NewSequenceError(SequenceErrorNotConfigured,
		fmt.Sprintf("no sequence configured for shop %q and purpose %q", shopID, purpose), nil)
	err.Op = op
	return err
}
