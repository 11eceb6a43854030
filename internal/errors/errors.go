// Package errors provides structured error types for streamview.
// All errors include a category, code, message, and retryable flag so that
// callers (and remote clients) can tell the failure kinds apart.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by the component that raised them.
type ErrorCategory string

const (
	ErrCategorySchema    ErrorCategory = "SCHEMA"
	ErrCategoryType      ErrorCategory = "TYPE"
	ErrCategoryConfig    ErrorCategory = "CONFIG"
	ErrCategoryKey       ErrorCategory = "KEY"
	ErrCategoryLifecycle ErrorCategory = "LIFECYCLE"
	ErrCategoryTransport ErrorCategory = "TRANSPORT"
	ErrCategoryStorage   ErrorCategory = "STORAGE"
	ErrCategoryInternal  ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Schema codes
	CodeSchemaError   = "SCHEMA_ERROR"
	CodeUnknownColumn = "UNKNOWN_COLUMN"
	CodeMissingColumn = "MISSING_COLUMN"

	// Type codes
	CodeTypeMismatch = "TYPE_MISMATCH"

	// Config codes
	CodeUnknownAggregate = "UNKNOWN_AGGREGATE"
	CodeUnknownOperator  = "UNKNOWN_OPERATOR"
	CodeInvalidConfig    = "INVALID_CONFIG"

	// Key codes
	CodeKeyError = "KEY_ERROR"

	// Lifecycle codes
	CodeUseAfterDelete = "USE_AFTER_DELETE"
	CodeSourceDeleted  = "SOURCE_DELETED"
	CodeNotFound       = "NOT_FOUND"
	CodeAlreadyExists  = "ALREADY_EXISTS"

	// Transport codes
	CodeTransportError = "TRANSPORT_ERROR"
	CodeBadMessage     = "BAD_MESSAGE"
	CodeRateLimited    = "RATE_LIMITED"

	// Storage codes
	CodeUploadFailed       = "UPLOAD_FAILED"
	CodeDownloadFailed     = "DOWNLOAD_FAILED"
	CodeObjectNotFound     = "OBJECT_NOT_FOUND"
	CodeCorruptionDetected = "CORRUPTION_DETECTED"
	CodeJournalFailed      = "JOURNAL_FAILED"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// Error is the structured error type used throughout the system.
type Error struct {
	Category  ErrorCategory          `json:"category"`
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Cause     error                  `json:"-"`
	Retryable bool                   `json:"retryable,omitempty"`
}

// Error returns a formatted error string.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new Error.
func New(category ErrorCategory, code, message string) *Error {
	return &Error{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Newf creates a new Error with a formatted message.
func Newf(category ErrorCategory, code, format string, args ...interface{}) *Error {
	return New(category, code, fmt.Sprintf(format, args...))
}

// Wrap creates a new Error wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *Error {
	return &Error{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details merged in.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	cp := *e
	merged := make(map[string]interface{}, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	cp.Details = merged
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not an *Error.
func GetCategory(err error) ErrorCategory {
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not an *Error.
func GetCode(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// As is errors.As for *Error, returning nil when the chain holds none.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

// Only transient I/O failures are worth retrying; everything else is a
// caller mistake or a terminal state.
func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryStorage && code == CodeUploadFailed:
		return true
	case category == ErrCategoryStorage && code == CodeDownloadFailed:
		return true
	case category == ErrCategoryTransport && code == CodeTransportError:
		return true
	default:
		return false
	}
}

// Convenience constructors for the engine's error kinds.

func NewSchemaError(code, message string) *Error {
	return New(ErrCategorySchema, code, message)
}

func NewTypeMismatch(column string, row int, value interface{}, message string) *Error {
	return New(ErrCategoryType, CodeTypeMismatch, message).WithDetails(map[string]interface{}{
		"column": column,
		"row":    row,
		"value":  fmt.Sprintf("%v", value),
	})
}

func NewConfigError(code, message string) *Error {
	return New(ErrCategoryConfig, code, message)
}

func NewKeyError(message string) *Error {
	return New(ErrCategoryKey, CodeKeyError, message)
}

func NewUseAfterDelete(what string) *Error {
	return Newf(ErrCategoryLifecycle, CodeUseAfterDelete, "%s has been deleted", what)
}

func NewSourceDeleted(what string) *Error {
	return Newf(ErrCategoryLifecycle, CodeSourceDeleted, "source table of %s has been deleted", what)
}

func NewNotFound(kind, name string) *Error {
	return Newf(ErrCategoryLifecycle, CodeNotFound, "%s %q not found", kind, name)
}

func NewTransportError(message string, cause error) *Error {
	return Wrap(ErrCategoryTransport, CodeTransportError, message, cause)
}

func NewStorageError(code, message string, cause error) *Error {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewInternalError(message string, cause error) *Error {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
