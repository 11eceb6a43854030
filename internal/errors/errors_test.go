package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_Error(t *testing.T) {
	err := New(ErrCategoryKey, CodeKeyError, "table has no index")
	expected := "[KEY:KEY_ERROR] table has no index"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestError_ErrorWithCause(t *testing.T) {
	cause := fmt.Errorf("broken pipe")
	err := NewTransportError("send failed", cause)
	expected := "[TRANSPORT:TRANSPORT_ERROR] send failed: broken pipe"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("root cause")
	err := NewStorageError(CodeUploadFailed, "put", cause)
	if !errors.Is(err, cause) {
		t.Error("Unwrap should allow errors.Is to find the cause")
	}
}

func TestError_Is(t *testing.T) {
	err1 := NewUseAfterDelete("table a")
	err2 := NewUseAfterDelete("table b")
	err3 := NewSourceDeleted("view v")

	if !errors.Is(err1, err2) {
		t.Error("errors with same category+code should match via Is")
	}
	if errors.Is(err1, err3) {
		t.Error("errors with different codes should not match via Is")
	}
	wrapped := fmt.Errorf("outer: %w", err1)
	if !errors.Is(wrapped, New(ErrCategoryLifecycle, CodeUseAfterDelete, "")) {
		t.Error("wrapped error should still match")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		category  ErrorCategory
		code      string
		retryable bool
	}{
		{ErrCategoryStorage, CodeUploadFailed, true},
		{ErrCategoryStorage, CodeDownloadFailed, true},
		{ErrCategoryStorage, CodeObjectNotFound, false},
		{ErrCategoryTransport, CodeTransportError, true},
		{ErrCategoryTransport, CodeBadMessage, false},
		{ErrCategoryType, CodeTypeMismatch, false},
		{ErrCategoryConfig, CodeUnknownAggregate, false},
		{ErrCategoryLifecycle, CodeSourceDeleted, false},
		{ErrCategoryInternal, CodeUnexpected, false},
	}

	for _, tt := range tests {
		err := New(tt.category, tt.code, "test")
		if IsRetryable(err) != tt.retryable {
			t.Errorf("%s:%s retryable=%v, want %v", tt.category, tt.code, IsRetryable(err), tt.retryable)
		}
	}
}

func TestNewTypeMismatch_Details(t *testing.T) {
	err := NewTypeMismatch("value", 3, "abc", "cannot coerce to float")
	if GetCode(err) != CodeTypeMismatch {
		t.Fatalf("got code %q", GetCode(err))
	}
	if err.Details["column"] != "value" || err.Details["row"] != 3 || err.Details["value"] != "abc" {
		t.Errorf("unexpected details: %v", err.Details)
	}
}

func TestWithDetails_DoesNotMutateOriginal(t *testing.T) {
	base := NewSchemaError(CodeUnknownColumn, "unknown column")
	withCol := base.WithDetails(map[string]interface{}{"column": "x"})
	if base.Details != nil {
		t.Error("original should be unchanged")
	}
	if withCol.Details["column"] != "x" {
		t.Error("copy should carry details")
	}
}

func TestGetCategory(t *testing.T) {
	err := NewConfigError(CodeUnknownOperator, "bad op")
	if GetCategory(err) != ErrCategoryConfig {
		t.Errorf("got %q, want %q", GetCategory(err), ErrCategoryConfig)
	}
	if GetCategory(fmt.Errorf("plain error")) != "" {
		t.Error("non-Error should return empty category")
	}
	if As(fmt.Errorf("plain")) != nil {
		t.Error("As should return nil for plain errors")
	}
}
