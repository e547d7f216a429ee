package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		expected string
	}{
		{
			name:     "error without cause",
			err:      &Error{Code: ErrCodeConfig, Message: "invalid configuration"},
			expected: "[CONFIG_ERROR] invalid configuration",
		},
		{
			name:     "error with cause",
			err:      Wrap(ErrCodeBind, "cannot bind source address", errors.New("family mismatch")),
			expected: "[BIND_ERROR] cannot bind source address: family mismatch",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("underlying error")
	err := Wrap(ErrCodeInternal, "wrapper", cause)

	if unwrapped := err.Unwrap(); unwrapped != cause {
		t.Errorf("Unwrap() = %v, want %v", unwrapped, cause)
	}
}

func TestError_Is(t *testing.T) {
	err1 := &Error{Code: ErrCodeBootstrap, Message: "test error"}
	err2 := &Error{Code: ErrCodeBootstrap, Message: "another error"}
	err3 := &Error{Code: ErrCodeUpstream, Message: "upstream error"}

	if !err1.Is(err2) {
		t.Errorf("Expected errors with same code to match")
	}

	if err1.Is(err3) {
		t.Errorf("Expected errors with different codes to not match")
	}

	wrapped := fmt.Errorf("dial: %w", err1)
	if !errors.Is(wrapped, New(ErrCodeBootstrap, "")) {
		t.Errorf("Expected errors.Is to see through fmt wrapping")
	}
}

func TestHasCode(t *testing.T) {
	inner := NewBindError("family mismatch", nil)
	outer := NewUpstreamError("dial failed", fmt.Errorf("attempt 1: %w", inner))

	if !HasCode(outer, ErrCodeUpstream) {
		t.Errorf("Expected outer code to be found")
	}
	if !HasCode(outer, ErrCodeBind) {
		t.Errorf("Expected wrapped bind code to be found")
	}
	if HasCode(outer, ErrCodeConfig) {
		t.Errorf("Did not expect config code")
	}
	if HasCode(nil, ErrCodeBind) {
		t.Errorf("nil error must not have a code")
	}
}

func TestNewBindError(t *testing.T) {
	cause := errors.New("not an address")
	err := NewBindError("invalid source address", cause)

	if err.Code != ErrCodeBind {
		t.Errorf("Expected code %v, got %v", ErrCodeBind, err.Code)
	}

	if err.Message != "invalid source address" {
		t.Errorf("Expected message 'invalid source address', got %v", err.Message)
	}

	if err.Cause != cause {
		t.Errorf("Expected cause to be preserved")
	}
}
