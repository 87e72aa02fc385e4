package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestNetworkError(t *testing.T) {
	baseErr := errors.New("connection refused")

	t.Run("retriable error", func(t *testing.T) {
		err := NewNetworkError("connect", baseErr)

		if !err.IsRetriable() {
			t.Error("Expected error to be retriable")
		}

		if err.Error() != "connect: connection refused" {
			t.Errorf("Error message = %q, want %q", err.Error(), "connect: connection refused")
		}

		if !errors.Is(err, baseErr) {
			t.Error("Expected error to wrap baseErr")
		}
	})

	t.Run("fatal error", func(t *testing.T) {
		err := NewFatalNetworkError("auth", baseErr)

		if err.IsRetriable() {
			t.Error("Expected error to not be retriable")
		}
	})

	t.Run("IsRetriable helper", func(t *testing.T) {
		retriable := NewNetworkError("dial", baseErr)
		fatal := NewFatalNetworkError("auth", baseErr)
		plain := errors.New("plain error")

		if !IsRetriable(retriable) {
			t.Error("IsRetriable should return true for retriable error")
		}

		if IsRetriable(fatal) {
			t.Error("IsRetriable should return false for fatal error")
		}

		if IsRetriable(plain) {
			t.Error("IsRetriable should return false for plain error")
		}
	})
}

func TestConfigError(t *testing.T) {
	baseErr := errors.New("missing value")
	err := &ConfigError{Field: "api_key", Err: baseErr}

	if err.IsRetriable() {
		t.Error("ConfigError should never be retriable")
	}

	expected := "config error [api_key]: missing value"
	if err.Error() != expected {
		t.Errorf("Error message = %q, want %q", err.Error(), expected)
	}
}

func TestValidationError(t *testing.T) {
	_, err := ParseSide("HOLD")
	if err == nil {
		t.Fatal("Expected error for unknown action")
	}

	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("Expected ValidationError, got %T", err)
	}
	if ve.Field != "action" {
		t.Errorf("Field = %q, want %q", ve.Field, "action")
	}
	if !errors.Is(err, ErrInvalidAction) {
		t.Error("Expected error to wrap ErrInvalidAction")
	}
	if IsRetriable(err) {
		t.Error("Validation errors should not be retriable")
	}
}

func TestNotReadyError(t *testing.T) {
	err := fmt.Errorf("submit: %w", &NotReadyError{Component: "order ids"})

	if !errors.Is(err, ErrNotReady) {
		t.Error("Expected wrapped NotReadyError to match ErrNotReady")
	}
	if !IsRetriable(err) {
		t.Error("NotReadyError should be retriable")
	}
}

func TestIllegalTransitionError(t *testing.T) {
	err := &IllegalTransitionError{OrderID: 7, From: OrderStatusFilled, To: OrderStatusCancelled}
	expected := "order 7: illegal transition FILLED -> CANCELLED"
	if err.Error() != expected {
		t.Errorf("Error message = %q, want %q", err.Error(), expected)
	}

	err.Detail = "terminal"
	if err.Error() != expected+" (terminal)" {
		t.Errorf("Error message = %q", err.Error())
	}
}

func TestExhaustedRangeError(t *testing.T) {
	err := &ExhaustedRangeError{Category: "order", Lo: 2000, Hi: 2999}
	expected := `client id range "order" [2000,2999) exhausted`
	if err.Error() != expected {
		t.Errorf("Error message = %q, want %q", err.Error(), expected)
	}
}
