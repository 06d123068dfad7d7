package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestNetworkError(t *testing.T) {
	baseErr := errors.New("connection refused")

	t.Run("retriable error", func(t *testing.T) {
		err := NewNetworkError("dial", baseErr)

		if !err.IsRetriable() {
			t.Error("Expected error to be retriable")
		}

		if err.Error() != "dial: connection refused" {
			t.Errorf("Error message = %q, want %q", err.Error(), "dial: connection refused")
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

		// Wrapping must not hide the classification
		if !IsRetriable(fmt.Errorf("connect: %w", retriable)) {
			t.Error("IsRetriable should see through fmt.Errorf wrapping")
		}
	})
}

func TestProtocolError(t *testing.T) {
	err := &ProtocolError{Frame: `a[garbage`, Err: errors.New("bad array frame")}

	if err.IsRetriable() {
		t.Error("ProtocolError should never be retriable")
	}
	if err.Error() != "protocol error: bad array frame" {
		t.Errorf("Error message = %q", err.Error())
	}
}

func TestConfigError(t *testing.T) {
	baseErr := errors.New("missing value")
	err := &ConfigError{Field: "broker.ws_url", Err: baseErr}

	if err.IsRetriable() {
		t.Error("ConfigError should never be retriable")
	}

	expected := "config error [broker.ws_url]: missing value"
	if err.Error() != expected {
		t.Errorf("Error message = %q, want %q", err.Error(), expected)
	}
}

func TestResultFromError(t *testing.T) {
	t.Run("nil is success", func(t *testing.T) {
		result := ResultFromError(nil)
		if !result.Success || result.Error != "" {
			t.Errorf("result = %+v, want success", result)
		}
	})

	t.Run("penalty maps to penalized", func(t *testing.T) {
		err := &PenaltyError{Ticket: "P-42", Wait: 90 * time.Second}
		result := ResultFromError(fmt.Errorf("place order: %w", err))

		if !result.Penalized {
			t.Fatal("Expected Penalized result")
		}
		if result.PTicket != "P-42" || result.PTime != 90*time.Second {
			t.Errorf("result = %+v, want ticket P-42 wait 90s", result)
		}
		if result.Success {
			t.Error("Penalized result must not be success")
		}
	})

	t.Run("rate limit maps to rate limited", func(t *testing.T) {
		result := ResultFromError(&RateLimitError{RetryAfter: time.Second})

		if !result.RateLimited {
			t.Fatal("Expected RateLimited result")
		}
		if result.Penalized || result.Success {
			t.Errorf("result = %+v, want rate-limited only", result)
		}
	})

	t.Run("plain error maps to failure", func(t *testing.T) {
		result := ResultFromError(errors.New("order rejected"))

		if result.Success || result.Penalized || result.RateLimited {
			t.Errorf("result = %+v, want plain failure", result)
		}
		if result.Error != "order rejected" {
			t.Errorf("Error = %q", result.Error)
		}
	})
}
