package errors

import (
	"errors"
	"testing"
)

func TestSentinelErrors(t *testing.T) {
	// Verify sentinel errors have expected messages
	tests := []struct {
		name    string
		err     error
		wantMsg string
	}{
		{"ErrAlreadyStarted", ErrAlreadyStarted, "dltstream: broker already started"},
		{"ErrNotRunning", ErrNotRunning, "dltstream: broker is not running"},
		{"ErrSubscriptionClosed", ErrSubscriptionClosed, "dltstream: subscription is closed"},
		{"ErrSourceRequired", ErrSourceRequired, "dltstream: source is required"},
		{"ErrBrokerRequired", ErrBrokerRequired, "dltstream: broker is required"},
		{"ErrHandlerRequired", ErrHandlerRequired, "dltstream: handler function is required"},
		{"ErrHandlerNameRequired", ErrHandlerNameRequired, "dltstream: handler name is required"},
		{"ErrPublisherRequired", ErrPublisherRequired, "dltstream: publisher is required"},
		{"ErrTopicRequired", ErrTopicRequired, "dltstream: topic is required"},
		{"ErrConfigRequired", ErrConfigRequired, "dltstream: configuration is required"},
		{"ErrLoggerRequired", ErrLoggerRequired, "dltstream: logger is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestConfigValidationError(t *testing.T) {
	inner := errors.New("invalid port")
	err := ConfigValidationError{Err: inner}

	want := "dltstream: invalid configuration: invalid port"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	if unwrapped := err.Unwrap(); unwrapped != inner {
		t.Errorf("Unwrap() = %v, want %v", unwrapped, inner)
	}
}

func TestNewConfigValidationError(t *testing.T) {
	t.Run("nil error returns nil", func(t *testing.T) {
		err := NewConfigValidationError(nil)
		if err != nil {
			t.Errorf("NewConfigValidationError(nil) = %v, want nil", err)
		}
	})

	t.Run("wraps error correctly", func(t *testing.T) {
		inner := errors.New("bad config")
		err := NewConfigValidationError(inner)

		var cfgErr ConfigValidationError
		if !errors.As(err, &cfgErr) {
			t.Fatalf("expected ConfigValidationError, got %T", err)
		}
		if cfgErr.Err != inner {
			t.Errorf("wrapped error = %v, want %v", cfgErr.Err, inner)
		}
	})

	t.Run("errors.Is works with wrapped error", func(t *testing.T) {
		inner := errors.New("specific error")
		err := NewConfigValidationError(inner)

		if !errors.Is(err, inner) {
			t.Error("errors.Is should match wrapped error")
		}
	})
}
