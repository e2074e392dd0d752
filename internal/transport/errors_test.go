package transport

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{name: "nil-ish plain error", err: errors.New("boom"), want: ErrorUnknown},
		{name: "direct", err: &DeliveryError{Kind: ErrorBotBlocked}, want: ErrorBotBlocked},
		{name: "wrapped", err: fmt.Errorf("send: %w", &DeliveryError{Kind: ErrorChatNotFound}), want: ErrorChatNotFound},
		{name: "rate limited", err: &DeliveryError{Kind: ErrorRateLimited, RetryAfter: 3 * time.Second}, want: ErrorRateLimited},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Fatalf("Classify = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	t.Parallel()
	tests := []struct {
		kind ErrorKind
		want bool
	}{
		{kind: ErrorChatNotFound, want: false},
		{kind: ErrorBotBlocked, want: false},
		{kind: ErrorRateLimited, want: true},
		{kind: ErrorUnknown, want: true},
	}
	for _, tt := range tests {
		err := fmt.Errorf("outer: %w", &DeliveryError{Kind: tt.kind})
		if got := Retryable(err); got != tt.want {
			t.Fatalf("Retryable(%s) = %v, want %v", tt.kind, got, tt.want)
		}
	}
	if !Retryable(errors.New("who knows")) {
		t.Fatal("unclassified errors should be retryable")
	}
}

func TestDeliveryErrorUnwrap(t *testing.T) {
	t.Parallel()
	inner := errors.New("tcp reset")
	de := &DeliveryError{Kind: ErrorUnknown, Err: inner}
	if !errors.Is(de, inner) {
		t.Fatal("Unwrap lost the inner error")
	}
	if de.Error() == "" || (&DeliveryError{Kind: ErrorBotBlocked}).Error() == "" {
		t.Fatal("empty error text")
	}
}
