package transport

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies a delivery failure so callers can decide between
// retry and escalation.
type ErrorKind string

const (
	ErrorChatNotFound ErrorKind = "chat_not_found"
	ErrorBotBlocked   ErrorKind = "bot_blocked"
	ErrorRateLimited  ErrorKind = "rate_limited"
	ErrorUnknown      ErrorKind = "unknown"
)

// DeliveryError wraps a transport failure with its classification.
type DeliveryError struct {
	Kind       ErrorKind
	RetryAfter time.Duration // non-zero only for rate_limited
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("delivery failed: %s", e.Kind)
	}
	return fmt.Sprintf("delivery failed (%s): %v", e.Kind, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Classify extracts the ErrorKind from err, defaulting to unknown.
func Classify(err error) ErrorKind {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Kind
	}
	return ErrorUnknown
}

// Retryable reports whether an automatic retry makes sense for err.
// Recipient errors (chat gone, bot blocked) never resolve on their own.
func Retryable(err error) bool {
	switch Classify(err) {
	case ErrorChatNotFound, ErrorBotBlocked:
		return false
	default:
		return true
	}
}
