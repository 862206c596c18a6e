package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures so callers can decide on retry and
// presentation without inspecting provider- or transport-specific errors.
type ErrorKind string

const (
	KindAuthError          ErrorKind = "AuthError"          // credentials rejected, not retryable
	KindNoCredentials      ErrorKind = "NoCredentials"      // credential missing or undecryptable
	KindRateLimited        ErrorKind = "RateLimited"        // back off and retry
	KindTransient          ErrorKind = "Transient"          // timeout, 5xx, connect failure
	KindPermanent          ErrorKind = "Permanent"          // 4xx other than 401/403/429
	KindRiskReject         ErrorKind = "RiskReject"         // pre-trade rule denied the order
	KindNoPrimary          ErrorKind = "NoPrimary"          // no usable primary machine
	KindInvariantViolation ErrorKind = "InvariantViolation" // uniqueness or version conflict
	KindQueueFull          ErrorKind = "QueueFull"          // rate-limit queue saturated
)

// KindError carries an ErrorKind alongside a message and optional cause.
type KindError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *KindError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *KindError) Unwrap() error { return e.Err }

// E creates a KindError with a formatted message.
func E(kind ErrorKind, format string, args ...interface{}) error {
	return &KindError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapKind attaches a kind to an underlying error.
func WrapKind(kind ErrorKind, err error, message string) error {
	return &KindError{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the ErrorKind from an error chain. Unclassified errors
// report as Transient so callers err on the side of retrying reads.
func KindOf(err error) ErrorKind {
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return KindTransient
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var ke *KindError
	return errors.As(err, &ke) && ke.Kind == kind
}

// Retryable reports whether the retry policy applies to this kind:
// RateLimited and Transient back off exponentially, everything else
// surfaces immediately.
func Retryable(kind ErrorKind) bool {
	return kind == KindRateLimited || kind == KindTransient
}
