package domain

import (
	"errors"
	"time"
)

// RetriableError defines an interface for errors that can be retried
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable checks if an error is retriable
func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}

// NetworkError represents a network-related error that may be retriable
type NetworkError struct {
	Op        string // Operation that failed (e.g., "dial", "auth", "read")
	Err       error  // Underlying error
	Retriable bool   // Whether this error is retriable
}

func (e *NetworkError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *NetworkError) IsRetriable() bool {
	return e.Retriable
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// NewNetworkError creates a new retriable network error
func NewNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: true}
}

// NewFatalNetworkError creates a non-retriable network error
func NewFatalNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: false}
}

// ProtocolError marks an unparseable or malformed broker frame. The frame is
// dropped and the connection stays up, so it is never retriable.
type ProtocolError struct {
	Frame string // Truncated offending frame for logging
	Err   error
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Err.Error()
}

func (e *ProtocolError) IsRetriable() bool {
	return false
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// RateLimitError represents a broker throttling response. The dispatcher
// requeues with a fixed delay while attempts remain.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return "rate limited by broker"
}

func (e *RateLimitError) IsRetriable() bool {
	return true
}

// PenaltyError carries a broker-issued cooldown ticket. The wait applies to
// the whole account, not just the triggering task.
type PenaltyError struct {
	Ticket string
	Wait   time.Duration
}

func (e *PenaltyError) Error() string {
	return "penalty ticket " + e.Ticket + ": wait " + e.Wait.String()
}

func (e *PenaltyError) IsRetriable() bool {
	return true
}

// ConfigError represents a configuration error (never retriable)
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return "config error [" + e.Field + "]: " + e.Err.Error()
}

func (e *ConfigError) IsRetriable() bool {
	return false
}
