package models

import (
	"errors"
	"fmt"
)

var (
	ErrTransient           = errors.New("transient network error")
	ErrBrokerRejection     = errors.New("broker rejection")
	ErrCapExceeded         = errors.New("modification cap exceeded")
	ErrProtectedOrderGuard = errors.New("protected orders selected")
	ErrConfigDrift         = errors.New("config drift detected")
	ErrRateLimitTimeout    = errors.New("rate limit wait timed out")
	ErrOrderNotFound       = errors.New("order not found")
	ErrOrderClosed         = errors.New("order is no longer active")
	ErrJobNotFound         = errors.New("job not found")
	ErrInvalidPredicate    = errors.New("invalid predicate")
	ErrInvalidParams       = errors.New("invalid job parameters")
)

// BrokerError carries the broker's own message. It unwraps to ErrTransient or ErrBrokerRejection.
type BrokerError struct {
	Kind       error
	StatusCode int
	Reason     string
}

func (e *BrokerError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%v (%d): %s", e.Kind, e.StatusCode, e.Reason)
	}
	return fmt.Sprintf("%v: %s", e.Kind, e.Reason)
}

func (e *BrokerError) Unwrap() error {
	return e.Kind
}

func NewRejection(status int, reason string) error {
	return &BrokerError{Kind: ErrBrokerRejection, StatusCode: status, Reason: reason}
}

func NewTransient(status int, reason string) error {
	return &BrokerError{Kind: ErrTransient, StatusCode: status, Reason: reason}
}

// RejectionReason returns the broker's verbatim message when err carries one.
func RejectionReason(err error) string {
	var be *BrokerError
	if errors.As(err, &be) {
		return be.Reason
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
