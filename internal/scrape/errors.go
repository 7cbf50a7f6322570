package scrape

import (
	"errors"
	"fmt"
	"net"
)

// Failure classifies why a scrape attempt did not produce a Result.
type Failure string

// Failure kinds.
const (
	FailureTransient      Failure = "transient"
	FailureQuota          Failure = "quota_exhausted"
	FailureContentShape   Failure = "content_shape"
	FailureRejected       Failure = "rejected"
	FailureCircuitOpen    Failure = "circuit_open"
	FailureInvalidRequest Failure = "invalid_request"
)

var (
	// ErrJobNotFound is returned by job stores for unknown or expired jobs.
	ErrJobNotFound = errors.New("job not found")
	// ErrQueueClosed is returned by task queues after shutdown.
	ErrQueueClosed = errors.New("queue closed")
)

// Error is the typed error returned by backends, the classifier, and the scraper.
type Error struct {
	Failure    Failure
	Tier       string
	StatusCode int
	Message    string
	Err        error
}

// NewError builds an Error without tier information.
func NewError(failure Failure, message string, err error) *Error {
	return &Error{Failure: failure, Message: message, Err: err}
}

func (e *Error) Error() string {
	msg := string(e.Failure)
	if e.Tier != "" {
		msg += " [" + e.Tier + "]"
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// WithTier returns a copy of e annotated with the tier key.
func (e *Error) WithTier(tier Tier) *Error {
	cp := *e
	cp.Tier = tier.Key()
	return &cp
}

// FailureOf extracts the Failure from err. Network timeouts count as transient.
// Unknown errors return an empty Failure.
func FailureOf(err error) Failure {
	if err == nil {
		return ""
	}
	var scrapeErr *Error
	if errors.As(err, &scrapeErr) {
		return scrapeErr.Failure
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FailureTransient
	}
	return ""
}

// IsQuota reports whether err signals an exhausted account balance.
func IsQuota(err error) bool {
	return FailureOf(err) == FailureQuota
}
