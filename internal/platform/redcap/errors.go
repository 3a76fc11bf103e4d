package redcap

import (
	"errors"
	"fmt"
)

var (
	// Sentinel errors for errors.Is checks by callers.
	ErrUnauthorized        = errors.New("redcap: token rejected or lacks API rights")
	ErrBadRequest          = errors.New("redcap: request rejected")
	ErrUpstreamUnavailable = errors.New("redcap: host unreachable or transport failure")
	ErrUpstreamError       = errors.New("redcap: server error (5xx)")
	ErrBadResponse         = errors.New("redcap: invalid response format")
)

// APIError wraps a sentinel with the failing operation and what REDCap said.
// It never carries the API token.
type APIError struct {
	Sentinel  error
	Operation string
	Status    int
	Message   string
	Err       error
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Operation, e.Sentinel)
	if e.Status > 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.Status)
	}
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Message)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *APIError) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Sentinel, e.Err}
	}
	return []error{e.Sentinel}
}

func sentinelForStatus(status int) error {
	switch {
	case status == 401 || status == 403:
		return ErrUnauthorized
	case status >= 500:
		return ErrUpstreamError
	default:
		return ErrBadRequest
	}
}
