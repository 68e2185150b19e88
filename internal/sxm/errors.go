package sxm

import (
	"errors"
	"fmt"
)

var (
	// Sentinel errors for errors.Is checks at the boundary.
	ErrInvalidCredentials  = errors.New("upstream: credentials rejected")
	ErrUpstreamUnavailable = errors.New("upstream: host unreachable or transport failure")
	ErrProtocolChanged     = errors.New("upstream: response shape unexpected, contract may have changed")
	ErrAuthRejected        = errors.New("upstream: session rejected")
	ErrNotFound            = errors.New("upstream: resource not found")
	ErrTimeout             = errors.New("upstream: request timed out")
)

// APIError wraps the sentinel errors with call context.
type APIError struct {
	Sentinel error
	Op       string
	Status   int // HTTP status, if any
	Code     int // upstream message code, if any
	Err      error
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("sxm: %s: %v", e.Op, e.Sentinel)
	if e.Status > 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.Status)
	}
	if e.Code > 0 {
		msg = fmt.Sprintf("%s (code %d)", msg, e.Code)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *APIError) Unwrap() error {
	return e.Sentinel
}
