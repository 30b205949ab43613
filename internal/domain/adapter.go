package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Records is the normalized result of one source adapter call: field name to
// scalar or list-of-scalar values. No cross-source schema is assumed beyond
// named fields.
type Records = Metadata

// AdapterErrorKind classifies upstream failures.
type AdapterErrorKind string

const (
	AdapterErrTimeout        AdapterErrorKind = "timeout"
	AdapterErrRateLimited    AdapterErrorKind = "rate_limited"
	AdapterErrNotFound       AdapterErrorKind = "not_found"
	AdapterErrInvalidRequest AdapterErrorKind = "invalid_request"
	AdapterErrUpstream       AdapterErrorKind = "upstream_error"
)

// AdapterError is the typed failure returned by source adapter calls.
type AdapterError struct {
	Source  string
	Kind    AdapterErrorKind
	Message string
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Source, e.Kind, e.Message)
}

// Transient reports whether the failure is worth retrying.
func (e *AdapterError) Transient() bool {
	switch e.Kind {
	case AdapterErrTimeout, AdapterErrRateLimited, AdapterErrUpstream:
		return true
	default:
		return false
	}
}

// NewAdapterError builds a typed adapter failure.
func NewAdapterError(source string, kind AdapterErrorKind, message string) *AdapterError {
	return &AdapterError{
		Source:  strings.TrimSpace(source),
		Kind:    kind,
		Message: message,
	}
}

// AsAdapterError unwraps err into an AdapterError if it carries one.
func AsAdapterError(err error) (*AdapterError, bool) {
	var ae *AdapterError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}
