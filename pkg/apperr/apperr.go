// Package apperr defines the error taxonomy shared by the fleetauth services
// and the HTTP layer. Callers classify errors with errors.Is / errors.As.
package apperr

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	ErrValidation     = errors.New("validation failed")
	ErrAuthentication = errors.New("invalid api key")
	ErrForbidden      = errors.New("forbidden")
	ErrRateLimited    = errors.New("rate limit exceeded")
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("conflict")
	ErrTrustGate      = errors.New("trust gate rejected credential")
)

// ValidationError carries field-level detail for a malformed request.
type ValidationError struct {
	Reason string
	Fields map[string]string
}

// Validation builds a ValidationError for a single field.
func Validation(field, msg string) *ValidationError {
	return &ValidationError{Reason: msg, Fields: map[string]string{field: msg}}
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Add records another field problem and returns the receiver.
func (e *ValidationError) Add(field, msg string) *ValidationError {
	if e.Fields == nil {
		e.Fields = map[string]string{}
	}
	e.Fields[field] = msg
	if e.Reason == "" {
		e.Reason = msg
	}
	return e
}

// GateRejection is returned when the trust gate does not approve a credential.
// It is a validation-class failure and guarantees nothing was persisted.
type GateRejection struct {
	Reason    string
	Reachable bool
	LatencyMS int64
}

func (e *GateRejection) Error() string {
	return "trust gate rejected credential: " + e.Reason
}

func (e *GateRejection) Is(target error) bool {
	return target == ErrTrustGate || target == ErrValidation
}

// RateLimitError reports when the caller may try again.
type RateLimitError struct {
	Bucket  string
	ResetAt time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s until %s", e.Bucket, e.ResetAt.UTC().Format(time.RFC3339))
}

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }
