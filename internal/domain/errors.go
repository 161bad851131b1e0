package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrForbidden           = errors.New("forbidden")
	ErrNotFound            = errors.New("resource not found")
	ErrUnknownKind         = errors.New("unknown report kind")
	ErrInvalidParams       = errors.New("invalid report params")
	ErrDuplicateToken      = errors.New("duplicate report token")
	ErrQueueUnavailable    = errors.New("report queue unavailable")
	ErrIdempotencyConflict = errors.New("idempotency conflict")
	ErrNotRetryable        = errors.New("report request is not retryable")
)

// GenerationError is returned by a generation attempt whose failure has already
// been recorded on the request (or at least attempted to be).
type GenerationError struct {
	RequestID string
	Kind      string
	Err       error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generate report %s (kind=%s): %v", e.RequestID, e.Kind, e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}
