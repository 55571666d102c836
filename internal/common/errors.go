// Package common defines the sentinel errors shared by the calendar engine,
// its storage layer and the HTTP API. Callers should use errors.Is to match
// these values; producers wrap them with fmt.Errorf("...: %w", ...).
package common

import "errors"

var (
	// Repository-level errors.
	ErrorNotFound      = errors.New("not found")
	ErrorAlreadyExists = errors.New("already exists")

	// Service-level errors.
	ErrorInternal   = errors.New("internal error")
	ErrorForbidden  = errors.New("forbidden")
	ErrorConflict   = errors.New("conflict")
	ErrorValidation = errors.New("validation error")

	// Recurrence rule errors.
	ErrInvalidRule     = errors.New("invalid recurrence rule")
	ErrUnsupportedRule = errors.New("unsupported recurrence rule")
)
