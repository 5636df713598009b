// Package apperr defines the error kinds surfaced by stock mutations.
//
// Every failure returned from a service operation wraps exactly one of the
// sentinel errors below, so transports classify with errors.Is and never by
// matching message text.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrValidation        = errors.New("validation error")
	ErrOutOfStock        = errors.New("out of stock")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrConflict          = errors.New("conflict")
	ErrNotFound          = errors.New("not found")
	ErrPermissionDenied  = errors.New("permission denied")

	// ErrInsufficientStock is returned by adjustments that would drive a
	// quantity below zero. It matches ErrOutOfStock as well.
	ErrInsufficientStock = fmt.Errorf("insufficient stock: %w", ErrOutOfStock)
)

// Validation wraps ErrValidation with a formatted detail.
func Validation(format string, args ...any) error {
	return wrap(ErrValidation, format, args...)
}

// OutOfStock wraps ErrOutOfStock with a formatted detail.
func OutOfStock(format string, args ...any) error {
	return wrap(ErrOutOfStock, format, args...)
}

// InsufficientStock wraps ErrInsufficientStock with a formatted detail.
func InsufficientStock(format string, args ...any) error {
	return wrap(ErrInsufficientStock, format, args...)
}

// InvalidTransition wraps ErrInvalidTransition with a formatted detail.
func InvalidTransition(format string, args ...any) error {
	return wrap(ErrInvalidTransition, format, args...)
}

// NotFound wraps ErrNotFound with a formatted detail.
func NotFound(format string, args ...any) error {
	return wrap(ErrNotFound, format, args...)
}

// PermissionDenied wraps ErrPermissionDenied with a formatted detail.
func PermissionDenied(format string, args ...any) error {
	return wrap(ErrPermissionDenied, format, args...)
}

// Conflict wraps ErrConflict with a formatted detail.
func Conflict(format string, args ...any) error {
	return wrap(ErrConflict, format, args...)
}

func wrap(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}

// Kind returns the sentinel an error wraps, or nil for unclassified errors.
func Kind(err error) error {
	for _, kind := range []error{
		ErrValidation,
		ErrInsufficientStock,
		ErrOutOfStock,
		ErrInvalidTransition,
		ErrConflict,
		ErrNotFound,
		ErrPermissionDenied,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// Reason is the short, user-facing name of the failure.
func Reason(err error) string {
	switch Kind(err) {
	case ErrValidation:
		return "ValidationError"
	case ErrInsufficientStock:
		return "InsufficientStock"
	case ErrOutOfStock:
		return "OutOfStock"
	case ErrInvalidTransition:
		return "InvalidTransition"
	case ErrConflict:
		return "Conflict"
	case ErrNotFound:
		return "NotFound"
	case ErrPermissionDenied:
		return "PermissionDenied"
	default:
		return "InternalError"
	}
}
