// Package apperr holds the error kinds shared by the ledger, its storage
// engines and the request handlers.
package apperr

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when the referenced account or profile is absent.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a conditional write lost a race or a create
	// collided with an existing row.
	ErrConflict = errors.New("conflict")

	// ErrInsufficientFunds is returned when an adjustment would make a balance negative.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrBadRequest is returned for malformed caller input.
	ErrBadRequest = errors.New("bad request")

	// ErrForbidden is returned when the caller is known but not allowed.
	ErrForbidden = errors.New("forbidden")

	// ErrUnauthorized is returned when the caller has no valid identity.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrStorageUnavailable is returned for any backing store failure.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// Wrap attaches a message to one of the sentinel kinds.
func Wrap(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}

// Storage wraps err as ErrStorageUnavailable unless it already carries one of
// the expected kinds.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsExpected(err) || errors.Is(err, ErrStorageUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrStorageUnavailable, op, err)
}

// IsExpected reports whether err is an outcome callers are expected to handle
// (as opposed to an infrastructure failure).
func IsExpected(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrBadRequest) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrUnauthorized)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

func IsInsufficientFunds(err error) bool {
	return errors.Is(err, ErrInsufficientFunds)
}

func IsStorageUnavailable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable)
}

// Classify returns a short label for err, used in metrics and logs.
func Classify(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrBadRequest):
		return "bad_request"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrStorageUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return "storage_unavailable"
	default:
		return "internal"
	}
}
