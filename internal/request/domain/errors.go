package domain

import (
	"errors"
	"fmt"
)

// Error kinds. Specific errors wrap one of these so callers can branch with errors.Is.
var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
	ErrForbidden  = errors.New("forbidden")
	ErrConflict   = errors.New("conflict")
	ErrDependency = errors.New("dependency failed")
)

var (
	ErrRequestNotFound   = fmt.Errorf("%w: service request", ErrNotFound)
	ErrNotNotified       = fmt.Errorf("%w: provider was never offered this request", ErrForbidden)
	ErrNotOwner          = fmt.Errorf("%w: request belongs to another seeker", ErrForbidden)
	ErrTerminal          = fmt.Errorf("%w: request is no longer active", ErrConflict)
	ErrNotMatched        = fmt.Errorf("%w: request is not open for acceptance", ErrConflict)
	ErrAlreadyAccepted   = fmt.Errorf("%w: already accepted by another provider", ErrConflict)
	ErrRequestExpired    = fmt.Errorf("%w: request expired", ErrConflict)
	ErrAcceptedCancel    = fmt.Errorf("%w: accepted requests must be cancelled through their order", ErrConflict)
	ErrIdempotencyReuse  = fmt.Errorf("%w: idempotency key reused with a different payload", ErrConflict)
	ErrConcurrentUpdate  = fmt.Errorf("%w: request was modified concurrently", ErrConflict)
	ErrNotExpired        = fmt.Errorf("%w: request has not reached its expiry", ErrConflict)
	ErrNoMatchingListing = fmt.Errorf("%w: provider has no active listing for this category", ErrValidation)
)

// Store level errors. Services translate these into the kinds above.
var (
	ErrConditionFailed = errors.New("store: condition not met")
	ErrDuplicateKey    = errors.New("store: duplicate idempotency key")
)

// Kind returns the error kind sentinel err wraps, or nil for unclassified errors.
func Kind(err error) error {
	for _, kind := range []error{ErrValidation, ErrNotFound, ErrForbidden, ErrConflict, ErrDependency} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// Dependency wraps a collaborator failure.
func Dependency(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrDependency, op, err)
}
