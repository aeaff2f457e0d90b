// Package errs defines the abstract error taxonomy from spec.md §7.
//
// Every sentinel here maps to one of the nine abstract kinds. Callers
// use errors.Is against these sentinels; internal errors are wrapped
// with fmt.Errorf("...: %w", Sentinel) so context survives while the
// taxonomy stays checkable, matching the wrapping convention used
// throughout the teacher's guardian/budget/store packages.
package errs

import "errors"

var (
	// ErrInvalidInput: malformed pubkey/method/URL/content length.
	// Surfaced to the caller; never audited (spec.md §7).
	ErrInvalidInput = errors.New("invalid_input")

	// ErrUnauthorized: unauthorized NIP-46 client, kill-switch active,
	// caller verification mismatch. Audited as automatic deny.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited: per-client or global rate limit hit. Audited as
	// automatic deny.
	ErrRateLimited = errors.New("rate_limited")

	// ErrVelocityExceeded: hour/day/week cap exceeded. Audited as
	// automatic deny.
	ErrVelocityExceeded = errors.New("velocity_exceeded")

	// ErrCapacityExhausted: approval registry full. Audited as
	// automatic deny; caller sees a generic "try later".
	ErrCapacityExhausted = errors.New("capacity_exhausted")

	// ErrTimeout: approval wait exceeded 60s. Audited as automatic
	// deny.
	ErrTimeout = errors.New("timeout")

	// ErrUserRejected: interactive deny. Audited as interactive deny.
	ErrUserRejected = errors.New("user_rejected")

	// ErrDependencyUnavailable: signer, permission store, or transport
	// missing/erroring. Surfaced as a generic "not_initialized"; never
	// audited.
	ErrDependencyUnavailable = errors.New("not_initialized")

	// ErrIntegrityFailure: audit chain verification failed. Surfaced
	// to the operator; does not block new appends.
	ErrIntegrityFailure = errors.New("integrity_failure")
)

// PublicMessage returns the generic, caller-safe string for an error
// produced by this package. Detailed reasons live only in the audit/
// permissions path, never in what a caller receives (spec.md §7).
func PublicMessage(err error) string {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrVelocityExceeded):
		return "velocity_exceeded"
	case errors.Is(err, ErrCapacityExhausted):
		return "try_later"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrUserRejected):
		return "rejected"
	case errors.Is(err, ErrIntegrityFailure):
		return "integrity_failure"
	default:
		return "not_initialized"
	}
}
