package domain

import "errors"

// Sentinel errors returned by store-backed lookups and value-object
// constructors across the review pipeline.
var (
	// ErrNotFound is returned when a lookup finds no matching row.
	ErrNotFound = errors.New("domain: not found")

	// ErrLeaseLost is returned when an owner-guarded update affects zero
	// rows because the caller is no longer the current owner, or the row
	// left the state the caller expected it in.
	ErrLeaseLost = errors.New("domain: lease lost or ownership mismatch")

	// ErrRerunBlocked is returned by request_rerun when the target job is
	// not eligible for a rerun under the requested version.
	ErrRerunBlocked = errors.New("domain: rerun blocked")

	// ErrFinalizeIncomplete is returned when finalize(succeeded) is
	// attempted before every required outbox entry has notified_at set, or
	// finalize(partially_succeeded) while an outbox entry is still pending.
	ErrFinalizeIncomplete = errors.New("domain: outbox entries pending, cannot finalize as succeeded")

	// ErrEmptyValue is returned by value-object constructors given an
	// empty required string.
	ErrEmptyValue = errors.New("domain: value must not be empty")

	// ErrInvalidEnum is returned by value-object constructors given a
	// value outside the allowed enum set.
	ErrInvalidEnum = errors.New("domain: value is not a member of the allowed set")

	// ErrInvalidRange is returned by value-object constructors given a
	// numeric value outside its allowed range.
	ErrInvalidRange = errors.New("domain: value out of range")

	// ErrReplayGuard is returned when replay is attempted without a
	// remediation evidence reference.
	ErrReplayGuard = errors.New("domain: replay requires a non-empty remediation evidence reference")
)
