// Package external declares the interfaces this pipeline consumes but does
// not implement: the source-control fetcher, the review-model client, and
// the notification provider. The only implementations in this repository
// are the in-memory fakes in this package, used both by the tests and by
// cmd/worker.
package external

import (
	"context"
	"time"
)

// FetchResult is the changed-files/diffs payload returned by Fetcher.
type FetchResult struct {
	ChangedFiles []string
	Diffs        map[string]string // file path -> unified diff
}

// Fetcher expands a changelist into changed files and diffs. Allow-list
// enforcement and safe subprocess execution are the fetcher's contract,
// not this pipeline's.
type Fetcher interface {
	Fetch(ctx context.Context, changelistID string, allowList []string) (FetchResult, error)
}

// ModelClient turns a diff into a raw review response payload.
type ModelClient interface {
	Review(ctx context.Context, prompt, diff string, deadline time.Time) ([]byte, error)
}

// NotificationPayload is the per-recipient send request.
type NotificationPayload struct {
	ChangelistID  string
	Recipient     string
	ReviewVersion int
}

// LookupResult is the provider's answer to an idempotency-token lookup.
type LookupResult struct {
	Delivered bool
	MessageID string
}

// NotificationProvider sends per-recipient notifications and supports
// idempotency-token lookup for outbox reconciliation.
type NotificationProvider interface {
	Send(ctx context.Context, payload NotificationPayload, idempotencyToken string) (messageID string, err error)
	Lookup(ctx context.Context, idempotencyToken string) (LookupResult, error)
}

// PermanentError marks a notification send failure as non-retryable
// (invalid recipient, policy rejection) — the outbox row is routed to
// failed_permanent rather than retried.
type PermanentError struct {
	Reason string
}

func (e PermanentError) Error() string {
	return e.Reason
}
