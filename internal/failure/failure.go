// Package failure classifies errors into the stable error_class wire
// identifiers of spec.md §4.6 and implements dead-letter write and replay.
package failure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rezkam/reviewcore/internal/domain"
	"github.com/rezkam/reviewcore/internal/store"
)

func marshalContext(ctx map[string]string) ([]byte, error) {
	if ctx == nil {
		ctx = map[string]string{}
	}
	return json.Marshal(ctx)
}

// RetryableError wraps an underlying error with its classification,
// mirroring the teacher's sentinel-wrapper pattern so callers can
// errors.As into it without string-matching error messages.
type RetryableError struct {
	Class ErrorClassifier
	Err   error
}

// ErrorClassifier pairs a stable error_class with an optional Retry-After
// hint surfaced by the upstream.
type ErrorClassifier struct {
	Class      domain.ErrorClass
	RetryAfter time.Duration
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("%s: %v", e.Class.Class, e.Err)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// PanicError wraps a recovered panic value so it can flow through the same
// classification and dead-letter path as an ordinary error. Stack holds the
// goroutine stack captured at the recover site, for RedactedStack.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic recovered: %v", e.Value)
}

// JobCancelled signals a cooperative cancellation due to lost lease
// ownership; it is never dead-lettered, only logged and discarded.
var JobCancelled = errors.New("failure: job cancelled, lease lost")

// Classify maps err to its stable error_class identifier. Unrecognized
// errors classify as INVARIANT_VIOLATION, the non-retryable catch-all for
// internal bugs.
func Classify(err error) ErrorClassifier {
	var re *RetryableError
	if errors.As(err, &re) {
		return re.Class
	}
	return ErrorClassifier{Class: domain.ErrInvariantViolation}
}

// Pipeline writes dead letters and orchestrates replay.
type Pipeline struct {
	db store.Store
}

// New returns a Pipeline backed by db.
func New(db store.Store) *Pipeline {
	return &Pipeline{db: db}
}

// DeadLetterContext carries the sanitized, already-redacted context
// persisted alongside a dead letter — never secrets or raw PII.
type DeadLetterContext struct {
	Stage            domain.Stage
	ErrorClass       domain.ErrorClass
	RedactedStack    string
	SanitizedContext map[string]string
	AttemptCount     int
}

// Write records a new open dead letter for jobID. Every call inserts a new
// row; an existing open record for the same job and stage is not merged or
// updated.
func (p *Pipeline) Write(ctx context.Context, jobID string, dlCtx DeadLetterContext) (string, error) {
	now := time.Now().UTC()
	dlID := uuid.NewString()

	contextJSON, err := marshalContext(dlCtx.SanitizedContext)
	if err != nil {
		return "", err
	}

	_, err = p.db.Exec(ctx, `
		INSERT INTO dead_letters (dl_id, job_id, stage, error_class, last_stack, sanitized_context,
		                          first_failure_at, last_failure_at, attempt_count, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7, $8, $9)`,
		dlID, jobID, string(dlCtx.Stage), string(dlCtx.ErrorClass), dlCtx.RedactedStack, contextJSON,
		now, dlCtx.AttemptCount, string(domain.DeadLetterOpen))
	if err != nil {
		return "", fmt.Errorf("write dead letter: %w", err)
	}
	return dlID, nil
}

// ReplayRequest parameterizes an operator-initiated replay.
type ReplayRequest struct {
	DLID                   string
	RestartMode            domain.RestartMode
	RemediationEvidenceRef string
}

// Replay re-enters the pipeline for the dead-lettered job. Guard: replay
// requires a non-empty remediation evidence reference. The actual stage
// re-entry is driven by the caller (service.Replay), which re-enqueues a
// WorkItem per RestartMode; Replay itself only manages DeadLetter state.
func (p *Pipeline) Replay(ctx context.Context, req ReplayRequest) error {
	if req.RemediationEvidenceRef == "" {
		return domain.ErrReplayGuard
	}

	return p.db.Transaction(ctx, "failure.replay", func(ctx context.Context, tx store.Store) error {
		affected, err := tx.Exec(ctx, `
			UPDATE dead_letters
			SET status = $1, remediation_evidence_ref = $2
			WHERE dl_id = $3 AND status IN ($4, $5)`,
			string(domain.DeadLetterReplaying), req.RemediationEvidenceRef, req.DLID,
			string(domain.DeadLetterOpen), string(domain.DeadLetterReopened))
		if err != nil {
			return err
		}
		if affected == 0 {
			return domain.ErrNotFound
		}
		return nil
	})
}

// Resolve marks a dead letter resolved after a successful replay.
func (p *Pipeline) Resolve(ctx context.Context, dlID string) error {
	_, err := p.db.Exec(ctx, `UPDATE dead_letters SET status = $1 WHERE dl_id = $2`, string(domain.DeadLetterResolved), dlID)
	return err
}

// Reopen marks a dead letter reopened when a replay fails with the same
// non-retryable error_class it was originally dead-lettered with, and
// escalates it for operator attention.
func (p *Pipeline) Reopen(ctx context.Context, dlID string, lastFailureAt time.Time) error {
	_, err := p.db.Exec(ctx, `
		UPDATE dead_letters SET status = $1, last_failure_at = $2, attempt_count = attempt_count + 1
		WHERE dl_id = $3`, string(domain.DeadLetterReopened), lastFailureAt, dlID)
	return err
}

// ListFilter narrows ListDeadLetters by stage/error_class/status.
type ListFilter struct {
	Stage      domain.Stage
	ErrorClass domain.ErrorClass
	Status     domain.DeadLetterStatus
}

// List returns dead letters matching filter, indexed by (error_class, stage)
// for operator triage.
func (p *Pipeline) List(ctx context.Context, filter ListFilter) ([]domain.DeadLetter, error) {
	query := `SELECT dl_id, job_id, stage, error_class, last_stack, first_failure_at,
	                 last_failure_at, attempt_count, status, remediation_evidence_ref
	          FROM dead_letters WHERE 1=1`
	var args []any
	n := 0
	addFilter := func(col string, val any) {
		n++
		query += fmt.Sprintf(" AND %s = $%d", col, n)
		args = append(args, val)
	}
	if filter.Stage != "" {
		addFilter("stage", string(filter.Stage))
	}
	if filter.ErrorClass != "" {
		addFilter("error_class", string(filter.ErrorClass))
	}
	if filter.Status != "" {
		addFilter("status", string(filter.Status))
	}
	query += " ORDER BY last_failure_at DESC"

	rows, err := p.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.DeadLetter
	for rows.Next() {
		var dl domain.DeadLetter
		var stage, errClass, status string
		if err := rows.Scan(&dl.DLID, &dl.JobID, &stage, &errClass, &dl.LastStack,
			&dl.FirstFailureAt, &dl.LastFailureAt, &dl.AttemptCount, &status, &dl.RemediationEvidenceRef); err != nil {
			return nil, err
		}
		dl.Stage = domain.Stage(stage)
		dl.ErrorClass = domain.ErrorClass(errClass)
		dl.Status = domain.DeadLetterStatus(status)
		out = append(out, dl)
	}
	return out, rows.Err()
}
