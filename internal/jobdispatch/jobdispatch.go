// Package jobdispatch creates jobs with idempotency-key dedupe and gates
// versioned reruns against a changelist's prior terminal job state.
package jobdispatch

import (
	"context"

	"github.com/google/uuid"
	"github.com/rezkam/reviewcore/internal/domain"
	"github.com/rezkam/reviewcore/internal/store"
)

// Dispatcher implements create_job / request_rerun / finalize.
type Dispatcher struct {
	db store.Store
}

// New returns a Dispatcher backed by db.
func New(db store.Store) *Dispatcher {
	return &Dispatcher{db: db}
}

// CreateJob inserts a new job keyed by idempotencyKey; a duplicate key
// returns the pre-existing job rather than erroring or inserting twice.
func (d *Dispatcher) CreateJob(ctx context.Context, idempotencyKey, changelistID string, reviewVersion int) (domain.Job, error) {
	var job domain.Job
	err := d.db.Transaction(ctx, "jobdispatch.create_job", func(ctx context.Context, tx store.Store) error {
		if existing, err := selectByIdempotencyKey(ctx, tx, idempotencyKey); err == nil {
			job = existing
			return nil
		} else if err != store.ErrNoRows {
			return err
		}

		jobID := uuid.NewString()
		_, err := tx.Exec(ctx, `
			INSERT INTO jobs (job_id, idempotency_key, changelist_id, review_version, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, now(), now())
			ON CONFLICT (idempotency_key) DO NOTHING`,
			jobID, idempotencyKey, changelistID, reviewVersion, string(domain.JobPending))
		if err != nil {
			return err
		}

		existing, err := selectByIdempotencyKey(ctx, tx, idempotencyKey)
		if err != nil {
			return err
		}
		job = existing
		return nil
	})
	return job, err
}

// RerunOutcome is the result of RequestRerun.
type RerunOutcome struct {
	Job     domain.Job
	Allowed bool
	Reason  string
}

// RequestRerun permits a rerun only when the most recent terminal job for
// changelistID succeeded and newReviewVersion strictly exceeds its version.
// A same-version re-request against a succeeded job is a no-op returning
// the prior job. Reruns against a non-succeeded terminal job require a
// distinct idempotencyKey not previously used. If the changelist's most
// recent job hasn't reached a terminal status at all, the rerun is blocked
// outright; re-entering that changelist requires CreateJob with a fresh
// idempotency key instead.
func (d *Dispatcher) RequestRerun(ctx context.Context, changelistID string, newReviewVersion int, idempotencyKey string) (RerunOutcome, error) {
	var outcome RerunOutcome
	err := d.db.Transaction(ctx, "jobdispatch.request_rerun", func(ctx context.Context, tx store.Store) error {
		mostRecent, err := selectMostRecentByChangelist(ctx, tx, changelistID)
		if err != nil && err != store.ErrNoRows {
			return err
		}
		if err == nil && !mostRecent.Status.IsTerminal() {
			outcome = RerunOutcome{Reason: "prior review in progress"}
			return nil
		}

		latest, err := selectLatestByChangelist(ctx, tx, changelistID)
		if err != nil && err != store.ErrNoRows {
			return err
		}

		if err == store.ErrNoRows {
			job, cerr := d.createJobLocked(ctx, tx, idempotencyKey, changelistID, newReviewVersion)
			if cerr != nil {
				return cerr
			}
			outcome = RerunOutcome{Job: job, Allowed: true}
			return nil
		}

		if latest.Status != domain.JobSucceeded {
			if idempotencyKey == "" {
				outcome = RerunOutcome{Reason: "rerun on non-succeeded job requires a distinct idempotency key"}
				return nil
			}
			if existing, eerr := selectByIdempotencyKey(ctx, tx, idempotencyKey); eerr == nil {
				outcome = RerunOutcome{Job: existing, Allowed: true}
				return nil
			} else if eerr != store.ErrNoRows {
				return eerr
			}
			job, cerr := d.createJobLocked(ctx, tx, idempotencyKey, changelistID, newReviewVersion)
			if cerr != nil {
				return cerr
			}
			outcome = RerunOutcome{Job: job, Allowed: true}
			return nil
		}

		if newReviewVersion == latest.ReviewVersion {
			outcome = RerunOutcome{Job: latest, Allowed: true, Reason: "no-op: same version already succeeded"}
			return nil
		}
		if newReviewVersion < latest.ReviewVersion {
			outcome = RerunOutcome{Reason: "new_review_version must strictly exceed the latest succeeded version"}
			return nil
		}

		job, cerr := d.createJobLocked(ctx, tx, idempotencyKey, changelistID, newReviewVersion)
		if cerr != nil {
			return cerr
		}
		outcome = RerunOutcome{Job: job, Allowed: true}
		return nil
	})
	return outcome, err
}

func (d *Dispatcher) createJobLocked(ctx context.Context, tx store.Store, idempotencyKey, changelistID string, reviewVersion int) (domain.Job, error) {
	if idempotencyKey == "" {
		idempotencyKey = uuid.NewString()
	}
	jobID := uuid.NewString()
	_, err := tx.Exec(ctx, `
		INSERT INTO jobs (job_id, idempotency_key, changelist_id, review_version, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now(), now())
		ON CONFLICT (idempotency_key) DO NOTHING`,
		jobID, idempotencyKey, changelistID, reviewVersion, string(domain.JobPending))
	if err != nil {
		return domain.Job{}, err
	}
	return selectByIdempotencyKey(ctx, tx, idempotencyKey)
}

// Finalize performs the terminal transition for jobID. The update is keyed
// on job_id alone; no ownership predicate is applied. A transition to
// succeeded is only permitted once every outbox entry for the job's
// (changelist_id, review_version) has notified_at set. A transition to
// partially_succeeded is only permitted once no such entry is still
// pending; a failed_permanent row does not block it, since it is a settled
// outcome rather than an outstanding one (the caller, not this guard,
// decides whether that mix warrants partially_succeeded).
func (d *Dispatcher) Finalize(ctx context.Context, jobID string, outcome domain.JobStatus) error {
	return d.db.Transaction(ctx, "jobdispatch.finalize", func(ctx context.Context, tx store.Store) error {
		job, err := selectByID(ctx, tx, jobID)
		if err != nil {
			return err
		}

		if outcome == domain.JobSucceeded || outcome == domain.JobPartiallySucceeded {
			row := tx.QueryRow(ctx, `
				SELECT count(*) FROM outbox
				WHERE changelist_id = $1 AND review_version = $2 AND status = $3`,
				job.ChangelistID, job.ReviewVersion, string(domain.OutboxPending))
			if outcome == domain.JobSucceeded {
				row = tx.QueryRow(ctx, `
					SELECT count(*) FROM outbox
					WHERE changelist_id = $1 AND review_version = $2 AND notified_at IS NULL`,
					job.ChangelistID, job.ReviewVersion)
			}
			var pending int64
			if err := row.Scan(&pending); err != nil {
				return err
			}
			if pending > 0 {
				return domain.ErrFinalizeIncomplete
			}
		}

		_, err = tx.Exec(ctx, `
			UPDATE jobs SET status = $1, updated_at = now() WHERE job_id = $2`,
			string(outcome), jobID)
		return err
	})
}

func selectByIdempotencyKey(ctx context.Context, tx store.Store, key string) (domain.Job, error) {
	row := tx.QueryRow(ctx, `
		SELECT job_id, idempotency_key, changelist_id, review_version, status, result_ref, created_at, updated_at
		FROM jobs WHERE idempotency_key = $1`, key)
	return scanJob(row)
}

func selectByID(ctx context.Context, tx store.Store, jobID string) (domain.Job, error) {
	row := tx.QueryRow(ctx, `
		SELECT job_id, idempotency_key, changelist_id, review_version, status, result_ref, created_at, updated_at
		FROM jobs WHERE job_id = $1`, jobID)
	return scanJob(row)
}

// selectMostRecentByChangelist returns the changelist's job with the highest
// review_version regardless of status, used to detect an in-flight job that
// request_rerun must block on before ever consulting the terminal-job
// decision table.
func selectMostRecentByChangelist(ctx context.Context, tx store.Store, changelistID string) (domain.Job, error) {
	row := tx.QueryRow(ctx, `
		SELECT job_id, idempotency_key, changelist_id, review_version, status, result_ref, created_at, updated_at
		FROM jobs WHERE changelist_id = $1
		ORDER BY review_version DESC LIMIT 1`,
		changelistID)
	return scanJob(row)
}

func selectLatestByChangelist(ctx context.Context, tx store.Store, changelistID string) (domain.Job, error) {
	row := tx.QueryRow(ctx, `
		SELECT job_id, idempotency_key, changelist_id, review_version, status, result_ref, created_at, updated_at
		FROM jobs WHERE changelist_id = $1 AND status IN ($2, $3, $4)
		ORDER BY review_version DESC LIMIT 1`,
		changelistID, string(domain.JobSucceeded), string(domain.JobFailed), string(domain.JobPartiallySucceeded))
	return scanJob(row)
}

func scanJob(row store.Row1) (domain.Job, error) {
	var j domain.Job
	var status string
	if err := row.Scan(&j.JobID, &j.IdempotencyKey, &j.ChangelistID, &j.ReviewVersion, &status, &j.ResultRef, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return domain.Job{}, err
	}
	j.Status = domain.JobStatus(status)
	return j, nil
}
