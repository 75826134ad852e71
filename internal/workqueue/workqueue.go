// Package workqueue implements the durable, lease-based work queue that
// coordinates fetch/llm/notify stage processing across independent worker
// processes, with the Postgres store as the sole coordination medium.
package workqueue

import (
	"context"
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/rezkam/reviewcore/internal/domain"
	"github.com/rezkam/reviewcore/internal/store"
)

// WorkQueue exposes enqueue/claim/heartbeat/finalize/sweep over a Store.
type WorkQueue struct {
	db store.Store
}

// New returns a WorkQueue backed by db.
func New(db store.Store) *WorkQueue {
	return &WorkQueue{db: db}
}

// Enqueue inserts a new queued work item for jobID's stage.
func (q *WorkQueue) Enqueue(ctx context.Context, jobID string, stage domain.Stage, payload []byte, priority int, runAt time.Time) (string, error) {
	workID := uuid.NewString()
	_, err := q.db.Exec(ctx, `
		INSERT INTO work_queue (work_id, job_id, stage, payload, status, priority, run_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())`,
		workID, jobID, string(stage), payload, string(domain.WorkQueued), priority, runAt)
	if err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	return workID, nil
}

// Claim atomically transitions the highest-priority, earliest eligible
// queued row to running, ordered priority DESC, created_at ASC. Returns
// (nil, nil) if no row is eligible.
func (q *WorkQueue) Claim(ctx context.Context, workerID string, leaseDuration time.Duration) (*domain.WorkItem, error) {
	var item *domain.WorkItem
	err := q.db.Transaction(ctx, "workqueue.claim", func(ctx context.Context, tx store.Store) error {
		row := tx.QueryRow(ctx, `
			SELECT work_id, job_id, stage, payload, status, priority, run_at,
			       claimed_by, lease_expires_at, attempt_count, last_error_class,
			       created_at, started_at, updated_at
			FROM work_queue
			WHERE status = $1 AND run_at <= now()
			ORDER BY priority DESC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED`, string(domain.WorkQueued))

		wi, err := scanWorkItem(row)
		if err != nil {
			if err == store.ErrNoRows {
				return nil
			}
			return err
		}

		affected, err := tx.Exec(ctx, `
			UPDATE work_queue
			SET status = $1, claimed_by = $2, lease_expires_at = now() + make_interval(secs => $3),
			    started_at = COALESCE(started_at, now()), updated_at = now()
			WHERE work_id = $4 AND status = $5`,
			string(domain.WorkRunning), workerID, leaseDuration.Seconds(), wi.WorkID, string(domain.WorkQueued))
		if err != nil {
			return err
		}
		if affected == 0 {
			// Someone else claimed it between the select and the update; the
			// caller simply sees no eligible row this round.
			return nil
		}

		wi.Status = domain.WorkRunning
		wi.ClaimedBy = workerID
		wi.LeaseExpiresAt = time.Now().UTC().Add(leaseDuration)
		item = wi
		return nil
	})
	return item, err
}

// Heartbeat renews the lease for work_id, guarded by (work_id, worker_id,
// status=running). Returns false if the lease was already lost.
func (q *WorkQueue) Heartbeat(ctx context.Context, workID, workerID string, leaseDuration time.Duration) (bool, error) {
	affected, err := q.db.Exec(ctx, `
		UPDATE work_queue
		SET lease_expires_at = now() + make_interval(secs => $1), updated_at = now()
		WHERE work_id = $2 AND claimed_by = $3 AND status = $4`,
		leaseDuration.Seconds(), workID, workerID, string(domain.WorkRunning))
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// Complete performs the owner-guarded terminal transition to completed.
func (q *WorkQueue) Complete(ctx context.Context, workID, workerID string) (bool, error) {
	affected, err := q.db.Exec(ctx, `
		UPDATE work_queue
		SET status = $1, updated_at = now()
		WHERE work_id = $2 AND claimed_by = $3 AND status = $4`,
		string(domain.WorkCompleted), workID, workerID, string(domain.WorkRunning))
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// FailResult reports the outcome of a Fail call: whether the caller was
// still the owner (OK) and whether the attempt budget was exhausted,
// meaning the row reached the terminal failed state rather than being
// requeued for another attempt.
type FailResult struct {
	OK       bool
	Terminal bool
}

// Fail performs the owner-guarded terminal-or-retry transition for a
// failed attempt. If errClass is retryable and the stage's attempt budget
// is not exhausted, the row is requeued at a computed run_at instead of
// being marked permanently failed; any other case reaches the terminal
// failed state and FailResult.Terminal reports that to the caller, which
// drives the FailurePipeline dead-letter write.
func (q *WorkQueue) Fail(ctx context.Context, workID, workerID string, errClass domain.ErrorClass, policy domain.RetryPolicy, retryAfter time.Duration) (FailResult, error) {
	var result FailResult
	err := q.db.Transaction(ctx, "workqueue.fail", func(ctx context.Context, tx store.Store) error {
		row := tx.QueryRow(ctx, `
			SELECT attempt_count FROM work_queue
			WHERE work_id = $1 AND claimed_by = $2 AND status = $3
			FOR UPDATE`, workID, workerID, string(domain.WorkRunning))

		var attempts int
		if err := row.Scan(&attempts); err != nil {
			if err == store.ErrNoRows {
				return nil
			}
			return err
		}
		attempts++

		if errClass.Retryable() && attempts < policy.MaxAttempts {
			delay := ComputeBackoff(attempts, policy, retryAfter)
			affected, err := tx.Exec(ctx, `
				UPDATE work_queue
				SET status = $1, claimed_by = '', lease_expires_at = NULL,
				    attempt_count = $2, last_error_class = $3,
				    run_at = now() + make_interval(secs => $4), updated_at = now()
				WHERE work_id = $5 AND claimed_by = $6 AND status = $7`,
				string(domain.WorkQueued), attempts, string(errClass), delay.Seconds(),
				workID, workerID, string(domain.WorkRunning))
			if err != nil {
				return err
			}
			result = FailResult{OK: affected > 0, Terminal: false}
			return nil
		}

		affected, err := tx.Exec(ctx, `
			UPDATE work_queue
			SET status = $1, attempt_count = $2, last_error_class = $3, updated_at = now()
			WHERE work_id = $4 AND claimed_by = $5 AND status = $6`,
			string(domain.WorkFailed), attempts, string(errClass), workID, workerID, string(domain.WorkRunning))
		if err != nil {
			return err
		}
		result = FailResult{OK: affected > 0, Terminal: true}
		return nil
	})
	return result, err
}

// RequeueExpired transitions every row whose lease has expired back to
// queued. Idempotent and safe to run concurrently with claims.
func (q *WorkQueue) RequeueExpired(ctx context.Context) (int64, error) {
	return q.db.Exec(ctx, `
		UPDATE work_queue
		SET status = $1, claimed_by = '', lease_expires_at = NULL, updated_at = now()
		WHERE status = $2 AND lease_expires_at <= now()`,
		string(domain.WorkQueued), string(domain.WorkRunning))
}

// ComputeBackoff implements full-jitter exponential backoff per spec.md
// §4.6: delay = rand(0, min(max_delay, initial_delay * multiplier^(attempt-1))),
// raised to retryAfter if the upstream supplied one, capped at 5 minutes.
func ComputeBackoff(attempt int, policy domain.RetryPolicy, retryAfter time.Duration) time.Duration {
	backoff := float64(policy.InitialDelay) * math.Pow(policy.Multiplier, float64(attempt-1))
	if max := float64(policy.MaxDelay); backoff > max {
		backoff = max
	}

	delay := policy.InitialDelay
	if maxJitter := int64(backoff); maxJitter > 0 {
		if jitter, err := rand.Int(rand.Reader, big.NewInt(maxJitter)); err == nil {
			delay = time.Duration(jitter.Int64())
		}
	}

	const retryAfterCap = 5 * time.Minute
	if retryAfter > 0 {
		if retryAfter > retryAfterCap {
			retryAfter = retryAfterCap
		}
		if retryAfter > delay {
			delay = retryAfter
		}
	}
	return delay
}

func scanWorkItem(row store.Row1) (*domain.WorkItem, error) {
	var wi domain.WorkItem
	var stage, status, lastErrClass, claimedBy string
	var leaseExpiresAt, startedAt *time.Time

	err := row.Scan(&wi.WorkID, &wi.JobID, &stage, &wi.Payload, &status, &wi.Priority, &wi.RunAt,
		&claimedBy, &leaseExpiresAt, &wi.AttemptCount, &lastErrClass,
		&wi.CreatedAt, &startedAt, &wi.UpdatedAt)
	if err != nil {
		return nil, err
	}

	wi.Stage = domain.Stage(stage)
	wi.Status = domain.WorkItemStatus(status)
	wi.LastErrorClass = domain.ErrorClass(lastErrClass)
	wi.ClaimedBy = claimedBy
	if leaseExpiresAt != nil {
		wi.LeaseExpiresAt = *leaseExpiresAt
	}
	if startedAt != nil {
		wi.StartedAt = *startedAt
	}
	return &wi, nil
}
