// Package service exposes the in-process service contract callers use to
// submit reviews, inspect jobs, request reruns, and manage dead letters.
// There is no CLI or HTTP surface in scope; every operation here is a
// plain Go method call.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rezkam/reviewcore/internal/domain"
	"github.com/rezkam/reviewcore/internal/failure"
	"github.com/rezkam/reviewcore/internal/jobdispatch"
	"github.com/rezkam/reviewcore/internal/store"
	"github.com/rezkam/reviewcore/internal/workqueue"
)

// Service wires JobDispatch, WorkQueue, and FailurePipeline behind the
// contract spec.md §6 exposes to callers.
type Service struct {
	db         store.Store
	dispatcher *jobdispatch.Dispatcher
	queue      *workqueue.WorkQueue
	pipeline   *failure.Pipeline
}

// New returns a Service over db.
func New(db store.Store) *Service {
	return &Service{
		db:         db,
		dispatcher: jobdispatch.New(db),
		queue:      workqueue.New(db),
		pipeline:   failure.New(db),
	}
}

// SubmitReview creates a job (or returns the existing one on a duplicate
// idempotency key) and enqueues its first-stage work item.
func (s *Service) SubmitReview(ctx context.Context, idempotencyKey, changelistID string, reviewVersion int, recipients []string) (domain.Job, error) {
	job, err := s.dispatcher.CreateJob(ctx, idempotencyKey, changelistID, reviewVersion)
	if err != nil {
		return domain.Job{}, fmt.Errorf("submit_review: %w", err)
	}

	if job.Status == domain.JobPending {
		// A duplicate idempotency key returns the existing pending job,
		// whose fetch stage is already queued.
		var queued int64
		if err := s.db.QueryRow(ctx, `SELECT count(*) FROM work_queue WHERE job_id = $1`, job.JobID).Scan(&queued); err != nil {
			return domain.Job{}, fmt.Errorf("submit_review: count work items: %w", err)
		}
		if queued > 0 {
			return job, nil
		}
		payload, err := encodeFetchPayload(job.JobID, changelistID, reviewVersion, recipients)
		if err != nil {
			return domain.Job{}, fmt.Errorf("submit_review: encode fetch payload: %w", err)
		}
		if _, err := s.queue.Enqueue(ctx, job.JobID, domain.StageFetch, payload, 0, time.Now().UTC()); err != nil {
			return domain.Job{}, fmt.Errorf("submit_review: enqueue fetch stage: %w", err)
		}
	}

	return job, nil
}

// GetJob returns the job identified by jobID.
func (s *Service) GetJob(ctx context.Context, jobID string) (domain.Job, error) {
	row := s.db.QueryRow(ctx, `
		SELECT job_id, idempotency_key, changelist_id, review_version, status, result_ref, created_at, updated_at
		FROM jobs WHERE job_id = $1`, jobID)

	var j domain.Job
	var status string
	if err := row.Scan(&j.JobID, &j.IdempotencyKey, &j.ChangelistID, &j.ReviewVersion, &status, &j.ResultRef, &j.CreatedAt, &j.UpdatedAt); err != nil {
		if err == store.ErrNoRows {
			return domain.Job{}, domain.ErrNotFound
		}
		return domain.Job{}, err
	}
	j.Status = domain.JobStatus(status)
	return j, nil
}

// RequestRerun delegates to JobDispatch.RequestRerun.
func (s *Service) RequestRerun(ctx context.Context, changelistID string, newReviewVersion int, idempotencyKey string) (jobdispatch.RerunOutcome, error) {
	outcome, err := s.dispatcher.RequestRerun(ctx, changelistID, newReviewVersion, idempotencyKey)
	if err != nil {
		return jobdispatch.RerunOutcome{}, fmt.Errorf("request_rerun: %w", err)
	}
	if outcome.Allowed && outcome.Job.Status == domain.JobPending {
		payload, err := encodeFetchPayload(outcome.Job.JobID, changelistID, newReviewVersion, nil)
		if err != nil {
			return jobdispatch.RerunOutcome{}, fmt.Errorf("request_rerun: encode fetch payload: %w", err)
		}
		if _, err := s.queue.Enqueue(ctx, outcome.Job.JobID, domain.StageFetch, payload, 0, time.Now().UTC()); err != nil {
			return jobdispatch.RerunOutcome{}, fmt.Errorf("request_rerun: enqueue fetch stage: %w", err)
		}
	}
	return outcome, nil
}

// ListDeadLetters delegates to FailurePipeline.List.
func (s *Service) ListDeadLetters(ctx context.Context, filter failure.ListFilter) ([]domain.DeadLetter, error) {
	return s.pipeline.List(ctx, filter)
}

// Replay delegates to FailurePipeline.Replay and, on success, re-enqueues
// the failed stage (or the fetch stage for a full restart).
func (s *Service) Replay(ctx context.Context, dlID string, restartMode domain.RestartMode, evidenceRef string) error {
	dls, err := s.pipeline.List(ctx, failure.ListFilter{})
	if err != nil {
		return fmt.Errorf("replay: %w", err)
	}
	var target *domain.DeadLetter
	for i := range dls {
		if dls[i].DLID == dlID {
			target = &dls[i]
			break
		}
	}
	if target == nil {
		return domain.ErrNotFound
	}

	if err := s.pipeline.Replay(ctx, failure.ReplayRequest{
		DLID:                   dlID,
		RestartMode:            restartMode,
		RemediationEvidenceRef: evidenceRef,
	}); err != nil {
		return fmt.Errorf("replay: %w", err)
	}

	stage := target.Stage
	if restartMode == domain.FullRestart {
		stage = domain.StageFetch
	}
	// Re-use the most recent payload queued for this job's stage; when there
	// is none, an empty payload fills the NOT NULL column.
	payload := []byte{}
	row := s.db.QueryRow(ctx, `
		SELECT payload FROM work_queue WHERE job_id = $1 AND stage = $2
		ORDER BY created_at DESC LIMIT 1`, target.JobID, string(stage))
	if err := row.Scan(&payload); err != nil && err != store.ErrNoRows {
		return fmt.Errorf("replay: load stage payload: %w", err)
	}
	_, err = s.queue.Enqueue(ctx, target.JobID, stage, payload, 10, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("replay: re-enqueue: %w", err)
	}
	return nil
}

func encodeFetchPayload(jobID, changelistID string, reviewVersion int, recipients []string) ([]byte, error) {
	return json.Marshal(fetchPayload{
		JobID:         jobID,
		ChangelistID:  changelistID,
		ReviewVersion: reviewVersion,
		Recipients:    recipients,
	})
}

type fetchPayload struct {
	JobID         string   `json:"job_id"`
	ChangelistID  string   `json:"changelist_id"`
	ReviewVersion int      `json:"review_version"`
	Recipients    []string `json:"recipients"`
}
