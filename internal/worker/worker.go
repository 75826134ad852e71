// Package worker runs the claim -> process -> finalize loop against the
// WorkQueue, with a background requeue sweeper reclaiming expired leases.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rezkam/reviewcore/internal/artifacts"
	"github.com/rezkam/reviewcore/internal/domain"
	"github.com/rezkam/reviewcore/internal/external"
	"github.com/rezkam/reviewcore/internal/failure"
	"github.com/rezkam/reviewcore/internal/jobdispatch"
	"github.com/rezkam/reviewcore/internal/outbox"
	"github.com/rezkam/reviewcore/internal/redact"
	"github.com/rezkam/reviewcore/internal/validator"
	"github.com/rezkam/reviewcore/internal/workqueue"
)

// Config tunes the worker loop's polling and lease behavior.
type Config struct {
	WorkerID          string
	PollInterval      time.Duration
	LeaseDuration     time.Duration
	HeartbeatInterval time.Duration
	RetryPolicy       domain.RetryPolicy
	Version           validator.VersionFloor
}

// Worker drives one instance of the claim/process/finalize loop. Multiple
// Workers, in-process or across hosts, share the same queue safely: the
// store is the sole coordination medium.
type Worker struct {
	cfg        Config
	queue      *workqueue.WorkQueue
	dispatcher *jobdispatch.Dispatcher
	outboxes   *outbox.Outbox
	pipeline   *failure.Pipeline
	fetcher    external.Fetcher
	model      external.ModelClient
	artifacts  artifacts.Store

	wg   sync.WaitGroup
	done chan struct{}
}

// New constructs a Worker. cfg.WorkerID defaults to a generated uuid when empty.
func New(cfg Config, queue *workqueue.WorkQueue, dispatcher *jobdispatch.Dispatcher, outboxes *outbox.Outbox,
	pipeline *failure.Pipeline, fetcher external.Fetcher, model external.ModelClient, artifactStore artifacts.Store) *Worker {
	if cfg.WorkerID == "" {
		cfg.WorkerID = uuid.NewString()
	}
	return &Worker{
		cfg: cfg, queue: queue, dispatcher: dispatcher, outboxes: outboxes,
		pipeline: pipeline, fetcher: fetcher, model: model, artifacts: artifactStore,
		done: make(chan struct{}),
	}
}

// Start launches the claim loop and the requeue sweeper as background
// goroutines, returning immediately.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(2)
	go w.claimLoop(ctx)
	go w.sweepLoop(ctx)
}

// Stop signals both loops to exit and waits for them to finish.
func (w *Worker) Stop() {
	close(w.done)
	w.wg.Wait()
}

func (w *Worker) claimLoop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case <-ticker.C:
			w.claimAndProcessOnce(ctx)
		}
	}
}

func (w *Worker) sweepLoop(ctx context.Context) {
	defer w.wg.Done()
	interval := w.cfg.LeaseDuration
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case <-ticker.C:
			n, err := w.queue.RequeueExpired(ctx)
			if err != nil {
				slog.ErrorContext(ctx, "requeue_expired failed", "error", err)
				continue
			}
			if n > 0 {
				slog.InfoContext(ctx, "requeued expired leases", "count", n)
			}
		}
	}
}

// claimAndProcessOnce claims a single work item and processes it to
// completion, heartbeating for the duration. This package's tests call it
// directly for deterministic single-step control instead of the ticker loop.
func (w *Worker) claimAndProcessOnce(ctx context.Context) {
	item, err := w.queue.Claim(ctx, w.cfg.WorkerID, w.cfg.LeaseDuration)
	if err != nil {
		slog.ErrorContext(ctx, "claim failed", "error", err)
		return
	}
	if item == nil {
		return
	}

	hbCtx, cancelHB := context.WithCancel(ctx)
	lost := make(chan struct{})
	go w.heartbeatLoop(hbCtx, item.WorkID, lost)

	err = w.process(ctx, item)
	cancelHB()

	select {
	case <-lost:
		// Lease was already lost; any side effects below would be
		// ownership-guarded no-ops, so there is nothing further to do.
		return
	default:
	}

	if err != nil {
		w.handleFailure(ctx, item, err)
		return
	}

	ok, cerr := w.queue.Complete(ctx, item.WorkID, w.cfg.WorkerID)
	if cerr != nil {
		slog.ErrorContext(ctx, "complete failed", "work_id", item.WorkID, "error", cerr)
		return
	}
	if !ok {
		slog.InfoContext(ctx, "lease lost before complete, discarding result", "work_id", item.WorkID)
	}
}

func (w *Worker) heartbeatLoop(ctx context.Context, workID string, lost chan<- struct{}) {
	interval := w.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = w.cfg.LeaseDuration / 3
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := w.queue.Heartbeat(ctx, workID, w.cfg.WorkerID, w.cfg.LeaseDuration)
			if err != nil {
				slog.ErrorContext(ctx, "heartbeat failed", "work_id", workID, "error", err)
				continue
			}
			if !ok {
				close(lost)
				return
			}
		}
	}
}

// process executes the stage-appropriate logic for item and returns a
// failure.RetryableError-wrapped error on any classified failure.
func (w *Worker) process(ctx context.Context, item *domain.WorkItem) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &failure.PanicError{Value: p, Stack: string(debug.Stack())}
		}
	}()

	switch item.Stage {
	case domain.StageFetch:
		return w.processFetch(ctx, item)
	case domain.StageLLM:
		return w.processLLM(ctx, item)
	case domain.StageNotify:
		return w.processNotify(ctx, item)
	default:
		return &failure.RetryableError{Class: failure.ErrorClassifier{Class: domain.ErrInvariantViolation}, Err: errors.New("unknown stage")}
	}
}

type fetchPayload struct {
	JobID         string   `json:"job_id"`
	ChangelistID  string   `json:"changelist_id"`
	ReviewVersion int      `json:"review_version"`
	Recipients    []string `json:"recipients"`
}

func (w *Worker) processFetch(ctx context.Context, item *domain.WorkItem) error {
	var p fetchPayload
	if err := json.Unmarshal(item.Payload, &p); err != nil {
		return &failure.RetryableError{Class: failure.ErrorClassifier{Class: domain.ErrInvariantViolation}, Err: err}
	}

	result, err := w.fetcher.Fetch(ctx, p.ChangelistID, nil)
	if err != nil {
		return err
	}

	llmPayload, err := json.Marshal(llmStagePayload{
		JobID:         p.JobID,
		ChangelistID:  p.ChangelistID,
		ReviewVersion: p.ReviewVersion,
		Recipients:    p.Recipients,
		ChangedFiles:  result.ChangedFiles,
		Diffs:         result.Diffs,
	})
	if err != nil {
		return &failure.RetryableError{Class: failure.ErrorClassifier{Class: domain.ErrInvariantViolation}, Err: err}
	}

	_, err = w.queue.Enqueue(ctx, p.JobID, domain.StageLLM, llmPayload, 0, time.Now().UTC())
	return err
}

type llmStagePayload struct {
	JobID         string            `json:"job_id"`
	ChangelistID  string            `json:"changelist_id"`
	ReviewVersion int               `json:"review_version"`
	Recipients    []string          `json:"recipients"`
	ChangedFiles  []string          `json:"changed_files"`
	Diffs         map[string]string `json:"diffs"`
}

func (w *Worker) processLLM(ctx context.Context, item *domain.WorkItem) error {
	var p llmStagePayload
	if err := json.Unmarshal(item.Payload, &p); err != nil {
		return &failure.RetryableError{Class: failure.ErrorClassifier{Class: domain.ErrInvariantViolation}, Err: err}
	}

	var combinedDiff string
	for _, d := range p.Diffs {
		combinedDiff += d
	}

	raw, err := w.model.Review(ctx, "", combinedDiff, time.Now().Add(2*time.Minute))
	if err != nil {
		return err
	}

	outcome := validator.Validate(raw, p.ChangedFiles, w.cfg.Version)
	if outcome.Rejected {
		return &failure.RetryableError{Class: failure.ErrorClassifier{Class: domain.ErrSchemaInvalid}, Err: errors.New("response rejected by validator")}
	}

	ref := p.JobID
	if w.artifacts != nil {
		if err := w.artifacts.Put(ctx, ref, raw); err != nil {
			slog.WarnContext(ctx, "failed to persist raw artifact", "job_id", p.JobID, "error", redact.Line(err.Error()))
		}
	}

	if err := w.outboxes.Materialize(ctx, p.JobID, p.ChangelistID, p.ReviewVersion, p.Recipients); err != nil {
		return err
	}

	notifyPayload, err := json.Marshal(notifyStagePayload{
		JobID:         p.JobID,
		ChangelistID:  p.ChangelistID,
		ReviewVersion: p.ReviewVersion,
	})
	if err != nil {
		return &failure.RetryableError{Class: failure.ErrorClassifier{Class: domain.ErrInvariantViolation}, Err: err}
	}
	_, err = w.queue.Enqueue(ctx, p.JobID, domain.StageNotify, notifyPayload, 0, time.Now().UTC())
	return err
}

type notifyStagePayload struct {
	JobID         string `json:"job_id"`
	ChangelistID  string `json:"changelist_id"`
	ReviewVersion int    `json:"review_version"`
}

func (w *Worker) processNotify(ctx context.Context, item *domain.WorkItem) error {
	var p notifyStagePayload
	if err := json.Unmarshal(item.Payload, &p); err != nil {
		return &failure.RetryableError{Class: failure.ErrorClassifier{Class: domain.ErrInvariantViolation}, Err: err}
	}

	if err := w.outboxes.DeliverPending(ctx, p.JobID); err != nil {
		return err
	}

	outcome, ok, err := w.outboxes.Outcome(ctx, p.ChangelistID, p.ReviewVersion)
	if err != nil {
		return err
	}
	if !ok {
		return &failure.RetryableError{Class: failure.ErrorClassifier{Class: domain.ErrConflict}, Err: errors.New("outbox rows still pending after deliver_pending")}
	}

	return w.dispatcher.Finalize(ctx, p.JobID, outcome)
}

func (w *Worker) handleFailure(ctx context.Context, item *domain.WorkItem, procErr error) {
	class := failure.Classify(procErr)

	result, err := w.queue.Fail(ctx, item.WorkID, w.cfg.WorkerID, class.Class, w.cfg.RetryPolicy, class.RetryAfter)
	if err != nil {
		slog.ErrorContext(ctx, "fail transition errored", "work_id", item.WorkID, "error", err)
		return
	}
	if !result.OK {
		slog.InfoContext(ctx, "lease lost before fail transition", "work_id", item.WorkID)
		return
	}

	if !result.Terminal {
		return
	}

	_, dlErr := w.pipeline.Write(ctx, item.JobID, failure.DeadLetterContext{
		Stage:         item.Stage,
		ErrorClass:    class.Class,
		RedactedStack: redactedStack(procErr),
		SanitizedContext: map[string]string{
			"work_id":       item.WorkID,
			"attempt_count": strconv.Itoa(item.AttemptCount + 1),
		},
		AttemptCount: item.AttemptCount + 1,
	})
	if dlErr != nil {
		slog.ErrorContext(ctx, "dead letter write failed", "work_id", item.WorkID, "error", dlErr)
		return
	}

	if ferr := w.dispatcher.Finalize(ctx, item.JobID, domain.JobFailed); ferr != nil {
		slog.ErrorContext(ctx, "finalize(failed) errored", "job_id", item.JobID, "error", ferr)
	}
}

// redactedStack prefers a captured panic stack trace over the error
// message, since a PanicError's Stack is the more useful dead-letter
// artifact for root-causing an unrecovered bug.
func redactedStack(procErr error) string {
	var pe *failure.PanicError
	if errors.As(procErr, &pe) && pe.Stack != "" {
		return redact.Stack(pe.Stack)
	}
	return redact.Line(procErr.Error())
}

