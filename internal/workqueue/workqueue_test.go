package workqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezkam/reviewcore/internal/domain"
	"github.com/rezkam/reviewcore/internal/store"
	"github.com/rezkam/reviewcore/internal/storetest"
)

func newTestJob(t *testing.T, ctx context.Context, q *WorkQueue, db store.Store) string {
	t.Helper()
	jobID := "job-" + t.Name()
	_, err := db.Exec(ctx, `
		INSERT INTO jobs (job_id, idempotency_key, changelist_id, review_version, status, created_at, updated_at)
		VALUES ($1, $2, 'cl-1', 1, 'pending', now(), now())`,
		jobID, "idem-"+t.Name())
	require.NoError(t, err)
	return jobID
}

func TestClaim_SingleWorkerClaimsEligibleRow(t *testing.T) {
	db := storetest.Setup(t)
	ctx := context.Background()
	q := New(db)

	jobID := newTestJob(t, ctx, q, db)
	_, err := q.Enqueue(ctx, jobID, domain.StageFetch, []byte(`{}`), 0, time.Now().UTC())
	require.NoError(t, err)

	item, err := q.Claim(ctx, "worker-a", 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, domain.WorkRunning, item.Status)
	assert.Equal(t, "worker-a", item.ClaimedBy)

	// No other eligible row remains: a second claim attempt sees nothing.
	again, err := q.Claim(ctx, "worker-b", 30*time.Second)
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestHeartbeat_NonOwnerReturnsFalse(t *testing.T) {
	db := storetest.Setup(t)
	ctx := context.Background()
	q := New(db)

	jobID := newTestJob(t, ctx, q, db)
	_, err := q.Enqueue(ctx, jobID, domain.StageFetch, []byte(`{}`), 0, time.Now().UTC())
	require.NoError(t, err)

	item, err := q.Claim(ctx, "worker-a", 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, item)

	ok, err := q.Heartbeat(ctx, item.WorkID, "worker-b", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "a non-owner heartbeat must report lost ownership, not extend the lease")

	ok, err = q.Heartbeat(ctx, item.WorkID, "worker-a", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRequeueExpired_ReclaimsLapsedLease(t *testing.T) {
	db := storetest.Setup(t)
	ctx := context.Background()
	q := New(db)

	jobID := newTestJob(t, ctx, q, db)
	_, err := q.Enqueue(ctx, jobID, domain.StageFetch, []byte(`{}`), 0, time.Now().UTC())
	require.NoError(t, err)

	item, err := q.Claim(ctx, "worker-a", 1*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, item)

	time.Sleep(10 * time.Millisecond)

	n, err := q.RequeueExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// Now any worker can claim it again.
	reclaimed, err := q.Claim(ctx, "worker-b", 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, "worker-b", reclaimed.ClaimedBy)
}

func TestFail_RetryableUnderBudgetRequeues(t *testing.T) {
	db := storetest.Setup(t)
	ctx := context.Background()
	q := New(db)

	jobID := newTestJob(t, ctx, q, db)
	_, err := q.Enqueue(ctx, jobID, domain.StageLLM, []byte(`{}`), 0, time.Now().UTC())
	require.NoError(t, err)

	item, err := q.Claim(ctx, "worker-a", 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, item)

	policy := domain.DefaultRetryPolicy()
	result, err := q.Fail(ctx, item.WorkID, "worker-a", domain.ErrUpstream5xx, policy, 0)
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.False(t, result.Terminal, "a retryable class under budget must requeue, not terminate")
}

func TestFail_ExhaustedBudgetTerminates(t *testing.T) {
	db := storetest.Setup(t)
	ctx := context.Background()
	q := New(db)

	jobID := newTestJob(t, ctx, q, db)
	_, err := q.Enqueue(ctx, jobID, domain.StageLLM, []byte(`{}`), 0, time.Now().UTC())
	require.NoError(t, err)

	policy := domain.RetryPolicy{MaxAttempts: 1, InitialDelay: time.Millisecond, Multiplier: 2, MaxDelay: time.Second}

	item, err := q.Claim(ctx, "worker-a", 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, item)

	result, err := q.Fail(ctx, item.WorkID, "worker-a", domain.ErrUpstream5xx, policy, 0)
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.True(t, result.Terminal, "exhausting the stage's attempt budget must terminate even a retryable class")
}

func TestFail_NonRetryableTerminatesImmediately(t *testing.T) {
	db := storetest.Setup(t)
	ctx := context.Background()
	q := New(db)

	jobID := newTestJob(t, ctx, q, db)
	_, err := q.Enqueue(ctx, jobID, domain.StageLLM, []byte(`{}`), 0, time.Now().UTC())
	require.NoError(t, err)

	item, err := q.Claim(ctx, "worker-a", 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, item)

	result, err := q.Fail(ctx, item.WorkID, "worker-a", domain.ErrSchemaInvalid, domain.DefaultRetryPolicy(), 0)
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.True(t, result.Terminal)
}

func TestComputeBackoff_BoundedByMaxDelayAndRetryAfterCap(t *testing.T) {
	policy := domain.RetryPolicy{MaxAttempts: 5, InitialDelay: time.Second, Multiplier: 2.0, MaxDelay: 60 * time.Second}

	for attempt := 1; attempt <= 5; attempt++ {
		d := ComputeBackoff(attempt, policy, 0)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, policy.MaxDelay)
	}

	// A Retry-After far beyond the 5-minute cap must be clamped down, not
	// honored verbatim.
	d := ComputeBackoff(1, policy, time.Hour)
	assert.LessOrEqual(t, d, 5*time.Minute)
}
