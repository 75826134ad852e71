package outbox

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezkam/reviewcore/internal/domain"
	"github.com/rezkam/reviewcore/internal/external"
	"github.com/rezkam/reviewcore/internal/store"
	"github.com/rezkam/reviewcore/internal/storetest"
)

func insertJob(t *testing.T, ctx context.Context, db store.Store, jobID, changelistID string, reviewVersion int) {
	t.Helper()
	_, err := db.Exec(ctx, `
		INSERT INTO jobs (job_id, idempotency_key, changelist_id, review_version, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'in_progress', now(), now())`,
		jobID, "idem-"+jobID, changelistID, reviewVersion)
	require.NoError(t, err)
}

func TestMaterialize_OneRowPerRecipientIsIdempotent(t *testing.T) {
	db := storetest.Setup(t)
	ctx := context.Background()
	provider := external.NewInMemoryNotificationProvider()
	o := New(db, provider)

	insertJob(t, ctx, db, "job-1", "cl-1", 1)
	recipients := []string{"a@example.com", "b@example.com"}

	require.NoError(t, o.Materialize(ctx, "job-1", "cl-1", 1, recipients))
	require.NoError(t, o.Materialize(ctx, "job-1", "cl-1", 1, recipients))

	var count int64
	row := db.QueryRow(ctx, `SELECT count(*) FROM outbox WHERE changelist_id = $1`, "cl-1")
	require.NoError(t, row.Scan(&count))
	assert.Equal(t, int64(2), count, "re-materializing must not duplicate rows")
}

func TestDeliverPending_SendsOnceAndSetsNotifiedAt(t *testing.T) {
	db := storetest.Setup(t)
	ctx := context.Background()
	provider := external.NewInMemoryNotificationProvider()
	o := New(db, provider)

	insertJob(t, ctx, db, "job-1", "cl-1", 1)
	require.NoError(t, o.Materialize(ctx, "job-1", "cl-1", 1, []string{"a@example.com"}))

	require.NoError(t, o.DeliverPending(ctx, "job-1"))

	token := IdempotencyToken("cl-1", "a@example.com", 1)
	assert.Equal(t, 1, provider.SendCalls(token))

	var status string
	row := db.QueryRow(ctx, `SELECT status FROM outbox WHERE changelist_id = $1 AND recipient = $2`, "cl-1", "a@example.com")
	require.NoError(t, row.Scan(&status))
	assert.Equal(t, string(domain.OutboxSent), status)

	// A second delivery attempt must not re-send: the row is no longer
	// pending, so DeliverPending does not select it for delivery.
	require.NoError(t, o.DeliverPending(ctx, "job-1"))
	assert.Equal(t, 1, provider.SendCalls(token), "at-most-once delivery: a delivered row must never be re-sent")
}

func TestDeliverOne_PermanentErrorMarksFailedPermanent(t *testing.T) {
	db := storetest.Setup(t)
	ctx := context.Background()
	provider := external.NewInMemoryNotificationProvider()
	o := New(db, provider)

	insertJob(t, ctx, db, "job-1", "cl-1", 1)
	require.NoError(t, o.Materialize(ctx, "job-1", "cl-1", 1, []string{"bad@example.com"}))

	token := IdempotencyToken("cl-1", "bad@example.com", 1)
	provider.FailNext(token, external.PermanentError{Reason: "unknown recipient"})

	err := o.DeliverPending(ctx, "job-1")
	require.NoError(t, err)

	var status string
	row := db.QueryRow(ctx, `SELECT status FROM outbox WHERE changelist_id = $1 AND recipient = $2`, "cl-1", "bad@example.com")
	require.NoError(t, row.Scan(&status))
	assert.Equal(t, string(domain.OutboxFailedPermanent), status)
}

func TestReconcileAmbiguous_BackfillsNotifiedAtFromProviderTruth(t *testing.T) {
	db := storetest.Setup(t)
	ctx := context.Background()
	provider := external.NewInMemoryNotificationProvider()
	o := New(db, provider)

	insertJob(t, ctx, db, "job-1", "cl-1", 1)
	require.NoError(t, o.Materialize(ctx, "job-1", "cl-1", 1, []string{"a@example.com"}))

	token := IdempotencyToken("cl-1", "a@example.com", 1)
	msgID, err := provider.Send(ctx, external.NotificationPayload{ChangelistID: "cl-1", Recipient: "a@example.com", ReviewVersion: 1}, token)
	require.NoError(t, err)

	// Simulate the write-lost case: the provider delivered, but only
	// notification_id made it to the row (notified_at is still null).
	_, err = db.Exec(ctx, `
		UPDATE outbox SET notification_id = $1 WHERE changelist_id = $2 AND recipient = $3`,
		msgID, "cl-1", "a@example.com")
	require.NoError(t, err)

	repaired, err := o.ReconcileAmbiguous(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, repaired)

	var notifiedAtSet bool
	row := db.QueryRow(ctx, `SELECT notified_at IS NOT NULL FROM outbox WHERE changelist_id = $1 AND recipient = $2`, "cl-1", "a@example.com")
	require.NoError(t, row.Scan(&notifiedAtSet))
	assert.True(t, notifiedAtSet)

	// notified_at must never have been set before notification_id; since
	// reconciliation only runs against rows where notification_id was
	// already non-empty, this is satisfied structurally (P5).
	assert.Equal(t, 1, provider.SendCalls(token), "reconciliation must never re-invoke Send")
}

func TestIdempotencyToken_DeterministicPerKey(t *testing.T) {
	a := IdempotencyToken("cl-1", "x@example.com", 3)
	b := IdempotencyToken("cl-1", "x@example.com", 3)
	c := IdempotencyToken("cl-1", "x@example.com", 4)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
