// Package outbox implements the per-recipient notification delivery log:
// materialize, send-then-mark delivery, and reconciliation against
// provider-side truth.
package outbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/rezkam/reviewcore/internal/domain"
	"github.com/rezkam/reviewcore/internal/external"
	"github.com/rezkam/reviewcore/internal/store"
)

// Outbox implements materialize/deliver_pending/reconcile_ambiguous.
type Outbox struct {
	db       store.Store
	provider external.NotificationProvider
}

// New returns an Outbox backed by db, delivering through provider.
func New(db store.Store, provider external.NotificationProvider) *Outbox {
	return &Outbox{db: db, provider: provider}
}

// IdempotencyToken derives the deterministic per-recipient provider token
// H(changelist_id, recipient, review_version).
func IdempotencyToken(changelistID, recipient string, reviewVersion int) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%d", changelistID, recipient, reviewVersion)
	return hex.EncodeToString(h.Sum(nil))
}

// Materialize inserts one pending row per recipient; collisions on the
// unique (changelist_id, recipient, review_version) key leave the existing
// row untouched.
func (o *Outbox) Materialize(ctx context.Context, jobID, changelistID string, reviewVersion int, recipients []string) error {
	for _, r := range recipients {
		_, err := o.db.Exec(ctx, `
			INSERT INTO outbox (job_id, changelist_id, recipient, review_version, status, updated_at)
			VALUES ($1, $2, $3, $4, $5, now())
			ON CONFLICT (changelist_id, recipient, review_version) DO NOTHING`,
			jobID, changelistID, r, reviewVersion, string(domain.OutboxPending))
		if err != nil {
			return fmt.Errorf("materialize outbox row for %s: %w", r, err)
		}
	}
	return nil
}

// DeliverPending iterates pending rows for jobID and executes the
// send-then-mark protocol for each.
func (o *Outbox) DeliverPending(ctx context.Context, jobID string) error {
	rows, err := o.db.Query(ctx, `
		SELECT changelist_id, recipient, review_version
		FROM outbox
		WHERE job_id = $1 AND status = $2`, jobID, string(domain.OutboxPending))
	if err != nil {
		return err
	}
	var keys []outboxKey
	for rows.Next() {
		var k outboxKey
		if err := rows.Scan(&k.changelistID, &k.recipient, &k.reviewVersion); err != nil {
			rows.Close()
			return err
		}
		keys = append(keys, k)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, k := range keys {
		if err := o.deliverOne(ctx, jobID, k); err != nil {
			return fmt.Errorf("deliver %s/%s/%d: %w", k.changelistID, k.recipient, k.reviewVersion, err)
		}
	}
	return nil
}

type outboxKey struct {
	changelistID  string
	recipient     string
	reviewVersion int
}

// deliverOne re-reads the row inside a transaction and executes the
// send-then-mark protocol: send first, mark sent only after the provider
// acknowledges (or reconciliation finds a prior successful send).
func (o *Outbox) deliverOne(ctx context.Context, jobID string, k outboxKey) error {
	return o.db.Transaction(ctx, "outbox.deliver_one", func(ctx context.Context, tx store.Store) error {
		row := tx.QueryRow(ctx, `
			SELECT status, notification_id, notified_at
			FROM outbox
			WHERE changelist_id = $1 AND recipient = $2 AND review_version = $3
			FOR UPDATE`, k.changelistID, k.recipient, k.reviewVersion)

		var status, notificationID string
		var notifiedAt *time.Time
		if err := row.Scan(&status, &notificationID, &notifiedAt); err != nil {
			return err
		}
		if notifiedAt != nil {
			return nil // already delivered
		}

		token := IdempotencyToken(k.changelistID, k.recipient, k.reviewVersion)

		if notificationID != "" {
			// notification_id set but notified_at null: a prior send may have
			// succeeded with the DB write lost. Reconcile before resending.
			result, err := o.provider.Lookup(ctx, token)
			if err != nil {
				return err
			}
			if result.Delivered {
				return o.markSent(ctx, tx, k, result.MessageID)
			}
		}

		msgID, err := o.provider.Send(ctx, external.NotificationPayload{
			ChangelistID:  k.changelistID,
			Recipient:     k.recipient,
			ReviewVersion: k.reviewVersion,
		}, token)
		if err != nil {
			if perr, ok := err.(external.PermanentError); ok {
				_, uerr := tx.Exec(ctx, `
					UPDATE outbox SET status = $1, last_error = $2, attempt_count = attempt_count + 1, updated_at = now()
					WHERE changelist_id = $3 AND recipient = $4 AND review_version = $5`,
					string(domain.OutboxFailedPermanent), perr.Error(), k.changelistID, k.recipient, k.reviewVersion)
				return uerr
			}
			_, uerr := tx.Exec(ctx, `
				UPDATE outbox SET attempt_count = attempt_count + 1, last_error = $1, updated_at = now()
				WHERE changelist_id = $2 AND recipient = $3 AND review_version = $4`,
				err.Error(), k.changelistID, k.recipient, k.reviewVersion)
			if uerr != nil {
				return uerr
			}
			return err
		}

		return o.markSent(ctx, tx, k, msgID)
	})
}

// markSent persists notification_id and notified_at together in one write,
// guaranteeing P5: notified_at is never set before notification_id.
func (o *Outbox) markSent(ctx context.Context, tx store.Store, k outboxKey, msgID string) error {
	_, err := tx.Exec(ctx, `
		UPDATE outbox
		SET notification_id = $1, notified_at = now(), status = $2, updated_at = now()
		WHERE changelist_id = $3 AND recipient = $4 AND review_version = $5`,
		msgID, string(domain.OutboxSent), k.changelistID, k.recipient, k.reviewVersion)
	return err
}

// Outcome reports the terminal job status implied by the outbox rows for
// (changelistID, reviewVersion): JobSucceeded when every row is sent,
// JobPartiallySucceeded when none remain pending but at least one row is
// failed_permanent, or ok=false while any row is still pending.
func (o *Outbox) Outcome(ctx context.Context, changelistID string, reviewVersion int) (status domain.JobStatus, ok bool, err error) {
	row := o.db.QueryRow(ctx, `
		SELECT
			count(*) FILTER (WHERE status = $1) AS pending,
			count(*) FILTER (WHERE status = $2) AS failed_permanent
		FROM outbox WHERE changelist_id = $3 AND review_version = $4`,
		string(domain.OutboxPending), string(domain.OutboxFailedPermanent), changelistID, reviewVersion)

	var pending, failedPermanent int64
	if err := row.Scan(&pending, &failedPermanent); err != nil {
		return "", false, err
	}
	if pending > 0 {
		return "", false, nil
	}
	if failedPermanent > 0 {
		return domain.JobPartiallySucceeded, true, nil
	}
	return domain.JobSucceeded, true, nil
}

// ReconcileAmbiguous scans for rows with notification_id set but
// notified_at null and repairs them via provider lookup, backfilling
// notified_at on evidence of a prior successful send or leaving the row
// pending for a future deliver_pending resend otherwise.
func (o *Outbox) ReconcileAmbiguous(ctx context.Context) (int, error) {
	rows, err := o.db.Query(ctx, `
		SELECT changelist_id, recipient, review_version
		FROM outbox
		WHERE notified_at IS NULL AND notification_id != ''`)
	if err != nil {
		return 0, err
	}
	var keys []outboxKey
	for rows.Next() {
		var k outboxKey
		if err := rows.Scan(&k.changelistID, &k.recipient, &k.reviewVersion); err != nil {
			rows.Close()
			return 0, err
		}
		keys = append(keys, k)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	repaired := 0
	for _, k := range keys {
		token := IdempotencyToken(k.changelistID, k.recipient, k.reviewVersion)
		result, err := o.provider.Lookup(ctx, token)
		if err != nil {
			continue
		}
		if !result.Delivered {
			continue
		}
		err = o.db.Transaction(ctx, "outbox.reconcile_one", func(ctx context.Context, tx store.Store) error {
			return o.markSent(ctx, tx, k, result.MessageID)
		})
		if err == nil {
			repaired++
		}
	}
	return repaired, nil
}
