package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const broadcastColumns = `id, tenant_id, body, media_kind, media_url, audience_filter,
	COALESCE(scheduled_at, 0), status, failure_reason, total, sent, failed,
	COALESCE(started_at, 0), COALESCE(completed_at, 0)`

func scanBroadcast(row interface{ Scan(...any) error }) (Broadcast, error) {
	var b Broadcast
	var sched, started, completed int64
	err := row.Scan(&b.ID, &b.TenantID, &b.Body, &b.MediaKind, &b.MediaURL, &b.AudienceFilter,
		&sched, &b.Status, &b.FailureReason, &b.Total, &b.Sent, &b.Failed, &started, &completed)
	if err != nil {
		return Broadcast{}, err
	}
	b.ScheduledAt = timeOf(sched)
	b.StartedAt = timeOf(started)
	b.CompletedAt = timeOf(completed)
	return b, nil
}

// EligibleBroadcasts returns broadcasts the engine should pick up this pass:
// PENDING ones whose schedule time (if any) has arrived, plus RUNNING ones
// left behind by an interrupted run, which are resumed.
func (s *Store) EligibleBroadcasts(ctx context.Context, now time.Time) ([]Broadcast, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+broadcastColumns+`
		FROM broadcast_messages
		WHERE (status = $1 AND (scheduled_at IS NULL OR scheduled_at <= $2))
		   OR status = $3
		ORDER BY id ASC`, StatusPending, now.UnixMilli(), StatusRunning)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Broadcast
	for rows.Next() {
		b, err := scanBroadcast(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) Broadcast(ctx context.Context, id int64) (Broadcast, error) {
	b, err := scanBroadcast(s.db.QueryRowContext(ctx,
		`SELECT `+broadcastColumns+` FROM broadcast_messages WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Broadcast{}, ErrNotFound
	}
	return b, err
}

// StartBroadcast transitions PENDING -> RUNNING and freezes the audience: the
// claim and one PENDING delivery row per recipient commit in one transaction,
// so a later resume fans out to exactly the set counted in total. The status
// guard makes the start idempotent under racing passes.
func (s *Store) StartBroadcast(ctx context.Context, id int64, audience []int64, now time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE broadcast_messages
		SET status = $1, total = $2, started_at = $3
		WHERE id = $4 AND status = $5`,
		StatusRunning, len(audience), now.UnixMilli(), id, StatusPending)
	if err != nil {
		return false, err
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return false, err
	}
	for _, uid := range audience {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO broadcast_deliveries (broadcast_id, platform_user_id, outcome, error_text, sent_at)
			VALUES ($1, $2, $3, '', NULL)
			ON CONFLICT (broadcast_id, platform_user_id) DO NOTHING`,
			id, uid, DeliveryPending); err != nil {
			return false, err
		}
	}
	return true, tx.Commit()
}

// CheckpointBroadcast persists the running counters.
func (s *Store) CheckpointBroadcast(ctx context.Context, id int64, sent, failed int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE broadcast_messages SET sent = $1, failed = $2 WHERE id = $3`,
		sent, failed, id)
	return err
}

func (s *Store) CompleteBroadcast(ctx context.Context, id int64, sent, failed int, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE broadcast_messages
		SET status = $1, sent = $2, failed = $3, completed_at = $4
		WHERE id = $5`,
		StatusCompleted, sent, failed, now.UnixMilli(), id)
	return err
}

func (s *Store) FailBroadcast(ctx context.Context, id int64, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE broadcast_messages SET status = $1, failure_reason = $2 WHERE id = $3`,
		StatusFailed, reason, id)
	return err
}

// RecordDelivery writes one per-recipient attempt. The primary key makes a
// resumed run idempotent per recipient.
func (s *Store) RecordDelivery(ctx context.Context, d Delivery) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO broadcast_deliveries (broadcast_id, platform_user_id, outcome, error_text, sent_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (broadcast_id, platform_user_id) DO UPDATE SET
			outcome = excluded.outcome,
			error_text = excluded.error_text,
			sent_at = excluded.sent_at`,
		d.BroadcastID, d.PlatformUserID, d.Outcome, d.ErrorText, msOf(d.SentAt))
	return err
}

// PendingRecipients lists the frozen audience members not yet attempted, in
// the order the run visits them.
func (s *Store) PendingRecipients(ctx context.Context, broadcastID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT platform_user_id FROM broadcast_deliveries
		WHERE broadcast_id = $1 AND outcome = $2
		ORDER BY platform_user_id`, broadcastID, DeliveryPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// DeliveredSet returns recipients with a terminal outcome for the broadcast;
// a resumed run recomputes its counters from it.
func (s *Store) DeliveredSet(ctx context.Context, broadcastID int64) (map[int64]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT platform_user_id, outcome FROM broadcast_deliveries
		WHERE broadcast_id = $1 AND outcome <> $2`,
		broadcastID, DeliveryPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[int64]string{}
	for rows.Next() {
		var id int64
		var outcome string
		if err := rows.Scan(&id, &outcome); err != nil {
			return nil, err
		}
		out[id] = outcome
	}
	return out, rows.Err()
}

// Deliveries lists all delivery rows of a broadcast; test and ops helper.
func (s *Store) Deliveries(ctx context.Context, broadcastID int64) ([]Delivery, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT broadcast_id, platform_user_id, outcome, error_text, COALESCE(sent_at, 0)
		FROM broadcast_deliveries WHERE broadcast_id = $1 ORDER BY platform_user_id`, broadcastID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Delivery
	for rows.Next() {
		var d Delivery
		var sentAt int64
		if err := rows.Scan(&d.BroadcastID, &d.PlatformUserID, &d.Outcome, &d.ErrorText, &sentAt); err != nil {
			return nil, err
		}
		d.SentAt = timeOf(sentAt)
		out = append(out, d)
	}
	return out, rows.Err()
}

// BroadcastsStartedSince counts whole broadcasts the tenant started at or
// after the given instant; feeds the per-day cap.
func (s *Store) BroadcastsStartedSince(ctx context.Context, tenantID int64, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM broadcast_messages
		WHERE tenant_id = $1 AND started_at IS NOT NULL AND started_at >= $2`,
		tenantID, since.UnixMilli()).Scan(&n)
	return n, err
}
