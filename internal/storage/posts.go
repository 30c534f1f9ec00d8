package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const postColumns = `id, tenant_id, channel_id, body, media_kind, media_url, due_at, status,
	attempt_count, last_error, COALESCE(sent_message_id, 0), COALESCE(sent_at, 0),
	pin_after_send, disable_notification`

func scanPost(row interface{ Scan(...any) error }) (ScheduledPost, error) {
	var p ScheduledPost
	var due, sentAt, sentID int64
	var pin, silent int64
	err := row.Scan(&p.ID, &p.TenantID, &p.ChannelID, &p.Body, &p.MediaKind, &p.MediaURL,
		&due, &p.Status, &p.AttemptCount, &p.LastError, &sentID, &sentAt, &pin, &silent)
	if err != nil {
		return ScheduledPost{}, err
	}
	p.DueAt = timeOf(due)
	p.SentAt = timeOf(sentAt)
	p.SentMessageID = sentID
	p.PinAfterSend = itob(pin)
	p.DisableNotification = itob(silent)
	return p, nil
}

// DuePosts lists PENDING posts whose due time has passed, oldest first.
func (s *Store) DuePosts(ctx context.Context, now time.Time, limit int) ([]ScheduledPost, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+postColumns+`
		FROM scheduled_posts
		WHERE status = $1 AND due_at <= $2
		ORDER BY due_at ASC
		LIMIT $3`, StatusPending, now.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ScheduledPost
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ClaimPost transitions one post PENDING -> SENDING. Exactly one caller wins;
// this is the row-level claim that keeps a post visible to at most one
// scheduler pass even if the deployment fans out.
func (s *Store) ClaimPost(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_posts SET status = $1 WHERE id = $2 AND status = $3`,
		StatusSending, id, StatusPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *Store) MarkPostSent(ctx context.Context, id, messageID int64, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_posts
		SET status = $1, sent_message_id = $2, sent_at = $3, last_error = ''
		WHERE id = $4`,
		StatusSent, messageID, now.UnixMilli(), id)
	return err
}

// ReschedulePost re-arms a claimed post as PENDING at dueAt. attemptDelta is 0
// for a rate-limit reschedule and 1 for a counted transient failure.
func (s *Store) ReschedulePost(ctx context.Context, id int64, dueAt time.Time, attemptDelta int, lastErr string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_posts
		SET status = $1, due_at = $2, attempt_count = attempt_count + $3, last_error = $4
		WHERE id = $5`,
		StatusPending, dueAt.UnixMilli(), attemptDelta, lastErr, id)
	return err
}

func (s *Store) MarkPostFailed(ctx context.Context, id int64, attemptDelta int, lastErr string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_posts
		SET status = $1, attempt_count = attempt_count + $2, last_error = $3
		WHERE id = $4`,
		StatusFailed, attemptDelta, lastErr, id)
	return err
}

// Post fetches one scheduled post.
func (s *Store) Post(ctx context.Context, id int64) (ScheduledPost, error) {
	p, err := scanPost(s.db.QueryRowContext(ctx,
		`SELECT `+postColumns+` FROM scheduled_posts WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ScheduledPost{}, ErrNotFound
	}
	return p, err
}

// Channel fetches one output channel.
func (s *Store) Channel(ctx context.Context, id int64) (Channel, error) {
	var c Channel
	var active, auto, lastPost int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, platform_channel_id, title, active, auto_post_enabled, COALESCE(last_post_at, 0)
		FROM output_channels WHERE id = $1`, id).
		Scan(&c.ID, &c.TenantID, &c.PlatformChannelID, &c.Title, &active, &auto, &lastPost)
	if errors.Is(err, sql.ErrNoRows) {
		return Channel{}, ErrNotFound
	}
	if err != nil {
		return Channel{}, err
	}
	c.Active = itob(active)
	c.AutoPostEnabled = itob(auto)
	c.LastPostAt = timeOf(lastPost)
	return c, nil
}

func (s *Store) TouchChannelPosted(ctx context.Context, channelID int64, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE output_channels SET last_post_at = $1 WHERE id = $2`,
		now.UnixMilli(), channelID)
	return err
}

// ResetStaleClaims returns posts stuck in SENDING to PENDING. Run at startup:
// a clean pass never leaves the claim state behind, so anything found here is
// the residue of a crash mid-delivery.
func (s *Store) ResetStaleClaims(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_posts SET status = $1 WHERE status = $2`,
		StatusPending, StatusSending)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SweepOldPosts deletes SENT/FAILED posts finished before cutoff. Returns the
// number of rows removed.
func (s *Store) SweepOldPosts(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM scheduled_posts
		WHERE status IN ($1, $2) AND COALESCE(sent_at, due_at) < $3`,
		StatusSent, StatusFailed, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
