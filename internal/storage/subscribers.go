package storage

import (
	"context"
	"time"
)

// UpsertSubscriber records an interaction from (tenant, user). It reports
// whether the row was newly created so callers can log a joined fact.
func (s *Store) UpsertSubscriber(ctx context.Context, tenantID int64, userID int64, username, firstName, lastName string, now time.Time) (isNew bool, err error) {
	ms := now.UnixMilli()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO subscribers (tenant_id, platform_user_id, username, first_name, last_name, joined_at, last_interaction_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (tenant_id, platform_user_id) DO NOTHING`,
		tenantID, userID, username, firstName, lastName, ms)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE subscribers SET username = $3, first_name = $4, last_name = $5, last_interaction_at = $6
		WHERE tenant_id = $1 AND platform_user_id = $2`,
		tenantID, userID, username, firstName, lastName, ms)
	return false, err
}

// Subscriber fetches one row; used by tests and the ops surface.
func (s *Store) Subscriber(ctx context.Context, tenantID, userID int64) (Subscriber, error) {
	var sub Subscriber
	var joined, last int64
	err := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, platform_user_id, username, first_name, last_name, joined_at, last_interaction_at
		FROM subscribers WHERE tenant_id = $1 AND platform_user_id = $2`,
		tenantID, userID).
		Scan(&sub.TenantID, &sub.PlatformUserID, &sub.Username, &sub.FirstName, &sub.LastName, &joined, &last)
	if err != nil {
		return Subscriber{}, err
	}
	sub.JoinedAt = timeOf(joined)
	sub.LastInteractionAt = timeOf(last)
	return sub, nil
}

// AudienceIDs resolves a broadcast audience filter to platform user ids at a
// point in time. Unknown filters fall back to ALL, matching the source
// system's default.
func (s *Store) AudienceIDs(ctx context.Context, tenantID int64, filter string, now time.Time) ([]int64, error) {
	q := `SELECT platform_user_id FROM subscribers WHERE tenant_id = $1`
	args := []any{tenantID}
	switch filter {
	case AudienceActive7d:
		q += ` AND last_interaction_at >= $2`
		args = append(args, now.Add(-7*24*time.Hour).UnixMilli())
	case AudienceNew3d:
		q += ` AND joined_at >= $2`
		args = append(args, now.Add(-3*24*time.Hour).UnixMilli())
	}
	q += ` ORDER BY platform_user_id`

	rows, err := s.db.QueryContext(ctx, q, args...)
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

// AppendInbound persists one public message for the tenant's admin inbox.
func (s *Store) AppendInbound(ctx context.Context, m InboundMessage) error {
	if m.ReceivedAt.IsZero() {
		m.ReceivedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO inbound_messages (tenant_id, platform_user_id, sender_name, body, received_at, is_read)
		VALUES ($1, $2, $3, $4, $5, 0)`,
		m.TenantID, m.PlatformUserID, m.SenderName, m.Body, m.ReceivedAt.UnixMilli())
	return err
}

// CountInboundSince supports the monthly inbound view of the ops surface.
func (s *Store) CountInboundSince(ctx context.Context, tenantID int64, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM inbound_messages WHERE tenant_id = $1 AND received_at >= $2`,
		tenantID, since.UnixMilli()).Scan(&n)
	return n, err
}
