package storage

import (
	"context"
	"database/sql"
	"errors"
)

// QuotaUsed returns the tenant's outbound envelope count for a month bucket.
func (s *Store) QuotaUsed(ctx context.Context, tenantID int64, month string) (int, error) {
	var used int
	err := s.db.QueryRowContext(ctx,
		`SELECT used FROM quota_usage WHERE tenant_id = $1 AND month = $2`,
		tenantID, month).Scan(&used)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return used, err
}

// IncrementQuota adds one outbound envelope to the month bucket. Callers hold
// the tenant-level gate section so read-then-increment is not racy.
func (s *Store) IncrementQuota(ctx context.Context, tenantID int64, month string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO quota_usage (tenant_id, month, used) VALUES ($1, $2, 1)
		ON CONFLICT (tenant_id, month) DO UPDATE SET used = quota_usage.used + 1`,
		tenantID, month)
	return err
}
