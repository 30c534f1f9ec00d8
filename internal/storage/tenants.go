package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// ErrNotFound is returned when a referenced row does not exist.
var ErrNotFound = errors.New("storage: not found")

// ActiveTenants returns every active tenant joined with its bot identity.
// Tenants without a token are included; the registry decides whether the
// identity is usable.
func (s *Store) ActiveTenants(ctx context.Context) ([]Tenant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.name, t.active, t.city, t.district, t.phone, t.email,
		       COALESCE(b.token, ''), COALESCE(b.public_name, '')
		FROM tenants t
		LEFT JOIN bot_identities b ON b.tenant_id = t.id
		WHERE t.active = 1
		ORDER BY t.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Tenant
	for rows.Next() {
		var t Tenant
		var active int64
		if err := rows.Scan(&t.ID, &t.Name, &active, &t.City, &t.District, &t.Phone, &t.Email,
			&t.BotToken, &t.PublicName); err != nil {
			return nil, err
		}
		t.Active = itob(active)
		out = append(out, t)
	}
	return out, rows.Err()
}

// Tenant loads one tenant row regardless of its active flag.
func (s *Store) Tenant(ctx context.Context, id int64) (Tenant, error) {
	var t Tenant
	var active int64
	err := s.db.QueryRowContext(ctx, `
		SELECT t.id, t.name, t.active, t.city, t.district, t.phone, t.email,
		       COALESCE(b.token, ''), COALESCE(b.public_name, '')
		FROM tenants t
		LEFT JOIN bot_identities b ON b.tenant_id = t.id
		WHERE t.id = $1`, id).
		Scan(&t.ID, &t.Name, &active, &t.City, &t.District, &t.Phone, &t.Email,
			&t.BotToken, &t.PublicName)
	if errors.Is(err, sql.ErrNoRows) {
		return Tenant{}, ErrNotFound
	}
	if err != nil {
		return Tenant{}, err
	}
	t.Active = itob(active)
	return t, nil
}

// ActivePlan resolves the tenant's currently active plan: the most recent
// purchase with is_active=1 and start_at <= now < end_at. Returns ErrNotFound
// when the tenant has no live purchase, which means a zero capability set.
func (s *Store) ActivePlan(ctx context.Context, tenantID int64, now time.Time) (Plan, error) {
	var p Plan
	var massBroadcast, connect, analytics, advAnalytics int64
	var hasAI, autoReply, sentiment, contentGen, chatbot, classify int64
	err := s.db.QueryRowContext(ctx, `
		SELECT p.id, p.name, p.code,
		       p.max_messages, p.max_programs, p.max_headquarters, p.max_broadcast_per_day,
		       p.can_mass_broadcast, p.can_connect,
		       p.has_analytics, p.has_advanced_analytics,
		       p.has_ai, p.ai_auto_reply, p.ai_sentiment_analysis,
		       p.ai_content_generation, p.ai_smart_chatbot, p.ai_message_classification
		FROM plan_purchases pu
		JOIN plans p ON p.id = pu.plan_id
		WHERE pu.tenant_id = $1
		  AND pu.is_active = 1
		  AND pu.start_at <= $2
		  AND pu.end_at > $2
		ORDER BY pu.end_at DESC
		LIMIT 1`, tenantID, now.UnixMilli()).
		Scan(&p.ID, &p.Name, &p.Code,
			&p.MaxMessages, &p.MaxPrograms, &p.MaxHeadquarters, &p.MaxBroadcastPerDay,
			&massBroadcast, &connect, &analytics, &advAnalytics,
			&hasAI, &autoReply, &sentiment, &contentGen, &chatbot, &classify)
	if errors.Is(err, sql.ErrNoRows) {
		return Plan{}, ErrNotFound
	}
	if err != nil {
		return Plan{}, err
	}
	p.CanMassBroadcast = itob(massBroadcast)
	p.CanConnect = itob(connect)
	p.HasAnalytics = itob(analytics)
	p.HasAdvancedAnalytics = itob(advAnalytics)
	p.HasAI = itob(hasAI)
	p.AIAutoReply = itob(autoReply)
	p.AISentimentAnalysis = itob(sentiment)
	p.AIContentGeneration = itob(contentGen)
	p.AISmartChatbot = itob(chatbot)
	p.AIMessageClassification = itob(classify)
	return p, nil
}

// TouchBotActive records a worker heartbeat on the tenant's bot identity.
func (s *Store) TouchBotActive(ctx context.Context, tenantID int64, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE bot_identities SET last_active = $1 WHERE tenant_id = $2`,
		now.UnixMilli(), tenantID)
	return err
}

// Resumes returns the tenant's resume entries in display order.
func (s *Store) Resumes(ctx context.Context, tenantID int64) ([]Resume, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT title, year, description FROM resumes WHERE tenant_id = $1 ORDER BY ord, id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Resume
	for rows.Next() {
		var r Resume
		if err := rows.Scan(&r.Title, &r.Year, &r.Description); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) Programs(ctx context.Context, tenantID int64) ([]Program, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT title, category, description FROM programs WHERE tenant_id = $1 ORDER BY id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Program
	for rows.Next() {
		var p Program
		if err := rows.Scan(&p.Title, &p.Category, &p.Description); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) Headquarters(ctx context.Context, tenantID int64) ([]Headquarters, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, address, phone FROM headquarters WHERE tenant_id = $1 ORDER BY id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Headquarters
	for rows.Next() {
		var h Headquarters
		if err := rows.Scan(&h.Name, &h.Address, &h.Phone); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
