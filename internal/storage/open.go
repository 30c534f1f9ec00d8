package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"strings"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaFS embed.FS

// Store is the persistence handle shared by the registry, the workers and the
// drivers. It is safe for concurrent use; every method runs its own unit of
// work against the pool.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open connects to the store described by databaseURL.
//
//	postgres://...  -> lib/pq (production; schema provisioned externally)
//	anything else   -> modernc sqlite file (local/dev/tests; schema auto-created)
func Open(ctx context.Context, databaseURL string, log zerolog.Logger) (*Store, error) {
	dsn := strings.TrimSpace(databaseURL)
	if dsn == "" {
		return nil, errors.New("storage: DATABASE_URL is empty")
	}

	s := &Store{log: log.With().Str("component", "storage").Logger()}

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, err
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		s.db = db
		s.log.Info().Str("driver", "postgres").Msg("store opened")
		return s, nil
	}

	dsn = strings.TrimPrefix(dsn, "sqlite://")
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA busy_timeout = 5000")
	_, _ = db.ExecContext(ctx, "PRAGMA foreign_keys = ON")

	s.db = db
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.log.Info().Str("driver", "sqlite").Msg("store opened")
	return s, nil
}

// OpenMemory opens a throwaway in-memory store. Test helper; the single-conn
// pool keeps the memory database alive for the life of the Store.
func OpenMemory(ctx context.Context, log zerolog.Logger) (*Store, error) {
	return Open(ctx, ":memory:", log)
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the underlying pool for test fixtures.
func (s *Store) DB() *sql.DB { return s.db }
