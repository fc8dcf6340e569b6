package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Executor abstracts the pgx pool so tests can stub query results.
type Executor interface {
	Exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, query string, args ...any) pgx.Row
}

const (
	qGetEntry = `SELECT value FROM kv_entries
WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())`
	qPutEntry = `INSERT INTO kv_entries (key, value, expires_at)
VALUES ($1, $2, $3)
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`
	qDeleteEntry    = `DELETE FROM kv_entries WHERE key = $1`
	qDeleteExpired  = `DELETE FROM kv_entries WHERE expires_at IS NOT NULL AND expires_at <= now()`
	qEnsureKVSchema = `CREATE TABLE IF NOT EXISTS kv_entries (
key TEXT PRIMARY KEY,
value TEXT NOT NULL,
expires_at TIMESTAMPTZ
)`
)

// PostgresStore persists entries in a kv_entries table. TTLs become an
// expires_at column; expired rows are filtered on read and removed by the
// sweeper cmd.
type PostgresStore struct {
	db Executor
}

func NewPostgresStore(db Executor) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the backing table when it does not exist yet.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, qEnsureKVSchema); err != nil {
		return fmt.Errorf("kv: ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(ctx, qGetEntry, key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("kv: get %q: %w", key, err)
	}
	return value, true, nil
}

func (s *PostgresStore) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	var expiresAt any
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}
	if _, err := s.db.Exec(ctx, qPutEntry, key, value, expiresAt); err != nil {
		return fmt.Errorf("kv: put %q: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.Exec(ctx, qDeleteEntry, key); err != nil {
		return fmt.Errorf("kv: delete %q: %w", key, err)
	}
	return nil
}

// DeleteExpired removes rows whose TTL has elapsed and reports how many were
// dropped.
func (s *PostgresStore) DeleteExpired(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx, qDeleteExpired)
	if err != nil {
		return 0, fmt.Errorf("kv: delete expired: %w", err)
	}
	return tag.RowsAffected(), nil
}

var _ Store = (*PostgresStore)(nil)
