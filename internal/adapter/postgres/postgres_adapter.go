package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"
)

const table = "cache_entries"

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

const schema = `
CREATE TABLE IF NOT EXISTS cache_entries (
    key         TEXT PRIMARY KEY,
    value       BYTEA       NOT NULL,
    expires_at  TIMESTAMPTZ,
    updated_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cache_entries_expires_at ON cache_entries(expires_at);
`

const upsertSuffix = `
                ON CONFLICT (key) DO UPDATE SET
                    value = EXCLUDED.value,
                    expires_at = EXCLUDED.expires_at,
                    updated_at = EXCLUDED.updated_at
            `

// Store keeps cache entries in one table. Each Set is a single upsert
// statement, so a reader never sees a partially replaced value.
type Store struct {
	pool   Pool
	now    func() time.Time
	logger *logrus.Logger
}

func NewStore(pool Pool, now func() time.Time, logger *logrus.Logger) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		pool:   pool,
		now:    now,
		logger: logger,
	}
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		s.logger.WithError(err).Error("Failed to create cache table")
		return fmt.Errorf("create cache table: %w", err)
	}
	return nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	now := s.now().UTC()
	var expiresAt any
	if ttl > 0 {
		expiresAt = now.Add(ttl)
	}

	query, args, err := psql.Insert(table).
		Columns("key", "value", "expires_at", "updated_at").
		Values(key, value, expiresAt, now).
		Suffix(upsertSuffix).
		ToSql()
	if err != nil {
		return fmt.Errorf("build upsert for %s: %w", key, err)
	}

	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		s.logger.WithError(err).WithField("key", key).Error("Failed to upsert cache entry")
		return fmt.Errorf("upsert %s: %w", key, err)
	}

	s.logger.WithFields(logrus.Fields{"key": key, "ttl": ttl}).Debug("Postgres store set")
	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	query, args, err := psql.
		Select("value").
		From(table).
		Where(sq.Eq{"key": key}).
		Where(sq.Or{sq.Eq{"expires_at": nil}, sq.Gt{"expires_at": s.now().UTC()}}).
		Limit(1).
		ToSql()
	if err != nil {
		s.logger.WithError(err).Error("Failed to build select query")
		return nil, false, fmt.Errorf("build select: %w", err)
	}

	var value []byte
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&value); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.logger.WithField("key", key).Debug("Postgres store miss")
			return nil, false, nil
		}
		s.logger.WithError(err).WithField("key", key).Error("Failed to query cache entry")
		return nil, false, fmt.Errorf("query %s: %w", key, err)
	}

	return value, true, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	query, args, err := psql.Delete(table).Where(sq.Eq{"key": key}).ToSql()
	if err != nil {
		return fmt.Errorf("build delete: %w", err)
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		s.logger.WithError(err).WithField("key", key).Error("Failed to delete cache entry")
		return fmt.Errorf("delete %s: %w", key, err)
	}

	s.logger.WithFields(logrus.Fields{"key": key, "rows": tag.RowsAffected()}).Debug("Postgres store delete")
	return nil
}

// PurgeExpired removes rows past their expiry and returns how many were deleted.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	query, args, err := psql.Delete(table).
		Where(sq.NotEq{"expires_at": nil}).
		Where(sq.LtOrEq{"expires_at": s.now().UTC()}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build purge: %w", err)
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		s.logger.WithError(err).Error("Failed to purge expired cache entries")
		return 0, fmt.Errorf("purge expired: %w", err)
	}
	return tag.RowsAffected(), nil
}
