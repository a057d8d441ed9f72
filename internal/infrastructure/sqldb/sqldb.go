// Package sqldb realizes the store port on database/sql for the MySQL and
// SQLite backends. PostgreSQL has its own pgx-native package; this one is
// the portable layer, so timestamps travel as fixed-width UTC text and all
// state transitions run as read-modify-write transactions.
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/flowerpower-dev/flowerpower/internal/backend"
	"github.com/flowerpower-dev/flowerpower/internal/domain"
	"github.com/flowerpower-dev/flowerpower/internal/repository"
)

var _ repository.Store = (*Store)(nil)

type Option func(*Store)

// WithNow injects the clock used for claim and transition timestamps.
func WithNow(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store implements repository.Store on a *sql.DB.
type Store struct {
	db      *sql.DB
	dialect dialect
	logger  *slog.Logger
	now     func() time.Time
}

// New opens the database named by the descriptor, creates the tables if
// they do not exist yet and returns the ready store.
func New(ctx context.Context, desc *backend.Descriptor, logger *slog.Logger, opts ...Option) (*Store, error) {
	var (
		d   dialect
		dsn string
	)
	switch desc.Kind {
	case backend.MySQL:
		d = mysqlDialect()
		dsn = mysqlDSN(desc)
	case backend.SQLite:
		d = sqliteDialect()
		dsn = sqliteDSN(desc)
	default:
		return nil, fmt.Errorf("%w: %q is not a database/sql backend", backend.ErrInvalidBackendKind, desc.Kind)
	}

	logger = logger.With("component", d.name+"-store")
	if desc.Schema != "" {
		logger.Warn("backend has no schema support, ignoring", "schema", desc.Schema)
	}

	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	d.tune(db)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{
		db:      db,
		dialect: d,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	for _, stmt := range s.dialect.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create tables: %w", err)
		}
	}
	return nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *Store) SweepExpired(ctx context.Context, now time.Time) (repository.SweepResult, error) {
	var result repository.SweepResult
	nowStr := encodeTime(now)

	evictQuery := `
		DELETE FROM jobs
		WHERE (purge_at IS NOT NULL AND purge_at < ?)
		   OR (ttl_expires_at IS NOT NULL AND ttl_expires_at < ?)
		   OR (status = 4 AND result_expires_at IS NOT NULL AND result_expires_at < ?)`
	res, err := s.db.ExecContext(ctx, evictQuery, nowStr, nowStr, nowStr)
	if err != nil {
		return result, fmt.Errorf("evict expired jobs: %w", err)
	}
	result.Evicted = rowsAffected(res)

	requeueQuery := `
		UPDATE jobs
		SET status = 1, scheduled_at = ?, started_at = NULL,
		    worker_id = '', lease_expires_at = NULL, updated_at = ?
		WHERE status = 3 AND lease_expires_at IS NOT NULL AND lease_expires_at < ?`
	res, err = s.db.ExecContext(ctx, requeueQuery, nowStr, nowStr, nowStr)
	if err != nil {
		return result, fmt.Errorf("requeue stale jobs: %w", err)
	}
	result.Requeued = rowsAffected(res)

	res, err = s.db.ExecContext(ctx, `DELETE FROM schedules WHERE next_fire_at IS NULL`)
	if err != nil {
		return result, fmt.Errorf("remove exhausted schedules: %w", err)
	}
	result.Exhausted = rowsAffected(res)

	if result.Evicted > 0 || result.Requeued > 0 || result.Exhausted > 0 {
		s.logger.Debug("sweep finished",
			"evicted", result.Evicted,
			"requeued", result.Requeued,
			"exhausted", result.Exhausted)
	}
	return result, nil
}

func rowsAffected(res sql.Result) int {
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return int(n)
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Timestamps are stored as fixed-width UTC text so lexicographic order is
// chronological order on every dialect.
const timeLayout = "2006-01-02 15:04:05.000000000"

func encodeTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func encodeTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return encodeTime(*t)
}

func decodeTime(s string) (time.Time, error) {
	t, err := time.ParseInLocation(timeLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: timestamp %q", domain.ErrInvalidArgument, s)
	}
	return t, nil
}

func decodeTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := decodeTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isNoRows(err error) bool { return errors.Is(err, sql.ErrNoRows) }
