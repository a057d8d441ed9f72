// Package postgres realizes the store and event broker ports on PostgreSQL.
// Jobs and schedules live in two tables created lazily on first connect;
// claims rely on FOR UPDATE SKIP LOCKED, events ride LISTEN/NOTIFY.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flowerpower-dev/flowerpower/internal/backend"
	"github.com/flowerpower-dev/flowerpower/internal/repository"
)

var _ repository.Store = (*Store)(nil)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS jobs (
	id                TEXT PRIMARY KEY,
	seq               BIGINT GENERATED ALWAYS AS IDENTITY,
	queue             TEXT NOT NULL,
	module            TEXT NOT NULL,
	symbol            TEXT NOT NULL,
	payload           BYTEA,
	status            INT NOT NULL,
	enqueued_at       TIMESTAMPTZ NOT NULL,
	scheduled_at      TIMESTAMPTZ,
	started_at        TIMESTAMPTZ,
	completed_at      TIMESTAMPTZ,
	attempt           INT NOT NULL DEFAULT 0,
	repeats           INT NOT NULL DEFAULT 0,
	retry_max         INT NOT NULL DEFAULT 0,
	retry_delay_ms    BIGINT NOT NULL DEFAULT 0,
	repeat_max        INT NOT NULL DEFAULT 0,
	result_ttl_ms     BIGINT NOT NULL DEFAULT 0,
	job_ttl_ms        BIGINT NOT NULL DEFAULT 0,
	executor          TEXT NOT NULL,
	result            BYTEA,
	failure           TEXT NOT NULL DEFAULT '',
	worker_id         TEXT NOT NULL DEFAULT '',
	lease_expires_at  TIMESTAMPTZ,
	ttl_expires_at    TIMESTAMPTZ,
	result_expires_at TIMESTAMPTZ,
	purge_at          TIMESTAMPTZ,
	schedule_id       TEXT NOT NULL DEFAULT '',
	dedup_key         TEXT NOT NULL DEFAULT '',
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS jobs_claim_idx ON jobs (queue, status, scheduled_at);
CREATE INDEX IF NOT EXISTS jobs_lease_idx ON jobs (lease_expires_at) WHERE status = 3;
CREATE INDEX IF NOT EXISTS jobs_schedule_idx ON jobs (schedule_id) WHERE schedule_id <> '';
CREATE UNIQUE INDEX IF NOT EXISTS jobs_dedup_idx ON jobs (dedup_key) WHERE dedup_key <> '';

CREATE TABLE IF NOT EXISTS schedules (
	id               TEXT PRIMARY KEY,
	queue            TEXT NOT NULL,
	module           TEXT NOT NULL,
	symbol           TEXT NOT NULL,
	payload          BYTEA,
	trigger_kind     INT NOT NULL,
	trigger_payload  BYTEA NOT NULL,
	next_fire_at     TIMESTAMPTZ,
	last_fire_at     TIMESTAMPTZ,
	misfire_grace_ms BIGINT NOT NULL DEFAULT 0,
	max_jitter_ms    BIGINT NOT NULL DEFAULT 0,
	"coalesce"       INT NOT NULL,
	max_running_jobs INT NOT NULL DEFAULT 0,
	paused           BOOLEAN NOT NULL DEFAULT FALSE,
	result_ttl_ms    BIGINT NOT NULL DEFAULT 0,
	executor         TEXT NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS schedules_due_idx ON schedules (next_fire_at) WHERE NOT paused;
`

// Store implements repository.Store on a pgx connection pool.
type Store struct {
	pool   *pgxpool.Pool
	uri    string
	logger *slog.Logger
}

// New connects to the database named by the descriptor, creates the tables
// if they do not exist yet and returns the ready store. When the descriptor
// carries a schema it is created as well and all tables live inside it.
func New(ctx context.Context, desc *backend.Descriptor, logger *slog.Logger) (*Store, error) {
	uri := normalizeURI(desc.URI)
	pool, err := NewPool(ctx, uri, desc.Schema)
	if err != nil {
		return nil, err
	}
	s := &Store{
		pool:   pool,
		uri:    uri,
		logger: logger.With("component", "postgres-store"),
	}
	if err := s.ensureSchema(ctx, desc.Schema); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewPool creates a pgx connection pool tuned for queue traffic and verifies
// connectivity before returning it.
func NewPool(ctx context.Context, uri, schema string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(uri)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute
	config.HealthCheckPeriod = 30 * time.Second
	config.ConnConfig.ConnectTimeout = 5 * time.Second
	if schema != "" {
		config.ConnConfig.RuntimeParams["search_path"] = schema
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// normalizeURI rewrites the descriptor's generic ssl parameter into the
// libpq sslmode parameter pgx understands.
func normalizeURI(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return uri
	}
	q := u.Query()
	ssl := q.Get("ssl")
	if ssl == "" {
		return uri
	}
	q.Del("ssl")
	switch ssl {
	case "true":
		q.Set("sslmode", "require")
	case "false":
		q.Set("sslmode", "disable")
	default:
		q.Set("sslmode", ssl)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (s *Store) ensureSchema(ctx context.Context, schema string) error {
	if schema != "" {
		ddl := "CREATE SCHEMA IF NOT EXISTS " + pgx.Identifier{schema}.Sanitize()
		if _, err := s.pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("create schema %s: %w", schema, err)
		}
	}
	if _, err := s.pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}

func (s *Store) SweepExpired(ctx context.Context, now time.Time) (repository.SweepResult, error) {
	var result repository.SweepResult

	evictQuery := `
		DELETE FROM jobs
		WHERE (purge_at IS NOT NULL AND purge_at < $1)
		   OR (ttl_expires_at IS NOT NULL AND ttl_expires_at < $1)
		   OR (status = 4 AND result_expires_at IS NOT NULL AND result_expires_at < $1)`
	tag, err := s.pool.Exec(ctx, evictQuery, now)
	if err != nil {
		return result, fmt.Errorf("evict expired jobs: %w", err)
	}
	result.Evicted = int(tag.RowsAffected())

	requeueQuery := `
		UPDATE jobs
		SET status = 1, scheduled_at = $1, started_at = NULL,
		    worker_id = '', lease_expires_at = NULL, updated_at = NOW()
		WHERE status = 3 AND lease_expires_at IS NOT NULL AND lease_expires_at < $1`
	tag, err = s.pool.Exec(ctx, requeueQuery, now)
	if err != nil {
		return result, fmt.Errorf("requeue stale jobs: %w", err)
	}
	result.Requeued = int(tag.RowsAffected())

	exhaustedQuery := `DELETE FROM schedules WHERE next_fire_at IS NULL`
	tag, err = s.pool.Exec(ctx, exhaustedQuery)
	if err != nil {
		return result, fmt.Errorf("remove exhausted schedules: %w", err)
	}
	result.Exhausted = int(tag.RowsAffected())

	if result.Evicted > 0 || result.Requeued > 0 || result.Exhausted > 0 {
		s.logger.Debug("sweep finished",
			"evicted", result.Evicted,
			"requeued", result.Requeued,
			"exhausted", result.Exhausted)
	}
	return result, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
