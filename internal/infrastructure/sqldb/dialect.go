package sqldb

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"modernc.org/sqlite"

	"github.com/flowerpower-dev/flowerpower/internal/backend"
)

// coalesce is a function name in SQL, so the column needs quoting. Both
// MySQL and SQLite accept the backtick form.
const coalesceCol = "`coalesce`"

// dialect captures where MySQL and SQLite diverge: DDL, row locking and
// the arrival-order tiebreak column.
type dialect struct {
	name        string
	driver      string
	schema      []string
	claimLock   string // appended to the claim candidate SELECT
	rowLock     string // appended to read-for-update SELECTs
	tiebreak    string // column breaking FIFO ties between equal fire times
	tune        func(db *sql.DB)
	isDuplicate func(err error) bool
}

func mysqlDialect() dialect {
	return dialect{
		name:   "mysql",
		driver: "mysql",
		schema: []string{
			`CREATE TABLE IF NOT EXISTS jobs (
				id                VARCHAR(191) PRIMARY KEY,
				seq               BIGINT NOT NULL AUTO_INCREMENT,
				queue             VARCHAR(191) NOT NULL,
				module            VARCHAR(255) NOT NULL,
				symbol            VARCHAR(255) NOT NULL,
				payload           MEDIUMBLOB,
				status            INT NOT NULL,
				enqueued_at       CHAR(29) NOT NULL,
				scheduled_at      CHAR(29),
				started_at        CHAR(29),
				completed_at      CHAR(29),
				attempt           INT NOT NULL DEFAULT 0,
				repeats           INT NOT NULL DEFAULT 0,
				retry_max         INT NOT NULL DEFAULT 0,
				retry_delay_ms    BIGINT NOT NULL DEFAULT 0,
				repeat_max        INT NOT NULL DEFAULT 0,
				result_ttl_ms     BIGINT NOT NULL DEFAULT 0,
				job_ttl_ms        BIGINT NOT NULL DEFAULT 0,
				executor          VARCHAR(32) NOT NULL,
				result            MEDIUMBLOB,
				failure           TEXT NOT NULL,
				worker_id         VARCHAR(191) NOT NULL DEFAULT '',
				lease_expires_at  CHAR(29),
				ttl_expires_at    CHAR(29),
				result_expires_at CHAR(29),
				purge_at          CHAR(29),
				schedule_id       VARCHAR(191) NOT NULL DEFAULT '',
				dedup_key         VARCHAR(191),
				updated_at        CHAR(29) NOT NULL,
				UNIQUE KEY jobs_seq_key (seq),
				UNIQUE KEY jobs_dedup_idx (dedup_key),
				KEY jobs_claim_idx (queue, status, scheduled_at),
				KEY jobs_lease_idx (lease_expires_at),
				KEY jobs_schedule_idx (schedule_id)
			)`,
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS schedules (
				id               VARCHAR(191) PRIMARY KEY,
				queue            VARCHAR(191) NOT NULL,
				module           VARCHAR(255) NOT NULL,
				symbol           VARCHAR(255) NOT NULL,
				payload          MEDIUMBLOB,
				trigger_kind     INT NOT NULL,
				trigger_payload  MEDIUMBLOB NOT NULL,
				next_fire_at     CHAR(29),
				last_fire_at     CHAR(29),
				misfire_grace_ms BIGINT NOT NULL DEFAULT 0,
				max_jitter_ms    BIGINT NOT NULL DEFAULT 0,
				%s               INT NOT NULL,
				max_running_jobs INT NOT NULL DEFAULT 0,
				paused           INT NOT NULL DEFAULT 0,
				result_ttl_ms    BIGINT NOT NULL DEFAULT 0,
				executor         VARCHAR(32) NOT NULL,
				created_at       CHAR(29) NOT NULL,
				updated_at       CHAR(29) NOT NULL,
				KEY schedules_due_idx (paused, next_fire_at)
			)`, coalesceCol),
		},
		claimLock: " FOR UPDATE SKIP LOCKED",
		rowLock:   " FOR UPDATE",
		tiebreak:  "seq",
		tune: func(db *sql.DB) {
			db.SetMaxOpenConns(25)
			db.SetMaxIdleConns(5)
			db.SetConnMaxLifetime(time.Hour)
		},
		isDuplicate: func(err error) bool {
			var mysqlErr *mysql.MySQLError
			return errors.As(err, &mysqlErr) && mysqlErr.Number == 1062
		},
	}
}

func sqliteDialect() dialect {
	return dialect{
		name:   "sqlite",
		driver: "sqlite",
		schema: []string{
			`CREATE TABLE IF NOT EXISTS jobs (
				id                TEXT PRIMARY KEY,
				queue             TEXT NOT NULL,
				module            TEXT NOT NULL,
				symbol            TEXT NOT NULL,
				payload           BLOB,
				status            INTEGER NOT NULL,
				enqueued_at       TEXT NOT NULL,
				scheduled_at      TEXT,
				started_at        TEXT,
				completed_at      TEXT,
				attempt           INTEGER NOT NULL DEFAULT 0,
				repeats           INTEGER NOT NULL DEFAULT 0,
				retry_max         INTEGER NOT NULL DEFAULT 0,
				retry_delay_ms    INTEGER NOT NULL DEFAULT 0,
				repeat_max        INTEGER NOT NULL DEFAULT 0,
				result_ttl_ms     INTEGER NOT NULL DEFAULT 0,
				job_ttl_ms        INTEGER NOT NULL DEFAULT 0,
				executor          TEXT NOT NULL,
				result            BLOB,
				failure           TEXT NOT NULL DEFAULT '',
				worker_id         TEXT NOT NULL DEFAULT '',
				lease_expires_at  TEXT,
				ttl_expires_at    TEXT,
				result_expires_at TEXT,
				purge_at          TEXT,
				schedule_id       TEXT NOT NULL DEFAULT '',
				dedup_key         TEXT UNIQUE,
				updated_at        TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS jobs_claim_idx ON jobs (queue, status, scheduled_at)`,
			`CREATE INDEX IF NOT EXISTS jobs_lease_idx ON jobs (lease_expires_at) WHERE status = 3`,
			`CREATE INDEX IF NOT EXISTS jobs_schedule_idx ON jobs (schedule_id) WHERE schedule_id <> ''`,
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS schedules (
				id               TEXT PRIMARY KEY,
				queue            TEXT NOT NULL,
				module           TEXT NOT NULL,
				symbol           TEXT NOT NULL,
				payload          BLOB,
				trigger_kind     INTEGER NOT NULL,
				trigger_payload  BLOB NOT NULL,
				next_fire_at     TEXT,
				last_fire_at     TEXT,
				misfire_grace_ms INTEGER NOT NULL DEFAULT 0,
				max_jitter_ms    INTEGER NOT NULL DEFAULT 0,
				%s               INTEGER NOT NULL,
				max_running_jobs INTEGER NOT NULL DEFAULT 0,
				paused           INTEGER NOT NULL DEFAULT 0,
				result_ttl_ms    INTEGER NOT NULL DEFAULT 0,
				executor         TEXT NOT NULL,
				created_at       TEXT NOT NULL,
				updated_at       TEXT NOT NULL
			)`, coalesceCol),
			`CREATE INDEX IF NOT EXISTS schedules_due_idx ON schedules (next_fire_at) WHERE paused = 0`,
		},
		claimLock: "",
		rowLock:   "",
		tiebreak:  "rowid",
		tune: func(db *sql.DB) {
			// SQLite serializes writers anyway; a single connection avoids
			// SQLITE_BUSY storms under concurrent claims.
			db.SetMaxOpenConns(1)
		},
		isDuplicate: func(err error) bool {
			var sqliteErr *sqlite.Error
			if !errors.As(err, &sqliteErr) {
				return false
			}
			switch sqliteErr.Code() {
			case 19, 1555, 2067: // SQLITE_CONSTRAINT, _PRIMARYKEY, _UNIQUE
				return true
			}
			return false
		},
	}
}

func mysqlDSN(desc *backend.Descriptor) string {
	cfg := mysql.NewConfig()
	cfg.User = desc.Username
	cfg.Passwd = desc.Password
	cfg.Net = "tcp"
	cfg.Addr = fmt.Sprintf("%s:%d", desc.Host, desc.Port)
	cfg.DBName = desc.Database
	if desc.SSL {
		cfg.TLSConfig = "skip-verify"
	}
	return cfg.FormatDSN()
}

func sqliteDSN(desc *backend.Descriptor) string {
	// Immediate transactions take the write lock at BEGIN, which is what
	// the read-modify-write transition flow needs.
	return "file:" + desc.Database + "?_txlock=immediate&_pragma=busy_timeout(5000)"
}
