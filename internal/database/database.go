package database

import (
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const (
	driverSQLite   = "sqlite"
	driverPostgres = "postgres"
)

func init() {
	// modernc registers as "sqlite", which sqlx does not know about.
	sqlx.BindDriver(driverSQLite, sqlx.QUESTION)
}

// DriverFor picks the database/sql driver for a DSN. postgres:// and
// postgresql:// URLs go to lib/pq; everything else is a SQLite path or
// file: URI on the device.
func DriverFor(dsn string) string {
	lower := strings.ToLower(dsn)
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return driverPostgres
	}
	return driverSQLite
}

// Connect opens the action store and verifies the connection
func Connect(dsn string) (*sqlx.DB, error) {
	driver := DriverFor(dsn)
	logger := log.With().Str("component", "database").Str("driver", driver).Logger()

	logger.Debug().Int("dsn_length", len(dsn)).Msg("Connecting to action store")

	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if driver == driverSQLite {
		// One connection serialises writers and keeps per-connection
		// pragmas in effect.
		db.SetMaxOpenConns(1)

		pragmas := []string{
			"PRAGMA journal_mode = WAL",
			"PRAGMA synchronous = FULL",
			"PRAGMA busy_timeout = 5000",
		}
		for _, pragma := range pragmas {
			if _, err := db.Exec(pragma); err != nil {
				db.Close()
				return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
			}
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info().Msg("Action store connection established")
	return db, nil
}

// Migrate creates the queue, dead letter and snapshot tables
func Migrate(db *sqlx.DB) error {
	seqColumn := "INTEGER PRIMARY KEY AUTOINCREMENT"
	blobType := "BLOB"
	if db.DriverName() == driverPostgres {
		seqColumn = "BIGSERIAL PRIMARY KEY"
		blobType = "BYTEA"
	}

	migrations := []string{
		// Pending remote mutations, drained in seq order
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS queued_actions (
			seq %s,
			id TEXT NOT NULL UNIQUE,
			trip_id TEXT NOT NULL,
			student_id TEXT,
			kind TEXT NOT NULL,
			payload %s NOT NULL,
			enqueued_at BIGINT NOT NULL,
			retry_count INT NOT NULL DEFAULT 0,
			max_retries INT NOT NULL,
			last_error TEXT,
			CHECK (retry_count >= 0)
		)`, seqColumn, blobType),

		`CREATE INDEX IF NOT EXISTS idx_queued_actions_student
			ON queued_actions(trip_id, student_id)`,

		// Actions that exhausted their retries, kept until acknowledged
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS dead_letters (
			id TEXT PRIMARY KEY,
			seq BIGINT NOT NULL,
			trip_id TEXT NOT NULL,
			student_id TEXT,
			kind TEXT NOT NULL,
			payload %s NOT NULL,
			enqueued_at BIGINT NOT NULL,
			retry_count INT NOT NULL,
			max_retries INT NOT NULL,
			last_error TEXT,
			failed_at BIGINT NOT NULL
		)`, blobType),

		// Last known trip session for resume after a crash
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS trip_snapshots (
			trip_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			snapshot %s NOT NULL,
			updated_at BIGINT NOT NULL
		)`, blobType),
	}

	for i, migration := range migrations {
		if _, err := db.Exec(migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	log.Info().Str("component", "database").Int("migrations", len(migrations)).Msg("Migrations applied")
	return nil
}
