package db

import (
	"database/sql"

	"go.uber.org/zap"

	"github.com/SeriousBug/frame-shift-video-sub000/errors"
)

// migrations is an append-only list of forward-only schema scripts.
// The meta table's "version" value records how many of them have been
// applied. Never edit or reorder an entry that has shipped; append a
// new one instead.
var migrations = []string{
	// 0: meta table + initial jobs schema
	`
	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	CREATE TABLE jobs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		input_file TEXT NOT NULL,
		output_file TEXT,
		ffmpeg_command TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		progress REAL NOT NULL DEFAULT 0,
		queue_position INTEGER,
		created_at TEXT NOT NULL DEFAULT (datetime('now')),
		updated_at TEXT NOT NULL DEFAULT (datetime('now')),
		started_at TEXT,
		ended_at TEXT,
		total_frames INTEGER,
		error_message TEXT
	);
	CREATE INDEX idx_jobs_status ON jobs(status);
	CREATE INDEX idx_jobs_queue_position ON jobs(queue_position);
	`,

	// 1: content-addressed configuration snapshots
	`
	CREATE TABLE job_configurations (
		key TEXT PRIMARY KEY,
		file_paths TEXT NOT NULL,
		config_json TEXT NOT NULL,
		picker_state TEXT,
		created_at TEXT NOT NULL DEFAULT (datetime('now'))
	);
	ALTER TABLE jobs ADD COLUMN config_key TEXT REFERENCES job_configurations(key);
	ALTER TABLE jobs ADD COLUMN config_json TEXT;
	`,

	// 2: multi-file submission bookkeeping
	`
	CREATE TABLE job_creation_batches (
		id TEXT PRIMARY KEY,
		total_files INTEGER NOT NULL,
		created_count INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'in_progress',
		error TEXT,
		config_key TEXT,
		created_at TEXT NOT NULL DEFAULT (datetime('now')),
		updated_at TEXT NOT NULL DEFAULT (datetime('now'))
	);
	`,

	// 3: retry/clear flags for listing semantics
	`
	ALTER TABLE jobs ADD COLUMN retried INTEGER NOT NULL DEFAULT 0;
	ALTER TABLE jobs ADD COLUMN cleared INTEGER NOT NULL DEFAULT 0;
	CREATE INDEX idx_jobs_cleared ON jobs(cleared);
	`,

	// 4: distributed claim bookkeeping
	`
	ALTER TABLE jobs ADD COLUMN assigned_worker TEXT;
	ALTER TABLE jobs ADD COLUMN worker_last_seen TEXT;
	CREATE INDEX idx_jobs_assigned_worker ON jobs(assigned_worker);
	`,
}

// Migrate applies all pending migrations inside a single transaction.
// The current schema version is the count of applied scripts; scripts
// with index >= version are pending.
func Migrate(db *sql.DB, logger *zap.SugaredLogger) error {
	version, err := schemaVersion(db)
	if err != nil {
		return err
	}

	if version > len(migrations) {
		return errors.Newf("database schema version %d is newer than this binary (max %d)", version, len(migrations))
	}
	if version == len(migrations) {
		if logger != nil {
			logger.Debugw("Schema up to date", "version", version)
		}
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return errors.Wrap(err, "begin migration tx")
	}
	defer tx.Rollback()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return errors.Wrapf(err, "execute migration %d", i)
		}
		if logger != nil {
			logger.Infow("Applied migration", "index", i)
		}
	}

	if _, err := tx.Exec(
		`INSERT INTO meta (key, value) VALUES ('version', ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		len(migrations),
	); err != nil {
		return errors.Wrap(err, "record schema version")
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit migrations")
	}

	if logger != nil {
		logger.Infow("Migrations complete",
			"from_version", version,
			"to_version", len(migrations),
		)
	}
	return nil
}

// schemaVersion reads the applied-migration count from the meta table.
// A missing table or row means a fresh database (version 0).
func schemaVersion(db *sql.DB) (int, error) {
	var exists bool
	err := db.QueryRow(
		`SELECT EXISTS(SELECT 1 FROM sqlite_master WHERE type='table' AND name='meta')`,
	).Scan(&exists)
	if err != nil {
		return 0, errors.Wrap(err, "check meta table")
	}
	if !exists {
		return 0, nil
	}

	var version int
	err = db.QueryRow(`SELECT value FROM meta WHERE key = 'version'`).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "read schema version")
	}
	return version, nil
}

// GetMeta reads a value from the meta table. Returns ErrNotFound when
// the key is absent.
func GetMeta(db *sql.DB, key string) (string, error) {
	var value string
	err := db.QueryRow(`SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errors.NewNotFoundError("meta key %s", key)
	}
	if err != nil {
		return "", errors.Wrapf(err, "read meta %s", key)
	}
	return value, nil
}

// SetMeta upserts a value in the meta table.
func SetMeta(db *sql.DB, key, value string) error {
	_, err := db.Exec(
		`INSERT INTO meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return errors.Wrapf(err, "set meta %s", key)
	}
	return nil
}
