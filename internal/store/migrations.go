package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Migration represents a database schema migration.
type Migration struct {
	Version     int
	Description string
	Up          string
}

// migrations contains all database migrations in order.
var migrations = []Migration{
	{
		Version:     1,
		Description: "Provenance events with hash chain and append-only triggers",
		Up:          migrationV1Up,
	},
	{
		Version:     2,
		Description: "Add exports table for signed artifact metadata",
		Up:          migrationV2Up,
	},
	{
		Version:     3,
		Description: "Number events per document; chain follows insertion order",
		Up:          migrationV3Up,
	},
}

const migrationV1Up = `
CREATE TABLE IF NOT EXISTS events (
    sequence_id       INTEGER PRIMARY KEY,
    document_id       TEXT NOT NULL DEFAULT '',
    timestamp_ns      INTEGER NOT NULL,
    category          TEXT NOT NULL CHECK (category IN ('human', 'ai', 'cited')),
    source            TEXT NOT NULL DEFAULT '',
    span_length       INTEGER NOT NULL CHECK (span_length >= 0),
    content_reference TEXT NOT NULL,
    raw_text          TEXT,
    previous_hash     BLOB NOT NULL,
    event_hash        BLOB NOT NULL UNIQUE
);

CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp_ns, sequence_id);
CREATE INDEX IF NOT EXISTS idx_events_category ON events(category);
CREATE INDEX IF NOT EXISTS idx_events_source ON events(source);
CREATE INDEX IF NOT EXISTS idx_events_document ON events(document_id, timestamp_ns);

CREATE TRIGGER IF NOT EXISTS events_no_update
BEFORE UPDATE ON events
BEGIN
    SELECT RAISE(ABORT, 'events are append-only');
END;

CREATE TRIGGER IF NOT EXISTS events_no_delete
BEFORE DELETE ON events
BEGIN
    SELECT RAISE(ABORT, 'events are append-only');
END;
`

const migrationV2Up = `
CREATE TABLE IF NOT EXISTS exports (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    document_id     TEXT NOT NULL DEFAULT '',
    document_hash   TEXT NOT NULL,
    title           TEXT,
    author          TEXT,
    output_path     TEXT,
    signature       TEXT NOT NULL,
    public_key      TEXT NOT NULL,
    human_pct       REAL NOT NULL,
    ai_pct          REAL NOT NULL,
    cited_pct       REAL NOT NULL,
    total_chars     INTEGER NOT NULL,
    signed_at_ns    INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_exports_document ON exports(document_id, signed_at_ns);
CREATE INDEX IF NOT EXISTS idx_exports_hash ON exports(document_hash);
`

// Sequence ids were global; two logs opened over one database could hand
// out the same id. Rows keep their ids and order, now under a separate
// insertion key.
const migrationV3Up = `
DROP TRIGGER IF EXISTS events_no_update;
DROP TRIGGER IF EXISTS events_no_delete;

CREATE TABLE events_v3 (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    sequence_id       INTEGER NOT NULL CHECK (sequence_id > 0),
    document_id       TEXT NOT NULL DEFAULT '',
    timestamp_ns      INTEGER NOT NULL,
    category          TEXT NOT NULL CHECK (category IN ('human', 'ai', 'cited')),
    source            TEXT NOT NULL DEFAULT '',
    span_length       INTEGER NOT NULL CHECK (span_length >= 0),
    content_reference TEXT NOT NULL,
    raw_text          TEXT,
    previous_hash     BLOB NOT NULL,
    event_hash        BLOB NOT NULL UNIQUE,
    UNIQUE (document_id, sequence_id)
);

INSERT INTO events_v3 (id, sequence_id, document_id, timestamp_ns, category, source, span_length, content_reference, raw_text, previous_hash, event_hash)
SELECT sequence_id, sequence_id, document_id, timestamp_ns, category, source, span_length, content_reference, raw_text, previous_hash, event_hash
FROM events ORDER BY sequence_id;

DROP TABLE events;
ALTER TABLE events_v3 RENAME TO events;

CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp_ns, sequence_id);
CREATE INDEX IF NOT EXISTS idx_events_category ON events(category);
CREATE INDEX IF NOT EXISTS idx_events_source ON events(source);
CREATE INDEX IF NOT EXISTS idx_events_document ON events(document_id, timestamp_ns);

CREATE TRIGGER IF NOT EXISTS events_no_update
BEFORE UPDATE ON events
BEGIN
    SELECT RAISE(ABORT, 'events are append-only');
END;

CREATE TRIGGER IF NOT EXISTS events_no_delete
BEFORE DELETE ON events
BEGIN
    SELECT RAISE(ABORT, 'events are append-only');
END;
`

// MigrateDB applies all pending migrations to the database.
func MigrateDB(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			applied_at  INTEGER NOT NULL,
			description TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	currentVersion, err := schemaVersion(db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= currentVersion {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction for migration %d: %w", m.Version, err)
		}

		// Another process may have migrated while we waited for the lock.
		applied, err := schemaVersion(tx)
		if err != nil {
			tx.Rollback()
			return err
		}
		if m.Version <= applied {
			tx.Rollback()
			continue
		}

		if _, err := tx.Exec(m.Up); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
			m.Version, time.Now().UnixNano(), m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

type rowQueryer interface {
	QueryRow(query string, args ...any) *sql.Row
}

func schemaVersion(db rowQueryer) (int, error) {
	var v int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&v); err != nil {
		return 0, fmt.Errorf("get current version: %w", err)
	}
	return v, nil
}

// LatestVersion is the schema version after all migrations.
func LatestVersion() int {
	return migrations[len(migrations)-1].Version
}

// ValidateSchema checks that all expected tables exist and that the
// database was not written by a newer schema.
func ValidateSchema(db rowQueryer) error {
	v, err := schemaVersion(db)
	if err != nil {
		return err
	}
	if v > LatestVersion() {
		return fmt.Errorf("schema version %d is newer than supported version %d", v, LatestVersion())
	}
	for _, table := range []string{"events", "exports", "schema_migrations"} {
		var count int
		err := db.QueryRow(
			"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?",
			table,
		).Scan(&count)
		if err != nil {
			return fmt.Errorf("check table %s: %w", table, err)
		}
		if count == 0 {
			return fmt.Errorf("missing required table: %s", table)
		}
	}
	return nil
}
