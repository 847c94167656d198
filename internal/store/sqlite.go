// Package store provides SQLite-backed persistence for the provenance
// event log and the record of signed exports.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"sonnun/internal/attribution"
	"sonnun/internal/provenance"
)

// DefaultBusyTimeout is applied when Options leaves it zero.
const DefaultBusyTimeout = 5 * time.Second

// Options tunes how the database is opened.
type Options struct {
	BusyTimeout time.Duration
}

// Store is the SQLite event store. It implements provenance.Store.
type Store struct {
	db *sql.DB
	// mu serializes appends so the hash chain has a single tip.
	mu sync.Mutex
}

var _ provenance.Store = (*Store)(nil)

// Open opens or creates the SQLite database at path and runs migrations.
func Open(path string) (*Store, error) {
	return OpenWithOptions(path, Options{})
}

// OpenWithOptions is Open with explicit options.
func OpenWithOptions(path string, opts Options) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	busy := opts.BusyTimeout
	if busy <= 0 {
		busy = DefaultBusyTimeout
	}

	// Writers take the lock up front so that a chain tip read inside a
	// transaction cannot go stale before the insert.
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=%d&_txlock=immediate", path, busy.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	if err := ValidateSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("validate schema: %w", err)
	}

	// The file exists once migrations ran.
	if err := os.Chmod(path, 0600); err != nil {
		db.Close()
		return nil, fmt.Errorf("set database permissions: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// DB exposes the underlying handle for migrations tooling.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Append inserts an event and links it to the chain tip. Sequence ids are
// unique per document.
func (s *Store) Append(ctx context.Context, e provenance.Event) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	prev, err := chainTip(ctx, tx)
	if err != nil {
		return err
	}
	hash := chainHash(prev, e)

	var raw sql.NullString
	if e.Text != "" {
		raw = sql.NullString{String: e.Text, Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (sequence_id, document_id, timestamp_ns, category, source, span_length, content_reference, raw_text, previous_hash, event_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Sequence, e.DocumentID, e.Timestamp.UnixNano(), string(e.Category), e.Source,
		e.SpanLength, e.ContentReference, raw, prev[:], hash[:],
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// List returns events matching f ordered by (timestamp, sequence id).
func (s *Store) List(ctx context.Context, f provenance.Filter) ([]provenance.Event, error) {
	var (
		where []string
		args  []any
	)
	if !f.Since.IsZero() {
		where = append(where, "timestamp_ns >= ?")
		args = append(args, f.Since.UnixNano())
	}
	if f.Category != "" {
		where = append(where, "category = ?")
		args = append(args, string(f.Category))
	}
	if f.DocumentID != "" {
		where = append(where, "document_id = ?")
		args = append(args, f.DocumentID)
	}

	q := `SELECT sequence_id, document_id, timestamp_ns, category, source, span_length, content_reference, raw_text FROM events`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY timestamp_ns ASC, sequence_id ASC, id ASC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// LastSequence returns the highest sequence id stored for a document, or 0.
func (s *Store) LastSequence(ctx context.Context, documentID string) (int64, error) {
	var last int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(sequence_id), 0) FROM events WHERE document_id = ?", documentID,
	).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("get last sequence: %w", err)
	}
	return last, nil
}

// CategoryTotals sums logged span lengths and event counts per category.
func (s *Store) CategoryTotals(ctx context.Context, documentID string) (map[attribution.Category]CategoryTotal, error) {
	q := "SELECT category, COUNT(*), COALESCE(SUM(span_length), 0) FROM events"
	var args []any
	if documentID != "" {
		q += " WHERE document_id = ?"
		args = append(args, documentID)
	}
	q += " GROUP BY category"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query category totals: %w", err)
	}
	defer rows.Close()

	out := make(map[attribution.Category]CategoryTotal, len(attribution.Categories))
	for _, c := range attribution.Categories {
		out[c] = CategoryTotal{}
	}
	for rows.Next() {
		var cat string
		var t CategoryTotal
		if err := rows.Scan(&cat, &t.Events, &t.Chars); err != nil {
			return nil, fmt.Errorf("scan category total: %w", err)
		}
		out[attribution.Category(cat)] = t
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate category totals: %w", err)
	}
	return out, nil
}

// Documents lists the distinct document ids with their event counts.
func (s *Store) Documents(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT document_id, COUNT(*) FROM events GROUP BY document_id")
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		out[id] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return out, nil
}

func scanEvents(rows *sql.Rows) ([]provenance.Event, error) {
	var events []provenance.Event

	for rows.Next() {
		var e provenance.Event
		var ts int64
		var cat string
		var raw sql.NullString

		if err := rows.Scan(&e.Sequence, &e.DocumentID, &ts, &cat, &e.Source, &e.SpanLength, &e.ContentReference, &raw); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Timestamp = unixNano(ts)
		e.Category = categoryOf(cat)
		e.Text = raw.String

		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}

	return events, nil
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
