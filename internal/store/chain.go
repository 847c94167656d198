package store

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"fmt"

	"sonnun/internal/provenance"
)

// chainHash links an event to its predecessor:
// SHA-256(previous || sequence || timestamp_ns || span_length || category
// || source || content_reference || document_id), strings NUL-terminated.
func chainHash(prev [32]byte, e provenance.Event) [32]byte {
	h := sha256.New()
	h.Write(prev[:])

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(e.Sequence))
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uint64(e.Timestamp.UnixNano()))
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uint64(e.SpanLength))
	h.Write(buf[:])

	for _, s := range []string{string(e.Category), e.Source, e.ContentReference, e.DocumentID} {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func chainTip(ctx context.Context, q queryer) ([32]byte, error) {
	var tip [32]byte
	var hash []byte
	err := q.QueryRowContext(ctx, "SELECT event_hash FROM events ORDER BY id DESC LIMIT 1").Scan(&hash)
	if err != nil {
		if isNoRows(err) {
			return tip, nil
		}
		return tip, fmt.Errorf("read chain tip: %w", err)
	}
	copy(tip[:], hash)
	return tip, nil
}

// ChainError identifies the first event whose link does not verify.
type ChainError struct {
	DocumentID string
	Sequence   int64
	Reason     string
}

func (e *ChainError) Error() string {
	if e.DocumentID == "" {
		return fmt.Sprintf("store: chain broken at event %d: %s", e.Sequence, e.Reason)
	}
	return fmt.Sprintf("store: chain broken at event %s/%d: %s", e.DocumentID, e.Sequence, e.Reason)
}

// VerifyChain walks every event in insertion order and recomputes the hash
// chain. It returns the number of verified events, or a *ChainError.
func (s *Store) VerifyChain(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence_id, document_id, timestamp_ns, category, source, span_length, content_reference, raw_text, previous_hash, event_hash
		FROM events ORDER BY id ASC`)
	if err != nil {
		return 0, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var prev [32]byte
	n := 0
	for rows.Next() {
		var (
			e              provenance.Event
			ts             int64
			cat            string
			raw            sql.NullString
			stPrev, stHash []byte
		)
		if err := rows.Scan(&e.Sequence, &e.DocumentID, &ts, &cat, &e.Source, &e.SpanLength,
			&e.ContentReference, &raw, &stPrev, &stHash); err != nil {
			return n, fmt.Errorf("scan event: %w", err)
		}
		e.Timestamp = unixNano(ts)
		e.Category = categoryOf(cat)

		if !bytes.Equal(stPrev, prev[:]) {
			return n, &ChainError{DocumentID: e.DocumentID, Sequence: e.Sequence, Reason: "previous hash does not match"}
		}
		want := chainHash(prev, e)
		if !bytes.Equal(stHash, want[:]) {
			return n, &ChainError{DocumentID: e.DocumentID, Sequence: e.Sequence, Reason: "event hash does not match contents"}
		}
		if raw.Valid && provenance.ContentReference(raw.String) != e.ContentReference {
			return n, &ChainError{DocumentID: e.DocumentID, Sequence: e.Sequence, Reason: "raw text does not match content reference"}
		}
		prev = want
		n++
	}
	if err := rows.Err(); err != nil {
		return n, fmt.Errorf("iterate events: %w", err)
	}
	return n, nil
}
