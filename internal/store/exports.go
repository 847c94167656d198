package store

import (
	"context"
	"fmt"
)

// InsertExport records a signed export and returns its id.
func (s *Store) InsertExport(ctx context.Context, r *ExportRecord) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO exports (document_id, document_hash, title, author, output_path, signature, public_key,
		                     human_pct, ai_pct, cited_pct, total_chars, signed_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.DocumentID, r.DocumentHash, r.Title, r.Author, r.OutputPath, r.Signature, r.PublicKey,
		r.HumanPct, r.AIPct, r.CitedPct, r.TotalChars, r.SignedAt.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert export: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get last insert id: %w", err)
	}
	r.ID = id
	return id, nil
}

// ListExports returns exports newest first. An empty documentID lists all.
func (s *Store) ListExports(ctx context.Context, documentID string, limit int) ([]ExportRecord, error) {
	q := `SELECT id, document_id, document_hash, COALESCE(title, ''), COALESCE(author, ''), COALESCE(output_path, ''),
	             signature, public_key, human_pct, ai_pct, cited_pct, total_chars, signed_at_ns
	      FROM exports`
	var args []any
	if documentID != "" {
		q += " WHERE document_id = ?"
		args = append(args, documentID)
	}
	q += " ORDER BY signed_at_ns DESC, id DESC"
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query exports: %w", err)
	}
	defer rows.Close()

	var out []ExportRecord
	for rows.Next() {
		r, err := scanExport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate exports: %w", err)
	}
	return out, nil
}

// GetExportByHash returns the latest export of a document hash, or nil.
func (s *Store) GetExportByHash(ctx context.Context, documentHash string) (*ExportRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, document_id, document_hash, COALESCE(title, ''), COALESCE(author, ''), COALESCE(output_path, ''),
		       signature, public_key, human_pct, ai_pct, cited_pct, total_chars, signed_at_ns
		FROM exports WHERE document_hash = ?
		ORDER BY signed_at_ns DESC, id DESC LIMIT 1`, documentHash)

	r, err := scanExport(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return r, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExport(sc scanner) (*ExportRecord, error) {
	var r ExportRecord
	var signedAt int64
	err := sc.Scan(&r.ID, &r.DocumentID, &r.DocumentHash, &r.Title, &r.Author, &r.OutputPath,
		&r.Signature, &r.PublicKey, &r.HumanPct, &r.AIPct, &r.CitedPct, &r.TotalChars, &signedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, err
		}
		return nil, fmt.Errorf("scan export: %w", err)
	}
	r.SignedAt = unixNano(signedAt)
	return &r, nil
}
