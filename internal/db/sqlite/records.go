package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/thebtf/engram-context/pkg/models"
)

const busyRetries = 3

const recordColumns = `id, created_at_epoch, prompt, payload, encoding, classification,
	error_patterns, success_patterns, files, metadata`

// Insert stores an encoded record in its day partition.
func (s *Store) Insert(ctx context.Context, rec *models.ContextRecord) error {
	const query = `
		INSERT INTO context_records
		(id, created_at, created_at_epoch, partition_day, prompt, payload, encoding, classification,
		 error_patterns, success_patterns, files, metadata, tool, signature)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	stmt, err := s.GetStmt(query)
	if err != nil {
		return err
	}

	payload := rec.Payload
	if payload == nil {
		payload = []byte{}
	}

	args := []interface{}{
		string(rec.ID),
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		rec.CreatedAt.UnixMilli(),
		rec.PartitionDay(),
		rec.Prompt,
		payload,
		string(rec.Encoding),
		string(rec.Outcome.Classification),
		models.JSONStringArray(rec.Outcome.ErrorPatterns),
		models.JSONStringArray(rec.Outcome.SuccessPatterns),
		models.JSONStringArray(rec.Outcome.Files),
		models.JSONStringMap(rec.Metadata),
		rec.Tool(),
		rec.Signature(),
	}

	for attempt := 0; ; attempt++ {
		_, err = stmt.ExecContext(ctx, args...)
		if !isBusy(err) || attempt >= busyRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 10 * time.Millisecond):
		}
	}
	if isUniqueViolation(err) {
		return models.ErrDuplicateRecord
	}
	return err
}

// Candidates returns records newest first. Since narrows by partition before
// the timestamp comparison.
func (s *Store) Candidates(ctx context.Context, filter models.CandidateFilter) ([]*models.ContextRecord, error) {
	// #nosec G202 -- only placeholders are appended
	query := `SELECT ` + recordColumns + ` FROM context_records WHERE 1 = 1`
	var args []interface{}

	if !filter.Since.IsZero() {
		query += ` AND partition_day >= ? AND created_at_epoch >= ?`
		args = append(args, models.PartitionDay(filter.Since), filter.Since.UnixMilli())
	}
	if !filter.Until.IsZero() {
		query += ` AND created_at_epoch <= ?`
		args = append(args, filter.Until.UnixMilli())
	}
	if filter.Tool != "" {
		query += ` AND tool = ?`
		args = append(args, filter.Tool)
	}
	query += ` ORDER BY created_at_epoch DESC, id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	stmt, err := s.GetStmt(query)
	if err != nil {
		return nil, err
	}
	rows, err := stmt.QueryContext(ctx, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRecordRows(rows)
}

// HasSignatureSince reports whether a record with signature exists at or after since.
func (s *Store) HasSignatureSince(ctx context.Context, signature string, since time.Time) (bool, error) {
	const query = `SELECT 1 FROM context_records WHERE signature = ? AND created_at_epoch >= ? LIMIT 1`
	stmt, err := s.GetStmt(query)
	if err != nil {
		return false, err
	}

	var one int
	err = stmt.QueryRowContext(ctx, signature, since.UnixMilli()).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// DeleteOlderThan removes records created before cutoff in one transaction.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM context_records WHERE partition_day <= ? AND created_at_epoch < ?`,
		models.PartitionDay(cutoff), cutoff.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

// Stats returns the record count and the oldest and newest creation times.
func (s *Store) Stats(ctx context.Context) (models.StoreStats, error) {
	var (
		stats          models.StoreStats
		oldest, newest sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), MIN(created_at_epoch), MAX(created_at_epoch) FROM context_records`,
	).Scan(&stats.Records, &oldest, &newest)
	if err != nil {
		return stats, err
	}
	if oldest.Valid {
		stats.Oldest = time.UnixMilli(oldest.Int64)
	}
	if newest.Valid {
		stats.Newest = time.UnixMilli(newest.Int64)
	}
	return stats, nil
}

// PartitionCounts returns the number of records per creation day.
func (s *Store) PartitionCounts(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT partition_day, COUNT(*) FROM context_records GROUP BY partition_day ORDER BY partition_day`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var (
			day string
			n   int64
		)
		if err := rows.Scan(&day, &n); err != nil {
			return nil, err
		}
		counts[day] = n
	}
	return counts, rows.Err()
}

// scanRecord scans a single record from a row scanner.
func scanRecord(scanner interface{ Scan(...interface{}) error }) (*models.ContextRecord, error) {
	var (
		rec                            models.ContextRecord
		id, encoding, classification   string
		epoch                          int64
		errorPatterns, successPatterns models.JSONStringArray
		files                          models.JSONStringArray
		metadata                       models.JSONStringMap
	)
	if err := scanner.Scan(
		&id, &epoch, &rec.Prompt, &rec.Payload, &encoding, &classification,
		&errorPatterns, &successPatterns, &files, &metadata,
	); err != nil {
		return nil, err
	}

	rec.ID = models.RecordID(id)
	rec.CreatedAt = time.UnixMilli(epoch)
	rec.Encoding = models.Encoding(encoding)
	rec.Outcome = models.Outcome{
		Classification:  models.Classification(classification),
		ErrorPatterns:   errorPatterns,
		SuccessPatterns: successPatterns,
		Files:           files,
	}
	rec.Metadata = metadata
	return &rec, nil
}

func scanRecordRows(rows *sql.Rows) ([]*models.ContextRecord, error) {
	var out []*models.ContextRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
