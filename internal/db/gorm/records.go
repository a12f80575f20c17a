package gorm

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/thebtf/engram-context/pkg/models"
)

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// Insert stores an encoded record.
func (s *Store) Insert(ctx context.Context, rec *models.ContextRecord) error {
	err := s.DB.WithContext(ctx).Create(toRow(rec)).Error
	if isUniqueViolation(err) || errors.Is(err, gorm.ErrDuplicatedKey) {
		return models.ErrDuplicateRecord
	}
	return err
}

// Candidates returns records newest first.
func (s *Store) Candidates(ctx context.Context, filter models.CandidateFilter) ([]*models.ContextRecord, error) {
	q := s.DB.WithContext(ctx).Model(&ContextRecord{})
	if !filter.Since.IsZero() {
		q = q.Where("partition_day >= ? AND created_at_epoch >= ?", models.PartitionDay(filter.Since), filter.Since.UnixMilli())
	}
	if !filter.Until.IsZero() {
		q = q.Where("created_at_epoch <= ?", filter.Until.UnixMilli())
	}
	if filter.Tool != "" {
		q = q.Where("tool = ?", filter.Tool)
	}
	q = q.Order("created_at_epoch DESC").Order("id ASC")
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var rows []ContextRecord
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]*models.ContextRecord, len(rows))
	for i := range rows {
		out[i] = fromRow(&rows[i])
	}
	return out, nil
}

// HasSignatureSince reports whether a record with signature exists at or after since.
func (s *Store) HasSignatureSince(ctx context.Context, signature string, since time.Time) (bool, error) {
	var count int64
	err := s.DB.WithContext(ctx).Model(&ContextRecord{}).
		Where("signature = ? AND created_at_epoch >= ?", signature, since.UnixMilli()).
		Limit(1).
		Count(&count).Error
	return count > 0, err
}

// DeleteOlderThan removes records created before cutoff in one transaction.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var removed int64
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("partition_day <= ? AND created_at_epoch < ?", models.PartitionDay(cutoff), cutoff.UnixMilli()).
			Delete(&ContextRecord{})
		removed = res.RowsAffected
		return res.Error
	})
	return removed, err
}

// Stats returns the record count and the oldest and newest creation times.
func (s *Store) Stats(ctx context.Context) (models.StoreStats, error) {
	var row struct {
		Records int64
		Oldest  *int64
		Newest  *int64
	}
	err := s.DB.WithContext(ctx).Model(&ContextRecord{}).
		Select("COUNT(*) AS records, MIN(created_at_epoch) AS oldest, MAX(created_at_epoch) AS newest").
		Scan(&row).Error
	if err != nil {
		return models.StoreStats{}, err
	}

	stats := models.StoreStats{Records: row.Records}
	if row.Oldest != nil {
		stats.Oldest = time.UnixMilli(*row.Oldest)
	}
	if row.Newest != nil {
		stats.Newest = time.UnixMilli(*row.Newest)
	}
	return stats, nil
}
