package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/thebtf/engram-context/pkg/models"
)

// MemoryBackend keeps records in process memory, partitioned by creation day.
type MemoryBackend struct {
	mu         sync.RWMutex
	partitions map[string]map[models.RecordID]*models.ContextRecord
	closed     bool
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{partitions: make(map[string]map[models.RecordID]*models.ContextRecord)}
}

func (m *MemoryBackend) Insert(ctx context.Context, rec *models.ContextRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageUnavailable
	}
	for _, part := range m.partitions {
		if _, ok := part[rec.ID]; ok {
			return models.ErrDuplicateRecord
		}
	}
	day := rec.PartitionDay()
	if m.partitions[day] == nil {
		m.partitions[day] = make(map[models.RecordID]*models.ContextRecord)
	}
	stored := cloneRecord(rec)
	stored.Narrative = ""
	m.partitions[day][rec.ID] = stored
	return nil
}

func (m *MemoryBackend) Candidates(ctx context.Context, filter models.CandidateFilter) ([]*models.ContextRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageUnavailable
	}

	var out []*models.ContextRecord
	for day, part := range m.partitions {
		if !filter.Since.IsZero() && day < models.PartitionDay(filter.Since) {
			continue
		}
		for _, rec := range part {
			if !filter.Since.IsZero() && rec.CreatedAt.Before(filter.Since) {
				continue
			}
			if !filter.Until.IsZero() && rec.CreatedAt.After(filter.Until) {
				continue
			}
			if filter.Tool != "" && rec.Tool() != filter.Tool {
				continue
			}
			out = append(out, cloneRecord(rec))
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryBackend) HasSignatureSince(ctx context.Context, signature string, since time.Time) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, part := range m.partitions {
		for _, rec := range part {
			if rec.Signature() == signature && !rec.CreatedAt.Before(since) {
				return true, nil
			}
		}
	}
	return false, nil
}

func (m *MemoryBackend) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for day, part := range m.partitions {
		for id, rec := range part {
			if rec.CreatedAt.Before(cutoff) {
				delete(part, id)
				removed++
			}
		}
		if len(part) == 0 {
			delete(m.partitions, day)
		}
	}
	return removed, nil
}

func (m *MemoryBackend) Stats(ctx context.Context) (models.StoreStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var stats models.StoreStats
	for _, part := range m.partitions {
		for _, rec := range part {
			stats.Records++
			if stats.Oldest.IsZero() || rec.CreatedAt.Before(stats.Oldest) {
				stats.Oldest = rec.CreatedAt
			}
			if rec.CreatedAt.After(stats.Newest) {
				stats.Newest = rec.CreatedAt
			}
		}
	}
	return stats, nil
}

func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func cloneRecord(rec *models.ContextRecord) *models.ContextRecord {
	c := *rec
	c.Payload = append([]byte(nil), rec.Payload...)
	c.Outcome.ErrorPatterns = append([]string{}, rec.Outcome.ErrorPatterns...)
	c.Outcome.SuccessPatterns = append([]string{}, rec.Outcome.SuccessPatterns...)
	c.Outcome.Files = append([]string{}, rec.Outcome.Files...)
	c.Metadata = make(map[string]string, len(rec.Metadata))
	for k, v := range rec.Metadata {
		c.Metadata[k] = v
	}
	return &c
}
