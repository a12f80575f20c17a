package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/thebtf/engram-context/pkg/models"
)

// StoreSuite is a test suite for SQLite record operations.
type StoreSuite struct {
	suite.Suite
	store *Store
	ctx   context.Context
}

// SetupTest creates a fresh database before each test.
func (s *StoreSuite) SetupTest() {
	var err error
	s.ctx = context.Background()
	s.store, err = NewStore(filepath.Join(s.T().TempDir(), "context.db"), 2)
	s.Require().NoError(err)
}

// TearDownTest cleans up after each test.
func (s *StoreSuite) TearDownTest() {
	if s.store != nil {
		s.NoError(s.store.Close())
	}
}

func TestStoreSuite(t *testing.T) {
	suite.Run(t, new(StoreSuite))
}

func newRecord(id string, created time.Time, tool string) *models.ContextRecord {
	return &models.ContextRecord{
		ID:        models.RecordID(id),
		CreatedAt: created,
		Prompt:    "Execute command: rm missing.txt",
		Payload:   []byte("payload-" + id),
		Encoding:  models.EncodingNone,
		Outcome: models.Outcome{
			Classification:  models.ClassificationFailure,
			ErrorPatterns:   []string{"file_not_found"},
			SuccessPatterns: []string{},
			Files:           []string{"missing.txt"},
		},
		Metadata: map[string]string{
			models.MetaTool:      tool,
			models.MetaSignature: "sig-" + id,
		},
	}
}

func (s *StoreSuite) TestMigrationsApplied() {
	v, err := s.store.SchemaVersion(s.ctx)
	s.Require().NoError(err)
	s.Equal(len(migrations), v)

	// Re-running is a no-op.
	s.NoError(s.store.migrate(s.ctx))
}

func (s *StoreSuite) TestGetStmt() {
	tests := []struct {
		name    string
		query   string
		wantErr bool
	}{
		{name: "valid simple query", query: "SELECT 1"},
		{name: "valid query with parameter", query: "SELECT id FROM context_records WHERE id = ?"},
		{name: "invalid query syntax", query: "SELECT * FROM nonexistent_table WHERE", wantErr: true},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			stmt, err := s.store.GetStmt(tt.query)
			if tt.wantErr {
				s.Error(err)
				s.Nil(stmt)
				return
			}
			s.NoError(err)
			stmt2, err := s.store.GetStmt(tt.query)
			s.NoError(err)
			s.Same(stmt, stmt2)
		})
	}
}

func (s *StoreSuite) TestInsertAndCandidates() {
	created := time.Now().Add(-time.Hour).Truncate(time.Millisecond)
	s.Require().NoError(s.store.Insert(s.ctx, newRecord("a", created, "Bash")))

	got, err := s.store.Candidates(s.ctx, models.CandidateFilter{})
	s.Require().NoError(err)
	s.Require().Len(got, 1)

	rec := got[0]
	s.Equal(models.RecordID("a"), rec.ID)
	s.True(created.Equal(rec.CreatedAt))
	s.Equal("Execute command: rm missing.txt", rec.Prompt)
	s.Equal([]byte("payload-a"), rec.Payload)
	s.Equal(models.EncodingNone, rec.Encoding)
	s.Equal(models.ClassificationFailure, rec.Outcome.Classification)
	s.Equal([]string{"file_not_found"}, rec.Outcome.ErrorPatterns)
	s.Equal([]string{}, rec.Outcome.SuccessPatterns)
	s.Equal([]string{"missing.txt"}, rec.Outcome.Files)
	s.Equal("Bash", rec.Tool())
	s.Empty(rec.Narrative)
}

func (s *StoreSuite) TestInsertDuplicate() {
	now := time.Now()
	s.Require().NoError(s.store.Insert(s.ctx, newRecord("dup", now, "Bash")))
	s.ErrorIs(s.store.Insert(s.ctx, newRecord("dup", now, "Bash")), models.ErrDuplicateRecord)
}

func (s *StoreSuite) TestCandidatesFilters() {
	now := time.Now()
	s.Require().NoError(s.store.Insert(s.ctx, newRecord("old", now.Add(-72*time.Hour), "Bash")))
	s.Require().NoError(s.store.Insert(s.ctx, newRecord("mid", now.Add(-2*time.Hour), "Edit")))
	s.Require().NoError(s.store.Insert(s.ctx, newRecord("new", now, "Bash")))

	tests := []struct {
		name   string
		filter models.CandidateFilter
		ids    []models.RecordID
	}{
		{name: "all newest first", filter: models.CandidateFilter{}, ids: []models.RecordID{"new", "mid", "old"}},
		{name: "since", filter: models.CandidateFilter{Since: now.Add(-24 * time.Hour)}, ids: []models.RecordID{"new", "mid"}},
		{name: "until", filter: models.CandidateFilter{Until: now.Add(-time.Hour)}, ids: []models.RecordID{"mid", "old"}},
		{name: "tool", filter: models.CandidateFilter{Tool: "Bash"}, ids: []models.RecordID{"new", "old"}},
		{name: "limit", filter: models.CandidateFilter{Limit: 1}, ids: []models.RecordID{"new"}},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			got, err := s.store.Candidates(s.ctx, tt.filter)
			s.Require().NoError(err)
			ids := make([]models.RecordID, len(got))
			for i, r := range got {
				ids[i] = r.ID
			}
			s.Equal(tt.ids, ids)
		})
	}
}

func (s *StoreSuite) TestHasSignatureSince() {
	now := time.Now()
	s.Require().NoError(s.store.Insert(s.ctx, newRecord("a", now.Add(-10*time.Minute), "Bash")))

	found, err := s.store.HasSignatureSince(s.ctx, "sig-a", now.Add(-time.Hour))
	s.Require().NoError(err)
	s.True(found)

	found, err = s.store.HasSignatureSince(s.ctx, "sig-a", now.Add(-time.Minute))
	s.Require().NoError(err)
	s.False(found)

	found, err = s.store.HasSignatureSince(s.ctx, "sig-missing", time.Time{})
	s.Require().NoError(err)
	s.False(found)
}

func (s *StoreSuite) TestDeleteOlderThanAndStats() {
	now := time.Now()
	s.Require().NoError(s.store.Insert(s.ctx, newRecord("ancient", now.Add(-40*24*time.Hour), "Bash")))
	s.Require().NoError(s.store.Insert(s.ctx, newRecord("recent", now, "Bash")))

	counts, err := s.store.PartitionCounts(s.ctx)
	s.Require().NoError(err)
	s.Len(counts, 2)

	cutoff := now.Add(-30 * 24 * time.Hour)
	n, err := s.store.DeleteOlderThan(s.ctx, cutoff)
	s.Require().NoError(err)
	s.Equal(int64(1), n)

	n, err = s.store.DeleteOlderThan(s.ctx, cutoff)
	s.Require().NoError(err)
	s.Equal(int64(0), n)

	stats, err := s.store.Stats(s.ctx)
	s.Require().NoError(err)
	s.Equal(int64(1), stats.Records)
	s.Equal(stats.Oldest, stats.Newest)
}

func (s *StoreSuite) TestStatsEmpty() {
	stats, err := s.store.Stats(s.ctx)
	s.Require().NoError(err)
	s.Zero(stats.Records)
	s.True(stats.Oldest.IsZero())
}
