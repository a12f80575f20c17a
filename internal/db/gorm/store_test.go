package gorm

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/thebtf/engram-context/pkg/models"
)

func sampleRecord(id string, created time.Time) *models.ContextRecord {
	return &models.ContextRecord{
		ID:        models.RecordID(id),
		CreatedAt: created,
		Prompt:    "Edit file: main.go",
		Payload:   []byte{1, 2, 3},
		Encoding:  models.EncodingSnappy,
		Outcome: models.Outcome{
			Classification:  models.ClassificationSuccess,
			ErrorPatterns:   []string{},
			SuccessPatterns: []string{"file_updated"},
			Files:           []string{"main.go"},
		},
		Metadata: map[string]string{models.MetaTool: "Edit", models.MetaSignature: "sig-" + id},
	}
}

func TestRowConversion(t *testing.T) {
	created := time.Date(2026, 3, 1, 23, 30, 0, 0, time.UTC)
	rec := sampleRecord("r1", created)

	row := toRow(rec)
	assert.Equal(t, "2026-03-01", row.PartitionDay)
	assert.Equal(t, "Edit", row.Tool)
	assert.Equal(t, "sig-r1", row.Signature)
	assert.Equal(t, "success", row.Classification)

	back := fromRow(row)
	assert.Equal(t, rec.ID, back.ID)
	assert.True(t, created.Equal(back.CreatedAt))
	assert.Equal(t, rec.Outcome, back.Outcome)
	assert.Equal(t, rec.Metadata, back.Metadata)
	assert.Equal(t, rec.Payload, back.Payload)

	empty := fromRow(&ContextRecord{ID: "x"})
	assert.Equal(t, []string{}, empty.Outcome.Files)
	assert.NotNil(t, empty.Metadata)
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(&pgconn.PgError{Code: "23505"}))
	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, isUniqueViolation(errors.New("boom")))
	assert.False(t, isUniqueViolation(nil))
}

// PostgresSuite runs against a live server named by ENGRAM_TEST_POSTGRES_DSN.
type PostgresSuite struct {
	suite.Suite
	store *Store
	ctx   context.Context
}

func TestPostgresSuite(t *testing.T) {
	if os.Getenv("ENGRAM_TEST_POSTGRES_DSN") == "" {
		t.Skip("ENGRAM_TEST_POSTGRES_DSN not set")
	}
	suite.Run(t, new(PostgresSuite))
}

func (s *PostgresSuite) SetupTest() {
	var err error
	s.ctx = context.Background()
	s.store, err = NewStore(Config{DSN: os.Getenv("ENGRAM_TEST_POSTGRES_DSN"), MaxConns: 2})
	s.Require().NoError(err)
	s.Require().NoError(s.store.DB.Exec("DELETE FROM context_records").Error)
}

func (s *PostgresSuite) TearDownTest() {
	if s.store != nil {
		s.store.Close()
	}
}

func (s *PostgresSuite) TestRoundTripAndEviction() {
	now := time.Now()
	s.Require().NoError(s.store.Insert(s.ctx, sampleRecord("old", now.Add(-40*24*time.Hour))))
	s.Require().NoError(s.store.Insert(s.ctx, sampleRecord("new", now)))
	s.ErrorIs(s.store.Insert(s.ctx, sampleRecord("new", now)), models.ErrDuplicateRecord)

	got, err := s.store.Candidates(s.ctx, models.CandidateFilter{Tool: "Edit"})
	s.Require().NoError(err)
	s.Require().Len(got, 2)
	s.Equal(models.RecordID("new"), got[0].ID)

	found, err := s.store.HasSignatureSince(s.ctx, "sig-new", now.Add(-time.Minute))
	s.Require().NoError(err)
	s.True(found)

	removed, err := s.store.DeleteOlderThan(s.ctx, now.Add(-30*24*time.Hour))
	s.Require().NoError(err)
	s.Equal(int64(1), removed)

	stats, err := s.store.Stats(s.ctx)
	s.Require().NoError(err)
	s.Equal(int64(1), stats.Records)
}

func TestNewStoreBadDSN(t *testing.T) {
	_, err := NewStore(Config{DSN: "host=127.0.0.1 port=1 user=x dbname=x sslmode=disable connect_timeout=1"})
	require.Error(t, err)
}
