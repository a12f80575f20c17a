package search

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/thebtf/engram-context/internal/store"
	"github.com/thebtf/engram-context/pkg/models"
)

type failingSource struct{}

func (failingSource) Candidates(context.Context, models.CandidateFilter) ([]*models.ContextRecord, error) {
	return nil, store.ErrStorageUnavailable
}

type wordCounter struct{}

func (wordCounter) Count(text string) int { return len(strings.Fields(text)) }

type ManagerSuite struct {
	suite.Suite
	ctx   context.Context
	now   time.Time
	store *store.Store
}

func (s *ManagerSuite) SetupTest() {
	s.ctx = context.Background()
	s.now = time.Now()
	s.store = store.New(store.NewMemoryBackend(), store.DefaultOptions())
}

func (s *ManagerSuite) TearDownTest() {
	s.NoError(s.store.Close())
}

func TestManagerSuite(t *testing.T) {
	suite.Run(t, new(ManagerSuite))
}

func (s *ManagerSuite) put(prompt, narrative string, class models.Classification, age time.Duration) {
	_, err := s.store.Put(s.ctx, &models.ContextRecord{
		CreatedAt: s.now.Add(-age),
		Prompt:    prompt,
		Narrative: narrative,
		Outcome: models.Outcome{
			Classification:  class,
			ErrorPatterns:   []string{},
			SuccessPatterns: []string{},
			Files:           []string{},
		},
	})
	s.Require().NoError(err)
}

func (s *ManagerSuite) manager(opts Options) *Manager {
	scorer, err := NewScorer(DefaultScorerConfig())
	s.Require().NoError(err)
	scorer = scorer.WithClock(func() time.Time { return s.now })
	return NewManager(s.store, scorer, opts)
}

func (s *ManagerSuite) TestRetrieveAssemblesPromptAndNarrative() {
	s.put("Execute command: rm old.txt", "No such file or directory\nerrors: file not found", models.ClassificationFailure, time.Minute)
	s.put("Execute command: ls", "listing", models.ClassificationSuccess, time.Minute)

	out := s.manager(DefaultOptions()).Retrieve(s.ctx, models.RelevanceQuery{Prompt: "fix file not found when deleting"})
	s.Require().NotEmpty(out)
	s.Equal("Execute command: rm old.txt\nNo such file or directory\nerrors: file not found", out[0])
}

func (s *ManagerSuite) TestSearchSkipsExpiredRecords() {
	s.put("deploy service", "deployed", models.ClassificationSuccess, 45*24*time.Hour)

	zero := 0.0
	results, err := s.manager(DefaultOptions()).Search(s.ctx, models.RelevanceQuery{Prompt: "deploy", MinScore: &zero})
	s.Require().NoError(err)
	s.Empty(results)
}

func (s *ManagerSuite) TestClustersNearDuplicates() {
	for i := 0; i < 3; i++ {
		s.put("Execute command: go test ./...", "tests passed", models.ClassificationSuccess, time.Duration(i+1)*time.Minute)
	}
	s.put("Edit file: main.go", "edited go handler", models.ClassificationSuccess, time.Minute)

	q := models.RelevanceQuery{Prompt: "go test"}
	results, err := s.manager(DefaultOptions()).Search(s.ctx, q)
	s.Require().NoError(err)
	s.Len(results, 2)

	opts := DefaultOptions()
	opts.ClusterThreshold = 0
	results, err = s.manager(opts).Search(s.ctx, q)
	s.Require().NoError(err)
	s.Len(results, 4)
}

func (s *ManagerSuite) TestTokenBudget() {
	s.put("Execute command: make build", "one two three four five six", models.ClassificationSuccess, time.Minute)
	s.put("Execute command: make lint", "one two three four five six", models.ClassificationSuccess, 2*time.Minute)

	opts := DefaultOptions()
	opts.ClusterThreshold = 0
	opts.Tokens = wordCounter{}
	opts.TokenBudget = 12
	out := s.manager(opts).Retrieve(s.ctx, models.RelevanceQuery{Prompt: "make"})
	s.Len(out, 1)

	opts.TokenBudget = 0
	out = s.manager(opts).Retrieve(s.ctx, models.RelevanceQuery{Prompt: "make"})
	s.Len(out, 2)
}

func (s *ManagerSuite) TestTokenBudgetTruncatesOversizedFirstResult() {
	s.put("Execute command: make build", strings.Repeat("word ", 40), models.ClassificationSuccess, time.Minute)

	opts := DefaultOptions()
	opts.Tokens = wordCounter{}
	opts.TokenBudget = 8
	out := s.manager(opts).Retrieve(s.ctx, models.RelevanceQuery{Prompt: "make"})
	s.Require().Len(out, 1)
	s.LessOrEqual(wordCounter{}.Count(out[0]), 8)
	s.True(strings.HasPrefix(out[0], "Execute command: make build"))
	s.True(strings.HasSuffix(out[0], "[truncated]"))

	opts.TokenBudget = 0
	out = s.manager(opts).Retrieve(s.ctx, models.RelevanceQuery{Prompt: "make"})
	s.Require().Len(out, 1)
	s.Equal(4+40, wordCounter{}.Count(out[0]))
}

func TestTruncateTokens(t *testing.T) {
	cut, ok := truncateTokens("alpha beta gamma delta", 3, wordCounter{})
	require.True(t, ok)
	assert.Equal(t, "alpha beta\n[truncated]", cut)

	_, ok = truncateTokens("alpha beta", 0, wordCounter{})
	assert.False(t, ok)
}

func (s *ManagerSuite) TestReconfigureSwapsScorer() {
	s.put("Execute command: ls", "listing", models.ClassificationSuccess, time.Minute)
	m := s.manager(DefaultOptions())

	q := models.RelevanceQuery{Prompt: "ls"}
	results, err := m.Search(s.ctx, q)
	s.Require().NoError(err)
	s.Len(results, 1)

	cfg := DefaultScorerConfig()
	cfg.Threshold = 0.99
	strict, err := NewScorer(cfg)
	s.Require().NoError(err)
	m.Reconfigure(strict, DefaultOptions())

	results, err = m.Search(s.ctx, q)
	s.Require().NoError(err)
	s.Empty(results)
}

func TestRetrieveDegradesToEmpty(t *testing.T) {
	scorer, err := NewScorer(DefaultScorerConfig())
	require.NoError(t, err)
	m := NewManager(failingSource{}, scorer, DefaultOptions())

	_, err = m.Search(context.Background(), models.RelevanceQuery{Prompt: "anything"})
	assert.True(t, errors.Is(err, store.ErrStorageUnavailable))

	out := m.Retrieve(context.Background(), models.RelevanceQuery{Prompt: "anything"})
	assert.NotNil(t, out)
	assert.Empty(t, out)
}

func TestTokenizerCounts(t *testing.T) {
	tok := NewTokenizer()
	assert.Equal(t, 0, tok.Count(""))
	assert.Greater(t, tok.Count("hello world, this is a prompt"), 0)
	assert.Equal(t, 2, heuristicTokenCount("12345678"))
	assert.Equal(t, 1, heuristicTokenCount("a"))
}

func TestAssembleRecordWithoutNarrative(t *testing.T) {
	assert.Equal(t, "Read file: a.go", AssembleRecord(&models.ContextRecord{Prompt: "Read file: a.go"}))
}
