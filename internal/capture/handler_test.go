package capture

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"

	"github.com/thebtf/engram-context/internal/classifier"
	"github.com/thebtf/engram-context/internal/search"
	"github.com/thebtf/engram-context/internal/store"
	"github.com/thebtf/engram-context/pkg/models"
)

type downStore struct {
	puts atomic.Int32
}

func (d *downStore) Put(context.Context, *models.ContextRecord) (models.RecordID, error) {
	d.puts.Add(1)
	return "", store.ErrStorageUnavailable
}

func (d *downStore) HasRecentSignature(context.Context, string, time.Time) (bool, error) {
	return false, store.ErrStorageUnavailable
}

// slowLookupStore answers signature lookups only after delay, or when ctx ends.
type slowLookupStore struct {
	delay time.Duration
	puts  atomic.Int32
}

func (d *slowLookupStore) Put(ctx context.Context, rec *models.ContextRecord) (models.RecordID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	d.puts.Add(1)
	return "rec-1", nil
}

func (d *slowLookupStore) HasRecentSignature(ctx context.Context, _ string, _ time.Time) (bool, error) {
	select {
	case <-time.After(d.delay):
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func bash(cmd, response string, success *bool) models.ToolEvent {
	return models.ToolEvent{
		Tool:      "Bash",
		Input:     map[string]any{"command": cmd},
		Response:  response,
		Success:   success,
		SessionID: "s1",
	}
}

type HandlerSuite struct {
	suite.Suite
	ctx     context.Context
	now     time.Time
	store   *store.Store
	handler *Handler
}

func (s *HandlerSuite) SetupTest() {
	s.ctx = context.Background()
	s.now = time.Now().Truncate(time.Second)
	s.store = store.New(store.NewMemoryBackend(), store.DefaultOptions())

	opts := DefaultOptions()
	opts.Now = func() time.Time { return s.now }
	s.handler = NewHandler(classifier.New(classifier.NewRegistry()), s.store, opts)
}

func (s *HandlerSuite) TearDownTest() {
	s.NoError(s.store.Close())
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) candidates() []*models.ContextRecord {
	recs, err := s.store.Candidates(s.ctx, models.CandidateFilter{})
	s.Require().NoError(err)
	return recs
}

func (s *HandlerSuite) TestDecide() {
	tests := []struct {
		name   string
		event  models.ToolEvent
		reason string
	}{
		{
			name:   "failed delete is kept",
			event:  bash("rm missing.txt", "rm: missing.txt: No such file or directory", models.Bool(false)),
			reason: "",
		},
		{
			name:   "no evidence",
			event:  models.ToolEvent{Tool: "Mystery", Input: map[string]any{}},
			reason: SkipUnknown,
		},
		{
			name:   "silent success without files",
			event:  bash("mkdir build", "", models.Bool(true)),
			reason: SkipEmpty,
		},
		{
			name:   "listing",
			event:  bash("ls", "a.txt\nb.txt", models.Bool(true)),
			reason: SkipInspection,
		},
		{
			name:   "read-only git",
			event:  bash("git status", "On branch main", models.Bool(true)),
			reason: SkipInspection,
		},
		{
			name:   "inspection touching a file",
			event:  bash("cat main.go", "package main", models.Bool(true)),
			reason: "",
		},
		{
			name:   "failed inspection",
			event:  bash("ls /nope", "ls: /nope: No such file or directory", models.Bool(false)),
			reason: "",
		},
		{
			name:   "private output",
			event:  bash("echo hi", "<private>token</private>", models.Bool(true)),
			reason: SkipPrivate,
		},
		{
			name: "malformed command",
			event: models.ToolEvent{
				Tool:     "Bash",
				Input:    map[string]any{"command": 42},
				Response: "error: boom",
				Success:  models.Bool(false),
			},
			reason: SkipUnknown,
		},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			outcome := s.handler.Classifier().Classify(tt.event)
			s.Equal(tt.reason, s.handler.Decide(s.ctx, tt.event, outcome))
			s.Equal(tt.reason == "", s.handler.ShouldCapture(s.ctx, tt.event, outcome))
		})
	}
}

func (s *HandlerSuite) TestObserveStoresFailedDelete() {
	res := s.handler.Observe(s.ctx, bash("rm missing.txt", "rm: missing.txt: No such file or directory", models.Bool(false)))

	s.True(res.Captured)
	s.NotEmpty(res.RecordID)
	s.Equal(models.ClassificationFailure, res.Outcome.Classification)
	s.Equal([]string{"file_not_found"}, res.Outcome.ErrorPatterns)

	recs := s.candidates()
	s.Require().Len(recs, 1)
	rec := recs[0]
	s.Equal("Execute command: rm missing.txt", rec.Prompt)
	s.Equal("Bash", rec.Tool())
	s.Equal(classifier.CategoryDelete, rec.Metadata[models.MetaCategory])
	s.Equal("s1", rec.Metadata[models.MetaSessionID])
	s.Contains(rec.Narrative, "Errors: file not found")
	s.Contains(rec.Narrative, "Outcome: failure")
	s.Contains(rec.Narrative, "No such file or directory")
	s.Equal(s.now.Unix(), rec.CreatedAt.Unix())
}

func (s *HandlerSuite) TestCapturedDeleteOutranksListing() {
	s.handler.Observe(s.ctx, bash("rm missing.txt", "rm: missing.txt: No such file or directory", models.Bool(false)))
	_, err := s.store.Put(s.ctx, &models.ContextRecord{
		CreatedAt: s.now,
		Prompt:    "Execute command: ls",
		Narrative: "a.txt b.txt",
		Outcome: models.Outcome{
			Classification:  models.ClassificationSuccess,
			ErrorPatterns:   []string{},
			SuccessPatterns: []string{},
			Files:           []string{},
		},
	})
	s.Require().NoError(err)

	scorer, err := search.NewScorer(search.DefaultScorerConfig())
	s.Require().NoError(err)
	scorer = scorer.WithClock(func() time.Time { return s.now })
	results, err := search.NewManager(s.store, scorer, search.DefaultOptions()).
		Search(s.ctx, models.RelevanceQuery{Prompt: "how to fix file not found when deleting"})
	s.Require().NoError(err)

	s.Require().Len(results, 2)
	s.Equal("Execute command: rm missing.txt", results[0].Record.Prompt)
	s.Greater(results[0].Score, results[1].Score)
}

func (s *HandlerSuite) TestDuplicateWithinWindow() {
	ev := bash("go build ./...", "main.go:3: syntax error: unexpected }", models.Bool(false))

	first := s.handler.Observe(s.ctx, ev)
	s.True(first.Captured)

	second := s.handler.Observe(s.ctx, ev)
	s.False(second.Captured)
	s.Equal(SkipDuplicate, second.SkipReason)

	s.now = s.now.Add(6 * time.Minute)
	third := s.handler.Observe(s.ctx, ev)
	s.True(third.Captured)
	s.Len(s.candidates(), 2)
}

func (s *HandlerSuite) TestDuplicateSeenByAnotherProcess() {
	ev := bash("go build ./...", "main.go:3: syntax error: unexpected }", models.Bool(false))
	s.True(s.handler.Observe(s.ctx, ev).Captured)

	opts := DefaultOptions()
	opts.Now = func() time.Time { return s.now.Add(time.Minute) }
	other := NewHandler(s.handler.Classifier(), s.store, opts)

	res := other.Observe(s.ctx, ev)
	s.False(res.Captured)
	s.Equal(SkipDuplicate, res.SkipReason)
}

func (s *HandlerSuite) TestSameCommandDifferentOutcomeIsNotDuplicate() {
	s.True(s.handler.Observe(s.ctx, bash("go test ./...", "FAIL\tpkg/x", models.Bool(false))).Captured)
	s.True(s.handler.Observe(s.ctx, bash("go test ./...", "ok  \tpkg/x\t0.2s\nPASS", models.Bool(true))).Captured)
}

func (s *HandlerSuite) TestSecretsNeverStored() {
	ev := bash("curl -H 'Authorization: Bearer abcdefghijklmnop' https://api.example.com", "curl: (6) Could not resolve host", models.Bool(false))
	s.True(s.handler.Observe(s.ctx, ev).Captured)

	rec := s.candidates()[0]
	s.NotContains(rec.Prompt, "abcdefghijklmnop")
	s.NotContains(rec.Narrative, "abcdefghijklmnop")
	s.Contains(rec.Prompt, "[REDACTED]")
}

func (s *HandlerSuite) TestCallbacks() {
	var stored, skipped atomic.Int32
	opts := DefaultOptions()
	opts.OnStored = func(*models.ContextRecord) { stored.Add(1) }
	opts.OnSkipped = func(string, string) { skipped.Add(1) }
	h := NewHandler(s.handler.Classifier(), s.store, opts)

	h.Observe(s.ctx, bash("rm missing.txt", "No such file or directory", models.Bool(false)))
	h.Observe(s.ctx, bash("ls", "a.txt", models.Bool(true)))

	s.Equal(int32(1), stored.Load())
	s.Equal(int32(1), skipped.Load())
}

func TestObserveAbsorbsStoreFailure(t *testing.T) {
	down := &downStore{}
	var failures atomic.Int32
	opts := DefaultOptions()
	opts.OnFailed = func(string, error) { failures.Add(1) }
	h := NewHandler(classifier.New(classifier.NewRegistry()), down, opts)

	ev := bash("rm missing.txt", "No such file or directory", models.Bool(false))
	res := h.Observe(context.Background(), ev)
	assert.False(t, res.Captured)
	assert.Empty(t, res.RecordID)
	assert.Equal(t, models.ClassificationFailure, res.Outcome.Classification)

	// The failed attempt must not count as a capture for dedupe.
	h.Observe(context.Background(), ev)
	assert.Equal(t, int32(2), down.puts.Load())
	assert.Equal(t, int32(2), failures.Load())

	_, err := h.Capture(context.Background(), ev, res.Outcome)
	assert.True(t, errors.Is(err, store.ErrStorageUnavailable))
}

func TestRepresentativePrompt(t *testing.T) {
	tests := []struct {
		input models.ToolInput
		want  string
	}{
		{models.CommandInput{Command: "rm   missing.txt"}, "Execute command: rm missing.txt"},
		{models.FileEditInput{FilePath: "/src/a.go"}, "Edit file: /src/a.go"},
		{models.FileWriteInput{FilePath: "b.md"}, "Write file: b.md"},
		{models.FileReadInput{FilePath: "c.txt"}, "Read file: c.txt"},
		{models.SearchInput{Pattern: "TODO", Path: "internal"}, "Search: TODO in internal"},
		{models.FetchInput{URL: "https://example.com"}, "Fetch URL: https://example.com"},
		{models.TaskInput{Prompt: "refactor the store"}, "Delegate task: refactor the store"},
		{models.UnstructuredInput{}, "Use tool Custom"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, RepresentativePrompt("Custom", tt.input))
		})
	}
}

func TestSignature(t *testing.T) {
	a := Signature("Bash", models.CommandInput{Command: "go  test"}, models.ClassificationFailure)
	b := Signature("Bash", models.CommandInput{Command: "go test"}, models.ClassificationFailure)
	c := Signature("Bash", models.CommandInput{Command: "go test"}, models.ClassificationSuccess)
	d := Signature("Edit", models.FileEditInput{FilePath: "a.go", NewString: "x"}, models.ClassificationSuccess)
	e := Signature("Edit", models.FileEditInput{FilePath: "a.go", NewString: "y"}, models.ClassificationSuccess)

	assert.Equal(t, a, b)
	assert.NotEqual(t, b, c)
	assert.NotEqual(t, d, e)
	assert.Len(t, a, 32)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "ab"+truncatedMark, truncate("abcdef", 2))
	out := truncate(strings.Repeat("é", 5), 3)
	assert.Equal(t, "é"+truncatedMark, out)
}

func TestObserveStaysWithinBudget(t *testing.T) {
	slow := &slowLookupStore{delay: 2 * time.Second}
	opts := DefaultOptions()
	opts.Budget = 100 * time.Millisecond
	h := NewHandler(classifier.New(classifier.NewRegistry()), slow, opts)

	start := time.Now()
	res := h.Observe(context.Background(), bash("rm missing.txt", "rm: missing.txt: No such file or directory", models.Bool(false)))
	elapsed := time.Since(start)

	assert.True(t, res.Captured, "a slow dedupe lookup must leave room for the insert")
	assert.Equal(t, int32(1), slow.puts.Load())
	assert.Less(t, elapsed, 150*time.Millisecond)
}
