package warnings

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/thebtf/engram-context/pkg/models"
)

type TrackerSuite struct {
	suite.Suite
	ctx     context.Context
	now     time.Time
	tracker *Tracker
}

func (s *TrackerSuite) SetupTest() {
	s.ctx = context.Background()
	s.now = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	s.tracker = s.newTracker(Limits{Default: 1, PerType: map[string]int{"lint": 3, "muted": 0}})
}

func (s *TrackerSuite) newTracker(l Limits, opts ...Option) *Tracker {
	opts = append(opts, WithClock(func() time.Time { return s.now }))
	return NewTracker(l, RetentionPolicy{SessionTTL: time.Hour, MaxSessions: 3}, opts...)
}

func TestTrackerSuite(t *testing.T) {
	suite.Run(t, new(TrackerSuite))
}

func (s *TrackerSuite) TestShownOnceWithinSession() {
	s.True(s.tracker.ShouldShowWarning(s.ctx, "s1", "stale-read"))
	s.tracker.RecordShown(s.ctx, "s1", "stale-read")

	s.False(s.tracker.ShouldShowWarning(s.ctx, "s1", "stale-read"))
	s.True(s.tracker.ShouldShowWarning(s.ctx, "s2", "stale-read"))
	s.True(s.tracker.ShouldShowWarning(s.ctx, "s1", "other"))
}

func (s *TrackerSuite) TestPerTypeLimits() {
	for i := 0; i < 3; i++ {
		s.True(s.tracker.TryShow(s.ctx, "s1", "lint"), "show %d", i)
	}
	s.False(s.tracker.TryShow(s.ctx, "s1", "lint"))
	s.False(s.tracker.TryShow(s.ctx, "s1", "muted"))

	st := s.tracker.State("s1")
	s.Require().NotNil(st)
	s.Equal(3, st.Warnings["lint"].Count)
	s.Equal(s.now, st.Warnings["lint"].LastShown)
	s.NotContains(st.Warnings, "muted")
}

func (s *TrackerSuite) TestStateIsLazy() {
	s.Nil(s.tracker.State("s1"))
	s.Equal(0, s.tracker.Sessions())

	s.tracker.ShouldShowWarning(s.ctx, "s1", "x")
	s.Equal(1, s.tracker.Sessions())
	s.Empty(s.tracker.State("s1").Warnings)
}

func (s *TrackerSuite) TestEndSession() {
	s.tracker.RecordShown(s.ctx, "s1", "stale-read")
	s.tracker.EndSession(s.ctx, "s1")

	s.Nil(s.tracker.State("s1"))
	s.True(s.tracker.ShouldShowWarning(s.ctx, "s1", "stale-read"))
}

func (s *TrackerSuite) TestSweepExpiresIdleSessions() {
	s.tracker.RecordShown(s.ctx, "old", "a")
	s.now = s.now.Add(50 * time.Minute)
	s.tracker.RecordShown(s.ctx, "fresh", "a")

	s.now = s.now.Add(20 * time.Minute)
	s.Equal(1, s.tracker.Sweep(s.ctx))
	s.Nil(s.tracker.State("old"))
	s.NotNil(s.tracker.State("fresh"))
}

func (s *TrackerSuite) TestExpiredSessionStartsOver() {
	s.tracker.RecordShown(s.ctx, "s1", "a")
	s.now = s.now.Add(2 * time.Hour)
	s.True(s.tracker.ShouldShowWarning(s.ctx, "s1", "a"))
}

func (s *TrackerSuite) TestMaxSessions() {
	for i := 0; i < 5; i++ {
		s.tracker.RecordShown(s.ctx, fmt.Sprintf("s%d", i), "a")
		s.now = s.now.Add(time.Second)
	}
	s.Equal(3, s.tracker.Sessions())
	s.Nil(s.tracker.State("s0"))
	s.Nil(s.tracker.State("s1"))
	s.NotNil(s.tracker.State("s4"))
}

func (s *TrackerSuite) TestSetLimits() {
	s.tracker.RecordShown(s.ctx, "s1", "a")
	s.False(s.tracker.ShouldShowWarning(s.ctx, "s1", "a"))

	s.tracker.SetLimits(Limits{Default: 2})
	s.True(s.tracker.ShouldShowWarning(s.ctx, "s1", "a"))
}

func (s *TrackerSuite) TestConcurrentTryShow() {
	var shown atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.tracker.TryShow(s.ctx, "s1", "stale-read") {
				shown.Add(1)
			}
		}()
	}
	wg.Wait()
	s.Equal(int32(1), shown.Load())
}

func (s *TrackerSuite) TestFilePersisterSurvivesRestart() {
	p, err := NewFilePersister(s.T().TempDir())
	s.Require().NoError(err)

	first := s.newTracker(Limits{Default: 1}, WithPersister(p))
	s.True(first.TryShow(s.ctx, "s1", "stale-read"))

	second := s.newTracker(Limits{Default: 1}, WithPersister(p))
	s.False(second.ShouldShowWarning(s.ctx, "s1", "stale-read"))
	s.True(second.ShouldShowWarning(s.ctx, "s2", "stale-read"))

	second.EndSession(s.ctx, "s1")
	third := s.newTracker(Limits{Default: 1}, WithPersister(p))
	s.True(third.ShouldShowWarning(s.ctx, "s1", "stale-read"))
}

func (s *TrackerSuite) TestDue() {
	advisories := AdvisoriesFor(models.Outcome{ErrorPatterns: []string{"file_not_found", "generic_error"}})
	s.Require().Len(advisories, 1)

	s.Len(s.tracker.Due(s.ctx, "s1", advisories), 1)
	s.Empty(s.tracker.Due(s.ctx, "s1", advisories))
	s.Empty(s.tracker.Due(s.ctx, "", advisories))
}

// slowPersister holds every Load for delay before returning saved.
type slowPersister struct {
	delay time.Duration
	saved *SessionState
	loads atomic.Int32
}

func (p *slowPersister) Load(ctx context.Context, sessionID string) (*SessionState, error) {
	p.loads.Add(1)
	time.Sleep(p.delay)
	return p.saved, nil
}

func (p *slowPersister) Save(context.Context, *SessionState) error { return nil }
func (p *slowPersister) Delete(context.Context, string) error       { return nil }

func (s *TrackerSuite) TestConcurrentFirstUseWaitsForLoad() {
	p := &slowPersister{
		delay: 50 * time.Millisecond,
		saved: &SessionState{
			SessionID: "s1",
			Warnings:  map[string]Entry{"stale-read": {Count: 1, LastShown: s.now}},
			Touched:   s.now,
		},
	}
	tr := s.newTracker(Limits{Default: 1}, WithPersister(p))

	var (
		wg    sync.WaitGroup
		shown atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tr.TryShow(s.ctx, "s1", "stale-read") {
				shown.Add(1)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(0), shown.Load(), "saved count must apply to every caller")
	s.Equal(int32(1), p.loads.Load())
	s.Equal(1, tr.State("s1").Warnings["stale-read"].Count)
}

func TestFilePersisterMissingSession(t *testing.T) {
	p, err := NewFilePersister(t.TempDir())
	require.NoError(t, err)

	st, err := p.Load(context.Background(), "nobody")
	assert.NoError(t, err)
	assert.Nil(t, st)
	assert.NoError(t, p.Delete(context.Background(), "nobody"))
}

func TestRedisPersister(t *testing.T) {
	url := os.Getenv("ENGRAM_TEST_REDIS_URL")
	if url == "" {
		t.Skip("ENGRAM_TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	p, err := NewRedisPersister(url, time.Minute)
	require.NoError(t, err)
	defer p.Close()

	id := fmt.Sprintf("test-%d", time.Now().UnixNano())
	state := &SessionState{SessionID: id, Warnings: map[string]Entry{"a": {Count: 2}}, Touched: time.Now()}
	require.NoError(t, p.Save(ctx, state))

	loaded, err := p.Load(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, 2, loaded.Warnings["a"].Count)

	require.NoError(t, p.Delete(ctx, id))
	loaded, err = p.Load(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestRedisPersisterUnreachable(t *testing.T) {
	_, err := NewRedisPersister("redis://127.0.0.1:1", time.Minute)
	assert.Error(t, err)
}
