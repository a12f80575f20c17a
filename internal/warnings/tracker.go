// Package warnings throttles advisory messages per session.
package warnings

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Entry is the display history of one warning type in a session.
type Entry struct {
	Count     int       `json:"count"`
	LastShown time.Time `json:"last_shown"`
}

// SessionState is the warning state of one session.
type SessionState struct {
	SessionID string           `json:"session_id"`
	Warnings  map[string]Entry `json:"warnings"`
	Touched   time.Time        `json:"touched"`
}

// Persister backs session state outside the process.
type Persister interface {
	// Load returns nil, nil when the session has no saved state.
	Load(ctx context.Context, sessionID string) (*SessionState, error)
	Save(ctx context.Context, state *SessionState) error
	Delete(ctx context.Context, sessionID string) error
}

// RetentionPolicy bounds how long and how many sessions are kept.
type RetentionPolicy struct {
	SessionTTL  time.Duration
	MaxSessions int
}

// DefaultRetentionPolicy keeps up to 1000 sessions for a day of inactivity.
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{SessionTTL: 24 * time.Hour, MaxSessions: 1000}
}

// Limits caps how many times each warning type is shown per session.
type Limits struct {
	Default int
	PerType map[string]int
}

// For returns the limit of typ.
func (l Limits) For(typ string) int {
	if n, ok := l.PerType[typ]; ok {
		return n
	}
	return l.Default
}

type session struct {
	mu    sync.Mutex
	state SessionState

	// loaded is closed once saved state has been merged in.
	loaded chan struct{}
}

// Tracker is the Session Warning Tracker. State for a session is created on
// first use; updates to one session are serialized by its own lock.
type Tracker struct {
	policy  RetentionPolicy
	persist Persister
	now     func() time.Time
	limits  atomic.Pointer[Limits]

	mu       sync.Mutex
	sessions map[string]*session
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithPersister backs session state with p.
func WithPersister(p Persister) Option {
	return func(t *Tracker) { t.persist = p }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a tracker.
func NewTracker(limits Limits, policy RetentionPolicy, opts ...Option) *Tracker {
	t := &Tracker{
		policy:   policy,
		now:      time.Now,
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.SetLimits(limits)
	return t
}

// SetLimits replaces the per-type limits.
func (t *Tracker) SetLimits(l Limits) {
	cp := Limits{Default: l.Default, PerType: make(map[string]int, len(l.PerType))}
	for k, v := range l.PerType {
		cp.PerType[k] = v
	}
	t.limits.Store(&cp)
}

// Limits returns the active limits.
func (t *Tracker) Limits() Limits {
	return *t.limits.Load()
}

// session returns the state of id, loading or creating it. Callers racing the
// first use of a session wait until its saved state is loaded.
func (t *Tracker) session(ctx context.Context, id string) *session {
	now := t.now()

	t.mu.Lock()
	s, ok := t.sessions[id]
	if !ok {
		s = &session{
			state:  SessionState{SessionID: id, Warnings: map[string]Entry{}, Touched: now},
			loaded: make(chan struct{}),
		}
		t.sessions[id] = s
		t.enforceMaxLocked(id)
	}
	t.mu.Unlock()

	if !ok {
		t.load(ctx, s, now)
		close(s.loaded)
		return s
	}

	<-s.loaded
	s.mu.Lock()
	if t.expired(s.state.Touched, now) {
		s.state.Warnings = map[string]Entry{}
	}
	s.mu.Unlock()
	return s
}

func (t *Tracker) load(ctx context.Context, s *session, now time.Time) {
	if t.persist == nil {
		return
	}
	saved, err := t.persist.Load(ctx, s.state.SessionID)
	if err != nil {
		log.Warn().Err(err).Str("session", s.state.SessionID).Msg("Failed to load warning state")
	}
	if saved == nil || t.expired(saved.Touched, now) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for typ, e := range saved.Warnings {
		s.state.Warnings[typ] = e
	}
}

func (t *Tracker) expired(touched, now time.Time) bool {
	return t.policy.SessionTTL > 0 && now.Sub(touched) >= t.policy.SessionTTL
}

// enforceMaxLocked drops the least recently touched sessions beyond the cap,
// never dropping keep.
func (t *Tracker) enforceMaxLocked(keep string) {
	if t.policy.MaxSessions <= 0 || len(t.sessions) <= t.policy.MaxSessions {
		return
	}
	type aged struct {
		id      string
		touched time.Time
	}
	all := make([]aged, 0, len(t.sessions))
	for id, s := range t.sessions {
		if id == keep {
			continue
		}
		s.mu.Lock()
		all = append(all, aged{id, s.state.Touched})
		s.mu.Unlock()
	}
	sort.Slice(all, func(i, j int) bool { return all[i].touched.Before(all[j].touched) })
	for _, a := range all[:len(t.sessions)-t.policy.MaxSessions] {
		delete(t.sessions, a.id)
	}
}

// ShouldShowWarning reports whether typ may still be shown in the session.
func (t *Tracker) ShouldShowWarning(ctx context.Context, sessionID, typ string) bool {
	s := t.session(ctx, sessionID)
	limit := t.Limits().For(typ)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Touched = t.now()
	return s.state.Warnings[typ].Count < limit
}

// RecordShown counts one display of typ in the session.
func (t *Tracker) RecordShown(ctx context.Context, sessionID, typ string) {
	s := t.session(ctx, sessionID)

	s.mu.Lock()
	t.markLocked(s, typ)
	snapshot := s.copyLocked()
	s.mu.Unlock()

	t.save(ctx, snapshot)
}

// TryShow records a display of typ and returns true if the limit allows it.
// Check and record happen under one lock.
func (t *Tracker) TryShow(ctx context.Context, sessionID, typ string) bool {
	s := t.session(ctx, sessionID)
	limit := t.Limits().For(typ)

	s.mu.Lock()
	if s.state.Warnings[typ].Count >= limit {
		s.state.Touched = t.now()
		s.mu.Unlock()
		return false
	}
	t.markLocked(s, typ)
	snapshot := s.copyLocked()
	s.mu.Unlock()

	t.save(ctx, snapshot)
	return true
}

func (t *Tracker) markLocked(s *session, typ string) {
	now := t.now()
	e := s.state.Warnings[typ]
	e.Count++
	e.LastShown = now
	s.state.Warnings[typ] = e
	s.state.Touched = now
}

func (s *session) copyLocked() *SessionState {
	cp := SessionState{SessionID: s.state.SessionID, Touched: s.state.Touched, Warnings: make(map[string]Entry, len(s.state.Warnings))}
	for k, v := range s.state.Warnings {
		cp.Warnings[k] = v
	}
	return &cp
}

func (t *Tracker) save(ctx context.Context, state *SessionState) {
	if t.persist == nil {
		return
	}
	if err := t.persist.Save(ctx, state); err != nil {
		log.Warn().Err(err).Str("session", state.SessionID).Msg("Failed to persist warning state")
	}
}

// State returns a copy of the session state, or nil if the session is not tracked.
func (t *Tracker) State(sessionID string) *SessionState {
	t.mu.Lock()
	s, ok := t.sessions[sessionID]
	t.mu.Unlock()
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyLocked()
}

// EndSession discards all state of the session.
func (t *Tracker) EndSession(ctx context.Context, sessionID string) {
	t.mu.Lock()
	delete(t.sessions, sessionID)
	t.mu.Unlock()

	if t.persist != nil {
		if err := t.persist.Delete(ctx, sessionID); err != nil {
			log.Warn().Err(err).Str("session", sessionID).Msg("Failed to delete warning state")
		}
	}
}

// Sweep drops sessions idle for longer than the TTL and returns how many were removed.
func (t *Tracker) Sweep(ctx context.Context) int {
	now := t.now()

	t.mu.Lock()
	var expired []string
	for id, s := range t.sessions {
		s.mu.Lock()
		if t.expired(s.state.Touched, now) {
			expired = append(expired, id)
			delete(t.sessions, id)
		}
		s.mu.Unlock()
	}
	t.mu.Unlock()

	if t.persist != nil {
		for _, id := range expired {
			if err := t.persist.Delete(ctx, id); err != nil {
				log.Debug().Err(err).Str("session", id).Msg("Failed to delete expired warning state")
			}
		}
	}
	return len(expired)
}

// Sessions returns the number of tracked sessions.
func (t *Tracker) Sessions() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}
