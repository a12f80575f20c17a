// Package engine wires the capture, storage, retrieval and warning components
// from a validated configuration.
package engine

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/engram-context/internal/capture"
	"github.com/thebtf/engram-context/internal/classifier"
	"github.com/thebtf/engram-context/internal/config"
	gormstore "github.com/thebtf/engram-context/internal/db/gorm"
	"github.com/thebtf/engram-context/internal/db/sqlite"
	"github.com/thebtf/engram-context/internal/metrics"
	"github.com/thebtf/engram-context/internal/search"
	"github.com/thebtf/engram-context/internal/store"
	"github.com/thebtf/engram-context/internal/warnings"
	"github.com/thebtf/engram-context/pkg/models"
)

// Stats summarizes the engine for the stats endpoint and CLI.
type Stats struct {
	Store      models.StoreStats `json:"store"`
	StoreError string            `json:"store_error,omitempty"`
	Breaker    string            `json:"breaker"`
	Backend    string            `json:"backend"`
	Sessions   int               `json:"warning_sessions"`
	Counters   metrics.Snapshot  `json:"counters"`
	Weights    search.Weights    `json:"weights"`
}

// Event is an observed tool event with what the engine made of it.
type Event struct {
	capture.Result
	Advisories []warnings.Advisory `json:"advisories"`
}

// Engine is the Context Capture & Retrieval Engine.
type Engine struct {
	cfg atomic.Pointer[config.Config]

	store    *store.Store
	capture  *capture.Handler
	search   *search.Manager
	warnings *warnings.Tracker
	metrics  *metrics.Metrics

	closers  []io.Closer
	notifier *notifier
}

// New builds an engine with the storage medium named by cfg.
func New(cfg *config.Config) (*Engine, error) {
	backend, err := OpenBackend(cfg)
	if err != nil {
		return nil, err
	}
	e, err := NewWithBackend(cfg, backend)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	return e, nil
}

// OpenBackend opens the storage medium named by cfg.
func OpenBackend(cfg *config.Config) (store.Backend, error) {
	switch cfg.DBBackend {
	case config.BackendSQLite:
		s, err := sqlite.NewStore(cfg.DBPath, cfg.MaxConns)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.BackendPostgres:
		s, err := gormstore.NewStore(gormstore.Config{DSN: cfg.PostgresDSN, MaxConns: cfg.MaxConns})
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.BackendMemory:
		return store.NewMemoryBackend(), nil
	}
	return nil, &config.ConfigurationError{Field: "ENGRAM_DB_BACKEND", Value: cfg.DBBackend, Reason: "unsupported backend"}
}

// NewWithBackend builds an engine over an already opened backend. The engine
// owns the backend and closes it on Close.
func NewWithBackend(cfg *config.Config, backend store.Backend) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m, err := metrics.New()
	if err != nil {
		return nil, fmt.Errorf("create metrics: %w", err)
	}

	registry := classifier.NewRegistry()
	if cfg.ToolRulesPath != "" {
		rules, err := classifier.LoadRules(cfg.ToolRulesPath)
		if err != nil {
			return nil, &config.ConfigurationError{Field: "ENGRAM_TOOL_RULES_PATH", Value: cfg.ToolRulesPath, Reason: err.Error()}
		}
		if err := registry.ApplyRules(rules); err != nil {
			return nil, &config.ConfigurationError{Field: "ENGRAM_TOOL_RULES_PATH", Value: cfg.ToolRulesPath, Reason: err.Error()}
		}
	}

	scorer, err := search.NewScorer(search.ScorerConfigFrom(cfg))
	if err != nil {
		return nil, err
	}

	e := &Engine{
		metrics:  m,
		notifier: newNotifier(notifyBuffer),
	}
	e.cfg.Store(cfg)
	e.closers = append(e.closers, e.notifier)

	e.store = store.New(backend, store.Options{
		Compression:  cfg.Compression,
		WriteTimeout: cfg.WriteTimeout(),
		ReadTimeout:  cfg.ReadTimeout(),
		Breaker: store.BreakerSettings{
			Name:             "context-store",
			FailureThreshold: cfg.BreakerFailureThreshold,
			Window:           cfg.BreakerWindow(),
			Cooldown:         cfg.BreakerCooldown(),
			OnStateChange: func(from, to string) {
				m.BreakerTransition(context.Background(), from, to)
			},
		},
	})
	e.closers = append(e.closers, e.store)

	e.capture = capture.NewHandler(classifier.New(registry), e.store, capture.Options{
		DedupeWindow:     cfg.DedupeWindow(),
		MaxResponseChars: cfg.CaptureMaxResponseChars,
		Budget:           cfg.WriteTimeout(),
		OnStored: func(rec *models.ContextRecord) {
			m.CaptureStored(context.Background(), rec.Tool())
			e.notifier.publish(rec)
		},
		OnSkipped: func(tool, reason string) {
			m.CaptureSkipped(context.Background(), tool, reason)
		},
		OnFailed: func(tool string, _ error) {
			m.CaptureFailed(context.Background(), tool)
		},
	})

	e.search = search.NewManager(e.store, scorer, searchOptions(cfg))

	var opts []warnings.Option
	persister, closer, err := openPersister(cfg)
	if err != nil {
		_ = e.notifier.Close()
		return nil, err
	}
	if persister != nil {
		opts = append(opts, warnings.WithPersister(persister))
	}
	if closer != nil {
		e.closers = append(e.closers, closer)
	}
	e.warnings = warnings.NewTracker(warningLimits(cfg), warnings.RetentionPolicy{
		SessionTTL:  cfg.WarningSessionTTL(),
		MaxSessions: cfg.WarningMaxSessions,
	}, opts...)

	log.Info().
		Str("backend", cfg.DBBackend).
		Bool("compression", cfg.Compression).
		Int("max_age_days", cfg.MaxContextAgeDays).
		Msg("Context engine ready")
	return e, nil
}

func searchOptions(cfg *config.Config) search.Options {
	return search.Options{
		CandidatePool:    cfg.CandidatePool,
		ClusterThreshold: cfg.ClusterThreshold,
		TokenBudget:      cfg.ContextTokenBudget,
	}
}

func warningLimits(cfg *config.Config) warnings.Limits {
	return warnings.Limits{Default: cfg.WarningDefaultLimit, PerType: cfg.WarningLimits}
}

func openPersister(cfg *config.Config) (warnings.Persister, io.Closer, error) {
	switch cfg.WarningBacking {
	case config.BackingFile:
		p, err := warnings.NewFilePersister(config.WarningsDir())
		return p, nil, err
	case config.BackingRedis:
		p, err := warnings.NewRedisPersister(cfg.RedisURL, cfg.WarningSessionTTL())
		if err != nil {
			return nil, nil, err
		}
		return p, p, nil
	}
	return nil, nil, nil
}

// Config returns the active configuration.
func (e *Engine) Config() *config.Config {
	return e.cfg.Load()
}

// Store returns the context store.
func (e *Engine) Store() *store.Store {
	return e.store
}

// Observe classifies and possibly captures ev, and returns the advisories due
// for its session. It never fails.
func (e *Engine) Observe(ctx context.Context, ev models.ToolEvent) Event {
	res := e.capture.Observe(ctx, ev)
	return Event{Result: res, Advisories: e.Advise(ctx, ev.SessionID, res.Outcome)}
}

// Advise returns the advisories for outcome not yet exhausted in the session,
// recording each as shown.
func (e *Engine) Advise(ctx context.Context, sessionID string, outcome models.Outcome) []warnings.Advisory {
	candidates := warnings.AdvisoriesFor(outcome)
	due := e.warnings.Due(ctx, sessionID, candidates)
	if sessionID != "" {
		shown := make(map[string]bool, len(due))
		for _, a := range due {
			shown[a.Type] = true
		}
		for _, a := range candidates {
			e.metrics.Warning(ctx, a.Type, shown[a.Type])
		}
	}
	return due
}

// Search ranks stored records against q.
func (e *Engine) Search(ctx context.Context, q models.RelevanceQuery) ([]models.ScoredRecord, error) {
	return e.search.Search(ctx, q)
}

// Retrieve returns assembled context for q, or nothing when the store is degraded.
func (e *Engine) Retrieve(ctx context.Context, q models.RelevanceQuery) []string {
	out := e.search.Retrieve(ctx, q)
	e.metrics.Retrieval(ctx, len(out))
	return out
}

// Lookup returns the ranked results for q with their assembled context. Storage
// errors yield empty results.
func (e *Engine) Lookup(ctx context.Context, q models.RelevanceQuery) ([]models.ScoredRecord, []string) {
	results, err := e.search.Search(ctx, q)
	if err != nil {
		log.Warn().Err(err).Msg("Context lookup degraded to empty result")
		results = []models.ScoredRecord{}
	}
	out := e.search.Assemble(results)
	e.metrics.Retrieval(ctx, len(out))
	return results, out
}

// ShouldShowWarning reports whether typ may still be shown in the session.
func (e *Engine) ShouldShowWarning(ctx context.Context, sessionID, typ string) bool {
	return e.warnings.ShouldShowWarning(ctx, sessionID, typ)
}

// RecordShown counts one display of typ in the session.
func (e *Engine) RecordShown(ctx context.Context, sessionID, typ string) {
	e.warnings.RecordShown(ctx, sessionID, typ)
}

// TryShow checks and records a display of typ in one step.
func (e *Engine) TryShow(ctx context.Context, sessionID, typ string) bool {
	shown := e.warnings.TryShow(ctx, sessionID, typ)
	e.metrics.Warning(ctx, typ, shown)
	return shown
}

// EndSession discards the warning state of the session.
func (e *Engine) EndSession(ctx context.Context, sessionID string) {
	e.warnings.EndSession(ctx, sessionID)
}

// Evict removes records older than the retention horizon and sweeps idle
// warning sessions.
func (e *Engine) Evict(ctx context.Context) (int64, error) {
	return e.EvictOlderThan(ctx, e.Config().MaxContextAgeDays)
}

// EvictOlderThan removes records older than days days.
func (e *Engine) EvictOlderThan(ctx context.Context, days int) (int64, error) {
	if n := e.warnings.Sweep(ctx); n > 0 {
		log.Debug().Int("sessions", n).Msg("Expired warning sessions")
	}
	removed, err := e.store.EvictOlderThan(ctx, days)
	if err != nil {
		return 0, err
	}
	e.metrics.Evicted(ctx, removed)
	return removed, nil
}

// Stats summarizes the engine. A degraded store is reported, not returned as an error.
func (e *Engine) Stats(ctx context.Context) Stats {
	cfg := e.Config()
	st := Stats{
		Breaker:  e.store.BreakerState(),
		Backend:  cfg.DBBackend,
		Sessions: e.warnings.Sessions(),
		Counters: e.metrics.Snapshot(),
		Weights:  e.search.Scorer().Config().Weights,
	}
	stats, err := e.store.Stats(ctx)
	if err != nil {
		st.StoreError = err.Error()
	} else {
		st.Store = stats
	}
	return st
}

// Reload applies the hot-reloadable parts of cfg: scoring, retrieval and
// warning limits. Storage settings require a restart. An invalid cfg leaves
// the engine unchanged.
func (e *Engine) Reload(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	scorer, err := search.NewScorer(search.ScorerConfigFrom(cfg))
	if err != nil {
		return err
	}

	e.search.Reconfigure(scorer, searchOptions(cfg))
	e.warnings.SetLimits(warningLimits(cfg))
	e.cfg.Store(cfg)

	log.Info().
		Float64("threshold", cfg.RelevanceThreshold).
		Int("max_results", cfg.MaxResults).
		Msg("Configuration reloaded")
	return nil
}

// Subscribe registers fn for every captured record and returns a cancel func.
// Records are delivered asynchronously, in capture order; when subscribers fall
// behind by more than a few hundred records the excess is dropped.
func (e *Engine) Subscribe(fn func(*models.ContextRecord)) func() {
	return e.notifier.subscribe(fn)
}

// Close releases the store and warning backing.
func (e *Engine) Close() error {
	var first error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// RunEvictionLoop evicts on every interval until ctx is done.
func (e *Engine) RunEvictionLoop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := e.Evict(ctx); err != nil {
				log.Warn().Err(err).Msg("Eviction sweep failed")
			}
		}
	}
}
