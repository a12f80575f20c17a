// Package worker serves the engine over HTTP for hook processes and tools.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/thebtf/engram-context/internal/engine"
	"github.com/thebtf/engram-context/internal/worker/sse"
	"github.com/thebtf/engram-context/pkg/models"
)

const shutdownTimeout = 5 * time.Second

// Service is the worker HTTP service.
type Service struct {
	version     string
	engine      *engine.Engine
	router      chi.Router
	broadcaster *sse.Broadcaster
	startTime   time.Time
	ready       atomic.Bool
	unsubscribe func()
}

// NewService creates the service and its routes. Captured records are streamed
// to /api/stream subscribers.
func NewService(version string, e *engine.Engine) *Service {
	s := &Service{
		version:     version,
		engine:      e,
		router:      chi.NewRouter(),
		broadcaster: sse.NewBroadcaster(),
		startTime:   time.Now(),
	}
	s.unsubscribe = e.Subscribe(func(rec *models.ContextRecord) {
		s.broadcaster.Broadcast("captured", capturedEvent{
			ID:             rec.ID,
			Prompt:         rec.Prompt,
			Classification: rec.Outcome.Classification,
			Tool:           rec.Tool(),
			CreatedAt:      rec.CreatedAt,
		})
	})
	s.setupRoutes()
	return s
}

type capturedEvent struct {
	ID             models.RecordID       `json:"id"`
	Prompt         string                `json:"prompt"`
	Classification models.Classification `json:"classification"`
	Tool           string                `json:"tool"`
	CreatedAt      time.Time             `json:"created_at"`
}

func (s *Service) setupRoutes() {
	r := s.router
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/ready", s.handleReady)
	r.Get("/api/version", s.handleVersion)

	r.Group(func(r chi.Router) {
		r.Use(s.requireReady)

		r.Post("/api/events", s.handleEvent)
		r.Post("/api/context/search", s.handleSearch)
		r.Get("/api/warnings/{session}/{type}", s.handleShouldShow)
		r.Post("/api/warnings/{session}/{type}", s.handleRecordShown)
		r.Post("/api/warnings/{session}/{type}/try", s.handleTryShow)
		r.Delete("/api/sessions/{session}", s.handleEndSession)
		r.Post("/api/maintenance/evict", s.handleEvict)
		r.Get("/api/stats", s.handleStats)
		r.Get("/api/stream", s.broadcaster.HandleSSE)
	})
}

// Handler returns the HTTP handler.
func (s *Service) Handler() http.Handler {
	return s.router
}

// SetReady marks the service ready to take requests.
func (s *Service) SetReady(ready bool) {
	s.ready.Store(ready)
}

func (s *Service) requireReady(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			writeError(w, http.StatusServiceUnavailable, "service not ready")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Msg("HTTP request")
	})
}

// Run serves on addr and runs the eviction sweeper until ctx is done. The
// service reports ready only once addr is bound.
func (s *Service) Run(ctx context.Context, addr string, evictEvery time.Duration) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln, evictEvery)
}

// Serve is Run on an already bound listener, which it closes on return.
func (s *Service) Serve(ctx context.Context, ln net.Listener, evictEvery time.Duration) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", ln.Addr().String()).Str("version", s.version).Msg("Worker listening")
		s.SetReady(true)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	if evictEvery > 0 {
		g.Go(func() error {
			return s.engine.RunEvictionLoop(ctx, evictEvery)
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		s.SetReady(false)
		s.unsubscribe()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
