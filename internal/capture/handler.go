// Package capture decides which tool events are worth remembering and turns
// them into context records.
package capture

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/engram-context/internal/classifier"
	"github.com/thebtf/engram-context/internal/privacy"
	"github.com/thebtf/engram-context/pkg/models"
)

// Skip reasons reported by Decide.
const (
	SkipUnknown    = "unknown_outcome"
	SkipEmpty      = "empty_response"
	SkipInspection = "inspection"
	SkipDuplicate  = "duplicate"
	SkipPrivate    = "private"
)

// maxRecent bounds the in-process dedupe table before it is pruned.
const maxRecent = 4096

// Store is the part of the context store the handler writes to.
type Store interface {
	Put(ctx context.Context, rec *models.ContextRecord) (models.RecordID, error)
	HasRecentSignature(ctx context.Context, signature string, since time.Time) (bool, error)
}

// Options configures a Handler.
type Options struct {
	// DedupeWindow suppresses repeats of the same signature. Zero disables dedupe.
	DedupeWindow     time.Duration
	MaxResponseChars int
	// Budget bounds one capture end to end. The cross-process dedupe lookup may
	// use at most half of it; the insert gets the rest. Zero leaves each store
	// call to its own timeout.
	Budget time.Duration
	Now    func() time.Time

	OnStored  func(rec *models.ContextRecord)
	OnSkipped func(tool, reason string)
	OnFailed  func(tool string, err error)
}

// DefaultOptions returns the default capture options.
func DefaultOptions() Options {
	return Options{
		DedupeWindow:     5 * time.Minute,
		MaxResponseChars: 2000,
	}
}

// Result describes what happened to an observed event.
type Result struct {
	Outcome    models.Outcome  `json:"outcome"`
	RecordID   models.RecordID `json:"record_id,omitempty"`
	Captured   bool            `json:"captured"`
	SkipReason string          `json:"skip_reason,omitempty"`
}

// Handler is the Capture Handler.
type Handler struct {
	classifier *classifier.Classifier
	store      Store
	opts       Options

	mu     sync.Mutex
	recent map[string]time.Time
}

// NewHandler creates a capture handler.
func NewHandler(c *classifier.Classifier, store Store, opts Options) *Handler {
	if opts.MaxResponseChars <= 0 {
		opts.MaxResponseChars = DefaultOptions().MaxResponseChars
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Handler{
		classifier: c,
		store:      store,
		opts:       opts,
		recent:     make(map[string]time.Time),
	}
}

// Classifier returns the classifier used by the handler.
func (h *Handler) Classifier() *classifier.Classifier {
	return h.classifier
}

// ShouldCapture reports whether ev with outcome is worth persisting.
func (h *Handler) ShouldCapture(ctx context.Context, ev models.ToolEvent, outcome models.Outcome) bool {
	return h.Decide(ctx, ev, outcome) == ""
}

// Decide returns why ev should not be captured, or "" if it should.
func (h *Handler) Decide(ctx context.Context, ev models.ToolEvent, outcome models.Outcome) string {
	if outcome.Classification == models.ClassificationUnknown || !outcome.Classification.Valid() {
		return SkipUnknown
	}

	text := strings.TrimSpace(ev.ResponseText())
	if text == "" && len(outcome.Files) == 0 {
		return SkipEmpty
	}
	if text != "" && privacy.IsEntirelyPrivate(text) {
		return SkipPrivate
	}

	input, err := h.classifier.Input(ev)
	if err != nil {
		return SkipUnknown
	}
	if outcome.Classification == models.ClassificationSuccess && len(outcome.Files) == 0 && classifier.IsInspection(input) {
		return SkipInspection
	}

	if h.isDuplicate(ctx, Signature(ev.Tool, input, outcome.Classification)) {
		return SkipDuplicate
	}
	return ""
}

func (h *Handler) isDuplicate(ctx context.Context, sig string) bool {
	if h.opts.DedupeWindow <= 0 {
		return false
	}
	now := h.opts.Now()

	h.mu.Lock()
	last, ok := h.recent[sig]
	h.mu.Unlock()
	if ok && now.Sub(last) < h.opts.DedupeWindow {
		return true
	}

	if h.opts.Budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.opts.Budget/2)
		defer cancel()
	}
	found, err := h.store.HasRecentSignature(ctx, sig, now.Add(-h.opts.DedupeWindow))
	if err != nil {
		log.Debug().Err(err).Msg("Dedupe lookup failed, capturing anyway")
		return false
	}
	return found
}

// claim marks sig as captured now. It fails if another capture claimed it
// within the window.
func (h *Handler) claim(sig string) bool {
	if h.opts.DedupeWindow <= 0 {
		return true
	}
	now := h.opts.Now()

	h.mu.Lock()
	defer h.mu.Unlock()

	if last, ok := h.recent[sig]; ok && now.Sub(last) < h.opts.DedupeWindow {
		return false
	}
	if len(h.recent) >= maxRecent {
		for k, t := range h.recent {
			if now.Sub(t) >= h.opts.DedupeWindow {
				delete(h.recent, k)
			}
		}
	}
	h.recent[sig] = now
	return true
}

func (h *Handler) release(sig string) {
	h.mu.Lock()
	delete(h.recent, sig)
	h.mu.Unlock()
}

// Capture builds a context record for ev and writes it to the store.
func (h *Handler) Capture(ctx context.Context, ev models.ToolEvent, outcome models.Outcome) (models.RecordID, error) {
	rec, err := h.Record(ev, outcome)
	if err != nil {
		return "", err
	}
	return h.store.Put(ctx, rec)
}

// Record builds the context record for ev without storing it.
func (h *Handler) Record(ev models.ToolEvent, outcome models.Outcome) (*models.ContextRecord, error) {
	input, err := h.classifier.Input(ev)
	if err != nil {
		return nil, err
	}

	created := ev.Timestamp
	if created.IsZero() {
		created = h.opts.Now()
	}
	ev.Timestamp = created

	prompt := RepresentativePrompt(ev.Tool, input)
	meta := map[string]string{
		models.MetaTool:      ev.Tool,
		models.MetaCategory:  classifier.Category(input),
		models.MetaSignature: Signature(ev.Tool, input, outcome.Classification),
	}
	if ev.SessionID != "" {
		meta[models.MetaSessionID] = ev.SessionID
	}

	return &models.ContextRecord{
		CreatedAt: created,
		Prompt:    privacy.Clean(prompt),
		Narrative: privacy.Clean(narrative(ev, input, outcome, prompt, h.opts.MaxResponseChars)),
		Outcome:   outcome,
		Metadata:  meta,
	}, nil
}

// Observe classifies ev and captures it when worthwhile. Errors never escape:
// they are logged and reported through the failure callback.
func (h *Handler) Observe(ctx context.Context, ev models.ToolEvent) Result {
	if h.opts.Budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.opts.Budget)
		defer cancel()
	}

	outcome := h.classifier.Classify(ev)
	res := Result{Outcome: outcome}

	if reason := h.Decide(ctx, ev, outcome); reason != "" {
		return h.skipped(ev, res, reason)
	}

	var sig string
	if input, err := h.classifier.Input(ev); err == nil {
		sig = Signature(ev.Tool, input, outcome.Classification)
	}
	if !h.claim(sig) {
		return h.skipped(ev, res, SkipDuplicate)
	}

	rec, err := h.Record(ev, outcome)
	if err == nil {
		res.RecordID, err = h.store.Put(ctx, rec)
	}
	if err != nil {
		h.release(sig)
		log.Warn().Err(err).Str("tool", ev.Tool).Str("session", ev.SessionID).Msg("Context capture failed")
		if h.opts.OnFailed != nil {
			h.opts.OnFailed(ev.Tool, err)
		}
		return res
	}

	res.Captured = true
	log.Debug().
		Str("tool", ev.Tool).
		Str("record_id", string(res.RecordID)).
		Str("outcome", string(outcome.Classification)).
		Msg("Context captured")
	if h.opts.OnStored != nil {
		h.opts.OnStored(rec)
	}
	return res
}

func (h *Handler) skipped(ev models.ToolEvent, res Result, reason string) Result {
	res.SkipReason = reason
	log.Debug().Str("tool", ev.Tool).Str("reason", reason).Msg("Event not captured")
	if h.opts.OnSkipped != nil {
		h.opts.OnSkipped(ev.Tool, reason)
	}
	return res
}
