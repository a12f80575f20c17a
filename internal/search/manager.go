package search

import (
	"context"
	"strings"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/engram-context/pkg/models"
	"github.com/thebtf/engram-context/pkg/similarity"
)

// CandidateSource supplies stored records for ranking.
type CandidateSource interface {
	Candidates(ctx context.Context, filter models.CandidateFilter) ([]*models.ContextRecord, error)
}

// Options tunes retrieval around the scorer.
type Options struct {
	// CandidatePool caps how many recent records are fetched per query.
	CandidatePool int
	// ClusterThreshold collapses results at or above this term similarity into
	// one representative. Zero disables clustering.
	ClusterThreshold float64
	// TokenBudget caps the total tokens of assembled context. Zero means no cap.
	TokenBudget int
	Tokens      TokenCounter
}

// DefaultOptions returns the default retrieval options.
func DefaultOptions() Options {
	return Options{
		CandidatePool:    500,
		ClusterThreshold: 0.85,
		TokenBudget:      2000,
	}
}

type settings struct {
	scorer *Scorer
	opts   Options
}

// Manager answers relevance queries against the store. Its scorer and options
// can be swapped at runtime without blocking in-flight searches.
type Manager struct {
	source  CandidateSource
	current atomic.Pointer[settings]
}

// NewManager creates a search manager.
func NewManager(source CandidateSource, scorer *Scorer, opts Options) *Manager {
	m := &Manager{source: source}
	m.Reconfigure(scorer, opts)
	return m
}

// Reconfigure replaces the scorer and options.
func (m *Manager) Reconfigure(scorer *Scorer, opts Options) {
	if opts.Tokens == nil {
		opts.Tokens = DefaultTokenizer()
	}
	if opts.CandidatePool <= 0 {
		opts.CandidatePool = DefaultOptions().CandidatePool
	}
	m.current.Store(&settings{scorer: scorer, opts: opts})
}

// Scorer returns the active scorer.
func (m *Manager) Scorer() *Scorer {
	return m.current.Load().scorer
}

// Search ranks candidates within the retention horizon and returns the results
// above threshold, with near-duplicates collapsed, up to the result limit.
func (m *Manager) Search(ctx context.Context, q models.RelevanceQuery) ([]models.ScoredRecord, error) {
	cur := m.current.Load()
	scorer := cur.scorer

	since := scorer.now().Add(-scorer.cfg.Horizon)
	candidates, err := m.source.Candidates(ctx, models.CandidateFilter{
		Since: since,
		Limit: cur.opts.CandidatePool,
	})
	if err != nil {
		return nil, err
	}

	results := scorer.AboveThreshold(q, scorer.Rank(q, candidates))
	if cur.opts.ClusterThreshold > 0 {
		results = similarity.Cluster(results, func(r models.ScoredRecord) map[string]bool {
			return RecordTerms(r.Record)
		}, cur.opts.ClusterThreshold)
	}
	if limit := scorer.Limit(q); len(results) > limit {
		results = results[:limit]
	}

	log.Debug().
		Int("candidates", len(candidates)).
		Int("results", len(results)).
		Msg("Relevance search")
	return results, nil
}

// Retrieve returns assembled context strings for q, best first. Storage errors
// and an open breaker yield an empty result.
func (m *Manager) Retrieve(ctx context.Context, q models.RelevanceQuery) []string {
	start := time.Now()
	results, err := m.Search(ctx, q)
	if err != nil {
		log.Warn().Err(err).Msg("Context retrieval degraded to empty result")
		return []string{}
	}

	out := m.Assemble(results)
	log.Debug().
		Int("items", len(out)).
		Dur("took", time.Since(start)).
		Msg("Context retrieved")
	return out
}

// Assemble renders results as injectable text, stopping before the token budget
// is exceeded. A first result that alone exceeds the budget is cut to fit.
func (m *Manager) Assemble(results []models.ScoredRecord) []string {
	opts := m.current.Load().opts

	out := make([]string, 0, len(results))
	used := 0
	for _, r := range results {
		text := AssembleRecord(r.Record)
		if opts.TokenBudget > 0 {
			n := opts.Tokens.Count(text)
			if used+n > opts.TokenBudget {
				if len(out) == 0 {
					if cut, ok := truncateTokens(text, opts.TokenBudget, opts.Tokens); ok {
						out = append(out, cut)
					}
				}
				break
			}
			used += n
		}
		out = append(out, text)
	}
	return out
}

const truncatedMarker = "\n[truncated]"

// truncateTokens returns the longest prefix of text that, with the truncation
// marker, counts at most budget tokens. It reports false if not even the
// marker fits.
func truncateTokens(text string, budget int, tokens TokenCounter) (string, bool) {
	runes := []rune(text)
	fits := func(k int) bool {
		return tokens.Count(strings.TrimRightFunc(string(runes[:k]), unicode.IsSpace)+truncatedMarker) <= budget
	}
	if !fits(0) {
		return "", false
	}
	lo, hi := 0, len(runes)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if fits(mid) {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return strings.TrimRightFunc(string(runes[:lo]), unicode.IsSpace) + truncatedMarker, true
}

// AssembleRecord joins the representative prompt and the narrative.
func AssembleRecord(rec *models.ContextRecord) string {
	narrative := strings.TrimSpace(rec.Narrative)
	if narrative == "" {
		return rec.Prompt
	}
	return rec.Prompt + "\n" + narrative
}
