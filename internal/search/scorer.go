// Package search ranks stored context records against what the agent is about
// to do and assembles the best of them into injectable context.
package search

import (
	"math"
	"sort"
	"time"

	"github.com/thebtf/engram-context/internal/config"
	"github.com/thebtf/engram-context/pkg/models"
	"github.com/thebtf/engram-context/pkg/similarity"
)

const weightTolerance = 1e-6

// Partial success earns this share of the outcome factor.
const partialSuccessCredit = 0.5

// Weights are the factor weights of the relevance score.
type Weights struct {
	Recency     float64 `json:"recency"`
	Relevance   float64 `json:"relevance"`
	Outcome     float64 `json:"outcome"`
	FileOverlap float64 `json:"file_overlap"`
}

// DefaultWeights returns the default factor weights.
func DefaultWeights() Weights {
	return Weights{Recency: 0.3, Relevance: 0.4, Outcome: 0.2, FileOverlap: 0.1}
}

// Validate checks that each weight is in [0, 1] and that they sum to 1.
func (w Weights) Validate() error {
	for _, v := range []float64{w.Recency, w.Relevance, w.Outcome, w.FileOverlap} {
		if v < 0 || v > 1 || math.IsNaN(v) {
			return &config.ConfigurationError{Field: "weights", Value: w, Reason: "weight must be within [0, 1]"}
		}
	}
	sum := w.Recency + w.Relevance + w.Outcome + w.FileOverlap
	if math.Abs(sum-1.0) > weightTolerance {
		return &config.ConfigurationError{Field: "weights", Value: sum, Reason: "scoring weights must sum to 1.0"}
	}
	return nil
}

// ScorerConfig configures a Scorer.
type ScorerConfig struct {
	Weights Weights
	// Horizon is the retention horizon; records older than it score zero recency.
	Horizon  time.Duration
	HalfLife time.Duration
	// Threshold drops results scoring below it.
	Threshold  float64
	MaxResults int
}

// DefaultScorerConfig returns the default scorer configuration.
func DefaultScorerConfig() ScorerConfig {
	return ScorerConfig{
		Weights:    DefaultWeights(),
		Horizon:    30 * 24 * time.Hour,
		HalfLife:   7 * 24 * time.Hour,
		Threshold:  0.3,
		MaxResults: 5,
	}
}

// ScorerConfigFrom extracts scorer settings from the engine configuration.
func ScorerConfigFrom(c *config.Config) ScorerConfig {
	return ScorerConfig{
		Weights: Weights{
			Recency:     c.WeightRecency,
			Relevance:   c.WeightRelevance,
			Outcome:     c.WeightOutcome,
			FileOverlap: c.WeightFileOverlap,
		},
		Horizon:    c.MaxContextAge(),
		HalfLife:   c.RecencyHalfLife(),
		Threshold:  c.RelevanceThreshold,
		MaxResults: c.MaxResults,
	}
}

// Scorer is the Relevance Scorer. It is immutable and safe for concurrent use.
type Scorer struct {
	cfg ScorerConfig
	now func() time.Time
}

// NewScorer validates cfg and creates a Scorer. Invalid weights or bounds yield
// a ConfigurationError.
func NewScorer(cfg ScorerConfig) (*Scorer, error) {
	if err := cfg.Weights.Validate(); err != nil {
		return nil, err
	}
	if cfg.Horizon <= 0 {
		return nil, &config.ConfigurationError{Field: "horizon", Value: cfg.Horizon, Reason: "must be positive"}
	}
	if cfg.HalfLife <= 0 {
		return nil, &config.ConfigurationError{Field: "half_life", Value: cfg.HalfLife, Reason: "must be positive"}
	}
	if cfg.Threshold < 0 || cfg.Threshold > 1 {
		return nil, &config.ConfigurationError{Field: "threshold", Value: cfg.Threshold, Reason: "must be within [0, 1]"}
	}
	if cfg.MaxResults <= 0 {
		return nil, &config.ConfigurationError{Field: "max_results", Value: cfg.MaxResults, Reason: "must be positive"}
	}
	return &Scorer{cfg: cfg, now: time.Now}, nil
}

// WithClock returns a copy of the scorer that reads time from now.
func (s *Scorer) WithClock(now func() time.Time) *Scorer {
	c := *s
	c.now = now
	return &c
}

// Config returns the scorer configuration.
func (s *Scorer) Config() ScorerConfig {
	return s.cfg
}

// Recency decays exponentially with age and is zero beyond the horizon.
// Records from the future count as brand new.
func (s *Scorer) Recency(created, now time.Time) float64 {
	age := now.Sub(created)
	if age <= 0 {
		return 1.0
	}
	if age >= s.cfg.Horizon {
		return 0.0
	}
	return math.Exp(-math.Ln2 * float64(age) / float64(s.cfg.HalfLife))
}

// OutcomeCredit maps a classification to the outcome factor.
func OutcomeCredit(c models.Classification) float64 {
	switch c {
	case models.ClassificationSuccess:
		return 1.0
	case models.ClassificationPartialSuccess:
		return partialSuccessCredit
	default:
		return 0.0
	}
}

// FileOverlap is the fraction of hinted files (by base name) present in files.
// Without hints the factor is zero.
func FileOverlap(hints, files []string) float64 {
	return similarity.Coverage(similarity.FileTerms(hints), similarity.FileTerms(files))
}

// RecordTerms are the terms a record offers to text relevance.
func RecordTerms(rec *models.ContextRecord) map[string]bool {
	terms := similarity.Terms(rec.Prompt)
	similarity.AddTerms(terms, rec.Narrative)
	return terms
}

// Factors computes the four normalized sub-scores of rec.
func (s *Scorer) Factors(queryTerms map[string]bool, hints []string, rec *models.ContextRecord, now time.Time) models.FactorScores {
	return models.FactorScores{
		Recency:     s.Recency(rec.CreatedAt, now),
		Relevance:   similarity.Coverage(queryTerms, RecordTerms(rec)),
		Outcome:     OutcomeCredit(rec.Outcome.Classification),
		FileOverlap: FileOverlap(hints, rec.Outcome.Files),
	}
}

// Total is the weighted sum of the factors.
func (s *Scorer) Total(f models.FactorScores) float64 {
	w := s.cfg.Weights
	return w.Recency*f.Recency + w.Relevance*f.Relevance + w.Outcome*f.Outcome + w.FileOverlap*f.FileOverlap
}

// Rank scores every candidate and sorts by score descending, then recency
// descending. No threshold or limit is applied.
func (s *Scorer) Rank(q models.RelevanceQuery, candidates []*models.ContextRecord) []models.ScoredRecord {
	now := s.now()
	queryTerms := similarity.Terms(q.Prompt)

	out := make([]models.ScoredRecord, 0, len(candidates))
	for _, rec := range candidates {
		f := s.Factors(queryTerms, q.Files, rec, now)
		out = append(out, models.ScoredRecord{Record: rec, Score: s.Total(f), Factors: f})
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.Record.CreatedAt.Equal(b.Record.CreatedAt) {
			return a.Record.CreatedAt.After(b.Record.CreatedAt)
		}
		return a.Record.ID < b.Record.ID
	})
	return out
}

// Threshold returns the effective minimum score for q.
func (s *Scorer) Threshold(q models.RelevanceQuery) float64 {
	if q.MinScore != nil {
		return *q.MinScore
	}
	return s.cfg.Threshold
}

// Limit returns the effective maximum result count for q.
func (s *Scorer) Limit(q models.RelevanceQuery) int {
	if q.MaxResults > 0 {
		return q.MaxResults
	}
	return s.cfg.MaxResults
}

// AboveThreshold keeps ranked results scoring at least the threshold of q.
func (s *Scorer) AboveThreshold(q models.RelevanceQuery, ranked []models.ScoredRecord) []models.ScoredRecord {
	min := s.Threshold(q)
	out := make([]models.ScoredRecord, 0, len(ranked))
	for _, r := range ranked {
		if r.Score >= min {
			out = append(out, r)
		}
	}
	return out
}

// Score ranks candidates, drops those below the threshold and truncates to the
// result limit.
func (s *Scorer) Score(q models.RelevanceQuery, candidates []*models.ContextRecord) []models.ScoredRecord {
	out := s.AboveThreshold(q, s.Rank(q, candidates))
	if limit := s.Limit(q); len(out) > limit {
		out = out[:limit]
	}
	return out
}
