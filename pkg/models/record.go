package models

import (
	"errors"
	"time"
)

// ErrDuplicateRecord is returned when a record id already exists in the store.
var ErrDuplicateRecord = errors.New("duplicate context record")

// RecordID identifies a stored context record.
type RecordID string

// Encoding names how a record payload is stored.
type Encoding string

const (
	EncodingNone   Encoding = "none"
	EncodingSnappy Encoding = "snappy"
)

// Well-known metadata keys.
const (
	MetaTool              = "tool"
	MetaCategory          = "category"
	MetaSessionID         = "session_id"
	MetaSignature         = "signature"
	MetaCompressionFailed = "compression_failed"
)

// ContextRecord is one captured unit of experience.
//
// Narrative is the plain text the caller writes and reads. Payload and Encoding
// belong to the store: Put fills them from Narrative, and reads restore Narrative
// from them.
type ContextRecord struct {
	ID        RecordID          `json:"id"`
	CreatedAt time.Time         `json:"created_at"`
	Prompt    string            `json:"prompt"`
	Narrative string            `json:"narrative,omitempty"`
	Payload   []byte            `json:"-"`
	Encoding  Encoding          `json:"encoding,omitempty"`
	Outcome   Outcome           `json:"outcome"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Tool returns the tool recorded in metadata.
func (r *ContextRecord) Tool() string {
	return r.Metadata[MetaTool]
}

// Signature returns the dedupe signature recorded in metadata.
func (r *ContextRecord) Signature() string {
	return r.Metadata[MetaSignature]
}

// PartitionDay is the UTC creation date used to partition records.
func (r *ContextRecord) PartitionDay() string {
	return PartitionDay(r.CreatedAt)
}

// PartitionDay formats t as a partition key.
func PartitionDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// CandidateFilter narrows a candidate fetch.
type CandidateFilter struct {
	Since time.Time
	Until time.Time
	Tool  string
	Limit int
}

// RelevanceQuery describes what the agent is about to do.
type RelevanceQuery struct {
	Prompt     string   `json:"prompt"`
	Files      []string `json:"files,omitempty"`
	MaxResults int      `json:"max_results,omitempty"`
	MinScore   *float64 `json:"min_score,omitempty"`
}

// FactorScores holds the normalized sub-scores of a ranking.
type FactorScores struct {
	Recency     float64 `json:"recency"`
	Relevance   float64 `json:"relevance"`
	Outcome     float64 `json:"outcome"`
	FileOverlap float64 `json:"file_overlap"`
}

// ScoredRecord is a record with its ranking explanation.
type ScoredRecord struct {
	Record  *ContextRecord `json:"record"`
	Score   float64        `json:"score"`
	Factors FactorScores   `json:"factors"`
}

// StoreStats summarizes the contents of a store.
type StoreStats struct {
	Records int64     `json:"records"`
	Oldest  time.Time `json:"oldest,omitempty"`
	Newest  time.Time `json:"newest,omitempty"`
}
