package gorm

import (
	"time"

	"github.com/thebtf/engram-context/pkg/models"
)

// ContextRecord is the row shape of a stored context record.
type ContextRecord struct {
	ID              string                 `gorm:"primaryKey;type:text"`
	CreatedAt       string                 `gorm:"type:text;not null"`
	CreatedAtEpoch  int64                  `gorm:"index:idx_context_records_created,sort:desc;index:idx_context_records_signature,priority:2;not null"`
	PartitionDay    string                 `gorm:"type:text;index;not null"`
	Prompt          string                 `gorm:"type:text;not null"`
	Payload         []byte                 `gorm:"type:bytea;not null"`
	Encoding        string                 `gorm:"type:text;default:'none';not null"`
	Classification  string                 `gorm:"type:text;check:classification IN ('success', 'partial_success', 'failure', 'unknown');not null"`
	ErrorPatterns   models.JSONStringArray `gorm:"type:text"`
	SuccessPatterns models.JSONStringArray `gorm:"type:text"`
	Files           models.JSONStringArray `gorm:"type:text"`
	Metadata        models.JSONStringMap   `gorm:"type:text"`
	Tool            string                 `gorm:"type:text;index;default:''"`
	Signature       string                 `gorm:"type:text;index:idx_context_records_signature,priority:1;default:''"`
}

func (ContextRecord) TableName() string { return "context_records" }

func toRow(rec *models.ContextRecord) *ContextRecord {
	payload := rec.Payload
	if payload == nil {
		payload = []byte{}
	}
	return &ContextRecord{
		ID:              string(rec.ID),
		CreatedAt:       rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		CreatedAtEpoch:  rec.CreatedAt.UnixMilli(),
		PartitionDay:    rec.PartitionDay(),
		Prompt:          rec.Prompt,
		Payload:         payload,
		Encoding:        string(rec.Encoding),
		Classification:  string(rec.Outcome.Classification),
		ErrorPatterns:   rec.Outcome.ErrorPatterns,
		SuccessPatterns: rec.Outcome.SuccessPatterns,
		Files:           rec.Outcome.Files,
		Metadata:        rec.Metadata,
		Tool:            rec.Tool(),
		Signature:       rec.Signature(),
	}
}

func fromRow(row *ContextRecord) *models.ContextRecord {
	meta := map[string]string(row.Metadata)
	if meta == nil {
		meta = map[string]string{}
	}
	return &models.ContextRecord{
		ID:        models.RecordID(row.ID),
		CreatedAt: time.UnixMilli(row.CreatedAtEpoch),
		Prompt:    row.Prompt,
		Payload:   row.Payload,
		Encoding:  models.Encoding(row.Encoding),
		Outcome: models.Outcome{
			Classification:  models.Classification(row.Classification),
			ErrorPatterns:   nonNil(row.ErrorPatterns),
			SuccessPatterns: nonNil(row.SuccessPatterns),
			Files:           nonNil(row.Files),
		},
		Metadata: meta,
	}
}

func nonNil(a models.JSONStringArray) []string {
	if a == nil {
		return []string{}
	}
	return a
}
