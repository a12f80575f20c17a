// Package store persists context records behind a circuit breaker with
// transparent payload compression and time-based eviction.
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/thebtf/engram-context/pkg/models"
)

// Backend is a persistent medium for context records. Payloads arrive encoded;
// the backend stores and returns them verbatim.
type Backend interface {
	Insert(ctx context.Context, rec *models.ContextRecord) error
	Candidates(ctx context.Context, filter models.CandidateFilter) ([]*models.ContextRecord, error)
	HasSignatureSince(ctx context.Context, signature string, since time.Time) (bool, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	Stats(ctx context.Context) (models.StoreStats, error)
	Close() error
}

// Options configures a Store.
type Options struct {
	Compression  bool
	Codec        Codec
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	EvictTimeout time.Duration
	Breaker      BreakerSettings
	Now          func() time.Time
}

// DefaultOptions returns options matching the default configuration.
func DefaultOptions() Options {
	return Options{
		Compression:  true,
		WriteTimeout: 100 * time.Millisecond,
		ReadTimeout:  500 * time.Millisecond,
		EvictTimeout: 30 * time.Second,
		Breaker: BreakerSettings{
			FailureThreshold: 3,
			Window:           time.Minute,
			Cooldown:         30 * time.Second,
		},
	}
}

// Store is the Context Store.
type Store struct {
	backend      Backend
	codec        Codec
	compress     bool
	breaker      *Breaker
	writeTimeout time.Duration
	readTimeout  time.Duration
	evictTimeout time.Duration
	now          func() time.Time

	// Backends delete atomically, so readers never see a partially evicted set
	// and the store takes no lock of its own: every wait on the medium stays
	// inside the guarded deadline.
	evictions singleflight.Group
}

// New creates a Store over backend.
func New(backend Backend, opts Options) *Store {
	def := DefaultOptions()
	if opts.Codec == nil {
		opts.Codec = SnappyCodec{}
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = def.ReadTimeout
	}
	if opts.EvictTimeout <= 0 {
		opts.EvictTimeout = def.EvictTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Store{
		backend:      backend,
		codec:        opts.Codec,
		compress:     opts.Compression,
		breaker:      NewBreaker(opts.Breaker),
		writeTimeout: opts.WriteTimeout,
		readTimeout:  opts.ReadTimeout,
		evictTimeout: opts.EvictTimeout,
		now:          opts.Now,
	}
}

func isRecordError(err error) bool {
	return errors.Is(err, models.ErrDuplicateRecord)
}

// Put persists rec. A missing ID or timestamp is generated and written back into
// rec. If compression fails the narrative is stored uncompressed and the record
// is flagged in its metadata.
func (s *Store) Put(ctx context.Context, rec *models.ContextRecord) (models.RecordID, error) {
	if rec.ID == "" {
		rec.ID = models.RecordID(uuid.NewString())
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	if rec.Metadata == nil {
		rec.Metadata = map[string]string{}
	}
	s.encode(rec)

	_, err := guarded(ctx, s.breaker, "put", s.writeTimeout, isRecordError, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.backend.Insert(ctx, rec)
	})
	if err != nil {
		return "", err
	}
	return rec.ID, nil
}

func (s *Store) encode(rec *models.ContextRecord) {
	raw := []byte(rec.Narrative)
	if !s.compress {
		rec.Payload, rec.Encoding = raw, models.EncodingNone
		return
	}

	data, err := s.codec.Encode(raw)
	if err != nil {
		cerr := &CompressionError{RecordID: rec.ID, Op: "encode", Err: err}
		log.Warn().Err(cerr).Str("record_id", string(rec.ID)).Msg("Storing record uncompressed")
		rec.Payload, rec.Encoding = raw, models.EncodingNone
		rec.Metadata[models.MetaCompressionFailed] = strconv.FormatBool(true)
		return
	}
	rec.Payload, rec.Encoding = data, s.codec.Encoding()
}

// Candidates returns records matching filter, newest first, with their
// narratives decoded. Records whose payload cannot be decoded are skipped.
func (s *Store) Candidates(ctx context.Context, filter models.CandidateFilter) ([]*models.ContextRecord, error) {
	rows, err := guarded(ctx, s.breaker, "candidates", s.readTimeout, isRecordError, func(ctx context.Context) ([]*models.ContextRecord, error) {
		return s.backend.Candidates(ctx, filter)
	})
	if err != nil {
		return nil, err
	}

	out := make([]*models.ContextRecord, 0, len(rows))
	for _, rec := range rows {
		if err := decodePayload(s.codec, rec); err != nil {
			log.Warn().Err(err).Str("record_id", string(rec.ID)).Msg("Skipping unreadable record")
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// HasRecentSignature reports whether a record with signature was stored at or after since.
func (s *Store) HasRecentSignature(ctx context.Context, signature string, since time.Time) (bool, error) {
	if signature == "" {
		return false, nil
	}
	return guarded(ctx, s.breaker, "signature", s.readTimeout, isRecordError, func(ctx context.Context) (bool, error) {
		return s.backend.HasSignatureSince(ctx, signature, since)
	})
}

// EvictOlderThan deletes records created more than days days ago and returns how
// many were removed. Concurrent calls for the same horizon share one sweep.
func (s *Store) EvictOlderThan(ctx context.Context, days int) (int64, error) {
	if days < 0 {
		return 0, fmt.Errorf("evict: negative age %d", days)
	}
	cutoff := s.now().Add(-time.Duration(days) * 24 * time.Hour)

	v, err, _ := s.evictions.Do(strconv.Itoa(days), func() (interface{}, error) {
		return guarded(ctx, s.breaker, "evict", s.evictTimeout, isRecordError, func(ctx context.Context) (int64, error) {
			return s.backend.DeleteOlderThan(ctx, cutoff)
		})
	})
	if err != nil {
		return 0, err
	}

	removed := v.(int64)
	if removed > 0 {
		log.Info().Int64("removed", removed).Int("days", days).Msg("Evicted expired context records")
	}
	return removed, nil
}

// Stats summarizes the stored records.
func (s *Store) Stats(ctx context.Context) (models.StoreStats, error) {
	return guarded(ctx, s.breaker, "stats", s.readTimeout, isRecordError, func(ctx context.Context) (models.StoreStats, error) {
		return s.backend.Stats(ctx)
	})
}

// BreakerState returns the circuit breaker state.
func (s *Store) BreakerState() string {
	return s.breaker.State()
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}
