// Package metrics records engine counters through OpenTelemetry and keeps a
// local snapshot for the stats endpoint.
package metrics

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/thebtf/engram-context"

// Snapshot is a point-in-time copy of the local counters.
type Snapshot struct {
	Captured         int64 `json:"captured"`
	Skipped          int64 `json:"skipped"`
	CaptureFailed    int64 `json:"capture_failed"`
	Retrievals       int64 `json:"retrievals"`
	RetrievedItems   int64 `json:"retrieved_items"`
	BreakerOpened    int64 `json:"breaker_opened"`
	Evicted          int64 `json:"evicted"`
	WarningsShown    int64 `json:"warnings_shown"`
	WarningsThrottle int64 `json:"warnings_throttled"`
}

// Metrics holds the engine instruments.
type Metrics struct {
	captured   metric.Int64Counter
	skipped    metric.Int64Counter
	failed     metric.Int64Counter
	retrievals metric.Int64Counter
	items      metric.Int64Histogram
	breaker    metric.Int64Counter
	evicted    metric.Int64Counter
	warnings   metric.Int64Counter

	local struct {
		captured, skipped, failed, retrievals, items, opened, evicted, shown, throttled atomic.Int64
	}
}

// New creates instruments on the global meter provider.
func New() (*Metrics, error) {
	return NewWithMeter(otel.Meter(meterName))
}

// NewWithMeter creates instruments on meter.
func NewWithMeter(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error
	if m.captured, err = meter.Int64Counter("engram.capture.stored",
		metric.WithDescription("Context records captured")); err != nil {
		return nil, err
	}
	if m.skipped, err = meter.Int64Counter("engram.capture.skipped",
		metric.WithDescription("Tool events not worth capturing")); err != nil {
		return nil, err
	}
	if m.failed, err = meter.Int64Counter("engram.capture.failed",
		metric.WithDescription("Captures absorbed after a storage error")); err != nil {
		return nil, err
	}
	if m.retrievals, err = meter.Int64Counter("engram.retrieval.requests",
		metric.WithDescription("Relevance queries answered")); err != nil {
		return nil, err
	}
	if m.items, err = meter.Int64Histogram("engram.retrieval.items",
		metric.WithDescription("Context items returned per query")); err != nil {
		return nil, err
	}
	if m.breaker, err = meter.Int64Counter("engram.store.breaker_transitions",
		metric.WithDescription("Circuit breaker state changes")); err != nil {
		return nil, err
	}
	if m.evicted, err = meter.Int64Counter("engram.store.evicted",
		metric.WithDescription("Records removed by eviction")); err != nil {
		return nil, err
	}
	if m.warnings, err = meter.Int64Counter("engram.warnings.decisions",
		metric.WithDescription("Advisory display decisions")); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) CaptureStored(ctx context.Context, tool string) {
	m.local.captured.Add(1)
	m.captured.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", tool)))
}

func (m *Metrics) CaptureSkipped(ctx context.Context, tool, reason string) {
	m.local.skipped.Add(1)
	m.skipped.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", tool), attribute.String("reason", reason)))
}

func (m *Metrics) CaptureFailed(ctx context.Context, tool string) {
	m.local.failed.Add(1)
	m.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", tool)))
}

func (m *Metrics) Retrieval(ctx context.Context, items int) {
	m.local.retrievals.Add(1)
	m.local.items.Add(int64(items))
	m.retrievals.Add(ctx, 1)
	m.items.Record(ctx, int64(items))
}

// BreakerTransition counts a state change; transitions into open are tracked locally.
func (m *Metrics) BreakerTransition(ctx context.Context, from, to string) {
	if to == "open" {
		m.local.opened.Add(1)
	}
	m.breaker.Add(ctx, 1, metric.WithAttributes(attribute.String("from", from), attribute.String("to", to)))
}

func (m *Metrics) Evicted(ctx context.Context, n int64) {
	m.local.evicted.Add(n)
	m.evicted.Add(ctx, n)
}

func (m *Metrics) Warning(ctx context.Context, typ string, shown bool) {
	if shown {
		m.local.shown.Add(1)
	} else {
		m.local.throttled.Add(1)
	}
	m.warnings.Add(ctx, 1, metric.WithAttributes(attribute.String("type", typ), attribute.Bool("shown", shown)))
}

// Snapshot returns the local counters.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		Captured:         m.local.captured.Load(),
		Skipped:          m.local.skipped.Load(),
		CaptureFailed:    m.local.failed.Load(),
		Retrievals:       m.local.retrievals.Load(),
		RetrievedItems:   m.local.items.Load(),
		BreakerOpened:    m.local.opened.Load(),
		Evicted:          m.local.evicted.Load(),
		WarningsShown:    m.local.shown.Load(),
		WarningsThrottle: m.local.throttled.Load(),
	}
}
