package dictation

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/loqalabs/loqa-dictation/dictation"

// Metrics holds the dictation instruments. All fields are safe for
// concurrent use.
type Metrics struct {
	// SessionsStarted counts sessions that reached Listening.
	SessionsStarted metric.Int64Counter
	// SessionsEnded counts terminated sessions by status, cause and mode.
	SessionsEnded metric.Int64Counter
	// ActiveSessions tracks sessions currently capturing.
	ActiveSessions metric.Int64UpDownCounter
	// SessionDuration records seconds from Listening to termination.
	SessionDuration metric.Float64Histogram
	// DateNormalizations counts date parses by rule and validity.
	DateNormalizations metric.Int64Counter
}

// NewMetrics creates the instruments on mp. A nil mp uses the global
// provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)

	var m Metrics
	var err error
	if m.SessionsStarted, err = meter.Int64Counter("loqa.dictation.sessions.started",
		metric.WithDescription("Dictation sessions that started listening")); err != nil {
		return nil, err
	}
	if m.SessionsEnded, err = meter.Int64Counter("loqa.dictation.sessions.ended",
		metric.WithDescription("Dictation sessions that terminated")); err != nil {
		return nil, err
	}
	if m.ActiveSessions, err = meter.Int64UpDownCounter("loqa.dictation.sessions.active",
		metric.WithDescription("Dictation sessions currently listening")); err != nil {
		return nil, err
	}
	if m.SessionDuration, err = meter.Float64Histogram("loqa.dictation.session.duration",
		metric.WithDescription("Dictation session length"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.DateNormalizations, err = meter.Int64Counter("loqa.dictation.dates.normalized",
		metric.WithDescription("Spoken date normalizations by rule and validity")); err != nil {
		return nil, err
	}
	return &m, nil
}

var defaultMetrics = sync.OnceValue(func() *Metrics {
	m, err := NewMetrics(nil)
	if err != nil {
		return nil
	}
	return m
})

// DefaultMetrics returns instruments registered on the global provider.
func DefaultMetrics() *Metrics {
	return defaultMetrics()
}

func (m *Metrics) started(ctx context.Context, mode Mode) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("mode", string(mode)))
	m.SessionsStarted.Add(ctx, 1, attrs)
	m.ActiveSessions.Add(ctx, 1, attrs)
}

func (m *Metrics) ended(ctx context.Context, out Outcome, wasLive bool) {
	if m == nil {
		return
	}
	mode := attribute.String("mode", string(out.Mode))
	m.SessionsEnded.Add(ctx, 1, metric.WithAttributes(
		mode,
		attribute.String("status", string(out.Status)),
		attribute.String("cause", string(out.Cause)),
	))
	if !wasLive {
		return
	}
	m.ActiveSessions.Add(ctx, -1, metric.WithAttributes(mode))
	if !out.StartedAt.IsZero() {
		m.SessionDuration.Record(ctx, out.EndedAt.Sub(out.StartedAt).Seconds(), metric.WithAttributes(mode))
	}
	if out.Date != nil {
		m.DateNormalizations.Add(ctx, 1, metric.WithAttributes(
			attribute.String("rule", out.Date.Rule),
			attribute.Bool("valid", out.Date.Valid),
			attribute.String("failure", string(out.Date.Failure)),
		))
	}
}
