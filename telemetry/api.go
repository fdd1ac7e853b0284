// Package-level emission API. Labels are passed as alternating key-value
// pairs:
//
//	telemetry.Counter("aard.model.requests", "provider", "openai", "status", "ok")
//	telemetry.Histogram("aard.model.latency_ms", 125.3, "provider", "openai")
//
// Everything here no-ops until Init has run, so library code can emit
// unconditionally.
package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Counter increments a counter metric by 1.
func Counter(name string, labels ...string) {
	CounterBy(name, 1, labels...)
}

// CounterBy increments a counter metric by n. Token counts use this.
func CounterBy(name string, n int64, labels ...string) {
	p := active.Load()
	if p == nil {
		return
	}
	p.instruments.addCounter(context.Background(), name, n, toAttributes(labels))
}

// Histogram records a value in a distribution (latencies, sizes, scores).
func Histogram(name string, value float64, labels ...string) {
	p := active.Load()
	if p == nil {
		return
	}
	p.instruments.recordHistogram(context.Background(), name, value, toAttributes(labels))
}

// Gauge tracks a value that moves both ways (active workflows, open slots).
func Gauge(name string, delta int64, labels ...string) {
	p := active.Load()
	if p == nil {
		return
	}
	p.instruments.addUpDown(context.Background(), name, delta, toAttributes(labels))
}

// Duration records elapsed time since startTime in milliseconds.
//
//	start := time.Now()
//	defer telemetry.Duration("aard.step.duration_ms", start, "step_type", "function_call")
func Duration(name string, startTime time.Time, labels ...string) {
	Histogram(name, float64(time.Since(startTime).Milliseconds()), labels...)
}

// toAttributes converts alternating key-value pairs into OTel attributes.
// A trailing odd key is dropped.
func toAttributes(labels []string) []attribute.KeyValue {
	if len(labels) < 2 {
		return nil
	}
	attrs := make([]attribute.KeyValue, 0, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		attrs = append(attrs, attribute.String(labels[i], labels[i+1]))
	}
	return attrs
}

// instrumentSet caches created instruments by name. OTel instrument
// creation is not free; emission paths run per step and per model call.
type instrumentSet struct {
	meter metric.Meter

	mu         sync.RWMutex
	counters   map[string]metric.Int64Counter
	histograms map[string]metric.Float64Histogram
	updowns    map[string]metric.Int64UpDownCounter
}

func newInstrumentSet(meter metric.Meter) *instrumentSet {
	return &instrumentSet{
		meter:      meter,
		counters:   make(map[string]metric.Int64Counter),
		histograms: make(map[string]metric.Float64Histogram),
		updowns:    make(map[string]metric.Int64UpDownCounter),
	}
}

func (s *instrumentSet) addCounter(ctx context.Context, name string, n int64, attrs []attribute.KeyValue) {
	s.mu.RLock()
	c, ok := s.counters[name]
	s.mu.RUnlock()
	if !ok {
		s.mu.Lock()
		if c, ok = s.counters[name]; !ok {
			var err error
			c, err = s.meter.Int64Counter(name)
			if err != nil {
				s.mu.Unlock()
				return
			}
			s.counters[name] = c
		}
		s.mu.Unlock()
	}
	c.Add(ctx, n, metric.WithAttributes(attrs...))
}

func (s *instrumentSet) recordHistogram(ctx context.Context, name string, value float64, attrs []attribute.KeyValue) {
	s.mu.RLock()
	h, ok := s.histograms[name]
	s.mu.RUnlock()
	if !ok {
		s.mu.Lock()
		if h, ok = s.histograms[name]; !ok {
			var err error
			h, err = s.meter.Float64Histogram(name)
			if err != nil {
				s.mu.Unlock()
				return
			}
			s.histograms[name] = h
		}
		s.mu.Unlock()
	}
	h.Record(ctx, value, metric.WithAttributes(attrs...))
}

func (s *instrumentSet) addUpDown(ctx context.Context, name string, delta int64, attrs []attribute.KeyValue) {
	s.mu.RLock()
	u, ok := s.updowns[name]
	s.mu.RUnlock()
	if !ok {
		s.mu.Lock()
		if u, ok = s.updowns[name]; !ok {
			var err error
			u, err = s.meter.Int64UpDownCounter(name)
			if err != nil {
				s.mu.Unlock()
				return
			}
			s.updowns[name] = u
		}
		s.mu.Unlock()
	}
	u.Add(ctx, delta, metric.WithAttributes(attrs...))
}
