package otel

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrEthical07/courseauth"
	"github.com/MrEthical07/courseauth/metrics/export/internaldefs"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrNilMeter  = errors.New("nil meter")
	ErrNilSource = errors.New("nil metrics source")
)

// MetricsSource is implemented by *courseauth.Engine.
type MetricsSource interface {
	MetricsSnapshot() courseauth.MetricsSnapshot
	AuditDropped() uint64
}

type observedCounter struct {
	id         courseauth.MetricID
	instrument metric.Int64ObservableCounter
}

type observedHistogram struct {
	id      courseauth.MetricID
	buckets [courseauth.HistogramBucketCount]metric.Int64ObservableGauge
	count   metric.Int64ObservableGauge
	sum     metric.Float64ObservableGauge
}

// Exporter publishes engine counters as OpenTelemetry observable instruments.
type Exporter struct {
	source       MetricsSource
	registration metric.Registration
	counters     []observedCounter
	histograms   []observedHistogram
	auditDropped metric.Int64ObservableCounter
}

// NewExporter creates the instruments on meter and registers one callback that
// reads a snapshot per collection. Close unregisters it.
func NewExporter(meter metric.Meter, source MetricsSource) (*Exporter, error) {
	if meter == nil {
		return nil, ErrNilMeter
	}
	if source == nil {
		return nil, ErrNilSource
	}

	e := &Exporter{
		source:     source,
		counters:   make([]observedCounter, 0, len(internaldefs.CounterDefs)),
		histograms: make([]observedHistogram, 0, len(internaldefs.HistogramDefs)),
	}
	observables := make([]metric.Observable, 0, len(internaldefs.CounterDefs)+len(internaldefs.HistogramDefs)*(courseauth.HistogramBucketCount+2)+1)

	for _, def := range internaldefs.CounterDefs {
		ins, err := meter.Int64ObservableCounter(def.Name, metric.WithDescription(def.Help))
		if err != nil {
			return nil, fmt.Errorf("create counter %s: %w", def.Name, err)
		}
		e.counters = append(e.counters, observedCounter{id: def.ID, instrument: ins})
		observables = append(observables, ins)
	}

	for _, def := range internaldefs.HistogramDefs {
		h := observedHistogram{id: def.ID}
		for i, suffix := range internaldefs.HistogramBoundSuffix {
			name := def.Name + "_bucket_le_" + suffix
			ins, err := meter.Int64ObservableGauge(name, metric.WithDescription("Cumulative bucket count."))
			if err != nil {
				return nil, fmt.Errorf("create bucket gauge %s: %w", name, err)
			}
			h.buckets[i] = ins
			observables = append(observables, ins)
		}
		count, err := meter.Int64ObservableGauge(def.Name+"_count", metric.WithDescription(def.Help+" Sample count."))
		if err != nil {
			return nil, fmt.Errorf("create count gauge %s: %w", def.Name, err)
		}
		sum, err := meter.Float64ObservableGauge(def.Name+"_sum", metric.WithDescription(def.Help+" Sum in seconds."), metric.WithUnit("s"))
		if err != nil {
			return nil, fmt.Errorf("create sum gauge %s: %w", def.Name, err)
		}
		h.count, h.sum = count, sum
		observables = append(observables, count, sum)
		e.histograms = append(e.histograms, h)
	}

	dropped, err := meter.Int64ObservableCounter(internaldefs.AuditDroppedName,
		metric.WithDescription("Audit events dropped by a full dispatcher queue."))
	if err != nil {
		return nil, fmt.Errorf("create audit dropped counter: %w", err)
	}
	e.auditDropped = dropped
	observables = append(observables, dropped)

	reg, err := meter.RegisterCallback(e.observe, observables...)
	if err != nil {
		return nil, fmt.Errorf("register callback: %w", err)
	}
	e.registration = reg
	return e, nil
}

func (e *Exporter) observe(_ context.Context, o metric.Observer) error {
	snapshot := e.source.MetricsSnapshot()
	for _, c := range e.counters {
		o.ObserveInt64(c.instrument, int64(snapshot.Counters[c.id]))
	}
	for _, h := range e.histograms {
		cumulative := internaldefs.CumulativeBuckets(internaldefs.NormalizeBuckets(snapshot.Histograms[h.id]))
		for i, v := range cumulative {
			o.ObserveInt64(h.buckets[i], int64(v))
		}
		o.ObserveInt64(h.count, int64(cumulative[len(cumulative)-1]))
		o.ObserveFloat64(h.sum, snapshot.HistogramSum[h.id].Seconds())
	}
	o.ObserveInt64(e.auditDropped, int64(e.source.AuditDropped()))
	return nil
}

func (e *Exporter) Close() error {
	if e == nil || e.registration == nil {
		return nil
	}
	return e.registration.Unregister()
}
