package prometheus

import (
	"errors"
	"net/http"

	"github.com/MrEthical07/courseauth"
	"github.com/MrEthical07/courseauth/metrics/export/internaldefs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var ErrNilSource = errors.New("nil metrics source")

// MetricsSource is implemented by *courseauth.Engine.
type MetricsSource interface {
	MetricsSnapshot() courseauth.MetricsSnapshot
	AuditDropped() uint64
}

// Collector exposes an engine metrics snapshot as Prometheus metrics.
type Collector struct {
	source       MetricsSource
	counters     []*prometheus.Desc
	histograms   []*prometheus.Desc
	auditDropped *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

func NewCollector(source MetricsSource) (*Collector, error) {
	if source == nil {
		return nil, ErrNilSource
	}
	c := &Collector{
		source:       source,
		counters:     make([]*prometheus.Desc, len(internaldefs.CounterDefs)),
		histograms:   make([]*prometheus.Desc, len(internaldefs.HistogramDefs)),
		auditDropped: prometheus.NewDesc(internaldefs.AuditDroppedName, "Audit events dropped by a full dispatcher queue.", nil, nil),
	}
	for i, def := range internaldefs.CounterDefs {
		c.counters[i] = prometheus.NewDesc(def.Name, def.Help, nil, nil)
	}
	for i, def := range internaldefs.HistogramDefs {
		c.histograms[i] = prometheus.NewDesc(def.Name, def.Help, nil, nil)
	}
	return c, nil
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.counters {
		ch <- d
	}
	for _, d := range c.histograms {
		ch <- d
	}
	ch <- c.auditDropped
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snapshot := c.source.MetricsSnapshot()

	for i, def := range internaldefs.CounterDefs {
		ch <- prometheus.MustNewConstMetric(c.counters[i], prometheus.CounterValue, float64(snapshot.Counters[def.ID]))
	}

	for i, def := range internaldefs.HistogramDefs {
		raw, ok := snapshot.Histograms[def.ID]
		if !ok {
			continue
		}
		cumulative := internaldefs.CumulativeBuckets(internaldefs.NormalizeBuckets(raw))
		buckets := make(map[float64]uint64, len(internaldefs.HistogramBounds))
		for j, le := range internaldefs.HistogramBounds {
			buckets[le] = cumulative[j]
		}
		count := cumulative[len(cumulative)-1]
		sum := snapshot.HistogramSum[def.ID].Seconds()
		ch <- prometheus.MustNewConstHistogram(c.histograms[i], count, sum, buckets)
	}

	ch <- prometheus.MustNewConstMetric(c.auditDropped, prometheus.CounterValue, float64(c.source.AuditDropped()))
}

// Handler registers c on a private registry and serves it.
func (c *Collector) Handler() (http.Handler, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		return nil, err
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil
}
