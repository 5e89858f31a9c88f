package courseauth

import (
	"sync/atomic"
	"time"
)

// MetricID names one engine counter or latency histogram.
type MetricID uint16

const (
	MetricLoginSuccess MetricID = iota
	MetricLoginFailure
	MetricLoginRateLimited
	MetricRefreshSuccess
	MetricRefreshFailure
	MetricRefreshReuseDetected
	MetricRefreshRateLimited
	MetricSessionCreated
	MetricSessionInvalidated
	MetricLogout
	MetricLogoutAll
	MetricAuthSuccess
	MetricAuthCredentialRejected
	MetricAuthSessionNotFound
	MetricAuthStoreUnavailable
	MetricRoleDenied
	MetricCourseAllowed
	MetricCourseDenied
	MetricCourseStoreUnavailable
	MetricGrantChanged
	MetricPasswordChangeSuccess
	MetricPasswordChangeFailure

	// Latency histograms.
	MetricAuthenticateLatency
	MetricAuthorizeLatency
	metricIDCount
)

// HistogramBucketCount is the number of latency buckets per histogram.
// Bucket upper bounds are 5ms, 10ms, 25ms, 50ms, 100ms, 250ms, 500ms and +Inf.
const HistogramBucketCount = 8

const cacheLineSize = 64

type metricHistogram struct {
	buckets [HistogramBucketCount]uint64
	sumNS   uint64
}

type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

// Metrics is a lock-free set of counters and fixed-bucket histograms.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	enabled       bool
	enableLatency bool
	counters      [metricIDCount]paddedCounter
	histograms    [metricIDCount]metricHistogram
}

// MetricsSnapshot is a point-in-time copy of all metrics. Histogram buckets
// are non-cumulative.
type MetricsSnapshot struct {
	Counters     map[MetricID]uint64
	Histograms   map[MetricID][]uint64
	HistogramSum map[MetricID]time.Duration
}

// NewMetrics returns a Metrics configured by cfg.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{
		enabled:       cfg.Enabled,
		enableLatency: cfg.Enabled && cfg.EnableLatencyHistograms,
	}
}

func (m *Metrics) Enabled() bool        { return m != nil && m.enabled }
func (m *Metrics) LatencyEnabled() bool { return m != nil && m.enableLatency }

// IsHistogram reports whether id names a latency histogram.
func (id MetricID) IsHistogram() bool {
	return id == MetricAuthenticateLatency || id == MetricAuthorizeLatency
}

// Inc adds one to the counter id.
func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= metricIDCount || id.IsHistogram() {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

// Observe records d in the histogram id.
func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if m == nil || !m.enableLatency || !id.IsHistogram() {
		return
	}
	h := &m.histograms[id]
	atomic.AddUint64(&h.buckets[bucketIndex(d)], 1)
	if d > 0 {
		atomic.AddUint64(&h.sumNS, uint64(d))
	}
}

func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

// Snapshot copies the current values. Disabled metrics yield empty maps.
func (m *Metrics) Snapshot() MetricsSnapshot {
	s := MetricsSnapshot{
		Counters:     map[MetricID]uint64{},
		Histograms:   map[MetricID][]uint64{},
		HistogramSum: map[MetricID]time.Duration{},
	}
	if m == nil || !m.enabled {
		return s
	}

	for id := MetricID(0); id < metricIDCount; id++ {
		if id.IsHistogram() {
			continue
		}
		s.Counters[id] = atomic.LoadUint64(&m.counters[id].value)
	}

	if m.enableLatency {
		for _, id := range []MetricID{MetricAuthenticateLatency, MetricAuthorizeLatency} {
			buckets := make([]uint64, HistogramBucketCount)
			for i := range buckets {
				buckets[i] = atomic.LoadUint64(&m.histograms[id].buckets[i])
			}
			s.Histograms[id] = buckets
			s.HistogramSum[id] = time.Duration(atomic.LoadUint64(&m.histograms[id].sumNS))
		}
	}
	return s
}

func bucketIndex(d time.Duration) int {
	switch {
	case d <= 5*time.Millisecond:
		return 0
	case d <= 10*time.Millisecond:
		return 1
	case d <= 25*time.Millisecond:
		return 2
	case d <= 50*time.Millisecond:
		return 3
	case d <= 100*time.Millisecond:
		return 4
	case d <= 250*time.Millisecond:
		return 5
	case d <= 500*time.Millisecond:
		return 6
	default:
		return 7
	}
}
