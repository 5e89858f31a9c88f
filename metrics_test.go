package courseauth

import (
	"sync"
	"testing"
	"time"
)

func TestMetricsDisabledNoIncrement(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: false})
	m.Inc(MetricLoginSuccess)

	if got := m.Value(MetricLoginSuccess); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
	if snap := m.Snapshot(); len(snap.Counters) != 0 {
		t.Fatalf("expected empty snapshot, got %v", snap.Counters)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.Inc(MetricLoginSuccess)
	m.Observe(MetricAuthenticateLatency, time.Millisecond)
	if m.Enabled() || m.Value(MetricLoginSuccess) != 0 {
		t.Fatalf("nil metrics must be inert")
	}
}

func TestMetricsConcurrentIncrementSafe(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true})

	const goroutines = 32
	const perG = 2000

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perG; j++ {
				m.Inc(MetricCourseAllowed)
			}
		}()
	}
	wg.Wait()

	want := uint64(goroutines * perG)
	if got := m.Value(MetricCourseAllowed); got != want {
		t.Fatalf("expected %d, got %d", want, got)
	}
}

func TestMetricsHistogramBuckets(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true, EnableLatencyHistograms: true})

	observations := []time.Duration{
		5 * time.Millisecond,
		10 * time.Millisecond,
		25 * time.Millisecond,
		50 * time.Millisecond,
		100 * time.Millisecond,
		250 * time.Millisecond,
		500 * time.Millisecond,
		700 * time.Millisecond,
	}
	var total time.Duration
	for _, d := range observations {
		m.Observe(MetricAuthorizeLatency, d)
		total += d
	}

	snap := m.Snapshot()
	buckets := snap.Histograms[MetricAuthorizeLatency]
	if len(buckets) != HistogramBucketCount {
		t.Fatalf("expected %d buckets, got %d", HistogramBucketCount, len(buckets))
	}
	for i, v := range buckets {
		if v != 1 {
			t.Fatalf("bucket %d expected 1, got %d", i, v)
		}
	}
	if snap.HistogramSum[MetricAuthorizeLatency] != total {
		t.Fatalf("expected sum %v, got %v", total, snap.HistogramSum[MetricAuthorizeLatency])
	}
	if _, ok := snap.Counters[MetricAuthorizeLatency]; ok {
		t.Fatalf("histogram ids must not appear as counters")
	}
}

func TestMetricsIncIgnoresHistogramIDs(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true})
	m.Inc(MetricAuthenticateLatency)
	m.Observe(MetricLoginSuccess, time.Millisecond)

	if got := m.Value(MetricAuthenticateLatency); got != 0 {
		t.Fatalf("expected histogram id to be ignored by Inc, got %d", got)
	}
	if snap := m.Snapshot(); len(snap.Histograms) != 0 {
		t.Fatalf("latency disabled, expected no histograms, got %v", snap.Histograms)
	}
}

func BenchmarkMetricsIncParallel(b *testing.B) {
	m := NewMetrics(MetricsConfig{Enabled: true})
	b.ReportAllocs()
	b.ResetTimer()

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			m.Inc(MetricAuthSuccess)
		}
	})
}
