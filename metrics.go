package tiercache

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CacheMetrics carries the cache tier's instrumentation. All fields are
// optional; a nil CacheMetrics or a nil field is a no-op, so callers
// register only what they care about.
type CacheMetrics struct {
	Hits   prometheus.Counter
	Misses prometheus.Counter

	Admissions prometheus.Counter
	Bypasses   prometheus.Counter

	Evictions     prometheus.Counter
	EvictedBytes  prometheus.Counter
	EvictFailures prometheus.Counter

	RemoteGets    prometheus.Counter
	RemotePuts    prometheus.Counter
	RemoteDeletes prometheus.Counter
	RemoteErrors  prometheus.Counter
	RemoteLatency prometheus.Histogram
}

func (m *CacheMetrics) incCounter(counter prometheus.Counter) {
	if m == nil || counter == nil {
		return
	}
	counter.Inc()
}

func (m *CacheMetrics) addCounter(counter prometheus.Counter, value float64) {
	if m == nil || counter == nil || value == 0 {
		return
	}
	counter.Add(value)
}

func (m *CacheMetrics) observeHistogram(histogram prometheus.Histogram, value float64) {
	if m == nil || histogram == nil {
		return
	}
	histogram.Observe(value)
}

func (m *CacheMetrics) ObserveHit() {
	if m == nil {
		return
	}
	m.incCounter(m.Hits)
}

func (m *CacheMetrics) ObserveMiss() {
	if m == nil {
		return
	}
	m.incCounter(m.Misses)
}

func (m *CacheMetrics) ObserveAdmission() {
	if m == nil {
		return
	}
	m.incCounter(m.Admissions)
}

func (m *CacheMetrics) ObserveBypass() {
	if m == nil {
		return
	}
	m.incCounter(m.Bypasses)
}

func (m *CacheMetrics) ObserveEviction(bytes int64) {
	if m == nil {
		return
	}
	m.incCounter(m.Evictions)
	m.addCounter(m.EvictedBytes, float64(bytes))
}

func (m *CacheMetrics) ObserveEvictFailure() {
	if m == nil {
		return
	}
	m.incCounter(m.EvictFailures)
}

func (m *CacheMetrics) observeRemote(counter prometheus.Counter, start time.Time, err error) {
	if m == nil {
		return
	}
	m.incCounter(counter)
	m.observeHistogram(m.RemoteLatency, time.Since(start).Seconds())
	if err != nil {
		m.incCounter(m.RemoteErrors)
	}
}

func (m *CacheMetrics) ObserveRemoteGet(start time.Time, err error) {
	if m == nil {
		return
	}
	m.observeRemote(m.RemoteGets, start, err)
}

func (m *CacheMetrics) ObserveRemotePut(start time.Time, err error) {
	if m == nil {
		return
	}
	m.observeRemote(m.RemotePuts, start, err)
}

func (m *CacheMetrics) ObserveRemoteDelete(start time.Time, err error) {
	if m == nil {
		return
	}
	m.observeRemote(m.RemoteDeletes, start, err)
}
