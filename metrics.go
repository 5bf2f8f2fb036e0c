package datadist

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks transfer-engine operational statistics: pull/push/copy
// counts and bytes, link events, and op latency.
type Metrics struct {
	PullOps atomic.Uint64
	PushOps atomic.Uint64
	CopyOps atomic.Uint64

	PullBytes atomic.Uint64
	PushBytes atomic.Uint64
	CopyBytes atomic.Uint64

	PullErrors atomic.Uint64
	PushErrors atomic.Uint64
	CopyErrors atomic.Uint64

	LinkOps     atomic.Uint64
	LinkFailures atomic.Uint64

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

func (m *Metrics) RecordPull(bytes uint64, latencyNs uint64, success bool) {
	m.PullOps.Add(1)
	if success {
		m.PullBytes.Add(bytes)
	} else {
		m.PullErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

func (m *Metrics) RecordPush(bytes uint64, latencyNs uint64, success bool) {
	m.PushOps.Add(1)
	if success {
		m.PushBytes.Add(bytes)
	} else {
		m.PushErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

func (m *Metrics) RecordCopy(bytes uint64, latencyNs uint64, success bool) {
	m.CopyOps.Add(1)
	if success {
		m.CopyBytes.Add(bytes)
	} else {
		m.CopyErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

func (m *Metrics) RecordLink(success bool) {
	m.LinkOps.Add(1)
	if !success {
		m.LinkFailures.Add(1)
	}
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of Metrics plus derived stats.
type MetricsSnapshot struct {
	PullOps, PushOps, CopyOps                   uint64
	PullBytes, PushBytes, CopyBytes              uint64
	PullErrors, PushErrors, CopyErrors           uint64
	LinkOps, LinkFailures                        uint64
	AvgLatencyNs                                 uint64
	UptimeNs                                     uint64
	LatencyP50Ns, LatencyP99Ns, LatencyP999Ns    uint64
	LatencyHistogram [numLatencyBuckets]uint64
	TotalOps, TotalBytes                         uint64
	ErrorRate                                    float64
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		PullOps: m.PullOps.Load(), PushOps: m.PushOps.Load(), CopyOps: m.CopyOps.Load(),
		PullBytes: m.PullBytes.Load(), PushBytes: m.PushBytes.Load(), CopyBytes: m.CopyBytes.Load(),
		PullErrors: m.PullErrors.Load(), PushErrors: m.PushErrors.Load(), CopyErrors: m.CopyErrors.Load(),
		LinkOps: m.LinkOps.Load(), LinkFailures: m.LinkFailures.Load(),
	}
	snap.TotalOps = snap.PullOps + snap.PushOps + snap.CopyOps
	snap.TotalBytes = snap.PullBytes + snap.PushBytes + snap.CopyBytes

	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	totalErrors := snap.PullErrors + snap.PushErrors + snap.CopyErrors
	if snap.TotalOps > 0 {
		snap.ErrorRate = float64(totalErrors) / float64(snap.TotalOps) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}
	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}
	return snap
}

func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}
	targetCount := uint64(float64(totalOps) * percentile)
	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}
	return LatencyBuckets[numLatencyBuckets-1]
}

// Observer allows pluggable metrics collection, mirrored by callers that want
// to forward transfer events to an external monitoring system.
type Observer interface {
	ObservePull(bytes uint64, latencyNs uint64, success bool)
	ObservePush(bytes uint64, latencyNs uint64, success bool)
	ObserveCopy(bytes uint64, latencyNs uint64, success bool)
	ObserveLink(success bool)
}

type NoOpObserver struct{}

func (NoOpObserver) ObservePull(uint64, uint64, bool) {}
func (NoOpObserver) ObservePush(uint64, uint64, bool) {}
func (NoOpObserver) ObserveCopy(uint64, uint64, bool) {}
func (NoOpObserver) ObserveLink(bool)                 {}

type MetricsObserver struct {
	metrics *Metrics
}

func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObservePull(bytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordPull(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObservePush(bytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordPush(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveCopy(bytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordCopy(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveLink(success bool) {
	o.metrics.RecordLink(success)
}

var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
