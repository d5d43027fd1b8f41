package pe

import (
	"sync/atomic"
	"time"

	"github.com/zhpe-fabric/progress-engine/internal/interfaces"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds,
// spanning 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,
	10_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
	10_000_000_000,
}

const numLatencyBuckets = 8

// Metrics tracks performance and operational statistics for a progress
// engine instance.
type Metrics struct {
	GetOps    atomic.Uint64
	PutOps    atomic.Uint64
	AtomicOps atomic.Uint64
	SendOps   atomic.Uint64
	RecvOps   atomic.Uint64

	GetBytes  atomic.Uint64
	PutBytes  atomic.Uint64
	SendBytes atomic.Uint64
	RecvBytes atomic.Uint64

	GetErrors    atomic.Uint64
	PutErrors    atomic.Uint64
	AtomicErrors atomic.Uint64
	SendErrors   atomic.Uint64
	RecvErrors   atomic.Uint64

	KeyRequests      atomic.Uint64
	KeyRequestFailed atomic.Uint64
	KeyRequestRetries atomic.Uint64

	ListDepthTotal atomic.Uint64
	ListDepthCount atomic.Uint64
	MaxListDepth   atomic.Uint32

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	// LatencyHist[i] is the count of operations with latency <= LatencyBuckets[i].
	LatencyHist [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a new metrics instance with StartTime set to now.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

func (m *Metrics) RecordGet(bytes uint64, latencyNs uint64, success bool) {
	m.GetOps.Add(1)
	if success {
		m.GetBytes.Add(bytes)
	} else {
		m.GetErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

func (m *Metrics) RecordPut(bytes uint64, latencyNs uint64, success bool) {
	m.PutOps.Add(1)
	if success {
		m.PutBytes.Add(bytes)
	} else {
		m.PutErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

func (m *Metrics) RecordAtomic(latencyNs uint64, success bool) {
	m.AtomicOps.Add(1)
	if !success {
		m.AtomicErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

func (m *Metrics) RecordSend(bytes uint64, success bool) {
	m.SendOps.Add(1)
	if success {
		m.SendBytes.Add(bytes)
	} else {
		m.SendErrors.Add(1)
	}
}

func (m *Metrics) RecordRecv(bytes uint64, success bool) {
	m.RecvOps.Add(1)
	if success {
		m.RecvBytes.Add(bytes)
	} else {
		m.RecvErrors.Add(1)
	}
}

func (m *Metrics) RecordKeyRequest(resolved bool, retries int) {
	m.KeyRequests.Add(1)
	if !resolved {
		m.KeyRequestFailed.Add(1)
	}
	m.KeyRequestRetries.Add(uint64(retries))
}

func (m *Metrics) RecordListDepth(listName string, depth int) {
	m.ListDepthTotal.Add(uint64(depth))
	m.ListDepthCount.Add(1)
	for {
		current := m.MaxListDepth.Load()
		if uint32(depth) <= current {
			break
		}
		if m.MaxListDepth.CompareAndSwap(current, uint32(depth)) {
			break
		}
	}
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyHist[i].Add(1)
		}
	}
}

// Stop marks the engine as stopped, freezing uptime calculations.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time snapshot of Metrics.
type MetricsSnapshot struct {
	GetOps, PutOps, AtomicOps, SendOps, RecvOps uint64

	GetBytes, PutBytes, SendBytes, RecvBytes uint64

	GetErrors, PutErrors, AtomicErrors, SendErrors, RecvErrors uint64

	KeyRequests, KeyRequestFailed, KeyRequestRetries uint64

	AvgListDepth float64
	MaxListDepth uint32

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns, LatencyP99Ns, LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	TotalOps   uint64
	TotalBytes uint64
	ErrorRate  float64
}

// Snapshot creates a point-in-time snapshot of metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		GetOps:            m.GetOps.Load(),
		PutOps:            m.PutOps.Load(),
		AtomicOps:         m.AtomicOps.Load(),
		SendOps:           m.SendOps.Load(),
		RecvOps:           m.RecvOps.Load(),
		GetBytes:          m.GetBytes.Load(),
		PutBytes:          m.PutBytes.Load(),
		SendBytes:         m.SendBytes.Load(),
		RecvBytes:         m.RecvBytes.Load(),
		GetErrors:         m.GetErrors.Load(),
		PutErrors:         m.PutErrors.Load(),
		AtomicErrors:      m.AtomicErrors.Load(),
		SendErrors:        m.SendErrors.Load(),
		RecvErrors:        m.RecvErrors.Load(),
		KeyRequests:       m.KeyRequests.Load(),
		KeyRequestFailed:  m.KeyRequestFailed.Load(),
		KeyRequestRetries: m.KeyRequestRetries.Load(),
		MaxListDepth:      m.MaxListDepth.Load(),
	}

	snap.TotalOps = snap.GetOps + snap.PutOps + snap.AtomicOps + snap.SendOps + snap.RecvOps
	snap.TotalBytes = snap.GetBytes + snap.PutBytes + snap.SendBytes + snap.RecvBytes

	if depthCount := m.ListDepthCount.Load(); depthCount > 0 {
		snap.AvgListDepth = float64(m.ListDepthTotal.Load()) / float64(depthCount)
	}

	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = m.TotalLatencyNs.Load() / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	totalErrors := snap.GetErrors + snap.PutErrors + snap.AtomicErrors + snap.SendErrors + snap.RecvErrors
	if snap.TotalOps > 0 {
		snap.ErrorRate = float64(totalErrors) / float64(snap.TotalOps) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyHist[i].Load()
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
		bucketCount := m.LatencyHist[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyHist[i-1].Load()
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

// Reset zeroes all counters. Useful for testing.
func (m *Metrics) Reset() {
	m.GetOps.Store(0)
	m.PutOps.Store(0)
	m.AtomicOps.Store(0)
	m.SendOps.Store(0)
	m.RecvOps.Store(0)
	m.GetBytes.Store(0)
	m.PutBytes.Store(0)
	m.SendBytes.Store(0)
	m.RecvBytes.Store(0)
	m.GetErrors.Store(0)
	m.PutErrors.Store(0)
	m.AtomicErrors.Store(0)
	m.SendErrors.Store(0)
	m.RecvErrors.Store(0)
	m.KeyRequests.Store(0)
	m.KeyRequestFailed.Store(0)
	m.KeyRequestRetries.Store(0)
	m.ListDepthTotal.Store(0)
	m.ListDepthCount.Store(0)
	m.MaxListDepth.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyHist[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// MetricsObserver implements interfaces.Observer by recording into Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveGet(bytes, latencyNs uint64, success bool)    { o.metrics.RecordGet(bytes, latencyNs, success) }
func (o *MetricsObserver) ObservePut(bytes, latencyNs uint64, success bool)    { o.metrics.RecordPut(bytes, latencyNs, success) }
func (o *MetricsObserver) ObserveAtomic(latencyNs uint64, success bool)       { o.metrics.RecordAtomic(latencyNs, success) }
func (o *MetricsObserver) ObserveSend(bytes uint64, success bool)             { o.metrics.RecordSend(bytes, success) }
func (o *MetricsObserver) ObserveRecv(bytes uint64, success bool)             { o.metrics.RecordRecv(bytes, success) }
func (o *MetricsObserver) ObserveKeyRequest(resolved bool, retries int)       { o.metrics.RecordKeyRequest(resolved, retries) }
func (o *MetricsObserver) ObserveListDepth(listName string, depth int)        { o.metrics.RecordListDepth(listName, depth) }

// NoOpObserver discards all observations.
type NoOpObserver struct{}

func (NoOpObserver) ObserveGet(uint64, uint64, bool)  {}
func (NoOpObserver) ObservePut(uint64, uint64, bool)  {}
func (NoOpObserver) ObserveAtomic(uint64, bool)       {}
func (NoOpObserver) ObserveSend(uint64, bool)         {}
func (NoOpObserver) ObserveRecv(uint64, bool)         {}
func (NoOpObserver) ObserveKeyRequest(bool, int)      {}
func (NoOpObserver) ObserveListDepth(string, int)     {}

var (
	_ interfaces.Observer = (*MetricsObserver)(nil)
	_ interfaces.Observer = (*NoOpObserver)(nil)
)
