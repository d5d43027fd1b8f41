package pe

import (
	"testing"
	"time"
)

func TestMetrics(t *testing.T) {
	m := NewMetrics()

	snap := m.Snapshot()
	if snap.TotalOps != 0 {
		t.Errorf("expected 0 initial ops, got %d", snap.TotalOps)
	}

	m.RecordGet(1024, 1_000_000, true)
	m.RecordPut(2048, 2_000_000, true)
	m.RecordGet(512, 500_000, false)

	snap = m.Snapshot()
	if snap.GetOps != 2 {
		t.Errorf("expected 2 get ops, got %d", snap.GetOps)
	}
	if snap.PutOps != 1 {
		t.Errorf("expected 1 put op, got %d", snap.PutOps)
	}
	if snap.GetBytes != 1024 {
		t.Errorf("expected 1024 get bytes, got %d", snap.GetBytes)
	}
	if snap.PutBytes != 2048 {
		t.Errorf("expected 2048 put bytes, got %d", snap.PutBytes)
	}
	if snap.GetErrors != 1 {
		t.Errorf("expected 1 get error, got %d", snap.GetErrors)
	}

	expectedErrorRate := float64(1) / float64(3) * 100.0
	if snap.ErrorRate < expectedErrorRate-0.1 || snap.ErrorRate > expectedErrorRate+0.1 {
		t.Errorf("expected error rate ~%.1f%%, got %.1f%%", expectedErrorRate, snap.ErrorRate)
	}
}

func TestMetricsListDepth(t *testing.T) {
	m := NewMetrics()

	m.RecordListDepth("posted", 10)
	m.RecordListDepth("posted", 20)
	m.RecordListDepth("posted", 15)

	snap := m.Snapshot()
	if snap.MaxListDepth != 20 {
		t.Errorf("expected max list depth 20, got %d", snap.MaxListDepth)
	}

	expectedAvg := float64(10+20+15) / 3.0
	if snap.AvgListDepth < expectedAvg-0.1 || snap.AvgListDepth > expectedAvg+0.1 {
		t.Errorf("expected avg list depth %.1f, got %.1f", expectedAvg, snap.AvgListDepth)
	}
}

func TestMetricsLatency(t *testing.T) {
	m := NewMetrics()

	m.RecordGet(1024, 1_000_000, true)
	m.RecordPut(1024, 2_000_000, true)

	snap := m.Snapshot()
	expectedAvgNs := uint64(1_500_000)
	if snap.AvgLatencyNs != expectedAvgNs {
		t.Errorf("expected avg latency %d ns, got %d ns", expectedAvgNs, snap.AvgLatencyNs)
	}
}

func TestMetricsUptime(t *testing.T) {
	m := NewMetrics()

	time.Sleep(10 * time.Millisecond)

	snap := m.Snapshot()
	if snap.UptimeNs < 10*1_000_000 {
		t.Errorf("expected uptime >= 10ms, got %d ns", snap.UptimeNs)
	}

	m.Stop()
	time.Sleep(5 * time.Millisecond)

	snap2 := m.Snapshot()
	if snap2.UptimeNs > snap.UptimeNs+2*1_000_000 {
		t.Errorf("uptime increased too much after stop: %d -> %d", snap.UptimeNs, snap2.UptimeNs)
	}
}

func TestMetricsReset(t *testing.T) {
	m := NewMetrics()

	m.RecordGet(1024, 1_000_000, true)
	m.RecordPut(2048, 2_000_000, true)
	m.RecordListDepth("work", 10)

	snap := m.Snapshot()
	if snap.TotalOps == 0 {
		t.Error("expected some operations before reset")
	}

	m.Reset()

	snap = m.Snapshot()
	if snap.TotalOps != 0 {
		t.Errorf("expected 0 ops after reset, got %d", snap.TotalOps)
	}
	if snap.TotalBytes != 0 {
		t.Errorf("expected 0 bytes after reset, got %d", snap.TotalBytes)
	}
	if snap.MaxListDepth != 0 {
		t.Errorf("expected 0 max list depth after reset, got %d", snap.MaxListDepth)
	}
}

func TestObserver(t *testing.T) {
	observer := &NoOpObserver{}
	observer.ObserveGet(1024, 1_000_000, true)
	observer.ObservePut(1024, 1_000_000, true)
	observer.ObserveAtomic(1_000_000, true)
	observer.ObserveSend(1024, true)
	observer.ObserveRecv(1024, true)
	observer.ObserveKeyRequest(true, 0)
	observer.ObserveListDepth("posted", 10)

	m := NewMetrics()
	metricsObserver := NewMetricsObserver(m)

	metricsObserver.ObserveGet(1024, 1_000_000, true)
	metricsObserver.ObservePut(2048, 2_000_000, true)

	snap := m.Snapshot()
	if snap.GetOps != 1 {
		t.Errorf("expected 1 get op from observer, got %d", snap.GetOps)
	}
	if snap.PutOps != 1 {
		t.Errorf("expected 1 put op from observer, got %d", snap.PutOps)
	}
	if snap.GetBytes != 1024 {
		t.Errorf("expected 1024 get bytes from observer, got %d", snap.GetBytes)
	}
	if snap.PutBytes != 2048 {
		t.Errorf("expected 2048 put bytes from observer, got %d", snap.PutBytes)
	}
}

func TestMetricsHistogram(t *testing.T) {
	m := NewMetrics()

	for i := 0; i < 50; i++ {
		m.RecordGet(1024, 500_000, true) // 500us
	}
	for i := 0; i < 49; i++ {
		m.RecordPut(1024, 5_000_000, true) // 5ms
	}
	m.RecordPut(1024, 50_000_000, true) // 50ms, the P99

	snap := m.Snapshot()
	if snap.TotalOps != 100 {
		t.Errorf("expected 100 total ops, got %d", snap.TotalOps)
	}

	if snap.LatencyP50Ns < 100_000 || snap.LatencyP50Ns > 1_000_000 {
		t.Errorf("expected P50 in 100us-1ms range, got %d ns", snap.LatencyP50Ns)
	}
	if snap.LatencyP99Ns < 5_000_000 || snap.LatencyP99Ns > 100_000_000 {
		t.Errorf("expected P99 in 5ms-100ms range, got %d ns", snap.LatencyP99Ns)
	}

	totalInBuckets := uint64(0)
	for i := 0; i < len(snap.LatencyHistogram); i++ {
		totalInBuckets += snap.LatencyHistogram[i]
	}
	if totalInBuckets == 0 {
		t.Error("expected histogram buckets to be populated")
	}
}
