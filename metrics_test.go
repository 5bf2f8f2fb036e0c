package datadist

import "testing"

func TestRecordPullTracksOpsBytesAndErrors(t *testing.T) {
	m := NewMetrics()
	m.RecordPull(4096, 1_500_000, true)
	m.RecordPull(0, 500_000, false)

	if got := m.PullOps.Load(); got != 2 {
		t.Errorf("PullOps = %d, want 2", got)
	}
	if got := m.PullBytes.Load(); got != 4096 {
		t.Errorf("PullBytes = %d, want 4096 (failed call shouldn't add bytes)", got)
	}
	if got := m.PullErrors.Load(); got != 1 {
		t.Errorf("PullErrors = %d, want 1", got)
	}
}

func TestRecordLatencyBucketsAreCumulative(t *testing.T) {
	m := NewMetrics()
	m.RecordPull(1, 5_000, true) // falls in the 10us bucket and every bucket above it

	if got := m.LatencyBuckets[1].Load(); got != 1 {
		t.Errorf("10us bucket = %d, want 1", got)
	}
	if got := m.LatencyBuckets[len(LatencyBuckets)-1].Load(); got != 1 {
		t.Errorf("top bucket = %d, want 1 (buckets are cumulative upper bounds)", got)
	}
	if got := m.LatencyBuckets[0].Load(); got != 0 {
		t.Errorf("1us bucket = %d, want 0 (5us exceeds it)", got)
	}
}

func TestSnapshotComputesDerivedStats(t *testing.T) {
	m := NewMetrics()
	m.RecordPull(1000, 1_000_000, true)
	m.RecordPush(2000, 2_000_000, true)
	m.RecordCopy(0, 100_000, false)

	snap := m.Snapshot()
	if snap.TotalOps != 3 {
		t.Errorf("TotalOps = %d, want 3", snap.TotalOps)
	}
	if snap.TotalBytes != 3000 {
		t.Errorf("TotalBytes = %d, want 3000", snap.TotalBytes)
	}
	if snap.CopyErrors != 1 {
		t.Errorf("CopyErrors = %d, want 1", snap.CopyErrors)
	}
	wantErrRate := 100.0 / 3.0
	if diff := snap.ErrorRate - wantErrRate; diff > 0.01 || diff < -0.01 {
		t.Errorf("ErrorRate = %v, want ~%v", snap.ErrorRate, wantErrRate)
	}
	if snap.AvgLatencyNs == 0 {
		t.Error("AvgLatencyNs should be nonzero once ops have been recorded")
	}
}

func TestSnapshotEmptyMetricsHasNoDivideByZero(t *testing.T) {
	m := NewMetrics()
	snap := m.Snapshot()
	if snap.TotalOps != 0 || snap.ErrorRate != 0 || snap.AvgLatencyNs != 0 {
		t.Errorf("empty snapshot should be all zero, got %+v", snap)
	}
}

func TestRecordLinkTracksFailuresSeparately(t *testing.T) {
	m := NewMetrics()
	m.RecordLink(true)
	m.RecordLink(false)
	if got := m.LinkOps.Load(); got != 2 {
		t.Errorf("LinkOps = %d, want 2", got)
	}
	if got := m.LinkFailures.Load(); got != 1 {
		t.Errorf("LinkFailures = %d, want 1", got)
	}
}

func TestMetricsObserverForwardsToMetrics(t *testing.T) {
	m := NewMetrics()
	obs := NewMetricsObserver(m)
	var _ Observer = obs

	obs.ObservePull(512, 10_000, true)
	obs.ObserveLink(false)

	if got := m.PullBytes.Load(); got != 512 {
		t.Errorf("PullBytes = %d, want 512", got)
	}
	if got := m.LinkFailures.Load(); got != 1 {
		t.Errorf("LinkFailures = %d, want 1", got)
	}
}

func TestNoOpObserverDoesNotPanic(t *testing.T) {
	var obs Observer = NoOpObserver{}
	obs.ObservePull(1, 1, true)
	obs.ObservePush(1, 1, false)
	obs.ObserveCopy(1, 1, true)
	obs.ObserveLink(true)
}
