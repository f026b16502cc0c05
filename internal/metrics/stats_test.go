package metrics

import (
	"math"
	"testing"
	"time"
)

func TestWindowSnapshot(t *testing.T) {
	var w Window
	w.Record(64, 20*time.Millisecond, 10*time.Millisecond, 1.2)
	w.Record(64, 10*time.Millisecond, 20*time.Millisecond, 0.8)
	snap := w.Snapshot()
	if math.Abs(snap.SamplesPerSec-2133.3333) > 1 {
		t.Fatalf("unexpected throughput %.2f", snap.SamplesPerSec)
	}
	if w.samples != 0 || w.steps != 0 {
		t.Fatalf("window was not reset")
	}
	if snap.LastLoss != 0.8 {
		t.Fatalf("expected last loss 0.8, got %.2f", snap.LastLoss)
	}
	if math.Abs(snap.MeanLoss-1.0) > 1e-9 {
		t.Fatalf("expected mean loss 1.0, got %f", snap.MeanLoss)
	}
	if math.Abs(snap.AvgComputeMS-15) > 1e-9 || snap.Steps != 2 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestWindowMeanLossWeightsPartialBatch(t *testing.T) {
	var w Window
	w.Record(4, 0, time.Millisecond, 2.0)
	w.Record(2, 0, time.Millisecond, 0.5)
	if got := w.Snapshot().MeanLoss; math.Abs(got-1.5) > 1e-9 {
		t.Fatalf("expected weighted mean 1.5, got %f", got)
	}
	if snap := w.Snapshot(); snap.Samples != 0 || snap.MeanLoss != 0 {
		t.Fatalf("empty window should be zero, got %+v", snap)
	}
}
