package perf

import (
	"math"
	"testing"
	"time"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestRecordCompositeScore(t *testing.T) {
	tracker := New(10, 30*time.Second)

	// Instant success: 0.7 + 0.3.
	if got := tracker.Record("w", true, 0); !almostEqual(got, 1.0) {
		t.Fatalf("instant success score = %v", got)
	}
	// Success at baseline: speed contributes nothing.
	if got := tracker.Record("w", true, 30*time.Second); !almostEqual(got, 0.7) {
		t.Fatalf("baseline success score = %v", got)
	}
	// Failure loses the success weight entirely.
	if got := tracker.Record("w", false, 15*time.Second); !almostEqual(got, 0.15) {
		t.Fatalf("failure score = %v", got)
	}
	// Slower than baseline never goes negative.
	if got := tracker.Record("w", false, 2*time.Minute); !almostEqual(got, 0.0) {
		t.Fatalf("overtime failure score = %v", got)
	}
}

func TestWindowTrimsOldScores(t *testing.T) {
	tracker := New(3, 30*time.Second)
	tracker.Record("w", false, 30*time.Second) // 0.0, should fall out
	tracker.Record("w", true, 0)               // 1.0
	tracker.Record("w", true, 0)               // 1.0
	tracker.Record("w", true, 0)               // 1.0

	avg, ok := tracker.Average("w")
	if !ok {
		t.Fatalf("expected average for w")
	}
	if !almostEqual(avg, 1.0) {
		t.Fatalf("expected trimmed average 1.0, got %v", avg)
	}
}

func TestSuccessRates(t *testing.T) {
	tracker := New(0, 0)
	tracker.Record("a", true, time.Second)
	tracker.Record("a", true, time.Second)
	tracker.Record("a", false, time.Second)
	tracker.Record("b", false, time.Second)

	rate, ok := tracker.SuccessRate("a")
	if !ok || !almostEqual(rate, 2.0/3.0) {
		t.Fatalf("rate for a = %v ok=%v", rate, ok)
	}
	rates := tracker.SuccessRates()
	if len(rates) != 2 {
		t.Fatalf("expected two workers, got %v", rates)
	}
	if !almostEqual(rates["b"], 0.0) {
		t.Fatalf("rate for b = %v", rates["b"])
	}
	overall := tracker.OverallSuccessRate()
	if !almostEqual(overall, 0.5) {
		t.Fatalf("overall rate = %v", overall)
	}

	if _, ok := tracker.SuccessRate("unknown"); ok {
		t.Fatalf("unknown worker should have no rate")
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	tracker := New(0, 0)
	tracker.Record("a", true, 0)

	snap := tracker.Snapshot()
	snap["a"] = -1

	avg, _ := tracker.Average("a")
	if !almostEqual(avg, 1.0) {
		t.Fatalf("snapshot mutation leaked into tracker: %v", avg)
	}
}
