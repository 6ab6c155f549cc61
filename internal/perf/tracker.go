// Package perf maintains rolling per-worker performance scores used as
// advisory routing hints. Only the orchestrator writes to the tracker;
// reads are side-effect free.
package perf

import (
	"sync"
	"time"
)

const (
	successWeight = 0.7
	speedWeight   = 0.3

	// DefaultWindow bounds the number of retained scores per worker.
	DefaultWindow = 50

	// DefaultBaseline is the execution time that maps to a speed score of
	// zero; anything instantaneous scores one.
	DefaultBaseline = 30 * time.Second
)

type workerStats struct {
	scores    []float64
	successes int
	total     int
}

type Tracker struct {
	mu       sync.Mutex
	window   int
	baseline time.Duration
	workers  map[string]*workerStats
}

func New(window int, baseline time.Duration) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	if baseline <= 0 {
		baseline = DefaultBaseline
	}
	return &Tracker{
		window:   window,
		baseline: baseline,
		workers:  make(map[string]*workerStats),
	}
}

// Record folds one step resolution into the worker's rolling window and
// returns the composite score: 0.7×success + 0.3×speed, where
// speed = max(0, 1 − execTime/baseline).
func (t *Tracker) Record(workerID string, success bool, execTime time.Duration) float64 {
	speed := 1.0 - float64(execTime)/float64(t.baseline)
	if speed < 0 {
		speed = 0
	}
	var succ float64
	if success {
		succ = 1.0
	}
	score := successWeight*succ + speedWeight*speed

	t.mu.Lock()
	defer t.mu.Unlock()
	ws, ok := t.workers[workerID]
	if !ok {
		ws = &workerStats{}
		t.workers[workerID] = ws
	}
	ws.scores = append(ws.scores, score)
	if len(ws.scores) > t.window {
		ws.scores = ws.scores[len(ws.scores)-t.window:]
	}
	ws.total++
	if success {
		ws.successes++
	}
	return score
}

// Average returns the mean composite score for one worker.
func (t *Tracker) Average(workerID string) (float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ws, ok := t.workers[workerID]
	if !ok || len(ws.scores) == 0 {
		return 0, false
	}
	return mean(ws.scores), true
}

// Snapshot returns the average composite score per worker.
func (t *Tracker) Snapshot() map[string]float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]float64, len(t.workers))
	for id, ws := range t.workers {
		if len(ws.scores) == 0 {
			continue
		}
		out[id] = mean(ws.scores)
	}
	return out
}

// SuccessRate returns the fraction of successful resolutions for one worker
// over its full recorded history.
func (t *Tracker) SuccessRate(workerID string) (float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ws, ok := t.workers[workerID]
	if !ok || ws.total == 0 {
		return 0, false
	}
	return float64(ws.successes) / float64(ws.total), true
}

// SuccessRates returns the per-worker success-rate map.
func (t *Tracker) SuccessRates() map[string]float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]float64, len(t.workers))
	for id, ws := range t.workers {
		if ws.total == 0 {
			continue
		}
		out[id] = float64(ws.successes) / float64(ws.total)
	}
	return out
}

// OverallSuccessRate aggregates every recorded resolution; used as the
// historical bonus in the success-probability heuristic.
func (t *Tracker) OverallSuccessRate() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var successes, total int
	for _, ws := range t.workers {
		successes += ws.successes
		total += ws.total
	}
	if total == 0 {
		return 0
	}
	return float64(successes) / float64(total)
}

func mean(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
