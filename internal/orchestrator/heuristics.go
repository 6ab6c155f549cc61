package orchestrator

import (
	"strings"

	"missionmesh/internal/domain"
)

// Goal heuristics. These are advisory: they seed the decision log, the plan
// request context and the training event, but never gate execution.

var multiStepMarkers = []string{
	" and then ", ", then ", " then ", " and ", " after ", " before ",
	"collect", "analyze", "aggregate", "compare", "report", "notify",
}

var urgencyMarkers = []string{
	"urgent", "immediately", "asap", "critical", "emergency", "now",
}

var lowPriorityMarkers = []string{
	"whenever", "eventually", "low priority", "background", "someday",
}

var riskMarkers = []string{
	"all ", "every ", "entire ", "migrate", "delete", "external", "unknown",
}

// deriveComplexity scores a goal in [0,1] from its length and how many
// multi-step markers it contains.
func deriveComplexity(goal string) float64 {
	lc := strings.ToLower(goal)

	score := float64(len(goal)) / 400.0
	if score > 0.5 {
		score = 0.5
	}
	for _, marker := range multiStepMarkers {
		if strings.Contains(lc, marker) {
			score += 0.1
		}
	}
	if score > 1 {
		score = 1
	}
	return score
}

// derivePriority maps urgency wording onto a priority level. The caller's
// explicit priority always wins over this.
func derivePriority(goal string) domain.Priority {
	lc := strings.ToLower(goal)
	for _, marker := range urgencyMarkers {
		if strings.Contains(lc, marker) {
			return domain.PriorityHigh
		}
	}
	for _, marker := range lowPriorityMarkers {
		if strings.Contains(lc, marker) {
			return domain.PriorityLow
		}
	}
	return domain.PriorityNormal
}

// estimateSuccess predicts the mission outcome in [0,1] from goal complexity,
// risk wording and the historical success rate of the worker fleet.
func estimateSuccess(goal string, complexity float64, rates map[string]float64) float64 {
	estimate := 0.75 - 0.25*complexity

	lc := strings.ToLower(goal)
	for _, marker := range riskMarkers {
		if strings.Contains(lc, marker) {
			estimate -= 0.05
		}
	}

	if len(rates) > 0 {
		sum := 0.0
		for _, rate := range rates {
			sum += rate
		}
		fleet := sum / float64(len(rates))
		// Blend history in at 30%: a reliable fleet nudges the estimate up,
		// a failing one drags it down.
		estimate = 0.7*estimate + 0.3*fleet
	}

	if estimate < 0.05 {
		estimate = 0.05
	}
	if estimate > 0.95 {
		estimate = 0.95
	}
	return estimate
}
