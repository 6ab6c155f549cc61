package orchestrator

import (
	"strings"
	"testing"

	"missionmesh/internal/domain"
)

func TestDeriveComplexityOrdering(t *testing.T) {
	simple := deriveComplexity("ping")
	chained := deriveComplexity("collect sales data and then analyze the numbers and then report the result")
	if simple >= chained {
		t.Fatalf("chained goal should score higher: simple=%v chained=%v", simple, chained)
	}
	if simple < 0 || chained > 1 {
		t.Fatalf("complexity out of [0,1]: simple=%v chained=%v", simple, chained)
	}

	long := deriveComplexity(strings.Repeat("very long goal text ", 50))
	if long > 1 {
		t.Fatalf("long goal exceeded 1: %v", long)
	}
}

func TestDerivePriority(t *testing.T) {
	if got := derivePriority("fix the outage immediately"); got != domain.PriorityHigh {
		t.Fatalf("urgent goal priority = %s", got)
	}
	if got := derivePriority("clean up logs whenever convenient"); got != domain.PriorityLow {
		t.Fatalf("background goal priority = %s", got)
	}
	if got := derivePriority("summarize the report"); got != domain.PriorityNormal {
		t.Fatalf("plain goal priority = %s", got)
	}
}

func TestEstimateSuccessBounds(t *testing.T) {
	noHistory := estimateSuccess("simple task", 0.1, nil)
	if noHistory <= 0 || noHistory >= 1 {
		t.Fatalf("estimate out of bounds: %v", noHistory)
	}

	goodFleet := estimateSuccess("simple task", 0.1, map[string]float64{"a": 1.0, "b": 1.0})
	badFleet := estimateSuccess("simple task", 0.1, map[string]float64{"a": 0.0, "b": 0.0})
	if goodFleet <= badFleet {
		t.Fatalf("fleet history ignored: good=%v bad=%v", goodFleet, badFleet)
	}

	risky := estimateSuccess("migrate every external unknown system", 1.0, map[string]float64{"a": 0.0})
	if risky < 0.05 {
		t.Fatalf("estimate below floor: %v", risky)
	}
}
