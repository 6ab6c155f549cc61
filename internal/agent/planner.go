package agent

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"missionmesh/internal/domain"
)

// PlanGenerator converts a goal into an ordered step list.
type PlanGenerator interface {
	Generate(ctx context.Context, req domain.PlanRequestPayload) (domain.PlanResponsePayload, error)
}

// NewPlannerWorker wraps a generator in the worker contract so the
// orchestrator can reach it like any other worker.
func NewPlannerWorker(id string, mesh Mesh, gen PlanGenerator, logger *log.Logger) *Worker {
	if logger == nil {
		logger = log.Default()
	}
	handler := func(ctx context.Context, env domain.Envelope) (map[string]any, error) {
		var req domain.PlanRequestPayload
		if err := domain.DecodePayload(env.Payload, &req); err != nil {
			return nil, fmt.Errorf("parse plan request: %w", err)
		}
		if strings.TrimSpace(req.Goal) == "" {
			return nil, fmt.Errorf("plan request has empty goal")
		}
		start := time.Now()
		resp, err := gen.Generate(ctx, req)
		if err != nil {
			logger.Printf("planner=%s generation failed: %v", id, err)
			return nil, err
		}
		resp.LatencyMS = time.Since(start).Milliseconds()
		return domain.EncodePayload(resp), nil
	}
	return New(id, []string{"planning"}, mesh, handler, logger)
}

// Route binds a set of goal keywords to a target worker.
type Route struct {
	Capability string
	Keywords   []string
	Target     string
}

// DefaultRoutes covers the common collect/analyze/notify pipeline.
func DefaultRoutes() []Route {
	return []Route{
		{Capability: "collect", Target: "collector", Keywords: []string{"collect", "gather", "fetch", "load", "pull", "data"}},
		{Capability: "analyze", Target: "analyzer", Keywords: []string{"analyze", "analyse", "sentiment", "score", "evaluate", "summarize", "process"}},
		{Capability: "notify", Target: "notifier", Keywords: []string{"notify", "email", "send", "alert", "report", "publish"}},
	}
}

// RuleGenerator produces plans by splitting the goal into segments and
// keyword-routing each segment to a capability. It is the deterministic
// fallback when no model-backed generator is configured.
type RuleGenerator struct {
	routes        []Route
	defaultTarget string
}

func NewRuleGenerator(routes []Route, defaultTarget string) *RuleGenerator {
	if len(routes) == 0 {
		routes = DefaultRoutes()
	}
	if defaultTarget == "" {
		defaultTarget = routes[0].Target
	}
	return &RuleGenerator{routes: routes, defaultTarget: defaultTarget}
}

func (g *RuleGenerator) Generate(_ context.Context, req domain.PlanRequestPayload) (domain.PlanResponsePayload, error) {
	segments := splitGoal(req.Goal)
	plan := make([]domain.PlanStep, 0, len(segments))
	for i, seg := range segments {
		target := g.route(seg)
		input := map[string]any{"task": seg}
		if i > 0 {
			// Hand each step the previous step's result when it has one.
			input["source"] = fmt.Sprintf("ref(%d, result)", i-1)
		}
		plan = append(plan, domain.PlanStep{
			Description:   seg,
			TargetWorker:  target,
			InputTemplate: input,
			MaxRetries:    domain.DefaultMaxAttempts,
		})
	}
	if len(plan) == 0 {
		return domain.PlanResponsePayload{Success: false}, fmt.Errorf("goal produced no plan segments")
	}
	return domain.PlanResponsePayload{
		Success:    true,
		Plan:       plan,
		ModelUsed:  "rules",
		Confidence: ruleConfidence(len(plan)),
	}, nil
}

func (g *RuleGenerator) route(segment string) string {
	lowered := strings.ToLower(segment)
	best := g.defaultTarget
	bestHits := 0
	for _, r := range g.routes {
		hits := 0
		for _, kw := range r.Keywords {
			if strings.Contains(lowered, kw) {
				hits++
			}
		}
		if hits > bestHits {
			bestHits = hits
			best = r.Target
		}
	}
	return best
}

// splitGoal breaks a goal into ordered work segments on common list
// separators ("collect sales data, analyze it, and email a report").
func splitGoal(goal string) []string {
	normalized := strings.ReplaceAll(goal, " and then ", ", ")
	normalized = strings.ReplaceAll(normalized, ", and ", ", ")
	normalized = strings.ReplaceAll(normalized, " then ", ", ")
	normalized = strings.ReplaceAll(normalized, "; ", ", ")

	parts := strings.Split(normalized, ", ")
	segments := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(p), "and "))
		if p != "" {
			segments = append(segments, p)
		}
	}
	if len(segments) == 0 {
		trimmed := strings.TrimSpace(goal)
		if trimmed != "" {
			segments = append(segments, trimmed)
		}
	}
	return segments
}

func ruleConfidence(steps int) float64 {
	// Short plans route more reliably than long keyword chains.
	c := 0.9 - 0.05*float64(steps-1)
	if c < 0.5 {
		c = 0.5
	}
	return c
}
