// Package orchestrator runs missions: it turns a goal into a plan, walks the
// plan step by step through the message mesh, retries and falls back on step
// failures, and archives the concluded mission. All mission mutation happens
// under one service mutex; workers never touch mission state directly.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"missionmesh/internal/domain"
	"missionmesh/internal/messaging/inproc"
	"missionmesh/internal/resolve"
)

const orchestratorID = "orchestrator"

const planCorrelationPrefix = "plan:"

// ErrMissionLimit is returned synchronously when the active-mission ceiling
// is reached. The caller is expected to retry later; nothing is queued.
var ErrMissionLimit = errors.New("mission limit reached")

var ErrMissionNotFound = errors.New("mission not found")

type Store interface {
	ArchiveMission(ctx context.Context, rec domain.MissionRecord) error
	GetMissionRecord(ctx context.Context, missionID string) (domain.MissionRecord, error)
	ListMissions(ctx context.Context, limit int) ([]domain.MissionRecord, error)
	LogDecision(ctx context.Context, entry domain.DecisionLog) error
	ListMissionDecisions(ctx context.Context, missionID string, limit int) ([]domain.DecisionLog, error)
	SavePerfSample(ctx context.Context, sample domain.PerfSample) error
}

type Bus interface {
	Register(info domain.WorkerInfo) *inproc.Mailbox
	Unregister(workerID string)
	Publish(ctx context.Context, env domain.Envelope) error
	Worker(workerID string) (domain.WorkerInfo, bool)
	Workers() []domain.WorkerInfo
}

// Perf is the sliding-window performance tracker consulted for scoring and
// success-rate snapshots.
type Perf interface {
	Record(workerID string, success bool, execTime time.Duration) float64
	SuccessRates() map[string]float64
}

type Config struct {
	PlannerID          string
	LearningID         string
	MaxActiveMissions  int
	MissionTimeout     time.Duration
	StuckStepThreshold time.Duration
	SupervisorInterval time.Duration
	RetryBase          time.Duration
	RetryMax           time.Duration
	DefaultMaxAttempts int
}

func (c Config) withDefaults() Config {
	if c.PlannerID == "" {
		c.PlannerID = "planner"
	}
	if c.LearningID == "" {
		c.LearningID = "learning"
	}
	if c.MaxActiveMissions <= 0 {
		c.MaxActiveMissions = 10
	}
	if c.MissionTimeout <= 0 {
		c.MissionTimeout = 30 * time.Minute
	}
	if c.StuckStepThreshold <= 0 {
		c.StuckStepThreshold = 5 * time.Minute
	}
	if c.SupervisorInterval <= 0 {
		c.SupervisorInterval = 10 * time.Second
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 5 * time.Second
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 30 * time.Second
	}
	if c.DefaultMaxAttempts <= 0 {
		c.DefaultMaxAttempts = domain.DefaultMaxAttempts
	}
	return c
}

type Service struct {
	store  Store
	bus    Bus
	perf   Perf
	cfg    Config
	logger *log.Logger

	wg sync.WaitGroup

	mu       sync.Mutex
	missions map[string]*missionRuntime
	stats    missionStats
}

// missionRuntime is the in-memory state of one active mission. Templates are
// parsed once at plan acceptance and resolved on every dispatch.
type missionRuntime struct {
	mission       *domain.Mission
	templates     []*resolve.Template
	requester     string
	correlation   string
	stuckFlagged  map[int]bool
	successAdvice float64
	complexity    float64
}

type missionStats struct {
	total         int
	succeeded     int
	failed        int
	durationMSSum int64
	stepsDoneSum  int
}

func New(store Store, bus Bus, perf Perf, cfg Config, logger *log.Logger) *Service {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		store:    store,
		bus:      bus,
		perf:     perf,
		cfg:      cfg,
		logger:   logger,
		missions: make(map[string]*missionRuntime),
	}
}

func (s *Service) Start(ctx context.Context) {
	// Register before returning so envelopes published right after Start
	// are never dropped as unknown-recipient.
	box := s.bus.Register(domain.WorkerInfo{
		ID:           orchestratorID,
		Capabilities: []string{"orchestration"},
		Status:       domain.WorkerActive,
	})
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.inboxLoop(ctx, box)
	}()
	go func() {
		defer s.wg.Done()
		s.supervisorLoop(ctx)
	}()
}

func (s *Service) Wait() {
	s.wg.Wait()
}

// SubmitGoal starts a mission for an out-of-mesh caller (HTTP, tests). The
// ceiling check is synchronous: at capacity the goal is rejected, never
// queued. No terminal response envelope is published for these missions.
func (s *Service) SubmitGoal(ctx context.Context, goal string, priority *domain.Priority, missionContext map[string]any) (domain.Mission, error) {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return domain.Mission{}, fmt.Errorf("empty goal")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, err := s.startMissionLocked(ctx, goal, priority, missionContext, "", "")
	if err != nil {
		return domain.Mission{}, err
	}
	return cloneMission(rt.mission), nil
}

// startMissionLocked creates the mission, logs the advisory heuristics and
// sends the plan request. Caller holds s.mu.
func (s *Service) startMissionLocked(
	ctx context.Context,
	goal string,
	priority *domain.Priority,
	missionContext map[string]any,
	requester string,
	correlation string,
) (*missionRuntime, error) {
	if len(s.missions) >= s.cfg.MaxActiveMissions {
		return nil, fmt.Errorf("%w: %d active", ErrMissionLimit, len(s.missions))
	}

	complexity := deriveComplexity(goal)
	pri := derivePriority(goal)
	if priority != nil {
		pri = *priority
	}
	rates := s.perf.SuccessRates()
	advice := estimateSuccess(goal, complexity, rates)

	now := time.Now().UTC()
	mission := &domain.Mission{
		ID:        uuid.NewString(),
		Goal:      goal,
		Priority:  pri,
		Status:    domain.MissionInitializing,
		Outputs:   make(map[int]map[string]any),
		CreatedAt: now,
		UpdatedAt: now,
	}
	rt := &missionRuntime{
		mission:       mission,
		requester:     requester,
		correlation:   correlation,
		stuckFlagged:  make(map[int]bool),
		successAdvice: advice,
		complexity:    complexity,
	}
	s.missions[mission.ID] = rt

	_ = s.store.LogDecision(ctx, domain.DecisionLog{
		MissionID: mission.ID,
		Actor:     orchestratorID,
		Action:    "mission_created",
		Reason:    "goal accepted",
		Payload: mustJSON(map[string]any{
			"goal":             trimText(goal, 200),
			"priority":         pri.String(),
			"complexity":       complexity,
			"success_estimate": advice,
			"requester":        requester,
		}),
	})

	mission.Status = domain.MissionPlanning
	mission.UpdatedAt = time.Now().UTC()

	planCtx := map[string]any{
		"complexity":       complexity,
		"success_estimate": advice,
		"worker_rates":     rates,
	}
	for k, v := range missionContext {
		planCtx[k] = v
	}
	if err := s.bus.Publish(ctx, domain.Envelope{
		Sender:        orchestratorID,
		Recipient:     s.cfg.PlannerID,
		Kind:          domain.KindRequest,
		Priority:      domain.PriorityHigh,
		Payload:       domain.EncodePayload(domain.PlanRequestPayload{Goal: goal, Context: planCtx}),
		CorrelationID: planCorrelationPrefix + mission.ID,
	}); err != nil {
		s.failMissionLocked(ctx, rt, "plan request publish failed: "+err.Error())
		return nil, err
	}
	return rt, nil
}

func (s *Service) inboxLoop(ctx context.Context, box *inproc.Mailbox) {
	defer s.bus.Unregister(orchestratorID)

	for {
		env, ok := box.Receive(ctx)
		if !ok {
			return
		}
		s.handleEnvelope(ctx, env)
	}
}

func (s *Service) handleEnvelope(ctx context.Context, env domain.Envelope) {
	switch env.Kind {
	case domain.KindRequest, domain.KindEmergency:
		s.handleGoalRequest(ctx, env)
	case domain.KindResponse:
		s.handleResponse(ctx, env)
	case domain.KindNotification:
		s.handleNotification(ctx, env)
	case domain.KindHeartbeat:
		s.answerHeartbeat(ctx, env)
	default:
		s.logger.Printf("orchestrator ignoring envelope kind=%s from=%s", env.Kind, env.Sender)
	}
}

// handleGoalRequest starts a mission from a mesh request. The terminal
// response goes back to the sender on the request's correlation id, so a
// RequestAndWait caller blocks until the mission concludes. An emergency
// request forces critical priority.
func (s *Service) handleGoalRequest(ctx context.Context, env domain.Envelope) {
	goal, _ := env.Payload["goal"].(string)
	goal = strings.TrimSpace(goal)
	if goal == "" {
		s.replyError(ctx, env, "request payload has no goal")
		return
	}

	var priority *domain.Priority
	if raw, ok := env.Payload["priority"].(string); ok {
		if p, err := domain.ParsePriority(raw); err == nil {
			priority = &p
		}
	}
	if env.Kind == domain.KindEmergency {
		p := domain.PriorityCritical
		priority = &p
	}
	missionContext, _ := env.Payload["context"].(map[string]any)

	correlation := env.CorrelationID
	if correlation == "" {
		correlation = env.ID
	}

	s.mu.Lock()
	rt, err := s.startMissionLocked(ctx, goal, priority, missionContext, env.Sender, correlation)
	s.mu.Unlock()
	if err != nil {
		s.replyError(ctx, env, err.Error())
		return
	}
	s.logger.Printf("mission %s started goal=%q priority=%s sender=%s", rt.mission.ID, trimText(goal, 80), rt.mission.Priority, env.Sender)
}

func (s *Service) handleResponse(ctx context.Context, env domain.Envelope) {
	corr := env.CorrelationID
	switch {
	case strings.HasPrefix(corr, planCorrelationPrefix):
		s.handlePlanResponse(ctx, env, strings.TrimPrefix(corr, planCorrelationPrefix))
	default:
		missionID, stepIndex, ok := parseStepCorrelation(corr)
		if !ok {
			s.logger.Printf("orchestrator received uncorrelated response from=%s corr=%q", env.Sender, corr)
			return
		}
		s.handleStepResponse(ctx, env, missionID, stepIndex)
	}
}

// handlePlanResponse validates and accepts a plan. Every target must be a
// registered worker and every template may only reference strictly earlier
// steps; a violation fails the mission immediately, there is no replanning.
func (s *Service) handlePlanResponse(ctx context.Context, env domain.Envelope, missionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rt, ok := s.missions[missionID]
	if !ok || rt.mission.Status != domain.MissionPlanning {
		s.logger.Printf("discarding plan response for mission=%s (not planning)", missionID)
		return
	}

	var plan domain.PlanResponsePayload
	if err := domain.DecodePayload(env.Payload, &plan); err != nil {
		s.failMissionLocked(ctx, rt, "invalid plan payload: "+err.Error())
		return
	}
	if !plan.Success || len(plan.Plan) == 0 {
		reason := "planner returned no plan"
		if msg, ok := env.Payload["error"].(string); ok && msg != "" {
			reason = "planning failed: " + msg
		}
		s.failMissionLocked(ctx, rt, reason)
		return
	}

	steps := make([]domain.Step, len(plan.Plan))
	templates := make([]*resolve.Template, len(plan.Plan))
	for i, ps := range plan.Plan {
		target := strings.TrimSpace(ps.TargetWorker)
		if _, ok := s.bus.Worker(target); !ok {
			s.failMissionLocked(ctx, rt, fmt.Sprintf("plan step %d targets unknown worker %q", i, target))
			return
		}
		tpl := resolve.Parse(ps.InputTemplate)
		if tpl.MaxStep() >= i {
			s.failMissionLocked(ctx, rt, fmt.Sprintf("plan step %d references step %d output", i, tpl.MaxStep()))
			return
		}
		maxAttempts := ps.MaxRetries
		if maxAttempts <= 0 {
			maxAttempts = s.cfg.DefaultMaxAttempts
		}
		steps[i] = domain.Step{
			Index:       i,
			Description: ps.Description,
			Target:      target,
			Fallback:    ps.Fallback,
			Status:      domain.StepPending,
			MaxAttempts: maxAttempts,
		}
		templates[i] = tpl
	}

	rt.mission.Steps = steps
	rt.mission.Status = domain.MissionExecuting
	rt.mission.UpdatedAt = time.Now().UTC()
	rt.templates = templates

	_ = s.store.LogDecision(ctx, domain.DecisionLog{
		MissionID: missionID,
		Actor:     orchestratorID,
		Action:    "plan_accepted",
		Reason:    "plan validated",
		Payload: mustJSON(map[string]any{
			"steps":      len(steps),
			"model_used": plan.ModelUsed,
			"confidence": plan.Confidence,
			"latency_ms": plan.LatencyMS,
		}),
	})

	s.dispatchStepLocked(ctx, rt, 0)
}

// dispatchStepLocked resolves the step's input template against recorded
// outputs and publishes the request. Caller holds s.mu.
func (s *Service) dispatchStepLocked(ctx context.Context, rt *missionRuntime, idx int) {
	mission := rt.mission
	step := &mission.Steps[idx]

	input := rt.templates[idx].Resolve(mission.Outputs, s.logger)
	now := time.Now().UTC()
	step.Input = input
	step.Status = domain.StepExecuting
	step.Attempts++
	step.StartedAt = &now
	mission.UpdatedAt = now

	_ = s.store.LogDecision(ctx, domain.DecisionLog{
		MissionID: mission.ID,
		Actor:     orchestratorID,
		Action:    "step_dispatched",
		Reason:    fmt.Sprintf("step %d attempt %d", idx, step.Attempts),
		Payload: mustJSON(map[string]any{
			"step":    idx,
			"target":  step.Target,
			"attempt": step.Attempts,
		}),
	})

	if err := s.bus.Publish(ctx, domain.Envelope{
		Sender:        orchestratorID,
		Recipient:     step.Target,
		Kind:          domain.KindRequest,
		Priority:      mission.Priority,
		Payload:       input,
		CorrelationID: stepCorrelation(mission.ID, idx),
	}); err != nil {
		s.handleStepFailureLocked(ctx, rt, idx, "publish failed: "+err.Error())
	}
}

// handleStepResponse is the only place a worker result enters mission state.
// Late and duplicate responses are discarded: the step must still be
// executing and the attempt correlation must match the live dispatch.
func (s *Service) handleStepResponse(ctx context.Context, env domain.Envelope, missionID string, idx int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rt, ok := s.missions[missionID]
	if !ok || rt.mission.Status != domain.MissionExecuting {
		s.logger.Printf("discarding step response mission=%s step=%d (mission not executing)", missionID, idx)
		return
	}
	mission := rt.mission
	if idx < 0 || idx >= len(mission.Steps) {
		s.logger.Printf("discarding step response mission=%s with bad index %d", missionID, idx)
		return
	}
	step := &mission.Steps[idx]
	if step.Status != domain.StepExecuting {
		_ = s.store.LogDecision(ctx, domain.DecisionLog{
			MissionID: missionID,
			Actor:     orchestratorID,
			Action:    "late_response_discarded",
			Reason:    fmt.Sprintf("step %d is %s", idx, step.Status),
			Payload:   mustJSON(map[string]any{"step": idx, "sender": env.Sender}),
		})
		return
	}

	execTime := time.Duration(0)
	if step.StartedAt != nil {
		execTime = time.Since(*step.StartedAt)
	}
	status, _ := env.Payload["status"].(string)
	success := status != "error"

	score := s.perf.Record(step.Target, success, execTime)
	_ = s.store.SavePerfSample(ctx, domain.PerfSample{
		WorkerID:   step.Target,
		Success:    success,
		DurationMS: execTime.Milliseconds(),
		Score:      score,
		CreatedAt:  time.Now().UTC(),
	})

	if !success {
		msg, _ := env.Payload["error"].(string)
		if msg == "" {
			msg = "worker reported failure"
		}
		s.handleStepFailureLocked(ctx, rt, idx, msg)
		return
	}

	now := time.Now().UTC()
	step.Status = domain.StepCompleted
	step.CompletedAt = &now
	step.Error = ""
	mission.Outputs[idx] = env.Payload
	mission.UpdatedAt = now

	s.advanceMissionLocked(ctx, rt, idx)
}

// handleStepFailureLocked applies the retry/fallback ladder: retry with a
// linear backoff capped at RetryMax while attempts remain, then consult the
// fallback. Only "skip" survives the step; anything else fails the mission.
func (s *Service) handleStepFailureLocked(ctx context.Context, rt *missionRuntime, idx int, reason string) {
	mission := rt.mission
	step := &mission.Steps[idx]
	step.Error = reason
	mission.UpdatedAt = time.Now().UTC()

	if step.Attempts < step.MaxAttempts {
		step.Status = domain.StepRetrying
		mission.RecoveryAttempts++
		delay := time.Duration(step.Attempts) * s.cfg.RetryBase
		if delay > s.cfg.RetryMax {
			delay = s.cfg.RetryMax
		}
		_ = s.store.LogDecision(ctx, domain.DecisionLog{
			MissionID: mission.ID,
			Actor:     orchestratorID,
			Action:    "step_retry_scheduled",
			Reason:    reason,
			Payload: mustJSON(map[string]any{
				"step":     idx,
				"attempt":  step.Attempts,
				"delay_ms": delay.Milliseconds(),
			}),
		})
		s.scheduleRetry(ctx, mission.ID, idx, delay)
		return
	}

	if step.Fallback == domain.FallbackSkip {
		now := time.Now().UTC()
		step.Status = domain.StepSkipped
		step.CompletedAt = &now
		mission.RecoveryAttempts++
		_ = s.store.LogDecision(ctx, domain.DecisionLog{
			MissionID: mission.ID,
			Actor:     orchestratorID,
			Action:    "step_skipped",
			Reason:    reason,
			Payload:   mustJSON(map[string]any{"step": idx, "attempts": step.Attempts}),
		})
		s.advanceMissionLocked(ctx, rt, idx)
		return
	}

	step.Status = domain.StepFailed
	s.failMissionLocked(ctx, rt, fmt.Sprintf("step %d failed after %d attempts: %s", idx, step.Attempts, reason))
}

// scheduleRetry re-enters the inbox through a self-addressed notification so
// the redispatch is serialized with all other mission traffic.
func (s *Service) scheduleRetry(ctx context.Context, missionID string, idx int, delay time.Duration) {
	time.AfterFunc(delay, func() {
		err := s.bus.Publish(ctx, domain.Envelope{
			Sender:    orchestratorID,
			Recipient: orchestratorID,
			Kind:      domain.KindNotification,
			Priority:  domain.PriorityHigh,
			Payload: map[string]any{
				"action":     "retry",
				"mission_id": missionID,
				"step":       idx,
			},
		})
		if err != nil {
			s.logger.Printf("retry publish failed mission=%s step=%d: %v", missionID, idx, err)
		}
	})
}

func (s *Service) handleNotification(ctx context.Context, env domain.Envelope) {
	action, _ := env.Payload["action"].(string)
	switch action {
	case "retry":
		missionID, _ := env.Payload["mission_id"].(string)
		idx := intFromPayload(env.Payload["step"])
		s.mu.Lock()
		defer s.mu.Unlock()
		rt, ok := s.missions[missionID]
		if !ok || rt.mission.Status != domain.MissionExecuting {
			return
		}
		if idx < 0 || idx >= len(rt.mission.Steps) {
			return
		}
		if rt.mission.Steps[idx].Status != domain.StepRetrying {
			return
		}
		s.dispatchStepLocked(ctx, rt, idx)
	default:
		s.logger.Printf("orchestrator ignoring notification action=%q from=%s", action, env.Sender)
	}
}

func (s *Service) answerHeartbeat(ctx context.Context, env domain.Envelope) {
	corr := env.CorrelationID
	if corr == "" {
		corr = env.ID
	}
	_ = s.bus.Publish(ctx, domain.Envelope{
		Sender:        orchestratorID,
		Recipient:     env.Sender,
		Kind:          domain.KindResponse,
		Priority:      domain.PriorityHigh,
		CorrelationID: corr,
		Payload: map[string]any{
			"worker": orchestratorID,
			"status": string(domain.WorkerActive),
		},
	})
}

// advanceMissionLocked moves to the next pending step after idx, or concludes
// the mission when idx was the last step.
func (s *Service) advanceMissionLocked(ctx context.Context, rt *missionRuntime, idx int) {
	if idx+1 >= len(rt.mission.Steps) {
		s.concludeMissionLocked(ctx, rt)
		return
	}
	s.dispatchStepLocked(ctx, rt, idx+1)
}

func (s *Service) concludeMissionLocked(ctx context.Context, rt *missionRuntime) {
	mission := rt.mission
	now := time.Now().UTC()
	mission.Status = domain.MissionCompleted
	mission.UpdatedAt = now
	s.finalizeMissionLocked(ctx, rt, "")
}

func (s *Service) failMissionLocked(ctx context.Context, rt *missionRuntime, reason string) {
	mission := rt.mission
	mission.Status = domain.MissionFailed
	mission.UpdatedAt = time.Now().UTC()
	s.logger.Printf("mission %s failed: %s", mission.ID, reason)
	s.finalizeMissionLocked(ctx, rt, reason)
}

// finalizeMissionLocked is the single exit path: it archives the mission,
// updates the aggregate counters, emits the training event and publishes
// exactly one terminal response to the original requester.
func (s *Service) finalizeMissionLocked(ctx context.Context, rt *missionRuntime, lastError string) {
	mission := rt.mission
	delete(s.missions, mission.ID)

	stepsCompleted := 0
	for _, step := range mission.Steps {
		if step.Status == domain.StepCompleted {
			stepsCompleted++
		}
	}
	duration := mission.UpdatedAt.Sub(mission.CreatedAt)

	s.stats.total++
	if mission.Status == domain.MissionCompleted {
		s.stats.succeeded++
	} else {
		s.stats.failed++
	}
	s.stats.durationMSSum += duration.Milliseconds()
	s.stats.stepsDoneSum += stepsCompleted

	record := domain.MissionRecord{
		ID:             mission.ID,
		Goal:           mission.Goal,
		Priority:       mission.Priority,
		Status:         mission.Status,
		StepsTotal:     len(mission.Steps),
		StepsCompleted: stepsCompleted,
		LastError:      lastError,
		CreatedAt:      mission.CreatedAt,
		CompletedAt:    mission.UpdatedAt,
		DurationMS:     duration.Milliseconds(),
	}
	if err := s.store.ArchiveMission(ctx, record); err != nil {
		s.logger.Printf("archive mission %s failed: %v", mission.ID, err)
	}

	action := "mission_completed"
	reason := "all steps concluded"
	if mission.Status == domain.MissionFailed {
		action = "mission_failed"
		reason = lastError
	}
	_ = s.store.LogDecision(ctx, domain.DecisionLog{
		MissionID: mission.ID,
		Actor:     orchestratorID,
		Action:    action,
		Reason:    reason,
		Payload: mustJSON(map[string]any{
			"steps_total":     len(mission.Steps),
			"steps_completed": stepsCompleted,
			"duration_ms":     duration.Milliseconds(),
		}),
	})

	reward := 0.0
	outcome := "failed"
	if mission.Status == domain.MissionCompleted {
		reward = 1.0
		outcome = "completed"
	}
	_ = s.bus.Publish(ctx, domain.Envelope{
		Sender:    orchestratorID,
		Recipient: s.cfg.LearningID,
		Kind:      domain.KindNotification,
		Priority:  domain.PriorityLow,
		Payload: domain.EncodePayload(domain.TrainingEventPayload{
			MissionID: mission.ID,
			Features: map[string]any{
				"complexity":        rt.complexity,
				"priority":          mission.Priority.String(),
				"steps":             len(mission.Steps),
				"success_estimate":  rt.successAdvice,
				"duration_ms":       duration.Milliseconds(),
				"recovery_attempts": mission.RecoveryAttempts,
			},
			ActionTaken:  "execute_plan",
			RewardSignal: reward,
			Outcome:      outcome,
		}),
	})

	if rt.requester == "" {
		return
	}
	payload := map[string]any{
		"status":          "success",
		"mission_id":      mission.ID,
		"mission_status":  string(mission.Status),
		"steps_total":     len(mission.Steps),
		"steps_completed": stepsCompleted,
		"outputs":         outputsByStep(mission),
	}
	if mission.Status == domain.MissionFailed {
		payload["status"] = "error"
		payload["error"] = lastError
	}
	_ = s.bus.Publish(ctx, domain.Envelope{
		Sender:        orchestratorID,
		Recipient:     rt.requester,
		Kind:          domain.KindResponse,
		Priority:      mission.Priority,
		Payload:       payload,
		CorrelationID: rt.correlation,
	})
}

func (s *Service) replyError(ctx context.Context, original domain.Envelope, message string) {
	corr := original.CorrelationID
	if corr == "" {
		corr = original.ID
	}
	_ = s.bus.Publish(ctx, domain.Envelope{
		Sender:        orchestratorID,
		Recipient:     original.Sender,
		Kind:          domain.KindResponse,
		Priority:      original.Priority,
		CorrelationID: corr,
		Payload:       map[string]any{"status": "error", "error": message},
	})
}

func (s *Service) supervisorLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SupervisorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.superviseOnce(ctx)
		}
	}
}

// superviseOnce enforces the mission deadline and flags stuck steps. A
// timed-out mission is force-failed; a stuck step is only reported, once, and
// left to its own retry ladder.
func (s *Service) superviseOnce(ctx context.Context) {
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	var timedOut []*missionRuntime
	for _, rt := range s.missions {
		if now.Sub(rt.mission.CreatedAt) > s.cfg.MissionTimeout {
			timedOut = append(timedOut, rt)
			continue
		}
		if rt.mission.Status != domain.MissionExecuting {
			continue
		}
		for i := range rt.mission.Steps {
			step := &rt.mission.Steps[i]
			if step.Status != domain.StepExecuting || step.StartedAt == nil {
				continue
			}
			if now.Sub(*step.StartedAt) <= s.cfg.StuckStepThreshold || rt.stuckFlagged[i] {
				continue
			}
			rt.stuckFlagged[i] = true
			s.logger.Printf("mission %s step %d stuck for %s (target=%s)", rt.mission.ID, i, now.Sub(*step.StartedAt).Round(time.Second), step.Target)
			_ = s.store.LogDecision(ctx, domain.DecisionLog{
				MissionID: rt.mission.ID,
				Actor:     orchestratorID,
				Action:    "step_stuck",
				Reason:    "step exceeded stuck threshold",
				Payload: mustJSON(map[string]any{
					"step":       i,
					"target":     step.Target,
					"elapsed_ms": now.Sub(*step.StartedAt).Milliseconds(),
				}),
			})
		}
	}
	for _, rt := range timedOut {
		s.failMissionLocked(ctx, rt, "mission timeout exceeded")
	}
}

// Cancel force-fails an active mission.
func (s *Service) Cancel(ctx context.Context, missionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.missions[missionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMissionNotFound, missionID)
	}
	s.failMissionLocked(ctx, rt, "mission canceled")
	return nil
}

// GetMission returns an active mission snapshot, falling back to the archive
// for concluded missions.
func (s *Service) GetMission(ctx context.Context, missionID string) (domain.Mission, bool, error) {
	s.mu.Lock()
	rt, ok := s.missions[missionID]
	if ok {
		m := cloneMission(rt.mission)
		s.mu.Unlock()
		return m, true, nil
	}
	s.mu.Unlock()

	rec, err := s.store.GetMissionRecord(ctx, missionID)
	if err != nil {
		return domain.Mission{}, false, err
	}
	return domain.Mission{
		ID:        rec.ID,
		Goal:      rec.Goal,
		Priority:  rec.Priority,
		Status:    rec.Status,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.CompletedAt,
	}, false, nil
}

func (s *Service) ActiveMissions() []domain.Mission {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Mission, 0, len(s.missions))
	for _, rt := range s.missions {
		out = append(out, cloneMission(rt.mission))
	}
	return out
}

func (s *Service) ListMissions(ctx context.Context, limit int) ([]domain.MissionRecord, error) {
	return s.store.ListMissions(ctx, limit)
}

func (s *Service) ListMissionDecisions(ctx context.Context, missionID string, limit int) ([]domain.DecisionLog, error) {
	return s.store.ListMissionDecisions(ctx, missionID, limit)
}

// Status reports the aggregate view. It reads in-memory counters only, so
// calling it repeatedly returns identical results absent new conclusions.
func (s *Service) Status() domain.StatusReport {
	s.mu.Lock()
	st := s.stats
	active := len(s.missions)
	s.mu.Unlock()

	report := domain.StatusReport{
		MissionsTotal:      st.total,
		MissionsSucceeded:  st.succeeded,
		MissionsFailed:     st.failed,
		ActiveMissions:     active,
		WorkerSuccessRates: s.perf.SuccessRates(),
	}
	if st.total > 0 {
		report.AvgDurationMS = float64(st.durationMSSum) / float64(st.total)
		report.AvgSteps = float64(st.stepsDoneSum) / float64(st.total)
	}
	return report
}

func stepCorrelation(missionID string, idx int) string {
	return missionID + ":" + strconv.Itoa(idx)
}

func parseStepCorrelation(corr string) (string, int, bool) {
	sep := strings.LastIndex(corr, ":")
	if sep <= 0 || sep == len(corr)-1 {
		return "", 0, false
	}
	idx, err := strconv.Atoi(corr[sep+1:])
	if err != nil {
		return "", 0, false
	}
	return corr[:sep], idx, true
}

func outputsByStep(mission *domain.Mission) map[string]any {
	out := make(map[string]any, len(mission.Outputs))
	for idx, payload := range mission.Outputs {
		out[strconv.Itoa(idx)] = payload
	}
	return out
}

func cloneMission(m *domain.Mission) domain.Mission {
	out := *m
	out.Steps = make([]domain.Step, len(m.Steps))
	copy(out.Steps, m.Steps)
	out.Outputs = make(map[int]map[string]any, len(m.Outputs))
	for k, v := range m.Outputs {
		out.Outputs[k] = v
	}
	return out
}

func intFromPayload(v any) int {
	switch tv := v.(type) {
	case int:
		return tv
	case float64:
		return int(tv)
	case json.Number:
		n, _ := tv.Int64()
		return int(n)
	default:
		return -1
	}
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}

func trimText(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
