package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Broadcast is the reserved recipient that fans an envelope into every mailbox.
const Broadcast = "broadcast"

type MessageKind string

const (
	KindRequest      MessageKind = "REQUEST"
	KindResponse     MessageKind = "RESPONSE"
	KindNotification MessageKind = "NOTIFICATION"
	KindHeartbeat    MessageKind = "HEARTBEAT"
	KindEmergency    MessageKind = "EMERGENCY"
)

// Priority orders mailbox delivery. Higher values are delivered first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// NumPriorities is the number of distinct priority levels, used by mailbox queues.
const NumPriorities = int(PriorityCritical) + 1

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

func ParsePriority(value string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority %q", value)
	}
}

// Envelope is the atomic unit of communication between workers. It is
// immutable once published; the bus never inspects Payload contents.
type Envelope struct {
	ID            string         `json:"id"`
	Sender        string         `json:"sender"`
	Recipient     string         `json:"recipient"`
	Kind          MessageKind    `json:"kind"`
	Priority      Priority       `json:"priority"`
	Payload       map[string]any `json:"payload"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

type WorkerStatus string

const (
	WorkerInitializing WorkerStatus = "initializing"
	WorkerActive       WorkerStatus = "active"
	WorkerDegraded     WorkerStatus = "degraded"
)

// WorkerInfo is the identity a worker declares when registering on the bus.
type WorkerInfo struct {
	ID           string       `json:"id"`
	Capabilities []string     `json:"capabilities"`
	Status       WorkerStatus `json:"status"`
}

type MissionStatus string

const (
	MissionInitializing MissionStatus = "initializing"
	MissionPlanning     MissionStatus = "planning"
	MissionExecuting    MissionStatus = "executing"
	MissionCompleted    MissionStatus = "completed"
	MissionFailed       MissionStatus = "failed"
)

func (s MissionStatus) Terminal() bool {
	return s == MissionCompleted || s == MissionFailed
}

type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepExecuting StepStatus = "executing"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepRetrying  StepStatus = "retrying"
	StepSkipped   StepStatus = "skipped"
)

// FallbackSkip marks a step's failure as survivable: the mission advances
// past it once retries are exhausted. Any other (or absent) fallback fails
// the mission.
const FallbackSkip = "skip"

const DefaultMaxAttempts = 3

type Step struct {
	Index       int            `json:"index"`
	Description string         `json:"description"`
	Target      string         `json:"target"`
	Input       map[string]any `json:"input,omitempty"`
	Fallback    string         `json:"fallback,omitempty"`
	Status      StepStatus     `json:"status"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"max_attempts"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// Mission is one end-to-end execution of a goal. Only the orchestrator
// mutates it; it is archived once Status is terminal.
type Mission struct {
	ID               string                 `json:"id"`
	Goal             string                 `json:"goal"`
	Priority         Priority               `json:"priority"`
	Status           MissionStatus          `json:"status"`
	Steps            []Step                 `json:"steps"`
	Outputs          map[int]map[string]any `json:"outputs,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
	RecoveryAttempts int                    `json:"recovery_attempts"`
}

// MissionRecord is the archived shape of a concluded mission.
type MissionRecord struct {
	ID             string        `json:"id"`
	Goal           string        `json:"goal"`
	Priority       Priority      `json:"priority"`
	Status         MissionStatus `json:"status"`
	StepsTotal     int           `json:"steps_total"`
	StepsCompleted int           `json:"steps_completed"`
	LastError      string        `json:"last_error,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	CompletedAt    time.Time     `json:"completed_at"`
	DurationMS     int64         `json:"duration_ms"`
}

// DecisionLog is one row of the orchestration decision trail.
type DecisionLog struct {
	ID        int64           `json:"id"`
	MissionID string          `json:"mission_id"`
	Actor     string          `json:"actor"`
	Action    string          `json:"action"`
	Reason    string          `json:"reason"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

type GuardEffect string

const (
	GuardEffectAllow GuardEffect = "allow"
	GuardEffectDeny  GuardEffect = "deny"
)

// GuardRule controls request delivery on the bus. Sender/Recipient/Kind
// accept "*" as a wildcard; deny rules override.
type GuardRule struct {
	ID        int64       `json:"id"`
	Sender    string      `json:"sender"`
	Recipient string      `json:"recipient"`
	Kind      string      `json:"kind"`
	Effect    GuardEffect `json:"effect"`
	ExpiresAt *time.Time  `json:"expires_at,omitempty"`
}

type PerfSample struct {
	ID         int64     `json:"id"`
	WorkerID   string    `json:"worker_id"`
	Success    bool      `json:"success"`
	DurationMS int64     `json:"duration_ms"`
	Score      float64   `json:"score"`
	CreatedAt  time.Time `json:"created_at"`
}

// StatusReport is the synchronous, side-effect-free aggregate view.
type StatusReport struct {
	MissionsTotal      int                `json:"missions_total"`
	MissionsSucceeded  int                `json:"missions_succeeded"`
	MissionsFailed     int                `json:"missions_failed"`
	ActiveMissions     int                `json:"active_missions"`
	AvgDurationMS      float64            `json:"avg_duration_ms"`
	AvgSteps           float64            `json:"avg_steps"`
	WorkerSuccessRates map[string]float64 `json:"worker_success_rates"`
}

// PlanRequestPayload is the request the orchestrator sends to the planner.
type PlanRequestPayload struct {
	Goal    string         `json:"goal"`
	Context map[string]any `json:"context,omitempty"`
}

type PlanStep struct {
	Description     string         `json:"description"`
	TargetWorker    string         `json:"target_worker"`
	InputTemplate   map[string]any `json:"input_template,omitempty"`
	ExpectedOutcome string         `json:"expected_outcome,omitempty"`
	Fallback        string         `json:"fallback,omitempty"`
	MaxRetries      int            `json:"max_retries,omitempty"`
}

type PlanResponsePayload struct {
	Success    bool       `json:"success"`
	Plan       []PlanStep `json:"plan"`
	ModelUsed  string     `json:"model_used,omitempty"`
	LatencyMS  int64      `json:"latency_ms"`
	Confidence float64    `json:"confidence"`
}

// TrainingEventPayload is the fire-and-forget notification sent to the
// learning collaborator after every mission conclusion.
type TrainingEventPayload struct {
	MissionID    string         `json:"mission_id"`
	Features     map[string]any `json:"features"`
	ActionTaken  string         `json:"action_taken"`
	RewardSignal float64        `json:"reward_signal"`
	Outcome      string         `json:"outcome"`
}

// EncodePayload converts a typed payload struct into the opaque envelope map.
func EncodePayload(v any) map[string]any {
	raw, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{}
	}
	return out
}

// DecodePayload converts an opaque envelope map into a typed payload struct.
func DecodePayload(payload map[string]any, v any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	return nil
}
