package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"missionmesh/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func TestArchiveMissionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created := time.Now().Add(-time.Minute).Truncate(time.Second)
	completed := created.Add(42 * time.Second)
	rec := domain.MissionRecord{
		ID:             "m-1",
		Goal:           "collect logs and then analyze them",
		Priority:       domain.PriorityHigh,
		Status:         domain.MissionCompleted,
		StepsTotal:     2,
		StepsCompleted: 2,
		CreatedAt:      created,
		CompletedAt:    completed,
		DurationMS:     42000,
	}
	if err := s.ArchiveMission(ctx, rec); err != nil {
		t.Fatalf("archive: %v", err)
	}

	got, err := s.GetMissionRecord(ctx, "m-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Goal != rec.Goal || got.Priority != rec.Priority || got.Status != rec.Status {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.StepsTotal != 2 || got.StepsCompleted != 2 || got.DurationMS != 42000 {
		t.Fatalf("counters mismatch: %+v", got)
	}
	if got.CreatedAt.Unix() != created.Unix() || got.CompletedAt.Unix() != completed.Unix() {
		t.Fatalf("timestamps mismatch: %+v", got)
	}

	// Re-archiving the same id overwrites instead of erroring.
	rec.Status = domain.MissionFailed
	rec.LastError = "step 1 failed after 3 attempts: boom"
	if err := s.ArchiveMission(ctx, rec); err != nil {
		t.Fatalf("re-archive: %v", err)
	}
	got, err = s.GetMissionRecord(ctx, "m-1")
	if err != nil {
		t.Fatalf("get after re-archive: %v", err)
	}
	if got.Status != domain.MissionFailed || got.LastError != rec.LastError {
		t.Fatalf("overwrite not applied: %+v", got)
	}
}

func TestGetMissionRecordNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetMissionRecord(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListMissionsOrderAndLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().Truncate(time.Second)
	for i := 0; i < 3; i++ {
		rec := domain.MissionRecord{
			ID:          "m-" + string(rune('a'+i)),
			Goal:        "goal",
			Priority:    domain.PriorityNormal,
			Status:      domain.MissionCompleted,
			CreatedAt:   base.Add(time.Duration(i) * time.Minute),
			CompletedAt: base.Add(time.Duration(i+1) * time.Minute),
		}
		if err := s.ArchiveMission(ctx, rec); err != nil {
			t.Fatalf("archive %d: %v", i, err)
		}
	}

	out, err := s.ListMissions(ctx, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("limit ignored: got %d records", len(out))
	}
	if out[0].ID != "m-c" || out[1].ID != "m-b" {
		t.Fatalf("expected newest first, got %s then %s", out[0].ID, out[1].ID)
	}
}

func TestDecisionLogRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().Truncate(time.Second)
	entries := []domain.DecisionLog{
		{MissionID: "m-1", Actor: "orchestrator", Action: "mission_created", Reason: "new goal", CreatedAt: base},
		{MissionID: "m-1", Actor: "orchestrator", Action: "plan_accepted", Payload: []byte(`{"steps":2}`), CreatedAt: base.Add(time.Second)},
		{MissionID: "m-2", Actor: "orchestrator", Action: "mission_created", CreatedAt: base},
	}
	for i, entry := range entries {
		if err := s.LogDecision(ctx, entry); err != nil {
			t.Fatalf("log %d: %v", i, err)
		}
	}

	out, err := s.ListMissionDecisions(ctx, "m-1", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 decisions for m-1, got %d", len(out))
	}
	if out[0].Action != "mission_created" || out[1].Action != "plan_accepted" {
		t.Fatalf("expected oldest first: %s then %s", out[0].Action, out[1].Action)
	}
	if string(out[0].Payload) != "{}" {
		t.Fatalf("empty payload should persist as {}: %q", out[0].Payload)
	}
	if string(out[1].Payload) != `{"steps":2}` {
		t.Fatalf("payload mismatch: %q", out[1].Payload)
	}
}

func TestGuardRules(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	allowed, _, err := s.CheckGuardRules(ctx, "a", "b", domain.KindRequest, now)
	if err != nil {
		t.Fatalf("check empty: %v", err)
	}
	if !allowed {
		t.Fatalf("no rules should mean allow")
	}

	denyID, err := s.AddGuardRule(ctx, domain.GuardRule{
		Sender:    "rogue",
		Recipient: "*",
		Kind:      string(domain.KindRequest),
		Effect:    domain.GuardEffectDeny,
	})
	if err != nil {
		t.Fatalf("add deny: %v", err)
	}
	if _, err := s.AddGuardRule(ctx, domain.GuardRule{
		Sender:    "rogue",
		Recipient: "analyzer",
		Kind:      "*",
		Effect:    domain.GuardEffectAllow,
	}); err != nil {
		t.Fatalf("add allow: %v", err)
	}

	allowed, reason, err := s.CheckGuardRules(ctx, "rogue", "analyzer", domain.KindRequest, now)
	if err != nil {
		t.Fatalf("check deny: %v", err)
	}
	if allowed {
		t.Fatalf("deny must override a matching allow")
	}
	if reason == "" {
		t.Fatalf("deny should carry a reason")
	}

	allowed, _, err = s.CheckGuardRules(ctx, "other", "analyzer", domain.KindRequest, now)
	if err != nil {
		t.Fatalf("check other sender: %v", err)
	}
	if !allowed {
		t.Fatalf("rule for rogue must not block other senders")
	}

	// Expired rules are skipped.
	past := now.Add(-time.Minute)
	if _, err := s.AddGuardRule(ctx, domain.GuardRule{
		Sender:    "stale",
		Recipient: "*",
		Kind:      "*",
		Effect:    domain.GuardEffectDeny,
		ExpiresAt: &past,
	}); err != nil {
		t.Fatalf("add expired: %v", err)
	}
	allowed, _, err = s.CheckGuardRules(ctx, "stale", "anyone", domain.KindRequest, now)
	if err != nil {
		t.Fatalf("check expired: %v", err)
	}
	if !allowed {
		t.Fatalf("expired deny should not apply")
	}

	rules, err := s.ListGuardRules(ctx)
	if err != nil {
		t.Fatalf("list rules: %v", err)
	}
	if len(rules) != 3 {
		t.Fatalf("expected 3 rules, got %d", len(rules))
	}

	if err := s.DeleteGuardRule(ctx, denyID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	allowed, _, err = s.CheckGuardRules(ctx, "rogue", "analyzer", domain.KindRequest, now)
	if err != nil {
		t.Fatalf("check after delete: %v", err)
	}
	if !allowed {
		t.Fatalf("deleted deny should no longer apply")
	}
}

func TestPerfSamples(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	samples := []domain.PerfSample{
		{WorkerID: "collector", Success: true, DurationMS: 1200, Score: 0.95},
		{WorkerID: "collector", Success: false, DurationMS: 31000, Score: 0.0},
		{WorkerID: "analyzer", Success: true, DurationMS: 800, Score: 0.98},
	}
	for i, sample := range samples {
		if err := s.SavePerfSample(ctx, sample); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}

	out, err := s.ListPerfSamples(ctx, "collector", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 collector samples, got %d", len(out))
	}
	for _, sample := range out {
		if sample.WorkerID != "collector" {
			t.Fatalf("wrong worker in result: %+v", sample)
		}
		if sample.ID == 0 {
			t.Fatalf("sample id not assigned")
		}
	}
	// Newest sample first.
	if out[0].Success || out[0].Score != 0.0 {
		t.Fatalf("expected the failed sample first: %+v", out[0])
	}
	if !out[1].Success || out[1].Score != 0.95 {
		t.Fatalf("sample fields mismatch: %+v", out[1])
	}
}
