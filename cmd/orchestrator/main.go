package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"missionmesh/internal/agent"
	"missionmesh/internal/config"
	"missionmesh/internal/domain"
	"missionmesh/internal/messaging/inproc"
	"missionmesh/internal/orchestrator"
	"missionmesh/internal/perf"
	"missionmesh/internal/policy"
	sqlitestore "missionmesh/internal/store/sqlite"
)

type app struct {
	cfg          config.Config
	orchestrator *orchestrator.Service
	bus          *inproc.Bus
	store        *sqlitestore.Store
}

func main() {
	configPath := flag.String("config", "", "path to config.toml (default: ~/.missionmesh/config.toml)")
	addrFlag := flag.String("addr", "", "http listen address override")
	dbPathFlag := flag.String("db", "", "sqlite database path override")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if *configPath != "" {
			log.Fatalf("load config: %v", err)
		}
		log.Printf("no config file, using defaults: %v", err)
	}

	addr := firstNonEmpty(*addrFlag, cfg.Orchestrator.Addr, ":8093")
	dbPath := firstNonEmpty(*dbPathFlag, cfg.Orchestrator.DBPath, "data/missionmesh.db")
	dbPath = filepath.Clean(dbPath)

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		log.Fatalf("create db directory: %v", err)
	}

	store, err := sqlitestore.Open(dbPath)
	if err != nil {
		log.Fatalf("open sqlite store: %v", err)
	}
	defer func() {
		_ = store.Close()
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("migrate sqlite: %v", err)
	}

	bus := inproc.New(log.Default())
	bus.SetGuard(policy.New(store))

	tracker := perf.New(cfg.Perf.Window, durationMS(cfg.Perf.BaselineMS, perf.DefaultBaseline))

	orchCfg := orchestrator.Config{
		PlannerID:          cfg.Orchestrator.PlannerID,
		LearningID:         cfg.Orchestrator.LearningID,
		MaxActiveMissions:  cfg.Orchestrator.MaxActiveMissions,
		MissionTimeout:     durationMS(cfg.Orchestrator.MissionTimeoutMS, 30*time.Minute),
		StuckStepThreshold: durationMS(cfg.Orchestrator.StuckStepMS, 5*time.Minute),
		SupervisorInterval: durationMS(cfg.Orchestrator.SupervisorIntervalMS, 10*time.Second),
		RetryBase:          durationMS(cfg.Orchestrator.RetryBaseMS, 5*time.Second),
		RetryMax:           durationMS(cfg.Orchestrator.RetryMaxMS, 30*time.Second),
		DefaultMaxAttempts: cfg.Orchestrator.DefaultMaxAttempts,
	}
	orch := orchestrator.New(store, bus, tracker, orchCfg, log.Default())
	orch.Start(ctx)

	gen, err := buildPlanGenerator(cfg.Planner)
	if err != nil {
		log.Fatalf("build plan generator: %v", err)
	}
	plannerID := firstNonEmpty(cfg.Orchestrator.PlannerID, "planner")
	planner := agent.NewPlannerWorker(plannerID, bus, gen, log.Default())
	planner.Start(ctx)

	for _, w := range demoWorkers(bus) {
		w.Start(ctx)
	}
	learningID := firstNonEmpty(cfg.Orchestrator.LearningID, "learning")
	learning := newLearningWorker(learningID, bus)
	learning.Start(ctx)

	a := &app{
		cfg:          cfg,
		orchestrator: orch,
		bus:          bus,
		store:        store,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/config", a.handleConfig)
	mux.HandleFunc("/status", a.handleStatus)
	mux.HandleFunc("/workers", a.handleWorkers)
	mux.HandleFunc("/missions", a.handleMissions)
	mux.HandleFunc("/missions/", a.handleMissionByID)
	mux.HandleFunc("/guards", a.handleGuards)
	mux.HandleFunc("/guards/", a.handleGuardByID)

	server := &http.Server{
		Addr:              addr,
		Handler:           loggingMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Printf("missionmesh started addr=%s db=%s planner=%s", addr, dbPath, plannerID)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("http server failed: %v", err)
	}
}

func buildPlanGenerator(cfg config.PlannerConfig) (agent.PlanGenerator, error) {
	if strings.EqualFold(cfg.Mode, "api") {
		return agent.NewAPIPlanGenerator(agent.APIPlanGeneratorConfig{
			Endpoint:        cfg.APIEndpoint,
			Model:           cfg.APIModel,
			ReasoningEffort: cfg.ReasoningEffort,
			AuthToken:       cfg.APIAuthToken,
			Logger:          log.Default(),
		})
	}
	return agent.NewRuleGenerator(agent.DefaultRoutes(), "collector"), nil
}

// demoWorkers builds the default worker fleet: a collector, an analyzer and a
// notifier whose handlers derive their outputs from the resolved input, so a
// chained plan flows real values between steps.
func demoWorkers(bus *inproc.Bus) []*agent.Worker {
	collector := agent.New("collector", []string{"collect"}, bus, func(_ context.Context, env domain.Envelope) (map[string]any, error) {
		task, _ := env.Payload["task"].(string)
		words := strings.Fields(task)
		items := make([]any, 0, len(words))
		for _, w := range words {
			items = append(items, map[string]any{"name": w, "size": len(w)})
		}
		return map[string]any{
			"result": map[string]any{
				"items": items,
				"count": len(items),
			},
		}, nil
	}, log.Default())

	analyzer := agent.New("analyzer", []string{"analyze"}, bus, func(_ context.Context, env domain.Envelope) (map[string]any, error) {
		items := extractItems(env.Payload["source"])
		total := 0.0
		for _, item := range items {
			entry, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if size, ok := entry["size"].(float64); ok {
				total += size
			} else if size, ok := entry["size"].(int); ok {
				total += float64(size)
			}
		}
		mean := 0.0
		if len(items) > 0 {
			mean = total / float64(len(items))
		}
		return map[string]any{
			"result": map[string]any{
				"count":   len(items),
				"total":   total,
				"mean":    mean,
				"verdict": verdict(mean),
			},
		}, nil
	}, log.Default())

	notifier := agent.New("notifier", []string{"notify"}, bus, func(_ context.Context, env domain.Envelope) (map[string]any, error) {
		message := fmt.Sprintf("task=%v source=%v", env.Payload["task"], env.Payload["source"])
		log.Printf("notification: %s", message)
		return map[string]any{
			"result": map[string]any{
				"delivered": true,
				"message":   message,
			},
		}, nil
	}, log.Default())

	return []*agent.Worker{collector, analyzer, notifier}
}

func extractItems(source any) []any {
	m, ok := source.(map[string]any)
	if !ok {
		return nil
	}
	items, _ := m["items"].([]any)
	return items
}

func verdict(mean float64) string {
	if mean > 6 {
		return "long"
	}
	return "short"
}

// newLearningWorker consumes mission training events. It rejects requests;
// its only job is the notification hook.
func newLearningWorker(id string, bus *inproc.Bus) *agent.Worker {
	w := agent.New(id, []string{"learn"}, bus, func(_ context.Context, _ domain.Envelope) (map[string]any, error) {
		return nil, fmt.Errorf("learning worker handles notifications only")
	}, log.Default())
	w.OnNotification(func(_ context.Context, env domain.Envelope) {
		var event domain.TrainingEventPayload
		if err := domain.DecodePayload(env.Payload, &event); err != nil {
			log.Printf("bad training event from=%s: %v", env.Sender, err)
			return
		}
		log.Printf("training event mission=%s outcome=%s reward=%.1f", event.MissionID, event.Outcome, event.RewardSignal)
	})
	return w
}

func (a *app) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *app) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"path": a.cfg.Path,
		"raw":  a.cfg.Raw,
	})
}

func (a *app) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, a.orchestrator.Status())
}

func (a *app) handleWorkers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, a.bus.Workers())
}

func (a *app) handleMissions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		archived, err := a.orchestrator.ListMissions(r.Context(), queryInt(r, "limit", 100))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"active":   a.orchestrator.ActiveMissions(),
			"archived": archived,
		})
	case http.MethodPost:
		var req struct {
			Goal     string         `json:"goal"`
			Priority string         `json:"priority"`
			Context  map[string]any `json:"context"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
			return
		}
		if strings.TrimSpace(req.Goal) == "" {
			writeError(w, http.StatusBadRequest, fmt.Errorf("goal is required"))
			return
		}
		var priority *domain.Priority
		if req.Priority != "" {
			p, err := domain.ParsePriority(req.Priority)
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			priority = &p
		}
		mission, err := a.orchestrator.SubmitGoal(r.Context(), req.Goal, priority, req.Context)
		if err != nil {
			if errors.Is(err, orchestrator.ErrMissionLimit) {
				writeError(w, http.StatusTooManyRequests, err)
				return
			}
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusAccepted, mission)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (a *app) handleMissionByID(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.TrimPrefix(r.URL.Path, "/missions/")
	parts := strings.Split(trimmed, "/")
	missionID := parts[0]
	if missionID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("mission id is required"))
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		mission, active, err := a.orchestrator.GetMission(r.Context(), missionID)
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"mission": mission, "active": active})
		return
	}

	switch parts[1] {
	case "decisions":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		items, err := a.orchestrator.ListMissionDecisions(r.Context(), missionID, queryInt(r, "limit", 300))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
	case "cancel":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if err := a.orchestrator.Cancel(r.Context(), missionID); err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "canceled", "mission_id": missionID})
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown action: %s", parts[1]))
	}
}

func (a *app) handleGuards(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		rules, err := a.store.ListGuardRules(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, rules)
	case http.MethodPost:
		var req struct {
			Sender     string `json:"sender"`
			Recipient  string `json:"recipient"`
			Kind       string `json:"kind"`
			Effect     string `json:"effect"`
			TTLSeconds int    `json:"ttl_seconds"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
			return
		}
		if req.Sender == "" || req.Recipient == "" || req.Effect == "" {
			writeError(w, http.StatusBadRequest, fmt.Errorf("sender, recipient, effect are required"))
			return
		}
		kind := req.Kind
		if kind == "" {
			kind = "*"
		}
		var expires *time.Time
		if req.TTLSeconds > 0 {
			v := time.Now().UTC().Add(time.Duration(req.TTLSeconds) * time.Second)
			expires = &v
		}
		id, err := a.store.AddGuardRule(r.Context(), domain.GuardRule{
			Sender:    req.Sender,
			Recipient: req.Recipient,
			Kind:      kind,
			Effect:    domain.GuardEffect(req.Effect),
			ExpiresAt: expires,
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"id": id})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (a *app) handleGuardByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	raw := strings.TrimPrefix(r.URL.Path, "/guards/")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid guard id: %s", raw))
		return
	}
	if err := a.store.DeleteGuardRule(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted", "id": id})
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func durationMS(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Millisecond
}

func queryInt(r *http.Request, key string, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}
