package agent

import (
	"context"
	"fmt"
	"io"
	"log"
	"testing"
	"time"

	"missionmesh/internal/domain"
	"missionmesh/internal/messaging/inproc"
)

var quiet = log.New(io.Discard, "", 0)

func TestWorkerAnswersRequests(t *testing.T) {
	bus := inproc.New(quiet)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	w := New("echo", []string{"echo"}, bus, func(_ context.Context, env domain.Envelope) (map[string]any, error) {
		return map[string]any{"echo": env.Payload["ask"]}, nil
	}, quiet)
	w.Start(ctx)

	resp, err := bus.RequestAndWait(ctx, "caller", "echo", map[string]any{"ask": "hello"}, domain.PriorityNormal, time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.Payload["echo"] != "hello" {
		t.Fatalf("unexpected payload: %v", resp.Payload)
	}
	if resp.Payload["status"] != "success" {
		t.Fatalf("expected default success status, got %v", resp.Payload["status"])
	}
	if resp.Sender != "echo" {
		t.Fatalf("unexpected sender: %s", resp.Sender)
	}
}

func TestWorkerHandlerErrorBecomesErrorResponse(t *testing.T) {
	bus := inproc.New(quiet)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	w := New("broken", nil, bus, func(_ context.Context, _ domain.Envelope) (map[string]any, error) {
		return nil, fmt.Errorf("boom")
	}, quiet)
	w.Start(ctx)

	resp, err := bus.RequestAndWait(ctx, "caller", "broken", nil, domain.PriorityNormal, time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.Payload["status"] != "error" || resp.Payload["error"] != "boom" {
		t.Fatalf("unexpected error payload: %v", resp.Payload)
	}
}

func TestHeartbeatBypassesHandler(t *testing.T) {
	bus := inproc.New(quiet)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	handlerCalled := false
	w := New("probe", []string{"collect", "analyze"}, bus, func(_ context.Context, _ domain.Envelope) (map[string]any, error) {
		handlerCalled = true
		return nil, nil
	}, quiet)
	w.Start(ctx)

	resp, err := bus.Heartbeat(ctx, "caller", "probe", time.Second)
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if handlerCalled {
		t.Fatalf("heartbeat must not reach the handler")
	}
	if resp.Payload["worker"] != "probe" {
		t.Fatalf("heartbeat payload missing worker id: %v", resp.Payload)
	}
	if resp.Payload["status"] != string(domain.WorkerActive) {
		t.Fatalf("unexpected worker status: %v", resp.Payload["status"])
	}
}

func TestStatusChangeVisibleToHeartbeats(t *testing.T) {
	bus := inproc.New(quiet)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	w := New("wobbly", []string{"collect"}, bus, func(_ context.Context, _ domain.Envelope) (map[string]any, error) {
		return nil, nil
	}, quiet)
	w.Start(ctx)

	// Round trip once so the loop has finished its own activation write.
	if _, err := bus.RequestAndWait(ctx, "caller", "wobbly", nil, domain.PriorityNormal, time.Second); err != nil {
		t.Fatalf("warmup request: %v", err)
	}

	// Status flips from the caller's goroutine while the loop answers
	// heartbeats from its own.
	w.SetStatus(domain.WorkerDegraded)
	if w.Status() != domain.WorkerDegraded {
		t.Fatalf("status accessor = %s", w.Status())
	}

	resp, err := bus.Heartbeat(ctx, "caller", "wobbly", time.Second)
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if resp.Payload["status"] != string(domain.WorkerDegraded) {
		t.Fatalf("heartbeat status = %v, want degraded", resp.Payload["status"])
	}
	if info, ok := bus.Worker("wobbly"); !ok || info.Status != domain.WorkerDegraded {
		t.Fatalf("registry status not updated: %+v", info)
	}
}

func TestNotificationHook(t *testing.T) {
	bus := inproc.New(quiet)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	got := make(chan domain.Envelope, 1)
	w := New("listener", nil, bus, func(_ context.Context, _ domain.Envelope) (map[string]any, error) {
		return nil, nil
	}, quiet)
	w.OnNotification(func(_ context.Context, env domain.Envelope) {
		got <- env
	})
	w.Start(ctx)

	if err := bus.Publish(ctx, domain.Envelope{
		Sender:    "caller",
		Recipient: "listener",
		Kind:      domain.KindNotification,
		Priority:  domain.PriorityLow,
		Payload:   map[string]any{"event": "trained"},
	}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case env := <-got:
		if env.Payload["event"] != "trained" {
			t.Fatalf("unexpected notification: %v", env.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("notification hook never fired")
	}
}

func TestEmergencyDispatchedLikeRequest(t *testing.T) {
	bus := inproc.New(quiet)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	w := New("guarded", nil, bus, func(_ context.Context, env domain.Envelope) (map[string]any, error) {
		return map[string]any{"handled": string(env.Kind)}, nil
	}, quiet)
	w.Start(ctx)

	box := bus.Register(domain.WorkerInfo{ID: "caller"})
	if err := bus.Publish(ctx, domain.Envelope{
		ID:            "em-1",
		Sender:        "caller",
		Recipient:     "guarded",
		Kind:          domain.KindEmergency,
		Priority:      domain.PriorityCritical,
		CorrelationID: "em-corr",
	}); err != nil {
		t.Fatalf("publish emergency: %v", err)
	}

	env, ok := box.Receive(ctx)
	if !ok {
		t.Fatalf("no response to emergency")
	}
	if env.Kind != domain.KindResponse || env.CorrelationID != "em-corr" {
		t.Fatalf("unexpected response: kind=%s corr=%s", env.Kind, env.CorrelationID)
	}
	if env.Payload["handled"] != string(domain.KindEmergency) {
		t.Fatalf("emergency did not reach handler: %v", env.Payload)
	}
}
