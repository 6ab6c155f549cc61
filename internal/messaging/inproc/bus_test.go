package inproc

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"missionmesh/internal/domain"
)

func newTestBus() *Bus {
	return New(log.New(io.Discard, "", 0))
}

func receiveOne(t *testing.T, box *Mailbox) domain.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	env, ok := box.Receive(ctx)
	if !ok {
		t.Fatalf("expected an envelope, mailbox closed or timed out")
	}
	return env
}

func TestHighPriorityOvertakesQueuedLow(t *testing.T) {
	bus := newTestBus()
	box := bus.Register(domain.WorkerInfo{ID: "worker"})

	ctx := context.Background()
	publish := func(id string, p domain.Priority) {
		if err := bus.Publish(ctx, domain.Envelope{
			ID:        id,
			Sender:    "sender",
			Recipient: "worker",
			Kind:      domain.KindNotification,
			Priority:  p,
		}); err != nil {
			t.Fatalf("publish %s: %v", id, err)
		}
	}

	publish("low", domain.PriorityLow)
	publish("normal", domain.PriorityNormal)
	publish("critical", domain.PriorityCritical)
	publish("high", domain.PriorityHigh)

	want := []string{"critical", "high", "normal", "low"}
	for _, id := range want {
		env := receiveOne(t, box)
		if env.ID != id {
			t.Fatalf("expected envelope %s, got %s", id, env.ID)
		}
	}
}

func TestSamePriorityKeepsArrivalOrder(t *testing.T) {
	bus := newTestBus()
	box := bus.Register(domain.WorkerInfo{ID: "worker"})

	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if err := bus.Publish(ctx, domain.Envelope{
			ID:        id,
			Sender:    "sender",
			Recipient: "worker",
			Kind:      domain.KindNotification,
			Priority:  domain.PriorityNormal,
		}); err != nil {
			t.Fatalf("publish %s: %v", id, err)
		}
	}
	for _, id := range []string{"a", "b", "c"} {
		env := receiveOne(t, box)
		if env.ID != id {
			t.Fatalf("expected %s, got %s", id, env.ID)
		}
	}
}

func TestBroadcastReachesEveryMailbox(t *testing.T) {
	bus := newTestBus()
	boxA := bus.Register(domain.WorkerInfo{ID: "a"})
	boxB := bus.Register(domain.WorkerInfo{ID: "b"})
	boxSender := bus.Register(domain.WorkerInfo{ID: "sender"})

	if err := bus.Publish(context.Background(), domain.Envelope{
		Sender:    "sender",
		Recipient: domain.Broadcast,
		Kind:      domain.KindNotification,
		Priority:  domain.PriorityNormal,
		Payload:   map[string]any{"event": "ping"},
	}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	for name, box := range map[string]*Mailbox{"a": boxA, "b": boxB, "sender": boxSender} {
		env := receiveOne(t, box)
		if env.Recipient != name {
			t.Fatalf("broadcast copy for %s has recipient %s", name, env.Recipient)
		}
		if env.Payload["event"] != "ping" {
			t.Fatalf("broadcast payload lost for %s", name)
		}
	}
}

func TestPublishToUnknownRecipientIsDropped(t *testing.T) {
	bus := newTestBus()
	if err := bus.Publish(context.Background(), domain.Envelope{
		Sender:    "sender",
		Recipient: "ghost",
		Kind:      domain.KindNotification,
		Priority:  domain.PriorityNormal,
	}); err != nil {
		t.Fatalf("expected drop to be non-fatal, got %v", err)
	}
}

func TestRequestAndWaitRoundTrip(t *testing.T) {
	bus := newTestBus()
	box := bus.Register(domain.WorkerInfo{ID: "worker"})
	bus.Register(domain.WorkerInfo{ID: "caller"})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	go func() {
		env, ok := box.Receive(ctx)
		if !ok {
			return
		}
		_ = bus.Publish(ctx, domain.Envelope{
			Sender:        "worker",
			Recipient:     env.Sender,
			Kind:          domain.KindResponse,
			Priority:      env.Priority,
			CorrelationID: env.CorrelationID,
			Payload:       map[string]any{"status": "success", "echo": env.Payload["ask"]},
		})
	}()

	resp, err := bus.RequestAndWait(ctx, "caller", "worker", map[string]any{"ask": "42"}, domain.PriorityNormal, time.Second)
	if err != nil {
		t.Fatalf("request and wait: %v", err)
	}
	if resp.Payload["echo"] != "42" {
		t.Fatalf("unexpected response payload: %v", resp.Payload)
	}

	// The response was intercepted by the waiter, never queued.
	callerBox := bus.Register(domain.WorkerInfo{ID: "caller"})
	if n := callerBox.Len(); n != 0 {
		t.Fatalf("expected empty caller mailbox, got %d", n)
	}
}

func TestRequestAndWaitTimesOut(t *testing.T) {
	bus := newTestBus()
	bus.Register(domain.WorkerInfo{ID: "worker"})

	start := time.Now()
	_, err := bus.RequestAndWait(context.Background(), "caller", "worker", nil, domain.PriorityNormal, 50*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("timeout took too long: %s", time.Since(start))
	}
}

type denyGuard struct {
	reason string
}

func (g denyGuard) CheckDelivery(_ context.Context, env domain.Envelope) (bool, string, error) {
	if env.Kind == domain.KindRequest {
		return false, g.reason, nil
	}
	return true, "", nil
}

func TestGuardBlocksRequestsOnly(t *testing.T) {
	bus := newTestBus()
	bus.SetGuard(denyGuard{reason: "sealed"})
	box := bus.Register(domain.WorkerInfo{ID: "worker"})

	ctx := context.Background()
	if err := bus.Publish(ctx, domain.Envelope{
		Sender:    "sender",
		Recipient: "worker",
		Kind:      domain.KindRequest,
		Priority:  domain.PriorityNormal,
	}); err != nil {
		t.Fatalf("denied publish should not error: %v", err)
	}
	if n := box.Len(); n != 0 {
		t.Fatalf("denied request reached mailbox, len=%d", n)
	}

	if err := bus.Publish(ctx, domain.Envelope{
		Sender:    "sender",
		Recipient: "worker",
		Kind:      domain.KindNotification,
		Priority:  domain.PriorityNormal,
	}); err != nil {
		t.Fatalf("publish notification: %v", err)
	}
	if n := box.Len(); n != 1 {
		t.Fatalf("notification should bypass guard, len=%d", n)
	}
}

func TestUnregisterClosesMailbox(t *testing.T) {
	bus := newTestBus()
	box := bus.Register(domain.WorkerInfo{ID: "worker"})
	bus.Unregister("worker")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, ok := box.Receive(ctx); ok {
		t.Fatalf("expected closed mailbox after unregister")
	}
}

func TestWorkersSnapshotSorted(t *testing.T) {
	bus := newTestBus()
	bus.Register(domain.WorkerInfo{ID: "zeta", Capabilities: []string{"z"}})
	bus.Register(domain.WorkerInfo{ID: "alpha", Capabilities: []string{"a"}})
	bus.SetWorkerStatus("alpha", domain.WorkerActive)

	workers := bus.Workers()
	if len(workers) != 2 || workers[0].ID != "alpha" || workers[1].ID != "zeta" {
		t.Fatalf("unexpected workers snapshot: %+v", workers)
	}
	if workers[0].Status != domain.WorkerActive {
		t.Fatalf("status update lost: %+v", workers[0])
	}
}
