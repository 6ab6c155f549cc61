package agent

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"missionmesh/internal/domain"
	"missionmesh/internal/messaging/inproc"
)

// Mesh is the slice of the bus a worker needs. Satisfied by *inproc.Bus.
type Mesh interface {
	Register(info domain.WorkerInfo) *inproc.Mailbox
	Unregister(workerID string)
	SetWorkerStatus(workerID string, status domain.WorkerStatus)
	Publish(ctx context.Context, env domain.Envelope) error
	RequestAndWait(ctx context.Context, sender, recipient string, payload map[string]any, priority domain.Priority, timeout time.Duration) (domain.Envelope, error)
}

// Handler processes one request envelope and returns the response payload.
// A non-nil error is turned into an error response for the sender.
type Handler func(ctx context.Context, env domain.Envelope) (map[string]any, error)

// Notifier optionally consumes notification envelopes.
type Notifier func(ctx context.Context, env domain.Envelope)

// Worker is the uniform actor every participant implements: a long-lived
// loop pulling one envelope at a time from its own mailbox and invoking
// exactly one capability handler. Workers never share mutable state; all
// coordination happens through envelopes.
type Worker struct {
	id           string
	capabilities []string
	mesh         Mesh
	handle       Handler
	onNotify     Notifier
	logger       *log.Logger

	statusMu sync.Mutex
	status   domain.WorkerStatus
}

func New(id string, capabilities []string, mesh Mesh, handler Handler, logger *log.Logger) *Worker {
	if logger == nil {
		logger = log.Default()
	}
	return &Worker{
		id:           id,
		capabilities: capabilities,
		mesh:         mesh,
		handle:       handler,
		logger:       logger,
		status:       domain.WorkerInitializing,
	}
}

// OnNotification installs the optional notification hook. Must be called
// before Start.
func (w *Worker) OnNotification(fn Notifier) { w.onNotify = fn }

func (w *Worker) ID() string { return w.id }

// Start registers the worker and runs its processing loop until ctx is done
// or the mailbox is closed.
func (w *Worker) Start(ctx context.Context) {
	box := w.mesh.Register(domain.WorkerInfo{
		ID:           w.id,
		Capabilities: w.capabilities,
		Status:       domain.WorkerInitializing,
	})
	go func() {
		defer w.mesh.Unregister(w.id)
		w.SetStatus(domain.WorkerActive)
		for {
			env, ok := box.Receive(ctx)
			if !ok {
				return
			}
			w.dispatch(ctx, env)
		}
	}()
}

// SetStatus updates the declared lifecycle status (e.g. degraded). Safe to
// call from any goroutine; heartbeat answers read the status concurrently.
func (w *Worker) SetStatus(status domain.WorkerStatus) {
	w.statusMu.Lock()
	w.status = status
	w.statusMu.Unlock()
	w.mesh.SetWorkerStatus(w.id, status)
}

// Status reports the worker's declared lifecycle status.
func (w *Worker) Status() domain.WorkerStatus {
	w.statusMu.Lock()
	defer w.statusMu.Unlock()
	return w.status
}

func (w *Worker) dispatch(ctx context.Context, env domain.Envelope) {
	switch env.Kind {
	case domain.KindHeartbeat:
		// Heartbeats bypass the capability handler.
		w.answerHeartbeat(ctx, env)
	case domain.KindRequest, domain.KindEmergency:
		out, err := w.handle(ctx, env)
		if err != nil {
			w.PublishErrorResponse(ctx, env, err.Error())
			return
		}
		w.PublishResponse(ctx, env, out)
	case domain.KindNotification:
		if w.onNotify != nil {
			w.onNotify(ctx, env)
		}
	case domain.KindResponse:
		// Uncorrelated response: nothing waits for it here.
		w.logger.Printf("worker=%s discarded stray response correlation=%s from=%s", w.id, env.CorrelationID, env.Sender)
	default:
		w.logger.Printf("worker=%s ignored unknown envelope kind=%s from=%s", w.id, env.Kind, env.Sender)
	}
}

func (w *Worker) answerHeartbeat(ctx context.Context, env domain.Envelope) {
	payload := map[string]any{
		"worker":       w.id,
		"status":       string(w.Status()),
		"capabilities": w.capabilities,
	}
	if err := w.mesh.Publish(ctx, w.buildResponse(env, payload, domain.PriorityHigh)); err != nil {
		w.logger.Printf("worker=%s heartbeat response failed: %v", w.id, err)
	}
}

// NewMessage builds a well-formed outgoing envelope authored by this worker.
func (w *Worker) NewMessage(recipient string, kind domain.MessageKind, priority domain.Priority, payload map[string]any) domain.Envelope {
	return domain.Envelope{
		ID:        uuid.NewString(),
		Sender:    w.id,
		Recipient: recipient,
		Kind:      kind,
		Priority:  priority,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
}

// PublishResponse answers a request. The correlation id echoes the request's
// own correlation id when it carries one (step dispatches, RequestAndWait),
// falling back to the request envelope id.
func (w *Worker) PublishResponse(ctx context.Context, original domain.Envelope, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	if _, ok := payload["status"]; !ok {
		payload["status"] = "success"
	}
	if err := w.mesh.Publish(ctx, w.buildResponse(original, payload, original.Priority)); err != nil {
		w.logger.Printf("worker=%s response publish failed: %v", w.id, err)
	}
}

// PublishErrorResponse answers a request with payload.status = "error".
func (w *Worker) PublishErrorResponse(ctx context.Context, original domain.Envelope, message string) {
	payload := map[string]any{
		"status": "error",
		"error":  message,
	}
	if err := w.mesh.Publish(ctx, w.buildResponse(original, payload, original.Priority)); err != nil {
		w.logger.Printf("worker=%s error response publish failed: %v", w.id, err)
	}
}

func (w *Worker) buildResponse(original domain.Envelope, payload map[string]any, priority domain.Priority) domain.Envelope {
	correlation := original.CorrelationID
	if correlation == "" {
		correlation = original.ID
	}
	env := w.NewMessage(original.Sender, domain.KindResponse, priority, payload)
	env.CorrelationID = correlation
	return env
}

// RequestAndWait issues a synchronous-looking cross-worker call on behalf of
// this worker. The timeout is mandatory; expiry surfaces inproc.ErrTimeout.
func (w *Worker) RequestAndWait(ctx context.Context, recipient string, payload map[string]any, priority domain.Priority, timeout time.Duration) (domain.Envelope, error) {
	return w.mesh.RequestAndWait(ctx, w.id, recipient, payload, priority, timeout)
}
