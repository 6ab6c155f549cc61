package inproc

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"missionmesh/internal/domain"
)

// ErrTimeout is returned by RequestAndWait when no correlated response
// arrives within the deadline.
var ErrTimeout = errors.New("request timed out")

const defaultRequestTimeout = 30 * time.Second

// Guard is an optional synchronous pre-check consulted before a request is
// delivered. A denial drops the envelope; it is never fatal to the bus.
type Guard interface {
	CheckDelivery(ctx context.Context, env domain.Envelope) (bool, string, error)
}

// Mailbox holds undelivered envelopes for one worker, ordered by priority
// then arrival. Receive picks the highest priority at call time, so a
// high-priority envelope published after a low-priority one overtakes it as
// long as the low one has not been consumed yet.
type Mailbox struct {
	mu     sync.Mutex
	queues [domain.NumPriorities][]domain.Envelope
	notify chan struct{}
	done   chan struct{}
	closed bool
}

func newMailbox() *Mailbox {
	return &Mailbox{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (m *Mailbox) enqueue(env domain.Envelope) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	idx := int(env.Priority)
	if idx < 0 || idx >= domain.NumPriorities {
		idx = int(domain.PriorityNormal)
	}
	m.queues[idx] = append(m.queues[idx], env)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *Mailbox) pop() (domain.Envelope, bool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for p := domain.NumPriorities - 1; p >= 0; p-- {
		if len(m.queues[p]) == 0 {
			continue
		}
		env := m.queues[p][0]
		m.queues[p] = m.queues[p][1:]
		return env, true, m.closed
	}
	return domain.Envelope{}, false, m.closed
}

// Receive blocks until an envelope is available, the mailbox is closed, or
// ctx is done. The second return is false when no more envelopes will arrive.
func (m *Mailbox) Receive(ctx context.Context) (domain.Envelope, bool) {
	for {
		env, ok, closed := m.pop()
		if ok {
			return env, true
		}
		if closed {
			return domain.Envelope{}, false
		}
		select {
		case <-ctx.Done():
			return domain.Envelope{}, false
		case <-m.done:
			// Drain anything enqueued before close.
			if env, ok, _ := m.pop(); ok {
				return env, true
			}
			return domain.Envelope{}, false
		case <-m.notify:
		}
	}
}

// Len reports the number of undelivered envelopes.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for p := range m.queues {
		n += len(m.queues[p])
	}
	return n
}

func (m *Mailbox) close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()
	close(m.done)
}

// Bus is the in-process addressed messaging substrate: one priority mailbox
// per registered worker, broadcast fan-out and correlated request/response.
type Bus struct {
	mu      sync.RWMutex
	boxes   map[string]*Mailbox
	workers map[string]domain.WorkerInfo

	waitMu  sync.Mutex
	waiters map[string]chan domain.Envelope

	guard  Guard
	logger *log.Logger
}

func New(logger *log.Logger) *Bus {
	if logger == nil {
		logger = log.Default()
	}
	return &Bus{
		boxes:   make(map[string]*Mailbox),
		workers: make(map[string]domain.WorkerInfo),
		waiters: make(map[string]chan domain.Envelope),
		logger:  logger,
	}
}

// SetGuard installs the delivery guard. Must be called before workers start.
func (b *Bus) SetGuard(g Guard) {
	b.guard = g
}

// Register creates an empty mailbox and records the worker identity.
// Registering an already-known id returns the existing mailbox.
func (b *Bus) Register(info domain.WorkerInfo) *Mailbox {
	b.mu.Lock()
	defer b.mu.Unlock()

	if box, ok := b.boxes[info.ID]; ok {
		return box
	}
	if info.Status == "" {
		info.Status = domain.WorkerInitializing
	}
	box := newMailbox()
	b.boxes[info.ID] = box
	b.workers[info.ID] = info
	return box
}

func (b *Bus) Unregister(workerID string) {
	b.mu.Lock()
	box, ok := b.boxes[workerID]
	if ok {
		delete(b.boxes, workerID)
		delete(b.workers, workerID)
	}
	b.mu.Unlock()
	if ok {
		box.close()
	}
}

func (b *Bus) SetWorkerStatus(workerID string, status domain.WorkerStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	info, ok := b.workers[workerID]
	if !ok {
		return
	}
	info.Status = status
	b.workers[workerID] = info
}

// Worker returns the registered identity for one worker id.
func (b *Bus) Worker(workerID string) (domain.WorkerInfo, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	info, ok := b.workers[workerID]
	return info, ok
}

// Workers returns a snapshot of all registered identities, sorted by id.
func (b *Bus) Workers() []domain.WorkerInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]domain.WorkerInfo, 0, len(b.workers))
	for _, info := range b.workers {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Publish enqueues an envelope into the recipient's mailbox, or into every
// mailbox when the recipient is the broadcast address. Publishing to an
// unregistered recipient is a logged, non-fatal no-op. A response whose
// correlation id has a registered waiter is handed to the waiter directly
// and never enters a mailbox.
func (b *Bus) Publish(ctx context.Context, env domain.Envelope) error {
	if env.Recipient == "" {
		return fmt.Errorf("envelope has no recipient")
	}
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.CreatedAt.IsZero() {
		env.CreatedAt = time.Now().UTC()
	}

	if env.Kind == domain.KindResponse && env.CorrelationID != "" {
		if b.deliverToWaiter(env) {
			return nil
		}
	}

	if env.Recipient == domain.Broadcast {
		b.mu.RLock()
		boxes := make([]*Mailbox, 0, len(b.boxes))
		ids := make([]string, 0, len(b.boxes))
		for id, box := range b.boxes {
			boxes = append(boxes, box)
			ids = append(ids, id)
		}
		b.mu.RUnlock()
		for i, box := range boxes {
			fanned := env
			fanned.Recipient = ids[i]
			if !b.allowDelivery(ctx, fanned) {
				continue
			}
			box.enqueue(fanned)
		}
		return nil
	}

	b.mu.RLock()
	box, ok := b.boxes[env.Recipient]
	b.mu.RUnlock()
	if !ok {
		b.logger.Printf("dropped envelope to unknown recipient=%s kind=%s from=%s", env.Recipient, env.Kind, env.Sender)
		return nil
	}
	if !b.allowDelivery(ctx, env) {
		return nil
	}
	box.enqueue(env)
	return nil
}

// allowDelivery consults the guard for requests. Guard errors fail open so a
// broken guard store cannot stall the whole substrate.
func (b *Bus) allowDelivery(ctx context.Context, env domain.Envelope) bool {
	if b.guard == nil || env.Kind != domain.KindRequest {
		return true
	}
	allowed, reason, err := b.guard.CheckDelivery(ctx, env)
	if err != nil {
		b.logger.Printf("guard check failed from=%s to=%s: %v", env.Sender, env.Recipient, err)
		return true
	}
	if !allowed {
		b.logger.Printf("guard denied delivery from=%s to=%s kind=%s reason=%s", env.Sender, env.Recipient, env.Kind, reason)
		return false
	}
	return true
}

func (b *Bus) deliverToWaiter(env domain.Envelope) bool {
	b.waitMu.Lock()
	ch, ok := b.waiters[env.CorrelationID]
	if ok {
		delete(b.waiters, env.CorrelationID)
	}
	b.waitMu.Unlock()
	if !ok {
		return false
	}
	ch <- env
	return true
}

func (b *Bus) addWaiter(correlationID string) chan domain.Envelope {
	ch := make(chan domain.Envelope, 1)
	b.waitMu.Lock()
	b.waiters[correlationID] = ch
	b.waitMu.Unlock()
	return ch
}

func (b *Bus) removeWaiter(correlationID string) {
	b.waitMu.Lock()
	delete(b.waiters, correlationID)
	b.waitMu.Unlock()
}

// RequestAndWait publishes a request with a fresh correlation id and blocks
// the caller until a response bearing that id arrives, the timeout elapses
// (ErrTimeout), or ctx is done. Only the calling goroutine suspends.
func (b *Bus) RequestAndWait(
	ctx context.Context,
	sender string,
	recipient string,
	payload map[string]any,
	priority domain.Priority,
	timeout time.Duration,
) (domain.Envelope, error) {
	return b.publishAndWait(ctx, domain.Envelope{
		Sender:    sender,
		Recipient: recipient,
		Kind:      domain.KindRequest,
		Priority:  priority,
		Payload:   payload,
	}, timeout)
}

// Heartbeat sends a heartbeat envelope and waits for the worker's
// status/capability response on the same correlation machinery.
func (b *Bus) Heartbeat(ctx context.Context, sender, recipient string, timeout time.Duration) (domain.Envelope, error) {
	return b.publishAndWait(ctx, domain.Envelope{
		Sender:    sender,
		Recipient: recipient,
		Kind:      domain.KindHeartbeat,
		Priority:  domain.PriorityHigh,
	}, timeout)
}

func (b *Bus) publishAndWait(ctx context.Context, env domain.Envelope, timeout time.Duration) (domain.Envelope, error) {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	env.ID = uuid.NewString()
	env.CorrelationID = uuid.NewString()
	env.CreatedAt = time.Now().UTC()

	ch := b.addWaiter(env.CorrelationID)
	defer b.removeWaiter(env.CorrelationID)

	if err := b.Publish(ctx, env); err != nil {
		return domain.Envelope{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		return domain.Envelope{}, fmt.Errorf("request from %s to %s: %w", env.Sender, env.Recipient, ErrTimeout)
	case <-ctx.Done():
		return domain.Envelope{}, ctx.Err()
	}
}
