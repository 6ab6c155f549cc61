// Package policy implements the delivery guard the bus consults before
// handing a request to its recipient's mailbox. Rules are stored in the
// sqlite store; deny rules override, absence of rules allows.
package policy

import (
	"context"
	"time"

	"missionmesh/internal/domain"
)

type Store interface {
	CheckGuardRules(ctx context.Context, sender, recipient string, kind domain.MessageKind, now time.Time) (bool, string, error)
}

type Engine struct {
	store Store
}

func New(store Store) *Engine {
	return &Engine{store: store}
}

func (e *Engine) CheckDelivery(ctx context.Context, env domain.Envelope) (bool, string, error) {
	// The orchestrator must always reach its workers.
	if env.Sender == "orchestrator" {
		return true, "orchestrator privileged sender", nil
	}
	return e.store.CheckGuardRules(ctx, env.Sender, env.Recipient, env.Kind, time.Now().UTC())
}
