// Package events carries settlement state changes to observers after the
// change has committed. Delivery is best effort: a failing sink never
// affects settlement state.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/mbd888/settlement/internal/dbtx"
	"github.com/mbd888/settlement/internal/idgen"
)

// Type names a settlement event. It doubles as the NATS subject suffix.
type Type string

const (
	EscrowCreated   Type = "escrow.created"
	EscrowFunded    Type = "escrow.funded"
	EscrowConfirmed Type = "escrow.confirmed"
	EscrowReleased  Type = "escrow.released"
	EscrowRefunded  Type = "escrow.refunded"
	EscrowDisputed  Type = "escrow.disputed"

	DisputeCreated          Type = "dispute.created"
	DisputeResponded        Type = "dispute.responded"
	DisputeMediatorAssigned Type = "dispute.mediator_assigned"
	DisputeEvidenceAdded    Type = "dispute.evidence_added"
	DisputeEscalated        Type = "dispute.escalated"
	DisputeResolved         Type = "dispute.resolved"
	DisputeClosed           Type = "dispute.closed"

	SettlementCompleted Type = "settlement.completed"
)

// Event is one state change.
type Event struct {
	ID            string         `json:"id"`
	Type          Type           `json:"type"`
	TransactionID string         `json:"transactionId"`
	EscrowID      string         `json:"escrowId,omitempty"`
	DisputeID     string         `json:"disputeId,omitempty"`
	ActorID       string         `json:"actorId,omitempty"`
	Status        string         `json:"status,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
	OccurredAt    time.Time      `json:"occurredAt"`
}

// Notifier accepts events for asynchronous delivery. Notify must not block
// on downstream systems.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// Sink is one delivery target.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, ev Event) error
}

// Emit hands ev to n once the unit of work in ctx commits. Events of a
// rolled-back unit are dropped.
func Emit(ctx context.Context, n Notifier, ev Event) {
	if n == nil {
		return
	}
	if ev.ID == "" {
		ev.ID = idgen.New()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	dbtx.AfterCommit(ctx, func() { n.Notify(ctx, ev) })
}

// Nop discards events.
type Nop struct{}

func (Nop) Notify(context.Context, Event) {}

// Recorder keeps events in memory. It is a Notifier and a Sink.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Notify(_ context.Context, ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *Recorder) Name() string { return "recorder" }

func (r *Recorder) Deliver(ctx context.Context, ev Event) error {
	r.Notify(ctx, ev)
	return nil
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []Type {
	evs := r.Events()
	out := make([]Type, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}
