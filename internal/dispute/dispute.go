// Package dispute coordinates disputes raised against a sale. An active
// dispute holds the sale's escrow; resolving it drives the escrow into the
// outcome of the chosen resolution type.
package dispute

import (
	"context"
	"encoding/json"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/settlement/internal/pagination"
	"github.com/mbd888/settlement/internal/resolution"
)

// Status represents the state of a dispute.
type Status string

const (
	StatusOpen          Status = "open"
	StatusInvestigating Status = "investigating" // Respondent has answered
	StatusMediation     Status = "mediation"     // Mediator assigned
	StatusArbitration   Status = "arbitration"   // Escalated
	StatusResolved      Status = "resolved"
	StatusClosed        Status = "closed"
)

// IsActive reports whether the dispute still holds the sale.
func (s Status) IsActive() bool {
	switch s {
	case StatusOpen, StatusInvestigating, StatusMediation, StatusArbitration:
		return true
	}
	return false
}

// Priority orders the mediation queue.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

var priorityRank = map[Priority]int{PriorityLow: 0, PriorityNormal: 1, PriorityHigh: 2, PriorityUrgent: 3}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	_, ok := priorityRank[p]
	return ok
}

// AtLeast returns the higher of p and floor.
func (p Priority) AtLeast(floor Priority) Priority {
	if priorityRank[p] >= priorityRank[floor] {
		return p
	}
	return floor
}

// Type is what the dispute is about.
type Type string

const (
	TypeNotDelivered   Type = "not_delivered"
	TypeNotAsDescribed Type = "not_as_described"
	TypeQualityIssue   Type = "quality_issue"
	TypeUnauthorized   Type = "unauthorized_transfer"
	TypeOther          Type = "other"
)

// Types lists the accepted dispute types.
var Types = []Type{TypeNotDelivered, TypeNotAsDescribed, TypeQualityIssue, TypeUnauthorized, TypeOther}

// Valid reports whether t is an accepted dispute type.
func (t Type) Valid() bool {
	return slices.Contains(Types, t)
}

// Timeline actions.
const (
	ActionCreated          = "dispute_created"
	ActionResponded        = "response_submitted"
	ActionMediatorAssigned = "mediator_assigned"
	ActionEvidenceAdded    = "evidence_added"
	ActionEscalated        = "escalated_to_arbitration"
	ActionResolved         = "dispute_resolved"
	ActionClosed           = "dispute_closed"
)

// EvidenceInput is evidence as submitted by a caller.
type EvidenceInput struct {
	Kind        string `json:"kind"` // text, url or file
	Description string `json:"description"`
	Content     string `json:"content"`
}

// Evidence is a recorded evidence item.
type Evidence struct {
	ID          string    `json:"id"`
	SubmittedBy string    `json:"submittedBy"`
	Kind        string    `json:"kind"`
	Description string    `json:"description,omitempty"`
	Content     string    `json:"content"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// TimelineEntry records one action on the dispute.
type TimelineEntry struct {
	Action  string    `json:"action"`
	ActorID string    `json:"actorId"`
	At      time.Time `json:"timestamp"`
	Details string    `json:"details,omitempty"`
}

// Message is one entry of the communication log.
type Message struct {
	SenderID string    `json:"senderId"`
	Body     string    `json:"body"`
	SentAt   time.Time `json:"sentAt"`
}

// Log is an append-only list kept in insertion order.
type Log[T any] struct {
	entries []T
}

// Append adds entries at the end of the log.
func (l *Log[T]) Append(entries ...T) {
	l.entries = append(l.entries, entries...)
}

// Entries returns a copy of the log.
func (l Log[T]) Entries() []T {
	return slices.Clone(l.entries)
}

// Len returns the number of entries.
func (l Log[T]) Len() int { return len(l.entries) }

// Last returns the most recent entry.
func (l Log[T]) Last() (T, bool) {
	var zero T
	if len(l.entries) == 0 {
		return zero, false
	}
	return l.entries[len(l.entries)-1], true
}

func (l Log[T]) clone() Log[T] {
	return Log[T]{entries: slices.Clone(l.entries)}
}

func (l Log[T]) MarshalJSON() ([]byte, error) {
	if l.entries == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(l.entries)
}

func (l *Log[T]) UnmarshalJSON(b []byte) error {
	return json.Unmarshal(b, &l.entries)
}

// Dispute is a disagreement over one sale.
type Dispute struct {
	ID                 string              `json:"id"`
	TransactionID      string              `json:"transactionId"`
	EscrowID           string              `json:"escrowId"`
	SubmitterID        string              `json:"submitterId"`
	RespondentID       string              `json:"respondentId"`
	Type               Type                `json:"disputeType"`
	Title              string              `json:"title"`
	Description        string              `json:"description,omitempty"`
	Priority           Priority            `json:"priority"`
	Status             Status              `json:"status"`
	Evidence           Log[Evidence]       `json:"evidence"`
	Timeline           Log[TimelineEntry]  `json:"timeline"`
	Communication      Log[Message]        `json:"communicationLog"`
	Verdict            string              `json:"verdict,omitempty"`
	ResolutionType     resolution.Type     `json:"resolutionType,omitempty"`
	CompensationAmount decimal.NullDecimal `json:"compensationAmount"`
	AgreedSolution     string              `json:"agreedSolution,omitempty"`
	AssignedMediatorID string              `json:"assignedMediatorId,omitempty"`
	MediationStartedAt *time.Time          `json:"mediationStartedAt,omitempty"`
	EscalatedAt        *time.Time          `json:"escalatedAt,omitempty"`
	ResolvedAt         *time.Time          `json:"resolvedAt,omitempty"`
	ClosedAt           *time.Time          `json:"closedAt,omitempty"`
	CreatedAt          time.Time           `json:"createdAt"`
	UpdatedAt          time.Time           `json:"updatedAt"`
}

// IsParty reports whether userID is the submitter or the respondent.
func (d *Dispute) IsParty(userID string) bool {
	return userID != "" && (userID == d.SubmitterID || userID == d.RespondentID)
}

// clone returns a copy that shares no log storage with d.
func (d *Dispute) clone() *Dispute {
	cp := *d
	cp.Evidence = d.Evidence.clone()
	cp.Timeline = d.Timeline.clone()
	cp.Communication = d.Communication.clone()
	return &cp
}

// Store persists disputes. Writes join the unit of work in ctx.
type Store interface {
	// Create fails with apperr.Conflict if the transaction already has an
	// active dispute.
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	Update(ctx context.Context, d *Dispute) error
	GetActiveByTransaction(ctx context.Context, transactionID string) (*Dispute, error)
	// ListByTransaction returns the transaction's disputes, oldest first.
	ListByTransaction(ctx context.Context, transactionID string) ([]*Dispute, error)
	// ListByMediator returns disputes assigned to mediatorID ordered by
	// creation, starting after the cursor. It fetches up to limit rows.
	ListByMediator(ctx context.Context, mediatorID string, after *pagination.Cursor, limit int) ([]*Dispute, error)
}
