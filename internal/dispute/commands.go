package dispute

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/settlement/internal/apperr"
	"github.com/mbd888/settlement/internal/events"
	"github.com/mbd888/settlement/internal/idgen"
	"github.com/mbd888/settlement/internal/resolution"
)

// Actor is the caller of a command.
type Actor struct {
	UserID string
	// Staff marks mediators and admins, who may act on any dispute.
	Staff bool
}

// Command is one mutation of a dispute. apply checks the command against
// the freshly read dispute and mutates it in place; it has no side effects
// beyond d.
type Command interface {
	apply(d *Dispute, actor Actor, now time.Time) (events.Type, error)
}

// Respond is the respondent's answer to an open dispute.
type Respond struct {
	Response string
	Evidence []EvidenceInput
}

func (c Respond) apply(d *Dispute, actor Actor, now time.Time) (events.Type, error) {
	if actor.UserID != d.RespondentID {
		return "", apperr.WithState(apperr.Unauthorized, "dispute", d.ID, string(d.Status),
			"only the respondent can respond")
	}
	if d.Status != StatusOpen {
		return "", stateErr(d, "dispute is not awaiting a response")
	}
	d.Status = StatusInvestigating
	appendEvidence(d, actor.UserID, now, c.Evidence...)
	d.Communication.Append(Message{SenderID: actor.UserID, Body: c.Response, SentAt: now})
	d.Timeline.Append(TimelineEntry{Action: ActionResponded, ActorID: actor.UserID, At: now, Details: c.Response})
	return events.DisputeResponded, nil
}

// AssignMediator hands the dispute to a mediator. Reassignment is allowed
// until the dispute is escalated.
type AssignMediator struct {
	MediatorID string
}

func (c AssignMediator) apply(d *Dispute, actor Actor, now time.Time) (events.Type, error) {
	switch d.Status {
	case StatusOpen, StatusInvestigating, StatusMediation:
	default:
		return "", stateErr(d, "dispute can no longer be mediated")
	}
	if c.MediatorID == d.SubmitterID || c.MediatorID == d.RespondentID {
		return "", apperr.Invalid("mediatorId", "must not be a party to the dispute")
	}
	d.Status = StatusMediation
	d.AssignedMediatorID = c.MediatorID
	if d.MediationStartedAt == nil {
		d.MediationStartedAt = &now
	}
	d.Timeline.Append(TimelineEntry{Action: ActionMediatorAssigned, ActorID: actor.UserID, At: now,
		Details: "mediator " + c.MediatorID})
	return events.DisputeMediatorAssigned, nil
}

// AddEvidence attaches evidence without changing the status.
type AddEvidence struct {
	Evidence EvidenceInput
}

func (c AddEvidence) apply(d *Dispute, actor Actor, now time.Time) (events.Type, error) {
	if !actor.Staff && !d.IsParty(actor.UserID) && actor.UserID != d.AssignedMediatorID {
		return "", apperr.WithState(apperr.Unauthorized, "dispute", d.ID, string(d.Status),
			"only the parties or the mediator can add evidence")
	}
	if !d.Status.IsActive() {
		return "", stateErr(d, "dispute is no longer active")
	}
	appendEvidence(d, actor.UserID, now, c.Evidence)
	d.Timeline.Append(TimelineEntry{Action: ActionEvidenceAdded, ActorID: actor.UserID, At: now,
		Details: c.Evidence.Description})
	return events.DisputeEvidenceAdded, nil
}

// Escalate moves an active dispute to arbitration.
type Escalate struct {
	Reason string
}

func (c Escalate) apply(d *Dispute, actor Actor, now time.Time) (events.Type, error) {
	if !d.Status.IsActive() || d.Status == StatusArbitration {
		return "", stateErr(d, "dispute cannot be escalated")
	}
	d.Status = StatusArbitration
	d.Priority = d.Priority.AtLeast(PriorityHigh)
	d.EscalatedAt = &now
	d.Timeline.Append(TimelineEntry{Action: ActionEscalated, ActorID: actor.UserID, At: now, Details: c.Reason})
	return events.DisputeEscalated, nil
}

// Resolve records the verdict. The escrow side of the outcome is applied
// by the coordinator in the same unit of work.
type Resolve struct {
	Verdict            string
	ResolutionType     resolution.Type
	CompensationAmount decimal.NullDecimal
	AgreedSolution     string
}

func (c Resolve) validate() error {
	if strings.TrimSpace(c.Verdict) == "" {
		return apperr.Invalid("verdict", "is required")
	}
	if _, err := resolution.Map(c.ResolutionType); err != nil {
		return err
	}
	if c.CompensationAmount.Valid && c.CompensationAmount.Decimal.IsNegative() {
		return apperr.Invalid("compensationAmount", "must not be negative")
	}
	return nil
}

func (c Resolve) apply(d *Dispute, actor Actor, now time.Time) (events.Type, error) {
	if err := c.validate(); err != nil {
		return "", err
	}
	if !d.Status.IsActive() {
		return "", stateErr(d, "dispute is already resolved")
	}
	d.Status = StatusResolved
	d.ResolvedAt = &now
	d.Verdict = c.Verdict
	d.ResolutionType = c.ResolutionType
	d.CompensationAmount = c.CompensationAmount
	d.AgreedSolution = c.AgreedSolution
	d.Timeline.Append(TimelineEntry{Action: ActionResolved, ActorID: actor.UserID, At: now,
		Details: string(c.ResolutionType) + ": " + c.Verdict})
	return events.DisputeResolved, nil
}

// Close ends a resolved dispute.
type Close struct{}

func (Close) apply(d *Dispute, actor Actor, now time.Time) (events.Type, error) {
	if d.Status != StatusResolved {
		return "", stateErr(d, "only a resolved dispute can be closed")
	}
	d.Status = StatusClosed
	d.ClosedAt = &now
	d.Timeline.Append(TimelineEntry{Action: ActionClosed, ActorID: actor.UserID, At: now})
	return events.DisputeClosed, nil
}

func appendEvidence(d *Dispute, userID string, now time.Time, in ...EvidenceInput) {
	for _, e := range in {
		kind := e.Kind
		if kind == "" {
			kind = "text"
		}
		d.Evidence.Append(Evidence{
			ID:          idgen.New(),
			SubmittedBy: userID,
			Kind:        kind,
			Description: e.Description,
			Content:     e.Content,
			SubmittedAt: now,
		})
	}
}

func stateErr(d *Dispute, msg string) error {
	return apperr.WithState(apperr.InvalidState, "dispute", d.ID, string(d.Status), msg)
}
