package dispute

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/mbd888/settlement/internal/apperr"
	"github.com/mbd888/settlement/internal/dbtx"
	"github.com/mbd888/settlement/internal/escrow"
	"github.com/mbd888/settlement/internal/events"
	"github.com/mbd888/settlement/internal/idgen"
	"github.com/mbd888/settlement/internal/logging"
	"github.com/mbd888/settlement/internal/marketplace"
	"github.com/mbd888/settlement/internal/metrics"
	"github.com/mbd888/settlement/internal/pagination"
	"github.com/mbd888/settlement/internal/resolution"
	"github.com/mbd888/settlement/internal/traces"
)

// MaxPageSize bounds ListAssigned.
const MaxPageSize = 100

// EscrowLedger is the part of the escrow ledger a dispute drives.
type EscrowLedger interface {
	GetEscrowByTransaction(ctx context.Context, transactionID string) (*escrow.Account, error)
	MarkDisputed(ctx context.Context, escrowID string) (*escrow.Account, error)
	ApplyResolution(ctx context.Context, escrowID string, outcome resolution.Outcome) (*escrow.Account, error)
}

// CreateRequest contains the parameters for opening a dispute.
type CreateRequest struct {
	TransactionID string
	SubmitterID   string
	Type          Type
	Title         string
	Description   string
	Evidence      []EvidenceInput
	// Priority defaults to normal.
	Priority Priority
}

// Parties is display metadata for the people on a dispute. Unknown users
// are left nil.
type Parties struct {
	Submitter  *marketplace.User `json:"submitter,omitempty"`
	Respondent *marketplace.User `json:"respondent,omitempty"`
	Mediator   *marketplace.User `json:"mediator,omitempty"`
}

// Coordinator runs the dispute lifecycle. It shares the per-transaction
// guard with the escrow ledger, so a resolution and the escrow outcome it
// drives commit as one unit.
type Coordinator struct {
	store        Store
	transactions marketplace.TransactionStore
	users        marketplace.UserDirectory
	ledger       EscrowLedger
	guard        *dbtx.Guard
	notifier     events.Notifier
	now          func() time.Time
}

// NewCoordinator creates a new dispute coordinator.
func NewCoordinator(store Store, transactions marketplace.TransactionStore, users marketplace.UserDirectory, ledger EscrowLedger, guard *dbtx.Guard, notifier events.Notifier) *Coordinator {
	if notifier == nil {
		notifier = events.Nop{}
	}
	return &Coordinator{
		store:        store,
		transactions: transactions,
		users:        users,
		ledger:       ledger,
		guard:        guard,
		notifier:     notifier,
		now:          time.Now,
	}
}

// CreateDispute opens a dispute against a transaction and holds its escrow.
func (c *Coordinator) CreateDispute(ctx context.Context, req CreateRequest) (d *Dispute, err error) {
	ctx, span := traces.StartSpan(ctx, "dispute.CreateDispute",
		traces.TransactionID(req.TransactionID), traces.UserID(req.SubmitterID))
	defer func() { traces.End(span, err) }()

	if req.Priority == "" {
		req.Priority = PriorityNormal
	}
	if err := validateCreate(req); err != nil {
		return nil, err
	}
	ctx = logging.With(ctx, "transaction_id", req.TransactionID)

	err = c.guard.Do(ctx, req.TransactionID, func(ctx context.Context) error {
		tx, err := c.transactions.GetTransactionForUpdate(ctx, req.TransactionID)
		if err != nil {
			return err
		}
		respondent := tx.Counterparty(req.SubmitterID)
		if respondent == "" {
			return apperr.New(apperr.Unauthorized, "dispute", "", "only the buyer or the seller can open a dispute")
		}

		active, err := c.store.GetActiveByTransaction(ctx, tx.ID)
		switch {
		case err == nil:
			return apperr.WithState(apperr.Conflict, "dispute", active.ID, string(active.Status),
				"transaction already has an active dispute")
		case !errors.Is(err, apperr.NotFound):
			return err
		}

		acct, err := c.ledger.GetEscrowByTransaction(ctx, tx.ID)
		if errors.Is(err, apperr.NotFound) {
			return apperr.WithState(apperr.InvalidState, "transaction", tx.ID, string(tx.Status),
				"transaction has no escrow to dispute")
		}
		if err != nil {
			return err
		}

		now := c.now()
		d = &Dispute{
			ID:            idgen.DisputeID(),
			TransactionID: tx.ID,
			EscrowID:      acct.ID,
			SubmitterID:   req.SubmitterID,
			RespondentID:  respondent,
			Type:          req.Type,
			Title:         req.Title,
			Description:   req.Description,
			Priority:      req.Priority,
			Status:        StatusOpen,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		appendEvidence(d, req.SubmitterID, now, req.Evidence...)
		d.Timeline.Append(TimelineEntry{Action: ActionCreated, ActorID: req.SubmitterID, At: now, Details: req.Title})
		if req.Description != "" {
			d.Communication.Append(Message{SenderID: req.SubmitterID, Body: req.Description, SentAt: now})
		}

		if err := c.store.Create(ctx, d); err != nil {
			return err
		}
		if _, err := c.ledger.MarkDisputed(ctx, acct.ID); err != nil {
			return err
		}
		c.record(ctx, d, events.DisputeCreated, req.SubmitterID)
		return nil
	})
	if err != nil {
		return nil, err
	}

	logging.L(ctx).Info("dispute opened",
		"dispute_id", d.ID,
		"escrow_id", d.EscrowID,
		"dispute_type", string(d.Type),
		"priority", string(d.Priority),
	)
	return d, nil
}

func validateCreate(req CreateRequest) error {
	switch {
	case req.TransactionID == "":
		return apperr.Invalid("transactionId", "is required")
	case req.SubmitterID == "":
		return apperr.Invalid("submitterId", "is required")
	case !req.Type.Valid():
		return apperr.Invalid("disputeType", "is not a known dispute type")
	case strings.TrimSpace(req.Title) == "":
		return apperr.Invalid("title", "is required")
	case !req.Priority.Valid():
		return apperr.Invalid("priority", "must be low, normal, high or urgent")
	}
	return nil
}

// RespondToDispute records the respondent's answer and moves the dispute
// into investigation.
func (c *Coordinator) RespondToDispute(ctx context.Context, disputeID, respondentID, response string, evidence []EvidenceInput) (*Dispute, error) {
	if strings.TrimSpace(response) == "" {
		return nil, apperr.Invalid("response", "is required")
	}
	return c.execute(ctx, "dispute.RespondToDispute", disputeID, Actor{UserID: respondentID},
		Respond{Response: response, Evidence: evidence}, nil)
}

// AssignMediator puts the dispute into mediation with mediatorID.
func (c *Coordinator) AssignMediator(ctx context.Context, disputeID, actorID, mediatorID string) (*Dispute, error) {
	if mediatorID == "" {
		return nil, apperr.Invalid("mediatorId", "is required")
	}
	return c.execute(ctx, "dispute.AssignMediator", disputeID, Actor{UserID: actorID, Staff: true},
		AssignMediator{MediatorID: mediatorID}, nil)
}

// AddEvidence attaches evidence to an active dispute.
func (c *Coordinator) AddEvidence(ctx context.Context, disputeID string, actor Actor, ev EvidenceInput) (*Dispute, error) {
	if strings.TrimSpace(ev.Content) == "" {
		return nil, apperr.Invalid("content", "is required")
	}
	return c.execute(ctx, "dispute.AddEvidence", disputeID, actor, AddEvidence{Evidence: ev}, nil)
}

// EscalateToArbitration moves the dispute to arbitration and raises its
// priority to at least high.
func (c *Coordinator) EscalateToArbitration(ctx context.Context, disputeID, actorID, reason string) (*Dispute, error) {
	return c.execute(ctx, "dispute.EscalateToArbitration", disputeID, Actor{UserID: actorID, Staff: true},
		Escalate{Reason: reason}, nil)
}

// ResolveDispute records the verdict and applies its outcome to the
// escrow and the transaction in the same unit of work.
func (c *Coordinator) ResolveDispute(ctx context.Context, disputeID, actorID string, cmd Resolve) (*Dispute, error) {
	if err := cmd.validate(); err != nil {
		return nil, err
	}
	outcome, err := resolution.Map(cmd.ResolutionType)
	if err != nil {
		return nil, err
	}
	return c.execute(ctx, "dispute.ResolveDispute", disputeID, Actor{UserID: actorID, Staff: true}, cmd,
		func(ctx context.Context, d *Dispute) error {
			if _, err := c.ledger.ApplyResolution(ctx, d.EscrowID, outcome); err != nil {
				return err
			}
			typ := string(outcome.Type)
			dbtx.AfterCommit(ctx, func() { metrics.ResolutionOutcomesTotal.WithLabelValues(typ).Inc() })
			logging.L(ctx).Info("dispute resolved",
				"resolution_type", typ,
				"escrow_action", string(outcome.Action),
				"transaction_status", string(outcome.TransactionStatus),
			)
			return nil
		})
}

// CloseDispute ends a resolved dispute.
func (c *Coordinator) CloseDispute(ctx context.Context, disputeID, actorID string) (*Dispute, error) {
	return c.execute(ctx, "dispute.CloseDispute", disputeID, Actor{UserID: actorID, Staff: true}, Close{}, nil)
}

// GetDispute returns a dispute.
func (c *Coordinator) GetDispute(ctx context.Context, disputeID string) (*Dispute, error) {
	return c.store.Get(ctx, disputeID)
}

// ListByTransaction returns every dispute of a transaction, closed ones
// included.
func (c *Coordinator) ListByTransaction(ctx context.Context, transactionID string) ([]*Dispute, error) {
	return c.store.ListByTransaction(ctx, transactionID)
}

// ListAssigned pages through the disputes assigned to a mediator.
func (c *Coordinator) ListAssigned(ctx context.Context, mediatorID, cursor string, limit int) ([]*Dispute, string, bool, error) {
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", false, apperr.Invalid("cursor", "is malformed")
	}
	limit = pagination.Clamp(limit, MaxPageSize)
	items, err := c.store.ListByMediator(ctx, mediatorID, after, limit+1)
	if err != nil {
		return nil, "", false, err
	}
	page, next, more := pagination.ComputePage(items, limit, func(d *Dispute) (time.Time, string) {
		return d.CreatedAt, d.ID
	})
	return page, next, more, nil
}

// Parties resolves display metadata for the dispute's participants.
func (c *Coordinator) Parties(ctx context.Context, d *Dispute) (Parties, error) {
	var p Parties
	for _, f := range []struct {
		id  string
		dst **marketplace.User
	}{
		{d.SubmitterID, &p.Submitter},
		{d.RespondentID, &p.Respondent},
		{d.AssignedMediatorID, &p.Mediator},
	} {
		if f.id == "" {
			continue
		}
		u, err := c.users.GetUser(ctx, f.id)
		if errors.Is(err, apperr.NotFound) {
			continue
		}
		if err != nil {
			return Parties{}, err
		}
		*f.dst = u
	}
	return p, nil
}

// execute applies cmd under the transaction's guard to a dispute read
// inside the guard, then runs after in the same unit of work.
func (c *Coordinator) execute(ctx context.Context, op, disputeID string, actor Actor, cmd Command, after func(ctx context.Context, d *Dispute) error) (out *Dispute, err error) {
	ctx, span := traces.StartSpan(ctx, op, traces.DisputeID(disputeID), traces.UserID(actor.UserID))
	defer func() { traces.End(span, err) }()

	cur, err := c.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(traces.TransactionID(cur.TransactionID))
	ctx = logging.With(ctx, "transaction_id", cur.TransactionID, "dispute_id", cur.ID, "escrow_id", cur.EscrowID)

	err = c.guard.Do(ctx, cur.TransactionID, func(ctx context.Context) error {
		d, err := c.store.Get(ctx, disputeID)
		if err != nil {
			return err
		}
		now := c.now()
		typ, err := cmd.apply(d, actor, now)
		if err != nil {
			return err
		}
		d.UpdatedAt = now
		if err := c.store.Update(ctx, d); err != nil {
			return err
		}
		if after != nil {
			if err := after(ctx, d); err != nil {
				return err
			}
		}
		c.record(ctx, d, typ, actor.UserID)
		out = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// record counts the transition and emits its event after commit.
func (c *Coordinator) record(ctx context.Context, d *Dispute, typ events.Type, actor string) {
	status := string(d.Status)
	dbtx.AfterCommit(ctx, func() { metrics.DisputeTransitionsTotal.WithLabelValues(status).Inc() })
	data := map[string]any{
		"submitterId":  d.SubmitterID,
		"respondentId": d.RespondentID,
		"priority":     string(d.Priority),
	}
	if d.ResolutionType != "" {
		data["resolutionType"] = string(d.ResolutionType)
	}
	if d.AssignedMediatorID != "" {
		data["mediatorId"] = d.AssignedMediatorID
	}
	events.Emit(ctx, c.notifier, events.Event{
		Type:          typ,
		TransactionID: d.TransactionID,
		EscrowID:      d.EscrowID,
		DisputeID:     d.ID,
		ActorID:       actor,
		Status:        status,
		Data:          data,
	})
}
