package escrow

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/settlement/internal/apperr"
	"github.com/mbd888/settlement/internal/completion"
	"github.com/mbd888/settlement/internal/dbtx"
	"github.com/mbd888/settlement/internal/events"
	"github.com/mbd888/settlement/internal/idgen"
	"github.com/mbd888/settlement/internal/logging"
	"github.com/mbd888/settlement/internal/marketplace"
	"github.com/mbd888/settlement/internal/metrics"
	"github.com/mbd888/settlement/internal/resolution"
	"github.com/mbd888/settlement/internal/traces"
)

// Completer runs the completion steps for a settled sale.
type Completer interface {
	Run(ctx context.Context, tx *marketplace.Transaction) (*completion.Result, error)
}

// Options configures a Ledger.
type Options struct {
	// FeeRate is the share of the escrowed amount kept as escrow fee.
	FeeRate decimal.Decimal
	// DefaultAutoRelease applies when a request sets no window.
	DefaultAutoRelease time.Duration
}

// CreateRequest contains the parameters for opening an escrow.
type CreateRequest struct {
	TransactionID    string
	BuyerID          string
	SellerID         string
	Amount           decimal.Decimal
	AutoReleaseAfter time.Duration
	// RequiresBothParties defaults to true when nil.
	RequiresBothParties *bool
}

// Ledger implements the escrow lifecycle. Every mutation runs under the
// transaction's guard, re-reads the account, and commits together with the
// transaction status change and any completion work it triggers.
type Ledger struct {
	store        Store
	transactions marketplace.TransactionStore
	completer    Completer
	guard        *dbtx.Guard
	notifier     events.Notifier
	opts         Options
	now          func() time.Time
}

// NewLedger creates a new escrow ledger.
func NewLedger(store Store, transactions marketplace.TransactionStore, completer Completer, guard *dbtx.Guard, notifier events.Notifier, opts Options) *Ledger {
	if notifier == nil {
		notifier = events.Nop{}
	}
	if opts.DefaultAutoRelease <= 0 {
		opts.DefaultAutoRelease = DefaultAutoRelease
	}
	return &Ledger{
		store:        store,
		transactions: transactions,
		completer:    completer,
		guard:        guard,
		notifier:     notifier,
		opts:         opts,
		now:          time.Now,
	}
}

// CreateEscrow opens an escrow for a transaction that has not entered
// escrow yet. The fee is carved out of the requested amount.
func (l *Ledger) CreateEscrow(ctx context.Context, req CreateRequest) (acct *Account, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.CreateEscrow",
		traces.TransactionID(req.TransactionID), traces.Amount(req.Amount.String()))
	defer func() { traces.End(span, err) }()

	if err := validateCreate(req); err != nil {
		return nil, err
	}
	ctx = logging.With(ctx, "transaction_id", req.TransactionID)

	err = l.guard.Do(ctx, req.TransactionID, func(ctx context.Context) error {
		tx, err := l.transactions.GetTransactionForUpdate(ctx, req.TransactionID)
		if err != nil {
			return err
		}
		if tx.BuyerID != req.BuyerID || tx.SellerID != req.SellerID {
			return apperr.New(apperr.Validation, "escrow", "", "buyer and seller must match the transaction")
		}
		if req.Amount.GreaterThan(tx.SalePrice) {
			return apperr.Newf(apperr.Validation, "escrow", "", "amount %s exceeds sale price %s", req.Amount, tx.SalePrice)
		}

		active, err := l.store.GetActiveByTransaction(ctx, tx.ID)
		switch {
		case err == nil:
			return apperr.WithState(apperr.Conflict, "escrow", active.ID, string(active.Status),
				"transaction already has an active escrow")
		case !errors.Is(err, apperr.NotFound):
			return err
		}
		if !tx.Status.IsPreEscrow() {
			return apperr.WithState(apperr.InvalidState, "transaction", tx.ID, string(tx.Status),
				"transaction is not awaiting escrow")
		}

		window := req.AutoReleaseAfter
		if window == 0 {
			window = l.opts.DefaultAutoRelease
		}
		requiresBoth := true
		if req.RequiresBothParties != nil {
			requiresBoth = *req.RequiresBothParties
		}
		fee := req.Amount.Mul(l.opts.FeeRate).Round(2)
		now := l.now()
		acct = &Account{
			ID:                  idgen.EscrowID(),
			TransactionID:       tx.ID,
			BuyerID:             tx.BuyerID,
			SellerID:            tx.SellerID,
			EscrowAmount:        req.Amount.Sub(fee),
			EscrowFee:           fee,
			Status:              StatusCreated,
			RequiresBothParties: requiresBoth,
			AutoReleaseSeconds:  int64(window / time.Second),
			SecurityToken:       idgen.SecurityToken(),
			CreatedAt:           now,
			UpdatedAt:           now,
		}
		if err := l.store.Create(ctx, acct); err != nil {
			return err
		}
		if err := l.transactions.UpdateSettlement(ctx, tx.ID, marketplace.TxInEscrow, acct.ID); err != nil {
			return err
		}
		l.record(ctx, acct, events.EscrowCreated, req.BuyerID, map[string]any{
			"escrowAmount": acct.EscrowAmount.String(),
			"escrowFee":    acct.EscrowFee.String(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	logging.L(ctx).Info("escrow created",
		"escrow_id", acct.ID,
		"escrow_amount", acct.EscrowAmount.String(),
		"escrow_fee", acct.EscrowFee.String(),
	)
	return acct, nil
}

func validateCreate(req CreateRequest) error {
	switch {
	case req.TransactionID == "":
		return apperr.Invalid("transactionId", "is required")
	case req.BuyerID == "":
		return apperr.Invalid("buyerId", "is required")
	case req.SellerID == "":
		return apperr.Invalid("sellerId", "is required")
	case req.BuyerID == req.SellerID:
		return apperr.Invalid("sellerId", "must differ from buyerId")
	case !req.Amount.IsPositive():
		return apperr.Invalid("amount", "must be greater than zero")
	case req.AutoReleaseAfter < 0:
		return apperr.Invalid("autoReleaseAfter", "must not be negative")
	}
	return nil
}

// FundEscrow records that the buyer's payment is held.
func (l *Ledger) FundEscrow(ctx context.Context, escrowID string) (*Account, error) {
	return l.mutate(ctx, "escrow.FundEscrow", escrowID, func(ctx context.Context, acct *Account) error {
		if acct.Status != StatusCreated {
			return stateErr(acct, "escrow is not awaiting funds")
		}
		now := l.now()
		acct.Status = StatusFunded
		acct.FundedAt = &now
		acct.UpdatedAt = now
		if err := l.store.Update(ctx, acct); err != nil {
			return err
		}
		l.record(ctx, acct, events.EscrowFunded, "", nil)
		return nil
	})
}

// ConfirmDelivery records the buyer's delivery confirmation and releases
// the escrow once the confirmation stage is ready.
func (l *Ledger) ConfirmDelivery(ctx context.Context, escrowID, userID string) (*Account, error) {
	return l.confirm(ctx, "escrow.ConfirmDelivery", escrowID, userID, DeliveryConfirmed)
}

// ConfirmQuality records the buyer's quality approval and releases the
// escrow once the confirmation stage is ready.
func (l *Ledger) ConfirmQuality(ctx context.Context, escrowID, userID string) (*Account, error) {
	return l.confirm(ctx, "escrow.ConfirmQuality", escrowID, userID, QualityApproved)
}

func (l *Ledger) confirm(ctx context.Context, op, escrowID, userID string, flag Confirmation) (*Account, error) {
	return l.mutate(ctx, op, escrowID, func(ctx context.Context, acct *Account) error {
		if userID != acct.BuyerID {
			return apperr.WithState(apperr.Unauthorized, "escrow", acct.ID, string(acct.Status),
				"only the buyer can confirm")
		}
		if acct.Status != StatusFunded {
			return stateErr(acct, "escrow is not funded")
		}
		before := acct.Confirmation()
		after := before | flag
		if after == before {
			return nil
		}

		acct.setConfirmation(after)
		acct.UpdatedAt = l.now()
		if err := l.store.Update(ctx, acct); err != nil {
			return err
		}
		stage := after.Stage(acct.RequiresBothParties)
		l.record(ctx, acct, events.EscrowConfirmed, userID, map[string]any{
			"confirmation": flag.String(),
			"stage":        string(stage),
		})
		if stage == StageReady {
			return l.release(ctx, acct, ReasonConfirmed)
		}
		return nil
	})
}

// Release pays a funded escrow out to the seller and completes the sale.
// A disputed escrow is released only through a dispute resolution.
func (l *Ledger) Release(ctx context.Context, escrowID, reason string) (*Account, error) {
	if reason == "" {
		reason = ReasonManual
	}
	return l.mutate(ctx, "escrow.Release", escrowID, func(ctx context.Context, acct *Account) error {
		if acct.Status != StatusFunded {
			return stateErr(acct, "escrow is not funded")
		}
		return l.release(ctx, acct, reason)
	})
}

// Refund returns the escrowed funds to the buyer. A disputed escrow whose
// dispute was already resolved has settled and cannot be refunded.
func (l *Ledger) Refund(ctx context.Context, escrowID, reason string) (*Account, error) {
	if reason == "" {
		reason = ReasonRefunded
	}
	return l.mutate(ctx, "escrow.Refund", escrowID, func(ctx context.Context, acct *Account) error {
		switch acct.Status {
		case StatusCreated, StatusFunded:
		case StatusDisputed:
			if acct.DisputeResolved {
				return stateErr(acct, "dispute already resolved")
			}
		default:
			return stateErr(acct, "escrow can no longer be refunded")
		}
		return l.refund(ctx, acct, reason)
	})
}

// MarkDisputed holds a funded escrow for a dispute.
func (l *Ledger) MarkDisputed(ctx context.Context, escrowID string) (*Account, error) {
	return l.mutate(ctx, "escrow.MarkDisputed", escrowID, func(ctx context.Context, acct *Account) error {
		if acct.Status != StatusFunded {
			return stateErr(acct, "only a funded escrow can be disputed")
		}
		now := l.now()
		acct.Status = StatusDisputed
		acct.DisputeResolved = false
		acct.DisputedAt = &now
		acct.UpdatedAt = now
		if err := l.store.Update(ctx, acct); err != nil {
			return err
		}
		if err := l.transactions.UpdateSettlement(ctx, acct.TransactionID, marketplace.TxDisputed, acct.ID); err != nil {
			return err
		}
		l.record(ctx, acct, events.EscrowDisputed, "", nil)
		return nil
	})
}

// ApplyResolution drives a disputed escrow into the outcome of its
// dispute and marks the dispute resolved on the account.
func (l *Ledger) ApplyResolution(ctx context.Context, escrowID string, outcome resolution.Outcome) (*Account, error) {
	return l.mutate(ctx, "escrow.ApplyResolution", escrowID, func(ctx context.Context, acct *Account) error {
		if acct.Status != StatusDisputed || acct.DisputeResolved {
			return stateErr(acct, "escrow has no unresolved dispute")
		}
		acct.DisputeResolved = true
		switch outcome.Action {
		case resolution.ActionRefund:
			return l.refund(ctx, acct, outcome.Reason)
		case resolution.ActionRelease:
			return l.release(ctx, acct, outcome.Reason)
		case resolution.ActionNone:
			return l.settleInPlace(ctx, acct, outcome)
		default:
			return apperr.Newf(apperr.Validation, "resolution", string(outcome.Type), "unknown escrow action %q", outcome.Action)
		}
	})
}

// GetEscrow returns an escrow account.
func (l *Ledger) GetEscrow(ctx context.Context, escrowID string) (*Account, error) {
	return l.store.Get(ctx, escrowID)
}

// GetEscrowByTransaction returns the transaction's most recent escrow.
func (l *Ledger) GetEscrowByTransaction(ctx context.Context, transactionID string) (*Account, error) {
	accts, err := l.store.ListByTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if len(accts) == 0 {
		return nil, apperr.New(apperr.NotFound, "escrow", transactionID, "no escrow for transaction")
	}
	return accts[0], nil
}

// mutate runs fn under the transaction's guard against a freshly read
// account.
func (l *Ledger) mutate(ctx context.Context, op, escrowID string, fn func(ctx context.Context, acct *Account) error) (out *Account, err error) {
	ctx, span := traces.StartSpan(ctx, op, traces.EscrowID(escrowID))
	defer func() { traces.End(span, err) }()

	cur, err := l.store.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(traces.TransactionID(cur.TransactionID))
	ctx = logging.With(ctx, "transaction_id", cur.TransactionID, "escrow_id", cur.ID)

	err = l.guard.Do(ctx, cur.TransactionID, func(ctx context.Context) error {
		acct, err := l.store.Get(ctx, escrowID)
		if err != nil {
			return err
		}
		if err := fn(ctx, acct); err != nil {
			return err
		}
		out = acct
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// release moves acct to released, completes the transaction and runs the
// completion steps in the caller's unit of work.
func (l *Ledger) release(ctx context.Context, acct *Account, reason string) error {
	tx, err := l.transactions.GetTransactionForUpdate(ctx, acct.TransactionID)
	if err != nil {
		return err
	}
	from := acct.Status
	now := l.now()
	acct.Status = StatusReleased
	acct.ReleasedAt = &now
	acct.ReleaseReason = reason
	acct.UpdatedAt = now
	if err := l.store.Update(ctx, acct); err != nil {
		return err
	}
	if err := l.transactions.UpdateSettlement(ctx, tx.ID, marketplace.TxCompleted, acct.ID); err != nil {
		return err
	}
	tx.Status = marketplace.TxCompleted
	tx.EscrowID = acct.ID

	res, err := l.completer.Run(ctx, tx)
	if err != nil {
		return l.completionFailed(ctx, acct.ID, from, err)
	}

	l.record(ctx, acct, events.EscrowReleased, "", map[string]any{"reason": reason})
	l.completed(ctx, acct, tx, res)
	created := acct.CreatedAt
	dbtx.AfterCommit(ctx, func() { metrics.EscrowDuration.Observe(now.Sub(created).Seconds()) })
	logging.L(ctx).Info("escrow released", "reason", reason)
	return nil
}

func (l *Ledger) refund(ctx context.Context, acct *Account, reason string) error {
	now := l.now()
	acct.Status = StatusRefunded
	acct.RefundedAt = &now
	acct.ReleaseReason = reason
	acct.UpdatedAt = now
	if err := l.store.Update(ctx, acct); err != nil {
		return err
	}
	if err := l.transactions.UpdateSettlement(ctx, acct.TransactionID, marketplace.TxRefunded, acct.ID); err != nil {
		return err
	}
	l.record(ctx, acct, events.EscrowRefunded, "", map[string]any{"reason": reason})
	created := acct.CreatedAt
	dbtx.AfterCommit(ctx, func() { metrics.EscrowDuration.Observe(now.Sub(created).Seconds()) })
	logging.L(ctx).Info("escrow refunded", "reason", reason)
	return nil
}

// settleInPlace applies an outcome that leaves the escrow where it is but
// still settles the transaction.
func (l *Ledger) settleInPlace(ctx context.Context, acct *Account, outcome resolution.Outcome) error {
	tx, err := l.transactions.GetTransactionForUpdate(ctx, acct.TransactionID)
	if err != nil {
		return err
	}
	acct.UpdatedAt = l.now()
	if err := l.store.Update(ctx, acct); err != nil {
		return err
	}
	if outcome.TransactionStatus != "" && outcome.TransactionStatus != tx.Status {
		if err := l.transactions.UpdateSettlement(ctx, tx.ID, outcome.TransactionStatus, acct.ID); err != nil {
			return err
		}
		tx.Status = outcome.TransactionStatus
	}
	if !outcome.RunsCompletion {
		return nil
	}
	res, err := l.completer.Run(ctx, tx)
	if err != nil {
		return l.completionFailed(ctx, acct.ID, acct.Status, err)
	}
	l.completed(ctx, acct, tx, res)
	return nil
}

func (l *Ledger) completionFailed(ctx context.Context, escrowID string, state Status, err error) error {
	logging.L(ctx).Error("completion failed, release rolled back", "error", err)
	metrics.CompletionFailuresTotal.Inc()
	return &apperr.Error{
		Kind:    apperr.Internal,
		Entity:  "escrow",
		ID:      escrowID,
		State:   string(state),
		Message: "completion failed, release rolled back",
		Err:     err,
	}
}

// record counts the transition and emits its event after commit.
func (l *Ledger) record(ctx context.Context, acct *Account, typ events.Type, actor string, data map[string]any) {
	status := string(acct.Status)
	dbtx.AfterCommit(ctx, func() { metrics.EscrowTransitionsTotal.WithLabelValues(status).Inc() })
	if data == nil {
		data = map[string]any{}
	}
	data["buyerId"] = acct.BuyerID
	data["sellerId"] = acct.SellerID
	events.Emit(ctx, l.notifier, events.Event{
		Type:          typ,
		TransactionID: acct.TransactionID,
		EscrowID:      acct.ID,
		ActorID:       actor,
		Status:        status,
		Data:          data,
	})
}

func (l *Ledger) completed(ctx context.Context, acct *Account, tx *marketplace.Transaction, res *completion.Result) {
	data := map[string]any{
		"buyerId":   tx.BuyerID,
		"sellerId":  tx.SellerID,
		"salePrice": tx.SalePrice.String(),
	}
	if res != nil && res.Transfer != nil {
		data["transferId"] = res.Transfer.ID
		data["transferHash"] = res.Transfer.TransferHash
	}
	if res != nil && res.Royalty != nil {
		data["creatorId"] = res.Royalty.CreatorID
	}
	events.Emit(ctx, l.notifier, events.Event{
		Type:          events.SettlementCompleted,
		TransactionID: tx.ID,
		EscrowID:      acct.ID,
		Status:        string(tx.Status),
		Data:          data,
	})
}

func stateErr(acct *Account, msg string) error {
	return apperr.WithState(apperr.InvalidState, "escrow", acct.ID, string(acct.Status), msg)
}
