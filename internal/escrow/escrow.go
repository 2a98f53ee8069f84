// Package escrow holds a sale's funds between payment and settlement.
//
// Flow:
//  1. Sale paid → escrow created, transaction moves to in_escrow
//  2. Payment captured → escrow funded
//  3. Buyer confirms delivery and quality → escrow released, completion runs
//  4. Buyer or seller disputes → escrow held until the dispute resolves
//  5. Refund → escrow refunded, no ownership transfer
package escrow

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Status represents the state of an escrow account.
type Status string

const (
	StatusCreated  Status = "created"  // Opened, awaiting funds
	StatusFunded   Status = "funded"   // Funds held, awaiting confirmation
	StatusReleased Status = "released" // Paid out to the seller
	StatusRefunded Status = "refunded" // Returned to the buyer
	StatusDisputed Status = "disputed" // Held by an open dispute
)

// DefaultAutoRelease is used when neither the request nor the
// configuration sets an auto-release window.
const DefaultAutoRelease = 72 * time.Hour

// Release and refund reasons recorded by the ledger itself. Dispute
// outcomes carry their own reasons.
const (
	ReasonConfirmed = "delivery_and_quality_confirmed"
	ReasonManual    = "manual_release"
	ReasonRefunded  = "refunded_by_operator"
)

// Account is the escrow held for one transaction.
type Account struct {
	ID                  string          `json:"id"`
	TransactionID       string          `json:"transactionId"`
	BuyerID             string          `json:"buyerId"`
	SellerID            string          `json:"sellerId"`
	EscrowAmount        decimal.Decimal `json:"escrowAmount"`
	EscrowFee           decimal.Decimal `json:"escrowFee"`
	Status              Status          `json:"status"`
	DeliveryConfirmed   bool            `json:"deliveryConfirmed"`
	QualityApproved     bool            `json:"qualityApproved"`
	RequiresBothParties bool            `json:"requiresBothParties"`
	DisputeResolved     bool            `json:"disputeResolved"`
	AutoReleaseSeconds  int64           `json:"autoReleaseAfterSeconds"`
	SecurityToken       string          `json:"-"`
	ReleaseReason       string          `json:"releaseReason,omitempty"`
	FundedAt            *time.Time      `json:"fundedAt,omitempty"`
	ReleasedAt          *time.Time      `json:"releasedAt,omitempty"`
	RefundedAt          *time.Time      `json:"refundedAt,omitempty"`
	DisputedAt          *time.Time      `json:"disputedAt,omitempty"`
	CreatedAt           time.Time       `json:"createdAt"`
	UpdatedAt           time.Time       `json:"updatedAt"`
}

// IsTerminal returns true if the escrow is in a final state.
func (a *Account) IsTerminal() bool {
	return a.Status == StatusReleased || a.Status == StatusRefunded
}

// AutoReleaseAfter is the configured auto-release window. Nothing in the
// service enforces it; it is carried for the surrounding system.
func (a *Account) AutoReleaseAfter() time.Duration {
	return time.Duration(a.AutoReleaseSeconds) * time.Second
}

// Confirmation returns the buyer's confirmation flags as one value.
func (a *Account) Confirmation() Confirmation {
	var c Confirmation
	if a.DeliveryConfirmed {
		c |= DeliveryConfirmed
	}
	if a.QualityApproved {
		c |= QualityApproved
	}
	return c
}

func (a *Account) setConfirmation(c Confirmation) {
	a.DeliveryConfirmed = c&DeliveryConfirmed != 0
	a.QualityApproved = c&QualityApproved != 0
}

// Stage is the confirmation sub-state of a funded escrow.
func (a *Account) Stage() Stage {
	return a.Confirmation().Stage(a.RequiresBothParties)
}

// Confirmation is the two-bit buyer confirmation state.
type Confirmation uint8

const (
	DeliveryConfirmed Confirmation = 1 << iota
	QualityApproved
)

// Stage names where a funded escrow is on its way to release.
type Stage string

const (
	StageAwaiting        Stage = "awaiting_confirmation"
	StageQualityPending  Stage = "quality_pending"  // delivery confirmed
	StageDeliveryPending Stage = "delivery_pending" // quality approved
	StageReady           Stage = "ready"
)

// Stage maps the flags to a sub-state. Without requiresBoth, delivery
// confirmation alone is enough.
func (c Confirmation) Stage(requiresBoth bool) Stage {
	delivered := c&DeliveryConfirmed != 0
	approved := c&QualityApproved != 0
	switch {
	case delivered && (approved || !requiresBoth):
		return StageReady
	case delivered:
		return StageQualityPending
	case approved:
		return StageDeliveryPending
	default:
		return StageAwaiting
	}
}

// String names the confirmation for events and logs.
func (c Confirmation) String() string {
	switch c {
	case DeliveryConfirmed:
		return "delivery"
	case QualityApproved:
		return "quality"
	case DeliveryConfirmed | QualityApproved:
		return "delivery+quality"
	default:
		return "none"
	}
}

// Store persists escrow accounts. Writes join the unit of work in ctx.
type Store interface {
	// Create fails with apperr.Conflict if the transaction already has a
	// non-terminal escrow.
	Create(ctx context.Context, acct *Account) error
	Get(ctx context.Context, id string) (*Account, error)
	Update(ctx context.Context, acct *Account) error
	// GetActiveByTransaction returns the transaction's non-terminal escrow
	// or apperr.NotFound.
	GetActiveByTransaction(ctx context.Context, transactionID string) (*Account, error)
	// ListByTransaction returns every escrow of the transaction, newest first.
	ListByTransaction(ctx context.Context, transactionID string) ([]*Account, error)
}
