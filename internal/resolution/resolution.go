// Package resolution maps a dispute verdict's resolution type to the
// escrow action and transaction result it drives.
package resolution

import (
	"github.com/mbd888/settlement/internal/apperr"
	"github.com/mbd888/settlement/internal/marketplace"
)

// Type is how a dispute was settled.
type Type string

const (
	Refund        Type = "refund"
	PartialRefund Type = "partial_refund"
	Replacement   Type = "replacement"
	Compensation  Type = "compensation"
	NoAction      Type = "no_action"
)

// Types lists every resolution type in table order.
var Types = []Type{Refund, PartialRefund, Replacement, Compensation, NoAction}

// EscrowAction is what happens to the disputed escrow.
type EscrowAction string

const (
	ActionRefund  EscrowAction = "refund"
	ActionRelease EscrowAction = "release"
	ActionNone    EscrowAction = "none"
)

// Escrow release and refund reasons recorded for dispute outcomes.
const (
	ReasonRefund       = "dispute_resolved_refund"
	ReasonPartial      = "dispute_resolved_partial"
	ReasonCompensation = "dispute_resolved_compensation"
	ReasonNoAction     = "dispute_resolved_no_action"
)

// Outcome is the deterministic effect of a resolution.
type Outcome struct {
	Type   Type
	Action EscrowAction
	// Reason is the escrow release or refund reason; empty for ActionNone.
	Reason string
	// TransactionStatus is the status the sale ends in.
	TransactionStatus marketplace.TransactionStatus
	// RunsCompletion reports whether ownership transfer and revenue
	// distribution follow.
	RunsCompletion bool
}

// Map returns the outcome for t. An unknown type is a validation error.
func Map(t Type) (Outcome, error) {
	switch t {
	case Refund:
		return Outcome{Type: t, Action: ActionRefund, Reason: ReasonRefund,
			TransactionStatus: marketplace.TxRefunded, RunsCompletion: false}, nil
	case PartialRefund:
		return Outcome{Type: t, Action: ActionRelease, Reason: ReasonPartial,
			TransactionStatus: marketplace.TxCompleted, RunsCompletion: true}, nil
	case Replacement:
		return Outcome{Type: t, Action: ActionNone,
			TransactionStatus: marketplace.TxCompleted, RunsCompletion: true}, nil
	case Compensation:
		// The release itself completes the sale.
		return Outcome{Type: t, Action: ActionRelease, Reason: ReasonCompensation,
			TransactionStatus: marketplace.TxCompleted, RunsCompletion: true}, nil
	case NoAction:
		return Outcome{Type: t, Action: ActionRelease, Reason: ReasonNoAction,
			TransactionStatus: marketplace.TxCompleted, RunsCompletion: true}, nil
	default:
		return Outcome{}, apperr.Newf(apperr.Validation, "resolution", string(t), "unknown resolution type %q", string(t))
	}
}

// Valid reports whether t is a known resolution type.
func (t Type) Valid() bool {
	_, err := Map(t)
	return err == nil
}
