// Package completion finalizes a released sale: it transfers ownership to
// the buyer and records the platform's and the original creator's revenue.
package completion

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/settlement/internal/apperr"
	"github.com/mbd888/settlement/internal/dbtx"
	"github.com/mbd888/settlement/internal/idgen"
	"github.com/mbd888/settlement/internal/logging"
	"github.com/mbd888/settlement/internal/marketplace"
	"github.com/mbd888/settlement/internal/metrics"
	"github.com/mbd888/settlement/internal/traces"
)

// rateScale is the number of decimal places kept on share and royalty rates.
const rateScale = 6

// Stores is the slice of the marketplace the processor writes to.
type Stores interface {
	marketplace.OwnershipStore
	marketplace.RevenueStore
	marketplace.CreatorResolver
}

// Result lists the records a run produced.
type Result struct {
	Transfer     *marketplace.TransferHistory `json:"transfer"`
	Ownership    *marketplace.AssetOwnership  `json:"ownership"`
	RevenueShare *marketplace.RevenueShare    `json:"revenueShare,omitempty"`
	Royalty      *marketplace.CreatorRoyalty  `json:"royalty,omitempty"`
}

// Processor runs the completion steps. It must be called inside the unit of
// work of the release that triggers it so that both commit together.
type Processor struct {
	stores Stores
	now    func() time.Time
}

// NewProcessor creates a processor over the given stores.
func NewProcessor(stores Stores) *Processor {
	return &Processor{stores: stores, now: time.Now}
}

// Run performs the completion steps for tx. Any error leaves the caller's
// unit of work to roll back; the transfer record's uniqueness makes a
// second run for the same transaction fail with apperr.Conflict.
func (p *Processor) Run(ctx context.Context, tx *marketplace.Transaction) (res *Result, err error) {
	ctx, span := traces.StartSpan(ctx, "completion.Run", traces.TransactionID(tx.ID))
	defer func() { traces.End(span, err) }()

	if !dbtx.InTx(ctx) {
		return nil, apperr.New(apperr.Internal, "completion", tx.ID, "must run inside a unit of work")
	}

	now := p.now()
	res = &Result{}

	own, err := p.stores.GetOwnershipByListing(ctx, tx.ListingID)
	if err != nil {
		return nil, err
	}

	res.Transfer = &marketplace.TransferHistory{
		ID:            idgen.New(),
		TransactionID: tx.ID,
		ListingID:     tx.ListingID,
		AssetType:     own.AssetType,
		AssetID:       own.AssetID,
		FromUserID:    tx.SellerID,
		ToUserID:      tx.BuyerID,
		TransferType:  marketplace.TransferPurchase,
		TransferPrice: tx.SalePrice,
		TransferHash:  idgen.TransferHash(tx.ID, tx.SellerID, tx.BuyerID, tx.SalePrice.String()),
		Verified:      true,
		CreatedAt:     now,
	}
	if err := p.stores.AppendTransfer(ctx, res.Transfer); err != nil {
		return nil, err
	}

	own.PreviousOwnerID = tx.SellerID
	own.CurrentOwnerID = tx.BuyerID
	own.CurrentValuation = tx.SalePrice
	own.ListedForSale = false
	own.AcquiredAt = &now
	own.UpdatedAt = now
	if err := p.stores.UpdateOwnership(ctx, own); err != nil {
		return nil, err
	}
	res.Ownership = own

	if tx.PlatformFee.IsPositive() {
		res.RevenueShare = &marketplace.RevenueShare{
			ID:              idgen.New(),
			TransactionID:   tx.ID,
			Recipient:       marketplace.RecipientPlatform,
			ShareType:       marketplace.ShareTypePlatformFee,
			ShareAmount:     tx.PlatformFee,
			SharePercentage: rate(tx.PlatformFee, tx.SalePrice),
			Status:          marketplace.ShareStatusPaid,
			PaidAt:          &now,
			CreatedAt:       now,
		}
		if err := p.stores.AppendRevenueShare(ctx, res.RevenueShare); err != nil {
			return nil, err
		}
	}

	if tx.CreatorRoyalty.IsPositive() {
		royalty, err := p.royalty(ctx, tx, own, now)
		if err != nil {
			return nil, err
		}
		res.Royalty = royalty
	}

	dbtx.AfterCommit(ctx, metrics.CompletionsTotal.Inc)
	logging.L(ctx).Info("completion recorded",
		"new_owner", tx.BuyerID,
		"platform_fee", tx.PlatformFee.String(),
		"creator_royalty", tx.CreatorRoyalty.String(),
	)
	return res, nil
}

// royalty records the creator's cut. An asset without a resolvable creator
// is skipped with a warning; any other lookup failure aborts the run.
func (p *Processor) royalty(ctx context.Context, tx *marketplace.Transaction, own *marketplace.AssetOwnership, now time.Time) (*marketplace.CreatorRoyalty, error) {
	creatorID, err := p.stores.ResolveCreator(ctx, own.AssetType, own.AssetID)
	if errors.Is(err, apperr.NotFound) {
		logging.L(ctx).Warn("creator royalty skipped: original creator not found",
			"asset_type", own.AssetType,
			"asset_id", own.AssetID,
			"royalty", tx.CreatorRoyalty.String(),
		)
		dbtx.AfterCommit(ctx, metrics.RoyaltySkippedTotal.Inc)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	r := &marketplace.CreatorRoyalty{
		ID:            idgen.New(),
		TransactionID: tx.ID,
		CreatorID:     creatorID,
		AssetType:     own.AssetType,
		AssetID:       own.AssetID,
		SalePrice:     tx.SalePrice,
		RoyaltyAmount: tx.CreatorRoyalty,
		RoyaltyRate:   rate(tx.CreatorRoyalty, tx.SalePrice),
		Status:        marketplace.RoyaltyProcessed,
		ProcessedAt:   &now,
		CreatedAt:     now,
	}
	if err := p.stores.AppendCreatorRoyalty(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// rate returns part/whole rounded to rateScale places, or zero for a
// non-positive whole.
func rate(part, whole decimal.Decimal) decimal.Decimal {
	if !whole.IsPositive() {
		return decimal.Zero
	}
	return part.DivRound(whole, rateScale)
}
