//go:build integration

package dispute

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/settlement/internal/apperr"
	"github.com/mbd888/settlement/internal/completion"
	"github.com/mbd888/settlement/internal/dbtx"
	"github.com/mbd888/settlement/internal/escrow"
	"github.com/mbd888/settlement/internal/events"
	"github.com/mbd888/settlement/internal/marketplace"
	"github.com/mbd888/settlement/internal/resolution"
	"github.com/mbd888/settlement/internal/syncutil"
	"github.com/mbd888/settlement/internal/testutil"
)

func TestPostgres_DisputeResolvesEscrow(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()

	market := marketplace.NewPostgresStore(db)
	now := time.Now().UTC()
	require.NoError(t, market.CreateTransaction(ctx, &marketplace.Transaction{
		ID: "tx-pg", ListingID: "listing-pg", BuyerID: "buyer", SellerID: "seller",
		SalePrice: decimal.NewFromInt(100), PlatformFee: decimal.NewFromInt(5), CreatorRoyalty: decimal.NewFromInt(10),
		Status: marketplace.TxPaid, CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, market.CreateOwnership(ctx, &marketplace.AssetOwnership{
		ID: "own-pg", ListingID: "listing-pg", AssetType: marketplace.AssetWidget, AssetID: "w-pg",
		CurrentOwnerID: "seller", CurrentValuation: decimal.NewFromInt(80), ListedForSale: true, UpdatedAt: now,
	}))
	require.NoError(t, market.SetCreator(ctx, marketplace.AssetWidget, "w-pg", "creator"))

	rec := &events.Recorder{}
	guard := dbtx.NewGuard(syncutil.NewContextShardedMutex(), dbtx.NewPostgresRunner(db))
	ledger := escrow.NewLedger(escrow.NewPostgresStore(db), market, completion.NewProcessor(market), guard, rec,
		escrow.Options{FeeRate: decimal.RequireFromString("0.01")})
	store := NewPostgresStore(db)
	c := NewCoordinator(store, market, market, ledger, guard, rec)

	acct, err := ledger.CreateEscrow(ctx, escrow.CreateRequest{
		TransactionID: "tx-pg", BuyerID: "buyer", SellerID: "seller", Amount: decimal.NewFromInt(100),
	})
	require.NoError(t, err)
	_, err = ledger.FundEscrow(ctx, acct.ID)
	require.NoError(t, err)

	d, err := c.CreateDispute(ctx, CreateRequest{
		TransactionID: "tx-pg", SubmitterID: "buyer", Type: TypeNotDelivered, Title: "never arrived",
		Evidence: []EvidenceInput{{Content: "tracking number 123"}},
	})
	require.NoError(t, err)

	_, err = c.CreateDispute(ctx, CreateRequest{
		TransactionID: "tx-pg", SubmitterID: "seller", Type: TypeOther, Title: "dup",
	})
	assert.ErrorIs(t, err, apperr.Conflict)

	_, err = c.AssignMediator(ctx, d.ID, "admin", "m-1")
	require.NoError(t, err)

	cmd := Resolve{
		Verdict: "seller shipped late", ResolutionType: resolution.PartialRefund,
		CompensationAmount: decimal.NewNullDecimal(decimal.RequireFromString("12.50")),
	}
	_, err = c.ResolveDispute(ctx, d.ID, "m-1", cmd)
	require.NoError(t, err)

	got, err := store.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, got.Status)
	assert.Equal(t, resolution.PartialRefund, got.ResolutionType)
	assert.True(t, got.CompensationAmount.Decimal.Equal(decimal.RequireFromString("12.50")))
	assert.Equal(t, 1, got.Evidence.Len())
	assert.Equal(t, 3, got.Timeline.Len())
	require.NotNil(t, got.MediationStartedAt)

	esc, err := ledger.GetEscrow(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusReleased, esc.Status)
	tx, err := market.GetTransaction(ctx, "tx-pg")
	require.NoError(t, err)
	assert.Equal(t, marketplace.TxCompleted, tx.Status)

	page, err := store.ListByMediator(ctx, "m-1", nil, 10)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, d.ID, page[0].ID)

	list, err := store.ListByTransaction(ctx, "tx-pg")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
