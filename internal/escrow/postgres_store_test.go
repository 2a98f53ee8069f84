//go:build integration

package escrow

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
	"github.com/mbd888/settlement/internal/events"
	"github.com/mbd888/settlement/internal/marketplace"
	"github.com/mbd888/settlement/internal/syncutil"
	"github.com/mbd888/settlement/internal/testutil"
)

func seedSale(t *testing.T, m *marketplace.PostgresStore, id string) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, m.CreateTransaction(ctx, &marketplace.Transaction{
		ID: id, ListingID: "listing-" + id, BuyerID: "buyer", SellerID: "seller",
		SalePrice: decimal.NewFromInt(100), PlatformFee: decimal.NewFromInt(5), CreatorRoyalty: decimal.NewFromInt(10),
		Status: marketplace.TxPaid, CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, m.CreateOwnership(ctx, &marketplace.AssetOwnership{
		ID: "own-" + id, ListingID: "listing-" + id, AssetType: marketplace.AssetWidget, AssetID: "w-" + id,
		CurrentOwnerID: "seller", CurrentValuation: decimal.NewFromInt(80), ListedForSale: true, UpdatedAt: now,
	}))
	require.NoError(t, m.SetCreator(ctx, marketplace.AssetWidget, "w-"+id, "creator"))
}

func TestPostgresStore_CreateGetUpdate(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()
	m := marketplace.NewPostgresStore(db)
	s := NewPostgresStore(db)
	seedSale(t, m, "tx-pg")

	now := time.Now().UTC().Truncate(time.Microsecond)
	acct := &Account{
		ID: "esc_pg1", TransactionID: "tx-pg", BuyerID: "buyer", SellerID: "seller",
		EscrowAmount: decimal.RequireFromString("99.00"), EscrowFee: decimal.RequireFromString("1.00"),
		Status: StatusCreated, RequiresBothParties: true, AutoReleaseSeconds: 3600,
		SecurityToken: "tok", CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.Create(ctx, acct))

	dup := *acct
	dup.ID = "esc_pg2"
	assert.ErrorIs(t, s.Create(ctx, &dup), apperr.Conflict)

	got, err := s.Get(ctx, "esc_pg1")
	require.NoError(t, err)
	assert.True(t, got.EscrowAmount.Equal(decimal.NewFromInt(99)))
	assert.Equal(t, "tok", got.SecurityToken)
	assert.Nil(t, got.FundedAt)

	got.Status = StatusFunded
	got.FundedAt = &now
	got.DeliveryConfirmed = true
	require.NoError(t, s.Update(ctx, got))

	active, err := s.GetActiveByTransaction(ctx, "tx-pg")
	require.NoError(t, err)
	assert.Equal(t, StatusFunded, active.Status)
	assert.True(t, active.DeliveryConfirmed)
	require.NotNil(t, active.FundedAt)

	got.Status = StatusRefunded
	require.NoError(t, s.Update(ctx, got))
	_, err = s.GetActiveByTransaction(ctx, "tx-pg")
	assert.ErrorIs(t, err, apperr.NotFound)
	require.NoError(t, s.Create(ctx, &dup), "a terminal escrow frees the transaction")

	list, err := s.ListByTransaction(ctx, "tx-pg")
	require.NoError(t, err)
	assert.Len(t, list, 2)

	_, err = s.Get(ctx, "esc_missing")
	assert.ErrorIs(t, err, apperr.NotFound)
	assert.ErrorIs(t, s.Update(ctx, &Account{ID: "esc_missing"}), apperr.NotFound)
}

func TestPostgresLedger_ReleaseCommitsCompletion(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()
	m := marketplace.NewPostgresStore(db)
	seedSale(t, m, "tx-rel")

	guard := dbtx.NewGuard(syncutil.NewContextShardedMutex(), dbtx.NewPostgresRunner(db))
	rec := &events.Recorder{}
	l := NewLedger(NewPostgresStore(db), m, completion.NewProcessor(m), guard, rec, Options{
		FeeRate: decimal.RequireFromString("0.01"),
	})

	acct, err := l.CreateEscrow(ctx, CreateRequest{
		TransactionID: "tx-rel", BuyerID: "buyer", SellerID: "seller", Amount: decimal.NewFromInt(100),
	})
	require.NoError(t, err)
	_, err = l.FundEscrow(ctx, acct.ID)
	require.NoError(t, err)
	_, err = l.ConfirmDelivery(ctx, acct.ID, "buyer")
	require.NoError(t, err)
	released, err := l.ConfirmQuality(ctx, acct.ID, "buyer")
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, released.Status)

	tx, err := m.GetTransaction(ctx, "tx-rel")
	require.NoError(t, err)
	assert.Equal(t, marketplace.TxCompleted, tx.Status)
	transfers, err := m.TransfersByTransaction(ctx, "tx-rel")
	require.NoError(t, err)
	assert.Len(t, transfers, 1)

	_, err = l.Release(ctx, acct.ID, "")
	assert.ErrorIs(t, err, apperr.InvalidState)
	transfers, err = m.TransfersByTransaction(ctx, "tx-rel")
	require.NoError(t, err)
	assert.Len(t, transfers, 1)
}
