package marketplace

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/settlement/internal/apperr"
	"github.com/mbd888/settlement/internal/dbtx"
)

func newTx(id string) *Transaction {
	now := time.Now()
	return &Transaction{
		ID:          id,
		ListingID:   "listing-" + id,
		BuyerID:     "buyer",
		SellerID:    "seller",
		SalePrice:   decimal.NewFromInt(100),
		PlatformFee: decimal.NewFromInt(5),
		Status:      TxPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestTransactionStatus_IsPreEscrow(t *testing.T) {
	assert.True(t, TxPending.IsPreEscrow())
	assert.True(t, TxPaid.IsPreEscrow())
	for _, s := range []TransactionStatus{TxInEscrow, TxDisputed, TxCompleted, TxRefunded, TxCancelled} {
		assert.False(t, s.IsPreEscrow(), s)
	}
}

func TestTransaction_Counterparty(t *testing.T) {
	tx := newTx("t1")
	assert.Equal(t, "seller", tx.Counterparty("buyer"))
	assert.Equal(t, "buyer", tx.Counterparty("seller"))
	assert.Equal(t, "", tx.Counterparty("stranger"))
}

func TestMemoryStore_TransactionLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	require.NoError(t, m.CreateTransaction(ctx, newTx("t1")))

	err := m.CreateTransaction(ctx, newTx("t1"))
	assert.ErrorIs(t, err, apperr.Conflict)

	require.NoError(t, m.UpdateSettlement(ctx, "t1", TxInEscrow, "esc_1"))
	got, err := m.GetTransactionForUpdate(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, TxInEscrow, got.Status)
	assert.Equal(t, "esc_1", got.EscrowID)

	_, err = m.GetTransaction(ctx, "missing")
	assert.ErrorIs(t, err, apperr.NotFound)
	assert.ErrorIs(t, m.UpdateSettlement(ctx, "missing", TxCompleted, ""), apperr.NotFound)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	require.NoError(t, m.CreateTransaction(ctx, newTx("t1")))

	got, _ := m.GetTransaction(ctx, "t1")
	got.Status = TxCompleted

	again, _ := m.GetTransaction(ctx, "t1")
	assert.Equal(t, TxPending, again.Status)
}

func TestMemoryStore_RollbackRestoresEverything(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	require.NoError(t, m.CreateTransaction(ctx, newTx("t1")))
	require.NoError(t, m.CreateOwnership(ctx, &AssetOwnership{
		ID: "own-1", ListingID: "listing-t1", AssetType: AssetWidget, AssetID: "w1",
		CurrentOwnerID: "seller", ListedForSale: true,
	}))

	boom := errors.New("boom")
	err := dbtx.NewMemoryRunner().WithinTx(ctx, func(ctx context.Context) error {
		require.NoError(t, m.UpdateSettlement(ctx, "t1", TxCompleted, "esc_1"))
		require.NoError(t, m.UpdateOwnership(ctx, &AssetOwnership{
			ID: "own-1", ListingID: "listing-t1", AssetType: AssetWidget, AssetID: "w1",
			CurrentOwnerID: "buyer", PreviousOwnerID: "seller",
		}))
		require.NoError(t, m.AppendTransfer(ctx, &TransferHistory{ID: "th-1", TransactionID: "t1"}))
		require.NoError(t, m.AppendRevenueShare(ctx, &RevenueShare{ID: "rs-1", TransactionID: "t1"}))
		require.NoError(t, m.AppendCreatorRoyalty(ctx, &CreatorRoyalty{ID: "cr-1", TransactionID: "t1"}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	tx, _ := m.GetTransaction(ctx, "t1")
	assert.Equal(t, TxPending, tx.Status)
	assert.Empty(t, tx.EscrowID)

	own, _ := m.GetOwnershipByListing(ctx, "listing-t1")
	assert.Equal(t, "seller", own.CurrentOwnerID)
	assert.True(t, own.ListedForSale)

	transfers, _ := m.TransfersByTransaction(ctx, "t1")
	shares, _ := m.RevenueSharesByTransaction(ctx, "t1")
	royalties, _ := m.RoyaltiesByTransaction(ctx, "t1")
	assert.Empty(t, transfers)
	assert.Empty(t, shares)
	assert.Empty(t, royalties)
}

func TestMemoryStore_WriteOnceRecords(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	require.NoError(t, m.AppendTransfer(ctx, &TransferHistory{ID: "a", TransactionID: "t1"}))
	assert.ErrorIs(t, m.AppendTransfer(ctx, &TransferHistory{ID: "b", TransactionID: "t1"}), apperr.Conflict)

	require.NoError(t, m.AppendRevenueShare(ctx, &RevenueShare{ID: "a", TransactionID: "t1"}))
	assert.ErrorIs(t, m.AppendRevenueShare(ctx, &RevenueShare{ID: "b", TransactionID: "t1"}), apperr.Conflict)

	require.NoError(t, m.AppendCreatorRoyalty(ctx, &CreatorRoyalty{ID: "a", TransactionID: "t1"}))
	assert.ErrorIs(t, m.AppendCreatorRoyalty(ctx, &CreatorRoyalty{ID: "b", TransactionID: "t1"}), apperr.Conflict)
}

func TestMemoryStore_ResolveCreator(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	m.SetCreator(AssetTemplate, "tpl-1", "creator-1")

	creator, err := m.ResolveCreator(ctx, AssetTemplate, "tpl-1")
	require.NoError(t, err)
	assert.Equal(t, "creator-1", creator)

	_, err = m.ResolveCreator(ctx, AssetWidget, "tpl-1")
	assert.ErrorIs(t, err, apperr.NotFound)

	_, err = m.ResolveCreator(ctx, "theme", "x")
	assert.ErrorIs(t, err, apperr.NotFound)
}

func TestMemoryStore_UserDirectory(t *testing.T) {
	m := NewMemoryStore()
	m.AddUser(&User{ID: "u1", DisplayName: "Ada"})

	u, err := m.GetUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "Ada", u.DisplayName)

	_, err = m.GetUser(context.Background(), "u2")
	assert.ErrorIs(t, err, apperr.NotFound)
}
