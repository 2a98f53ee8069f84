package marketplace

import (
	"context"
	"sync"
	"time"

	"github.com/mbd888/settlement/internal/apperr"
	"github.com/mbd888/settlement/internal/dbtx"
)

// MemoryStore is an in-memory marketplace for demo/development mode and
// tests. Writes made inside a dbtx unit of work are undone if the unit fails.
type MemoryStore struct {
	mu           sync.RWMutex
	transactions map[string]*Transaction
	users        map[string]*User
	ownership    map[string]*AssetOwnership // by listing id
	origins      map[string]string          // assetType/assetID -> creator
	transfers    map[string]*TransferHistory
	shares       map[string]*RevenueShare
	royalties    map[string]*CreatorRoyalty
}

// NewMemoryStore creates an empty in-memory marketplace.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		transactions: make(map[string]*Transaction),
		users:        make(map[string]*User),
		ownership:    make(map[string]*AssetOwnership),
		origins:      make(map[string]string),
		transfers:    make(map[string]*TransferHistory),
		shares:       make(map[string]*RevenueShare),
		royalties:    make(map[string]*CreatorRoyalty),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) CreateTransaction(ctx context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.transactions[tx.ID]; ok {
		return apperr.New(apperr.Conflict, "transaction", tx.ID, "already exists")
	}
	cp := *tx
	m.transactions[tx.ID] = &cp
	dbtx.OnRollback(ctx, func() { m.undo(func() { delete(m.transactions, tx.ID) }) })
	return nil
}

func (m *MemoryStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.transactions[id]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "transaction", id, "not found")
	}
	cp := *tx
	return &cp, nil
}

// GetTransactionForUpdate is GetTransaction; callers serialize through the
// settlement guard.
func (m *MemoryStore) GetTransactionForUpdate(ctx context.Context, id string) (*Transaction, error) {
	return m.GetTransaction(ctx, id)
}

func (m *MemoryStore) UpdateSettlement(ctx context.Context, id string, status TransactionStatus, escrowID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.transactions[id]
	if !ok {
		return apperr.New(apperr.NotFound, "transaction", id, "not found")
	}
	prev := *tx
	tx.Status = status
	tx.EscrowID = escrowID
	tx.UpdatedAt = time.Now()
	dbtx.OnRollback(ctx, func() { m.undo(func() { m.transactions[id] = &prev }) })
	return nil
}

// AddUser seeds the directory.
func (m *MemoryStore) AddUser(u *User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *u
	m.users[u.ID] = &cp
}

func (m *MemoryStore) GetUser(ctx context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "user", id, "not found")
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) CreateOwnership(ctx context.Context, o *AssetOwnership) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.ownership[o.ListingID]; ok {
		return apperr.New(apperr.Conflict, "ownership", o.ListingID, "already exists")
	}
	cp := *o
	m.ownership[o.ListingID] = &cp
	dbtx.OnRollback(ctx, func() { m.undo(func() { delete(m.ownership, o.ListingID) }) })
	return nil
}

func (m *MemoryStore) GetOwnershipByListing(ctx context.Context, listingID string) (*AssetOwnership, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.ownership[listingID]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "ownership", listingID, "no ownership record for listing")
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) UpdateOwnership(ctx context.Context, o *AssetOwnership) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.ownership[o.ListingID]
	if !ok {
		return apperr.New(apperr.NotFound, "ownership", o.ListingID, "no ownership record for listing")
	}
	prev := *cur
	cp := *o
	m.ownership[o.ListingID] = &cp
	dbtx.OnRollback(ctx, func() { m.undo(func() { m.ownership[o.ListingID] = &prev }) })
	return nil
}

func (m *MemoryStore) AppendTransfer(ctx context.Context, t *TransferHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.transfers[t.TransactionID]; ok {
		return apperr.New(apperr.Conflict, "transfer", t.TransactionID, "transfer already recorded for transaction")
	}
	cp := *t
	m.transfers[t.TransactionID] = &cp
	dbtx.OnRollback(ctx, func() { m.undo(func() { delete(m.transfers, t.TransactionID) }) })
	return nil
}

func (m *MemoryStore) TransfersByTransaction(ctx context.Context, transactionID string) ([]*TransferHistory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*TransferHistory
	if t, ok := m.transfers[transactionID]; ok {
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) AppendRevenueShare(ctx context.Context, r *RevenueShare) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.shares[r.TransactionID]; ok {
		return apperr.New(apperr.Conflict, "revenue_share", r.TransactionID, "revenue share already recorded for transaction")
	}
	cp := *r
	m.shares[r.TransactionID] = &cp
	dbtx.OnRollback(ctx, func() { m.undo(func() { delete(m.shares, r.TransactionID) }) })
	return nil
}

func (m *MemoryStore) AppendCreatorRoyalty(ctx context.Context, r *CreatorRoyalty) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.royalties[r.TransactionID]; ok {
		return apperr.New(apperr.Conflict, "creator_royalty", r.TransactionID, "royalty already recorded for transaction")
	}
	cp := *r
	m.royalties[r.TransactionID] = &cp
	dbtx.OnRollback(ctx, func() { m.undo(func() { delete(m.royalties, r.TransactionID) }) })
	return nil
}

func (m *MemoryStore) RevenueSharesByTransaction(ctx context.Context, transactionID string) ([]*RevenueShare, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*RevenueShare
	if r, ok := m.shares[transactionID]; ok {
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) RoyaltiesByTransaction(ctx context.Context, transactionID string) ([]*CreatorRoyalty, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*CreatorRoyalty
	if r, ok := m.royalties[transactionID]; ok {
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

// SetCreator seeds the origin record of a widget or template.
func (m *MemoryStore) SetCreator(assetType, assetID, creatorID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.origins[assetType+"/"+assetID] = creatorID
}

func (m *MemoryStore) ResolveCreator(ctx context.Context, assetType, assetID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if assetType != AssetWidget && assetType != AssetTemplate {
		return "", apperr.Newf(apperr.NotFound, "asset_origin", assetID, "asset type %q has no origin record", assetType)
	}
	creator, ok := m.origins[assetType+"/"+assetID]
	if !ok {
		return "", apperr.New(apperr.NotFound, "asset_origin", assetID, "no origin record")
	}
	return creator, nil
}

// undo runs a rollback step under the write lock.
func (m *MemoryStore) undo(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn()
}
