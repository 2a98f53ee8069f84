package escrow

import (
	"context"
	"sort"
	"sync"

	"github.com/mbd888/settlement/internal/apperr"
	"github.com/mbd888/settlement/internal/dbtx"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
// Writes made inside a dbtx unit of work are undone if the unit fails.
type MemoryStore struct {
	escrows map[string]*Account
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows: make(map[string]*Account),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(ctx context.Context, acct *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.escrows[acct.ID]; ok {
		return apperr.New(apperr.Conflict, "escrow", acct.ID, "already exists")
	}
	for _, e := range m.escrows {
		if e.TransactionID == acct.TransactionID && !e.IsTerminal() {
			return apperr.WithState(apperr.Conflict, "escrow", e.ID, string(e.Status),
				"transaction already has an active escrow")
		}
	}
	cp := *acct
	m.escrows[acct.ID] = &cp
	dbtx.OnRollback(ctx, func() { m.undo(func() { delete(m.escrows, acct.ID) }) })
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acct, ok := m.escrows[id]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "escrow", id, "not found")
	}
	cp := *acct
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, acct *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, ok := m.escrows[acct.ID]
	if !ok {
		return apperr.New(apperr.NotFound, "escrow", acct.ID, "not found")
	}
	cp := *acct
	m.escrows[acct.ID] = &cp
	dbtx.OnRollback(ctx, func() { m.undo(func() { m.escrows[acct.ID] = prev }) })
	return nil
}

func (m *MemoryStore) GetActiveByTransaction(ctx context.Context, transactionID string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, e := range m.escrows {
		if e.TransactionID == transactionID && !e.IsTerminal() {
			cp := *e
			return &cp, nil
		}
	}
	return nil, apperr.New(apperr.NotFound, "escrow", transactionID, "no active escrow for transaction")
}

func (m *MemoryStore) ListByTransaction(ctx context.Context, transactionID string) ([]*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Account
	for _, e := range m.escrows {
		if e.TransactionID == transactionID {
			cp := *e
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (m *MemoryStore) undo(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn()
}
