package dispute

import (
	"context"
	"sort"
	"sync"

	"github.com/mbd888/settlement/internal/apperr"
	"github.com/mbd888/settlement/internal/dbtx"
	"github.com/mbd888/settlement/internal/pagination"
)

// MemoryStore is an in-memory dispute store for demo/development mode.
// Writes made inside a dbtx unit of work are undone if the unit fails.
type MemoryStore struct {
	disputes map[string]*Dispute
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory dispute store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{disputes: make(map[string]*Dispute)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.disputes[d.ID]; ok {
		return apperr.New(apperr.Conflict, "dispute", d.ID, "already exists")
	}
	if d.Status.IsActive() {
		for _, e := range m.disputes {
			if e.TransactionID == d.TransactionID && e.Status.IsActive() {
				return apperr.WithState(apperr.Conflict, "dispute", e.ID, string(e.Status),
					"transaction already has an active dispute")
			}
		}
	}
	m.disputes[d.ID] = d.clone()
	dbtx.OnRollback(ctx, func() { m.undo(func() { delete(m.disputes, d.ID) }) })
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.disputes[id]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "dispute", id, "not found")
	}
	return d.clone(), nil
}

func (m *MemoryStore) Update(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, ok := m.disputes[d.ID]
	if !ok {
		return apperr.New(apperr.NotFound, "dispute", d.ID, "not found")
	}
	m.disputes[d.ID] = d.clone()
	dbtx.OnRollback(ctx, func() { m.undo(func() { m.disputes[d.ID] = prev }) })
	return nil
}

func (m *MemoryStore) GetActiveByTransaction(ctx context.Context, transactionID string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, d := range m.disputes {
		if d.TransactionID == transactionID && d.Status.IsActive() {
			return d.clone(), nil
		}
	}
	return nil, apperr.New(apperr.NotFound, "dispute", transactionID, "no active dispute for transaction")
}

func (m *MemoryStore) ListByTransaction(ctx context.Context, transactionID string) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Dispute
	for _, d := range m.disputes {
		if d.TransactionID == transactionID {
			result = append(result, d.clone())
		}
	}
	sortByCreation(result)
	return result, nil
}

func (m *MemoryStore) ListByMediator(ctx context.Context, mediatorID string, after *pagination.Cursor, limit int) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Dispute
	for _, d := range m.disputes {
		if d.AssignedMediatorID != mediatorID {
			continue
		}
		if !after.Precedes(d.CreatedAt, d.ID) {
			continue
		}
		result = append(result, d.clone())
	}
	sortByCreation(result)
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func sortByCreation(ds []*Dispute) {
	sort.Slice(ds, func(i, j int) bool {
		if ds[i].CreatedAt.Equal(ds[j].CreatedAt) {
			return ds[i].ID < ds[j].ID
		}
		return ds[i].CreatedAt.Before(ds[j].CreatedAt)
	})
}

func (m *MemoryStore) undo(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn()
}
