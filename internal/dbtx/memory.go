package dbtx

import "context"

// MemoryRunner is the unit of work for the in-memory stores. Stores record
// compensations with OnRollback; a failed unit replays them.
type MemoryRunner struct{}

// NewMemoryRunner returns a runner for in-memory stores.
func NewMemoryRunner() *MemoryRunner {
	return &MemoryRunner{}
}

func (MemoryRunner) WithinTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if InTx(ctx) {
		return fn(ctx)
	}

	u := &unit{}
	ctx = context.WithValue(ctx, unitKey{}, u)

	defer func() {
		if r := recover(); r != nil {
			u.rollback()
			panic(r)
		}
	}()

	if err = fn(ctx); err != nil {
		u.rollback()
		return err
	}
	u.committed()
	return nil
}
