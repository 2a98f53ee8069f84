package dbtx

import (
	"context"
	"time"

	"github.com/mbd888/settlement/internal/metrics"
	"github.com/mbd888/settlement/internal/syncutil"
)

// Guard serializes every mutating operation on one marketplace transaction
// and runs it in a unit of work. The lock is held until the unit commits
// or rolls back, including any completion work it triggers.
//
// Do is re-entrant: a caller already holding the guard for a transaction
// joins it instead of deadlocking on itself.
type Guard struct {
	locker syncutil.Locker
	runner Runner
}

// NewGuard creates a guard.
func NewGuard(locker syncutil.Locker, runner Runner) *Guard {
	return &Guard{locker: locker, runner: runner}
}

type heldKey struct{}

type held struct {
	key    string
	parent *held
}

func holds(ctx context.Context, key string) bool {
	for h, _ := ctx.Value(heldKey{}).(*held); h != nil; h = h.parent {
		if h.key == key {
			return true
		}
	}
	return false
}

// Do runs fn while holding the lock for transactionID.
func (g *Guard) Do(ctx context.Context, transactionID string, fn func(ctx context.Context) error) error {
	if holds(ctx, transactionID) {
		return g.runner.WithinTx(ctx, fn)
	}

	start := time.Now()
	unlock, err := g.locker.Lock(ctx, transactionID)
	metrics.LockWaitSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		return err
	}
	defer unlock()

	parent, _ := ctx.Value(heldKey{}).(*held)
	ctx = context.WithValue(ctx, heldKey{}, &held{key: transactionID, parent: parent})
	return g.runner.WithinTx(ctx, fn)
}

// Runner exposes the unit-of-work runner behind the guard.
func (g *Guard) Runner() Runner {
	return g.runner
}
