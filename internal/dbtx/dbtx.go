// Package dbtx provides the unit of work that settlement operations run in.
//
// A unit of work travels in the context. Stores pick up the active
// transaction with Conn (Postgres) or register compensations with
// OnRollback (memory), so one Ledger call and the completion work it
// triggers commit or roll back together. Nested WithinTx calls join the
// outer unit.
package dbtx

import (
	"context"
	"database/sql"
	"sync"
)

// Runner executes fn inside a unit of work.
type Runner interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Executor is the subset of *sql.DB and *sql.Tx the stores use.
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type unitKey struct{}

type unit struct {
	tx *sql.Tx

	mu          sync.Mutex
	undo        []func()
	afterCommit []func()
}

func fromContext(ctx context.Context) *unit {
	u, _ := ctx.Value(unitKey{}).(*unit)
	return u
}

// InTx reports whether ctx carries an active unit of work.
func InTx(ctx context.Context) bool {
	return fromContext(ctx) != nil
}

// Conn returns the active SQL transaction if ctx carries one, else db.
func Conn(ctx context.Context, db *sql.DB) Executor {
	if u := fromContext(ctx); u != nil && u.tx != nil {
		return u.tx
	}
	return db
}

// OnRollback registers a compensation that runs, in reverse registration
// order, if the unit of work fails. Outside a unit it is a no-op.
func OnRollback(ctx context.Context, fn func()) {
	if u := fromContext(ctx); u != nil {
		u.mu.Lock()
		u.undo = append(u.undo, fn)
		u.mu.Unlock()
	}
}

// AfterCommit registers fn to run once the outermost unit commits. Outside
// a unit fn runs immediately. Hooks of a failed unit are discarded.
func AfterCommit(ctx context.Context, fn func()) {
	u := fromContext(ctx)
	if u == nil {
		fn()
		return
	}
	u.mu.Lock()
	u.afterCommit = append(u.afterCommit, fn)
	u.mu.Unlock()
}

func (u *unit) rollback() {
	u.mu.Lock()
	undo := u.undo
	u.undo = nil
	u.mu.Unlock()
	for i := len(undo) - 1; i >= 0; i-- {
		undo[i]()
	}
}

func (u *unit) committed() {
	u.mu.Lock()
	hooks := u.afterCommit
	u.afterCommit = nil
	u.mu.Unlock()
	for _, h := range hooks {
		h()
	}
}
