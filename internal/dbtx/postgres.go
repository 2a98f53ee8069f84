package dbtx

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/settlement/internal/logging"
	"github.com/mbd888/settlement/internal/metrics"
	"github.com/mbd888/settlement/internal/retry"
)

// PostgresRunner runs each unit of work in a SERIALIZABLE transaction and
// replays it when Postgres aborts it with a serialization failure or a
// deadlock.
type PostgresRunner struct {
	db     *sql.DB
	policy retry.Policy
}

// NewPostgresRunner creates a runner on db.
func NewPostgresRunner(db *sql.DB) *PostgresRunner {
	return &PostgresRunner{
		db: db,
		policy: retry.Policy{
			Attempts:  5,
			BaseDelay: 10 * time.Millisecond,
			MaxDelay:  200 * time.Millisecond,
			Retryable: IsSerializationFailure,
		},
	}
}

func (r *PostgresRunner) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if InTx(ctx) {
		return fn(ctx)
	}

	return retry.Do(ctx, r.policy, func(attempt int) error {
		if attempt > 1 {
			metrics.TxRetriesTotal.Inc()
			logging.L(ctx).Debug("retrying serialization failure", "attempt", attempt)
		}
		return r.attempt(ctx, fn)
	})
}

func (r *PostgresRunner) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	u := &unit{tx: tx}
	if err := fn(context.WithValue(ctx, unitKey{}, u)); err != nil {
		u.rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		u.rollback()
		return fmt.Errorf("commit: %w", err)
	}
	u.committed()
	return nil
}

// IsSerializationFailure reports whether err is a Postgres serialization
// failure (40001) or deadlock (40P01).
func IsSerializationFailure(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}

// IsUniqueViolation reports whether err is a unique constraint violation.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
