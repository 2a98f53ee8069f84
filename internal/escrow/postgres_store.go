package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/settlement/internal/apperr"
	"github.com/mbd888/settlement/internal/dbtx"
)

// PostgresStore persists escrow accounts in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const escrowColumns = `id, transaction_id, buyer_id, seller_id, escrow_amount, escrow_fee, status,
		delivery_confirmed, quality_approved, requires_both_parties, dispute_resolved,
		auto_release_after_seconds, security_token, release_reason,
		funded_at, released_at, refunded_at, disputed_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, a *Account) error {
	_, err := dbtx.Conn(ctx, p.db).ExecContext(ctx, `
		INSERT INTO escrow_accounts (`+escrowColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		a.ID, a.TransactionID, a.BuyerID, a.SellerID, a.EscrowAmount, a.EscrowFee, string(a.Status),
		a.DeliveryConfirmed, a.QualityApproved, a.RequiresBothParties, a.DisputeResolved,
		a.AutoReleaseSeconds, a.SecurityToken, nullString(a.ReleaseReason),
		nullTime(a.FundedAt), nullTime(a.ReleasedAt), nullTime(a.RefundedAt), nullTime(a.DisputedAt),
		a.CreatedAt, a.UpdatedAt,
	)
	if dbtx.IsUniqueViolation(err) {
		return apperr.New(apperr.Conflict, "escrow", a.TransactionID, "transaction already has an active escrow")
	}
	if err != nil {
		return fmt.Errorf("create escrow: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Account, error) {
	row := dbtx.Conn(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+escrowColumns+` FROM escrow_accounts WHERE id = $1`, id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, "escrow", id, "not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get escrow: %w", err)
	}
	return a, nil
}

func (p *PostgresStore) Update(ctx context.Context, a *Account) error {
	result, err := dbtx.Conn(ctx, p.db).ExecContext(ctx, `
		UPDATE escrow_accounts SET
			status = $1, delivery_confirmed = $2, quality_approved = $3, dispute_resolved = $4,
			release_reason = $5, funded_at = $6, released_at = $7, refunded_at = $8,
			disputed_at = $9, updated_at = $10
		WHERE id = $11`,
		string(a.Status), a.DeliveryConfirmed, a.QualityApproved, a.DisputeResolved,
		nullString(a.ReleaseReason), nullTime(a.FundedAt), nullTime(a.ReleasedAt), nullTime(a.RefundedAt),
		nullTime(a.DisputedAt), a.UpdatedAt, a.ID,
	)
	if err != nil {
		return fmt.Errorf("update escrow: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.New(apperr.NotFound, "escrow", a.ID, "not found")
	}
	return nil
}

func (p *PostgresStore) GetActiveByTransaction(ctx context.Context, transactionID string) (*Account, error) {
	row := dbtx.Conn(ctx, p.db).QueryRowContext(ctx, `
		SELECT `+escrowColumns+` FROM escrow_accounts
		WHERE transaction_id = $1 AND status IN ('created', 'funded', 'disputed')`, transactionID)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, "escrow", transactionID, "no active escrow for transaction")
	}
	if err != nil {
		return nil, fmt.Errorf("get active escrow: %w", err)
	}
	return a, nil
}

func (p *PostgresStore) ListByTransaction(ctx context.Context, transactionID string) ([]*Account, error) {
	rows, err := dbtx.Conn(ctx, p.db).QueryContext(ctx, `
		SELECT `+escrowColumns+` FROM escrow_accounts
		WHERE transaction_id = $1
		ORDER BY created_at DESC, id DESC`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("list escrows: %w", err)
	}
	defer rows.Close()

	var result []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan escrow: %w", err)
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(sc scanner) (*Account, error) {
	a := &Account{}
	var (
		status                                       string
		releaseReason                                sql.NullString
		fundedAt, releasedAt, refundedAt, disputedAt sql.NullTime
	)
	err := sc.Scan(
		&a.ID, &a.TransactionID, &a.BuyerID, &a.SellerID, &a.EscrowAmount, &a.EscrowFee, &status,
		&a.DeliveryConfirmed, &a.QualityApproved, &a.RequiresBothParties, &a.DisputeResolved,
		&a.AutoReleaseSeconds, &a.SecurityToken, &releaseReason,
		&fundedAt, &releasedAt, &refundedAt, &disputedAt, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Status = Status(status)
	a.ReleaseReason = releaseReason.String
	a.FundedAt = timePtr(fundedAt)
	a.ReleasedAt = timePtr(releasedAt)
	a.RefundedAt = timePtr(refundedAt)
	a.DisputedAt = timePtr(disputedAt)
	return a, nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
