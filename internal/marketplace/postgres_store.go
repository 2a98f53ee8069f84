package marketplace

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/settlement/internal/apperr"
	"github.com/mbd888/settlement/internal/dbtx"
)

// PostgresStore persists marketplace records in PostgreSQL. Every query
// runs on the unit-of-work transaction carried by ctx when there is one.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed marketplace store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const transactionColumns = `id, listing_id, buyer_id, seller_id, sale_price, platform_fee,
		creator_royalty, status, escrow_id, created_at, updated_at`

func (p *PostgresStore) CreateTransaction(ctx context.Context, tx *Transaction) error {
	_, err := dbtx.Conn(ctx, p.db).ExecContext(ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		tx.ID, tx.ListingID, tx.BuyerID, tx.SellerID, tx.SalePrice, tx.PlatformFee,
		tx.CreatorRoyalty, string(tx.Status), nullString(tx.EscrowID), tx.CreatedAt, tx.UpdatedAt,
	)
	if dbtx.IsUniqueViolation(err) {
		return apperr.New(apperr.Conflict, "transaction", tx.ID, "already exists")
	}
	return err
}

func (p *PostgresStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	row := dbtx.Conn(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)
	return p.scanTransactionRow(row, id)
}

func (p *PostgresStore) GetTransactionForUpdate(ctx context.Context, id string) (*Transaction, error) {
	row := dbtx.Conn(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = $1 FOR UPDATE`, id)
	return p.scanTransactionRow(row, id)
}

func (p *PostgresStore) scanTransactionRow(row *sql.Row, id string) (*Transaction, error) {
	tx := &Transaction{}
	var status string
	var escrowID sql.NullString
	err := row.Scan(&tx.ID, &tx.ListingID, &tx.BuyerID, &tx.SellerID, &tx.SalePrice, &tx.PlatformFee,
		&tx.CreatorRoyalty, &status, &escrowID, &tx.CreatedAt, &tx.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, "transaction", id, "not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	tx.Status = TransactionStatus(status)
	tx.EscrowID = escrowID.String
	return tx, nil
}

func (p *PostgresStore) UpdateSettlement(ctx context.Context, id string, status TransactionStatus, escrowID string) error {
	result, err := dbtx.Conn(ctx, p.db).ExecContext(ctx, `
		UPDATE transactions SET status = $1, escrow_id = $2, updated_at = $3
		WHERE id = $4`,
		string(status), nullString(escrowID), time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("update transaction: %w", err)
	}
	return requireRow(result, "transaction", id)
}

// CreateUser seeds the directory.
func (p *PostgresStore) CreateUser(ctx context.Context, u *User) error {
	_, err := dbtx.Conn(ctx, p.db).ExecContext(ctx,
		`INSERT INTO users (id, display_name, email) VALUES ($1, $2, $3)`,
		u.ID, u.DisplayName, nullString(u.Email))
	return err
}

func (p *PostgresStore) GetUser(ctx context.Context, id string) (*User, error) {
	u := &User{}
	var email sql.NullString
	err := dbtx.Conn(ctx, p.db).QueryRowContext(ctx,
		`SELECT id, display_name, email FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.DisplayName, &email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, "user", id, "not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	u.Email = email.String
	return u, nil
}

const ownershipColumns = `id, listing_id, asset_type, asset_id, current_owner_id, previous_owner_id,
		current_valuation, listed_for_sale, acquired_at, updated_at`

func (p *PostgresStore) CreateOwnership(ctx context.Context, o *AssetOwnership) error {
	_, err := dbtx.Conn(ctx, p.db).ExecContext(ctx, `
		INSERT INTO asset_ownership (`+ownershipColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		o.ID, o.ListingID, o.AssetType, o.AssetID, o.CurrentOwnerID, nullString(o.PreviousOwnerID),
		o.CurrentValuation, o.ListedForSale, nullTime(o.AcquiredAt), o.UpdatedAt,
	)
	if dbtx.IsUniqueViolation(err) {
		return apperr.New(apperr.Conflict, "ownership", o.ListingID, "already exists")
	}
	return err
}

func (p *PostgresStore) GetOwnershipByListing(ctx context.Context, listingID string) (*AssetOwnership, error) {
	o := &AssetOwnership{}
	var prev sql.NullString
	var acquired sql.NullTime
	err := dbtx.Conn(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+ownershipColumns+` FROM asset_ownership WHERE listing_id = $1 FOR UPDATE`, listingID).
		Scan(&o.ID, &o.ListingID, &o.AssetType, &o.AssetID, &o.CurrentOwnerID, &prev,
			&o.CurrentValuation, &o.ListedForSale, &acquired, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, "ownership", listingID, "no ownership record for listing")
	}
	if err != nil {
		return nil, fmt.Errorf("get ownership: %w", err)
	}
	o.PreviousOwnerID = prev.String
	if acquired.Valid {
		o.AcquiredAt = &acquired.Time
	}
	return o, nil
}

func (p *PostgresStore) UpdateOwnership(ctx context.Context, o *AssetOwnership) error {
	result, err := dbtx.Conn(ctx, p.db).ExecContext(ctx, `
		UPDATE asset_ownership SET
			current_owner_id = $1, previous_owner_id = $2, current_valuation = $3,
			listed_for_sale = $4, acquired_at = $5, updated_at = $6
		WHERE listing_id = $7`,
		o.CurrentOwnerID, nullString(o.PreviousOwnerID), o.CurrentValuation,
		o.ListedForSale, nullTime(o.AcquiredAt), o.UpdatedAt, o.ListingID,
	)
	if err != nil {
		return fmt.Errorf("update ownership: %w", err)
	}
	return requireRow(result, "ownership", o.ListingID)
}

const transferColumns = `id, transaction_id, listing_id, asset_type, asset_id, from_user_id, to_user_id,
		transfer_type, transfer_price, transfer_hash, verified, created_at`

func (p *PostgresStore) AppendTransfer(ctx context.Context, t *TransferHistory) error {
	_, err := dbtx.Conn(ctx, p.db).ExecContext(ctx, `
		INSERT INTO transfer_history (`+transferColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		t.ID, t.TransactionID, t.ListingID, t.AssetType, t.AssetID, t.FromUserID, t.ToUserID,
		t.TransferType, t.TransferPrice, t.TransferHash, t.Verified, t.CreatedAt,
	)
	if dbtx.IsUniqueViolation(err) {
		return apperr.New(apperr.Conflict, "transfer", t.TransactionID, "transfer already recorded for transaction")
	}
	return err
}

func (p *PostgresStore) TransfersByTransaction(ctx context.Context, transactionID string) ([]*TransferHistory, error) {
	rows, err := dbtx.Conn(ctx, p.db).QueryContext(ctx,
		`SELECT `+transferColumns+` FROM transfer_history WHERE transaction_id = $1`, transactionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*TransferHistory
	for rows.Next() {
		t := &TransferHistory{}
		if err := rows.Scan(&t.ID, &t.TransactionID, &t.ListingID, &t.AssetType, &t.AssetID,
			&t.FromUserID, &t.ToUserID, &t.TransferType, &t.TransferPrice, &t.TransferHash,
			&t.Verified, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *PostgresStore) AppendRevenueShare(ctx context.Context, r *RevenueShare) error {
	_, err := dbtx.Conn(ctx, p.db).ExecContext(ctx, `
		INSERT INTO revenue_shares (
			id, transaction_id, recipient, share_type, share_amount,
			share_percentage, status, paid_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ID, r.TransactionID, r.Recipient, r.ShareType, r.ShareAmount,
		r.SharePercentage, r.Status, nullTime(r.PaidAt), r.CreatedAt,
	)
	if dbtx.IsUniqueViolation(err) {
		return apperr.New(apperr.Conflict, "revenue_share", r.TransactionID, "revenue share already recorded for transaction")
	}
	return err
}

func (p *PostgresStore) AppendCreatorRoyalty(ctx context.Context, r *CreatorRoyalty) error {
	_, err := dbtx.Conn(ctx, p.db).ExecContext(ctx, `
		INSERT INTO creator_royalties (
			id, transaction_id, creator_id, asset_type, asset_id, sale_price,
			royalty_amount, royalty_rate, status, processed_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		r.ID, r.TransactionID, r.CreatorID, r.AssetType, r.AssetID, r.SalePrice,
		r.RoyaltyAmount, r.RoyaltyRate, r.Status, nullTime(r.ProcessedAt), r.CreatedAt,
	)
	if dbtx.IsUniqueViolation(err) {
		return apperr.New(apperr.Conflict, "creator_royalty", r.TransactionID, "royalty already recorded for transaction")
	}
	return err
}

func (p *PostgresStore) RevenueSharesByTransaction(ctx context.Context, transactionID string) ([]*RevenueShare, error) {
	rows, err := dbtx.Conn(ctx, p.db).QueryContext(ctx, `
		SELECT id, transaction_id, recipient, share_type, share_amount,
		       share_percentage, status, paid_at, created_at
		FROM revenue_shares WHERE transaction_id = $1`, transactionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*RevenueShare
	for rows.Next() {
		r := &RevenueShare{}
		var paidAt sql.NullTime
		if err := rows.Scan(&r.ID, &r.TransactionID, &r.Recipient, &r.ShareType, &r.ShareAmount,
			&r.SharePercentage, &r.Status, &paidAt, &r.CreatedAt); err != nil {
			return nil, err
		}
		if paidAt.Valid {
			r.PaidAt = &paidAt.Time
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) RoyaltiesByTransaction(ctx context.Context, transactionID string) ([]*CreatorRoyalty, error) {
	rows, err := dbtx.Conn(ctx, p.db).QueryContext(ctx, `
		SELECT id, transaction_id, creator_id, asset_type, asset_id, sale_price,
		       royalty_amount, royalty_rate, status, processed_at, created_at
		FROM creator_royalties WHERE transaction_id = $1`, transactionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*CreatorRoyalty
	for rows.Next() {
		r := &CreatorRoyalty{}
		var processedAt sql.NullTime
		if err := rows.Scan(&r.ID, &r.TransactionID, &r.CreatorID, &r.AssetType, &r.AssetID, &r.SalePrice,
			&r.RoyaltyAmount, &r.RoyaltyRate, &r.Status, &processedAt, &r.CreatedAt); err != nil {
			return nil, err
		}
		if processedAt.Valid {
			r.ProcessedAt = &processedAt.Time
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SetCreator seeds the origin record of a widget or template.
func (p *PostgresStore) SetCreator(ctx context.Context, assetType, assetID, creatorID string) error {
	_, err := dbtx.Conn(ctx, p.db).ExecContext(ctx, `
		INSERT INTO asset_origins (asset_type, asset_id, creator_id) VALUES ($1, $2, $3)
		ON CONFLICT (asset_type, asset_id) DO UPDATE SET creator_id = EXCLUDED.creator_id`,
		assetType, assetID, creatorID)
	return err
}

func (p *PostgresStore) ResolveCreator(ctx context.Context, assetType, assetID string) (string, error) {
	if assetType != AssetWidget && assetType != AssetTemplate {
		return "", apperr.Newf(apperr.NotFound, "asset_origin", assetID, "asset type %q has no origin record", assetType)
	}
	var creator string
	err := dbtx.Conn(ctx, p.db).QueryRowContext(ctx,
		`SELECT creator_id FROM asset_origins WHERE asset_type = $1 AND asset_id = $2`,
		assetType, assetID).Scan(&creator)
	if errors.Is(err, sql.ErrNoRows) {
		return "", apperr.New(apperr.NotFound, "asset_origin", assetID, "no origin record")
	}
	if err != nil {
		return "", fmt.Errorf("resolve creator: %w", err)
	}
	return creator, nil
}

func requireRow(result sql.Result, entity, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.New(apperr.NotFound, entity, id, "not found")
	}
	return nil
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
