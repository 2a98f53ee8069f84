// Package marketplace holds the marketplace records the settlement engine
// collaborates with: transactions, users, asset ownership, transfer history
// and revenue records. The engine only changes a transaction's status and
// escrow link; ownership and revenue records are written once by the
// completion step.
package marketplace

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionStatus is the lifecycle status of a sale.
type TransactionStatus string

const (
	TxPending   TransactionStatus = "pending"
	TxPaid      TransactionStatus = "paid"
	TxInEscrow  TransactionStatus = "in_escrow"
	TxDisputed  TransactionStatus = "disputed"
	TxCompleted TransactionStatus = "completed"
	TxRefunded  TransactionStatus = "refunded"
	TxCancelled TransactionStatus = "cancelled"
)

// IsPreEscrow reports whether an escrow may still be opened for the sale.
func (s TransactionStatus) IsPreEscrow() bool {
	return s == TxPending || s == TxPaid
}

// Transaction is one sale between a seller and a buyer for a listing.
type Transaction struct {
	ID             string            `json:"id"`
	ListingID      string            `json:"listingId"`
	BuyerID        string            `json:"buyerId"`
	SellerID       string            `json:"sellerId"`
	SalePrice      decimal.Decimal   `json:"salePrice"`
	PlatformFee    decimal.Decimal   `json:"platformFee"`
	CreatorRoyalty decimal.Decimal   `json:"creatorRoyalty"`
	Status         TransactionStatus `json:"status"`
	EscrowID       string            `json:"escrowId,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

// Counterparty returns the other side of the sale, or "" if userID is
// neither buyer nor seller.
func (t *Transaction) Counterparty(userID string) string {
	switch userID {
	case t.BuyerID:
		return t.SellerID
	case t.SellerID:
		return t.BuyerID
	default:
		return ""
	}
}

// User is display metadata for a marketplace participant.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email,omitempty"`
}

// Asset types that carry an origin creator.
const (
	AssetWidget   = "widget"
	AssetTemplate = "template"
)

// AssetOwnership tracks who holds a traded asset.
type AssetOwnership struct {
	ID               string          `json:"id"`
	ListingID        string          `json:"listingId"`
	AssetType        string          `json:"assetType"`
	AssetID          string          `json:"assetId"`
	CurrentOwnerID   string          `json:"currentOwnerId"`
	PreviousOwnerID  string          `json:"previousOwnerId,omitempty"`
	CurrentValuation decimal.Decimal `json:"currentValuation"`
	ListedForSale    bool            `json:"listedForSale"`
	AcquiredAt       *time.Time      `json:"acquiredAt,omitempty"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// TransferPurchase is the transfer type recorded for a completed sale.
const TransferPurchase = "purchase"

// TransferHistory is the write-once audit record of an ownership change.
type TransferHistory struct {
	ID            string          `json:"id"`
	TransactionID string          `json:"transactionId"`
	ListingID     string          `json:"listingId"`
	AssetType     string          `json:"assetType"`
	AssetID       string          `json:"assetId"`
	FromUserID    string          `json:"fromUserId"`
	ToUserID      string          `json:"toUserId"`
	TransferType  string          `json:"transferType"`
	TransferPrice decimal.Decimal `json:"transferPrice"`
	TransferHash  string          `json:"transferHash"`
	Verified      bool            `json:"verified"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// Revenue record constants.
const (
	RecipientPlatform    = "platform"
	ShareTypePlatformFee = "platform_fee"
	ShareStatusPaid      = "paid"
	RoyaltyProcessed     = "processed"
)

// RevenueShare is the platform's cut of a completed sale.
type RevenueShare struct {
	ID              string          `json:"id"`
	TransactionID   string          `json:"transactionId"`
	Recipient       string          `json:"recipient"`
	ShareType       string          `json:"shareType"`
	ShareAmount     decimal.Decimal `json:"shareAmount"`
	SharePercentage decimal.Decimal `json:"sharePercentage"`
	Status          string          `json:"status"`
	PaidAt          *time.Time      `json:"paidAt,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
}

// CreatorRoyalty is the original creator's cut of a resale.
type CreatorRoyalty struct {
	ID            string          `json:"id"`
	TransactionID string          `json:"transactionId"`
	CreatorID     string          `json:"creatorId"`
	AssetType     string          `json:"assetType"`
	AssetID       string          `json:"assetId"`
	SalePrice     decimal.Decimal `json:"salePrice"`
	RoyaltyAmount decimal.Decimal `json:"royaltyAmount"`
	RoyaltyRate   decimal.Decimal `json:"royaltyRate"`
	Status        string          `json:"status"`
	ProcessedAt   *time.Time      `json:"processedAt,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// TransactionStore reads sales and updates their settlement fields.
type TransactionStore interface {
	CreateTransaction(ctx context.Context, tx *Transaction) error
	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	// GetTransactionForUpdate reads the sale and, inside a unit of work,
	// holds its row lock until the unit ends.
	GetTransactionForUpdate(ctx context.Context, id string) (*Transaction, error)
	UpdateSettlement(ctx context.Context, id string, status TransactionStatus, escrowID string) error
}

// UserDirectory resolves display metadata. Read-only.
type UserDirectory interface {
	GetUser(ctx context.Context, id string) (*User, error)
}

// OwnershipStore reads and writes asset ownership and its transfer log.
type OwnershipStore interface {
	CreateOwnership(ctx context.Context, o *AssetOwnership) error
	GetOwnershipByListing(ctx context.Context, listingID string) (*AssetOwnership, error)
	UpdateOwnership(ctx context.Context, o *AssetOwnership) error
	// AppendTransfer fails with apperr.Conflict if the transaction already
	// has a transfer record.
	AppendTransfer(ctx context.Context, t *TransferHistory) error
	TransfersByTransaction(ctx context.Context, transactionID string) ([]*TransferHistory, error)
}

// RevenueStore appends revenue records. Each transaction gets at most one
// of each kind; duplicates fail with apperr.Conflict.
type RevenueStore interface {
	AppendRevenueShare(ctx context.Context, r *RevenueShare) error
	AppendCreatorRoyalty(ctx context.Context, r *CreatorRoyalty) error
	RevenueSharesByTransaction(ctx context.Context, transactionID string) ([]*RevenueShare, error)
	RoyaltiesByTransaction(ctx context.Context, transactionID string) ([]*CreatorRoyalty, error)
}

// CreatorResolver finds the original creator of a widget or template.
// It returns an apperr.NotFound error when the asset has no origin record.
type CreatorResolver interface {
	ResolveCreator(ctx context.Context, assetType, assetID string) (string, error)
}

// Store is everything the settlement engine needs from the marketplace.
type Store interface {
	TransactionStore
	UserDirectory
	OwnershipStore
	RevenueStore
	CreatorResolver
}
