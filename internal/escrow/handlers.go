package escrow

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/mbd888/settlement/internal/apperr"
	"github.com/mbd888/settlement/internal/auth"
	"github.com/mbd888/settlement/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a new escrow handler.
func NewHandler(ledger *Ledger) *Handler {
	return &Handler{ledger: ledger}
}

// RegisterRoutes sets up escrow routes. All routes require auth.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	operator := auth.RequireRole(auth.RoleAdmin, auth.RoleSystem)
	mediator := auth.RequireRole(auth.RoleMediator, auth.RoleAdmin)

	r.POST("/escrows", h.CreateEscrow)
	r.GET("/transactions/:id/escrow", validation.IDParamMiddleware(), h.GetEscrowByTransaction)

	g := r.Group("/escrows/:id", validation.IDParamMiddleware())
	g.GET("", h.GetEscrow)
	g.POST("/fund", operator, h.FundEscrow)
	g.POST("/confirm-delivery", h.ConfirmDelivery)
	g.POST("/confirm-quality", h.ConfirmQuality)
	g.POST("/release", operator, h.Release)
	g.POST("/refund", operator, h.Refund)
	g.POST("/dispute", mediator, h.MarkDisputed)
}

// CreateEscrowRequest is the body of POST /v1/escrows.
type CreateEscrowRequest struct {
	TransactionID       string          `json:"transactionId" binding:"required"`
	BuyerID             string          `json:"buyerId" binding:"required"`
	SellerID            string          `json:"sellerId" binding:"required"`
	Amount              decimal.Decimal `json:"amount"`
	AutoReleaseAfter    string          `json:"autoReleaseAfter"` // Duration string, e.g. "72h"
	RequiresBothParties *bool           `json:"requiresBothParties"`
}

// ReasonRequest carries an optional release or refund reason.
type ReasonRequest struct {
	Reason string `json:"reason"`
}

// CreateEscrow handles POST /v1/escrows
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req CreateEscrowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if validation.Abort(c, validation.Validate(
		validation.ValidID("transactionId", req.TransactionID),
		validation.ValidID("buyerId", req.BuyerID),
		validation.ValidID("sellerId", req.SellerID),
		validation.PositiveAmount("amount", req.Amount),
	)) {
		return
	}

	var window time.Duration
	if req.AutoReleaseAfter != "" {
		d, err := time.ParseDuration(req.AutoReleaseAfter)
		if err != nil || d <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": "autoReleaseAfter must be a positive duration such as 72h",
			})
			return
		}
		window = d
	}

	// The buyer opens the escrow; operators may open it on the buyer's behalf.
	if !auth.IsOperator(c) && auth.UserID(c) != req.BuyerID {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Authenticated user must be the buyer",
		})
		return
	}

	acct, err := h.ledger.CreateEscrow(c.Request.Context(), CreateRequest{
		TransactionID:       req.TransactionID,
		BuyerID:             req.BuyerID,
		SellerID:            req.SellerID,
		Amount:              req.Amount,
		AutoReleaseAfter:    window,
		RequiresBothParties: req.RequiresBothParties,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"escrow": acct})
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	acct, err := h.ledger.GetEscrow(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if !canView(c, acct) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Only the buyer, the seller or an operator can view this escrow",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": acct, "stage": acct.Stage()})
}

// GetEscrowByTransaction handles GET /v1/transactions/:id/escrow
func (h *Handler) GetEscrowByTransaction(c *gin.Context) {
	acct, err := h.ledger.GetEscrowByTransaction(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if !canView(c, acct) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Only the buyer, the seller or an operator can view this escrow",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": acct, "stage": acct.Stage()})
}

// FundEscrow handles POST /v1/escrows/:id/fund
func (h *Handler) FundEscrow(c *gin.Context) {
	acct, err := h.ledger.FundEscrow(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": acct})
}

// ConfirmDelivery handles POST /v1/escrows/:id/confirm-delivery
func (h *Handler) ConfirmDelivery(c *gin.Context) {
	acct, err := h.ledger.ConfirmDelivery(c.Request.Context(), c.Param("id"), auth.UserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": acct, "stage": acct.Stage()})
}

// ConfirmQuality handles POST /v1/escrows/:id/confirm-quality
func (h *Handler) ConfirmQuality(c *gin.Context) {
	acct, err := h.ledger.ConfirmQuality(c.Request.Context(), c.Param("id"), auth.UserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": acct, "stage": acct.Stage()})
}

// Release handles POST /v1/escrows/:id/release
func (h *Handler) Release(c *gin.Context) {
	var req ReasonRequest
	_ = c.ShouldBindJSON(&req) // body is optional
	acct, err := h.ledger.Release(c.Request.Context(), c.Param("id"),
		validation.SanitizeString(req.Reason, validation.MaxTitleLength))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": acct})
}

// Refund handles POST /v1/escrows/:id/refund
func (h *Handler) Refund(c *gin.Context) {
	var req ReasonRequest
	_ = c.ShouldBindJSON(&req) // body is optional
	acct, err := h.ledger.Refund(c.Request.Context(), c.Param("id"),
		validation.SanitizeString(req.Reason, validation.MaxTitleLength))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": acct})
}

// MarkDisputed handles POST /v1/escrows/:id/dispute
func (h *Handler) MarkDisputed(c *gin.Context) {
	acct, err := h.ledger.MarkDisputed(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": acct})
}

func canView(c *gin.Context, acct *Account) bool {
	if auth.HasRole(c, auth.RoleAdmin, auth.RoleSystem, auth.RoleMediator) {
		return true
	}
	uid := auth.UserID(c)
	return uid == acct.BuyerID || uid == acct.SellerID
}

func respondError(c *gin.Context, err error) {
	c.JSON(apperr.HTTPStatus(err), apperr.Body(err))
}
