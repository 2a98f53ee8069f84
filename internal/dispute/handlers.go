package dispute

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/mbd888/settlement/internal/apperr"
	"github.com/mbd888/settlement/internal/auth"
	"github.com/mbd888/settlement/internal/resolution"
	"github.com/mbd888/settlement/internal/validation"
)

// Handler provides HTTP endpoints for dispute operations.
type Handler struct {
	coordinator *Coordinator
}

// NewHandler creates a new dispute handler.
func NewHandler(coordinator *Coordinator) *Handler {
	return &Handler{coordinator: coordinator}
}

// RegisterRoutes sets up dispute routes. All routes require auth.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	staff := auth.RequireRole(auth.RoleMediator, auth.RoleAdmin)

	r.POST("/disputes", h.CreateDispute)
	r.GET("/mediator/disputes", staff, h.ListAssigned)
	r.GET("/transactions/:id/disputes", validation.IDParamMiddleware(), h.ListByTransaction)

	g := r.Group("/disputes/:id", validation.IDParamMiddleware())
	g.GET("", h.GetDispute)
	g.POST("/respond", h.Respond)
	g.POST("/evidence", h.AddEvidence)
	g.POST("/mediator", staff, h.AssignMediator)
	g.POST("/escalate", staff, h.Escalate)
	g.POST("/resolve", staff, h.Resolve)
	g.POST("/close", staff, h.Close)
}

// CreateDisputeRequest is the body of POST /v1/disputes.
type CreateDisputeRequest struct {
	TransactionID string          `json:"transactionId" binding:"required"`
	DisputeType   string          `json:"disputeType" binding:"required"`
	Title         string          `json:"title" binding:"required"`
	Description   string          `json:"description"`
	Priority      string          `json:"priority"`
	Evidence      []EvidenceInput `json:"evidence"`
}

// RespondRequest is the body of POST /v1/disputes/:id/respond.
type RespondRequest struct {
	Response string          `json:"response" binding:"required"`
	Evidence []EvidenceInput `json:"evidence"`
}

// AssignMediatorRequest is the body of POST /v1/disputes/:id/mediator.
type AssignMediatorRequest struct {
	MediatorID string `json:"mediatorId" binding:"required"`
}

// EscalateRequest is the body of POST /v1/disputes/:id/escalate.
type EscalateRequest struct {
	Reason string `json:"reason"`
}

// ResolveRequest is the body of POST /v1/disputes/:id/resolve.
type ResolveRequest struct {
	Verdict            string              `json:"verdict" binding:"required"`
	ResolutionType     string              `json:"resolutionType" binding:"required"`
	CompensationAmount decimal.NullDecimal `json:"compensationAmount"`
	AgreedSolution     string              `json:"agreedSolution"`
}

func invalidBody(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": "Invalid request body",
	})
}

// CreateDispute handles POST /v1/disputes
func (h *Handler) CreateDispute(c *gin.Context) {
	var req CreateDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c)
		return
	}

	rules := []func() *validation.ValidationError{
		validation.ValidID("transactionId", req.TransactionID),
		validation.MaxLength("title", req.Title, validation.MaxTitleLength),
		validation.MaxLength("description", req.Description, validation.MaxStringLength),
		validation.OneOf("disputeType", req.DisputeType, typeNames()...),
	}
	if req.Priority != "" {
		rules = append(rules, validation.OneOf("priority", req.Priority, "low", "normal", "high", "urgent"))
	}
	if validation.Abort(c, validation.Validate(rules...)) {
		return
	}

	d, err := h.coordinator.CreateDispute(c.Request.Context(), CreateRequest{
		TransactionID: req.TransactionID,
		SubmitterID:   auth.UserID(c),
		Type:          Type(req.DisputeType),
		Title:         validation.SanitizeString(req.Title, validation.MaxTitleLength),
		Description:   validation.SanitizeString(req.Description, validation.MaxStringLength),
		Evidence:      req.Evidence,
		Priority:      Priority(req.Priority),
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// GetDispute handles GET /v1/disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	ctx := c.Request.Context()
	d, err := h.coordinator.GetDispute(ctx, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if !canView(c, d) {
		forbidden(c, "Only the parties, the mediator or staff can view this dispute")
		return
	}
	parties, err := h.coordinator.Parties(ctx, d)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d, "parties": parties})
}

// ListByTransaction handles GET /v1/transactions/:id/disputes
func (h *Handler) ListByTransaction(c *gin.Context) {
	ds, err := h.coordinator.ListByTransaction(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	visible := make([]*Dispute, 0, len(ds))
	for _, d := range ds {
		if canView(c, d) {
			visible = append(visible, d)
		}
	}
	c.JSON(http.StatusOK, gin.H{"disputes": visible, "count": len(visible)})
}

// ListAssigned handles GET /v1/mediator/disputes
func (h *Handler) ListAssigned(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": "limit must be a positive integer",
			})
			return
		}
		limit = n
	}
	mediatorID := auth.UserID(c)
	if auth.HasRole(c, auth.RoleAdmin) && c.Query("mediatorId") != "" {
		mediatorID = c.Query("mediatorId")
	}

	ds, next, more, err := h.coordinator.ListAssigned(c.Request.Context(), mediatorID, c.Query("cursor"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	resp := gin.H{"disputes": ds, "count": len(ds), "has_more": more}
	if more {
		resp["next_cursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// Respond handles POST /v1/disputes/:id/respond
func (h *Handler) Respond(c *gin.Context) {
	var req RespondRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c)
		return
	}
	if validation.Abort(c, validation.Validate(
		validation.MaxLength("response", req.Response, validation.MaxStringLength),
	)) {
		return
	}
	d, err := h.coordinator.RespondToDispute(c.Request.Context(), c.Param("id"), auth.UserID(c),
		validation.SanitizeString(req.Response, validation.MaxStringLength), req.Evidence)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// AddEvidence handles POST /v1/disputes/:id/evidence
func (h *Handler) AddEvidence(c *gin.Context) {
	var req EvidenceInput
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c)
		return
	}
	rules := []func() *validation.ValidationError{
		validation.Required("content", req.Content),
		validation.MaxLength("content", req.Content, validation.MaxStringLength),
		validation.MaxLength("description", req.Description, validation.MaxStringLength),
	}
	if req.Kind != "" {
		rules = append(rules, validation.OneOf("kind", req.Kind, "text", "url", "file"))
	}
	if validation.Abort(c, validation.Validate(rules...)) {
		return
	}
	actor := Actor{UserID: auth.UserID(c), Staff: auth.HasRole(c, auth.RoleMediator, auth.RoleAdmin)}
	d, err := h.coordinator.AddEvidence(c.Request.Context(), c.Param("id"), actor, req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// AssignMediator handles POST /v1/disputes/:id/mediator
func (h *Handler) AssignMediator(c *gin.Context) {
	var req AssignMediatorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c)
		return
	}
	if validation.Abort(c, validation.Validate(validation.ValidID("mediatorId", req.MediatorID))) {
		return
	}
	d, err := h.coordinator.AssignMediator(c.Request.Context(), c.Param("id"), auth.UserID(c), req.MediatorID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// Escalate handles POST /v1/disputes/:id/escalate
func (h *Handler) Escalate(c *gin.Context) {
	var req EscalateRequest
	_ = c.ShouldBindJSON(&req) // body is optional
	d, err := h.coordinator.EscalateToArbitration(c.Request.Context(), c.Param("id"), auth.UserID(c),
		validation.SanitizeString(req.Reason, validation.MaxStringLength))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// Resolve handles POST /v1/disputes/:id/resolve
func (h *Handler) Resolve(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c)
		return
	}
	rules := []func() *validation.ValidationError{
		validation.MaxLength("verdict", req.Verdict, validation.MaxStringLength),
		validation.MaxLength("agreedSolution", req.AgreedSolution, validation.MaxStringLength),
	}
	if req.CompensationAmount.Valid {
		rules = append(rules, validation.NonNegativeAmount("compensationAmount", req.CompensationAmount.Decimal))
	}
	if validation.Abort(c, validation.Validate(rules...)) {
		return
	}
	d, err := h.coordinator.ResolveDispute(c.Request.Context(), c.Param("id"), auth.UserID(c), Resolve{
		Verdict:            validation.SanitizeString(req.Verdict, validation.MaxStringLength),
		ResolutionType:     resolution.Type(req.ResolutionType),
		CompensationAmount: req.CompensationAmount,
		AgreedSolution:     validation.SanitizeString(req.AgreedSolution, validation.MaxStringLength),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// Close handles POST /v1/disputes/:id/close
func (h *Handler) Close(c *gin.Context) {
	d, err := h.coordinator.CloseDispute(c.Request.Context(), c.Param("id"), auth.UserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

func typeNames() []string {
	names := make([]string, len(Types))
	for i, t := range Types {
		names[i] = string(t)
	}
	return names
}

func canView(c *gin.Context, d *Dispute) bool {
	if auth.HasRole(c, auth.RoleAdmin, auth.RoleSystem, auth.RoleMediator) {
		return true
	}
	return d.IsParty(auth.UserID(c))
}

func forbidden(c *gin.Context, msg string) {
	c.JSON(http.StatusForbidden, gin.H{
		"error":   "unauthorized",
		"message": msg,
	})
}

func respondError(c *gin.Context, err error) {
	c.JSON(apperr.HTTPStatus(err), apperr.Body(err))
}
