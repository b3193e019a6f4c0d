package ledger

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CertificateRenderer renders a retirement summary into a downloadable
// certificate document.
type CertificateRenderer interface {
	Render(summary *RetirementSummary) ([]byte, error)
}

// Handler handles HTTP requests for ledger operations.
type Handler struct {
	service      *Service
	certificates CertificateRenderer
	logger       *zap.Logger
}

// NewHandler creates a new ledger handler.
func NewHandler(service *Service, certificates CertificateRenderer, logger *zap.Logger) *Handler {
	return &Handler{
		service:      service,
		certificates: certificates,
		logger:       logger,
	}
}

// RegisterRoutes registers ledger routes.
func (h *Handler) RegisterRoutes(router *gin.RouterGroup) {
	credits := router.Group("/credits")
	{
		credits.POST("/issue", h.issueCredit)
		credits.POST("/transfer", h.transferCredits)
		credits.POST("/retire", h.retireCredits)
		credits.GET("/:id", h.getCredit)
		credits.GET("/:id/audit", h.getAuditTrail)
		credits.PUT("/:id/listing", h.updateListing)
		credits.POST("/:id/verify", h.reverifyCredit)
	}
	router.GET("/users/:userId/credits", h.getUserCredits)
}

type issueCreditRequest struct {
	OwnerID      uuid.UUID  `json:"owner_id" binding:"required"`
	DeviceID     uuid.UUID  `json:"device_id" binding:"required"`
	EnergyAmount float64    `json:"energy_amount" binding:"required"`
	Timestamp    *time.Time `json:"timestamp"`
}

// issueCredit handles POST /api/v1/credits/issue
func (h *Handler) issueCredit(c *gin.Context) {
	var req issueCreditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "VALIDATION_ERROR", "error": err.Error()})
		return
	}

	issueReq := IssueRequest{
		OwnerID:      req.OwnerID,
		DeviceID:     req.DeviceID,
		EnergyAmount: req.EnergyAmount,
	}
	if req.Timestamp != nil {
		issueReq.Timestamp = *req.Timestamp
	}

	summary, err := h.service.Issuance.IssueCredit(c.Request.Context(), issueReq)
	if err != nil {
		h.respondError(c, err, "failed to issue credit")
		return
	}

	status := http.StatusCreated
	if summary.AlreadyMinted {
		status = http.StatusOK
	}
	c.JSON(status, summary)
}

type transferCreditsRequest struct {
	FromUserID     uuid.UUID   `json:"from_user_id" binding:"required"`
	ToAddress      string      `json:"to_address" binding:"required"`
	Amount         float64     `json:"amount" binding:"required"`
	CreditIDs      []uuid.UUID `json:"credit_ids" binding:"required"`
	IdempotencyKey string      `json:"idempotency_key"`
}

// transferCredits handles POST /api/v1/credits/transfer
func (h *Handler) transferCredits(c *gin.Context) {
	var req transferCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "VALIDATION_ERROR", "error": err.Error()})
		return
	}

	summary, err := h.service.Transfer.TransferCredits(c.Request.Context(), TransferRequest{
		FromUserID:     req.FromUserID,
		ToAddress:      req.ToAddress,
		Amount:         req.Amount,
		CreditIDs:      req.CreditIDs,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.respondError(c, err, "failed to transfer credits")
		return
	}

	c.JSON(http.StatusOK, summary)
}

type retireCreditsRequest struct {
	UserID      uuid.UUID   `json:"user_id" binding:"required"`
	CreditIDs   []uuid.UUID `json:"credit_ids" binding:"required"`
	Reason      string      `json:"reason" binding:"required"`
	Beneficiary string      `json:"beneficiary"`
}

// retireCredits handles POST /api/v1/credits/retire. With ?format=pdf the
// response is a retirement certificate instead of JSON.
func (h *Handler) retireCredits(c *gin.Context) {
	var req retireCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "VALIDATION_ERROR", "error": err.Error()})
		return
	}

	summary, err := h.service.Retirement.RetireCredits(c.Request.Context(), RetireRequest{
		UserID:      req.UserID,
		CreditIDs:   req.CreditIDs,
		Reason:      req.Reason,
		Beneficiary: req.Beneficiary,
	})
	if err != nil {
		h.respondError(c, err, "failed to retire credits")
		return
	}

	if c.Query("format") == "pdf" && h.certificates != nil {
		pdf, err := h.certificates.Render(summary)
		if err != nil {
			h.logger.Error("failed to render retirement certificate", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "error": "certificate rendering failed"})
			return
		}
		c.Header("Content-Disposition", "attachment; filename=retirement-certificate.pdf")
		c.Data(http.StatusOK, "application/pdf", pdf)
		return
	}

	c.JSON(http.StatusOK, summary)
}

// getCredit handles GET /api/v1/credits/:id
func (h *Handler) getCredit(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "VALIDATION_ERROR", "error": "invalid credit ID"})
		return
	}

	credit, err := h.service.GetCredit(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err, "failed to get credit")
		return
	}
	c.JSON(http.StatusOK, credit)
}

// reverifyCredit handles POST /api/v1/credits/:id/verify
func (h *Handler) reverifyCredit(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "VALIDATION_ERROR", "error": "invalid credit ID"})
		return
	}

	credit, err := h.service.ReverifyCredit(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err, "failed to re-verify credit")
		return
	}
	c.JSON(http.StatusOK, credit)
}

// getAuditTrail handles GET /api/v1/credits/:id/audit
func (h *Handler) getAuditTrail(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "VALIDATION_ERROR", "error": "invalid credit ID"})
		return
	}

	entries, err := h.service.AuditTrail(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err, "failed to get audit trail")
		return
	}
	c.JSON(http.StatusOK, gin.H{"credit_id": id, "entries": entries})
}

type updateListingRequest struct {
	UserID    uuid.UUID `json:"user_id" binding:"required"`
	Available bool      `json:"available"`
	Price     *float64  `json:"price"`
}

// updateListing handles PUT /api/v1/credits/:id/listing
func (h *Handler) updateListing(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "VALIDATION_ERROR", "error": "invalid credit ID"})
		return
	}

	var req updateListingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "VALIDATION_ERROR", "error": err.Error()})
		return
	}

	if err := h.service.UpdateListing(c.Request.Context(), req.UserID, id, req.Available, req.Price); err != nil {
		h.respondError(c, err, "failed to update listing")
		return
	}
	c.Status(http.StatusNoContent)
}

// getUserCredits handles GET /api/v1/users/:userId/credits
func (h *Handler) getUserCredits(c *gin.Context) {
	userID, err := uuid.Parse(c.Param("userId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "VALIDATION_ERROR", "error": "invalid user ID"})
		return
	}

	filters := UserCreditFilters{
		IncludeRetired: c.Query("include_retired") == "true",
		Page:           h.getIntParam(c, "page", 1),
		PageSize:       h.getIntParam(c, "page_size", 20),
	}
	if vintage := c.Query("vintage_year"); vintage != "" {
		if year, err := strconv.Atoi(vintage); err == nil {
			filters.VintageYear = &year
		}
	}
	if projectType := c.Query("project_type"); projectType != "" {
		filters.ProjectType = &projectType
	}

	page, err := h.service.GetUserCredits(c.Request.Context(), userID, filters)
	if err != nil {
		h.respondError(c, err, "failed to list user credits")
		return
	}
	c.JSON(http.StatusOK, page)
}

// respondError maps the ledger error taxonomy to HTTP statuses with a stable
// code and no internal detail leakage.
func (h *Handler) respondError(c *gin.Context, err error, logMsg string) {
	code := ErrorCode(err)

	var status int
	switch code {
	case "VALIDATION_ERROR", "CREDIT_RETIRED":
		status = http.StatusBadRequest
	case "NOT_FOUND", "RECIPIENT_NOT_FOUND":
		status = http.StatusNotFound
	case "MISSING_ADDRESS", "INSUFFICIENT_CREDITS", "NO_ELIGIBLE_CREDITS":
		status = http.StatusUnprocessableEntity
	case "CONCURRENCY_CONFLICT":
		status = http.StatusConflict
	case "ORACLE_TIMEOUT":
		status = http.StatusGatewayTimeout
	case "ORACLE_FAILURE":
		status = http.StatusBadGateway
	default:
		status = http.StatusInternalServerError
	}

	if status >= http.StatusInternalServerError || errors.Is(err, ErrInvariantViolation) {
		h.logger.Error(logMsg, zap.Error(err), zap.String("code", code))
	} else {
		h.logger.Info(logMsg, zap.Error(err), zap.String("code", code))
	}

	c.JSON(status, gin.H{"code": code, "error": err.Error()})
}

func (h *Handler) getIntParam(c *gin.Context, name string, fallback int) int {
	if raw := c.Query(name); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			return v
		}
	}
	return fallback
}
