package marketplace

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Handler handles HTTP requests for marketplace queries.
type Handler struct {
	service *Service
	logger  *zap.Logger
}

// NewHandler creates a new marketplace handler.
func NewHandler(service *Service, logger *zap.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes registers marketplace routes.
func (h *Handler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/marketplace/credits", h.listCredits)
}

// listCredits handles GET /api/v1/marketplace/credits
func (h *Handler) listCredits(c *gin.Context) {
	filters := &Filters{
		SortBy:   c.DefaultQuery("sort_by", "created_at"),
		SortDir:  c.DefaultQuery("sort_dir", "asc"),
		Page:     h.getIntParam(c, "page", 1),
		PageSize: h.getIntParam(c, "page_size", 20),
	}

	if projectType := c.Query("project_type"); projectType != "" {
		filters.ProjectType = &projectType
	}
	if country := c.Query("country"); country != "" {
		filters.Country = &country
	}
	if standard := c.Query("certification_standard"); standard != "" {
		filters.Standard = &standard
	}
	if raw := c.Query("vintage_year"); raw != "" {
		if year, err := strconv.Atoi(raw); err == nil {
			filters.VintageYear = &year
		}
	}
	if raw := c.Query("min_price"); raw != "" {
		if price, err := strconv.ParseFloat(raw, 64); err == nil {
			filters.MinPrice = &price
		}
	}
	if raw := c.Query("max_price"); raw != "" {
		if price, err := strconv.ParseFloat(raw, 64); err == nil {
			filters.MaxPrice = &price
		}
	}

	page, err := h.service.QueryMarketplace(c.Request.Context(), filters)
	if err != nil {
		if errors.Is(err, ErrInvalidFilter) {
			c.JSON(http.StatusBadRequest, gin.H{"code": "VALIDATION_ERROR", "error": err.Error()})
			return
		}
		h.logger.Error("failed to query marketplace", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *Handler) getIntParam(c *gin.Context, name string, fallback int) int {
	if raw := c.Query(name); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			return v
		}
	}
	return fallback
}
