package decisions

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides read access to decisions.
type Handler struct {
	store Store
}

// NewHandler creates a new decision handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up decision routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/transactions/:id/decision", h.GetDecision)
}

// GetDecision handles GET /transactions/:id/decision
func (h *Handler) GetDecision(c *gin.Context) {
	d, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No decision for this transaction yet",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Internal error",
		})
		return
	}
	c.JSON(http.StatusOK, d)
}
