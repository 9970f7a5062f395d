package ingest

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/fraudstream/internal/events"
	"github.com/mbd888/fraudstream/internal/logging"
	"github.com/mbd888/fraudstream/internal/scoring"
	"github.com/mbd888/fraudstream/internal/validation"
)

// Handler provides the ingestion HTTP endpoints.
type Handler struct {
	service *Service
	events  events.Store
	scorer  *scoring.Scorer
}

// NewHandler creates a handler. scorer may be nil, in which case
// POST /predict is not registered.
func NewHandler(service *Service, store events.Store, scorer *scoring.Scorer) *Handler {
	return &Handler{service: service, events: store, scorer: scorer}
}

// RegisterRoutes sets up the transaction routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/transactions", h.CreateTransaction)
	r.GET("/transactions/:id", h.GetTransaction)
	if h.scorer != nil {
		r.POST("/predict", h.Predict)
	}
}

type transactionRequest struct {
	ID         string  `json:"id"`
	UserID     string  `json:"user_id"`
	MerchantID string  `json:"merchant_id"`
	Amount     float64 `json:"amount"`
	Currency   string  `json:"currency"`
}

// CreateTransaction handles POST /transactions
func (h *Handler) CreateTransaction(c *gin.Context) {
	var req transactionRequest
	if !bindJSON(c, &req) {
		return
	}

	e := &events.Event{
		ID:         req.ID,
		UserID:     req.UserID,
		MerchantID: req.MerchantID,
		Amount:     req.Amount,
		Currency:   req.Currency,
	}
	e.ApplyDefaults()

	result, err := h.service.Ingest(c.Request.Context(), e)
	if err != nil {
		h.writeIngestError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) writeIngestError(c *gin.Context, err error) {
	var verrs validation.Errors
	switch {
	case errors.As(err, &verrs):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": verrs.Error(),
			"details": verrs,
		})
	case errors.Is(err, ErrStorage):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "storage_unavailable",
			"message": "Event could not be stored; nothing was published",
		})
	case errors.Is(err, ErrPublish):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "publish_failed",
			"message": "Event stored but not published; retry the request",
		})
	default:
		logging.L(c.Request.Context()).Error("ingest failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Internal error",
		})
	}
}

// GetTransaction handles GET /transactions/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	e, err := h.events.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, events.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Transaction not found",
			})
			return
		}
		logging.L(c.Request.Context()).Error("get transaction failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Internal error",
		})
		return
	}
	c.JSON(http.StatusOK, e)
}

// bindJSON decodes the body into v, writing the error response on failure.
func bindJSON(c *gin.Context, v any) bool {
	err := c.ShouldBindJSON(v)
	if err == nil {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error":   "request_too_large",
			"message": "Request body exceeds the size limit",
		})
		return false
	}
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": "Invalid request body",
	})
	return false
}

type predictRequest struct {
	UserID     string  `json:"user_id"`
	MerchantID string  `json:"merchant_id"`
	Amount     float64 `json:"amount"`
	Currency   string  `json:"currency"`
}

type predictResponse struct {
	RiskScore    float64 `json:"risk_score"`
	Decision     string  `json:"decision"`
	ModelVersion string  `json:"model_version"`
	Explanation  string  `json:"explanation"`
}

// Predict handles POST /predict. It scores the body synchronously and
// stores and publishes nothing.
func (h *Handler) Predict(c *gin.Context) {
	var req predictRequest
	if !bindJSON(c, &req) {
		return
	}

	if verrs := validation.Run(
		validation.Required("user_id", req.UserID),
		validation.Required("merchant_id", req.MerchantID),
		validation.Positive("amount", req.Amount),
		validation.LengthBetween("currency", req.Currency, 3, 3),
	); len(verrs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": verrs.Error(),
			"details": verrs,
		})
		return
	}

	res, err := h.scorer.Score(c.Request.Context(), scoring.Input{MerchantID: req.MerchantID, Amount: req.Amount})
	if err != nil {
		logging.L(c.Request.Context()).Error("predict failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "model_unavailable",
			"message": "Risk model could not score the request",
		})
		return
	}

	c.JSON(http.StatusOK, predictResponse{
		RiskScore:    res.Risk,
		Decision:     string(res.Outcome),
		ModelVersion: res.ModelVersion,
		Explanation:  res.Explanation,
	})
}
