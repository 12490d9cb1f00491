package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/service"
	"checkout-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// CheckoutAPI is the checkout lifecycle exposed over HTTP
type CheckoutAPI interface {
	CreateCheckout(ctx context.Context, userID string, eventItemID int64, seatIDs []string) (*models.Checkout, error)
	GetCheckout(ctx context.Context, checkoutID, userID string) (*models.Checkout, error)
	BeginPayment(ctx context.Context, checkoutID, userID string) (*models.Checkout, error)
	ConfirmCheckout(ctx context.Context, checkoutID, userID string) (*models.Checkout, error)
	CancelCheckout(ctx context.Context, checkoutID, userID string) (bool, error)
	SyncSeats(ctx context.Context, eventItemID int64, seatIDs []string) (int64, error)
}

type SeatMapReader interface {
	SeatMap(ctx context.Context, eventItemID int64) ([]service.SeatView, error)
}

type CallbackHandler interface {
	HandleCallback(ctx context.Context, params map[string]string) service.CallbackOutcome
}

// Pinger is a dependency checked by /ready
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	checkouts CheckoutAPI
	seats     SeatMapReader
	callbacks CallbackHandler
	jwtSecret string
	readiness map[string]Pinger
	logger    *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(
	checkouts CheckoutAPI,
	seats SeatMapReader,
	callbacks CallbackHandler,
	jwtSecret string,
	readiness map[string]Pinger,
) *Handler {
	return &Handler{
		checkouts: checkouts,
		seats:     seats,
		callbacks: callbacks,
		jwtSecret: jwtSecret,
		readiness: readiness,
		logger:    util.ComponentLogger("api"),
	}
}

type createCheckoutRequest struct {
	EventItemID int64    `json:"event_item_id" binding:"required"`
	SeatIDs     []string `json:"seat_ids" binding:"required"`
}

type syncSeatsRequest struct {
	SeatIDs []string `json:"seat_ids" binding:"required"`
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		// called by the payment gateway, authenticated by signature
		v1.GET("/payments/callback", h.paymentCallback)
		v1.POST("/payments/callback", h.paymentCallback)

		authed := v1.Group("", JWTAuth(h.jwtSecret))
		authed.POST("/checkouts", h.createCheckout)
		authed.GET("/checkouts/:id", h.getCheckout)
		authed.POST("/checkouts/:id/payment", h.beginPayment)
		authed.POST("/checkouts/:id/confirm", h.confirmCheckout)
		authed.DELETE("/checkouts/:id", h.cancelCheckout)
		authed.GET("/event-items/:id/seats", h.seatMap)
		authed.PUT("/event-items/:id/seats", h.syncSeats)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, dep := range h.readiness {
		if err := dep.Ping(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"failed": failed,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

func (h *Handler) createCheckout(c *gin.Context) {
	var req createCheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	checkout, err := h.checkouts.CreateCheckout(c.Request.Context(), currentUser(c), req.EventItemID, req.SeatIDs)
	if err != nil {
		h.writeError(c, err, "Failed to create checkout")
		return
	}

	c.JSON(http.StatusCreated, checkout)
}

func (h *Handler) getCheckout(c *gin.Context) {
	checkout, err := h.checkouts.GetCheckout(c.Request.Context(), c.Param("id"), currentUser(c))
	if err != nil {
		h.writeError(c, err, "Failed to get checkout")
		return
	}
	c.JSON(http.StatusOK, checkout)
}

func (h *Handler) beginPayment(c *gin.Context) {
	checkout, err := h.checkouts.BeginPayment(c.Request.Context(), c.Param("id"), currentUser(c))
	if err != nil {
		h.writeError(c, err, "Failed to start payment")
		return
	}
	c.JSON(http.StatusOK, checkout)
}

func (h *Handler) confirmCheckout(c *gin.Context) {
	checkout, err := h.checkouts.ConfirmCheckout(c.Request.Context(), c.Param("id"), currentUser(c))
	if err != nil {
		h.writeError(c, err, "Payment verification failed, please retry")
		return
	}
	c.JSON(http.StatusOK, checkout)
}

func (h *Handler) cancelCheckout(c *gin.Context) {
	cancelled, err := h.checkouts.CancelCheckout(c.Request.Context(), c.Param("id"), currentUser(c))
	if err != nil {
		h.writeError(c, err, "Failed to cancel checkout")
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": cancelled})
}

func (h *Handler) seatMap(c *gin.Context) {
	eventItemID, ok := eventItemParam(c)
	if !ok {
		return
	}

	views, err := h.seats.SeatMap(c.Request.Context(), eventItemID)
	if err != nil {
		h.writeError(c, err, "Failed to load seat map")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"event_item_id": eventItemID,
		"seats":         views,
	})
}

func (h *Handler) syncSeats(c *gin.Context) {
	eventItemID, ok := eventItemParam(c)
	if !ok {
		return
	}

	var req syncSeatsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	created, err := h.checkouts.SyncSeats(c.Request.Context(), eventItemID, req.SeatIDs)
	if err != nil {
		h.writeError(c, err, "Failed to sync seats")
		return
	}
	c.JSON(http.StatusOK, gin.H{"created": created})
}

// paymentCallback always answers 200; the gateway reads the outcome from the body
func (h *Handler) paymentCallback(c *gin.Context) {
	params := map[string]string{}
	for k, v := range c.Request.URL.Query() {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	if c.Request.Method == http.MethodPost {
		if err := c.Request.ParseForm(); err == nil {
			for k, v := range c.Request.PostForm {
				if len(v) > 0 {
					params[k] = v[0]
				}
			}
		}
	}

	c.JSON(http.StatusOK, h.callbacks.HandleCallback(c.Request.Context(), params))
}

func eventItemParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid event item ID"})
		return 0, false
	}
	return id, true
}

func (h *Handler) writeError(c *gin.Context, err error, fallback string) {
	var unavailable *service.SeatUnavailableError
	switch {
	case errors.As(err, &unavailable):
		c.JSON(http.StatusConflict, gin.H{
			"error":             "Seats not available",
			"unavailable_seats": unavailable.Seats,
		})
	case errors.Is(err, service.ErrInvalidSeats):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrHoldExpired):
		c.JSON(http.StatusGone, gin.H{"error": "Seat hold expired"})
	case errors.Is(err, service.ErrInvalidState):
		c.JSON(http.StatusConflict, gin.H{"error": "Checkout can no longer change"})
	case errors.Is(err, service.ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "Forbidden"})
	case errors.Is(err, service.ErrCheckoutNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Checkout not found"})
	case errors.Is(err, service.ErrTransitionInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": "Checkout is being updated, please retry"})
	case errors.Is(err, service.ErrGatewayUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": fallback})
	default:
		h.logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": fallback})
	}
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
