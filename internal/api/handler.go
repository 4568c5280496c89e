package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"fulfillment-service/internal/gateway"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/service"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const webhookBodyLimit = 1 << 20 // 1MiB

// OrderStore is the read-side slice of the data layer the order endpoint
// uses. *store.Store satisfies it.
type OrderStore interface {
	OrderByID(ctx context.Context, id int64) (*models.Order, error)
	OrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error)
}

// Handler contains HTTP handlers
type Handler struct {
	ingest       *service.IngestService
	access       *service.AccessService
	entitlements *service.EntitlementService
	store        OrderStore
}

// NewHandler creates a new HTTP handler
func NewHandler(
	ingest *service.IngestService,
	access *service.AccessService,
	entitlements *service.EntitlementService,
	store OrderStore,
) *Handler {
	return &Handler{
		ingest:       ingest,
		access:       access,
		entitlements: entitlements,
		store:        store,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.POST("/webhooks/payment", h.paymentWebhook)
	router.GET("/access/:productSlug", h.resolveAccess)
	router.POST("/access/resend", h.resendAccess)

	v1 := router.Group("/api/v1")
	{
		v1.GET("/orders/:id", h.getOrder)
		v1.GET("/users/:id/entitlements", h.listEntitlements)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// paymentWebhook ingests a gateway delivery. The answer has to be quick
// regardless of processing outcome, so no downstream call happens here
// beyond the ingestor itself.
func (h *Handler) paymentWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, webhookBodyLimit))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}

	status, err := h.ingest.Ingest(c.Request.Context(), payload, c.GetHeader(gateway.SignatureHeader))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidSignature):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		case errors.Is(err, gateway.ErrMalformedEvent):
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed event"})
		default:
			// Unprocessed but recorded; a retried delivery picks it up.
			c.JSON(http.StatusInternalServerError, gin.H{"status": "error"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": string(status)})
}

// resolveAccess validates a magic link and returns the download manifest.
// Denials carry a distinct reason so the storefront can prompt for a
// link resend instead of showing a dead end.
func (h *Handler) resolveAccess(c *gin.Context) {
	manifest, err := h.access.Resolve(c.Request.Context(), c.Param("productSlug"), c.Query("token"))
	if err != nil {
		switch {
		case errors.Is(err, store.ErrProductNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "product_not_found"})
		case errors.Is(err, service.ErrTokenExpired):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "token_expired"})
		case errors.Is(err, service.ErrInvalidToken):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_token"})
		case errors.Is(err, service.ErrTokenProductMismatch):
			c.JSON(http.StatusForbidden, gin.H{"error": "token_product_mismatch"})
		case errors.Is(err, service.ErrAccessRevoked):
			c.JSON(http.StatusForbidden, gin.H{"error": "access_revoked"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		}
		return
	}

	c.JSON(http.StatusOK, manifest)
}

type resendRequest struct {
	Email       string `json:"email" binding:"required,email"`
	ProductSlug string `json:"product_slug"`
}

// resendAccess queues fresh access links for a buyer email. The response
// is identical whether or not the address is known.
func (h *Handler) resendAccess(c *gin.Context) {
	var req resendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	h.access.Resend(c.Request.Context(), req.Email, req.ProductSlug)

	c.JSON(http.StatusAccepted, gin.H{"status": "ok"})
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	orderID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order ID"})
		return
	}

	order, err := h.store.OrderByID(c.Request.Context(), orderID)
	if err != nil {
		if errors.Is(err, store.ErrOrderNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		}
		return
	}

	items, err := h.store.OrderItemsByOrderID(c.Request.Context(), orderID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"order": order,
		"items": items,
	})
}

// listEntitlements lists a user's active entitlements
func (h *Handler) listEntitlements(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user ID"})
		return
	}

	ents, err := h.entitlements.ListActive(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"entitlements": ents})
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
