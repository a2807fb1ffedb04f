package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"paywall-service/internal/errcode"
	"paywall-service/internal/paywall"
	"paywall-service/internal/refunds"
	"paywall-service/internal/subscriptions"
	"paywall-service/internal/util"
	"paywall-service/internal/x402"
)

// Handler contains HTTP handlers
type Handler struct {
	paywallService      *paywall.Service
	refundService       *refunds.Service
	subscriptionService *subscriptions.Service
}

// NewHandler creates a new HTTP handler
func NewHandler(paywallService *paywall.Service, refundService *refunds.Service, subscriptionService *subscriptions.Service) *Handler {
	return &Handler{
		paywallService:      paywallService,
		refundService:       refundService,
		subscriptionService: subscriptionService,
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

	v1 := router.Group("/api/v1")
	v1.Use(requireTenant())
	{
		v1.POST("/authorize", h.authorize)
		v1.GET("/quotes/:resource_id", h.getQuote)
		v1.POST("/carts/quote", h.createCartQuote)
		v1.POST("/credits/holds", h.createCreditsHold)

		v1.POST("/refunds", h.createRefund)
		v1.GET("/refunds/:id", h.getRefund)
		v1.POST("/refunds/:id/process", h.processRefund)
		v1.POST("/refunds/:id/deny", h.denyRefund)
		v1.POST("/refunds/stripe", h.createStripeRefund)

		v1.GET("/subscriptions/:id", h.getSubscription)
		v1.POST("/subscriptions/:id/cancel", h.cancelSubscription)
		v1.POST("/subscriptions/:id/reactivate", h.reactivateSubscription)
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

// proofPayload is the wire shape of an on-chain payment proof.
type proofPayload struct {
	Signature string `json:"signature"`
	Network   string `json:"network"`
	Payer     string `json:"payer,omitempty"`
}

// authorizeRequest is the wire shape of an authorization attempt. Every
// credential field is optional; with none present the response carries
// payment requirements instead of a grant.
type authorizeRequest struct {
	ResourceID      string        `json:"resource_id" binding:"required"`
	Wallet          string        `json:"wallet,omitempty"`
	CouponCode      string        `json:"coupon_code,omitempty"`
	Proof           *proofPayload `json:"proof,omitempty"`
	StripeSessionID string        `json:"stripe_session_id,omitempty"`
	CreditsHoldID   string        `json:"credits_hold_id,omitempty"`
}

// authorize handles every authorization attempt: quote requests, on-chain
// proofs, card sessions, credits holds and refund finalization.
func (h *Handler) authorize(c *gin.Context) {
	var req authorizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	authReq := paywall.AuthorizeRequest{
		TenantID:        tenantID(c),
		ResourceID:      req.ResourceID,
		Wallet:          req.Wallet,
		UserID:          c.GetHeader("X-User-ID"),
		CouponCode:      req.CouponCode,
		StripeSessionID: req.StripeSessionID,
		CreditsHoldID:   req.CreditsHoldID,
	}
	if req.Proof != nil {
		authReq.Proof = &x402.PaymentProof{
			Signature: req.Proof.Signature,
			Network:   req.Proof.Network,
			Payer:     req.Proof.Payer,
		}
	}

	result, err := h.paywallService.Authorize(c.Request.Context(), authReq)
	if err != nil {
		respondError(c, err)
		return
	}

	status := http.StatusOK
	if !result.Granted && result.Quote != nil {
		// Requirements, not a grant.
		status = http.StatusPaymentRequired
	}
	c.JSON(status, result)
}

// getQuote returns the payment options for a single resource
func (h *Handler) getQuote(c *gin.Context) {
	quote, err := h.paywallService.GenerateQuote(
		c.Request.Context(),
		tenantID(c),
		c.Param("resource_id"),
		c.Query("coupon"),
	)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, quote)
}

// createCartQuote prices a multi-item cart and reserves its inventory
func (h *Handler) createCartQuote(c *gin.Context) {
	var req paywall.CartQuoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	cart, err := h.paywallService.GenerateCartQuote(c.Request.Context(), tenantID(c), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, cart)
}

type creditsHoldRequest struct {
	ResourceID string `json:"resource_id" binding:"required"`
}

// createCreditsHold places a hold on the caller's prepaid balance
func (h *Handler) createCreditsHold(c *gin.Context) {
	var req creditsHoldRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	userID := c.GetHeader("X-User-ID")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "X-User-ID header is required"})
		return
	}

	hold, err := h.paywallService.CreateCreditsHold(c.Request.Context(), tenantID(c), userID, req.ResourceID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, hold)
}

type createRefundRequest struct {
	OriginalPurchaseID string `json:"original_purchase_id" binding:"required"`
	AtomicAmount       int64  `json:"atomic_amount" binding:"required"`
	RecipientWallet    string `json:"recipient_wallet,omitempty"`
	Reason             string `json:"reason,omitempty"`
}

// createRefund opens a refund quote against an original purchase
func (h *Handler) createRefund(c *gin.Context) {
	var req createRefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	refund, err := h.refundService.CreateRefundRequest(
		c.Request.Context(),
		tenantID(c),
		req.OriginalPurchaseID,
		req.AtomicAmount,
		req.RecipientWallet,
		req.Reason,
	)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, refund)
}

// getRefund handles get refund by ID
func (h *Handler) getRefund(c *gin.Context) {
	refund, err := h.refundService.GetRefund(c.Request.Context(), tenantID(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, refund)
}

type processRefundRequest struct {
	ProcessedBy string `json:"processed_by" binding:"required"`
}

// processRefund executes the on-chain transfer for an approved-for-processing
// refund from an authorized server wallet
func (h *Handler) processRefund(c *gin.Context) {
	var req processRefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	refund, err := h.refundService.ProcessRefund(c.Request.Context(), tenantID(c), c.Param("id"), req.ProcessedBy)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, refund)
}

type denyRefundRequest struct {
	DeniedBy string `json:"denied_by" binding:"required"`
}

// denyRefund closes a pending refund without paying it
func (h *Handler) denyRefund(c *gin.Context) {
	var req denyRefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	refund, err := h.refundService.DenyRefund(c.Request.Context(), tenantID(c), c.Param("id"), req.DeniedBy)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, refund)
}

type stripeRefundRequest struct {
	OriginalPurchaseID string `json:"original_purchase_id" binding:"required"`
	AtomicAmount       int64  `json:"atomic_amount" binding:"required"`
	Reason             string `json:"reason,omitempty"`
}

// createStripeRefund queues a card refund for operator review
func (h *Handler) createStripeRefund(c *gin.Context) {
	var req stripeRefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	refund, err := h.refundService.CreateStripeRefundRequest(
		c.Request.Context(),
		tenantID(c),
		req.OriginalPurchaseID,
		req.AtomicAmount,
		req.Reason,
	)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, refund)
}

// getSubscription handles get subscription by ID
func (h *Handler) getSubscription(c *gin.Context) {
	sub, err := h.subscriptionService.Get(c.Request.Context(), tenantID(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

type cancelSubscriptionRequest struct {
	AtPeriodEnd bool `json:"at_period_end"`
}

// cancelSubscription ends a subscription immediately or at the period boundary
func (h *Handler) cancelSubscription(c *gin.Context) {
	var req cancelSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	sub, err := h.subscriptionService.Cancel(c.Request.Context(), tenantID(c), c.Param("id"), req.AtPeriodEnd)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

// reactivateSubscription undoes a pending cancellation
func (h *Handler) reactivateSubscription(c *gin.Context) {
	sub, err := h.subscriptionService.Reactivate(c.Request.Context(), tenantID(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

// requireTenant rejects requests without a tenant header
func requireTenant() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("X-Tenant-ID") == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error": "X-Tenant-ID header is required",
			})
			return
		}
		c.Next()
	}
}

func tenantID(c *gin.Context) string {
	return c.GetHeader("X-Tenant-ID")
}

// respondError maps the engine's error taxonomy onto HTTP statuses. Uncoded
// errors and internal codes render a generic message so storage details never
// leak to callers.
func respondError(c *gin.Context, err error) {
	code := errcode.CodeOf(err)

	status := http.StatusInternalServerError
	switch code {
	case errcode.Validation:
		status = http.StatusBadRequest
	case errcode.NotFound:
		status = http.StatusNotFound
	case errcode.Conflict, errcode.OutOfStock:
		status = http.StatusConflict
	case errcode.MethodDisabled:
		status = http.StatusForbidden
	case errcode.VerificationFailed, errcode.InsufficientFunds:
		status = http.StatusPaymentRequired
	}

	message := "internal error"
	var coded *errcode.Error
	if errors.As(err, &coded) && coded.Code != errcode.Internal {
		message = coded.Message
	}

	c.JSON(status, gin.H{
		"error":   string(code),
		"message": message,
	})
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
