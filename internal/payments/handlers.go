package payments

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Webhook bodies are small; anything larger is not a payment notification.
const maxWebhookBody = 256 * 1024

// Handler exposes the processor-facing HTTP surface: the Stripe and
// Paystack webhooks plus the Paystack redirect callback.
type Handler struct {
	reconciler *Reconciler
	stripe     *StripeAdapter
	paystack   *PaystackAdapter
	logger     *slog.Logger
}

func NewHandler(reconciler *Reconciler, stripe *StripeAdapter, paystack *PaystackAdapter, logger *slog.Logger) *Handler {
	return &Handler{
		reconciler: reconciler,
		stripe:     stripe,
		paystack:   paystack,
		logger:     logger,
	}
}

// RegisterRoutes sets up payment routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/stripe", h.StripeWebhook)
	r.POST("/webhooks/paystack", h.PaystackWebhook)
	r.GET("/payments/callback", h.PaystackCallback)
}

// StripeWebhook handles POST /v1/webhooks/stripe
func (h *Handler) StripeWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Could not read request body",
		})
		return
	}

	ev, err := h.stripe.ParseWebhook(payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		h.logger.Warn("stripe webhook rejected", "error", err)
		rejectedWebhooks.WithLabelValues("stripe", "invalid").Inc()
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_webhook",
			"message": "Webhook verification failed",
		})
		return
	}
	if ev == nil {
		// An event type we do not act on. Acknowledge so Stripe stops
		// redelivering it.
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	h.apply(c, ev)
}

// PaystackWebhook handles POST /v1/webhooks/paystack
func (h *Handler) PaystackWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Could not read request body",
		})
		return
	}

	ev, err := h.paystack.ParseWebhook(payload, c.GetHeader("x-paystack-signature"))
	if err != nil {
		h.logger.Warn("paystack webhook rejected", "error", err)
		rejectedWebhooks.WithLabelValues("paystack", "invalid").Inc()
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_webhook",
			"message": "Webhook verification failed",
		})
		return
	}
	if ev == nil {
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	h.apply(c, ev)
}

// PaystackCallback handles GET /v1/payments/callback?reference=...
//
// The redirect target after Paystack checkout. The reference is verified
// against the Paystack API before anything is granted; the webhook may
// have already applied this payment, which is fine.
func (h *Handler) PaystackCallback(c *gin.Context) {
	reference := c.Query("reference")
	if reference == "" {
		reference = c.Query("trxref")
	}
	if reference == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Missing payment reference",
		})
		return
	}

	ev, err := h.paystack.VerifyTransaction(c.Request.Context(), reference)
	if err != nil {
		h.logger.Warn("paystack callback verification failed",
			"reference", reference, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "verification_failed",
			"message": "Could not verify payment",
		})
		return
	}

	h.apply(c, ev)
}

func (h *Handler) apply(c *gin.Context, ev *Event) {
	err := h.reconciler.Reconcile(c.Request.Context(), ev)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"received": true, "reference": ev.Reference})
	case errors.Is(err, ErrDuplicatePayment):
		c.JSON(http.StatusOK, gin.H{"received": true, "reference": ev.Reference, "duplicate": true})
	case errors.Is(err, ErrInvalidEvent):
		// Malformed beyond repair; redelivering the same event forever
		// would not help. Acknowledge and leave the evidence in the logs.
		h.logger.Error("unprocessable payment event acknowledged",
			"processor", ev.Processor, "reference", ev.Reference, "error", err)
		rejectedWebhooks.WithLabelValues(ev.Processor, "unprocessable").Inc()
		c.JSON(http.StatusOK, gin.H{"received": true})
	default:
		h.logger.Error("payment reconciliation failed",
			"reference", ev.Reference, "error", err)
		// Non-2xx so the processor redelivers; the reference is still
		// unmarked and the retry will converge.
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "reconcile_failed",
			"message": "Payment could not be applied",
		})
	}
}
