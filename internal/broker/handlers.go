package broker

import (
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/wrylyt/wrylyt/internal/inference"
	"github.com/wrylyt/wrylyt/internal/ledger"
	"github.com/wrylyt/wrylyt/internal/validation"
)

// Handler exposes tool execution over HTTP.
type Handler struct {
	broker *Broker
	logger *slog.Logger
}

func NewHandler(b *Broker, logger *slog.Logger) *Handler {
	return &Handler{broker: b, logger: logger}
}

// RegisterRoutes sets up tool routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/tools", h.ListTools)
	r.POST("/tools/:tool", h.RunTool)
}

// RunToolRequest is the body of POST /v1/tools/:tool. Audio is base64.
type RunToolRequest struct {
	AccountID string              `json:"accountId" binding:"required"`
	Text      string              `json:"text"`
	Messages  []inference.Message `json:"messages"`
	Audio     string              `json:"audio"`
	AudioMIME string              `json:"audioMime"`
}

// ListTools handles GET /v1/tools
func (h *Handler) ListTools(c *gin.Context) {
	out := make([]gin.H, 0, len(tools))
	for _, t := range Catalog() {
		out = append(out, gin.H{
			"name":    t.Name,
			"credits": t.Cost,
			"audio":   t.Audio,
		})
	}
	c.JSON(http.StatusOK, gin.H{"tools": out})
}

// RunTool handles POST /v1/tools/:tool
func (h *Handler) RunTool(c *gin.Context) {
	var req RunToolRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if verrs := validation.Validate(
		validation.MaxLength("text", req.Text, validation.MaxStringLength),
	); len(verrs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": verrs.Error(),
		})
		return
	}
	req.Text = validation.SanitizeString(req.Text, validation.MaxStringLength)

	var audio []byte
	if req.Audio != "" {
		var err error
		audio, err = base64.StdEncoding.DecodeString(req.Audio)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Audio payload is not valid base64",
			})
			return
		}
	}

	result, err := h.broker.Run(c.Request.Context(), &RunRequest{
		AccountID: req.AccountID,
		Tool:      c.Param("tool"),
		Text:      req.Text,
		Messages:  req.Messages,
		Audio:     audio,
		AudioMIME: req.AudioMIME,
	})
	if err != nil {
		h.writeRunError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *Handler) writeRunError(c *gin.Context, err error) {
	var perr *inference.ProviderError

	switch {
	case errors.Is(err, ErrUnknownTool):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "unknown_tool",
			"message": "No such tool",
		})
	case errors.Is(err, ErrEmptyInput):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "empty_input",
			"message": err.Error(),
		})
	case errors.Is(err, ledger.ErrInsufficientCredit):
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":   "insufficient_credit",
			"message": "Not enough credits for this tool",
		})
	case errors.As(err, &perr):
		h.logger.Warn("tool run failed at the model backend", "error", err)
		status := http.StatusBadGateway
		if perr.Retryable() {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"error":   "generation_failed",
			"message": "Generation failed; you were not charged",
			"retry":   perr.Retryable(),
		})
	default:
		h.logger.Error("tool run failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Tool run failed; you were not charged",
		})
	}
}
