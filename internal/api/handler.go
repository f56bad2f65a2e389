package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	qrcode "github.com/skip2/go-qrcode"
	"go.uber.org/zap"

	"github.com/wheylabs/demopay/internal/hdwallet"
	"github.com/wheylabs/demopay/internal/invoice"
	"github.com/wheylabs/demopay/internal/payment"
)

const qrSize = 256

// InvoiceService is the slice of the orchestrator the HTTP layer needs.
// Decoupled here so handler tests can use a stub.
type InvoiceService interface {
	CreateInvoice(ctx context.Context, req payment.CreateRequest) (*payment.Created, error)
	GetStatus(ctx context.Context, id string) (*payment.StatusView, error)
	PaymentURIFor(ctx context.Context, id string) (string, error)
}

// Handler wires the invoice routes onto a Gin engine.
type Handler struct {
	svc InvoiceService
	log *zap.Logger
}

func NewHandler(svc InvoiceService, log *zap.Logger) *Handler {
	return &Handler{svc: svc, log: log}
}

func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.POST("/invoices", h.handleCreate)
	rg.GET("/invoices/:id", h.handleStatus)
	rg.GET("/invoices/:id/qr", h.handleQR)
}

func (h *Handler) handleCreate(c *gin.Context) {
	created, err := h.svc.CreateInvoice(c.Request.Context(), payment.CreateRequest{
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	})
	if err != nil {
		var rl *payment.RateLimitedError
		switch {
		case errors.As(err, &rl):
			retry := int64(rl.RetryAfter.Seconds()) + 1
			c.Header("Retry-After", strconv.FormatInt(retry, 10))
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "RATE_LIMIT_EXCEEDED",
				"retry_after": retry,
			})
		case errors.Is(err, hdwallet.ErrInvalidIndex), errors.Is(err, hdwallet.ErrInvalidSeed):
			h.log.Error("create invoice: wallet generation", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "WALLET_GENERATION_FAILED"})
		default:
			h.log.Error("create invoice", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "STORE_ERROR"})
		}
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h *Handler) handleStatus(c *gin.Context) {
	view, err := h.svc.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, invoice.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "INVOICE_NOT_FOUND"})
			return
		}
		h.log.Error("get status", zap.String("invoice", c.Param("id")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "STORE_ERROR"})
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) handleQR(c *gin.Context) {
	uri, err := h.svc.PaymentURIFor(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, invoice.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "INVOICE_NOT_FOUND"})
			return
		}
		h.log.Error("qr lookup", zap.String("invoice", c.Param("id")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "STORE_ERROR"})
		return
	}
	png, err := qrcode.Encode(uri, qrcode.Medium, qrSize)
	if err != nil {
		h.log.Error("qr render", zap.String("invoice", c.Param("id")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "QR_GENERATION_FAILED"})
		return
	}
	c.Data(http.StatusOK, "image/png", png)
}
