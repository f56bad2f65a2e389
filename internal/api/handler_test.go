package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/wheylabs/demopay/internal/invoice"
	"github.com/wheylabs/demopay/internal/payment"
)

type stubService struct {
	created   *payment.Created
	createErr error
	status    *payment.StatusView
	statusErr error
	uri       string
	uriErr    error
}

func (s *stubService) CreateInvoice(context.Context, payment.CreateRequest) (*payment.Created, error) {
	return s.created, s.createErr
}

func (s *stubService) GetStatus(context.Context, string) (*payment.StatusView, error) {
	return s.status, s.statusErr
}

func (s *stubService) PaymentURIFor(context.Context, string) (string, error) {
	return s.uri, s.uriErr
}

func newTestRouter(svc InvoiceService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(svc, zap.NewNop()).Register(r.Group("/api"))
	return r
}

func TestHandleCreate_Success(t *testing.T) {
	svc := &stubService{created: &payment.Created{
		InvoiceID:      "inv-1",
		PaymentAddress: "0xAbC",
		Amount:         "0.001",
		AmountSmallest: "1000000000000000",
		ChainID:        11155111,
		ExpiresAt:      1_700_000_300,
		PaymentURI:     "ethereum:0xAbC?value=1000000000000000&chainId=11155111",
	}}
	r := newTestRouter(svc)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/invoices", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("status: got %d body %s", w.Code, w.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["invoice_id"] != "inv-1" {
		t.Errorf("invoice_id: %v", body["invoice_id"])
	}
	if _, leaked := body["private_key"]; leaked {
		t.Error("response leaks private key material")
	}
}

func TestHandleCreate_RateLimited(t *testing.T) {
	svc := &stubService{createErr: &payment.RateLimitedError{RetryAfter: 90 * time.Second}}
	r := newTestRouter(svc)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/invoices", nil))

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status: got %d", w.Code)
	}
	if w.Header().Get("Retry-After") != "91" {
		t.Errorf("Retry-After: %q", w.Header().Get("Retry-After"))
	}
	if !bytes.Contains(w.Body.Bytes(), []byte("RATE_LIMIT_EXCEEDED")) {
		t.Errorf("body: %s", w.Body.String())
	}
}

func TestHandleStatus(t *testing.T) {
	svc := &stubService{status: &payment.StatusView{
		InvoiceID:     "inv-1",
		Status:        string(invoice.StatusConfirming),
		Confirmations: 2,
		TimeRemaining: 120,
	}}
	r := newTestRouter(svc)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/invoices/inv-1", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	var view payment.StatusView
	if err := json.Unmarshal(w.Body.Bytes(), &view); err != nil {
		t.Fatal(err)
	}
	if view.Status != "confirming" || view.Confirmations != 2 || view.TimeRemaining != 120 {
		t.Errorf("view: %+v", view)
	}
}

func TestHandleStatus_NotFound(t *testing.T) {
	svc := &stubService{statusErr: invoice.ErrNotFound}
	r := newTestRouter(svc)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/invoices/inv-nope", nil))

	if w.Code != http.StatusNotFound {
		t.Fatalf("status: got %d", w.Code)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte("INVOICE_NOT_FOUND")) {
		t.Errorf("body: %s", w.Body.String())
	}
}

func TestHandleQR(t *testing.T) {
	svc := &stubService{uri: "ethereum:0xAbC?value=1&chainId=1"}
	r := newTestRouter(svc)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/invoices/inv-1/qr", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("content type: %q", ct)
	}
	// PNG magic bytes
	if !bytes.HasPrefix(w.Body.Bytes(), []byte{0x89, 'P', 'N', 'G'}) {
		t.Error("body is not a PNG")
	}
}

func TestHandleQR_NotFound(t *testing.T) {
	svc := &stubService{uriErr: invoice.ErrNotFound}
	r := newTestRouter(svc)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/invoices/inv-x/qr", nil))

	if w.Code != http.StatusNotFound {
		t.Fatalf("status: got %d", w.Code)
	}
}
