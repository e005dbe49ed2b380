package payments

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/retailcore/bookings-backend/internal/domain"
)

// SignatureHeader carries the webhook body HMAC; EventIDHeader the gateway's
// delivery ID used for deduplication.
const (
	SignatureHeader = "X-Gateway-Signature"
	EventIDHeader   = "X-Gateway-Event-Id"
)

const maxWebhookBody = 1 << 20

type Handler struct {
	engine *Engine
	logger *slog.Logger
}

func NewHandler(engine *Engine, logger *slog.Logger) *Handler {
	return &Handler{
		engine: engine,
		logger: logger,
	}
}

type createOrderRequest struct {
	BookingID string          `json:"booking_id"`
	Amount    decimal.Decimal `json:"amount"`
}

func (h *Handler) HandleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.BookingID == "" {
		h.writeError(w, http.StatusBadRequest, "missing booking_id")
		return
	}

	order, err := h.engine.CreateGatewayOrder(r.Context(), req.BookingID, req.Amount)
	if err != nil {
		h.writeEngineError(w, r, err, "failed to create gateway order")
		return
	}

	h.writeJSON(w, http.StatusCreated, order)
}

type verifyRequest struct {
	BookingID  string `json:"booking_id"`
	OrderRef   string `json:"gateway_order_ref"`
	PaymentRef string `json:"gateway_payment_ref"`
	Signature  string `json:"gateway_signature"`
}

func (h *Handler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.BookingID == "" || req.OrderRef == "" || req.PaymentRef == "" || req.Signature == "" {
		h.writeError(w, http.StatusBadRequest, "missing verification fields")
		return
	}

	b, err := h.engine.VerifyPayment(r.Context(), req.BookingID, req.OrderRef, req.PaymentRef, req.Signature)
	if err != nil {
		h.writeEngineError(w, r, err, "failed to verify payment")
		return
	}

	h.writeJSON(w, http.StatusOK, b)
}

// HandleWebhook is the gateway-facing entry point. Once the signature checks
// out, the delivery is always acknowledged with 200: processing errors are
// logged and left to the conditional updates, so the gateway never retries
// into a different outcome.
func (h *Handler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	err = h.engine.ApplyWebhook(r.Context(), body, r.Header.Get(SignatureHeader), r.Header.Get(EventIDHeader))
	if err != nil {
		if errors.Is(err, domain.ErrSignatureInvalid) {
			h.writeError(w, http.StatusBadRequest, "invalid signature")
			return
		}
		h.logger.Error("webhook processing failed", "error", err)
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type refundRequest struct {
	BookingID string          `json:"booking_id"`
	Amount    decimal.Decimal `json:"amount"`
	Reason    string          `json:"reason"`
}

func (h *Handler) HandleRefund(w http.ResponseWriter, r *http.Request) {
	var req refundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.BookingID == "" {
		h.writeError(w, http.StatusBadRequest, "missing booking_id")
		return
	}

	b, err := h.engine.InitiateRefund(r.Context(), req.BookingID, req.Amount, req.Reason)
	if err != nil {
		h.writeEngineError(w, r, err, "failed to initiate refund")
		return
	}

	h.writeJSON(w, http.StatusOK, b)
}

func (h *Handler) writeEngineError(w http.ResponseWriter, r *http.Request, err error, logMsg string) {
	switch {
	case errors.Is(err, domain.ErrBookingNotFound):
		h.writeError(w, http.StatusNotFound, "booking not found")
	case errors.Is(err, domain.ErrSignatureInvalid):
		h.writeError(w, http.StatusBadRequest, "invalid signature")
	case errors.Is(err, domain.ErrAmountMismatch):
		h.writeError(w, http.StatusUnprocessableEntity, "amount does not match booking total")
	case errors.Is(err, domain.ErrInvalidTransition):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrPaymentNotCompleted):
		h.writeError(w, http.StatusConflict, "payment not completed")
	case errors.Is(err, domain.ErrUpstreamUnavailable):
		h.logger.Error(logMsg, "error", err, "path", r.URL.Path)
		h.writeError(w, http.StatusBadGateway, "payment gateway unavailable")
	default:
		h.logger.Error(logMsg, "error", err, "path", r.URL.Path)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
