package gatewaysim

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

type Handler struct {
	sim    *Sim
	logger *slog.Logger
}

func NewHandler(sim *Sim, logger *slog.Logger) *Handler {
	return &Handler{sim: sim, logger: logger}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /orders", h.handleCreateOrder)
	mux.HandleFunc("POST /orders/{orderRef}/pay", h.handlePay)
	mux.HandleFunc("POST /orders/{orderRef}/fail", h.handleFail)
	mux.HandleFunc("POST /payments/{paymentRef}/refund", h.handleRefund)
}

type createOrderRequest struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
}

func (h *Handler) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Amount <= 0 {
		h.writeError(w, http.StatusBadRequest, "amount must be positive")
		return
	}
	if req.Currency == "" {
		req.Currency = "INR"
	}

	order := h.sim.CreateOrder(req.Amount, req.Currency, req.Receipt)
	h.writeJSON(w, http.StatusCreated, order)
}

type payRequest struct {
	Method string `json:"method"`
}

func (h *Handler) handlePay(w http.ResponseWriter, r *http.Request) {
	var req payRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		req.Method = ""
	}
	if req.Method == "" {
		req.Method = "upi"
	}

	payment, signature, err := h.sim.CompletePayment(r.Context(), r.PathValue("orderRef"), req.Method)
	if err != nil {
		h.writeError(w, http.StatusNotFound, err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"payment":   payment,
		"signature": signature,
	})
}

type failRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) handleFail(w http.ResponseWriter, r *http.Request) {
	var req failRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		req.Reason = ""
	}
	if req.Reason == "" {
		req.Reason = "payment declined"
	}

	if err := h.sim.FailPayment(r.Context(), r.PathValue("orderRef"), req.Reason); err != nil {
		h.writeError(w, http.StatusNotFound, err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "failed"})
}

type refundRequest struct {
	Amount int64 `json:"amount"`
}

func (h *Handler) handleRefund(w http.ResponseWriter, r *http.Request) {
	var req refundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	refund, err := h.sim.Refund(r.Context(), r.PathValue("paymentRef"), req.Amount)
	if err != nil {
		h.writeError(w, http.StatusNotFound, err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, refund)
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
