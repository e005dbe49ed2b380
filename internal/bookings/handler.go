package bookings

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/retailcore/bookings-backend/internal/domain"
)

type Handler struct {
	service *Service
	logger  *slog.Logger
}

func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  logger,
	}
}

func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var in CreateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	b, err := h.service.Create(r.Context(), in)
	if err != nil {
		h.writeServiceError(w, r, err, "failed to create booking")
		return
	}

	h.writeJSON(w, http.StatusCreated, b)
}

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	bookingID := r.PathValue("bookingId")
	email := r.URL.Query().Get("email")
	phone := r.URL.Query().Get("phone")

	b, err := h.service.Get(r.Context(), bookingID, email, phone, false)
	if err != nil {
		h.writeServiceError(w, r, err, "failed to get booking")
		return
	}

	h.writeJSON(w, http.StatusOK, b)
}

type cancelRequest struct {
	Email  string `json:"email"`
	Phone  string `json:"phone"`
	Reason string `json:"reason"`
}

func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	bookingID := r.PathValue("bookingId")

	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	b, err := h.service.CustomerCancel(r.Context(), bookingID, req.Email, req.Phone, req.Reason)
	if err != nil {
		h.writeServiceError(w, r, err, "failed to cancel booking")
		return
	}

	h.writeJSON(w, http.StatusOK, b)
}

func (h *Handler) HandleAdminGet(w http.ResponseWriter, r *http.Request) {
	bookingID := r.PathValue("bookingId")

	b, err := h.service.Get(r.Context(), bookingID, "", "", true)
	if err != nil {
		h.writeServiceError(w, r, err, "failed to get booking")
		return
	}

	h.writeJSON(w, http.StatusOK, b)
}

func (h *Handler) HandleAdminList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	bookings, err := h.service.List(r.Context(), ListFilter{
		Status:        domain.BookingStatus(q.Get("status")),
		PaymentStatus: domain.PaymentStatus(q.Get("payment_status")),
		Limit:         limit,
		Offset:        offset,
	})
	if err != nil {
		h.logger.Error("failed to list bookings", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"bookings": bookings,
		"count":    len(bookings),
	})
}

type adminUpdateRequest struct {
	Status     string               `json:"status"`
	Note       string               `json:"note"`
	Tracking   *domain.TrackingInfo `json:"tracking"`
	AdminNotes string               `json:"admin_notes"`
}

func (h *Handler) HandleAdminUpdate(w http.ResponseWriter, r *http.Request) {
	bookingID := r.PathValue("bookingId")

	var req adminUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	actor := r.Header.Get("X-Admin-User")
	if actor == "" {
		actor = "admin"
	}

	b, err := h.service.AdminUpdate(r.Context(), bookingID, StatusUpdate{
		Status:     domain.BookingStatus(req.Status),
		Note:       req.Note,
		Actor:      actor,
		Tracking:   req.Tracking,
		AdminNotes: req.AdminNotes,
	})
	if err != nil {
		h.writeServiceError(w, r, err, "failed to update booking")
		return
	}

	h.writeJSON(w, http.StatusOK, b)
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error, logMsg string) {
	var oos *domain.OutOfStockError

	switch {
	case errors.Is(err, domain.ErrBookingNotFound):
		h.writeError(w, http.StatusNotFound, "booking not found")
	case errors.Is(err, domain.ErrProductNotFound):
		h.writeError(w, http.StatusNotFound, "product not found")
	case errors.As(err, &oos):
		h.writeJSON(w, http.StatusConflict, map[string]any{
			"error":      "insufficient stock",
			"product_id": oos.ProductID,
			"requested":  oos.Requested,
			"available":  oos.Available,
		})
	case errors.Is(err, domain.ErrInvalidTransition):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrOutOfStock):
		h.writeError(w, http.StatusConflict, "insufficient stock")
	case errors.Is(err, domain.ErrInvalidInput):
		h.writeError(w, http.StatusBadRequest, err.Error())
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
