package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/retailcore/bookings-backend/internal/domain"
	"github.com/retailcore/bookings-backend/internal/messaging"
)

// NotificationHandler turns booking lifecycle events into customer emails.
// Unknown event types are logged and skipped so new producers can roll out
// ahead of the worker.
type NotificationHandler struct {
	emailServiceURL string
	httpClient      *http.Client
	logger          *slog.Logger
}

func NewNotificationHandler(emailServiceURL string, client *http.Client, logger *slog.Logger) *NotificationHandler {
	return &NotificationHandler{
		emailServiceURL: emailServiceURL,
		httpClient:      client,
		logger:          logger,
	}
}

func (h *NotificationHandler) Handle(ctx context.Context, env messaging.Envelope) error {
	switch env.EventType {
	case domain.EventBookingCreated:
		var ev domain.BookingCreatedEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return fmt.Errorf("unmarshal %s: %w", env.EventType, err)
		}
		return h.sendCreated(ctx, ev)

	case domain.EventBookingConfirmed:
		var ev domain.BookingConfirmedEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return fmt.Errorf("unmarshal %s: %w", env.EventType, err)
		}
		return h.sendConfirmed(ctx, ev)

	case domain.EventBookingCancelled:
		var ev domain.BookingCancelledEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return fmt.Errorf("unmarshal %s: %w", env.EventType, err)
		}
		return h.sendCancelled(ctx, ev)

	default:
		h.logger.Warn("skipping unknown event type", "event_type", env.EventType, "event_id", env.EventID)
		return nil
	}
}

func (h *NotificationHandler) sendCreated(ctx context.Context, ev domain.BookingCreatedEvent) error {
	if ev.CustomerEmail == "" {
		h.logger.Info("booking has no email, skipping notification", "booking_id", ev.BookingID)
		return nil
	}
	return h.sendEmail(ctx, map[string]string{
		"to":      ev.CustomerEmail,
		"subject": "Booking received: " + ev.BookingID,
		"body": fmt.Sprintf("Hi %s, we received your booking %s for %d item(s), total %s. Complete the payment to confirm it.",
			ev.CustomerName, ev.BookingID, ev.ItemCount, ev.Total),
	})
}

func (h *NotificationHandler) sendConfirmed(ctx context.Context, ev domain.BookingConfirmedEvent) error {
	if ev.CustomerEmail == "" {
		h.logger.Info("booking has no email, skipping notification", "booking_id", ev.BookingID)
		return nil
	}
	return h.sendEmail(ctx, map[string]string{
		"to":      ev.CustomerEmail,
		"subject": "Booking confirmed: " + ev.BookingID,
		"body": fmt.Sprintf("Hi %s, payment for booking %s went through (ref %s). We are preparing your items for dispatch.",
			ev.CustomerName, ev.BookingID, ev.GatewayPaymentRef),
	})
}

func (h *NotificationHandler) sendCancelled(ctx context.Context, ev domain.BookingCancelledEvent) error {
	if ev.CustomerEmail == "" {
		h.logger.Info("booking has no email, skipping notification", "booking_id", ev.BookingID)
		return nil
	}

	body := fmt.Sprintf("Hi %s, your booking %s has been cancelled.", ev.CustomerName, ev.BookingID)
	if ev.Reason != "" {
		body += " Reason: " + ev.Reason + "."
	}

	return h.sendEmail(ctx, map[string]string{
		"to":      ev.CustomerEmail,
		"subject": "Booking cancelled: " + ev.BookingID,
		"body":    body,
	})
}

func (h *NotificationHandler) sendEmail(ctx context.Context, payload map[string]string) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.emailServiceURL+"/send", bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("email service returned status %d", resp.StatusCode)
	}

	return nil
}
