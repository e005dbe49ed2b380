package gatewaysim

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/retailcore/bookings-backend/internal/payments"
)

// Sim is an in-memory stand-in for the real payment gateway, used in local
// development and end-to-end tests. It issues order and payment references,
// signs verification payloads and delivers signed webhooks to the backend.
type Sim struct {
	verifySecret  string
	webhookSecret string
	webhookURL    string
	client        *http.Client

	mu       sync.Mutex
	orders   map[string]Order
	payments map[string]Payment
}

type Order struct {
	OrderRef    string `json:"id"`
	AmountMinor int64  `json:"amount"`
	Currency    string `json:"currency"`
	Receipt     string `json:"receipt"`
	Status      string `json:"status"`
}

type Payment struct {
	PaymentRef  string `json:"id"`
	OrderRef    string `json:"order_id"`
	AmountMinor int64  `json:"amount"`
	Method      string `json:"method"`
	Status      string `json:"status"`
}

func New(verifySecret, webhookSecret, webhookURL string) *Sim {
	return &Sim{
		verifySecret:  verifySecret,
		webhookSecret: webhookSecret,
		webhookURL:    webhookURL,
		client:        &http.Client{Timeout: 5 * time.Second},
		orders:        make(map[string]Order),
		payments:      make(map[string]Payment),
	}
}

func (s *Sim) CreateOrder(amountMinor int64, currency, receipt string) Order {
	order := Order{
		OrderRef:    "order_" + randomRef(),
		AmountMinor: amountMinor,
		Currency:    currency,
		Receipt:     receipt,
		Status:      "created",
	}

	s.mu.Lock()
	s.orders[order.OrderRef] = order
	s.mu.Unlock()

	return order
}

// CompletePayment simulates a successful checkout: it records a captured
// payment, returns the signature the client would pass to verification, and
// delivers the payment.captured webhook in the background.
func (s *Sim) CompletePayment(ctx context.Context, orderRef, method string) (Payment, string, error) {
	s.mu.Lock()
	order, ok := s.orders[orderRef]
	if !ok {
		s.mu.Unlock()
		return Payment{}, "", fmt.Errorf("unknown order %s", orderRef)
	}

	payment := Payment{
		PaymentRef:  "pay_" + randomRef(),
		OrderRef:    orderRef,
		AmountMinor: order.AmountMinor,
		Method:      method,
		Status:      "captured",
	}
	s.payments[payment.PaymentRef] = payment

	order.Status = "paid"
	s.orders[orderRef] = order
	s.mu.Unlock()

	signature := payments.SignVerification(s.verifySecret, orderRef, payment.PaymentRef)

	s.deliverWebhook(ctx, payments.WebhookPaymentCaptured, map[string]any{
		"payment": map[string]any{"entity": map[string]any{
			"id":       payment.PaymentRef,
			"order_id": orderRef,
			"amount":   payment.AmountMinor,
			"method":   method,
		}},
	})

	return payment, signature, nil
}

// FailPayment simulates a declined checkout and delivers payment.failed.
func (s *Sim) FailPayment(ctx context.Context, orderRef, reason string) error {
	s.mu.Lock()
	order, ok := s.orders[orderRef]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown order %s", orderRef)
	}
	order.Status = "failed"
	s.orders[orderRef] = order
	s.mu.Unlock()

	s.deliverWebhook(ctx, payments.WebhookPaymentFailed, map[string]any{
		"payment": map[string]any{"entity": map[string]any{
			"id":                "pay_" + randomRef(),
			"order_id":          orderRef,
			"error_description": reason,
		}},
	})
	return nil
}

func (s *Sim) Refund(ctx context.Context, paymentRef string, amountMinor int64) (map[string]any, error) {
	s.mu.Lock()
	payment, ok := s.payments[paymentRef]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("unknown payment %s", paymentRef)
	}
	if amountMinor <= 0 {
		amountMinor = payment.AmountMinor
	}
	s.mu.Unlock()

	refund := map[string]any{
		"id":         "rfnd_" + randomRef(),
		"payment_id": paymentRef,
		"amount":     amountMinor,
		"status":     "processed",
	}

	s.deliverWebhook(ctx, payments.WebhookRefundCreated, map[string]any{
		"refund": map[string]any{"entity": refund},
	})

	return refund, nil
}

func (s *Sim) deliverWebhook(ctx context.Context, event string, payload map[string]any) {
	if s.webhookURL == "" {
		return
	}

	body, err := json.Marshal(map[string]any{
		"event":   event,
		"payload": payload,
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to build webhook body", "event", event, "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		slog.ErrorContext(ctx, "failed to build webhook request", "event", event, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(payments.SignatureHeader, payments.SignWebhook(s.webhookSecret, body))
	req.Header.Set(payments.EventIDHeader, "evt_"+uuid.New().String())

	resp, err := s.client.Do(req)
	if err != nil {
		slog.ErrorContext(ctx, "webhook delivery failed", "event", event, "error", err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		slog.WarnContext(ctx, "webhook not acknowledged", "event", event, "status", resp.StatusCode)
	}
}

const refAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

func randomRef() string {
	b := make([]byte, 14)
	for i := range b {
		b[i] = refAlphabet[rand.Intn(len(refAlphabet))]
	}
	return string(b)
}
