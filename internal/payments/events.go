package payments

import (
	"encoding/json"
	"fmt"
)

// Webhook event names the gateway delivers.
const (
	WebhookPaymentCaptured = "payment.captured"
	WebhookPaymentFailed   = "payment.failed"
	WebhookRefundCreated   = "refund.created"
)

type PaymentCaptured struct {
	PaymentRef  string
	OrderRef    string
	AmountMinor int64
	Method      string
}

type PaymentFailed struct {
	PaymentRef string
	OrderRef   string
	Reason     string
}

type RefundCreated struct {
	RefundRef   string
	PaymentRef  string
	AmountMinor int64
	Reason      string
}

type webhookEnvelope struct {
	Event   string `json:"event"`
	Payload struct {
		Payment struct {
			Entity struct {
				ID               string `json:"id"`
				OrderID          string `json:"order_id"`
				Amount           int64  `json:"amount"`
				Method           string `json:"method"`
				ErrorDescription string `json:"error_description"`
			} `json:"entity"`
		} `json:"payment"`
		Refund struct {
			Entity struct {
				ID        string `json:"id"`
				PaymentID string `json:"payment_id"`
				Amount    int64  `json:"amount"`
				Reason    string `json:"reason"`
			} `json:"entity"`
		} `json:"refund"`
	} `json:"payload"`
}

// ParseWebhook decodes a webhook delivery into one of PaymentCaptured,
// PaymentFailed or RefundCreated. Unknown event types return an error; the
// handler acknowledges them anyway so the gateway does not retry forever.
func ParseWebhook(body []byte) (any, error) {
	var env webhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode webhook: %w", err)
	}

	switch env.Event {
	case WebhookPaymentCaptured:
		p := env.Payload.Payment.Entity
		if p.ID == "" || p.OrderID == "" {
			return nil, fmt.Errorf("payment.captured missing payment or order reference")
		}
		return PaymentCaptured{
			PaymentRef:  p.ID,
			OrderRef:    p.OrderID,
			AmountMinor: p.Amount,
			Method:      p.Method,
		}, nil
	case WebhookPaymentFailed:
		p := env.Payload.Payment.Entity
		if p.OrderID == "" {
			return nil, fmt.Errorf("payment.failed missing order reference")
		}
		return PaymentFailed{
			PaymentRef: p.ID,
			OrderRef:   p.OrderID,
			Reason:     p.ErrorDescription,
		}, nil
	case WebhookRefundCreated:
		r := env.Payload.Refund.Entity
		if r.PaymentID == "" {
			return nil, fmt.Errorf("refund.created missing payment reference")
		}
		return RefundCreated{
			RefundRef:   r.ID,
			PaymentRef:  r.PaymentID,
			AmountMinor: r.Amount,
			Reason:      r.Reason,
		}, nil
	default:
		return nil, fmt.Errorf("unhandled webhook event type %q", env.Event)
	}
}
