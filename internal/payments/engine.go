package payments

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/retailcore/bookings-backend/internal/bookings"
	"github.com/retailcore/bookings-backend/internal/domain"
)

// BookingStore is the slice of the booking repository the engine drives.
type BookingStore interface {
	GetByID(ctx context.Context, bookingID string) (*domain.Booking, error)
	GetByGatewayOrderRef(ctx context.Context, orderRef string) (*domain.Booking, error)
	GetByGatewayPaymentRef(ctx context.Context, paymentRef string) (*domain.Booking, error)
	SetGatewayOrder(ctx context.Context, bookingID, orderRef string) error
	MarkPaid(ctx context.Context, bookingID string, p bookings.PaidDetails) (bool, error)
	MarkPaymentFailed(ctx context.Context, bookingID, note string) (bool, error)
	RecordRefund(ctx context.Context, bookingID string, status domain.PaymentStatus, amount decimal.Decimal, reason string) (bool, error)
}

// Publisher emits lifecycle events. May be nil when messaging is disabled.
type Publisher interface {
	Publish(ctx context.Context, bookingID, eventType string, payload any) error
}

// Deduper short-circuits webhook deliveries already processed. May be nil;
// the conditional updates in the store make reprocessing harmless, dedup is
// only a fast path.
type Deduper interface {
	AlreadySeen(ctx context.Context, eventID string) bool
}

// Engine reconciles payment outcomes onto bookings. Two entry points race
// for the same transition: the client's verify call and the gateway webhook.
// Whichever lands first wins inside the store; the engine treats the losing
// path as a successful no-op.
type Engine struct {
	store     BookingStore
	gateway   Gateway
	publisher Publisher
	dedup     Deduper

	verifySecret  string
	webhookSecret string
	currency      string

	verifications metric.Int64Counter
	webhookEvents metric.Int64Counter
}

type EngineConfig struct {
	VerifySecret  string
	WebhookSecret string
	Currency      string
}

func NewEngine(store BookingStore, gateway Gateway, publisher Publisher, dedup Deduper, cfg EngineConfig) (*Engine, error) {
	meter := otel.Meter("payments")

	verifications, err := meter.Int64Counter("payments.verifications",
		metric.WithDescription("Payment verification attempts by outcome"))
	if err != nil {
		return nil, err
	}

	webhookEvents, err := meter.Int64Counter("payments.webhook_events",
		metric.WithDescription("Webhook deliveries by event type and outcome"))
	if err != nil {
		return nil, err
	}

	currency := cfg.Currency
	if currency == "" {
		currency = "INR"
	}

	return &Engine{
		store:         store,
		gateway:       gateway,
		publisher:     publisher,
		dedup:         dedup,
		verifySecret:  cfg.VerifySecret,
		webhookSecret: cfg.WebhookSecret,
		currency:      currency,
		verifications: verifications,
		webhookEvents: webhookEvents,
	}, nil
}

var minorUnits = decimal.NewFromInt(100)

// CreateGatewayOrder asks the gateway for a checkout order matching the
// booking total. The client-declared amount must equal the stored total
// exactly; the stored total is what gets sent to the gateway.
func (e *Engine) CreateGatewayOrder(ctx context.Context, bookingID string, amount decimal.Decimal) (GatewayOrder, error) {
	b, err := e.store.GetByID(ctx, bookingID)
	if err != nil {
		return GatewayOrder{}, err
	}

	if !amount.Equal(b.Totals.Total) {
		return GatewayOrder{}, fmt.Errorf("declared %s, booking total %s: %w", amount, b.Totals.Total, domain.ErrAmountMismatch)
	}

	switch b.Payment.Status {
	case domain.PaymentStatusPending, domain.PaymentStatusFailed:
	default:
		return GatewayOrder{}, fmt.Errorf("payment already %s: %w", b.Payment.Status, domain.ErrInvalidTransition)
	}

	order, err := e.gateway.CreateOrder(ctx, b.Totals.Total.Mul(minorUnits).IntPart(), e.currency, bookingID)
	if err != nil {
		return GatewayOrder{}, err
	}

	if err := e.store.SetGatewayOrder(ctx, bookingID, order.OrderRef); err != nil {
		return GatewayOrder{}, err
	}

	return order, nil
}

// VerifyPayment is the client-side completion path. An invalid signature
// rejects without touching the booking; a valid one applies the paid
// transition, or no-ops if the webhook already did.
func (e *Engine) VerifyPayment(ctx context.Context, bookingID, orderRef, paymentRef, signature string) (*domain.Booking, error) {
	b, err := e.store.GetByID(ctx, bookingID)
	if err != nil {
		return nil, err
	}

	if b.Payment.GatewayOrderRef == "" || b.Payment.GatewayOrderRef != orderRef ||
		!VerifySignature(e.verifySecret, orderRef, paymentRef, signature) {
		e.verifications.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "invalid_signature")))
		return nil, domain.ErrSignatureInvalid
	}

	applied, err := e.store.MarkPaid(ctx, bookingID, bookings.PaidDetails{
		PaymentRef: paymentRef,
		Signature:  signature,
		Note:       "payment verified by client",
		Actor:      "system",
	})
	if err != nil {
		return nil, err
	}

	outcome := "duplicate"
	if applied {
		outcome = "applied"
	}
	e.verifications.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))

	b, err = e.store.GetByID(ctx, bookingID)
	if err != nil {
		return nil, err
	}

	if applied {
		e.publishConfirmed(ctx, b)
	}

	return b, nil
}

// ApplyWebhook processes a gateway delivery. The signature covers the raw
// body; any failure after a valid signature is the caller's cue to log and
// acknowledge, never to reject.
func (e *Engine) ApplyWebhook(ctx context.Context, body []byte, signature, eventID string) error {
	if !VerifyWebhookSignature(e.webhookSecret, body, signature) {
		e.webhookEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "invalid_signature")))
		return domain.ErrSignatureInvalid
	}

	if eventID != "" && e.dedup != nil && e.dedup.AlreadySeen(ctx, eventID) {
		e.webhookEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "duplicate")))
		return nil
	}

	parsed, err := ParseWebhook(body)
	if err != nil {
		e.webhookEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "malformed")))
		return err
	}

	switch ev := parsed.(type) {
	case PaymentCaptured:
		err = e.applyCaptured(ctx, ev)
	case PaymentFailed:
		err = e.applyFailed(ctx, ev)
	case RefundCreated:
		err = e.applyRefund(ctx, ev)
	}

	outcome := "applied"
	if err != nil {
		outcome = "error"
	}
	e.webhookEvents.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event", webhookEventName(parsed)),
		attribute.String("outcome", outcome),
	))
	return err
}

func webhookEventName(parsed any) string {
	switch parsed.(type) {
	case PaymentCaptured:
		return WebhookPaymentCaptured
	case PaymentFailed:
		return WebhookPaymentFailed
	case RefundCreated:
		return WebhookRefundCreated
	}
	return "unknown"
}

func (e *Engine) applyCaptured(ctx context.Context, ev PaymentCaptured) error {
	b, err := e.store.GetByGatewayOrderRef(ctx, ev.OrderRef)
	if err != nil {
		return fmt.Errorf("payment.captured for order %s: %w", ev.OrderRef, err)
	}

	applied, err := e.store.MarkPaid(ctx, b.BookingID, bookings.PaidDetails{
		PaymentRef: ev.PaymentRef,
		Method:     ev.Method,
		Note:       "payment captured",
		Actor:      "gateway",
	})
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}

	b, err = e.store.GetByID(ctx, b.BookingID)
	if err != nil {
		return err
	}
	e.publishConfirmed(ctx, b)
	return nil
}

func (e *Engine) applyFailed(ctx context.Context, ev PaymentFailed) error {
	b, err := e.store.GetByGatewayOrderRef(ctx, ev.OrderRef)
	if err != nil {
		return fmt.Errorf("payment.failed for order %s: %w", ev.OrderRef, err)
	}

	note := ev.Reason
	if note == "" {
		note = "payment failed"
	}
	_, err = e.store.MarkPaymentFailed(ctx, b.BookingID, note)
	return err
}

func (e *Engine) applyRefund(ctx context.Context, ev RefundCreated) error {
	b, err := e.store.GetByGatewayPaymentRef(ctx, ev.PaymentRef)
	if err != nil {
		return fmt.Errorf("refund.created for payment %s: %w", ev.PaymentRef, err)
	}

	amount := decimal.NewFromInt(ev.AmountMinor).Div(minorUnits)
	_, err = e.store.RecordRefund(ctx, b.BookingID, domain.PaymentStatusRefunded, amount, ev.Reason)
	return err
}

// InitiateRefund pushes a refund to the gateway and records the outcome. A
// zero amount means a full refund. Stock is never restored here; refund and
// cancellation are separate decisions.
func (e *Engine) InitiateRefund(ctx context.Context, bookingID string, amount decimal.Decimal, reason string) (*domain.Booking, error) {
	b, err := e.store.GetByID(ctx, bookingID)
	if err != nil {
		return nil, err
	}

	if b.Payment.Status != domain.PaymentStatusPaid {
		return nil, fmt.Errorf("payment is %s: %w", b.Payment.Status, domain.ErrPaymentNotCompleted)
	}

	if amount.IsZero() {
		amount = b.Totals.Total
	}
	if amount.IsNegative() || amount.GreaterThan(b.Totals.Total) {
		return nil, fmt.Errorf("refund of %s against total %s: %w", amount, b.Totals.Total, domain.ErrAmountMismatch)
	}

	if _, err := e.gateway.Refund(ctx, b.Payment.GatewayPaymentRef, amount.Mul(minorUnits).IntPart()); err != nil {
		return nil, err
	}

	status := domain.PaymentStatusPartialRefund
	if amount.Equal(b.Totals.Total) {
		status = domain.PaymentStatusRefunded
	}

	if _, err := e.store.RecordRefund(ctx, bookingID, status, amount, reason); err != nil {
		return nil, err
	}

	return e.store.GetByID(ctx, bookingID)
}

func (e *Engine) publishConfirmed(ctx context.Context, b *domain.Booking) {
	if e.publisher == nil {
		return
	}
	err := e.publisher.Publish(ctx, b.BookingID, domain.EventBookingConfirmed, domain.BookingConfirmedEvent{
		BookingID:         b.BookingID,
		CustomerEmail:     b.Customer.Email,
		CustomerName:      b.Customer.FirstName + " " + b.Customer.LastName,
		GatewayPaymentRef: b.Payment.GatewayPaymentRef,
		Total:             b.Totals.Total,
		Timestamp:         time.Now().UTC(),
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to publish event",
			"event_type", domain.EventBookingConfirmed, "booking_id", b.BookingID, "error", err)
	}
}
