//go:build integration

package test

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"

	"github.com/retailcore/bookings-backend/internal/bookings"
	"github.com/retailcore/bookings-backend/internal/domain"
	"github.com/retailcore/bookings-backend/internal/messaging"
	"github.com/retailcore/bookings-backend/internal/payments"
	"github.com/retailcore/bookings-backend/internal/stock"
)

const (
	verifySecret  = "it-verify-secret"
	webhookSecret = "it-webhook-secret"
)

type stubGateway struct {
	orders int
}

func (g *stubGateway) CreateOrder(_ context.Context, amountMinor int64, currency, receipt string) (payments.GatewayOrder, error) {
	g.orders++
	return payments.GatewayOrder{
		OrderRef:    fmt.Sprintf("order_it_%d", g.orders),
		AmountMinor: amountMinor,
		Currency:    currency,
		Receipt:     receipt,
	}, nil
}

func (g *stubGateway) Refund(_ context.Context, paymentRef string, amountMinor int64) (payments.GatewayRefund, error) {
	return payments.GatewayRefund{
		RefundRef:   "rfnd_it_1",
		PaymentRef:  paymentRef,
		AmountMinor: amountMinor,
		Status:      "processed",
	}, nil
}

func seedProducts(t *testing.T, db *sql.DB) {
	t.Helper()
	_, err := db.Exec(`
		INSERT INTO products (id, sku, name, price, stock) VALUES
			('prod-1', 'SKU-1', 'Ceramic Mug', 250, 5),
			('prod-2', 'SKU-2', 'Steel Bottle', 600, 2)
	`)
	if err != nil {
		t.Fatalf("seed products: %v", err)
	}
}

func stockOf(t *testing.T, db *sql.DB, productID string) int {
	t.Helper()
	var n int
	if err := db.QueryRow(`SELECT stock FROM products WHERE id = $1`, productID).Scan(&n); err != nil {
		t.Fatalf("read stock: %v", err)
	}
	return n
}

func newEngine(t *testing.T, repo *bookings.Repository, gw payments.Gateway) *payments.Engine {
	t.Helper()
	engine, err := payments.NewEngine(repo, gw, nil, nil, payments.EngineConfig{
		VerifySecret:  verifySecret,
		WebhookSecret: webhookSecret,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return engine
}

func createTestBooking(t *testing.T, svc *bookings.Service) *domain.Booking {
	t.Helper()
	b, err := svc.Create(context.Background(), bookings.CreateInput{
		Customer: domain.Customer{
			FirstName: "Asha", LastName: "Rao",
			Email: "asha@example.com", Phone: "9876543210",
		},
		Address: domain.Address{
			Street: "12 Lake Road", City: "Pune", State: "MH",
			Pincode: "411001", Country: "India",
		},
		Items: []bookings.ItemInput{{ProductID: "prod-1", Quantity: 2}},
		Totals: domain.Totals{
			Subtotal: decimal.NewFromInt(500),
			Tax:      decimal.NewFromInt(90),
			Shipping: decimal.NewFromInt(50),
			Total:    decimal.NewFromInt(640),
		},
	})
	if err != nil {
		t.Fatalf("create booking: %v", err)
	}
	return b
}

func TestBookingPaymentLifecycle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pg := SetupPostgres(ctx, t)
	defer pg.Cleanup()

	db, err := OpenDB(pg.ConnStr)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer func() { _ = db.Close() }()
	seedProducts(t, db)

	repo := bookings.NewRepository(db)
	ledger := stock.NewLedger(db)
	svc := bookings.NewService(repo, ledger, nil)
	engine := newEngine(t, repo, &stubGateway{})

	b := createTestBooking(t, svc)

	order, err := engine.CreateGatewayOrder(ctx, b.BookingID, decimal.NewFromInt(640))
	if err != nil {
		t.Fatalf("create gateway order: %v", err)
	}
	if order.AmountMinor != 64000 {
		t.Fatalf("amount minor = %d, want 64000", order.AmountMinor)
	}

	// Creating the booking holds nothing.
	if got := stockOf(t, db, "prod-1"); got != 5 {
		t.Fatalf("stock after create = %d, want 5", got)
	}

	sig := payments.SignVerification(verifySecret, order.OrderRef, "pay_it_1")
	verified, err := engine.VerifyPayment(ctx, b.BookingID, order.OrderRef, "pay_it_1", sig)
	if err != nil {
		t.Fatalf("verify payment: %v", err)
	}
	if verified.Payment.Status != domain.PaymentStatusPaid {
		t.Errorf("payment status = %s, want paid", verified.Payment.Status)
	}
	if verified.Status != domain.BookingStatusConfirmed {
		t.Errorf("status = %s, want confirmed", verified.Status)
	}
	if verified.Payment.PaidAt == nil {
		t.Error("paid_at not set")
	}
	if got := stockOf(t, db, "prod-1"); got != 3 {
		t.Errorf("stock after payment = %d, want 3", got)
	}

	// The gateway's webhook for the same payment arrives late: acknowledged,
	// no second decrement.
	body := []byte(fmt.Sprintf(`{
		"event": "payment.captured",
		"payload": {"payment": {"entity": {"id": "pay_it_1", "order_id": %q, "amount": 64000, "method": "upi"}}}
	}`, order.OrderRef))
	if err := engine.ApplyWebhook(ctx, body, payments.SignWebhook(webhookSecret, body), "evt_it_1"); err != nil {
		t.Fatalf("apply webhook: %v", err)
	}
	if got := stockOf(t, db, "prod-1"); got != 3 {
		t.Errorf("stock after duplicate webhook = %d, want 3", got)
	}

	// History carries creation-time pending plus the confirmed transition.
	full, err := repo.GetByID(ctx, b.BookingID)
	if err != nil {
		t.Fatalf("get booking: %v", err)
	}
	if len(full.History) == 0 {
		t.Fatal("no status history recorded")
	}
	last := full.History[len(full.History)-1]
	if last.Status != "confirmed" {
		t.Errorf("last history status = %s, want confirmed", last.Status)
	}

	// Admin cancel after payment restores the stock.
	cancelled, err := svc.AdminCancel(ctx, b.BookingID, "ops-1", "customer request")
	if err != nil {
		t.Fatalf("admin cancel: %v", err)
	}
	if cancelled.Status != domain.BookingStatusCancelled {
		t.Errorf("status = %s, want cancelled", cancelled.Status)
	}
	if got := stockOf(t, db, "prod-1"); got != 5 {
		t.Errorf("stock after cancel = %d, want restored 5", got)
	}
}

func TestCancelBeforePaymentLeavesStockAlone(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pg := SetupPostgres(ctx, t)
	defer pg.Cleanup()

	db, err := OpenDB(pg.ConnStr)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer func() { _ = db.Close() }()
	seedProducts(t, db)

	repo := bookings.NewRepository(db)
	svc := bookings.NewService(repo, stock.NewLedger(db), nil)
	engine := newEngine(t, repo, &stubGateway{})

	b := createTestBooking(t, svc)

	order, err := engine.CreateGatewayOrder(ctx, b.BookingID, decimal.NewFromInt(640))
	if err != nil {
		t.Fatalf("create gateway order: %v", err)
	}

	cancelled, err := svc.CustomerCancel(ctx, b.BookingID, "asha@example.com", "", "changed my mind")
	if err != nil {
		t.Fatalf("customer cancel: %v", err)
	}
	if cancelled.Status != domain.BookingStatusCancelled {
		t.Errorf("status = %s, want cancelled", cancelled.Status)
	}
	// Nothing was decremented, so nothing must be restored.
	if got := stockOf(t, db, "prod-1"); got != 5 {
		t.Errorf("stock = %d, want untouched 5", got)
	}

	// A capture landing after the cancellation is acknowledged but changes
	// nothing: the booking stays cancelled and no stock moves.
	body := []byte(fmt.Sprintf(`{
		"event": "payment.captured",
		"payload": {"payment": {"entity": {"id": "pay_it_late", "order_id": %q, "amount": 64000, "method": "upi"}}}
	}`, order.OrderRef))
	if err := engine.ApplyWebhook(ctx, body, payments.SignWebhook(webhookSecret, body), "evt_it_late"); err != nil {
		t.Fatalf("apply webhook: %v", err)
	}

	after, err := repo.GetByID(ctx, b.BookingID)
	if err != nil {
		t.Fatalf("get booking: %v", err)
	}
	if after.Status != domain.BookingStatusCancelled {
		t.Errorf("status after late capture = %s, want cancelled", after.Status)
	}
	if after.Payment.Status == domain.PaymentStatusPaid {
		t.Error("payment flipped to paid on a cancelled booking")
	}
	if got := stockOf(t, db, "prod-1"); got != 5 {
		t.Errorf("stock after late capture = %d, want untouched 5", got)
	}
}

// The reconciliation property against a real database: racing verify calls
// and webhook deliveries settle into exactly one paid transition and one
// stock decrement.
func TestConcurrentCompletionAgainstPostgres(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pg := SetupPostgres(ctx, t)
	defer pg.Cleanup()

	db, err := OpenDB(pg.ConnStr)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer func() { _ = db.Close() }()
	seedProducts(t, db)

	repo := bookings.NewRepository(db)
	svc := bookings.NewService(repo, stock.NewLedger(db), nil)
	engine := newEngine(t, repo, &stubGateway{})

	b := createTestBooking(t, svc)

	order, err := engine.CreateGatewayOrder(ctx, b.BookingID, decimal.NewFromInt(640))
	if err != nil {
		t.Fatalf("create gateway order: %v", err)
	}

	sig := payments.SignVerification(verifySecret, order.OrderRef, "pay_it_1")
	body := []byte(fmt.Sprintf(`{
		"event": "payment.captured",
		"payload": {"payment": {"entity": {"id": "pay_it_1", "order_id": %q, "amount": 64000, "method": "upi"}}}
	}`, order.OrderRef))
	webhookSig := payments.SignWebhook(webhookSecret, body)

	const attempts = 20
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = engine.VerifyPayment(ctx, b.BookingID, order.OrderRef, "pay_it_1", sig)
		}()
		go func(n int) {
			defer wg.Done()
			_ = engine.ApplyWebhook(ctx, body, webhookSig, fmt.Sprintf("evt_it_%d", n))
		}(i)
	}
	wg.Wait()

	if got := stockOf(t, db, "prod-1"); got != 3 {
		t.Errorf("stock = %d, want exactly one decrement to 3", got)
	}

	final, err := repo.GetByID(ctx, b.BookingID)
	if err != nil {
		t.Fatalf("get booking: %v", err)
	}
	if final.Payment.Status != domain.PaymentStatusPaid {
		t.Errorf("payment status = %s, want paid", final.Payment.Status)
	}

	var confirmed int
	err = db.QueryRow(`
		SELECT COUNT(*) FROM booking_status_history WHERE booking_id = $1 AND status = 'confirmed'
	`, b.BookingID).Scan(&confirmed)
	if err != nil {
		t.Fatalf("count history: %v", err)
	}
	if confirmed != 1 {
		t.Errorf("confirmed history entries = %d, want 1", confirmed)
	}
}

func TestEventFlowThroughKafka(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	brokers, cleanupKafka := SetupKafka(ctx, t)
	defer cleanupKafka()

	producer := messaging.NewProducer(brokers, "booking.events")
	defer func() { _ = producer.Close() }()

	err := producer.Publish(ctx, "BK-IT-1", domain.EventBookingCreated, domain.BookingCreatedEvent{
		BookingID:     "BK-IT-1",
		CustomerEmail: "asha@example.com",
		ItemCount:     1,
		Total:         decimal.NewFromInt(640),
		Timestamp:     time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	consumer := messaging.NewConsumer(brokers, "booking.events", "it-group", messaging.WithStartOffset(kafkago.FirstOffset))
	defer func() { _ = consumer.Close() }()

	received := make(chan messaging.Envelope, 1)
	consumeCtx, stop := context.WithCancel(ctx)
	defer stop()

	go func() {
		_ = consumer.Consume(consumeCtx, func(_ context.Context, env messaging.Envelope) error {
			received <- env
			stop()
			return nil
		})
	}()

	select {
	case env := <-received:
		if env.EventType != domain.EventBookingCreated {
			t.Errorf("event type = %s, want %s", env.EventType, domain.EventBookingCreated)
		}
		if env.EventID == "" {
			t.Error("envelope has no event id")
		}
	case <-time.After(60 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}
