package bookings

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/retailcore/bookings-backend/internal/domain"
	"github.com/retailcore/bookings-backend/internal/stock"
)

type fakeStore struct {
	bookings map[string]*domain.Booking
}

func newFakeStore() *fakeStore {
	return &fakeStore{bookings: make(map[string]*domain.Booking)}
}

func (s *fakeStore) Create(_ context.Context, b *domain.Booking) error {
	s.bookings[b.BookingID] = b
	return nil
}

func (s *fakeStore) GetByID(_ context.Context, bookingID string) (*domain.Booking, error) {
	b, ok := s.bookings[bookingID]
	if !ok {
		return nil, domain.ErrBookingNotFound
	}
	return b, nil
}

func (s *fakeStore) GetVerified(_ context.Context, bookingID, email, phone string) (*domain.Booking, error) {
	b, ok := s.bookings[bookingID]
	if !ok {
		return nil, domain.ErrBookingNotFound
	}
	if email != "" && !strings.EqualFold(b.Customer.Email, email) {
		return nil, domain.ErrBookingNotFound
	}
	if phone != "" && b.Customer.Phone != phone {
		return nil, domain.ErrBookingNotFound
	}
	return b, nil
}

func (s *fakeStore) List(_ context.Context, f ListFilter) ([]domain.Booking, error) {
	var out []domain.Booking
	for _, b := range s.bookings {
		if f.Status != "" && b.Status != f.Status {
			continue
		}
		if f.PaymentStatus != "" && b.Payment.Status != f.PaymentStatus {
			continue
		}
		out = append(out, *b)
	}
	return out, nil
}

func (s *fakeStore) Cancel(_ context.Context, bookingID, actor, reason string, admin bool) (*domain.Booking, error) {
	b, ok := s.bookings[bookingID]
	if !ok {
		return nil, domain.ErrBookingNotFound
	}
	if !domain.CanCancel(b.Status, admin) {
		return nil, fmt.Errorf("cannot cancel booking in status %s: %w", b.Status, domain.ErrInvalidTransition)
	}
	b.Status = domain.BookingStatusCancelled
	b.CancellationReason = reason
	b.History = append(b.History, domain.StatusEntry{Status: "cancelled", Note: reason, Actor: actor})
	return b, nil
}

func (s *fakeStore) UpdateStatus(_ context.Context, bookingID string, upd StatusUpdate) (*domain.Booking, error) {
	b, ok := s.bookings[bookingID]
	if !ok {
		return nil, domain.ErrBookingNotFound
	}
	if upd.Status != "" {
		if !domain.CanTransition(b.Status, upd.Status) {
			return nil, fmt.Errorf("%s -> %s: %w", b.Status, upd.Status, domain.ErrInvalidTransition)
		}
		b.Status = upd.Status
		b.History = append(b.History, domain.StatusEntry{Status: string(upd.Status), Note: upd.Note, Actor: upd.Actor})
	}
	if upd.Tracking != nil {
		b.Tracking = *upd.Tracking
	}
	if upd.AdminNotes != "" {
		b.AdminNotes = upd.AdminNotes
	}
	return b, nil
}

type fakeCatalog struct {
	products map[string]stock.Product
}

func (c *fakeCatalog) ProductsForSale(_ context.Context, ids []string) (map[string]stock.Product, error) {
	out := make(map[string]stock.Product)
	for _, id := range ids {
		if p, ok := c.products[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

type publishedEvent struct {
	bookingID string
	eventType string
	payload   any
}

type fakePublisher struct {
	events []publishedEvent
}

func (p *fakePublisher) Publish(_ context.Context, bookingID, eventType string, payload any) error {
	p.events = append(p.events, publishedEvent{bookingID, eventType, payload})
	return nil
}

func testCatalog() *fakeCatalog {
	return &fakeCatalog{products: map[string]stock.Product{
		"prod-1": {ID: "prod-1", SKU: "SKU-1", Name: "Ceramic Mug", Price: decimal.NewFromInt(250), Stock: 5},
		"prod-2": {ID: "prod-2", SKU: "SKU-2", Name: "Steel Bottle", Price: decimal.NewFromInt(600), Stock: 2},
	}}
}

func validCreateInput() CreateInput {
	return CreateInput{
		Customer: domain.Customer{
			FirstName: "Asha", LastName: "Rao",
			Email: "asha@example.com", Phone: "9876543210",
		},
		Address: domain.Address{
			Street: "12 Lake Road", City: "Pune", State: "MH",
			Pincode: "411001", Country: "India",
		},
		Items: []ItemInput{{ProductID: "prod-1", Quantity: 2}},
		Totals: domain.Totals{
			Subtotal: decimal.NewFromInt(500),
			Tax:      decimal.NewFromInt(90),
			Shipping: decimal.NewFromInt(50),
			Total:    decimal.NewFromInt(640),
		},
	}
}

func TestServiceCreate(t *testing.T) {
	t.Run("snapshots product details and starts pending", func(t *testing.T) {
		store := newFakeStore()
		pub := &fakePublisher{}
		svc := NewService(store, testCatalog(), pub)

		b, err := svc.Create(context.Background(), validCreateInput())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if !strings.HasPrefix(b.BookingID, "BK") {
			t.Errorf("booking id = %q, want BK prefix", b.BookingID)
		}
		if b.Status != domain.BookingStatusPending {
			t.Errorf("status = %s, want pending", b.Status)
		}
		if b.Payment.Status != domain.PaymentStatusPending {
			t.Errorf("payment status = %s, want pending", b.Payment.Status)
		}
		if len(b.Items) != 1 {
			t.Fatalf("items = %d, want 1", len(b.Items))
		}
		item := b.Items[0]
		if item.Name != "Ceramic Mug" || item.SKU != "SKU-1" {
			t.Errorf("item snapshot = %+v, want catalog name and sku", item)
		}
		if !item.UnitPrice.Equal(decimal.NewFromInt(250)) {
			t.Errorf("unit price = %s, want 250", item.UnitPrice)
		}
		if b.ExpectedDeliveryAt == nil {
			t.Error("expected delivery date not set")
		}

		if len(pub.events) != 1 {
			t.Fatalf("published %d events, want 1", len(pub.events))
		}
		if pub.events[0].eventType != domain.EventBookingCreated {
			t.Errorf("event type = %s, want %s", pub.events[0].eventType, domain.EventBookingCreated)
		}
	})

	t.Run("unknown product", func(t *testing.T) {
		svc := NewService(newFakeStore(), testCatalog(), nil)

		in := validCreateInput()
		in.Items = []ItemInput{{ProductID: "prod-missing", Quantity: 1}}

		_, err := svc.Create(context.Background(), in)
		if !errors.Is(err, domain.ErrProductNotFound) {
			t.Errorf("err = %v, want ErrProductNotFound", err)
		}
	})

	t.Run("insufficient stock", func(t *testing.T) {
		svc := NewService(newFakeStore(), testCatalog(), nil)

		in := validCreateInput()
		in.Items = []ItemInput{{ProductID: "prod-2", Quantity: 3}}

		_, err := svc.Create(context.Background(), in)

		var oos *domain.OutOfStockError
		if !errors.As(err, &oos) {
			t.Fatalf("err = %v, want OutOfStockError", err)
		}
		if oos.Requested != 3 || oos.Available != 2 {
			t.Errorf("requested/available = %d/%d, want 3/2", oos.Requested, oos.Available)
		}
	})

	t.Run("rejects invalid input", func(t *testing.T) {
		svc := NewService(newFakeStore(), testCatalog(), nil)

		cases := map[string]func(*CreateInput){
			"no items":       func(in *CreateInput) { in.Items = nil },
			"zero quantity":  func(in *CreateInput) { in.Items[0].Quantity = 0 },
			"no contact":     func(in *CreateInput) { in.Customer.Email = ""; in.Customer.Phone = "" },
			"negative total": func(in *CreateInput) { in.Totals.Total = decimal.NewFromInt(-1) },
		}

		for name, mutate := range cases {
			t.Run(name, func(t *testing.T) {
				in := validCreateInput()
				mutate(&in)
				if _, err := svc.Create(context.Background(), in); !errors.Is(err, domain.ErrInvalidInput) {
					t.Errorf("err = %v, want ErrInvalidInput", err)
				}
			})
		}
	})
}

func TestServiceGet(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store, testCatalog(), nil)

	b, err := svc.Create(context.Background(), validCreateInput())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	t.Run("requires contact for public lookup", func(t *testing.T) {
		if _, err := svc.Get(context.Background(), b.BookingID, "", "", false); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("err = %v, want ErrInvalidInput", err)
		}
	})

	t.Run("matching email", func(t *testing.T) {
		got, err := svc.Get(context.Background(), b.BookingID, "asha@example.com", "", false)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.BookingID != b.BookingID {
			t.Errorf("booking id = %s, want %s", got.BookingID, b.BookingID)
		}
	})

	t.Run("wrong email hides the booking", func(t *testing.T) {
		if _, err := svc.Get(context.Background(), b.BookingID, "other@example.com", "", false); !errors.Is(err, domain.ErrBookingNotFound) {
			t.Errorf("err = %v, want ErrBookingNotFound", err)
		}
	})

	t.Run("admin skips verification", func(t *testing.T) {
		if _, err := svc.Get(context.Background(), b.BookingID, "", "", true); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})
}

func TestServiceCancel(t *testing.T) {
	t.Run("customer cancel publishes event", func(t *testing.T) {
		store := newFakeStore()
		pub := &fakePublisher{}
		svc := NewService(store, testCatalog(), pub)

		b, err := svc.Create(context.Background(), validCreateInput())
		if err != nil {
			t.Fatalf("create: %v", err)
		}

		cancelled, err := svc.CustomerCancel(context.Background(), b.BookingID, "asha@example.com", "", "changed my mind")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cancelled.Status != domain.BookingStatusCancelled {
			t.Errorf("status = %s, want cancelled", cancelled.Status)
		}

		last := pub.events[len(pub.events)-1]
		if last.eventType != domain.EventBookingCancelled {
			t.Errorf("event type = %s, want %s", last.eventType, domain.EventBookingCancelled)
		}
	})

	t.Run("customer cannot cancel a shipped booking", func(t *testing.T) {
		store := newFakeStore()
		svc := NewService(store, testCatalog(), nil)

		b, err := svc.Create(context.Background(), validCreateInput())
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		store.bookings[b.BookingID].Status = domain.BookingStatusShipped

		_, err = svc.CustomerCancel(context.Background(), b.BookingID, "asha@example.com", "", "")
		if !errors.Is(err, domain.ErrInvalidTransition) {
			t.Errorf("err = %v, want ErrInvalidTransition", err)
		}
	})

	t.Run("wrong contact cannot cancel", func(t *testing.T) {
		store := newFakeStore()
		svc := NewService(store, testCatalog(), nil)

		b, err := svc.Create(context.Background(), validCreateInput())
		if err != nil {
			t.Fatalf("create: %v", err)
		}

		_, err = svc.CustomerCancel(context.Background(), b.BookingID, "intruder@example.com", "", "")
		if !errors.Is(err, domain.ErrBookingNotFound) {
			t.Errorf("err = %v, want ErrBookingNotFound", err)
		}
	})
}

func TestServiceAdminUpdate(t *testing.T) {
	t.Run("cancel status routes through cancel path", func(t *testing.T) {
		store := newFakeStore()
		pub := &fakePublisher{}
		svc := NewService(store, testCatalog(), pub)

		b, err := svc.Create(context.Background(), validCreateInput())
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		store.bookings[b.BookingID].Status = domain.BookingStatusProcessing

		updated, err := svc.AdminUpdate(context.Background(), b.BookingID, StatusUpdate{
			Status: domain.BookingStatusCancelled,
			Note:   "fraud review",
			Actor:  "ops-1",
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if updated.Status != domain.BookingStatusCancelled {
			t.Errorf("status = %s, want cancelled", updated.Status)
		}

		last := pub.events[len(pub.events)-1]
		if last.eventType != domain.EventBookingCancelled {
			t.Errorf("event type = %s, want %s", last.eventType, domain.EventBookingCancelled)
		}
	})

	t.Run("invalid transition is rejected", func(t *testing.T) {
		store := newFakeStore()
		svc := NewService(store, testCatalog(), nil)

		b, err := svc.Create(context.Background(), validCreateInput())
		if err != nil {
			t.Fatalf("create: %v", err)
		}

		_, err = svc.AdminUpdate(context.Background(), b.BookingID, StatusUpdate{
			Status: domain.BookingStatusDelivered,
			Actor:  "ops-1",
		})
		if !errors.Is(err, domain.ErrInvalidTransition) {
			t.Errorf("err = %v, want ErrInvalidTransition", err)
		}
	})
}
