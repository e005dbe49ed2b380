package bookings

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/retailcore/bookings-backend/internal/domain"
	"github.com/retailcore/bookings-backend/internal/stock"
)

// Store is the subset of the repository the service depends on.
type Store interface {
	Create(ctx context.Context, b *domain.Booking) error
	GetByID(ctx context.Context, bookingID string) (*domain.Booking, error)
	GetVerified(ctx context.Context, bookingID, email, phone string) (*domain.Booking, error)
	List(ctx context.Context, f ListFilter) ([]domain.Booking, error)
	Cancel(ctx context.Context, bookingID, actor, reason string, admin bool) (*domain.Booking, error)
	UpdateStatus(ctx context.Context, bookingID string, upd StatusUpdate) (*domain.Booking, error)
}

// Catalog provides the product snapshot used when placing a booking.
type Catalog interface {
	ProductsForSale(ctx context.Context, ids []string) (map[string]stock.Product, error)
}

// Publisher emits lifecycle events. May be nil when messaging is disabled.
type Publisher interface {
	Publish(ctx context.Context, bookingID, eventType string, payload any) error
}

type Service struct {
	store     Store
	catalog   Catalog
	publisher Publisher
}

func NewService(store Store, catalog Catalog, publisher Publisher) *Service {
	return &Service{store: store, catalog: catalog, publisher: publisher}
}

type ItemInput struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type CreateInput struct {
	Customer domain.Customer `json:"customer"`
	Address  domain.Address  `json:"address"`
	Items    []ItemInput     `json:"items"`
	Totals   domain.Totals   `json:"totals"`
	Notes    string          `json:"notes"`
}

func (in CreateInput) validate() error {
	if in.Customer.Email == "" && in.Customer.Phone == "" {
		return fmt.Errorf("customer email or phone is required: %w", domain.ErrInvalidInput)
	}
	if len(in.Items) == 0 {
		return fmt.Errorf("at least one item is required: %w", domain.ErrInvalidInput)
	}
	for _, item := range in.Items {
		if item.ProductID == "" {
			return fmt.Errorf("item product_id is required: %w", domain.ErrInvalidInput)
		}
		if item.Quantity <= 0 {
			return fmt.Errorf("item quantity must be positive: %w", domain.ErrInvalidInput)
		}
	}
	if in.Totals.Total.IsNegative() {
		return fmt.Errorf("total must not be negative: %w", domain.ErrInvalidInput)
	}
	return nil
}

// Create places a booking in pending/pending state. The availability check
// here is advisory only: no stock is held until payment completes, so a
// booking that passes this check can still lose the race at payment time.
func (s *Service) Create(ctx context.Context, in CreateInput) (*domain.Booking, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(in.Items))
	for _, item := range in.Items {
		ids = append(ids, item.ProductID)
	}

	products, err := s.catalog.ProductsForSale(ctx, ids)
	if err != nil {
		return nil, err
	}

	items := make([]domain.LineItem, 0, len(in.Items))
	for _, item := range in.Items {
		p, ok := products[item.ProductID]
		if !ok {
			return nil, fmt.Errorf("product %s: %w", item.ProductID, domain.ErrProductNotFound)
		}
		if p.Stock < item.Quantity {
			return nil, &domain.OutOfStockError{
				ProductID: p.ID,
				Name:      p.Name,
				Requested: item.Quantity,
				Available: p.Stock,
			}
		}
		items = append(items, domain.LineItem{
			ProductID: p.ID,
			Quantity:  item.Quantity,
			UnitPrice: p.Price,
			Name:      p.Name,
			SKU:       p.SKU,
			ImageURL:  p.ImageURL,
		})
	}

	now := time.Now().UTC()
	expected := now.Add(7 * 24 * time.Hour)

	b := &domain.Booking{
		BookingID:          domain.NewBookingID(),
		Customer:           in.Customer,
		Address:            in.Address,
		Items:              items,
		Totals:             in.Totals,
		Payment:            domain.PaymentInfo{Status: domain.PaymentStatusPending},
		Status:             domain.BookingStatusPending,
		Notes:              in.Notes,
		ExpectedDeliveryAt: &expected,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if err := s.store.Create(ctx, b); err != nil {
		return nil, err
	}

	s.publish(ctx, b.BookingID, domain.EventBookingCreated, domain.BookingCreatedEvent{
		BookingID:     b.BookingID,
		CustomerEmail: b.Customer.Email,
		CustomerName:  b.Customer.FirstName + " " + b.Customer.LastName,
		ItemCount:     len(b.Items),
		Total:         b.Totals.Total,
		Timestamp:     now,
	})

	return b, nil
}

// Get looks up a booking. Non-admin callers must supply the email or phone
// the booking was placed with.
func (s *Service) Get(ctx context.Context, bookingID, email, phone string, admin bool) (*domain.Booking, error) {
	if admin {
		return s.store.GetByID(ctx, bookingID)
	}
	if email == "" && phone == "" {
		return nil, fmt.Errorf("email or phone is required to look up a booking: %w", domain.ErrInvalidInput)
	}
	return s.store.GetVerified(ctx, bookingID, email, phone)
}

func (s *Service) List(ctx context.Context, f ListFilter) ([]domain.Booking, error) {
	return s.store.List(ctx, f)
}

// CustomerCancel cancels on behalf of the customer, who must prove ownership
// with the booking's email or phone. Only pending and confirmed bookings
// qualify; stock restoration is decided inside the store.
func (s *Service) CustomerCancel(ctx context.Context, bookingID, email, phone, reason string) (*domain.Booking, error) {
	if email == "" && phone == "" {
		return nil, fmt.Errorf("email or phone is required to cancel a booking: %w", domain.ErrInvalidInput)
	}
	if _, err := s.store.GetVerified(ctx, bookingID, email, phone); err != nil {
		return nil, err
	}

	b, err := s.store.Cancel(ctx, bookingID, "customer", reason, false)
	if err != nil {
		return nil, err
	}

	s.publishCancelled(ctx, b, "customer", reason)
	return b, nil
}

func (s *Service) AdminCancel(ctx context.Context, bookingID, actor, reason string) (*domain.Booking, error) {
	b, err := s.store.Cancel(ctx, bookingID, actor, reason, true)
	if err != nil {
		return nil, err
	}

	s.publishCancelled(ctx, b, actor, reason)
	return b, nil
}

// AdminUpdate applies a fulfilment status change and tracking details.
// Cancellation requests are routed through the cancel path so that stock
// restoration and cancellation metadata are handled uniformly.
func (s *Service) AdminUpdate(ctx context.Context, bookingID string, upd StatusUpdate) (*domain.Booking, error) {
	if upd.Status == domain.BookingStatusCancelled {
		return s.AdminCancel(ctx, bookingID, upd.Actor, upd.Note)
	}
	return s.store.UpdateStatus(ctx, bookingID, upd)
}

func (s *Service) publishCancelled(ctx context.Context, b *domain.Booking, actor, reason string) {
	s.publish(ctx, b.BookingID, domain.EventBookingCancelled, domain.BookingCancelledEvent{
		BookingID:     b.BookingID,
		CustomerEmail: b.Customer.Email,
		CustomerName:  b.Customer.FirstName + " " + b.Customer.LastName,
		Reason:        reason,
		Actor:         actor,
		Timestamp:     time.Now().UTC(),
	})
}

// publish is best effort: event delivery never fails the state change that
// already committed.
func (s *Service) publish(ctx context.Context, bookingID, eventType string, payload any) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, bookingID, eventType, payload); err != nil {
		slog.ErrorContext(ctx, "failed to publish event",
			"event_type", eventType, "booking_id", bookingID, "error", err)
	}
}
