package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event types carried on the booking.events topic.
const (
	EventBookingCreated   = "booking.created"
	EventBookingConfirmed = "booking.confirmed"
	EventBookingCancelled = "booking.cancelled"
)

type BookingCreatedEvent struct {
	BookingID     string          `json:"booking_id"`
	CustomerEmail string          `json:"customer_email"`
	CustomerName  string          `json:"customer_name"`
	ItemCount     int             `json:"item_count"`
	Total         decimal.Decimal `json:"total"`
	Timestamp     time.Time       `json:"timestamp"`
}

type BookingConfirmedEvent struct {
	BookingID         string          `json:"booking_id"`
	CustomerEmail     string          `json:"customer_email"`
	CustomerName      string          `json:"customer_name"`
	GatewayPaymentRef string          `json:"gateway_payment_ref"`
	Total             decimal.Decimal `json:"total"`
	Timestamp         time.Time       `json:"timestamp"`
}

type BookingCancelledEvent struct {
	BookingID     string    `json:"booking_id"`
	CustomerEmail string    `json:"customer_email"`
	CustomerName  string    `json:"customer_name"`
	Reason        string    `json:"reason"`
	Actor         string    `json:"actor"`
	Timestamp     time.Time `json:"timestamp"`
}
