package domain

import (
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type BookingStatus string

const (
	BookingStatusPending        BookingStatus = "pending"
	BookingStatusConfirmed      BookingStatus = "confirmed"
	BookingStatusProcessing     BookingStatus = "processing"
	BookingStatusPacked         BookingStatus = "packed"
	BookingStatusShipped        BookingStatus = "shipped"
	BookingStatusOutForDelivery BookingStatus = "out_for_delivery"
	BookingStatusDelivered      BookingStatus = "delivered"
	BookingStatusCancelled      BookingStatus = "cancelled"
	BookingStatusReturned       BookingStatus = "returned"
)

type PaymentStatus string

const (
	PaymentStatusPending       PaymentStatus = "pending"
	PaymentStatusPaid          PaymentStatus = "paid"
	PaymentStatusFailed        PaymentStatus = "failed"
	PaymentStatusRefunded      PaymentStatus = "refunded"
	PaymentStatusPartialRefund PaymentStatus = "partial_refund"
)

var validNext = map[BookingStatus]map[BookingStatus]bool{
	BookingStatusPending:        {BookingStatusConfirmed: true, BookingStatusCancelled: true},
	BookingStatusConfirmed:      {BookingStatusProcessing: true, BookingStatusCancelled: true},
	BookingStatusProcessing:     {BookingStatusPacked: true, BookingStatusCancelled: true},
	BookingStatusPacked:         {BookingStatusShipped: true, BookingStatusCancelled: true},
	BookingStatusShipped:        {BookingStatusOutForDelivery: true, BookingStatusDelivered: true},
	BookingStatusOutForDelivery: {BookingStatusDelivered: true},
	BookingStatusDelivered:      {BookingStatusReturned: true},
	BookingStatusCancelled:      {},
	BookingStatusReturned:       {},
}

func CanTransition(from, to BookingStatus) bool {
	return validNext[from][to]
}

// CanCancel reports whether a booking in the given lifecycle status may be
// cancelled by the given actor class. Customers may only cancel before
// fulfilment starts; admins may cancel any pre-shipping booking.
func CanCancel(status BookingStatus, admin bool) bool {
	if admin {
		switch status {
		case BookingStatusPending, BookingStatusConfirmed, BookingStatusProcessing, BookingStatusPacked:
			return true
		}
		return false
	}
	return status == BookingStatusPending || status == BookingStatusConfirmed
}

type Address struct {
	Street   string `json:"street"`
	City     string `json:"city"`
	State    string `json:"state"`
	Pincode  string `json:"pincode"`
	Country  string `json:"country"`
	Landmark string `json:"landmark,omitempty"`
}

type Customer struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
}

// LineItem is a point-in-time snapshot of a product. Price, name and SKU are
// frozen at booking time; later catalog changes never touch placed bookings.
type LineItem struct {
	ProductID string          `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Name      string          `json:"name"`
	SKU       string          `json:"sku"`
	ImageURL  string          `json:"image_url,omitempty"`
}

// Totals are computed once at creation and immutable afterwards. Total is the
// amount every later payment operation verifies against, never recomputes.
type Totals struct {
	Subtotal     decimal.Decimal `json:"subtotal"`
	Tax          decimal.Decimal `json:"tax"`
	Shipping     decimal.Decimal `json:"shipping"`
	Discount     decimal.Decimal `json:"discount"`
	DiscountCode string          `json:"discount_code,omitempty"`
	Total        decimal.Decimal `json:"total"`
}

type PaymentInfo struct {
	GatewayOrderRef   string           `json:"gateway_order_ref,omitempty"`
	GatewayPaymentRef string           `json:"gateway_payment_ref,omitempty"`
	GatewaySignature  string           `json:"-"`
	Status            PaymentStatus    `json:"status"`
	Method            string           `json:"method,omitempty"`
	PaidAt            *time.Time       `json:"paid_at,omitempty"`
	RefundAmount      *decimal.Decimal `json:"refund_amount,omitempty"`
	RefundReason      string           `json:"refund_reason,omitempty"`
	RefundedAt        *time.Time       `json:"refunded_at,omitempty"`
}

type TrackingInfo struct {
	Carrier        string     `json:"carrier,omitempty"`
	TrackingNumber string     `json:"tracking_number,omitempty"`
	TrackingURL    string     `json:"tracking_url,omitempty"`
	UpdatedAt      *time.Time `json:"updated_at,omitempty"`
}

// StatusEntry is one record of the append-only status history log.
type StatusEntry struct {
	Status    string    `json:"status"`
	Note      string    `json:"note,omitempty"`
	Actor     string    `json:"actor"`
	Timestamp time.Time `json:"timestamp"`
}

type Booking struct {
	BookingID          string        `json:"booking_id"`
	Customer           Customer      `json:"customer"`
	Address            Address       `json:"address"`
	Items              []LineItem    `json:"items"`
	Totals             Totals        `json:"totals"`
	Payment            PaymentInfo   `json:"payment"`
	Status             BookingStatus `json:"status"`
	Notes              string        `json:"notes,omitempty"`
	AdminNotes         string        `json:"admin_notes,omitempty"`
	Tracking           TrackingInfo  `json:"tracking"`
	History            []StatusEntry `json:"status_history"`
	ExpectedDeliveryAt *time.Time    `json:"expected_delivery_at,omitempty"`
	DeliveredAt        *time.Time    `json:"delivered_at,omitempty"`
	CancelledAt        *time.Time    `json:"cancelled_at,omitempty"`
	CancellationReason string        `json:"cancellation_reason,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

const bookingIDAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// NewBookingID generates a shareable booking identifier: "BK" + the creation
// time in base36 + 5 random characters. Uniqueness is enforced by the store.
func NewBookingID() string {
	var b strings.Builder
	b.WriteString("BK")
	b.WriteString(strings.ToUpper(strconv.FormatInt(time.Now().UnixMilli(), 36)))
	for i := 0; i < 5; i++ {
		b.WriteByte(bookingIDAlphabet[rand.Intn(len(bookingIDAlphabet))])
	}
	return b.String()
}
