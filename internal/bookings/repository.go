package bookings

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/retailcore/bookings-backend/internal/domain"
	"github.com/retailcore/bookings-backend/internal/stock"
)

// Repository is the single source of truth for booking state. All payment
// transitions are expressed as conditional updates so that racing writers
// (client verify call vs. gateway webhook) resolve to exactly one winner.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const bookingColumns = `
	booking_id, first_name, last_name, email, phone,
	street, city, state, pincode, country, landmark,
	subtotal, tax, shipping, discount, discount_code, total,
	gateway_order_ref, gateway_payment_ref, gateway_signature,
	payment_status, payment_method, paid_at, refund_amount, refund_reason, refunded_at,
	status, notes, admin_notes,
	carrier, tracking_number, tracking_url, tracking_updated_at,
	expected_delivery_at, delivered_at, cancelled_at, cancellation_reason,
	created_at, updated_at`

func (r *Repository) Create(ctx context.Context, b *domain.Booking) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO bookings (
			booking_id, first_name, last_name, email, phone,
			street, city, state, pincode, country, landmark,
			subtotal, tax, shipping, discount, discount_code, total,
			payment_status, status, notes, expected_delivery_at, created_at, updated_at
		) VALUES ($1, $2, $3, lower($4), $5, $6, $7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $22)
	`,
		b.BookingID, b.Customer.FirstName, b.Customer.LastName, b.Customer.Email, b.Customer.Phone,
		b.Address.Street, b.Address.City, b.Address.State, b.Address.Pincode, b.Address.Country, b.Address.Landmark,
		b.Totals.Subtotal, b.Totals.Tax, b.Totals.Shipping, b.Totals.Discount, b.Totals.DiscountCode, b.Totals.Total,
		b.Payment.Status, b.Status, b.Notes, b.ExpectedDeliveryAt, b.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert booking: %w", err)
	}

	for _, item := range b.Items {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO booking_items (id, booking_id, product_id, quantity, unit_price, name, sku, image_url)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, uuid.New().String(), b.BookingID, item.ProductID, item.Quantity, item.UnitPrice, item.Name, item.SKU, item.ImageURL)
		if err != nil {
			return fmt.Errorf("insert booking item: %w", err)
		}
	}

	return tx.Commit()
}

func (r *Repository) GetByID(ctx context.Context, bookingID string) (*domain.Booking, error) {
	return r.getWhere(ctx, "booking_id = $1", bookingID)
}

// GetVerified is the public lookup path: without admin credentials a caller
// must present the email or phone the booking was placed with.
func (r *Repository) GetVerified(ctx context.Context, bookingID, email, phone string) (*domain.Booking, error) {
	return r.getWhere(ctx,
		"booking_id = $1 AND ($2 = '' OR email = lower($2)) AND ($3 = '' OR phone = $3)",
		bookingID, email, phone)
}

func (r *Repository) GetByGatewayOrderRef(ctx context.Context, orderRef string) (*domain.Booking, error) {
	return r.getWhere(ctx, "gateway_order_ref = $1", orderRef)
}

func (r *Repository) GetByGatewayPaymentRef(ctx context.Context, paymentRef string) (*domain.Booking, error) {
	return r.getWhere(ctx, "gateway_payment_ref = $1", paymentRef)
}

func (r *Repository) getWhere(ctx context.Context, where string, args ...any) (*domain.Booking, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE `+where, args...)

	b, err := scanBooking(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrBookingNotFound
		}
		return nil, err
	}

	if err := r.loadItems(ctx, b); err != nil {
		return nil, err
	}
	if err := r.loadHistory(ctx, b); err != nil {
		return nil, err
	}

	return b, nil
}

type ListFilter struct {
	Status        domain.BookingStatus
	PaymentStatus domain.PaymentStatus
	Limit         int
	Offset        int
}

func (r *Repository) List(ctx context.Context, f ListFilter) ([]domain.Booking, error) {
	if f.Limit <= 0 || f.Limit > 100 {
		f.Limit = 20
	}

	conds := []string{"TRUE"}
	args := []any{}
	if f.Status != "" {
		args = append(args, f.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.PaymentStatus != "" {
		args = append(args, f.PaymentStatus)
		conds = append(conds, fmt.Sprintf("payment_status = $%d", len(args)))
	}
	args = append(args, f.Limit, f.Offset)

	query := fmt.Sprintf(`SELECT %s FROM bookings WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		bookingColumns, strings.Join(conds, " AND "), len(args)-1, len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list bookings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	bookingMap := make(map[string]*domain.Booking)
	var ids []string
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		b.Items = []domain.LineItem{}
		bookingMap[b.BookingID] = b
		ids = append(ids, b.BookingID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(ids) == 0 {
		return []domain.Booking{}, nil
	}

	itemRows, err := r.db.QueryContext(ctx, `
		SELECT booking_id, product_id, quantity, unit_price, name, sku, image_url
		FROM booking_items
		WHERE booking_id = ANY($1)
	`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer func() { _ = itemRows.Close() }()

	for itemRows.Next() {
		var bookingID string
		var item domain.LineItem
		if err := itemRows.Scan(&bookingID, &item.ProductID, &item.Quantity, &item.UnitPrice, &item.Name, &item.SKU, &item.ImageURL); err != nil {
			return nil, err
		}
		b := bookingMap[bookingID]
		b.Items = append(b.Items, item)
	}
	if err := itemRows.Err(); err != nil {
		return nil, err
	}

	out := make([]domain.Booking, 0, len(ids))
	for _, id := range ids {
		out = append(out, *bookingMap[id])
	}
	return out, nil
}

// SetGatewayOrder stores the gateway order reference issued for this booking.
// Re-issuing before payment completes simply overwrites the pending
// reference; the paid transition itself is what carries side effects.
func (r *Repository) SetGatewayOrder(ctx context.Context, bookingID, orderRef string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE bookings
		SET gateway_order_ref = $2, updated_at = NOW()
		WHERE booking_id = $1
	`, bookingID, orderRef)
	if err != nil {
		return fmt.Errorf("set gateway order ref: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrBookingNotFound
	}
	return nil
}

// PaidDetails carries everything the winning paid transition records.
type PaidDetails struct {
	PaymentRef string
	Signature  string
	Method     string
	Note       string
	Actor      string
}

// MarkPaid applies the first-paid-wins transition. The conditional update,
// the history append and the stock decrement commit atomically; the returned
// flag reports whether this call was the one that applied the transition.
// A false return with no error is the idempotent no-op outcome, covering
// both the losing racer and a capture arriving after cancellation.
func (r *Repository) MarkPaid(ctx context.Context, bookingID string, p PaidDetails) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE bookings
		SET payment_status = 'paid',
		    gateway_payment_ref = $2,
		    gateway_signature = $3,
		    payment_method = COALESCE(NULLIF($4, ''), payment_method),
		    paid_at = NOW(),
		    status = 'confirmed',
		    updated_at = NOW()
		WHERE booking_id = $1
		  AND payment_status IN ('pending', 'failed')
		  AND status <> 'cancelled'
	`, bookingID, p.PaymentRef, p.Signature, p.Method)
	if err != nil {
		return false, fmt.Errorf("mark paid: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		// Someone else won the race, or the booking is already terminal.
		return false, nil
	}

	reqs, err := itemRequirementsTx(ctx, tx, bookingID)
	if err != nil {
		return false, err
	}
	if err := stock.DecrementTx(ctx, tx, reqs); err != nil {
		return false, err
	}

	if err := appendHistoryTx(ctx, tx, bookingID, string(domain.BookingStatusConfirmed), p.Note, p.Actor); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// MarkPaymentFailed records a gateway failure notification. A paid booking is
// never downgraded: the update only applies while payment is still pending.
func (r *Repository) MarkPaymentFailed(ctx context.Context, bookingID, note string) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE bookings
		SET payment_status = 'failed', updated_at = NOW()
		WHERE booking_id = $1 AND payment_status = 'pending'
	`, bookingID)
	if err != nil {
		return false, fmt.Errorf("mark payment failed: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		return false, nil
	}

	if err := appendHistoryTx(ctx, tx, bookingID, "payment_failed", note, "system"); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// RecordRefund moves payment status to refunded or partial_refund and stores
// the refund metadata. refunded is terminal; repeat notifications no-op.
func (r *Repository) RecordRefund(ctx context.Context, bookingID string, status domain.PaymentStatus, amount decimal.Decimal, reason string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE bookings
		SET payment_status = $2,
		    refund_amount = $3,
		    refund_reason = $4,
		    refunded_at = NOW(),
		    updated_at = NOW()
		WHERE booking_id = $1 AND payment_status <> 'refunded'
	`, bookingID, status, amount, reason)
	if err != nil {
		return false, fmt.Errorf("record refund: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// Cancel sets the cancelled status, appends the history entry and restores
// stock. Stock is only restored when it was actually consumed, which is
// exactly when a paid transition was ever applied (paid_at is set).
func (r *Repository) Cancel(ctx context.Context, bookingID, actor, reason string, admin bool) (*domain.Booking, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var status domain.BookingStatus
	var paidAt sql.NullTime
	err = tx.QueryRowContext(ctx, `
		SELECT status, paid_at FROM bookings WHERE booking_id = $1 FOR UPDATE
	`, bookingID).Scan(&status, &paidAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrBookingNotFound
		}
		return nil, err
	}

	if !domain.CanCancel(status, admin) {
		return nil, fmt.Errorf("cannot cancel booking in status %s: %w", status, domain.ErrInvalidTransition)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE bookings
		SET status = 'cancelled', cancelled_at = NOW(), cancellation_reason = $2, updated_at = NOW()
		WHERE booking_id = $1
	`, bookingID, reason)
	if err != nil {
		return nil, fmt.Errorf("cancel booking: %w", err)
	}

	if err := appendHistoryTx(ctx, tx, bookingID, string(domain.BookingStatusCancelled), reason, actor); err != nil {
		return nil, err
	}

	if paidAt.Valid {
		reqs, err := itemRequirementsTx(ctx, tx, bookingID)
		if err != nil {
			return nil, err
		}
		if err := stock.RestoreTx(ctx, tx, reqs); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return r.GetByID(ctx, bookingID)
}

type StatusUpdate struct {
	Status     domain.BookingStatus
	Note       string
	Actor      string
	Tracking   *domain.TrackingInfo
	AdminNotes string
}

// UpdateStatus applies an admin fulfilment change. Cancellation does not go
// through here; the service routes it to Cancel so stock restoration stays in
// one place.
func (r *Repository) UpdateStatus(ctx context.Context, bookingID string, upd StatusUpdate) (*domain.Booking, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var current domain.BookingStatus
	err = tx.QueryRowContext(ctx, `
		SELECT status FROM bookings WHERE booking_id = $1 FOR UPDATE
	`, bookingID).Scan(&current)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrBookingNotFound
		}
		return nil, err
	}

	if upd.Status != "" {
		if !domain.CanTransition(current, upd.Status) {
			return nil, fmt.Errorf("%s -> %s: %w", current, upd.Status, domain.ErrInvalidTransition)
		}

		set := "status = $2, updated_at = NOW()"
		if upd.Status == domain.BookingStatusDelivered {
			set += ", delivered_at = NOW()"
		}
		_, err = tx.ExecContext(ctx, `UPDATE bookings SET `+set+` WHERE booking_id = $1`, bookingID, upd.Status)
		if err != nil {
			return nil, fmt.Errorf("update status: %w", err)
		}

		if err := appendHistoryTx(ctx, tx, bookingID, string(upd.Status), upd.Note, upd.Actor); err != nil {
			return nil, err
		}
	}

	if upd.Tracking != nil {
		_, err = tx.ExecContext(ctx, `
			UPDATE bookings
			SET carrier = COALESCE(NULLIF($2, ''), carrier),
			    tracking_number = COALESCE(NULLIF($3, ''), tracking_number),
			    tracking_url = COALESCE(NULLIF($4, ''), tracking_url),
			    tracking_updated_at = NOW(),
			    updated_at = NOW()
			WHERE booking_id = $1
		`, bookingID, upd.Tracking.Carrier, upd.Tracking.TrackingNumber, upd.Tracking.TrackingURL)
		if err != nil {
			return nil, fmt.Errorf("update tracking: %w", err)
		}
	}

	if upd.AdminNotes != "" {
		_, err = tx.ExecContext(ctx, `
			UPDATE bookings SET admin_notes = $2, updated_at = NOW() WHERE booking_id = $1
		`, bookingID, upd.AdminNotes)
		if err != nil {
			return nil, fmt.Errorf("update admin notes: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return r.GetByID(ctx, bookingID)
}

func appendHistoryTx(ctx context.Context, tx *sql.Tx, bookingID, status, note, actor string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO booking_status_history (booking_id, status, note, actor, created_at)
		VALUES ($1, $2, $3, $4, NOW())
	`, bookingID, status, note, actor)
	if err != nil {
		return fmt.Errorf("append status history: %w", err)
	}
	return nil
}

func itemRequirementsTx(ctx context.Context, tx *sql.Tx, bookingID string) ([]stock.Requirement, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT product_id, quantity FROM booking_items WHERE booking_id = $1
	`, bookingID)
	if err != nil {
		return nil, fmt.Errorf("load booking items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var reqs []stock.Requirement
	for rows.Next() {
		var r stock.Requirement
		if err := rows.Scan(&r.ProductID, &r.Quantity); err != nil {
			return nil, err
		}
		reqs = append(reqs, r)
	}
	return reqs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBooking(row rowScanner) (*domain.Booking, error) {
	b := &domain.Booking{}
	var (
		paidAt, refundedAt, trackingUpdatedAt    sql.NullTime
		expectedAt, deliveredAt, cancelledAt     sql.NullTime
		refundAmount                             decimal.NullDecimal
		orderRef, paymentRef, signature, method  sql.NullString
		discountCode, landmark, carrier          sql.NullString
		trackingNumber, trackingURL              sql.NullString
		notes, adminNotes, cancellationReason    sql.NullString
		refundReason                             sql.NullString
	)

	err := row.Scan(
		&b.BookingID, &b.Customer.FirstName, &b.Customer.LastName, &b.Customer.Email, &b.Customer.Phone,
		&b.Address.Street, &b.Address.City, &b.Address.State, &b.Address.Pincode, &b.Address.Country, &landmark,
		&b.Totals.Subtotal, &b.Totals.Tax, &b.Totals.Shipping, &b.Totals.Discount, &discountCode, &b.Totals.Total,
		&orderRef, &paymentRef, &signature,
		&b.Payment.Status, &method, &paidAt, &refundAmount, &refundReason, &refundedAt,
		&b.Status, &notes, &adminNotes,
		&carrier, &trackingNumber, &trackingURL, &trackingUpdatedAt,
		&expectedAt, &deliveredAt, &cancelledAt, &cancellationReason,
		&b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	b.Address.Landmark = landmark.String
	b.Totals.DiscountCode = discountCode.String
	b.Payment.GatewayOrderRef = orderRef.String
	b.Payment.GatewayPaymentRef = paymentRef.String
	b.Payment.GatewaySignature = signature.String
	b.Payment.Method = method.String
	b.Payment.RefundReason = refundReason.String
	b.Notes = notes.String
	b.AdminNotes = adminNotes.String
	b.CancellationReason = cancellationReason.String
	b.Tracking.Carrier = carrier.String
	b.Tracking.TrackingNumber = trackingNumber.String
	b.Tracking.TrackingURL = trackingURL.String

	if paidAt.Valid {
		b.Payment.PaidAt = &paidAt.Time
	}
	if refundAmount.Valid {
		b.Payment.RefundAmount = &refundAmount.Decimal
	}
	if refundedAt.Valid {
		b.Payment.RefundedAt = &refundedAt.Time
	}
	if trackingUpdatedAt.Valid {
		b.Tracking.UpdatedAt = &trackingUpdatedAt.Time
	}
	if expectedAt.Valid {
		b.ExpectedDeliveryAt = &expectedAt.Time
	}
	if deliveredAt.Valid {
		b.DeliveredAt = &deliveredAt.Time
	}
	if cancelledAt.Valid {
		b.CancelledAt = &cancelledAt.Time
	}

	return b, nil
}

func (r *Repository) loadItems(ctx context.Context, b *domain.Booking) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT product_id, quantity, unit_price, name, sku, image_url
		FROM booking_items
		WHERE booking_id = $1
	`, b.BookingID)
	if err != nil {
		return fmt.Errorf("load items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var item domain.LineItem
		if err := rows.Scan(&item.ProductID, &item.Quantity, &item.UnitPrice, &item.Name, &item.SKU, &item.ImageURL); err != nil {
			return err
		}
		b.Items = append(b.Items, item)
	}
	return rows.Err()
}

func (r *Repository) loadHistory(ctx context.Context, b *domain.Booking) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT status, note, actor, created_at
		FROM booking_status_history
		WHERE booking_id = $1
		ORDER BY id
	`, b.BookingID)
	if err != nil {
		return fmt.Errorf("load status history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var e domain.StatusEntry
		var note sql.NullString
		if err := rows.Scan(&e.Status, &note, &e.Actor, &e.Timestamp); err != nil {
			return err
		}
		e.Note = note.String
		b.History = append(b.History, e)
	}
	return rows.Err()
}
