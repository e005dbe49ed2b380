package stock

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/retailcore/bookings-backend/internal/domain"
)

// Ledger owns per-product available quantity. Reads are advisory; the only
// mutations are DecrementTx and RestoreTx, both expressed as atomic in-place
// updates so concurrent bookings on the same product never lose an update.
type Ledger struct {
	db *sql.DB
}

func NewLedger(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

type Requirement struct {
	ProductID string
	Quantity  int
}

type Product struct {
	ID       string          `json:"id"`
	SKU      string          `json:"sku"`
	Name     string          `json:"name"`
	ImageURL string          `json:"image_url,omitempty"`
	Price    decimal.Decimal `json:"price"`
	Stock    int             `json:"stock"`
}

type Level struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	Available int    `json:"available"`
}

// ProductsForSale loads the active products referenced by a new booking, for
// price/name/SKU snapshotting and the advisory availability check.
func (l *Ledger) ProductsForSale(ctx context.Context, ids []string) (map[string]Product, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, sku, name, image_url, price, stock
		FROM products
		WHERE id = ANY($1) AND is_active
	`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("load products: %w", err)
	}
	defer func() { _ = rows.Close() }()

	products := make(map[string]Product, len(ids))
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.ID, &p.SKU, &p.Name, &p.ImageURL, &p.Price, &p.Stock); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		products[p.ID] = p
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return products, nil
}

// CheckAvailability verifies that every requirement can currently be met.
// This is a point-in-time read with no reservation hold: stock can still be
// sold to someone else between this check and the decrement at payment time.
func (l *Ledger) CheckAvailability(ctx context.Context, reqs []Requirement) error {
	ids := make([]string, 0, len(reqs))
	for _, r := range reqs {
		ids = append(ids, r.ProductID)
	}

	products, err := l.ProductsForSale(ctx, ids)
	if err != nil {
		return err
	}

	for _, r := range reqs {
		p, ok := products[r.ProductID]
		if !ok {
			return domain.ErrProductNotFound
		}
		if p.Stock < r.Quantity {
			return &domain.OutOfStockError{
				ProductID: r.ProductID,
				Name:      p.Name,
				Requested: r.Quantity,
				Available: p.Stock,
			}
		}
	}

	return nil
}

func (l *Ledger) GetLevel(ctx context.Context, productID string) (*Level, error) {
	lvl := &Level{}

	err := l.db.QueryRowContext(ctx, `
		SELECT id, name, stock
		FROM products
		WHERE id = $1
	`, productID).Scan(&lvl.ProductID, &lvl.Name, &lvl.Available)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrProductNotFound
		}
		return nil, err
	}

	return lvl, nil
}

func (l *Ledger) ListLevels(ctx context.Context) ([]Level, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, name, stock
		FROM products
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var levels []Level
	for rows.Next() {
		var lvl Level
		if err := rows.Scan(&lvl.ProductID, &lvl.Name, &lvl.Available); err != nil {
			return nil, err
		}
		levels = append(levels, lvl)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return levels, nil
}

// DecrementTx reduces available quantity inside the caller's transaction.
// It deliberately does not fail when the result goes negative: overselling
// between the advisory check and payment is a recognized business risk, not a
// ledger error.
func DecrementTx(ctx context.Context, tx *sql.Tx, reqs []Requirement) error {
	for _, r := range reqs {
		if _, err := tx.ExecContext(ctx, `
			UPDATE products
			SET stock = stock - $2, updated_at = NOW()
			WHERE id = $1
		`, r.ProductID, r.Quantity); err != nil {
			return fmt.Errorf("decrement stock for %s: %w", r.ProductID, err)
		}
	}
	return nil
}

// RestoreTx is the symmetric inverse of DecrementTx, used on cancellation of
// a paid booking.
func RestoreTx(ctx context.Context, tx *sql.Tx, reqs []Requirement) error {
	for _, r := range reqs {
		if _, err := tx.ExecContext(ctx, `
			UPDATE products
			SET stock = stock + $2, updated_at = NOW()
			WHERE id = $1
		`, r.ProductID, r.Quantity); err != nil {
			return fmt.Errorf("restore stock for %s: %w", r.ProductID, err)
		}
	}
	return nil
}

// ItemRequirements maps a booking's line items to ledger requirements.
func ItemRequirements(items []domain.LineItem) []Requirement {
	reqs := make([]Requirement, 0, len(items))
	for _, it := range items {
		reqs = append(reqs, Requirement{ProductID: it.ProductID, Quantity: it.Quantity})
	}
	return reqs
}
