package domain

import (
	"errors"
	"fmt"
)

var (
	ErrBookingNotFound     = errors.New("booking not found")
	ErrProductNotFound     = errors.New("product not found")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrAmountMismatch      = errors.New("amount does not match booking total")
	ErrSignatureInvalid    = errors.New("invalid payment signature")
	ErrOutOfStock          = errors.New("insufficient stock")
	ErrPaymentNotCompleted = errors.New("payment not completed")
	ErrUpstreamUnavailable = errors.New("payment gateway unavailable")
	ErrInvalidInput        = errors.New("invalid input")
)

// OutOfStockError reports the first line item whose requested quantity
// exceeded availability at check time. The check is advisory only; stock may
// still be sold out between creation and payment.
type OutOfStockError struct {
	ProductID string
	Name      string
	Requested int
	Available int
}

func (e *OutOfStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: requested %d, available %d", e.Name, e.Requested, e.Available)
}

func (e *OutOfStockError) Unwrap() error { return ErrOutOfStock }
