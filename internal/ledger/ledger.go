// Package ledger is the only path by which item quantities and vendor
// balances change. Both ledgers operate inside the caller's transaction.
package ledger

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"stockledger/backend/internal/domain"
)

type StockStore interface {
	AdjustItemQuantity(ctx context.Context, itemID string, delta int) (int, error)
}

// Stock applies quantity changes to items. It does not clamp: a decrease
// that leaves an item below zero is applied and recorded as a warning.
type Stock struct {
	store    StockStore
	log      *logrus.Entry
	warnings []domain.ConsistencyWarning
}

func NewStock(store StockStore, log *logrus.Entry) *Stock {
	return &Stock{store: store, log: log}
}

func (s *Stock) Increase(ctx context.Context, item domain.Item, qty int) (int, error) {
	if qty < 1 {
		return 0, &domain.ValidationError{Column: "quantity", Reason: fmt.Sprintf("stock increase must be positive, got %d", qty)}
	}
	return s.store.AdjustItemQuantity(ctx, item.ID, qty)
}

func (s *Stock) Decrease(ctx context.Context, item domain.Item, qty int) (int, error) {
	if qty < 1 {
		return 0, &domain.ValidationError{Column: "quantity", Reason: fmt.Sprintf("stock decrease must be positive, got %d", qty)}
	}
	next, err := s.store.AdjustItemQuantity(ctx, item.ID, -qty)
	if err != nil {
		return 0, err
	}
	if next < 0 {
		s.Warn(domain.ConsistencyWarning{
			ItemID:   item.ID,
			SKU:      item.SKU,
			Quantity: next,
			Message:  "stock reversal left item below zero",
		})
	}
	return next, nil
}

func (s *Stock) Warn(w domain.ConsistencyWarning) {
	s.warnings = append(s.warnings, w)
	if s.log != nil {
		s.log.WithFields(logrus.Fields{"item_id": w.ItemID, "sku": w.SKU, "quantity": w.Quantity}).Warn(w.Message)
	}
}

func (s *Stock) Warnings() []domain.ConsistencyWarning {
	out := make([]domain.ConsistencyWarning, len(s.warnings))
	copy(out, s.warnings)
	return out
}

type BalanceStore interface {
	AdjustVendorBalance(ctx context.Context, vendorID string, delta decimal.Decimal) (decimal.Decimal, error)
}

// Vendors keeps the balance sign convention: negative means we owe the
// vendor, positive is an advance.
type Vendors struct {
	store BalanceStore
}

func NewVendors(store BalanceStore) *Vendors {
	return &Vendors{store: store}
}

func (v *Vendors) Adjust(ctx context.Context, vendorID string, delta decimal.Decimal) (decimal.Decimal, error) {
	return v.store.AdjustVendorBalance(ctx, vendorID, delta)
}

// RecordPayable books a purchase total we now owe.
func (v *Vendors) RecordPayable(ctx context.Context, vendorID string, amount decimal.Decimal) (decimal.Decimal, error) {
	return v.Adjust(ctx, vendorID, amount.Neg())
}

// ReleasePayable cancels a liability booked by RecordPayable.
func (v *Vendors) ReleasePayable(ctx context.Context, vendorID string, amount decimal.Decimal) (decimal.Decimal, error) {
	return v.Adjust(ctx, vendorID, amount)
}

func (v *Vendors) RecordPayment(ctx context.Context, vendorID string, amount decimal.Decimal) (decimal.Decimal, error) {
	return v.Adjust(ctx, vendorID, amount)
}

func (v *Vendors) ReversePayment(ctx context.Context, vendorID string, amount decimal.Decimal) (decimal.Decimal, error) {
	return v.Adjust(ctx, vendorID, amount.Neg())
}
