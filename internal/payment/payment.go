// Package payment holds the Due / Partially Paid / Paid transitions of a
// purchase. It is pure; callers persist the new state and move the vendor
// balance by the returned amount.
package payment

import (
	"github.com/shopspring/decimal"

	"stockledger/backend/internal/domain"
)

// Tolerance absorbs rounding when comparing paid and total amounts.
var Tolerance = decimal.New(1, -2)

type State struct {
	Status domain.PaymentStatus
	Paid   decimal.Decimal
	Total  decimal.Decimal
}

func FromPurchase(p domain.Purchase) State {
	status := p.PaymentStatus
	if status == "" {
		status = domain.PaymentDue
	}
	return State{Status: status, Paid: p.PaidAmount, Total: p.TotalAmount}
}

func (s State) Apply(p *domain.Purchase) {
	p.PaymentStatus = s.Status
	p.PaidAmount = s.Paid
}

func (s State) Remaining() decimal.Decimal {
	return s.Total.Sub(s.Paid)
}

// Pay registers amount against the purchase. A nil amount settles the
// remaining balance. It returns the new state and the amount applied, which
// is capped at the remaining balance.
func Pay(s State, amount *decimal.Decimal) (State, decimal.Decimal, error) {
	if s.Status == domain.PaymentPaid {
		return s, decimal.Zero, domain.NewConflict("pay", "purchase is already fully paid")
	}

	remaining := s.Remaining()
	applied := remaining
	if amount != nil {
		applied = *amount
	}
	if !applied.IsPositive() {
		return s, decimal.Zero, domain.NewConflict("pay", "payment amount must be positive")
	}
	if applied.GreaterThan(remaining.Add(Tolerance)) {
		return s, decimal.Zero, domain.NewConflict("pay", "payment amount %s exceeds remaining balance %s", applied.StringFixed(2), remaining.StringFixed(2))
	}

	// Overpayment within tolerance settles the purchase; paid never exceeds total.
	if applied.GreaterThan(remaining) {
		applied = remaining
	}

	next := s
	next.Paid = s.Paid.Add(applied)
	if next.Paid.GreaterThanOrEqual(s.Total.Sub(Tolerance)) {
		next.Status = domain.PaymentPaid
	} else {
		next.Status = domain.PaymentPartiallyPaid
	}
	return next, applied, nil
}

// Unpay collapses the purchase back to Due and returns the amount that had
// been credited.
func Unpay(s State) (State, decimal.Decimal, error) {
	if s.Status == domain.PaymentDue && s.Paid.IsZero() {
		return s, decimal.Zero, domain.NewConflict("unpay", "purchase is already marked as Due")
	}

	reverted := s.Paid
	next := s
	next.Paid = decimal.Zero
	next.Status = domain.PaymentDue
	return next, reverted, nil
}
