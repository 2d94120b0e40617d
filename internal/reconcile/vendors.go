package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"stockledger/backend/internal/contact"
	"stockledger/backend/internal/domain"
	"stockledger/backend/internal/ledger"
	"stockledger/backend/internal/store"
)

// RecordVendorPayment credits a payment made directly to a vendor, outside
// any single purchase.
func (e *Engine) RecordVendorPayment(ctx context.Context, scope domain.Scope, vendorID string, amount decimal.Decimal) (domain.VendorPaymentResult, error) {
	if !amount.IsPositive() {
		return domain.VendorPaymentResult{}, &domain.ValidationError{Column: "amount", Reason: "payment amount must be positive"}
	}

	var result domain.VendorPaymentResult
	err := e.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		vendor, err := tx.GetVendor(ctx, scope, vendorID)
		if err != nil {
			return notFound("vendor", vendorID, err)
		}
		balance, err := ledger.NewVendors(tx).RecordPayment(ctx, vendor.ID, amount)
		if err != nil {
			return err
		}
		result = domain.VendorPaymentResult{
			Message:    fmt.Sprintf("Payment of %s recorded for %s", amount.StringFixed(2), vendor.Name),
			VendorID:   vendor.ID,
			VendorName: vendor.Name,
			NewBalance: balance,
		}
		return nil
	})
	if err != nil {
		return domain.VendorPaymentResult{}, err
	}
	return result, nil
}

func (e *Engine) CreateVendor(ctx context.Context, scope domain.Scope, req domain.VendorCreateRequest) (domain.Vendor, error) {
	vendor := domain.Vendor{
		ID:        newID("ven"),
		OwnerID:   scope.OwnerID,
		Name:      strings.TrimSpace(req.Name),
		Address:   strings.TrimSpace(req.Address),
		Mobile:    contact.NormalizeMobile(req.Mobile, e.phoneRegion),
		Email:     strings.TrimSpace(req.Email),
		CreatedAt: e.now(),
		UpdatedAt: e.now(),
	}
	if vendor.Name == "" {
		return domain.Vendor{}, &domain.ValidationError{Column: "name", Reason: "is required"}
	}

	err := e.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.CreateVendor(ctx, vendor); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return domain.NewConflict("create vendor", "vendor %q already exists", vendor.Name)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return domain.Vendor{}, err
	}
	return vendor, nil
}

// UpdateVendor changes the fields present in req. The balance is never
// editable here.
func (e *Engine) UpdateVendor(ctx context.Context, scope domain.Scope, vendorID string, req domain.VendorUpdateRequest) (domain.Vendor, error) {
	var updated domain.Vendor
	err := e.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		vendor, err := tx.GetVendor(ctx, scope, vendorID)
		if err != nil {
			return notFound("vendor", vendorID, err)
		}
		if req.Name != nil {
			name := strings.TrimSpace(*req.Name)
			if name == "" {
				return &domain.ValidationError{Column: "name", Reason: "must not be blank"}
			}
			vendor.Name = name
		}
		if req.Address != nil {
			vendor.Address = strings.TrimSpace(*req.Address)
		}
		if req.Mobile != nil {
			vendor.Mobile = contact.NormalizeMobile(*req.Mobile, e.phoneRegion)
		}
		if req.Email != nil {
			vendor.Email = strings.TrimSpace(*req.Email)
		}
		if err := tx.UpdateVendor(ctx, *vendor); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return domain.NewConflict("update vendor", "vendor %q already exists", vendor.Name)
			}
			return err
		}
		updated = *vendor
		return nil
	})
	if err != nil {
		return domain.Vendor{}, err
	}
	return updated, nil
}

func (e *Engine) DeleteVendor(ctx context.Context, scope domain.Scope, vendorID string) error {
	return e.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.GetVendor(ctx, scope, vendorID); err != nil {
			return notFound("vendor", vendorID, err)
		}
		if err := tx.DeleteVendor(ctx, vendorID); err != nil {
			if errors.Is(err, store.ErrReferenced) {
				return domain.NewConflict("delete vendor", "vendor %s still has purchases", vendorID)
			}
			return err
		}
		return nil
	})
}

// VendorLedger lists a vendor's active purchases, newest first, next to its
// current balance.
func (e *Engine) VendorLedger(ctx context.Context, scope domain.Scope, vendorID string) (domain.VendorLedger, error) {
	vendor, err := e.repo.GetVendor(ctx, scope, vendorID)
	if err != nil {
		return domain.VendorLedger{}, notFound("vendor", vendorID, err)
	}
	purchases, err := e.repo.ListPurchases(ctx, scope, domain.PurchaseFilter{VendorID: vendorID})
	if err != nil {
		return domain.VendorLedger{}, err
	}

	entries := make([]domain.VendorLedgerEntry, 0, len(purchases))
	for _, p := range purchases {
		entries = append(entries, domain.VendorLedgerEntry{
			PurchaseID:    p.ID,
			CreatedAt:     p.CreatedAt,
			TotalAmount:   p.TotalAmount,
			PaidAmount:    p.PaidAmount,
			InvoiceNumber: p.InvoiceNumber,
			PaymentStatus: p.PaymentStatus,
		})
	}
	return domain.VendorLedger{
		VendorID:       vendor.ID,
		OwnerID:        vendor.OwnerID,
		VendorName:     vendor.Name,
		CurrentBalance: vendor.CurrentBalance,
		Entries:        entries,
	}, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
