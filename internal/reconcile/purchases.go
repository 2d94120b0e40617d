package reconcile

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"stockledger/backend/internal/domain"
	"stockledger/backend/internal/intake"
	"stockledger/backend/internal/ledger"
	"stockledger/backend/internal/payment"
	"stockledger/backend/internal/store"
)

// DeletePurchase soft-deletes an active purchase. With revertStock every
// line is taken back out of stock; reversals below zero are applied and
// reported as warnings. The purchase's unpaid part is released from the
// vendor balance either way.
func (e *Engine) DeletePurchase(ctx context.Context, scope domain.Scope, purchaseID string, revertStock bool) (domain.DeleteResult, error) {
	var stock *ledger.Stock
	err := e.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		stock = ledger.NewStock(tx, e.log.WithField("purchase_id", purchaseID))

		purchase, err := tx.GetPurchase(ctx, scope, purchaseID)
		if err != nil {
			return notFound("purchase", purchaseID, err)
		}
		if !purchase.Lifecycle.IsActive() {
			return domain.NewConflict("delete purchase", "purchase %s is already deleted", purchaseID)
		}

		if revertStock {
			for _, line := range purchase.Items {
				item, err := e.resolveLineItem(ctx, tx, stock, purchase.OwnerID, line)
				if err != nil {
					return err
				}
				if item == nil {
					continue
				}
				if _, err := stock.Decrease(ctx, *item, line.Quantity); err != nil {
					return err
				}
			}
		}

		purchase.Lifecycle = domain.Inactive(revertStock)
		if err := tx.UpdatePurchaseState(ctx, *purchase); err != nil {
			return err
		}
		if outstanding := purchase.Outstanding(); outstanding.IsPositive() {
			if _, err := ledger.NewVendors(tx).ReleasePayable(ctx, purchase.VendorID, outstanding); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return domain.DeleteResult{}, err
	}

	message := "Purchase deleted"
	if revertStock {
		message = "Purchase deleted and stock reverted"
	}
	warnings := stock.Warnings()
	if len(warnings) > 0 {
		message += fmt.Sprintf(" with %d stock warning(s)", len(warnings))
	}
	return domain.DeleteResult{
		Message:       message,
		PurchaseID:    purchaseID,
		StockReverted: revertStock,
		Warnings:      warnings,
	}, nil
}

// Pay records a payment against a purchase. A nil amount settles whatever
// is still outstanding.
func (e *Engine) Pay(ctx context.Context, scope domain.Scope, purchaseID string, amount *decimal.Decimal) (domain.PaymentResult, error) {
	var result domain.PaymentResult
	err := e.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		purchase, err := tx.GetPurchase(ctx, scope, purchaseID)
		if err != nil {
			return notFound("purchase", purchaseID, err)
		}
		if !purchase.Lifecycle.IsActive() {
			return domain.NewConflict("pay", "purchase %s is deleted", purchaseID)
		}

		next, applied, err := payment.Pay(payment.FromPurchase(*purchase), amount)
		if err != nil {
			return err
		}
		next.Apply(purchase)
		if err := tx.UpdatePurchaseState(ctx, *purchase); err != nil {
			return err
		}
		balance, err := ledger.NewVendors(tx).RecordPayment(ctx, purchase.VendorID, applied)
		if err != nil {
			return err
		}

		result = paymentResult(*purchase, balance)
		result.Message = fmt.Sprintf("Payment of %s recorded", applied.StringFixed(2))
		return nil
	})
	if err != nil {
		return domain.PaymentResult{}, err
	}
	e.log.WithFields(logrus.Fields{"purchase_id": purchaseID, "status": result.Status}).Info("purchase payment recorded")
	return result, nil
}

// Unpay reverts every payment on a purchase back to Due.
func (e *Engine) Unpay(ctx context.Context, scope domain.Scope, purchaseID string) (domain.PaymentResult, error) {
	var result domain.PaymentResult
	err := e.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		purchase, err := tx.GetPurchase(ctx, scope, purchaseID)
		if err != nil {
			return notFound("purchase", purchaseID, err)
		}
		if !purchase.Lifecycle.IsActive() {
			return domain.NewConflict("unpay", "purchase %s is deleted", purchaseID)
		}

		next, reverted, err := payment.Unpay(payment.FromPurchase(*purchase))
		if err != nil {
			return err
		}
		next.Apply(purchase)
		if err := tx.UpdatePurchaseState(ctx, *purchase); err != nil {
			return err
		}
		balance, err := ledger.NewVendors(tx).ReversePayment(ctx, purchase.VendorID, reverted)
		if err != nil {
			return err
		}

		result = paymentResult(*purchase, balance)
		result.Message = fmt.Sprintf("Payment of %s reverted", reverted.StringFixed(2))
		return nil
	})
	if err != nil {
		return domain.PaymentResult{}, err
	}
	return result, nil
}

func paymentResult(p domain.Purchase, balance decimal.Decimal) domain.PaymentResult {
	return domain.PaymentResult{
		PurchaseID:    p.ID,
		Status:        p.PaymentStatus,
		PaidAmount:    p.PaidAmount,
		TotalAmount:   p.TotalAmount,
		VendorName:    p.VendorName,
		VendorBalance: balance,
	}
}

// ImportInventory upserts items by SKU in one transaction. Quantities are
// moved to the file's count through the stock ledger.
func (e *Engine) ImportInventory(ctx context.Context, scope domain.Scope, rows []intake.InventoryRow) (domain.InventoryImportResult, error) {
	var result domain.InventoryImportResult
	err := e.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		result = domain.InventoryImportResult{}
		stock := ledger.NewStock(tx, e.log.WithField("import", "inventory"))
		for _, row := range rows {
			current, err := tx.FindItemBySKU(ctx, scope.OwnerID, row.SKU)
			switch {
			case err == nil:
				updated := *current
				updated.Name = row.Name
				updated.Category = firstNonBlank(row.Category, current.Category)
				updated.Material = firstNonBlank(row.Material, current.Material)
				updated.CostPrice = row.CostPrice
				updated.SellingPrice = row.SellingPrice
				updated.MinStockLevel = row.MinStockLevel
				if err := tx.UpdateItem(ctx, updated); err != nil {
					return err
				}
				if err := moveStockTo(ctx, stock, *current, row.Quantity); err != nil {
					return err
				}
				result.Updated++
			case isNotFound(err):
				item := domain.Item{
					ID:            newID("itm"),
					OwnerID:       scope.OwnerID,
					SKU:           row.SKU,
					Name:          row.Name,
					Category:      firstNonBlank(row.Category, "Uncategorized"),
					Material:      firstNonBlank(row.Material, "Unknown"),
					CostPrice:     row.CostPrice,
					SellingPrice:  row.SellingPrice,
					MinStockLevel: row.MinStockLevel,
					CreatedAt:     e.now(),
				}
				if err := tx.CreateItem(ctx, item); err != nil {
					return err
				}
				if err := moveStockTo(ctx, stock, item, row.Quantity); err != nil {
					return err
				}
				result.Imported++
			default:
				return err
			}
		}
		return nil
	})
	if err != nil {
		return domain.InventoryImportResult{}, err
	}
	result.Message = fmt.Sprintf("Inventory import complete: %d imported, %d updated", result.Imported, result.Updated)
	return result, nil
}

func moveStockTo(ctx context.Context, stock *ledger.Stock, item domain.Item, target int) error {
	delta := target - item.Quantity
	switch {
	case delta > 0:
		_, err := stock.Increase(ctx, item, delta)
		return err
	case delta < 0:
		_, err := stock.Decrease(ctx, item, -delta)
		return err
	}
	return nil
}
