// Package reconcile applies vendor purchase batches to the stock and vendor
// ledgers and keeps both consistent across delete, restore and payment
// changes. Every operation runs inside a store transaction.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"stockledger/backend/internal/contact"
	"stockledger/backend/internal/domain"
	"stockledger/backend/internal/intake"
	"stockledger/backend/internal/ledger"
	"stockledger/backend/internal/logging"
	"stockledger/backend/internal/store"
	"stockledger/backend/internal/xid"
)

var newID = xid.New

type Engine struct {
	repo        store.Repository
	logger      *logrus.Logger
	log         *logrus.Entry
	phoneRegion string
	now         func() time.Time
}

type Option func(*Engine)

func WithPhoneRegion(region string) Option {
	return func(e *Engine) {
		e.phoneRegion = region
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

func NewEngine(repo store.Repository, logger *logrus.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = logging.Discard()
	}
	e := &Engine{
		repo:        repo,
		logger:      logger,
		log:         logging.Component(logger, "reconcile"),
		phoneRegion: contact.DefaultRegion,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type groupOutcome int

const (
	outcomeCreated groupOutcome = iota + 1
	outcomeRestored
	outcomeSkipped
)

// Import applies each vendor group in its own transaction. A failing group
// is rolled back and reported while the others commit; a cancelled context
// stops the batch.
func (e *Engine) Import(ctx context.Context, scope domain.Scope, groups []intake.VendorGroup, status domain.PaymentStatus) (domain.ImportResult, error) {
	result := domain.ImportResult{Failed: []domain.ImportFailure{}, Warnings: []domain.ConsistencyWarning{}}
	if status != domain.PaymentDue && status != domain.PaymentPaid {
		return result, &domain.ValidationError{Column: "payment_status", Reason: fmt.Sprintf("unsupported value %q, expected Due or Paid", status)}
	}
	if strings.TrimSpace(scope.OwnerID) == "" {
		return result, &domain.ValidationError{Column: "owner", Reason: "import requires an owner"}
	}

	for _, group := range groups {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		var (
			outcome groupOutcome
			stock   *ledger.Stock
		)
		err := e.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
			stock = ledger.NewStock(tx, e.log.WithField("vendor", group.Vendor))
			var err error
			outcome, err = e.importGroup(ctx, tx, stock, scope.OwnerID, group, status)
			return err
		})
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return result, err
			}
			logging.LogError(e.logger, "reconcile", "Import", "vendor group rolled back", logrus.Fields{"vendor": group.Vendor, "owner": scope.OwnerID}, err)
			result.Failed = append(result.Failed, domain.ImportFailure{Vendor: group.Vendor, Error: err.Error()})
			continue
		}

		switch outcome {
		case outcomeCreated:
			result.Created++
		case outcomeRestored:
			result.Restored++
		case outcomeSkipped:
			result.SkippedDuplicates++
		}
		result.Warnings = append(result.Warnings, stock.Warnings()...)
	}

	result.Message = fmt.Sprintf("Import complete: %d created, %d restored, %d skipped as duplicates", result.Created, result.Restored, result.SkippedDuplicates)
	if len(result.Failed) > 0 {
		result.Message += fmt.Sprintf(", %d failed", len(result.Failed))
	}
	e.log.WithFields(logrus.Fields{
		"owner":    scope.OwnerID,
		"created":  result.Created,
		"restored": result.Restored,
		"skipped":  result.SkippedDuplicates,
		"failed":   len(result.Failed),
	}).Info("purchase import finished")
	return result, nil
}

func (e *Engine) importGroup(ctx context.Context, tx store.Tx, stock *ledger.Stock, ownerID string, group intake.VendorGroup, status domain.PaymentStatus) (groupOutcome, error) {
	hash := group.Fingerprint()
	existing, err := tx.FindPurchaseByHash(ctx, ownerID, hash)
	switch {
	case err == nil && existing.Lifecycle.IsActive():
		return outcomeSkipped, nil
	case err == nil:
		if err := e.restore(ctx, tx, stock, existing); err != nil {
			return 0, err
		}
		return outcomeRestored, nil
	case errors.Is(err, store.ErrNotFound):
		if err := e.create(ctx, tx, stock, ownerID, hash, group, status); err != nil {
			return 0, err
		}
		return outcomeCreated, nil
	default:
		return 0, err
	}
}

func (e *Engine) restore(ctx context.Context, tx store.Tx, stock *ledger.Stock, purchase *domain.Purchase) error {
	if purchase.Lifecycle.StockReverted() {
		for _, line := range purchase.Items {
			item, err := e.resolveLineItem(ctx, tx, stock, purchase.OwnerID, line)
			if err != nil {
				return err
			}
			if item == nil {
				continue
			}
			if _, err := stock.Increase(ctx, *item, line.Quantity); err != nil {
				return err
			}
		}
	}

	purchase.Lifecycle = domain.Active()
	if err := tx.UpdatePurchaseState(ctx, *purchase); err != nil {
		return err
	}
	if outstanding := purchase.Outstanding(); outstanding.IsPositive() {
		if _, err := ledger.NewVendors(tx).RecordPayable(ctx, purchase.VendorID, outstanding); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) create(ctx context.Context, tx store.Tx, stock *ledger.Stock, ownerID string, hash string, group intake.VendorGroup, status domain.PaymentStatus) error {
	vendor, err := e.resolveVendor(ctx, tx, ownerID, group.Vendor, group.Contact)
	if err != nil {
		return err
	}

	purchase := domain.Purchase{
		ID:            newID("pur"),
		OwnerID:       ownerID,
		VendorID:      vendor.ID,
		VendorName:    vendor.Name,
		CreatedAt:     e.now(),
		PaymentStatus: status,
		ContentHash:   hash,
		Lifecycle:     domain.Active(),
		Items:         make([]domain.PurchaseItem, 0, len(group.Rows)),
	}
	if group.Invoice != nil {
		purchase.InvoiceNumber = *group.Invoice
	}

	for _, row := range group.Rows {
		item, err := e.resolveItem(ctx, tx, ownerID, row)
		if err != nil {
			return err
		}
		if _, err := stock.Increase(ctx, *item, row.Quantity); err != nil {
			return err
		}
		if err := tx.SetItemCost(ctx, item.ID, row.UnitCost); err != nil {
			return err
		}
		purchase.Items = append(purchase.Items, domain.PurchaseItem{
			ID:         newID("pi"),
			PurchaseID: purchase.ID,
			ItemID:     item.ID,
			SKU:        item.SKU,
			Name:       item.Name,
			Quantity:   row.Quantity,
			UnitCost:   row.UnitCost,
		})
	}

	purchase.TotalAmount = purchase.LineTotal()
	if status == domain.PaymentPaid {
		purchase.PaidAmount = purchase.TotalAmount
	}
	if err := tx.CreatePurchase(ctx, purchase); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return domain.NewConflict("import", "purchase with the same content already exists")
		}
		return err
	}

	if status == domain.PaymentDue && purchase.TotalAmount.IsPositive() {
		if _, err := ledger.NewVendors(tx).RecordPayable(ctx, vendor.ID, purchase.TotalAmount); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) resolveVendor(ctx context.Context, tx store.Tx, ownerID string, name string, incoming domain.Contact) (*domain.Vendor, error) {
	incoming.Mobile = contact.NormalizeMobile(incoming.Mobile, e.phoneRegion)

	vendor, err := tx.FindVendorByName(ctx, ownerID, name)
	if errors.Is(err, store.ErrNotFound) {
		created := domain.Vendor{
			ID:        newID("ven"),
			OwnerID:   ownerID,
			Name:      name,
			Address:   incoming.Address,
			Mobile:    incoming.Mobile,
			Email:     incoming.Email,
			CreatedAt: e.now(),
		}
		if err := tx.CreateVendor(ctx, created); err != nil {
			return nil, err
		}
		return &created, nil
	}
	if err != nil {
		return nil, err
	}
	if vendor.MergeContact(incoming) {
		if err := tx.UpdateVendor(ctx, *vendor); err != nil {
			return nil, err
		}
	}
	return vendor, nil
}

func (e *Engine) resolveItem(ctx context.Context, tx store.Tx, ownerID string, row intake.PurchaseRow) (*domain.Item, error) {
	item, err := tx.FindItemBySKU(ctx, ownerID, row.SKU)
	if err == nil {
		return item, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	created := domain.Item{
		ID:            newID("itm"),
		OwnerID:       ownerID,
		SKU:           row.SKU,
		Name:          firstNonBlank(row.ProductName, "New Item "+row.SKU),
		Category:      firstNonBlank(row.Category, "Uncategorized"),
		Material:      firstNonBlank(row.Material, "Unknown"),
		Quantity:      0,
		CostPrice:     row.UnitCost,
		SellingPrice:  row.SellingPrice,
		MinStockLevel: domain.DefaultMinStockLevel,
		CreatedAt:     e.now(),
	}
	if err := tx.CreateItem(ctx, created); err != nil {
		return nil, err
	}
	return &created, nil
}

// resolveLineItem finds the item a purchase line points at. When the item
// id is gone the line is re-linked by SKU; when that fails too the line is
// skipped with a warning.
func (e *Engine) resolveLineItem(ctx context.Context, tx store.Tx, stock *ledger.Stock, ownerID string, line domain.PurchaseItem) (*domain.Item, error) {
	item, err := tx.GetItem(ctx, line.ItemID)
	if err == nil {
		return item, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	item, err = tx.FindItemBySKU(ctx, ownerID, line.SKU)
	if err == nil {
		if err := tx.RelinkPurchaseItem(ctx, line.ID, item.ID); err != nil {
			return nil, err
		}
		return item, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	stock.Warn(domain.ConsistencyWarning{
		ItemID:   line.ItemID,
		SKU:      line.SKU,
		Quantity: line.Quantity,
		Message:  "purchase line item no longer exists, stock change skipped",
	})
	return nil, nil
}

func firstNonBlank(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func notFound(entity string, id string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return &domain.NotFoundError{Entity: entity, ID: id}
	}
	return err
}
