package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"stockledger/backend/internal/domain"
)

var (
	ErrNotFound   = domain.ErrNotFound
	ErrDuplicate  = errors.New("duplicate record")
	ErrReferenced = errors.New("record is still referenced")
)

// Tx is the unit of work the reconciliation engine mutates ledger state
// through. Lookups that return a single record yield ErrNotFound when it is
// missing or outside the scope.
type Tx interface {
	FindPurchaseByHash(ctx context.Context, ownerID string, contentHash string) (*domain.Purchase, error)
	GetPurchase(ctx context.Context, scope domain.Scope, id string) (*domain.Purchase, error)
	CreatePurchase(ctx context.Context, purchase domain.Purchase) error
	UpdatePurchaseState(ctx context.Context, purchase domain.Purchase) error
	RelinkPurchaseItem(ctx context.Context, purchaseItemID string, itemID string) error

	FindVendorByName(ctx context.Context, ownerID string, name string) (*domain.Vendor, error)
	GetVendor(ctx context.Context, scope domain.Scope, id string) (*domain.Vendor, error)
	CreateVendor(ctx context.Context, vendor domain.Vendor) error
	UpdateVendor(ctx context.Context, vendor domain.Vendor) error
	DeleteVendor(ctx context.Context, id string) error
	AdjustVendorBalance(ctx context.Context, vendorID string, delta decimal.Decimal) (decimal.Decimal, error)

	FindItemBySKU(ctx context.Context, ownerID string, sku string) (*domain.Item, error)
	GetItem(ctx context.Context, id string) (*domain.Item, error)
	CreateItem(ctx context.Context, item domain.Item) error
	// UpdateItem rewrites descriptive fields and prices. Quantity only moves
	// through AdjustItemQuantity.
	UpdateItem(ctx context.Context, item domain.Item) error
	AdjustItemQuantity(ctx context.Context, itemID string, delta int) (int, error)
	SetItemCost(ctx context.Context, itemID string, cost decimal.Decimal) error
}

type Repository interface {
	// WithinTx runs fn in one atomic transaction. Any error from fn rolls
	// every change back.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// ListPurchases returns active purchases, newest first. A zero limit
	// returns every match.
	ListPurchases(ctx context.Context, scope domain.Scope, filter domain.PurchaseFilter) ([]domain.Purchase, error)
	ListVendors(ctx context.Context, scope domain.Scope, skip int, limit int) ([]domain.Vendor, error)
	GetVendor(ctx context.Context, scope domain.Scope, id string) (*domain.Vendor, error)
	ListItems(ctx context.Context, scope domain.Scope) ([]domain.Item, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, scope domain.Scope, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
