package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"stockledger/backend/internal/domain"
	"stockledger/backend/internal/store"
	"stockledger/backend/internal/xid"
)

const (
	purchaseSelect = `
		SELECT p.id, p.owner_id, p.vendor_id, v.name, p.created_at, p.total_amount, p.paid_amount,
			p.payment_status, p.content_hash, p.invoice_number, p.is_active, p.stock_reverted
		FROM purchases p
		JOIN vendors v ON v.id = p.vendor_id
	`
	vendorSelect = `
		SELECT id, owner_id, name, address, mobile, email, current_balance, created_at, updated_at
		FROM vendors
	`
	itemSelect = `
		SELECT id, owner_id, sku, name, category, material, quantity, cost_price, selling_price,
			min_stock_level, created_at, updated_at
		FROM items
	`
)

type rowScanner interface {
	Scan(dest ...any) error
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// pgTx locks every row it reads so concurrent units of work touching the
// same purchase, vendor or item queue behind each other.
type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) FindPurchaseByHash(ctx context.Context, ownerID string, contentHash string) (*domain.Purchase, error) {
	return t.lockPurchase(ctx, `WHERE p.owner_id = $1 AND p.content_hash = $2 FOR UPDATE OF p`, ownerID, contentHash)
}

func (t *pgTx) GetPurchase(ctx context.Context, scope domain.Scope, id string) (*domain.Purchase, error) {
	return t.lockPurchase(ctx, `WHERE p.id = $1 AND ($2::boolean OR p.owner_id = $3) FOR UPDATE OF p`, id, scope.Root, scope.OwnerID)
}

func (t *pgTx) lockPurchase(ctx context.Context, where string, args ...any) (*domain.Purchase, error) {
	p, err := scanPurchase(t.tx.QueryRowContext(ctx, purchaseSelect+where, args...))
	if err != nil {
		return nil, err
	}
	found := []domain.Purchase{*p}
	if err := loadItems(ctx, t.tx, found); err != nil {
		return nil, err
	}
	return &found[0], nil
}

func (t *pgTx) CreatePurchase(ctx context.Context, purchase domain.Purchase) error {
	if purchase.ID == "" {
		purchase.ID = xid.New("pur")
	}
	if purchase.CreatedAt.IsZero() {
		purchase.CreatedAt = time.Now().UTC()
	}
	active, reverted := purchase.Lifecycle.Flags()

	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO purchases (
			id, owner_id, vendor_id, created_at, total_amount, paid_amount, payment_status,
			content_hash, invoice_number, is_active, stock_reverted
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, purchase.ID, purchase.OwnerID, purchase.VendorID, purchase.CreatedAt, purchase.TotalAmount, purchase.PaidAmount,
		string(purchase.PaymentStatus), purchase.ContentHash, purchase.InvoiceNumber, active, reverted)
	if err != nil {
		switch {
		case isUniqueViolation(err):
			return store.ErrDuplicate
		case isForeignKeyViolation(err):
			return store.ErrNotFound
		}
		return err
	}

	for _, line := range purchase.Items {
		if line.ID == "" {
			line.ID = xid.New("pi")
		}
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO purchase_items (id, purchase_id, item_id, sku, name, quantity, unit_cost)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, line.ID, purchase.ID, line.ItemID, line.SKU, line.Name, line.Quantity, line.UnitCost)
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *pgTx) UpdatePurchaseState(ctx context.Context, purchase domain.Purchase) error {
	active, reverted := purchase.Lifecycle.Flags()
	res, err := t.tx.ExecContext(ctx, `
		UPDATE purchases
		SET paid_amount = $2, payment_status = $3, is_active = $4, stock_reverted = $5
		WHERE id = $1
	`, purchase.ID, purchase.PaidAmount, string(purchase.PaymentStatus), active, reverted)
	return expectOne(res, err)
}

func (t *pgTx) RelinkPurchaseItem(ctx context.Context, purchaseItemID string, itemID string) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE purchase_items SET item_id = $2 WHERE id = $1
	`, purchaseItemID, itemID)
	return expectOne(res, err)
}

func (t *pgTx) FindVendorByName(ctx context.Context, ownerID string, name string) (*domain.Vendor, error) {
	return scanVendor(t.tx.QueryRowContext(ctx, vendorSelect+`
		WHERE owner_id = $1 AND name = $2
		FOR UPDATE
	`, ownerID, name))
}

func (t *pgTx) GetVendor(ctx context.Context, scope domain.Scope, id string) (*domain.Vendor, error) {
	return scanVendor(t.tx.QueryRowContext(ctx, vendorSelect+`
		WHERE id = $1 AND ($2::boolean OR owner_id = $3)
		FOR UPDATE
	`, id, scope.Root, scope.OwnerID))
}

func (t *pgTx) CreateVendor(ctx context.Context, vendor domain.Vendor) error {
	if vendor.ID == "" {
		vendor.ID = xid.New("ven")
	}
	now := time.Now().UTC()
	if vendor.CreatedAt.IsZero() {
		vendor.CreatedAt = now
	}

	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO vendors (id, owner_id, name, address, mobile, email, current_balance, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, vendor.ID, vendor.OwnerID, vendor.Name, vendor.Address, vendor.Mobile, vendor.Email, vendor.CurrentBalance, vendor.CreatedAt, now)
	if isUniqueViolation(err) {
		return store.ErrDuplicate
	}
	return err
}

func (t *pgTx) UpdateVendor(ctx context.Context, vendor domain.Vendor) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE vendors
		SET name = $2, address = $3, mobile = $4, email = $5, updated_at = now()
		WHERE id = $1
	`, vendor.ID, vendor.Name, vendor.Address, vendor.Mobile, vendor.Email)
	if isUniqueViolation(err) {
		return store.ErrDuplicate
	}
	return expectOne(res, err)
}

func (t *pgTx) DeleteVendor(ctx context.Context, id string) error {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM vendors WHERE id = $1`, id)
	if isForeignKeyViolation(err) {
		return store.ErrReferenced
	}
	return expectOne(res, err)
}

func (t *pgTx) AdjustVendorBalance(ctx context.Context, vendorID string, delta decimal.Decimal) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := t.tx.QueryRowContext(ctx, `
		UPDATE vendors
		SET current_balance = current_balance + $2, updated_at = now()
		WHERE id = $1
		RETURNING current_balance
	`, vendorID, delta).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, store.ErrNotFound
	}
	return balance, err
}

func (t *pgTx) FindItemBySKU(ctx context.Context, ownerID string, sku string) (*domain.Item, error) {
	return scanItem(t.tx.QueryRowContext(ctx, itemSelect+`
		WHERE owner_id = $1 AND sku = $2
		FOR UPDATE
	`, ownerID, sku))
}

func (t *pgTx) GetItem(ctx context.Context, id string) (*domain.Item, error) {
	return scanItem(t.tx.QueryRowContext(ctx, itemSelect+`
		WHERE id = $1
		FOR UPDATE
	`, id))
}

func (t *pgTx) CreateItem(ctx context.Context, item domain.Item) error {
	if item.ID == "" {
		item.ID = xid.New("itm")
	}
	now := time.Now().UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}

	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO items (
			id, owner_id, sku, name, category, material, quantity, cost_price, selling_price,
			min_stock_level, created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, item.ID, item.OwnerID, item.SKU, item.Name, item.Category, item.Material, item.Quantity,
		item.CostPrice, item.SellingPrice, item.MinStockLevel, item.CreatedAt, now)
	if isUniqueViolation(err) {
		return store.ErrDuplicate
	}
	return err
}

func (t *pgTx) UpdateItem(ctx context.Context, item domain.Item) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE items
		SET name = $2, category = $3, material = $4, cost_price = $5, selling_price = $6,
			min_stock_level = $7, updated_at = now()
		WHERE id = $1
	`, item.ID, item.Name, item.Category, item.Material, item.CostPrice, item.SellingPrice, item.MinStockLevel)
	return expectOne(res, err)
}

func (t *pgTx) AdjustItemQuantity(ctx context.Context, itemID string, delta int) (int, error) {
	var qty int
	err := t.tx.QueryRowContext(ctx, `
		UPDATE items
		SET quantity = quantity + $2, updated_at = now()
		WHERE id = $1
		RETURNING quantity
	`, itemID, delta).Scan(&qty)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, store.ErrNotFound
	}
	return qty, err
}

func (t *pgTx) SetItemCost(ctx context.Context, itemID string, cost decimal.Decimal) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE items SET cost_price = $2, updated_at = now() WHERE id = $1
	`, itemID, cost)
	return expectOne(res, err)
}

func scanPurchase(row rowScanner) (*domain.Purchase, error) {
	var (
		p        domain.Purchase
		status   string
		active   bool
		reverted bool
	)
	err := row.Scan(&p.ID, &p.OwnerID, &p.VendorID, &p.VendorName, &p.CreatedAt, &p.TotalAmount, &p.PaidAmount,
		&status, &p.ContentHash, &p.InvoiceNumber, &active, &reverted)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	lifecycle, err := domain.LifecycleFromFlags(active, reverted)
	if err != nil {
		return nil, err
	}
	p.PaymentStatus = domain.PaymentStatus(status)
	p.Lifecycle = lifecycle
	p.CreatedAt = p.CreatedAt.UTC()
	return &p, nil
}

func scanPurchases(rows *sql.Rows) ([]domain.Purchase, error) {
	defer rows.Close()

	purchases := make([]domain.Purchase, 0, 32)
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, err
		}
		purchases = append(purchases, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return purchases, nil
}

// loadItems fills the line items of every purchase with one query.
func loadItems(ctx context.Context, q queryer, purchases []domain.Purchase) error {
	if len(purchases) == 0 {
		return nil
	}
	ids := make([]string, len(purchases))
	index := make(map[string]int, len(purchases))
	for i, p := range purchases {
		ids[i] = p.ID
		index[p.ID] = i
		purchases[i].Items = []domain.PurchaseItem{}
	}

	rows, err := q.QueryContext(ctx, `
		SELECT id, purchase_id, item_id, sku, name, quantity, unit_cost
		FROM purchase_items
		WHERE purchase_id = ANY($1)
		ORDER BY purchase_id, id
	`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var line domain.PurchaseItem
		if err := rows.Scan(&line.ID, &line.PurchaseID, &line.ItemID, &line.SKU, &line.Name, &line.Quantity, &line.UnitCost); err != nil {
			return err
		}
		i := index[line.PurchaseID]
		purchases[i].Items = append(purchases[i].Items, line)
	}
	return rows.Err()
}

func scanVendor(row rowScanner) (*domain.Vendor, error) {
	var v domain.Vendor
	err := row.Scan(&v.ID, &v.OwnerID, &v.Name, &v.Address, &v.Mobile, &v.Email, &v.CurrentBalance, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	v.CreatedAt = v.CreatedAt.UTC()
	v.UpdatedAt = v.UpdatedAt.UTC()
	return &v, nil
}

func scanItem(row rowScanner) (*domain.Item, error) {
	var item domain.Item
	err := row.Scan(&item.ID, &item.OwnerID, &item.SKU, &item.Name, &item.Category, &item.Material, &item.Quantity,
		&item.CostPrice, &item.SellingPrice, &item.MinStockLevel, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	item.CreatedAt = item.CreatedAt.UTC()
	item.UpdatedAt = item.UpdatedAt.UTC()
	return &item, nil
}
