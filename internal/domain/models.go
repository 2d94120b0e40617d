package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	RoleRoot = "root"
	RoleUser = "user"
)

const DefaultMinStockLevel = 5

type Vendor struct {
	ID             string          `json:"id"`
	OwnerID        string          `json:"owner_id"`
	Name           string          `json:"name"`
	Address        string          `json:"address"`
	Mobile         string          `json:"mobile"`
	Email          string          `json:"email"`
	CurrentBalance decimal.Decimal `json:"current_balance"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Contact holds the optional vendor fields carried by import rows and
// vendor requests. Blank values never replace stored ones.
type Contact struct {
	Address string
	Mobile  string
	Email   string
}

// MergeContact fills the vendor's contact fields from the non-blank values
// of c and reports whether anything changed.
func (v *Vendor) MergeContact(c Contact) bool {
	changed := false
	if c.Address != "" && c.Address != v.Address {
		v.Address = c.Address
		changed = true
	}
	if c.Mobile != "" && c.Mobile != v.Mobile {
		v.Mobile = c.Mobile
		changed = true
	}
	if c.Email != "" && c.Email != v.Email {
		v.Email = c.Email
		changed = true
	}
	return changed
}

type VendorCreateRequest struct {
	Name    string `json:"name" validate:"required,max=180"`
	Address string `json:"address" validate:"max=500"`
	Mobile  string `json:"mobile" validate:"max=32"`
	Email   string `json:"email" validate:"omitempty,email"`
}

type VendorUpdateRequest struct {
	Name    *string `json:"name,omitempty" validate:"omitempty,min=1,max=180"`
	Address *string `json:"address,omitempty" validate:"omitempty,max=500"`
	Mobile  *string `json:"mobile,omitempty" validate:"omitempty,max=32"`
	Email   *string `json:"email,omitempty" validate:"omitempty,email"`
}

type VendorPaymentRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type VendorPaymentResult struct {
	Message    string          `json:"message"`
	VendorID   string          `json:"vendor_id"`
	VendorName string          `json:"vendor_name"`
	NewBalance decimal.Decimal `json:"new_balance"`
}

// VendorLedgerEntry is one line of a vendor's purchase history.
type VendorLedgerEntry struct {
	PurchaseID    string          `json:"purchase_id"`
	CreatedAt     time.Time       `json:"created_at"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	PaidAmount    decimal.Decimal `json:"paid_amount"`
	InvoiceNumber string          `json:"invoice_number,omitempty"`
	PaymentStatus PaymentStatus   `json:"payment_status"`
}

type VendorLedger struct {
	VendorID       string              `json:"vendor_id"`
	OwnerID        string              `json:"owner_id"`
	VendorName     string              `json:"vendor_name"`
	CurrentBalance decimal.Decimal     `json:"current_balance"`
	Entries        []VendorLedgerEntry `json:"entries"`
}

type Item struct {
	ID            string          `json:"id"`
	OwnerID       string          `json:"owner_id"`
	SKU           string          `json:"sku"`
	Name          string          `json:"name"`
	Category      string          `json:"category"`
	Material      string          `json:"material"`
	Quantity      int             `json:"quantity"`
	CostPrice     decimal.Decimal `json:"cost_price"`
	SellingPrice  decimal.Decimal `json:"selling_price"`
	MinStockLevel int             `json:"min_stock_level"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func (i Item) LowStock() bool {
	return i.Quantity <= i.MinStockLevel
}

type Purchase struct {
	ID            string          `json:"id"`
	OwnerID       string          `json:"owner_id"`
	VendorID      string          `json:"vendor_id"`
	VendorName    string          `json:"vendor_name"`
	CreatedAt     time.Time       `json:"created_at"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	PaidAmount    decimal.Decimal `json:"paid_amount"`
	PaymentStatus PaymentStatus   `json:"payment_status"`
	ContentHash   string          `json:"content_hash"`
	InvoiceNumber string          `json:"invoice_number,omitempty"`
	Lifecycle     Lifecycle       `json:"lifecycle"`
	Items         []PurchaseItem  `json:"items"`
}

// Outstanding is the part of the total not yet paid. It never goes below zero.
func (p Purchase) Outstanding() decimal.Decimal {
	remaining := p.TotalAmount.Sub(p.PaidAmount)
	if remaining.IsNegative() {
		return decimal.Zero
	}
	return remaining
}

// LineTotal sums quantity times unit cost over the purchase's items.
func (p Purchase) LineTotal() decimal.Decimal {
	total := decimal.Zero
	for _, item := range p.Items {
		total = total.Add(item.LineTotal())
	}
	return total
}

type PurchaseItem struct {
	ID         string          `json:"id"`
	PurchaseID string          `json:"purchase_id"`
	ItemID     string          `json:"item_id"`
	SKU        string          `json:"sku"`
	Name       string          `json:"name"`
	Quantity   int             `json:"quantity"`
	UnitCost   decimal.Decimal `json:"unit_cost"`
}

func (pi PurchaseItem) LineTotal() decimal.Decimal {
	return pi.UnitCost.Mul(decimal.NewFromInt(int64(pi.Quantity)))
}

type PurchaseFilter struct {
	VendorID string
	Skip     int
	Limit    int
}

type ImportFailure struct {
	Vendor string `json:"vendor"`
	Error  string `json:"error"`
}

type ImportResult struct {
	Message           string               `json:"message"`
	Created           int                  `json:"created"`
	Restored          int                  `json:"restored"`
	SkippedDuplicates int                  `json:"skipped_duplicates"`
	Failed            []ImportFailure      `json:"failed,omitempty"`
	Warnings          []ConsistencyWarning `json:"warnings,omitempty"`
}

type InventoryImportResult struct {
	Message  string `json:"message"`
	Imported int    `json:"imported"`
	Updated  int    `json:"updated"`
}

type DeleteResult struct {
	Message       string               `json:"message"`
	PurchaseID    string               `json:"purchase_id"`
	StockReverted bool                 `json:"stock_reverted"`
	Warnings      []ConsistencyWarning `json:"warnings,omitempty"`
}

type PayRequest struct {
	Amount *decimal.Decimal `json:"amount,omitempty"`
}

type PaymentResult struct {
	Message       string          `json:"message"`
	PurchaseID    string          `json:"purchase_id"`
	Status        PaymentStatus   `json:"status"`
	PaidAmount    decimal.Decimal `json:"paid_amount"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	VendorName    string          `json:"vendor_name"`
	VendorBalance decimal.Decimal `json:"vendor_balance"`
}

type BackupReport struct {
	Directory   string    `json:"directory"`
	Files       []string  `json:"files"`
	Items       int       `json:"items"`
	Vendors     int       `json:"vendors"`
	Purchases   int       `json:"purchases"`
	CompletedAt time.Time `json:"completed_at"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

// Scope returns the data scope the actor may read and write.
func (a Actor) Scope() Scope {
	return Scope{OwnerID: a.Username, Root: a.Role == RoleRoot}
}

// Scope isolates ledger data by owner. Root scopes see every owner but still
// write new records under OwnerID.
type Scope struct {
	OwnerID string
	Root    bool
}

func (s Scope) Allows(ownerID string) bool {
	return s.Root || s.OwnerID == ownerID
}

type UserCreateRequest struct {
	Username string `json:"username" validate:"required,min=4,max=64,excludesall= \t\r\n"`
	Password string `json:"password" validate:"required,min=8"`
	Role     string `json:"role" validate:"omitempty,oneof=root user"`
}

type User struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type AuditLog struct {
	ID            string    `json:"id"`
	OwnerID       string    `json:"owner_id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}
