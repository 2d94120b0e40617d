package intake

import (
	"math"
	"slices"

	"github.com/shopspring/decimal"

	"stockledger/backend/internal/domain"
	"stockledger/backend/internal/fingerprint"
	"stockledger/backend/internal/validation"
)

// Rows must fit the store: quantities are 32-bit integers and money is
// NUMERIC(14,2).
var (
	minQuantity = decimal.NewFromInt(math.MinInt32)
	maxQuantity = decimal.NewFromInt(math.MaxInt32)
	maxMoney    = decimal.New(1, 12)
)

const moneyPlaces = 2

var PurchaseColumns = []string{
	"vendor_name", "vendor_address", "vendor_mobile", "vendor_email", "invoice_number",
	"sku", "product_name", "category", "material", "quantity", "unit_cost", "selling_price",
}

var InventoryColumns = []string{
	"name", "sku", "category", "material", "quantity", "cost_price", "selling_price", "min_stock_level",
}

type PurchaseRow struct {
	Row           int             `json:"-"`
	VendorName    string          `json:"vendor_name" validate:"required,max=180"`
	VendorAddress string          `json:"vendor_address" validate:"max=500"`
	VendorMobile  string          `json:"vendor_mobile" validate:"max=32"`
	VendorEmail   string          `json:"vendor_email"`
	InvoiceNumber string          `json:"invoice_number" validate:"max=120"`
	SKU           string          `json:"sku" validate:"required,max=120"`
	ProductName   string          `json:"product_name" validate:"max=255"`
	Category      string          `json:"category" validate:"max=120"`
	Material      string          `json:"material" validate:"max=120"`
	Quantity      int             `json:"quantity" validate:"gte=1"`
	UnitCost      decimal.Decimal `json:"unit_cost" validate:"gte=0"`
	SellingPrice  decimal.Decimal `json:"selling_price" validate:"gte=0"`
}

func ParsePurchaseRows(t Table) ([]PurchaseRow, error) {
	cols, err := t.columns("vendor_name", "sku", "quantity", "unit_cost")
	if err != nil {
		return nil, err
	}

	rows := make([]PurchaseRow, 0, len(t.Rows))
	for i, cells := range t.Rows {
		if blank(cells) {
			continue
		}
		rowNum := i + 2
		qty, err := parseQuantity(cols.get(cells, "quantity"), "quantity", rowNum, true)
		if err != nil {
			return nil, err
		}
		cost, err := parseMoney(cols.get(cells, "unit_cost"), "unit_cost", rowNum, true)
		if err != nil {
			return nil, err
		}
		selling, err := parseMoney(cols.get(cells, "selling_price"), "selling_price", rowNum, false)
		if err != nil {
			return nil, err
		}
		row := PurchaseRow{
			Row:           rowNum,
			VendorName:    cols.get(cells, "vendor_name"),
			VendorAddress: cols.get(cells, "vendor_address"),
			VendorMobile:  cols.get(cells, "vendor_mobile"),
			VendorEmail:   contactEmail(cols.get(cells, "vendor_email")),
			InvoiceNumber: cols.get(cells, "invoice_number"),
			SKU:           cols.get(cells, "sku"),
			ProductName:   cols.get(cells, "product_name"),
			Category:      cols.get(cells, "category"),
			Material:      cols.get(cells, "material"),
			Quantity:      qty,
			UnitCost:      cost,
			SellingPrice:  selling,
		}
		if err := validation.Struct(row, rowNum); err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil, &domain.ValidationError{Column: "file", Reason: "file contains no purchase rows"}
	}
	return rows, nil
}

// VendorGroup is one purchase worth of rows: everything a file lists for a
// single vendor name.
type VendorGroup struct {
	Vendor  string
	Contact domain.Contact
	Invoice *string
	Rows    []PurchaseRow
}

func (g VendorGroup) Lines() []fingerprint.Line {
	lines := make([]fingerprint.Line, 0, len(g.Rows))
	for _, row := range g.Rows {
		lines = append(lines, fingerprint.Line{SKU: row.SKU, Qty: row.Quantity, Cost: row.UnitCost})
	}
	return lines
}

// Fingerprint identifies the purchase the group describes, independent of
// row order.
func (g VendorGroup) Fingerprint() string {
	return fingerprint.Compute(g.Vendor, g.Invoice, g.Lines())
}

// GroupByVendor buckets rows by exact vendor name, ordered by name. The
// group invoice and contact fields come from the first row that has them.
func GroupByVendor(rows []PurchaseRow) []VendorGroup {
	index := make(map[string]int)
	groups := make([]VendorGroup, 0, 8)
	for _, row := range rows {
		pos, ok := index[row.VendorName]
		if !ok {
			pos = len(groups)
			index[row.VendorName] = pos
			groups = append(groups, VendorGroup{Vendor: row.VendorName})
		}
		g := &groups[pos]
		g.Rows = append(g.Rows, row)
		if g.Invoice == nil && row.InvoiceNumber != "" {
			invoice := row.InvoiceNumber
			g.Invoice = &invoice
		}
		if g.Contact.Address == "" {
			g.Contact.Address = row.VendorAddress
		}
		if g.Contact.Mobile == "" {
			g.Contact.Mobile = row.VendorMobile
		}
		if g.Contact.Email == "" {
			g.Contact.Email = row.VendorEmail
		}
	}
	slices.SortFunc(groups, func(a, b VendorGroup) int {
		switch {
		case a.Vendor < b.Vendor:
			return -1
		case a.Vendor > b.Vendor:
			return 1
		}
		return 0
	})
	return groups
}

type InventoryRow struct {
	Row           int             `json:"-"`
	Name          string          `json:"name" validate:"required,max=255"`
	SKU           string          `json:"sku" validate:"required,max=120"`
	Category      string          `json:"category" validate:"max=120"`
	Material      string          `json:"material" validate:"max=120"`
	Quantity      int             `json:"quantity" validate:"gte=0"`
	CostPrice     decimal.Decimal `json:"cost_price" validate:"gte=0"`
	SellingPrice  decimal.Decimal `json:"selling_price" validate:"gte=0"`
	MinStockLevel int             `json:"min_stock_level" validate:"gte=0"`
}

func ParseInventoryRows(t Table) ([]InventoryRow, error) {
	cols, err := t.columns("name", "sku", "quantity", "cost_price", "selling_price")
	if err != nil {
		return nil, err
	}

	rows := make([]InventoryRow, 0, len(t.Rows))
	for i, cells := range t.Rows {
		if blank(cells) {
			continue
		}
		rowNum := i + 2
		qty, err := parseQuantity(cols.get(cells, "quantity"), "quantity", rowNum, true)
		if err != nil {
			return nil, err
		}
		cost, err := parseMoney(cols.get(cells, "cost_price"), "cost_price", rowNum, true)
		if err != nil {
			return nil, err
		}
		selling, err := parseMoney(cols.get(cells, "selling_price"), "selling_price", rowNum, true)
		if err != nil {
			return nil, err
		}
		minStock := domain.DefaultMinStockLevel
		if raw := cols.get(cells, "min_stock_level"); raw != "" {
			minStock, err = parseQuantity(raw, "min_stock_level", rowNum, false)
			if err != nil {
				return nil, err
			}
		}
		row := InventoryRow{
			Row:           rowNum,
			Name:          cols.get(cells, "name"),
			SKU:           cols.get(cells, "sku"),
			Category:      cols.get(cells, "category"),
			Material:      cols.get(cells, "material"),
			Quantity:      qty,
			CostPrice:     cost,
			SellingPrice:  selling,
			MinStockLevel: minStock,
		}
		if err := validation.Struct(row, rowNum); err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil, &domain.ValidationError{Column: "file", Reason: "file contains no inventory rows"}
	}
	return rows, nil
}

func parseQuantity(raw string, column string, row int, required bool) (int, error) {
	if raw == "" {
		if required {
			return 0, &domain.ValidationError{Column: column, Row: row, Reason: "is required"}
		}
		return 0, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, &domain.ValidationError{Column: column, Row: row, Reason: "is not a number"}
	}
	if !d.Equal(d.Truncate(0)) {
		return 0, &domain.ValidationError{Column: column, Row: row, Reason: "must be a whole number"}
	}
	if d.LessThan(minQuantity) || d.GreaterThan(maxQuantity) {
		return 0, &domain.ValidationError{Column: column, Row: row, Reason: "is out of range"}
	}
	return int(d.IntPart()), nil
}

// contactEmail drops an address that does not parse. Contact details are
// informational and never reject a batch.
func contactEmail(raw string) string {
	if raw == "" || len(raw) > 254 || validation.Validator().Var(raw, "email") != nil {
		return ""
	}
	return raw
}

func parseMoney(raw string, column string, row int, required bool) (decimal.Decimal, error) {
	if raw == "" {
		if required {
			return decimal.Zero, &domain.ValidationError{Column: column, Row: row, Reason: "is required"}
		}
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, &domain.ValidationError{Column: column, Row: row, Reason: "is not a number"}
	}
	if !d.Equal(d.Round(moneyPlaces)) {
		return decimal.Zero, &domain.ValidationError{Column: column, Row: row, Reason: "must have at most 2 decimal places"}
	}
	if d.Abs().GreaterThanOrEqual(maxMoney) {
		return decimal.Zero, &domain.ValidationError{Column: column, Row: row, Reason: "is out of range"}
	}
	return d, nil
}
