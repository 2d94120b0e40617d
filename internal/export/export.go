// Package export renders ledger data as xlsx workbooks. Inventory sheets use
// the inventory import headers so an export can be edited and re-imported.
package export

import (
	"fmt"
	"io"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"stockledger/backend/internal/domain"
	"stockledger/backend/internal/intake"
)

const ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

var (
	VendorColumns   = []string{"id", "name", "address", "mobile", "email", "current_balance"}
	PurchaseColumns = []string{"id", "created_at", "vendor_id", "vendor_name", "invoice_number", "total_amount", "paid_amount", "payment_status"}
)

func Inventory(w io.Writer, items []domain.Item) error {
	rows := make([][]any, 0, len(items))
	for _, item := range items {
		rows = append(rows, []any{
			item.Name, item.SKU, item.Category, item.Material, item.Quantity,
			money(item.CostPrice), money(item.SellingPrice), item.MinStockLevel,
		})
	}
	return write(w, "Inventory", intake.InventoryColumns, rows)
}

func Vendors(w io.Writer, vendors []domain.Vendor) error {
	rows := make([][]any, 0, len(vendors))
	for _, v := range vendors {
		rows = append(rows, []any{v.ID, v.Name, v.Address, v.Mobile, v.Email, money(v.CurrentBalance)})
	}
	return write(w, "Vendors", VendorColumns, rows)
}

func Purchases(w io.Writer, purchases []domain.Purchase) error {
	rows := make([][]any, 0, len(purchases))
	for _, p := range purchases {
		rows = append(rows, []any{
			p.ID, p.CreatedAt.UTC().Format(time.RFC3339), p.VendorID, p.VendorName, p.InvoiceNumber,
			money(p.TotalAmount), money(p.PaidAmount), string(p.PaymentStatus),
		})
	}
	return write(w, "Purchases", PurchaseColumns, rows)
}

// PurchaseTemplate is an empty workbook carrying the purchase import headers.
func PurchaseTemplate(w io.Writer) error {
	return write(w, "Purchases", intake.PurchaseColumns, nil)
}

func write(w io.Writer, sheet string, header []string, rows [][]any) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return err
	}
	headerRow := make([]any, len(header))
	for i, h := range header {
		headerRow[i] = h
	}
	if err := f.SetSheetRow(sheet, "A1", &headerRow); err != nil {
		return err
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("write %s row %d: %w", sheet, i+2, err)
		}
	}
	return f.Write(w)
}

func money(d decimal.Decimal) float64 {
	return d.Round(2).InexactFloat64()
}
