// Package intake turns uploaded spreadsheets into validated, typed rows.
// A batch is rejected as a whole on its first invalid row.
package intake

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"stockledger/backend/internal/domain"
)

// Table is a header row plus data rows, all cells trimmed. Data row i sits
// on spreadsheet row i+2.
type Table struct {
	Header []string
	Rows   [][]string
}

func Read(filename string, r io.Reader) (Table, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".xlsx":
		return readXLSX(r)
	case ".csv":
		return readCSV(r)
	default:
		return Table{}, &domain.ValidationError{Column: "file", Reason: fmt.Sprintf("unsupported file type %q, expected .xlsx or .csv", filepath.Ext(filename))}
	}
}

func readXLSX(r io.Reader) (Table, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return Table{}, &domain.ValidationError{Column: "file", Reason: fmt.Sprintf("unable to open workbook: %v", err)}
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return Table{}, &domain.ValidationError{Column: "file", Reason: "workbook has no sheets"}
	}
	rows, err := f.GetRows(sheets[0], excelize.Options{RawCellValue: true})
	if err != nil {
		return Table{}, fmt.Errorf("read sheet %s: %w", sheets[0], err)
	}
	return newTable(rows)
}

func readCSV(r io.Reader) (Table, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	rows, err := reader.ReadAll()
	if err != nil {
		var parseErr *csv.ParseError
		if errors.As(err, &parseErr) {
			return Table{}, &domain.ValidationError{Column: "file", Row: parseErr.Line, Reason: parseErr.Err.Error()}
		}
		return Table{}, err
	}
	if len(rows) > 0 && len(rows[0]) > 0 {
		rows[0][0] = strings.TrimPrefix(rows[0][0], "\ufeff")
	}
	return newTable(rows)
}

func newTable(rows [][]string) (Table, error) {
	if len(rows) == 0 {
		return Table{}, &domain.ValidationError{Column: "file", Reason: "file has no header row"}
	}
	table := Table{Header: make([]string, len(rows[0])), Rows: make([][]string, 0, len(rows)-1)}
	for i, cell := range rows[0] {
		table.Header[i] = strings.ToLower(strings.TrimSpace(cell))
	}
	for _, row := range rows[1:] {
		cells := make([]string, len(row))
		for i, cell := range row {
			cells[i] = strings.TrimSpace(cell)
		}
		table.Rows = append(table.Rows, cells)
	}
	return table, nil
}

// columns maps lower-cased header names to their position.
type columns map[string]int

func (t Table) columns(required ...string) (columns, error) {
	cols := make(columns, len(t.Header))
	for i, name := range t.Header {
		if name == "" {
			continue
		}
		if _, dup := cols[name]; !dup {
			cols[name] = i
		}
	}
	for _, name := range required {
		if _, ok := cols[name]; !ok {
			return nil, &domain.ValidationError{Column: name, Row: 1, Reason: "missing required column"}
		}
	}
	return cols, nil
}

func (c columns) get(row []string, name string) string {
	idx, ok := c[name]
	if !ok || idx >= len(row) {
		return ""
	}
	return row[idx]
}

func blank(row []string) bool {
	for _, cell := range row {
		if cell != "" {
			return false
		}
	}
	return true
}
