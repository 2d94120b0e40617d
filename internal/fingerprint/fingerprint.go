// Package fingerprint derives the content hash that identifies an imported
// purchase batch across uploads.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"unicode/utf16"

	"github.com/shopspring/decimal"
)

type Line struct {
	SKU  string
	Qty  int
	Cost decimal.Decimal
}

// Compute returns the hex SHA-256 of the canonical document
//
//	{"invoice": <string|null>, "items": [{"cost": c, "qty": q, "sku": s}, ...], "vendor": v}
//
// with items sorted by sku, then qty, then cost. The encoding uses sorted
// keys, ", " and ": " separators and ASCII-only strings, so the digest does
// not depend on row order or on how the cost was written ("5" and "5.00"
// hash alike).
func Compute(vendor string, invoice *string, lines []Line) string {
	sorted := make([]Line, len(lines))
	copy(sorted, lines)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].SKU != sorted[j].SKU {
			return sorted[i].SKU < sorted[j].SKU
		}
		if sorted[i].Qty != sorted[j].Qty {
			return sorted[i].Qty < sorted[j].Qty
		}
		return sorted[i].Cost.LessThan(sorted[j].Cost)
	})

	sum := sha256.Sum256([]byte(Canonical(vendor, invoice, sorted)))
	return hex.EncodeToString(sum[:])
}

// Canonical renders lines in the given order. Callers wanting a stable hash
// use Compute.
func Canonical(vendor string, invoice *string, lines []Line) string {
	var b strings.Builder
	b.WriteString(`{"invoice": `)
	if invoice == nil {
		b.WriteString("null")
	} else {
		writeString(&b, *invoice)
	}
	b.WriteString(`, "items": [`)
	for i, line := range lines {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(`{"cost": `)
		b.WriteString(formatCost(line.Cost))
		b.WriteString(`, "qty": `)
		b.WriteString(strconv.Itoa(line.Qty))
		b.WriteString(`, "sku": `)
		writeString(&b, line.SKU)
		b.WriteString("}")
	}
	b.WriteString(`], "vendor": `)
	writeString(&b, vendor)
	b.WriteString("}")
	return b.String()
}

// formatCost prints the cost as a float literal that always has a fraction.
func formatCost(cost decimal.Decimal) string {
	s := cost.String()
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}

const hexDigits = "0123456789abcdef"

func writeString(b *strings.Builder, s string) {
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		case '\b':
			b.WriteString(`\b`)
		case '\f':
			b.WriteString(`\f`)
		default:
			switch {
			case r < 0x20 || (r >= 0x7f && r < 0x10000):
				writeUnicodeEscape(b, r)
			case r >= 0x10000:
				hi, lo := utf16.EncodeRune(r)
				writeUnicodeEscape(b, hi)
				writeUnicodeEscape(b, lo)
			default:
				b.WriteRune(r)
			}
		}
	}
	b.WriteByte('"')
}

func writeUnicodeEscape(b *strings.Builder, r rune) {
	b.WriteString(`\u`)
	b.WriteByte(hexDigits[(r>>12)&0xf])
	b.WriteByte(hexDigits[(r>>8)&0xf])
	b.WriteByte(hexDigits[(r>>4)&0xf])
	b.WriteByte(hexDigits[r&0xf])
}
