package validation

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"stockledger/backend/internal/domain"
)

type sample struct {
	Name string          `json:"vendor_name" validate:"required"`
	Qty  int             `json:"quantity" validate:"gte=1"`
	Cost decimal.Decimal `json:"unit_cost" validate:"gte=0"`
}

func TestStructReportsJSONColumnAndRow(t *testing.T) {
	err := Struct(sample{Name: "Acme", Qty: 1, Cost: decimal.RequireFromString("-1.5")}, 7)
	var ve *domain.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if ve.Column != "unit_cost" || ve.Row != 7 {
		t.Fatalf("unexpected error %+v", ve)
	}
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation sentinel")
	}
}

func TestStructAcceptsValidInput(t *testing.T) {
	if err := Struct(sample{Name: "Acme", Qty: 3, Cost: decimal.Zero}, 2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestFieldsFlattensTags(t *testing.T) {
	err := Validator().Struct(sample{})
	fields := Fields(err)
	if fields["vendor_name"] != "required" || fields["quantity"] != "gte" {
		t.Fatalf("unexpected fields %v", fields)
	}
}
