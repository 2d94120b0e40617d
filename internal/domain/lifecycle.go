package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

type PaymentStatus string

const (
	PaymentDue           PaymentStatus = "Due"
	PaymentPartiallyPaid PaymentStatus = "Partially Paid"
	PaymentPaid          PaymentStatus = "Paid"
)

// ParseImportStatus accepts the payment directive of an import batch. Only
// Due and Paid are meaningful for freshly imported purchases.
func ParseImportStatus(raw string) (PaymentStatus, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "due":
		return PaymentDue, nil
	case "paid":
		return PaymentPaid, nil
	default:
		return "", &ValidationError{Column: "payment_status", Reason: fmt.Sprintf("unsupported value %q, expected Due or Paid", raw)}
	}
}

func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentDue, PaymentPartiallyPaid, PaymentPaid:
		return true
	}
	return false
}

type lifecycleState uint8

const (
	stateActive lifecycleState = iota
	stateInactive
)

// Lifecycle is the soft-delete state of a purchase. The zero value is active;
// only inactive purchases can carry the stock-reverted mark.
type Lifecycle struct {
	state         lifecycleState
	stockReverted bool
}

func Active() Lifecycle {
	return Lifecycle{state: stateActive}
}

func Inactive(stockReverted bool) Lifecycle {
	return Lifecycle{state: stateInactive, stockReverted: stockReverted}
}

// LifecycleFromFlags rebuilds the state from its two persisted columns.
func LifecycleFromFlags(isActive bool, stockReverted bool) (Lifecycle, error) {
	if isActive {
		if stockReverted {
			return Lifecycle{}, fmt.Errorf("active purchase cannot be stock reverted")
		}
		return Active(), nil
	}
	return Inactive(stockReverted), nil
}

func (l Lifecycle) IsActive() bool {
	return l.state == stateActive
}

func (l Lifecycle) StockReverted() bool {
	return l.state == stateInactive && l.stockReverted
}

// Flags returns the persisted (is_active, stock_reverted) pair.
func (l Lifecycle) Flags() (bool, bool) {
	return l.IsActive(), l.StockReverted()
}

func (l Lifecycle) String() string {
	if l.IsActive() {
		return "active"
	}
	if l.stockReverted {
		return "inactive(stock_reverted)"
	}
	return "inactive"
}

type lifecycleJSON struct {
	IsActive      bool `json:"is_active"`
	StockReverted bool `json:"stock_reverted"`
}

func (l Lifecycle) MarshalJSON() ([]byte, error) {
	active, reverted := l.Flags()
	return json.Marshal(lifecycleJSON{IsActive: active, StockReverted: reverted})
}

func (l *Lifecycle) UnmarshalJSON(data []byte) error {
	var raw lifecycleJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := LifecycleFromFlags(raw.IsActive, raw.StockReverted)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}
