package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrForbidden  = errors.New("forbidden")
	ErrBusy       = errors.New("another operation is in progress")
)

// ValidationError rejects input before any state is touched. Row is 1-based
// and counts the header line, zero when the error is not tied to a row.
type ValidationError struct {
	Column string
	Row    int
	Reason string
}

func (e *ValidationError) Error() string {
	switch {
	case e.Column != "" && e.Row > 0:
		return fmt.Sprintf("row %d, column %q: %s", e.Row, e.Column, e.Reason)
	case e.Column != "":
		return fmt.Sprintf("column %q: %s", e.Column, e.Reason)
	default:
		return e.Reason
	}
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s not found", e.Entity)
	}
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// ConflictError reports a request that is well formed but not allowed in the
// record's current state. No mutation is applied.
type ConflictError struct {
	Op     string
	Reason string
}

func (e *ConflictError) Error() string {
	if e.Op == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

func NewConflict(op string, format string, args ...any) *ConflictError {
	return &ConflictError{Op: op, Reason: fmt.Sprintf(format, args...)}
}

// ConsistencyWarning flags a stock reversal that left an item below zero or
// could not find its item. It is reported, never returned as an error.
type ConsistencyWarning struct {
	ItemID   string `json:"item_id,omitempty"`
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
	Message  string `json:"message"`
}

func (w ConsistencyWarning) String() string {
	return fmt.Sprintf("%s (sku=%s qty=%d)", w.Message, w.SKU, w.Quantity)
}
