// Package inventory exposes the stock posting gateway that downstream
// modules call when goods physically enter a facility. Posting is
// idempotent per reference; callers may safely retry.
package inventory

import (
	"errors"
	"time"
)

var (
	// ErrRetryable indicates a transient failure; the same posting may be
	// retried without risk of duplicate stock.
	ErrRetryable = errors.New("inventory posting temporarily unavailable")
	// ErrRejected indicates the posting is invalid and retrying the same
	// payload will never succeed.
	ErrRejected = errors.New("inventory posting rejected")
)

// ReceiptLine is one stock movement within a posting.
type ReceiptLine struct {
	ItemID      int64
	Quantity    int64
	UnitCost    float64
	BatchNumber string
	ExpiryDate  *time.Time
}

// ReceiptInput is a request to post accepted stock into a facility.
// Reference is the caller's idempotency key, e.g. "GRN:GRN-2026-00042".
type ReceiptInput struct {
	Reference  string
	FacilityID int64
	SupplierID int64
	Lines      []ReceiptLine
}

// PostAck acknowledges a posting. Duplicate is set when the reference was
// already posted and no new stock entries were written.
type PostAck struct {
	Reference string
	PostedAt  time.Time
	Lines     int
	Duplicate bool
}

// StockEntry is one persisted ledger row.
type StockEntry struct {
	ID          int64
	ItemID      int64
	FacilityID  int64
	Quantity    int64
	UnitCost    float64
	BatchNumber string
	ExpiryDate  *time.Time
	Reference   string
	CreatedAt   time.Time
}
