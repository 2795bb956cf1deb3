// Package reconcile implements the pure quantity arithmetic linking purchase
// requests, purchase orders and goods receipts. Nothing in here performs I/O;
// every figure is recomputed from line quantities so derived values can never
// drift from their source.
package reconcile

import (
	"errors"
	"fmt"
)

var (
	// ErrQuantityMismatch indicates an inspection whose accepted and rejected
	// quantities do not add up to the received quantity.
	ErrQuantityMismatch = errors.New("accepted plus rejected must equal received")
	// ErrOverReceipt indicates a receipt that would exceed the authorised
	// outstanding quantity.
	ErrOverReceipt = errors.New("received quantity exceeds outstanding")
)

// Outstanding returns the quantity still open on an order line: ordered minus
// everything already accepted on posted receipts and everything reserved by
// receipts that are still in flight. Never negative.
func Outstanding(ordered, postedAccepted, openReceived int64) int64 {
	out := ordered - postedAccepted - openReceived
	if out < 0 {
		return 0
	}
	return out
}

// OrderLineProgress carries the ordered/received pair of one order line.
type OrderLineProgress struct {
	Ordered  int64
	Received int64
}

// CompletionPercent reports overall receipt progress across order lines.
// Defined as 0 when nothing was ordered, so zero-quantity orders cannot
// divide by zero.
func CompletionPercent(lines []OrderLineProgress) float64 {
	var ordered, received int64
	for _, l := range lines {
		ordered += l.Ordered
		received += l.Received
	}
	if ordered == 0 {
		return 0
	}
	return float64(received) / float64(ordered) * 100
}

// ReceiptState is the derived delivery state of an order.
type ReceiptState string

const (
	// ReceiptOpen means nothing has been received yet.
	ReceiptOpen ReceiptState = "open"
	// ReceiptPartial means some but not all lines are fully received.
	ReceiptPartial ReceiptState = "partial"
	// ReceiptComplete means every line is fully received.
	ReceiptComplete ReceiptState = "complete"
)

// DeriveReceiptState classifies order progress from its line quantities.
func DeriveReceiptState(lines []OrderLineProgress) ReceiptState {
	var ordered, received int64
	complete := true
	for _, l := range lines {
		ordered += l.Ordered
		received += l.Received
		if l.Received < l.Ordered {
			complete = false
		}
	}
	switch {
	case ordered > 0 && complete:
		return ReceiptComplete
	case received > 0:
		return ReceiptPartial
	default:
		return ReceiptOpen
	}
}

// Inspection carries the quantities of one receipt line under inspection.
type Inspection struct {
	Expected int64
	Received int64
	Accepted int64
	Rejected int64
}

// ValidateInspection checks the inspection split of a receipt line.
func ValidateInspection(ins Inspection) error {
	if ins.Received > ins.Expected {
		return fmt.Errorf("%w: received %d, expected %d", ErrOverReceipt, ins.Received, ins.Expected)
	}
	if ins.Accepted < 0 || ins.Rejected < 0 {
		return fmt.Errorf("%w: negative quantities", ErrQuantityMismatch)
	}
	if ins.Accepted+ins.Rejected != ins.Received {
		return fmt.Errorf("%w: accepted %d + rejected %d != received %d",
			ErrQuantityMismatch, ins.Accepted, ins.Rejected, ins.Received)
	}
	return nil
}

// OrderLine carries the pricing inputs of one order line.
type OrderLine struct {
	Quantity        int64
	UnitPrice       float64
	DiscountPercent float64
	TaxPercent      float64
}

// LineTotal computes discount, tax and total for a single line.
func LineTotal(l OrderLine) (discountAmount, taxAmount, lineTotal float64) {
	grossAmount := float64(l.Quantity) * l.UnitPrice
	discountAmount = grossAmount * (l.DiscountPercent / 100)
	netAmount := grossAmount - discountAmount
	taxAmount = netAmount * (l.TaxPercent / 100)
	lineTotal = netAmount + taxAmount
	return
}

// OrderTotals aggregates monetary totals across order lines.
type OrderTotals struct {
	Subtotal       float64
	DiscountAmount float64
	TaxAmount      float64
	Total          float64
}

// Totals sums line totals; these are always derived, never stored.
func Totals(lines []OrderLine) OrderTotals {
	var t OrderTotals
	for _, l := range lines {
		discount, tax, total := LineTotal(l)
		t.Subtotal += float64(l.Quantity) * l.UnitPrice
		t.DiscountAmount += discount
		t.TaxAmount += tax
		t.Total += total
	}
	return t
}
