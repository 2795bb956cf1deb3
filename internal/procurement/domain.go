// Package procurement implements the purchase request, purchase order and
// goods receipt lifecycle: request, approve, order, receive, inspect and post
// to stock. Documents are versioned rows; all writes go through optimistic
// concurrency checks in the store.
package procurement

import (
	"time"

	"github.com/google/uuid"

	"github.com/meridian-hms/meridian-hms/internal/procurement/reconcile"
	"github.com/meridian-hms/meridian-hms/internal/procurement/workflow"
)

// Priority levels for purchase requests.
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// PurchaseRequest is a facility's demand for items, subject to approval.
type PurchaseRequest struct {
	ID            int64           `json:"id"`
	UUID          uuid.UUID       `json:"uuid"`
	Number        string          `json:"number"`
	FacilityID    int64           `json:"facility_id"`
	RequestedBy   int64           `json:"requested_by"`
	Priority      string          `json:"priority"`
	Justification string          `json:"justification"`
	Notes         string          `json:"notes,omitempty"`
	NeededBy      *time.Time      `json:"needed_by,omitempty"`
	Status        workflow.State  `json:"status"`
	Version       int64           `json:"version"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	Items         []RequestItem   `json:"items"`
}

// RequestItem is one line of a purchase request. QuantityApproved is zero
// until an approver sets it.
type RequestItem struct {
	ID                int64  `json:"id"`
	RequestID         int64  `json:"request_id"`
	ItemID            int64  `json:"item_id"`
	QuantityRequested int64  `json:"quantity_requested"`
	QuantityApproved  int64  `json:"quantity_approved"`
	Notes             string `json:"notes,omitempty"`
}

// PurchaseOrder is a commitment to a supplier, usually sourced from an
// approved request but also creatable directly.
type PurchaseOrder struct {
	ID               int64          `json:"id"`
	UUID             uuid.UUID      `json:"uuid"`
	Number           string         `json:"number"`
	FacilityID       int64          `json:"facility_id"`
	SupplierID       int64          `json:"supplier_id"`
	RequestID        *int64         `json:"request_id,omitempty"`
	CreatedBy        int64          `json:"created_by"`
	ExpectedDelivery *time.Time     `json:"expected_delivery,omitempty"`
	PaymentTerms     string         `json:"payment_terms,omitempty"`
	Notes            string         `json:"notes,omitempty"`
	Status           workflow.State `json:"status"`
	Version          int64          `json:"version"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	Items            []OrderItem    `json:"items"`
}

// OrderItem is one line of a purchase order. QuantityReceived accumulates
// accepted quantities from posted receipts only.
type OrderItem struct {
	ID               int64   `json:"id"`
	OrderID          int64   `json:"order_id"`
	ItemID           int64   `json:"item_id"`
	RequestItemID    *int64  `json:"request_item_id,omitempty"`
	QuantityOrdered  int64   `json:"quantity_ordered"`
	QuantityReceived int64   `json:"quantity_received"`
	UnitPrice        float64 `json:"unit_price"`
	DiscountPercent  float64 `json:"discount_percent"`
	TaxPercent       float64 `json:"tax_percent"`
}

// GoodsReceipt records a physical delivery, usually against a purchase order.
// OrderID is nil for direct receipts of ad-hoc supplies.
type GoodsReceipt struct {
	ID              int64          `json:"id"`
	UUID            uuid.UUID      `json:"uuid"`
	Number          string         `json:"number"`
	OrderID         *int64         `json:"order_id,omitempty"`
	FacilityID      int64          `json:"facility_id"`
	SupplierID      int64          `json:"supplier_id"`
	ReceivedBy      int64          `json:"received_by"`
	DeliveryNote    string         `json:"delivery_note,omitempty"`
	InvoiceNumber   string         `json:"invoice_number,omitempty"`
	InvoiceDate     *time.Time     `json:"invoice_date,omitempty"`
	InvoiceAmount   float64        `json:"invoice_amount,omitempty"`
	InspectionNotes string         `json:"inspection_notes,omitempty"`
	RejectionReason string         `json:"rejection_reason,omitempty"`
	Status          workflow.State `json:"status"`
	Version         int64          `json:"version"`
	ReceivedAt      time.Time      `json:"received_at"`
	PostedAt        *time.Time     `json:"posted_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	Items           []ReceiptItem  `json:"items"`
}

// ReceiptItem is one line of a goods receipt. QuantityExpected snapshots the
// outstanding quantity at receiving time; accepted/rejected quantities stay
// zero until inspection splits the received quantity. OrderItemID is nil on
// direct receipts.
type ReceiptItem struct {
	ID               int64      `json:"id"`
	ReceiptID        int64      `json:"receipt_id"`
	OrderItemID      *int64     `json:"order_item_id,omitempty"`
	ItemID           int64      `json:"item_id"`
	QuantityExpected int64      `json:"quantity_expected"`
	QuantityReceived int64      `json:"quantity_received"`
	QuantityAccepted int64      `json:"quantity_accepted"`
	QuantityRejected int64      `json:"quantity_rejected"`
	RejectionReason  string     `json:"rejection_reason,omitempty"`
	BatchNumber      string     `json:"batch_number,omitempty"`
	ExpiryDate       *time.Time `json:"expiry_date,omitempty"`
	UnitCost         float64    `json:"unit_cost"`
}

// Item lookup helpers. Lines are few per document, linear scan is fine.

func (pr *PurchaseRequest) Item(itemID int64) *RequestItem {
	for i := range pr.Items {
		if pr.Items[i].ItemID == itemID {
			return &pr.Items[i]
		}
	}
	return nil
}

func (po *PurchaseOrder) Item(itemID int64) *OrderItem {
	for i := range po.Items {
		if po.Items[i].ItemID == itemID {
			return &po.Items[i]
		}
	}
	return nil
}

func (po *PurchaseOrder) ItemByID(orderItemID int64) *OrderItem {
	for i := range po.Items {
		if po.Items[i].ID == orderItemID {
			return &po.Items[i]
		}
	}
	return nil
}

func (g *GoodsReceipt) Item(itemID int64) *ReceiptItem {
	for i := range g.Items {
		if g.Items[i].ItemID == itemID {
			return &g.Items[i]
		}
	}
	return nil
}

// Progress maps order lines into the reconciler's shape.
func (po *PurchaseOrder) Progress() []reconcile.OrderLineProgress {
	lines := make([]reconcile.OrderLineProgress, 0, len(po.Items))
	for _, it := range po.Items {
		lines = append(lines, reconcile.OrderLineProgress{Ordered: it.QuantityOrdered, Received: it.QuantityReceived})
	}
	return lines
}

// Totals derives the order's monetary totals from its lines.
func (po *PurchaseOrder) Totals() reconcile.OrderTotals {
	lines := make([]reconcile.OrderLine, 0, len(po.Items))
	for _, it := range po.Items {
		lines = append(lines, reconcile.OrderLine{
			Quantity:        it.QuantityOrdered,
			UnitPrice:       it.UnitPrice,
			DiscountPercent: it.DiscountPercent,
			TaxPercent:      it.TaxPercent,
		})
	}
	return reconcile.Totals(lines)
}

// CompletionPercent reports receipt progress against ordered quantities.
func (po *PurchaseOrder) CompletionPercent() float64 {
	return reconcile.CompletionPercent(po.Progress())
}

// Open reports whether the receipt still reserves order quantities: it has
// been neither posted nor rejected.
func (g *GoodsReceipt) Open() bool {
	return g.Status != workflow.ReceiptPosted && g.Status != workflow.ReceiptRejected
}

// Subtotal is the monetary value of everything received on the receipt.
func (g *GoodsReceipt) Subtotal() float64 {
	var total float64
	for _, it := range g.Items {
		total += it.UnitCost * float64(it.QuantityReceived)
	}
	return total
}

// AcceptedValue is the monetary value of the accepted quantities only. Zero
// until inspection.
func (g *GoodsReceipt) AcceptedValue() float64 {
	var total float64
	for _, it := range g.Items {
		total += it.UnitCost * float64(it.QuantityAccepted)
	}
	return total
}
