package procurement

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

func checkInput(v any) error {
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

// CreateRequestInput opens a draft purchase request.
type CreateRequestInput struct {
	FacilityID    int64              `json:"facility_id" validate:"required,gt=0"`
	Priority      string             `json:"priority" validate:"omitempty,oneof=low normal high urgent"`
	Justification string             `json:"justification" validate:"required"`
	Notes         string             `json:"notes"`
	NeededBy      *time.Time         `json:"needed_by"`
	Items         []RequestItemInput `json:"items" validate:"required,min=1,dive"`
}

// RequestItemInput is one requested line.
type RequestItemInput struct {
	ItemID   int64  `json:"item_id" validate:"required,gt=0"`
	Quantity int64  `json:"quantity" validate:"required,gt=0"`
	Notes    string `json:"notes"`
}

// ApproveRequestInput approves a submitted request. Lines omitted from Items
// are approved at their requested quantity.
type ApproveRequestInput struct {
	Note  string              `json:"note"`
	Items []ItemApprovalInput `json:"items" validate:"omitempty,dive"`
}

// ItemApprovalInput overrides the approved quantity of one line. Zero means
// the line is not granted.
type ItemApprovalInput struct {
	ItemID           int64 `json:"item_id" validate:"required,gt=0"`
	QuantityApproved int64 `json:"quantity_approved" validate:"gte=0"`
}

// RejectInput carries the mandatory reason for a rejection.
type RejectInput struct {
	Reason string `json:"reason" validate:"required"`
}

// ItemPriceInput prices one item on an order sourced from a request.
type ItemPriceInput struct {
	ItemID          int64   `json:"item_id" validate:"required,gt=0"`
	UnitPrice       float64 `json:"unit_price" validate:"gte=0"`
	DiscountPercent float64 `json:"discount_percent" validate:"gte=0,lte=100"`
	TaxPercent      float64 `json:"tax_percent" validate:"gte=0,lte=100"`
}

// CreateOrderFromRequestInput converts the unordered remainder of an approved
// request into a draft order.
type CreateOrderFromRequestInput struct {
	RequestID        int64            `json:"request_id" validate:"required,gt=0"`
	SupplierID       int64            `json:"supplier_id" validate:"required,gt=0"`
	ExpectedDelivery *time.Time       `json:"expected_delivery"`
	PaymentTerms     string           `json:"payment_terms"`
	Notes            string           `json:"notes"`
	Prices           []ItemPriceInput `json:"item_prices" validate:"required,min=1,dive"`
}

// OrderItemInput is one line of a directly created order.
type OrderItemInput struct {
	ItemID          int64   `json:"item_id" validate:"required,gt=0"`
	Quantity        int64   `json:"quantity" validate:"required,gt=0"`
	UnitPrice       float64 `json:"unit_price" validate:"gte=0"`
	DiscountPercent float64 `json:"discount_percent" validate:"gte=0,lte=100"`
	TaxPercent      float64 `json:"tax_percent" validate:"gte=0,lte=100"`
}

// CreateOrderInput opens a draft order without a source request.
type CreateOrderInput struct {
	FacilityID       int64            `json:"facility_id" validate:"required,gt=0"`
	SupplierID       int64            `json:"supplier_id" validate:"required,gt=0"`
	ExpectedDelivery *time.Time       `json:"expected_delivery"`
	PaymentTerms     string           `json:"payment_terms"`
	Notes            string           `json:"notes"`
	Items            []OrderItemInput `json:"items" validate:"required,min=1,dive"`
}

// ReceiptLineInput records delivered quantity for one order line.
type ReceiptLineInput struct {
	ItemID      int64      `json:"item_id" validate:"required,gt=0"`
	Quantity    int64      `json:"quantity_received" validate:"required,gt=0"`
	BatchNumber string     `json:"batch_number"`
	ExpiryDate  *time.Time `json:"expiry_date"`
}

// CreateReceiptInput records a delivery against a sent or partial order.
type CreateReceiptInput struct {
	OrderID       int64              `json:"order_id" validate:"required,gt=0"`
	DeliveryNote  string             `json:"delivery_note"`
	InvoiceNumber string             `json:"invoice_number"`
	InvoiceDate   *time.Time         `json:"invoice_date"`
	InvoiceAmount float64            `json:"invoice_amount" validate:"gte=0"`
	Items         []ReceiptLineInput `json:"items" validate:"required,min=1,dive"`
}

// DirectReceiptLineInput records one delivered line not tied to an order, so
// the caller prices it.
type DirectReceiptLineInput struct {
	ItemID      int64      `json:"item_id" validate:"required,gt=0"`
	Quantity    int64      `json:"quantity_received" validate:"required,gt=0"`
	UnitCost    float64    `json:"unit_cost" validate:"gte=0"`
	BatchNumber string     `json:"batch_number"`
	ExpiryDate  *time.Time `json:"expiry_date"`
}

// CreateDirectReceiptInput records a delivery with no purchase order behind
// it, for ad-hoc supplies. Quantities are uncapped; inspection still gates
// posting to stock.
type CreateDirectReceiptInput struct {
	FacilityID    int64                    `json:"facility_id" validate:"required,gt=0"`
	SupplierID    int64                    `json:"supplier_id" validate:"required,gt=0"`
	DeliveryNote  string                   `json:"delivery_note"`
	InvoiceNumber string                   `json:"invoice_number"`
	InvoiceDate   *time.Time               `json:"invoice_date"`
	InvoiceAmount float64                  `json:"invoice_amount" validate:"gte=0"`
	Items         []DirectReceiptLineInput `json:"items" validate:"required,min=1,dive"`
}

// InspectionLineInput splits one received line into accepted and rejected.
type InspectionLineInput struct {
	ItemID           int64  `json:"item_id" validate:"required,gt=0"`
	QuantityAccepted int64  `json:"quantity_accepted" validate:"gte=0"`
	QuantityRejected int64  `json:"quantity_rejected" validate:"gte=0"`
	RejectionReason  string `json:"rejection_reason"`
}

// InspectReceiptInput inspects every line of a pending receipt.
type InspectReceiptInput struct {
	Notes string                `json:"inspection_notes"`
	Items []InspectionLineInput `json:"items" validate:"required,min=1,dive"`
}
