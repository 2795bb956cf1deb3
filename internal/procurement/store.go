package procurement

import (
	"context"

	"github.com/meridian-hms/meridian-hms/internal/shared"
)

// Reader is the read surface shared by the pooled store and transactions.
type Reader interface {
	GetRequest(ctx context.Context, id int64) (PurchaseRequest, error)
	GetOrder(ctx context.Context, id int64) (PurchaseOrder, error)
	GetReceipt(ctx context.Context, id int64) (GoodsReceipt, error)

	// OrderedByRequestItem sums quantities already placed on orders, keyed by
	// request item ID.
	OrderedByRequestItem(ctx context.Context, requestID int64) (map[int64]int64, error)
	// OpenReceivedByOrderItem sums received quantities on receipts that are
	// neither posted nor rejected, keyed by order item ID.
	OpenReceivedByOrderItem(ctx context.Context, orderID int64) (map[int64]int64, error)
}

// TxStore is the write surface, only reachable inside WithTx. Updates check
// the expected version and fail with ErrVersionConflict on a stale read.
type TxStore interface {
	Reader

	CreateRequest(ctx context.Context, pr *PurchaseRequest) error
	UpdateRequest(ctx context.Context, pr *PurchaseRequest, expectedVersion int64) error
	CreateOrder(ctx context.Context, po *PurchaseOrder) error
	UpdateOrder(ctx context.Context, po *PurchaseOrder, expectedVersion int64) error
	CreateReceipt(ctx context.Context, grn *GoodsReceipt) error
	UpdateReceipt(ctx context.Context, grn *GoodsReceipt, expectedVersion int64) error
}

// Store is the repository contract the managers depend on.
type Store interface {
	Reader

	WithTx(ctx context.Context, fn func(context.Context, TxStore) error) error

	ListRequests(ctx context.Context, filters ListFilters) ([]PurchaseRequest, int, error)
	ListOrders(ctx context.Context, filters ListFilters) ([]PurchaseOrder, int, error)
	ListReceipts(ctx context.Context, filters ListFilters) ([]GoodsReceipt, int, error)
	Dashboard(ctx context.Context, facilityID int64) (DashboardSummary, error)
}

// ListFilters narrows list queries. Zero values mean "no filter".
type ListFilters struct {
	Page       int
	Limit      int
	FacilityID int64
	SupplierID int64
	OrderID    int64
	Status     string
	Search     string
	SortBy     string
	SortDir    string
}

// Normalize clamps paging to sane bounds.
func (f ListFilters) Normalize() ListFilters {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit < 1 || f.Limit > 100 {
		f.Limit = shared.DefaultPerPage
	}
	return f
}

// DashboardSummary is the back-office landing snapshot for a facility.
type DashboardSummary struct {
	PendingRequests   int     `json:"pending_requests"`
	OpenOrders        int     `json:"open_orders"`
	ReceiptsToInspect int     `json:"receipts_to_inspect"`
	ReceiptsToPost    int     `json:"receipts_to_post"`
	MonthOrderedValue float64 `json:"month_ordered_value"`
}
