package procurement

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-hms/meridian-hms/internal/platform/db"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so read queries are
// written once and usable inside and outside transactions.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Repository is the PostgreSQL backed Store.
type Repository struct {
	queries
	pool *pgxpool.Pool
}

// NewRepository constructs the repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{queries: queries{db: pool}, pool: pool}
}

type txStore struct {
	queries
}

// WithTx runs fn inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxStore) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txStore{queries: queries{db: tx}})
	})
}

type queries struct {
	db querier
}

// --- purchase requests ---

const requestColumns = `id, uuid, number, facility_id, requested_by, priority, justification, notes, needed_by, status, version, created_at, updated_at`

func (q queries) GetRequest(ctx context.Context, id int64) (PurchaseRequest, error) {
	row := q.db.QueryRow(ctx, `SELECT `+requestColumns+` FROM purchase_requests WHERE id=$1`, id)
	pr, err := scanRequest(row)
	if err != nil {
		return PurchaseRequest{}, mapNoRows(err)
	}
	rows, err := q.db.Query(ctx,
		`SELECT id, request_id, item_id, quantity_requested, quantity_approved, notes
		   FROM purchase_request_items WHERE request_id=$1 ORDER BY id`, id)
	if err != nil {
		return PurchaseRequest{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var it RequestItem
		if err := rows.Scan(&it.ID, &it.RequestID, &it.ItemID, &it.QuantityRequested, &it.QuantityApproved, &it.Notes); err != nil {
			return PurchaseRequest{}, err
		}
		pr.Items = append(pr.Items, it)
	}
	return pr, rows.Err()
}

func (q queries) CreateRequest(ctx context.Context, pr *PurchaseRequest) error {
	number, err := q.nextNumber(ctx, "PR", "purchase_request_number_seq")
	if err != nil {
		return err
	}
	pr.Number = number
	err = q.db.QueryRow(ctx,
		`INSERT INTO purchase_requests (uuid, number, facility_id, requested_by, priority, justification, notes, needed_by, status, version, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$11) RETURNING id`,
		pr.UUID, pr.Number, pr.FacilityID, pr.RequestedBy, pr.Priority, pr.Justification,
		pr.Notes, pr.NeededBy, pr.Status, pr.Version, pr.CreatedAt).Scan(&pr.ID)
	if err != nil {
		return err
	}
	for i := range pr.Items {
		it := &pr.Items[i]
		it.RequestID = pr.ID
		if err := q.db.QueryRow(ctx,
			`INSERT INTO purchase_request_items (request_id, item_id, quantity_requested, quantity_approved, notes)
			 VALUES ($1,$2,$3,$4,$5) RETURNING id`,
			it.RequestID, it.ItemID, it.QuantityRequested, it.QuantityApproved, it.Notes).Scan(&it.ID); err != nil {
			return err
		}
	}
	return nil
}

func (q queries) UpdateRequest(ctx context.Context, pr *PurchaseRequest, expectedVersion int64) error {
	tag, err := q.db.Exec(ctx,
		`UPDATE purchase_requests
		    SET priority=$1, justification=$2, notes=$3, needed_by=$4, status=$5,
		        version=version+1, updated_at=$6
		  WHERE id=$7 AND version=$8`,
		pr.Priority, pr.Justification, pr.Notes, pr.NeededBy, pr.Status,
		pr.UpdatedAt, pr.ID, expectedVersion)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	pr.Version = expectedVersion + 1

	keep := make([]int64, 0, len(pr.Items))
	for _, it := range pr.Items {
		if it.ID != 0 {
			keep = append(keep, it.ID)
		}
	}
	if _, err := q.db.Exec(ctx,
		`DELETE FROM purchase_request_items WHERE request_id=$1 AND NOT (id = ANY($2))`,
		pr.ID, keep); err != nil {
		return err
	}
	for i := range pr.Items {
		it := &pr.Items[i]
		it.RequestID = pr.ID
		if it.ID == 0 {
			if err := q.db.QueryRow(ctx,
				`INSERT INTO purchase_request_items (request_id, item_id, quantity_requested, quantity_approved, notes)
				 VALUES ($1,$2,$3,$4,$5) RETURNING id`,
				it.RequestID, it.ItemID, it.QuantityRequested, it.QuantityApproved, it.Notes).Scan(&it.ID); err != nil {
				return err
			}
			continue
		}
		if _, err := q.db.Exec(ctx,
			`UPDATE purchase_request_items SET quantity_requested=$1, quantity_approved=$2, notes=$3 WHERE id=$4`,
			it.QuantityRequested, it.QuantityApproved, it.Notes, it.ID); err != nil {
			return err
		}
	}
	return nil
}

// --- purchase orders ---

const orderColumns = `id, uuid, number, facility_id, supplier_id, request_id, created_by, expected_delivery, payment_terms, notes, status, version, created_at, updated_at`

func (q queries) GetOrder(ctx context.Context, id int64) (PurchaseOrder, error) {
	row := q.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM purchase_orders WHERE id=$1`, id)
	po, err := scanOrder(row)
	if err != nil {
		return PurchaseOrder{}, mapNoRows(err)
	}
	rows, err := q.db.Query(ctx,
		`SELECT id, order_id, item_id, request_item_id, quantity_ordered, quantity_received, unit_price, discount_percent, tax_percent
		   FROM purchase_order_items WHERE order_id=$1 ORDER BY id`, id)
	if err != nil {
		return PurchaseOrder{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var it OrderItem
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ItemID, &it.RequestItemID,
			&it.QuantityOrdered, &it.QuantityReceived, &it.UnitPrice, &it.DiscountPercent, &it.TaxPercent); err != nil {
			return PurchaseOrder{}, err
		}
		po.Items = append(po.Items, it)
	}
	return po, rows.Err()
}

func (q queries) CreateOrder(ctx context.Context, po *PurchaseOrder) error {
	number, err := q.nextNumber(ctx, "PO", "purchase_order_number_seq")
	if err != nil {
		return err
	}
	po.Number = number
	err = q.db.QueryRow(ctx,
		`INSERT INTO purchase_orders (uuid, number, facility_id, supplier_id, request_id, created_by, expected_delivery, payment_terms, notes, status, version, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$12) RETURNING id`,
		po.UUID, po.Number, po.FacilityID, po.SupplierID, po.RequestID, po.CreatedBy,
		po.ExpectedDelivery, po.PaymentTerms, po.Notes, po.Status, po.Version, po.CreatedAt).Scan(&po.ID)
	if err != nil {
		return err
	}
	for i := range po.Items {
		it := &po.Items[i]
		it.OrderID = po.ID
		if err := q.db.QueryRow(ctx,
			`INSERT INTO purchase_order_items (order_id, item_id, request_item_id, quantity_ordered, quantity_received, unit_price, discount_percent, tax_percent)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8) RETURNING id`,
			it.OrderID, it.ItemID, it.RequestItemID, it.QuantityOrdered, it.QuantityReceived,
			it.UnitPrice, it.DiscountPercent, it.TaxPercent).Scan(&it.ID); err != nil {
			return err
		}
	}
	return nil
}

// UpdateOrder writes the header and per-line received quantities. Order lines
// are immutable after creation apart from quantity_received.
func (q queries) UpdateOrder(ctx context.Context, po *PurchaseOrder, expectedVersion int64) error {
	tag, err := q.db.Exec(ctx,
		`UPDATE purchase_orders
		    SET expected_delivery=$1, payment_terms=$2, notes=$3, status=$4,
		        version=version+1, updated_at=$5
		  WHERE id=$6 AND version=$7`,
		po.ExpectedDelivery, po.PaymentTerms, po.Notes, po.Status,
		po.UpdatedAt, po.ID, expectedVersion)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	po.Version = expectedVersion + 1
	for _, it := range po.Items {
		if _, err := q.db.Exec(ctx,
			`UPDATE purchase_order_items SET quantity_received=$1 WHERE id=$2`,
			it.QuantityReceived, it.ID); err != nil {
			return err
		}
	}
	return nil
}

// --- goods receipts ---

const receiptColumns = `id, uuid, number, order_id, facility_id, supplier_id, received_by, delivery_note, invoice_number, invoice_date, invoice_amount, inspection_notes, rejection_reason, status, version, received_at, posted_at, created_at, updated_at`

func (q queries) GetReceipt(ctx context.Context, id int64) (GoodsReceipt, error) {
	row := q.db.QueryRow(ctx, `SELECT `+receiptColumns+` FROM goods_receipts WHERE id=$1`, id)
	grn, err := scanReceipt(row)
	if err != nil {
		return GoodsReceipt{}, mapNoRows(err)
	}
	rows, err := q.db.Query(ctx,
		`SELECT id, receipt_id, order_item_id, item_id, quantity_expected, quantity_received, quantity_accepted, quantity_rejected, rejection_reason, batch_number, expiry_date, unit_cost
		   FROM goods_receipt_items WHERE receipt_id=$1 ORDER BY id`, id)
	if err != nil {
		return GoodsReceipt{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var it ReceiptItem
		if err := rows.Scan(&it.ID, &it.ReceiptID, &it.OrderItemID, &it.ItemID,
			&it.QuantityExpected, &it.QuantityReceived, &it.QuantityAccepted, &it.QuantityRejected,
			&it.RejectionReason, &it.BatchNumber, &it.ExpiryDate, &it.UnitCost); err != nil {
			return GoodsReceipt{}, err
		}
		grn.Items = append(grn.Items, it)
	}
	return grn, rows.Err()
}

func (q queries) CreateReceipt(ctx context.Context, grn *GoodsReceipt) error {
	number, err := q.nextNumber(ctx, "GRN", "goods_receipt_number_seq")
	if err != nil {
		return err
	}
	grn.Number = number
	err = q.db.QueryRow(ctx,
		`INSERT INTO goods_receipts (uuid, number, order_id, facility_id, supplier_id, received_by, delivery_note, invoice_number, invoice_date, invoice_amount, inspection_notes, rejection_reason, status, version, received_at, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$16) RETURNING id`,
		grn.UUID, grn.Number, grn.OrderID, grn.FacilityID, grn.SupplierID, grn.ReceivedBy,
		grn.DeliveryNote, grn.InvoiceNumber, grn.InvoiceDate, grn.InvoiceAmount,
		grn.InspectionNotes, grn.RejectionReason,
		grn.Status, grn.Version, grn.ReceivedAt, grn.CreatedAt).Scan(&grn.ID)
	if err != nil {
		return err
	}
	for i := range grn.Items {
		it := &grn.Items[i]
		it.ReceiptID = grn.ID
		if err := q.db.QueryRow(ctx,
			`INSERT INTO goods_receipt_items (receipt_id, order_item_id, item_id, quantity_expected, quantity_received, quantity_accepted, quantity_rejected, rejection_reason, batch_number, expiry_date, unit_cost)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11) RETURNING id`,
			it.ReceiptID, it.OrderItemID, it.ItemID, it.QuantityExpected, it.QuantityReceived,
			it.QuantityAccepted, it.QuantityRejected, it.RejectionReason, it.BatchNumber, it.ExpiryDate, it.UnitCost).Scan(&it.ID); err != nil {
			return err
		}
	}
	return nil
}

// UpdateReceipt writes the header and the inspection split per line.
func (q queries) UpdateReceipt(ctx context.Context, grn *GoodsReceipt, expectedVersion int64) error {
	tag, err := q.db.Exec(ctx,
		`UPDATE goods_receipts
		    SET delivery_note=$1, invoice_number=$2, invoice_date=$3, invoice_amount=$4,
		        inspection_notes=$5, rejection_reason=$6,
		        status=$7, posted_at=$8, version=version+1, updated_at=$9
		  WHERE id=$10 AND version=$11`,
		grn.DeliveryNote, grn.InvoiceNumber, grn.InvoiceDate, grn.InvoiceAmount,
		grn.InspectionNotes, grn.RejectionReason,
		grn.Status, grn.PostedAt, grn.UpdatedAt, grn.ID, expectedVersion)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	grn.Version = expectedVersion + 1
	for _, it := range grn.Items {
		if _, err := q.db.Exec(ctx,
			`UPDATE goods_receipt_items SET quantity_accepted=$1, quantity_rejected=$2, rejection_reason=$3 WHERE id=$4`,
			it.QuantityAccepted, it.QuantityRejected, it.RejectionReason, it.ID); err != nil {
			return err
		}
	}
	return nil
}

// --- reconciliation reads ---

func (q queries) OrderedByRequestItem(ctx context.Context, requestID int64) (map[int64]int64, error) {
	rows, err := q.db.Query(ctx,
		`SELECT oi.request_item_id, COALESCE(SUM(oi.quantity_ordered), 0)
		   FROM purchase_order_items oi
		   JOIN purchase_orders po ON po.id = oi.order_id
		  WHERE po.request_id = $1 AND po.status <> 'cancelled' AND oi.request_item_id IS NOT NULL
		  GROUP BY oi.request_item_id`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanQuantityMap(rows)
}

func (q queries) OpenReceivedByOrderItem(ctx context.Context, orderID int64) (map[int64]int64, error) {
	rows, err := q.db.Query(ctx,
		`SELECT gi.order_item_id, COALESCE(SUM(gi.quantity_received), 0)
		   FROM goods_receipt_items gi
		   JOIN goods_receipts g ON g.id = gi.receipt_id
		  WHERE g.order_id = $1 AND g.status NOT IN ('posted', 'rejected')
		  GROUP BY gi.order_item_id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanQuantityMap(rows)
}

// --- listings ---

// ListRequests returns request headers without lines.
func (r *Repository) ListRequests(ctx context.Context, filters ListFilters) ([]PurchaseRequest, int, error) {
	where, args := buildWhere(filters, map[string]string{
		"facility": "facility_id", "status": "status", "search": "number ILIKE ? OR justification ILIKE ?",
	})
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM purchase_requests`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	query := `SELECT ` + requestColumns + ` FROM purchase_requests` + where +
		` ORDER BY ` + documentSort(filters.SortBy, filters.SortDir) + pageClause(filters, &args)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var list []PurchaseRequest
	for rows.Next() {
		pr, err := scanRequest(rows)
		if err != nil {
			return nil, 0, err
		}
		list = append(list, pr)
	}
	return list, total, rows.Err()
}

// ListOrders returns order headers without lines.
func (r *Repository) ListOrders(ctx context.Context, filters ListFilters) ([]PurchaseOrder, int, error) {
	where, args := buildWhere(filters, map[string]string{
		"facility": "facility_id", "supplier": "supplier_id", "status": "status", "search": "number ILIKE ?",
	})
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM purchase_orders`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	query := `SELECT ` + orderColumns + ` FROM purchase_orders` + where +
		` ORDER BY ` + documentSort(filters.SortBy, filters.SortDir) + pageClause(filters, &args)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var list []PurchaseOrder
	for rows.Next() {
		po, err := scanOrder(rows)
		if err != nil {
			return nil, 0, err
		}
		list = append(list, po)
	}
	return list, total, rows.Err()
}

// ListReceipts returns receipt headers without lines.
func (r *Repository) ListReceipts(ctx context.Context, filters ListFilters) ([]GoodsReceipt, int, error) {
	where, args := buildWhere(filters, map[string]string{
		"facility": "facility_id", "supplier": "supplier_id", "order": "order_id", "status": "status", "search": "number ILIKE ?",
	})
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM goods_receipts`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	query := `SELECT ` + receiptColumns + ` FROM goods_receipts` + where +
		` ORDER BY ` + documentSort(filters.SortBy, filters.SortDir) + pageClause(filters, &args)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var list []GoodsReceipt
	for rows.Next() {
		grn, err := scanReceipt(rows)
		if err != nil {
			return nil, 0, err
		}
		list = append(list, grn)
	}
	return list, total, rows.Err()
}

// Dashboard aggregates the facility's open work.
func (r *Repository) Dashboard(ctx context.Context, facilityID int64) (DashboardSummary, error) {
	var d DashboardSummary
	err := r.pool.QueryRow(ctx, `
		SELECT
		  (SELECT COUNT(*) FROM purchase_requests WHERE facility_id=$1 AND status='submitted'),
		  (SELECT COUNT(*) FROM purchase_orders WHERE facility_id=$1 AND status IN ('sent','partial')),
		  (SELECT COUNT(*) FROM goods_receipts WHERE facility_id=$1 AND status='pending'),
		  (SELECT COUNT(*) FROM goods_receipts WHERE facility_id=$1 AND status='approved'),
		  (SELECT COALESCE(SUM(oi.quantity_ordered * oi.unit_price * (1 - oi.discount_percent/100) * (1 + oi.tax_percent/100)), 0)
		     FROM purchase_order_items oi
		     JOIN purchase_orders po ON po.id = oi.order_id
		    WHERE po.facility_id=$1 AND po.status <> 'cancelled'
		      AND date_trunc('month', po.created_at) = date_trunc('month', NOW()))`,
		facilityID).Scan(&d.PendingRequests, &d.OpenOrders, &d.ReceiptsToInspect, &d.ReceiptsToPost, &d.MonthOrderedValue)
	return d, err
}

// --- helpers ---

func (q queries) nextNumber(ctx context.Context, prefix, sequence string) (string, error) {
	var n int64
	if err := q.db.QueryRow(ctx, `SELECT nextval($1)`, sequence).Scan(&n); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%d-%05d", prefix, time.Now().Year(), n), nil
}

func scanRequest(row pgx.Row) (PurchaseRequest, error) {
	var pr PurchaseRequest
	err := row.Scan(&pr.ID, &pr.UUID, &pr.Number, &pr.FacilityID, &pr.RequestedBy,
		&pr.Priority, &pr.Justification, &pr.Notes, &pr.NeededBy, &pr.Status,
		&pr.Version, &pr.CreatedAt, &pr.UpdatedAt)
	return pr, err
}

func scanOrder(row pgx.Row) (PurchaseOrder, error) {
	var po PurchaseOrder
	err := row.Scan(&po.ID, &po.UUID, &po.Number, &po.FacilityID, &po.SupplierID,
		&po.RequestID, &po.CreatedBy, &po.ExpectedDelivery, &po.PaymentTerms, &po.Notes,
		&po.Status, &po.Version, &po.CreatedAt, &po.UpdatedAt)
	return po, err
}

func scanReceipt(row pgx.Row) (GoodsReceipt, error) {
	var grn GoodsReceipt
	err := row.Scan(&grn.ID, &grn.UUID, &grn.Number, &grn.OrderID, &grn.FacilityID,
		&grn.SupplierID, &grn.ReceivedBy, &grn.DeliveryNote, &grn.InvoiceNumber,
		&grn.InvoiceDate, &grn.InvoiceAmount,
		&grn.InspectionNotes, &grn.RejectionReason, &grn.Status, &grn.Version,
		&grn.ReceivedAt, &grn.PostedAt, &grn.CreatedAt, &grn.UpdatedAt)
	return grn, err
}

func scanQuantityMap(rows pgx.Rows) (map[int64]int64, error) {
	result := make(map[int64]int64)
	for rows.Next() {
		var id, qty int64
		if err := rows.Scan(&id, &qty); err != nil {
			return nil, err
		}
		result[id] = qty
	}
	return result, rows.Err()
}

func mapNoRows(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// buildWhere assembles a WHERE clause from the filters the caller set. The
// columns map names which filters apply to the table at hand.
func buildWhere(filters ListFilters, columns map[string]string) (string, []any) {
	clause := ""
	args := []any{}
	add := func(condition string, value any) {
		args = append(args, value)
		placeholder := "$" + strconv.Itoa(len(args))
		if clause == "" {
			clause = " WHERE "
		} else {
			clause += " AND "
		}
		clause += replacePlaceholder(condition, placeholder)
	}
	if col, ok := columns["facility"]; ok && filters.FacilityID > 0 {
		add(col+" = ?", filters.FacilityID)
	}
	if col, ok := columns["supplier"]; ok && filters.SupplierID > 0 {
		add(col+" = ?", filters.SupplierID)
	}
	if col, ok := columns["order"]; ok && filters.OrderID > 0 {
		add(col+" = ?", filters.OrderID)
	}
	if col, ok := columns["status"]; ok && filters.Status != "" {
		add(col+" = ?", filters.Status)
	}
	if cond, ok := columns["search"]; ok && filters.Search != "" {
		add("("+cond+")", "%"+filters.Search+"%")
	}
	return clause, args
}

// replacePlaceholder substitutes every ? with the same numbered placeholder,
// so a search condition can match several columns with one argument.
func replacePlaceholder(condition, placeholder string) string {
	out := ""
	for _, ch := range condition {
		if ch == '?' {
			out += placeholder
		} else {
			out += string(ch)
		}
	}
	return out
}

func pageClause(filters ListFilters, args *[]any) string {
	*args = append(*args, filters.Limit)
	limit := " LIMIT $" + strconv.Itoa(len(*args))
	offset := (filters.Page - 1) * filters.Limit
	if offset < 0 {
		offset = 0
	}
	*args = append(*args, offset)
	return limit + " OFFSET $" + strconv.Itoa(len(*args))
}

func documentSort(sortBy, sortDir string) string {
	dir := "DESC"
	if sortDir == "asc" {
		dir = "ASC"
	}
	switch sortBy {
	case "number":
		return "number " + dir
	case "status":
		return "status " + dir
	case "updated_at":
		return "updated_at " + dir
	default:
		return "created_at " + dir
	}
}
