package inventory

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists stock ledger entries.
type Repository interface {
	MissingItems(ctx context.Context, itemIDs []int64) ([]int64, error)
	InsertEntries(ctx context.Context, entries []StockEntry) error
	OnHand(ctx context.Context, facilityID, itemID int64) (int64, error)
}

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL backed stock repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{pool: pool}
}

// MissingItems returns the subset of itemIDs with no active item row.
func (r *repository) MissingItems(ctx context.Context, itemIDs []int64) ([]int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT wanted.id
		   FROM unnest($1::bigint[]) AS wanted(id)
		  WHERE NOT EXISTS (SELECT 1 FROM items i WHERE i.id = wanted.id AND i.active)`,
		itemIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var missing []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		missing = append(missing, id)
	}
	return missing, rows.Err()
}

func (r *repository) InsertEntries(ctx context.Context, entries []StockEntry) error {
	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(
			`INSERT INTO stock_entries (item_id, facility_id, quantity, unit_cost, batch_number, expiry_date, reference, created_at)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			e.ItemID, e.FacilityID, e.Quantity, e.UnitCost, nullIfEmpty(e.BatchNumber), e.ExpiryDate, e.Reference, e.CreatedAt)
	}
	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range entries {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

func (r *repository) OnHand(ctx context.Context, facilityID, itemID int64) (int64, error) {
	var qty int64
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(quantity), 0) FROM stock_entries WHERE facility_id=$1 AND item_id=$2`,
		facilityID, itemID).Scan(&qty)
	return qty, err
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
