package items

import (
	"time"
)

// Item is a stockable supply item (drugs, consumables, equipment).
type Item struct {
	ID           int64     `json:"id"`
	Code         string    `json:"code"`
	Name         string    `json:"name"`
	Description  string    `json:"description"`
	Category     string    `json:"category"`
	Unit         string    `json:"unit"`
	UnitCost     float64   `json:"unit_cost"`
	ReorderLevel int64     `json:"reorder_level"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
