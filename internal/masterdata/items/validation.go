package items

import (
	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type itemRules struct {
	Code         string  `validate:"required,max=32"`
	Name         string  `validate:"required,max=255"`
	Unit         string  `validate:"required,max=32"`
	UnitCost     float64 `validate:"gte=0"`
	ReorderLevel int64   `validate:"gte=0"`
}

func validateItem(i Item) error {
	return validate.Struct(itemRules{
		Code:         i.Code,
		Name:         i.Name,
		Unit:         i.Unit,
		UnitCost:     i.UnitCost,
		ReorderLevel: i.ReorderLevel,
	})
}
