package suppliers

import (
	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type supplierRules struct {
	Code  string `validate:"required,max=32"`
	Name  string `validate:"required,max=255"`
	Email string `validate:"omitempty,email"`
}

func validateSupplier(s Supplier) error {
	return validate.Struct(supplierRules{Code: s.Code, Name: s.Name, Email: s.Email})
}
