// Package credit converts a deposited weight into monetary credit.
package credit

import (
	"github.com/shopspring/decimal"

	"github.com/thiagosm89/lix-carbon/internal/domain"
)

var rates = map[domain.Category]decimal.Decimal{
	domain.CategoryRecyclable: decimal.RequireFromString("0.10"),
	domain.CategoryOrganic:    decimal.RequireFromString("0.05"),
}

// Rate returns the credit rate for a category.
func Rate(category domain.Category) (decimal.Decimal, error) {
	rate, ok := rates[category]
	if !ok {
		return decimal.Zero, domain.InvalidInputError{Field: "category", Reason: "unknown category " + string(category)}
	}
	return rate, nil
}

// Compute returns weight * rate(category).
func Compute(weight decimal.Decimal, category domain.Category) (decimal.Decimal, error) {
	if weight.IsNegative() {
		return decimal.Zero, domain.InvalidInputError{Field: "weight", Reason: "must not be negative"}
	}
	rate, err := Rate(category)
	if err != nil {
		return decimal.Zero, err
	}
	return weight.Mul(rate), nil
}
