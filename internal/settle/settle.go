// Package settle holds the pure arithmetic of lot formation and payout distribution.
package settle

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/thiagosm89/lix-carbon/internal/domain"
)

// CentPlaces is the number of decimal places a payout share is cut to.
const CentPlaces = 2

// DefaultCompanySharePercent applies when a lot carries no explicit percentage.
var DefaultCompanySharePercent = decimal.NewFromInt(20)

var hundred = decimal.NewFromInt(100)

// SelectOldestFirst takes the longest prefix of records whose weights fit under ceiling.
// records must already be ordered oldest first. When the first record alone exceeds the
// ceiling it is still selected, so a non-empty input always yields a non-empty lot.
func SelectOldestFirst(records []domain.WasteRecord, ceiling decimal.Decimal) ([]domain.WasteRecord, decimal.Decimal) {
	used := decimal.Zero
	var selected []domain.WasteRecord
	for _, r := range records {
		if used.Add(r.Weight).LessThanOrEqual(ceiling) {
			selected = append(selected, r)
			used = used.Add(r.Weight)
			continue
		}
		if len(selected) == 0 {
			selected = append(selected, r)
			used = used.Add(r.Weight)
		}
		break
	}
	return selected, used
}

// Share is one record's part of a lot payment.
type Share struct {
	RecordID string          `json:"record_id"`
	OwnerID  string          `json:"owner_id"`
	Weight   decimal.Decimal `json:"weight"`
	Amount   decimal.Decimal `json:"amount"`
}

// Distribution is the split of a validator payment.
type Distribution struct {
	AmountPaid          decimal.Decimal `json:"amount_paid"`
	CompanySharePercent decimal.Decimal `json:"company_share_percent"`
	CompanyShare        decimal.Decimal `json:"company_share"`
	ToDistribute        decimal.Decimal `json:"to_distribute"`
	Shares              []Share         `json:"shares"`
}

// Sum adds up the member shares.
func (d Distribution) Sum() decimal.Decimal {
	total := decimal.Zero
	for _, s := range d.Shares {
		total = total.Add(s.Amount)
	}
	return total
}

// Distribute splits amountPaid between the platform and the lot members in proportion to weight.
// Every share but the last is truncated to cents; the last member absorbs the remainder so the
// shares always sum to exactly ToDistribute.
func Distribute(amountPaid, companySharePercent, weightUsed decimal.Decimal, members []domain.WasteRecord) (Distribution, error) {
	if !amountPaid.IsPositive() {
		return Distribution{}, domain.InvalidInputError{Field: "amount_paid", Reason: "must be greater than zero"}
	}
	if companySharePercent.IsNegative() || companySharePercent.GreaterThanOrEqual(hundred) {
		return Distribution{}, domain.InvalidInputError{Field: "company_share_percent", Reason: "must be in [0, 100)"}
	}
	if len(members) == 0 {
		return Distribution{}, fmt.Errorf("lot has no member records")
	}
	if !weightUsed.IsPositive() {
		return Distribution{}, fmt.Errorf("lot weight %s is not positive", weightUsed)
	}
	memberWeight := decimal.Zero
	for _, m := range members {
		memberWeight = memberWeight.Add(m.Weight)
	}
	if !memberWeight.Equal(weightUsed) {
		return Distribution{}, fmt.Errorf("lot weight %s does not match member weight %s", weightUsed, memberWeight)
	}

	companyShare := amountPaid.Mul(companySharePercent).Div(hundred)
	toDistribute := amountPaid.Sub(companyShare)
	d := Distribution{
		AmountPaid:          amountPaid,
		CompanySharePercent: companySharePercent,
		CompanyShare:        companyShare,
		ToDistribute:        toDistribute,
		Shares:              make([]Share, 0, len(members)),
	}
	allocated := decimal.Zero
	for i, m := range members {
		var amount decimal.Decimal
		if i == len(members)-1 {
			amount = toDistribute.Sub(allocated)
		} else {
			amount = toDistribute.Mul(m.Weight).Div(weightUsed).Truncate(CentPlaces)
			allocated = allocated.Add(amount)
		}
		d.Shares = append(d.Shares, Share{RecordID: m.ID, OwnerID: m.OwnerID, Weight: m.Weight, Amount: amount})
	}
	return d, nil
}

// Tolerance is the rounding slack allowed between a lot's shares and its distributed amount.
func Tolerance(recordCount int) decimal.Decimal {
	return decimal.New(1, -CentPlaces).Mul(decimal.NewFromInt(int64(recordCount)))
}
