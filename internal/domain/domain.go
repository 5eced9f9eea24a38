package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TimeLayout is fixed width so that lexical order of stored timestamps is chronological order.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// FormatTime renders t in UTC using TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

type Category string

const (
	CategoryRecyclable Category = "RECICLAVEL"
	CategoryOrganic    Category = "ORGANICO"
)

// Categories lists every accepted category.
var Categories = []Category{CategoryRecyclable, CategoryOrganic}

func (c Category) Valid() bool {
	switch c {
	case CategoryRecyclable, CategoryOrganic:
		return true
	}
	return false
}

type Token struct {
	Code       string          `json:"code"`
	Category   Category        `json:"category"`
	Weight     decimal.Decimal `json:"weight"`
	Redeemed   bool            `json:"redeemed"`
	IssuedAt   string          `json:"issued_at"`
	RedeemedAt *string         `json:"redeemed_at,omitempty"`
	RedeemedBy *string         `json:"redeemed_by,omitempty"`
}

type WasteRecord struct {
	ID                 string          `json:"id"`
	OwnerID            string          `json:"owner_id"`
	TokenCode          string          `json:"token_code"`
	Category           Category        `json:"category"`
	Weight             decimal.Decimal `json:"weight"`
	Credit             decimal.Decimal `json:"credit"`
	LotID              *string         `json:"lot_id,omitempty"`
	ProportionalPayout decimal.Decimal `json:"proportional_payout"`
	Status             RecordStatus    `json:"status"`
	CreatedAt          string          `json:"created_at"`
	ValidatedAt        string          `json:"validated_at"`
	PaymentRequestedAt *string         `json:"payment_requested_at,omitempty"`
	PaidAt             *string         `json:"paid_at,omitempty"`
}

type Lot struct {
	ID                  string          `json:"id"`
	WeightCeiling       decimal.Decimal `json:"weight_ceiling"`
	WeightUsed          decimal.Decimal `json:"weight_used"`
	RecordCount         int             `json:"record_count"`
	AmountPaid          decimal.Decimal `json:"amount_paid"`
	CompanySharePercent decimal.Decimal `json:"company_share_percent"`
	AmountDistributed   decimal.Decimal `json:"amount_distributed"`
	Status              LotStatus       `json:"status"`
	CreatedAt           string          `json:"created_at"`
	PaidAt              *string         `json:"paid_at,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload"`
}

type APIKey struct {
	ID        string   `json:"id"`
	ActorID   string   `json:"actor_id"`
	Name      string   `json:"name,omitempty"`
	Roles     []string `json:"roles"`
	KeyHash   string   `json:"-"`
	CreatedAt string   `json:"created_at"`
}
