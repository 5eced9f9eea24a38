package server

import (
	"encoding/json"

	"github.com/shopspring/decimal"

	"github.com/thiagosm89/lix-carbon/internal/domain"
	"github.com/thiagosm89/lix-carbon/internal/engine"
	"github.com/thiagosm89/lix-carbon/internal/settle"
)

// Amounts and weights travel as decimal strings so no precision is lost in JSON numbers.

// Request payloads

type IssueTokenRequest struct {
	Code     string `json:"code" pattern:"^[0-9]{6}$" example:"789012"`
	Category string `json:"category" enum:"RECICLAVEL,ORGANICO"`
	Weight   string `json:"weight" example:"180.0"`
}

type RedeemRequest struct {
	Code string `json:"code" example:"789012"`
}

type CreateLotRequest struct {
	WeightCeiling string `json:"weight_ceiling" example:"1000"`
}

type SettleLotRequest struct {
	AmountPaid string `json:"amount_paid" example:"100.00"`
}

type ProcessPaymentsRequest struct {
	RecordIDs []string `json:"record_ids"`
}

// Responses

type TokenResponse struct {
	Code       string `json:"code"`
	Category   string `json:"category"`
	Weight     string `json:"weight"`
	Redeemed   bool   `json:"redeemed"`
	IssuedAt   string `json:"issued_at"`
	RedeemedAt string `json:"redeemed_at,omitempty"`
	RedeemedBy string `json:"redeemed_by,omitempty"`
}

type RecordResponse struct {
	ID                 string `json:"id"`
	OwnerID            string `json:"owner_id"`
	TokenCode          string `json:"token_code"`
	Category           string `json:"category"`
	Weight             string `json:"weight"`
	Credit             string `json:"credit"`
	LotID              string `json:"lot_id,omitempty"`
	ProportionalPayout string `json:"proportional_payout"`
	Status             string `json:"status" enum:"VALIDADO,ENVIADO_VALIDADORA,LIBERADO_PAGAMENTO,PAGO"`
	CreatedAt          string `json:"created_at"`
	ValidatedAt        string `json:"validated_at"`
	PaymentRequestedAt string `json:"payment_requested_at,omitempty"`
	PaidAt             string `json:"paid_at,omitempty"`
}

type LotResponse struct {
	ID                  string `json:"id"`
	WeightCeiling       string `json:"weight_ceiling"`
	WeightUsed          string `json:"weight_used"`
	RecordCount         int    `json:"record_count"`
	AmountPaid          string `json:"amount_paid"`
	CompanySharePercent string `json:"company_share_percent"`
	AmountDistributed   string `json:"amount_distributed"`
	Status              string `json:"status" enum:"PENDENTE_VALIDADORA,PAGO_VALIDADORA"`
	CreatedAt           string `json:"created_at"`
	PaidAt              string `json:"paid_at,omitempty"`
}

type LotDetailResponse struct {
	Lot     LotResponse      `json:"lot"`
	Records []RecordResponse `json:"records"`
}

type LotStatsResponse struct {
	Total       int    `json:"total"`
	Pending     int    `json:"pending"`
	Paid        int    `json:"paid"`
	TotalWeight string `json:"total_weight"`
	TotalValue  string `json:"total_value"`
}

type ShareResponse struct {
	RecordID string `json:"record_id"`
	OwnerID  string `json:"owner_id"`
	Weight   string `json:"weight"`
	Amount   string `json:"amount"`
}

type SettlementResponse struct {
	LotID               string          `json:"lot_id"`
	AmountPaid          string          `json:"amount_paid"`
	CompanySharePercent string          `json:"company_share_percent"`
	CompanyShare        string          `json:"company_share"`
	AmountDistributed   string          `json:"amount_distributed"`
	RecordsUpdated      int             `json:"records_updated"`
	Shares              []ShareResponse `json:"shares"`
}

type PaymentResponse struct {
	TotalPaid string           `json:"total_paid"`
	Records   []RecordResponse `json:"records"`
}

type BucketResponse struct {
	Count   int              `json:"count"`
	Weight  string           `json:"weight"`
	Amount  string           `json:"amount"`
	Records []RecordResponse `json:"records"`
}

type PaymentSummaryResponse struct {
	Pending   BucketResponse `json:"pending"`
	Available BucketResponse `json:"available"`
	Paid      BucketResponse `json:"paid"`
}

type CategoryTotalsResponse struct {
	Count  int    `json:"count"`
	Weight string `json:"weight"`
	Credit string `json:"credit"`
}

type OwnerStatsResponse struct {
	TotalWeight string                            `json:"total_weight"`
	TotalCredit string                            `json:"total_credit"`
	ByCategory  map[string]CategoryTotalsResponse `json:"by_category"`
	ByStatus    map[string]int                    `json:"by_status"`
}

type OwnerPayablesResponse struct {
	OwnerID string           `json:"owner_id"`
	Total   string           `json:"total"`
	Records []RecordResponse `json:"records"`
}

type PayablesResponse struct {
	Count  int                     `json:"count"`
	Total  string                  `json:"total"`
	Owners []OwnerPayablesResponse `json:"owners"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type recordList struct {
	Items []RecordResponse `json:"items"`
}

type lotList struct {
	Items []LotResponse `json:"items"`
}

type tokenList struct {
	Items []TokenResponse `json:"items"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	Source      string   `json:"source"`
}

func str(d decimal.Decimal) string {
	return d.String()
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func tokenResponse(t domain.Token) TokenResponse {
	return TokenResponse{
		Code:       t.Code,
		Category:   string(t.Category),
		Weight:     str(t.Weight),
		Redeemed:   t.Redeemed,
		IssuedAt:   t.IssuedAt,
		RedeemedAt: deref(t.RedeemedAt),
		RedeemedBy: deref(t.RedeemedBy),
	}
}

func recordResponse(r domain.WasteRecord) RecordResponse {
	return RecordResponse{
		ID:                 r.ID,
		OwnerID:            r.OwnerID,
		TokenCode:          r.TokenCode,
		Category:           string(r.Category),
		Weight:             str(r.Weight),
		Credit:             str(r.Credit),
		LotID:              deref(r.LotID),
		ProportionalPayout: str(r.ProportionalPayout),
		Status:             string(r.Status),
		CreatedAt:          r.CreatedAt,
		ValidatedAt:        r.ValidatedAt,
		PaymentRequestedAt: deref(r.PaymentRequestedAt),
		PaidAt:             deref(r.PaidAt),
	}
}

func recordResponses(items []domain.WasteRecord) []RecordResponse {
	out := make([]RecordResponse, 0, len(items))
	for _, r := range items {
		out = append(out, recordResponse(r))
	}
	return out
}

func lotResponse(l domain.Lot) LotResponse {
	return LotResponse{
		ID:                  l.ID,
		WeightCeiling:       str(l.WeightCeiling),
		WeightUsed:          str(l.WeightUsed),
		RecordCount:         l.RecordCount,
		AmountPaid:          str(l.AmountPaid),
		CompanySharePercent: str(l.CompanySharePercent),
		AmountDistributed:   str(l.AmountDistributed),
		Status:              string(l.Status),
		CreatedAt:           l.CreatedAt,
		PaidAt:              deref(l.PaidAt),
	}
}

func lotDetailResponse(d engine.LotDetail) LotDetailResponse {
	return LotDetailResponse{Lot: lotResponse(d.Lot), Records: recordResponses(d.Records)}
}

func sharesResponse(shares []settle.Share) []ShareResponse {
	out := make([]ShareResponse, 0, len(shares))
	for _, s := range shares {
		out = append(out, ShareResponse{RecordID: s.RecordID, OwnerID: s.OwnerID, Weight: str(s.Weight), Amount: str(s.Amount)})
	}
	return out
}

func settlementResponse(r engine.SettlementResult) SettlementResponse {
	return SettlementResponse{
		LotID:               r.LotID,
		AmountPaid:          str(r.AmountPaid),
		CompanySharePercent: str(r.CompanySharePercent),
		CompanyShare:        str(r.CompanyShare),
		AmountDistributed:   str(r.AmountDistributed),
		RecordsUpdated:      r.RecordsUpdated,
		Shares:              sharesResponse(r.Shares),
	}
}

func bucketResponse(b engine.Bucket) BucketResponse {
	return BucketResponse{Count: b.Count, Weight: str(b.Weight), Amount: str(b.Amount), Records: recordResponses(b.Records)}
}

func paymentSummaryResponse(s engine.PaymentSummary) PaymentSummaryResponse {
	return PaymentSummaryResponse{
		Pending:   bucketResponse(s.Pending),
		Available: bucketResponse(s.Available),
		Paid:      bucketResponse(s.Paid),
	}
}

func ownerStatsResponse(s engine.OwnerStats) OwnerStatsResponse {
	resp := OwnerStatsResponse{
		TotalWeight: str(s.TotalWeight),
		TotalCredit: str(s.TotalCredit),
		ByCategory:  make(map[string]CategoryTotalsResponse, len(s.ByCategory)),
		ByStatus:    make(map[string]int, len(s.ByStatus)),
	}
	for c, t := range s.ByCategory {
		resp.ByCategory[string(c)] = CategoryTotalsResponse{Count: t.Count, Weight: str(t.Weight), Credit: str(t.Credit)}
	}
	for st, n := range s.ByStatus {
		resp.ByStatus[string(st)] = n
	}
	return resp
}

func payablesResponse(p engine.Payables) PayablesResponse {
	resp := PayablesResponse{Count: p.Count, Total: str(p.Total), Owners: []OwnerPayablesResponse{}}
	for _, o := range p.Owners {
		resp.Owners = append(resp.Owners, OwnerPayablesResponse{OwnerID: o.OwnerID, Total: str(o.Total), Records: recordResponses(o.Records)})
	}
	return resp
}

func eventResponse(evt domain.Event) EventResponse {
	payload := map[string]any{}
	if evt.Payload != "" {
		if err := json.Unmarshal([]byte(evt.Payload), &payload); err != nil {
			payload = map[string]any{"raw": evt.Payload}
		}
	}
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    payload,
	}
}
