package engine

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/thiagosm89/lix-carbon/internal/domain"
	"github.com/thiagosm89/lix-carbon/internal/repo"
)

// Totals are summed in Go rather than SQL so both dialects add exact decimals.

// Bucket groups an owner's records by payment stage.
type Bucket struct {
	Count   int                  `json:"count"`
	Weight  decimal.Decimal      `json:"weight"`
	Amount  decimal.Decimal      `json:"amount"`
	Records []domain.WasteRecord `json:"records"`
}

func (b *Bucket) add(rec domain.WasteRecord) {
	b.Count++
	b.Weight = b.Weight.Add(rec.Weight)
	b.Amount = b.Amount.Add(rec.ProportionalPayout)
	b.Records = append(b.Records, rec)
}

// PaymentSummary is what a depositor sees when following their payments.
// Pending covers records not yet paid by the validator, Available is released and Paid is final.
type PaymentSummary struct {
	Pending   Bucket `json:"pending"`
	Available Bucket `json:"available"`
	Paid      Bucket `json:"paid"`
}

func (e Engine) OwnerPayments(ctx context.Context, ownerID string) (PaymentSummary, error) {
	recs, err := e.ListRecordsByOwner(ctx, ownerID)
	if err != nil {
		return PaymentSummary{}, err
	}
	var s PaymentSummary
	for _, rec := range recs {
		switch rec.Status {
		case domain.StatusValidated, domain.StatusSentToValidator:
			s.Pending.add(rec)
		case domain.StatusReleased:
			s.Available.add(rec)
		case domain.StatusPaid:
			s.Paid.add(rec)
		}
	}
	return s, nil
}

type CategoryTotals struct {
	Count  int             `json:"count"`
	Weight decimal.Decimal `json:"weight"`
	Credit decimal.Decimal `json:"credit"`
}

// OwnerStats totals an owner's deposits by category and counts them by status.
type OwnerStats struct {
	TotalWeight decimal.Decimal                    `json:"total_weight"`
	TotalCredit decimal.Decimal                    `json:"total_credit"`
	ByCategory  map[domain.Category]CategoryTotals `json:"by_category"`
	ByStatus    map[domain.RecordStatus]int        `json:"by_status"`
}

func (e Engine) OwnerStats(ctx context.Context, ownerID string) (OwnerStats, error) {
	recs, err := e.ListRecordsByOwner(ctx, ownerID)
	if err != nil {
		return OwnerStats{}, err
	}
	st := OwnerStats{
		ByCategory: make(map[domain.Category]CategoryTotals, len(domain.Categories)),
		ByStatus:   make(map[domain.RecordStatus]int, len(domain.RecordStatuses)),
	}
	for _, c := range domain.Categories {
		st.ByCategory[c] = CategoryTotals{}
	}
	for _, s := range domain.RecordStatuses {
		st.ByStatus[s] = 0
	}
	for _, rec := range recs {
		st.TotalWeight = st.TotalWeight.Add(rec.Weight)
		st.TotalCredit = st.TotalCredit.Add(rec.Credit)
		ct := st.ByCategory[rec.Category]
		ct.Count++
		ct.Weight = ct.Weight.Add(rec.Weight)
		ct.Credit = ct.Credit.Add(rec.Credit)
		st.ByCategory[rec.Category] = ct
		st.ByStatus[rec.Status]++
	}
	return st, nil
}

type OwnerPayables struct {
	OwnerID string               `json:"owner_id"`
	Total   decimal.Decimal      `json:"total"`
	Records []domain.WasteRecord `json:"records"`
}

// Payables lists every released record, grouped by owner in order of their oldest record.
type Payables struct {
	Count  int             `json:"count"`
	Total  decimal.Decimal `json:"total"`
	Owners []OwnerPayables `json:"owners"`
}

func (e Engine) PayablesByOwner(ctx context.Context) (Payables, error) {
	recs, err := e.ListRecordsByStatus(ctx, domain.StatusReleased)
	if err != nil {
		return Payables{}, err
	}
	var p Payables
	index := map[string]int{}
	for _, rec := range recs {
		i, ok := index[rec.OwnerID]
		if !ok {
			i = len(p.Owners)
			index[rec.OwnerID] = i
			p.Owners = append(p.Owners, OwnerPayables{OwnerID: rec.OwnerID})
		}
		p.Owners[i].Records = append(p.Owners[i].Records, rec)
		p.Owners[i].Total = p.Owners[i].Total.Add(rec.ProportionalPayout)
		p.Count++
		p.Total = p.Total.Add(rec.ProportionalPayout)
	}
	return p, nil
}

// LotSummary aggregates every lot ever formed.
type LotSummary struct {
	Total       int             `json:"total"`
	Pending     int             `json:"pending"`
	Paid        int             `json:"paid"`
	TotalWeight decimal.Decimal `json:"total_weight"`
	TotalValue  decimal.Decimal `json:"total_value"`
}

func (e Engine) LotStats(ctx context.Context) (LotSummary, error) {
	lots, err := e.ListLots(ctx)
	if err != nil {
		return LotSummary{}, err
	}
	var s LotSummary
	for _, l := range lots {
		s.Total++
		switch l.Status {
		case domain.LotPendingValidator:
			s.Pending++
		case domain.LotPaidByValidator:
			s.Paid++
		}
		s.TotalWeight = s.TotalWeight.Add(l.WeightUsed)
		s.TotalValue = s.TotalValue.Add(l.AmountPaid)
	}
	return s, nil
}

// PaidRecords returns the payment history, newest first. An empty ownerID lists every owner.
func (e Engine) PaidRecords(ctx context.Context, ownerID string) ([]domain.WasteRecord, error) {
	recs, err := e.Repo.ListRecords(ctx, nil, repo.RecordFilter{OwnerID: ownerID, Status: domain.StatusPaid, NewestFirst: true})
	return recs, domain.Persistence("list paid records", err)
}

// ListEvents returns audit events, newest first.
func (e Engine) ListEvents(ctx context.Context, f repo.EventFilter) ([]domain.Event, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	evts, err := e.Repo.LatestEvents(ctx, f)
	return evts, domain.Persistence("list events", err)
}
