package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/thiagosm89/lix-carbon/internal/domain"
	"github.com/thiagosm89/lix-carbon/internal/events"
	"github.com/thiagosm89/lix-carbon/internal/metrics"
	"github.com/thiagosm89/lix-carbon/internal/repo"
	"github.com/thiagosm89/lix-carbon/internal/settle"
)

// LotDetail is a lot with its member records, oldest first.
type LotDetail struct {
	Lot     domain.Lot           `json:"lot"`
	Records []domain.WasteRecord `json:"records"`
}

// LotCreateOptions are parameters for forming a lot.
type LotCreateOptions struct {
	WeightCeiling decimal.Decimal
	ActorID       string
}

// CreateLot gathers the oldest VALIDADO records under the weight ceiling into a new lot
// awaiting the validator's payment.
func (e Engine) CreateLot(ctx context.Context, opts LotCreateOptions) (LotDetail, error) {
	if !opts.WeightCeiling.IsPositive() {
		return LotDetail{}, domain.InvalidInputError{Field: "weight_ceiling", Reason: "must be greater than zero"}
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return LotDetail{}, err
	}
	defer tx.Rollback()

	candidates, err := e.Repo.ListRecords(ctx, tx, repo.RecordFilter{Status: domain.StatusValidated})
	if err != nil {
		return LotDetail{}, domain.Persistence("list validated records", err)
	}
	if len(candidates) == 0 {
		return LotDetail{}, domain.NoEligibleRecordsError{}
	}
	selected, used := settle.SelectOldestFirst(candidates, opts.WeightCeiling)

	lot := domain.Lot{
		ID:                  uuid.NewString(),
		WeightCeiling:       opts.WeightCeiling,
		WeightUsed:          used,
		RecordCount:         len(selected),
		AmountPaid:          decimal.Zero,
		CompanySharePercent: e.companySharePercent(),
		AmountDistributed:   decimal.Zero,
		Status:              domain.LotPendingValidator,
		CreatedAt:           e.stamp(),
	}
	if err := e.Repo.InsertLot(ctx, tx, lot); err != nil {
		return LotDetail{}, domain.Persistence("insert lot", err)
	}
	ids := make([]string, 0, len(selected))
	for i := range selected {
		rec := &selected[i]
		if err := ensureRecordTransition(rec.Status, domain.StatusSentToValidator); err != nil {
			return LotDetail{}, err
		}
		ok, err := e.Repo.ClaimRecordForLot(ctx, tx, rec.ID, lot.ID)
		if err != nil {
			return LotDetail{}, domain.Persistence("claim record", err)
		}
		if !ok {
			return LotDetail{}, conflict(ctx, "claim record", "record", rec.ID, "lot", lot.ID)
		}
		rec.Status = domain.StatusSentToValidator
		lotID := lot.ID
		rec.LotID = &lotID
		ids = append(ids, rec.ID)
	}
	if err := e.appendEvent(ctx, tx, events.LotCreated, "lot", lot.ID, opts.ActorID, events.EventPayload{
		"weight_ceiling": lot.WeightCeiling,
		"weight_used":    lot.WeightUsed,
		"record_ids":     ids,
	}); err != nil {
		return LotDetail{}, err
	}
	if err := commit(tx); err != nil {
		return LotDetail{}, err
	}
	metrics.LotsCreated.Add(ctx, 1)
	metrics.RecordsBatched.Add(ctx, int64(len(selected)))
	log.Infow("lot created", "lot", lot.ID, "records", lot.RecordCount, "weight_used", lot.WeightUsed, "ceiling", lot.WeightCeiling)
	return LotDetail{Lot: lot, Records: selected}, nil
}

// GetLot returns a lot and its members.
func (e Engine) GetLot(ctx context.Context, id string) (LotDetail, error) {
	lot, err := e.Repo.GetLot(ctx, nil, id)
	if errors.Is(err, repo.ErrNotFound) {
		return LotDetail{}, domain.LotNotFoundError{ID: id}
	}
	if err != nil {
		return LotDetail{}, domain.Persistence("get lot", err)
	}
	recs, err := e.Repo.ListRecords(ctx, nil, repo.RecordFilter{LotID: id})
	if err != nil {
		return LotDetail{}, domain.Persistence("list lot records", err)
	}
	return LotDetail{Lot: lot, Records: recs}, nil
}

// ListLots returns every lot, newest first.
func (e Engine) ListLots(ctx context.Context) ([]domain.Lot, error) {
	lots, err := e.Repo.ListLots(ctx)
	return lots, domain.Persistence("list lots", err)
}

// SettlementResult summarizes a validator payment applied to a lot.
type SettlementResult struct {
	LotID               string          `json:"lot_id"`
	AmountPaid          decimal.Decimal `json:"amount_paid"`
	CompanySharePercent decimal.Decimal `json:"company_share_percent"`
	CompanyShare        decimal.Decimal `json:"company_share"`
	AmountDistributed   decimal.Decimal `json:"amount_distributed"`
	RecordsUpdated      int             `json:"records_updated"`
	Shares              []settle.Share  `json:"shares"`
}

// SettleLot applies the validator's payment to a pending lot and releases each member's share.
func (e Engine) SettleLot(ctx context.Context, lotID string, amountPaid decimal.Decimal, actorID string) (SettlementResult, error) {
	if !amountPaid.IsPositive() {
		return SettlementResult{}, domain.InvalidInputError{Field: "amount_paid", Reason: "must be greater than zero"}
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return SettlementResult{}, err
	}
	defer tx.Rollback()

	lot, err := e.Repo.GetLot(ctx, tx, lotID)
	if errors.Is(err, repo.ErrNotFound) {
		return SettlementResult{}, domain.LotNotFoundError{ID: lotID}
	}
	if err != nil {
		return SettlementResult{}, domain.Persistence("get lot", err)
	}
	if !domain.CanTransitionLot(lot.Status, domain.LotPaidByValidator) {
		return SettlementResult{}, domain.LotAlreadySettledError{ID: lot.ID, Status: lot.Status}
	}
	members, err := e.Repo.ListRecords(ctx, tx, repo.RecordFilter{LotID: lot.ID})
	if err != nil {
		return SettlementResult{}, domain.Persistence("list lot records", err)
	}
	dist, err := settle.Distribute(amountPaid, lot.CompanySharePercent, lot.WeightUsed, members)
	if err != nil {
		log.Errorw("lot failed integrity check", "lot", lot.ID, "err", err)
		return SettlementResult{}, domain.IntegrityError{Op: "distribute lot " + lot.ID, Err: err}
	}
	now := e.stamp()
	for i, share := range dist.Shares {
		if err := ensureRecordTransition(members[i].Status, domain.StatusReleased); err != nil {
			return SettlementResult{}, err
		}
		ok, err := e.Repo.ReleaseRecordPayout(ctx, tx, share.RecordID, share.Amount, now)
		if err != nil {
			return SettlementResult{}, domain.Persistence("release record payout", err)
		}
		if !ok {
			return SettlementResult{}, conflict(ctx, "release record payout", "record", share.RecordID, "lot", lot.ID)
		}
	}
	ok, err := e.Repo.MarkLotPaid(ctx, tx, lot.ID, amountPaid, dist.ToDistribute, now)
	if err != nil {
		return SettlementResult{}, domain.Persistence("mark lot paid", err)
	}
	if !ok {
		return SettlementResult{}, domain.LotAlreadySettledError{ID: lot.ID, Status: domain.LotPaidByValidator}
	}
	if err := e.appendEvent(ctx, tx, events.LotSettled, "lot", lot.ID, actorID, events.EventPayload{
		"amount_paid":           amountPaid,
		"company_share_percent": lot.CompanySharePercent,
		"company_share":         dist.CompanyShare,
		"amount_distributed":    dist.ToDistribute,
		"shares":                dist.Shares,
	}); err != nil {
		return SettlementResult{}, err
	}
	if err := commit(tx); err != nil {
		return SettlementResult{}, err
	}
	metrics.LotsSettled.Add(ctx, 1)
	metrics.AmountDistributed.Add(ctx, dist.ToDistribute.InexactFloat64())
	log.Infow("lot settled", "lot", lot.ID, "amount_paid", amountPaid, "company_share", dist.CompanyShare,
		"distributed", dist.ToDistribute, "records", len(dist.Shares))
	return SettlementResult{
		LotID:               lot.ID,
		AmountPaid:          amountPaid,
		CompanySharePercent: lot.CompanySharePercent,
		CompanyShare:        dist.CompanyShare,
		AmountDistributed:   dist.ToDistribute,
		RecordsUpdated:      len(dist.Shares),
		Shares:              dist.Shares,
	}, nil
}

// PaymentResult is the outcome of paying released records to their owners.
type PaymentResult struct {
	TotalPaid decimal.Decimal      `json:"total_paid"`
	Records   []domain.WasteRecord `json:"records"`
}

// ProcessPayments finalizes released records as paid. Every id is checked before anything is written.
func (e Engine) ProcessPayments(ctx context.Context, ids []string, actorID string) (PaymentResult, error) {
	unique := dedupe(ids)
	if len(unique) == 0 {
		return PaymentResult{}, domain.NoRecordsSelectedError{}
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return PaymentResult{}, err
	}
	defer tx.Rollback()

	recs := make([]domain.WasteRecord, 0, len(unique))
	for _, id := range unique {
		rec, err := e.Repo.GetRecord(ctx, tx, id)
		if errors.Is(err, repo.ErrNotFound) {
			return PaymentResult{}, domain.RecordNotFoundError{ID: id}
		}
		if err != nil {
			return PaymentResult{}, domain.Persistence("get record", err)
		}
		if ensureRecordTransition(rec.Status, domain.StatusPaid) != nil {
			return PaymentResult{}, domain.RecordNotPayableError{ID: id, Status: rec.Status}
		}
		recs = append(recs, rec)
	}
	now := e.stamp()
	n, err := e.Repo.MarkRecordsPaid(ctx, tx, unique, now)
	if err != nil {
		return PaymentResult{}, domain.Persistence("mark records paid", err)
	}
	if n != int64(len(unique)) {
		return PaymentResult{}, conflict(ctx, "mark records paid", "expected", len(unique), "updated", n)
	}
	total := decimal.Zero
	for i := range recs {
		paidAt := now
		recs[i].Status = domain.StatusPaid
		recs[i].PaidAt = &paidAt
		total = total.Add(recs[i].ProportionalPayout)
		if err := e.appendEvent(ctx, tx, events.PaymentProcessed, "record", recs[i].ID, actorID, events.EventPayload{
			"owner_id": recs[i].OwnerID,
			"amount":   recs[i].ProportionalPayout,
		}); err != nil {
			return PaymentResult{}, err
		}
	}
	if err := commit(tx); err != nil {
		return PaymentResult{}, err
	}
	metrics.RecordsPaid.Add(ctx, int64(len(recs)))
	log.Infow("payments processed", "records", len(recs), "total", total)
	return PaymentResult{TotalPaid: total, Records: recs}, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
