package repo

import (
	"context"
	"database/sql"

	"github.com/shopspring/decimal"

	"github.com/thiagosm89/lix-carbon/internal/domain"
)

const lotColumns = `id,weight_ceiling,weight_used,record_count,amount_paid,company_share_percent,amount_distributed,status,created_at,paid_at`

func scanLot(s scanner) (domain.Lot, error) {
	var (
		l      domain.Lot
		status string
		paidAt sql.NullString
	)
	err := s.Scan(&l.ID, &l.WeightCeiling, &l.WeightUsed, &l.RecordCount, &l.AmountPaid, &l.CompanySharePercent,
		&l.AmountDistributed, &status, &l.CreatedAt, &paidAt)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	if err != nil {
		return l, err
	}
	l.Status = domain.LotStatus(status)
	l.PaidAt = stringPtr(paidAt)
	return l, nil
}

func (r Repo) InsertLot(ctx context.Context, tx *sql.Tx, l domain.Lot) error {
	_, err := r.exec(ctx, tx, `INSERT INTO lots(id,weight_ceiling,weight_used,record_count,amount_paid,company_share_percent,amount_distributed,status,created_at,paid_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		l.ID, l.WeightCeiling, l.WeightUsed, l.RecordCount, l.AmountPaid, l.CompanySharePercent, l.AmountDistributed,
		string(l.Status), l.CreatedAt, nullableStringPtr(l.PaidAt))
	return err
}

func (r Repo) GetLot(ctx context.Context, tx *sql.Tx, id string) (domain.Lot, error) {
	return scanLot(r.queryRow(ctx, tx, `SELECT `+lotColumns+` FROM lots WHERE id=?`, id))
}

// ListLots returns lots newest first.
func (r Repo) ListLots(ctx context.Context) ([]domain.Lot, error) {
	rows, err := r.query(ctx, nil, `SELECT `+lotColumns+` FROM lots ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Lot
	for rows.Next() {
		l, err := scanLot(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

// MarkLotPaid records the validator payment. It reports false when the lot was no longer pending.
func (r Repo) MarkLotPaid(ctx context.Context, tx *sql.Tx, id string, amountPaid, distributed decimal.Decimal, at string) (bool, error) {
	res, err := r.exec(ctx, tx, `UPDATE lots SET status=?, amount_paid=?, amount_distributed=?, paid_at=? WHERE id=? AND status=?`,
		string(domain.LotPaidByValidator), amountPaid, distributed, at, id, string(domain.LotPendingValidator))
	if err != nil {
		return false, err
	}
	n, err := affected(res)
	return n == 1, err
}
