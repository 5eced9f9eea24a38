package repo

import (
	"context"
	"database/sql"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/thiagosm89/lix-carbon/internal/domain"
)

const recordColumns = `id,owner_id,token_code,category,weight,credit,lot_id,proportional_payout,status,created_at,validated_at,payment_requested_at,paid_at`

func scanRecord(s scanner) (domain.WasteRecord, error) {
	var (
		rec                domain.WasteRecord
		category, status   string
		lotID              sql.NullString
		paymentRequestedAt sql.NullString
		paidAt             sql.NullString
	)
	err := s.Scan(&rec.ID, &rec.OwnerID, &rec.TokenCode, &category, &rec.Weight, &rec.Credit, &lotID,
		&rec.ProportionalPayout, &status, &rec.CreatedAt, &rec.ValidatedAt, &paymentRequestedAt, &paidAt)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	rec.Category = domain.Category(category)
	rec.Status = domain.RecordStatus(status)
	rec.LotID = stringPtr(lotID)
	rec.PaymentRequestedAt = stringPtr(paymentRequestedAt)
	rec.PaidAt = stringPtr(paidAt)
	return rec, nil
}

func (r Repo) InsertRecord(ctx context.Context, tx *sql.Tx, rec domain.WasteRecord) error {
	_, err := r.exec(ctx, tx, `INSERT INTO waste_records(id,owner_id,token_code,category,weight,credit,lot_id,proportional_payout,status,created_at,validated_at,payment_requested_at,paid_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.OwnerID, rec.TokenCode, string(rec.Category), rec.Weight, rec.Credit, nullableStringPtr(rec.LotID),
		rec.ProportionalPayout, string(rec.Status), rec.CreatedAt, rec.ValidatedAt,
		nullableStringPtr(rec.PaymentRequestedAt), nullableStringPtr(rec.PaidAt))
	return err
}

func (r Repo) GetRecord(ctx context.Context, tx *sql.Tx, id string) (domain.WasteRecord, error) {
	return scanRecord(r.queryRow(ctx, tx, `SELECT `+recordColumns+` FROM waste_records WHERE id=?`, id))
}

// RecordFilter narrows ListRecords. Zero fields are ignored.
type RecordFilter struct {
	OwnerID     string
	Status      domain.RecordStatus
	LotID       string
	NewestFirst bool
	Limit       int
}

// ListRecords returns records ordered by creation time; insertion order breaks ties.
func (r Repo) ListRecords(ctx context.Context, tx *sql.Tx, f RecordFilter) ([]domain.WasteRecord, error) {
	var (
		clauses []string
		args    []any
	)
	if f.OwnerID != "" {
		clauses = append(clauses, "owner_id=?")
		args = append(args, f.OwnerID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	if f.LotID != "" {
		clauses = append(clauses, "lot_id=?")
		args = append(args, f.LotID)
	}
	query := `SELECT ` + recordColumns + ` FROM waste_records`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	if f.NewestFirst {
		query += " ORDER BY created_at DESC, seq DESC"
	} else {
		query += " ORDER BY created_at ASC, seq ASC"
	}
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.query(ctx, tx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WasteRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// ClaimRecordForLot moves a VALIDADO record into a lot. It reports false when the record was
// no longer VALIDADO.
func (r Repo) ClaimRecordForLot(ctx context.Context, tx *sql.Tx, id, lotID string) (bool, error) {
	res, err := r.exec(ctx, tx, `UPDATE waste_records SET status=?, lot_id=? WHERE id=? AND status=? AND lot_id IS NULL`,
		string(domain.StatusSentToValidator), lotID, id, string(domain.StatusValidated))
	if err != nil {
		return false, err
	}
	n, err := affected(res)
	return n == 1, err
}

// ReleaseRecordPayout stores a record's share and releases it for payment.
func (r Repo) ReleaseRecordPayout(ctx context.Context, tx *sql.Tx, id string, payout decimal.Decimal, at string) (bool, error) {
	res, err := r.exec(ctx, tx, `UPDATE waste_records SET status=?, proportional_payout=?, payment_requested_at=? WHERE id=? AND status=?`,
		string(domain.StatusReleased), payout, at, id, string(domain.StatusSentToValidator))
	if err != nil {
		return false, err
	}
	n, err := affected(res)
	return n == 1, err
}

// MarkRecordsPaid finalizes released records and returns how many rows moved.
func (r Repo) MarkRecordsPaid(ctx context.Context, tx *sql.Tx, ids []string, at string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := []any{string(domain.StatusPaid), at}
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, string(domain.StatusReleased))
	res, err := r.exec(ctx, tx, `UPDATE waste_records SET status=?, paid_at=? WHERE id IN (`+placeholders(len(ids))+`) AND status=?`, args...)
	if err != nil {
		return 0, err
	}
	return affected(res)
}
