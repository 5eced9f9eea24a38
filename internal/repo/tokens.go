package repo

import (
	"context"
	"database/sql"

	"github.com/thiagosm89/lix-carbon/internal/domain"
)

const tokenColumns = `code,category,weight,redeemed,issued_at,redeemed_at,redeemed_by`

func scanToken(s scanner) (domain.Token, error) {
	var (
		t          domain.Token
		category   string
		redeemedAt sql.NullString
		redeemedBy sql.NullString
	)
	if err := s.Scan(&t.Code, &category, &t.Weight, &t.Redeemed, &t.IssuedAt, &redeemedAt, &redeemedBy); err != nil {
		if err == sql.ErrNoRows {
			return t, ErrNotFound
		}
		return t, err
	}
	t.Category = domain.Category(category)
	t.RedeemedAt = stringPtr(redeemedAt)
	t.RedeemedBy = stringPtr(redeemedBy)
	return t, nil
}

// InsertToken stores a newly issued, unredeemed token.
func (r Repo) InsertToken(ctx context.Context, tx *sql.Tx, t domain.Token) error {
	_, err := r.exec(ctx, tx, `INSERT INTO waste_tokens(code,category,weight,redeemed,issued_at) VALUES (?,?,?,?,?)`,
		t.Code, string(t.Category), t.Weight, false, t.IssuedAt)
	return err
}

// FindRedeemableToken returns the outstanding token with this code.
func (r Repo) FindRedeemableToken(ctx context.Context, tx *sql.Tx, code string) (domain.Token, error) {
	return scanToken(r.queryRow(ctx, tx, `SELECT `+tokenColumns+` FROM waste_tokens WHERE code=? AND redeemed=?`, code, false))
}

// MarkTokenRedeemed flips the outstanding token with this code. It reports false when another
// caller redeemed it first.
func (r Repo) MarkTokenRedeemed(ctx context.Context, tx *sql.Tx, code, ownerID, at string) (bool, error) {
	res, err := r.exec(ctx, tx, `UPDATE waste_tokens SET redeemed=?, redeemed_at=?, redeemed_by=? WHERE code=? AND redeemed=?`,
		true, at, ownerID, code, false)
	if err != nil {
		return false, err
	}
	n, err := affected(res)
	return n == 1, err
}

// ListRecentTokens returns the newest tokens first.
func (r Repo) ListRecentTokens(ctx context.Context, limit int) ([]domain.Token, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := r.query(ctx, nil, `SELECT `+tokenColumns+` FROM waste_tokens ORDER BY issued_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}
