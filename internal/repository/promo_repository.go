package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/digkill/TestborBot/internal/models"
)

type PromoRepository struct {
	q sqlx.ExtContext
}

const promoColumns = `code, status, expiry_at, created_by, used_by, used_at, created_at`

func (r *PromoRepository) Create(ctx context.Context, promo *models.PromoCode) error {
	const query = `
INSERT INTO promo_codes (code, status, expiry_at, created_by, created_at)
VALUES (?, ?, ?, ?, ?)`
	if _, err := r.q.ExecContext(ctx, query, promo.Code, promo.Status, promo.ExpiryAt, promo.CreatedBy, promo.CreatedAt); err != nil {
		if isDuplicateKey(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("create promo: %w", err)
	}
	return nil
}

func (r *PromoRepository) Get(ctx context.Context, code string) (*models.PromoCode, error) {
	const query = `SELECT ` + promoColumns + ` FROM promo_codes WHERE code = ?`
	var promo models.PromoCode
	if err := sqlx.GetContext(ctx, r.q, &promo, query, code); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get promo: %w", err)
	}
	return &promo, nil
}

func (r *PromoRepository) List(ctx context.Context, limit int) ([]models.PromoCode, error) {
	const query = `SELECT ` + promoColumns + ` FROM promo_codes ORDER BY created_at DESC, code ASC LIMIT ?`
	var promos []models.PromoCode
	if err := sqlx.SelectContext(ctx, r.q, &promos, query, limit); err != nil {
		return nil, fmt.Errorf("list promos: %w", err)
	}
	return promos, nil
}

// Redeem consumes an active, unexpired code in one conditional update, so of
// any number of concurrent redeemers exactly one wins.
func (r *PromoRepository) Redeem(ctx context.Context, code string, userID int64, now time.Time) error {
	const query = `
UPDATE promo_codes SET status = 'used', used_by = ?, used_at = ?
WHERE code = ? AND status = 'active' AND expiry_at > ?`
	res, err := r.q.ExecContext(ctx, query, userID, now, code, now)
	if err != nil {
		return fmt.Errorf("redeem promo: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("redeem promo rows affected: %w", err)
	}
	if affected == 0 {
		return ErrPromoUnavailable
	}
	return nil
}

// ExpireStale marks active codes past their expiry as expired.
func (r *PromoRepository) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	const query = `UPDATE promo_codes SET status = 'expired' WHERE status = 'active' AND expiry_at <= ?`
	res, err := r.q.ExecContext(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("expire promos: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expire promos rows affected: %w", err)
	}
	return affected, nil
}
