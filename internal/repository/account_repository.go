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

type AccountRepository struct {
	q       sqlx.ExtContext
	now     func() time.Time
	dialect string
}

const accountColumns = `user_id, display_name, handle, is_premium, free_quota_used, test_count, free_quota_limit, star_balance, is_admin, created_at, updated_at`

func (r *AccountRepository) Get(ctx context.Context, userID int64) (*models.Account, error) {
	const query = `SELECT ` + accountColumns + ` FROM accounts WHERE user_id = ?`
	var acc models.Account
	if err := sqlx.GetContext(ctx, r.q, &acc, query, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get account: %w", err)
	}
	return &acc, nil
}

// Upsert inserts the account or refreshes its profile columns. Balances and
// entitlement are never touched on conflict.
func (r *AccountRepository) Upsert(ctx context.Context, userID int64, displayName, handle string, defaultLimit int) (*models.Account, error) {
	const mysqlQuery = `
INSERT INTO accounts (user_id, display_name, handle, free_quota_limit, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE display_name = VALUES(display_name), handle = VALUES(handle), updated_at = VALUES(updated_at)`
	const sqliteQuery = `
INSERT INTO accounts (user_id, display_name, handle, free_quota_limit, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (user_id) DO UPDATE SET display_name = excluded.display_name, handle = excluded.handle, updated_at = excluded.updated_at`

	query := mysqlQuery
	if r.dialect == "sqlite" {
		query = sqliteQuery
	}
	now := r.now()
	if _, err := r.q.ExecContext(ctx, query, userID, displayName, handle, defaultLimit, now, now); err != nil {
		return nil, fmt.Errorf("upsert account: %w", err)
	}
	acc, err := r.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		return nil, ErrAccountNotFound
	}
	return acc, nil
}

// IncrementTestCount takes a free quota slot while the quota allows it. It reports false without error when the account is absent or the
// quota is exhausted; callers tell the two apart with Get.
func (r *AccountRepository) IncrementTestCount(ctx context.Context, userID int64) (bool, error) {
	const query = `
UPDATE accounts SET free_quota_used = free_quota_used + 1, updated_at = ?
WHERE user_id = ? AND (is_premium = 1 OR free_quota_limit IS NULL OR free_quota_used < free_quota_limit)`
	res, err := r.q.ExecContext(ctx, query, r.now(), userID)
	if err != nil {
		return false, fmt.Errorf("increment test count: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("test count rows affected: %w", err)
	}
	return affected > 0, nil
}

// RefundTestCount gives back a slot taken by IncrementTestCount when generation failed.
func (r *AccountRepository) RefundTestCount(ctx context.Context, userID int64) error {
	const query = `
UPDATE accounts SET free_quota_used = free_quota_used - 1, updated_at = ?
WHERE user_id = ? AND free_quota_used > 0`
	if _, err := r.q.ExecContext(ctx, query, r.now(), userID); err != nil {
		return fmt.Errorf("refund test count: %w", err)
	}
	return nil
}

// RecordTestGenerated bumps the lifetime test counter. It reports false when
// the account is absent.
func (r *AccountRepository) RecordTestGenerated(ctx context.Context, userID int64) (bool, error) {
	res, err := r.q.ExecContext(ctx, `UPDATE accounts SET test_count = test_count + 1, updated_at = ? WHERE user_id = ?`, r.now(), userID)
	if err != nil {
		return false, fmt.Errorf("record test generated: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("test counter rows affected: %w", err)
	}
	return affected > 0, nil
}

// AdjustStarBalance applies delta in one conditional statement so a balance
// can never go negative, no matter how many spends race. The returned balance
// is the one this statement wrote.
func (r *AccountRepository) AdjustStarBalance(ctx context.Context, userID int64, delta int64) (int64, error) {
	if delta == 0 {
		var balance int64
		if err := sqlx.GetContext(ctx, r.q, &balance, `SELECT star_balance FROM accounts WHERE user_id = ?`, userID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return 0, ErrAccountNotFound
			}
			return 0, fmt.Errorf("read star balance: %w", err)
		}
		return balance, nil
	}

	balance, applied, err := r.applyStarDelta(ctx, userID, delta)
	if err != nil {
		return 0, err
	}
	if !applied {
		acc, err := r.Get(ctx, userID)
		if err != nil {
			return 0, err
		}
		if acc == nil {
			return 0, ErrAccountNotFound
		}
		return acc.StarBalance, ErrInsufficientFunds
	}
	return balance, nil
}

// applyStarDelta reads the new balance back from the UPDATE itself:
// RETURNING on sqlite, LAST_INSERT_ID(expr) on MySQL.
func (r *AccountRepository) applyStarDelta(ctx context.Context, userID int64, delta int64) (int64, bool, error) {
	if r.dialect == "sqlite" {
		const query = `
UPDATE accounts SET star_balance = star_balance + ?, updated_at = ?
WHERE user_id = ? AND star_balance + ? >= 0
RETURNING star_balance`
		var balance int64
		err := sqlx.GetContext(ctx, r.q, &balance, query, delta, r.now(), userID, delta)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		if err != nil {
			return 0, false, fmt.Errorf("adjust star balance: %w", err)
		}
		return balance, true, nil
	}

	const query = `
UPDATE accounts SET star_balance = LAST_INSERT_ID(star_balance + ?), updated_at = ?
WHERE user_id = ? AND star_balance + ? >= 0`
	res, err := r.q.ExecContext(ctx, query, delta, r.now(), userID, delta)
	if err != nil {
		return 0, false, fmt.Errorf("adjust star balance: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("star balance rows affected: %w", err)
	}
	if affected == 0 {
		return 0, false, nil
	}
	balance, err := res.LastInsertId()
	if err != nil {
		return 0, false, fmt.Errorf("read star balance: %w", err)
	}
	return balance, true, nil
}

// SetPremium forces the entitlement flag. Premium clears the quota limit;
// reverting restores defaultLimit and keeps the used count, clamped to the limit.
func (r *AccountRepository) SetPremium(ctx context.Context, userID int64, premium bool, defaultLimit int) (*models.Account, error) {
	var err error
	if premium {
		const query = `UPDATE accounts SET is_premium = 1, free_quota_limit = NULL, updated_at = ? WHERE user_id = ?`
		_, err = r.q.ExecContext(ctx, query, r.now(), userID)
	} else {
		const query = `
UPDATE accounts SET is_premium = 0, free_quota_limit = ?,
    free_quota_used = CASE WHEN free_quota_used > ? THEN ? ELSE free_quota_used END,
    updated_at = ?
WHERE user_id = ?`
		_, err = r.q.ExecContext(ctx, query, defaultLimit, defaultLimit, defaultLimit, r.now(), userID)
	}
	if err != nil {
		return nil, fmt.Errorf("set premium status: %w", err)
	}
	acc, err := r.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		return nil, ErrAccountNotFound
	}
	return acc, nil
}

// GrantPremium flips a free account to premium. It reports false when the
// account already was premium.
func (r *AccountRepository) GrantPremium(ctx context.Context, userID int64) (bool, error) {
	const query = `
UPDATE accounts SET is_premium = 1, free_quota_limit = NULL, updated_at = ?
WHERE user_id = ? AND is_premium = 0`
	res, err := r.q.ExecContext(ctx, query, r.now(), userID)
	if err != nil {
		return false, fmt.Errorf("grant premium: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("grant premium rows affected: %w", err)
	}
	if affected > 0 {
		return true, nil
	}
	acc, err := r.Get(ctx, userID)
	if err != nil {
		return false, err
	}
	if acc == nil {
		return false, ErrAccountNotFound
	}
	return false, nil
}

func (r *AccountRepository) SetQuotaLimit(ctx context.Context, userID int64, limit int) error {
	const query = `
UPDATE accounts SET free_quota_limit = ?,
    free_quota_used = CASE WHEN free_quota_used > ? THEN ? ELSE free_quota_used END,
    updated_at = ?
WHERE user_id = ? AND is_premium = 0`
	res, err := r.q.ExecContext(ctx, query, limit, limit, limit, r.now(), userID)
	if err != nil {
		return fmt.Errorf("set quota limit: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("quota limit rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}
	acc, err := r.Get(ctx, userID)
	if err != nil {
		return err
	}
	if acc == nil {
		return ErrAccountNotFound
	}
	if acc.IsPremium {
		return ErrPremiumUnlimited
	}
	return nil
}

func (r *AccountRepository) SetAdmin(ctx context.Context, userID int64, admin bool) error {
	const query = `UPDATE accounts SET is_admin = ?, updated_at = ? WHERE user_id = ?`
	if _, err := r.q.ExecContext(ctx, query, boolToInt(admin), r.now(), userID); err != nil {
		return fmt.Errorf("set admin: %w", err)
	}
	return nil
}

func (r *AccountRepository) ListUserIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	if err := sqlx.SelectContext(ctx, r.q, &ids, `SELECT user_id FROM accounts ORDER BY user_id`); err != nil {
		return nil, fmt.Errorf("list user ids: %w", err)
	}
	return ids, nil
}

// Top lists the most active accounts by generated tests.
func (r *AccountRepository) Top(ctx context.Context, limit int) ([]models.Account, error) {
	const query = `SELECT ` + accountColumns + ` FROM accounts ORDER BY test_count DESC, user_id ASC LIMIT ?`
	var accounts []models.Account
	if err := sqlx.SelectContext(ctx, r.q, &accounts, query, limit); err != nil {
		return nil, fmt.Errorf("top accounts: %w", err)
	}
	return accounts, nil
}

func (r *AccountRepository) Stats(ctx context.Context, since time.Time) (models.Stats, error) {
	const query = `
SELECT
    (SELECT COUNT(*) FROM accounts) AS total_users,
    (SELECT COUNT(*) FROM accounts WHERE is_premium = 1) AS premium_users,
    (SELECT COUNT(*) FROM accounts WHERE created_at >= ?) AS new_users_today,
    (SELECT COUNT(*) FROM tests) AS total_tests,
    (SELECT COUNT(*) FROM payment_intents WHERE status = 'completed') AS completed_payments,
    (SELECT COUNT(*) FROM payment_intents WHERE status = 'pending') AS pending_intents`
	var stats models.Stats
	if err := sqlx.GetContext(ctx, r.q, &stats, query, since); err != nil {
		return models.Stats{}, fmt.Errorf("collect stats: %w", err)
	}
	return stats, nil
}
