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

type IntentRepository struct {
	q sqlx.ExtContext
}

const intentColumns = `intent_id, user_id, product, amount, currency, rail, status, provider_ref, failure_reason, created_at, resolved_at`

func (r *IntentRepository) Create(ctx context.Context, intent *models.PaymentIntent) error {
	const query = `
INSERT INTO payment_intents (intent_id, user_id, product, amount, currency, rail, status, provider_ref, failure_reason, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := r.q.ExecContext(ctx, query,
		intent.IntentID, intent.UserID, intent.Product, intent.Amount, intent.Currency,
		intent.Rail, intent.Status, intent.ProviderRef, intent.FailureReason, intent.CreatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert payment intent: %w", err)
	}
	return nil
}

func (r *IntentRepository) Get(ctx context.Context, intentID string) (*models.PaymentIntent, error) {
	const query = `SELECT ` + intentColumns + ` FROM payment_intents WHERE intent_id = ?`
	var intent models.PaymentIntent
	if err := sqlx.GetContext(ctx, r.q, &intent, query, intentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get payment intent: %w", err)
	}
	return &intent, nil
}

// Resolve moves a pending intent to a terminal status. It is a compare-and-swap
// on status = 'pending': false means another resolver got there first.
func (r *IntentRepository) Resolve(ctx context.Context, intentID string, status models.IntentStatus, providerRef, reason string, now time.Time) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("resolve intent %s: status %q is not terminal", intentID, status)
	}
	const query = `
UPDATE payment_intents SET status = ?, provider_ref = ?, failure_reason = ?, resolved_at = ?
WHERE intent_id = ? AND status = 'pending'`
	res, err := r.q.ExecContext(ctx, query, status, providerRef, reason, now, intentID)
	if err != nil {
		return false, fmt.Errorf("resolve payment intent: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("resolve rows affected: %w", err)
	}
	if affected > 0 {
		return true, nil
	}
	existing, err := r.Get(ctx, intentID)
	if err != nil {
		return false, err
	}
	if existing == nil {
		return false, ErrIntentNotFound
	}
	return false, nil
}

func (r *IntentRepository) ListPending(ctx context.Context, olderThan time.Time, limit int) ([]models.PaymentIntent, error) {
	const query = `
SELECT ` + intentColumns + ` FROM payment_intents
WHERE status = 'pending' AND created_at <= ?
ORDER BY created_at ASC LIMIT ?`
	var intents []models.PaymentIntent
	if err := sqlx.SelectContext(ctx, r.q, &intents, query, olderThan, limit); err != nil {
		return nil, fmt.Errorf("list pending intents: %w", err)
	}
	return intents, nil
}

func (r *IntentRepository) ListForUser(ctx context.Context, userID int64, limit int) ([]models.PaymentIntent, error) {
	const query = `
SELECT ` + intentColumns + ` FROM payment_intents
WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`
	var intents []models.PaymentIntent
	if err := sqlx.SelectContext(ctx, r.q, &intents, query, userID, limit); err != nil {
		return nil, fmt.Errorf("list user intents: %w", err)
	}
	return intents, nil
}
