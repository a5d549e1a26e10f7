package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/digkill/TestborBot/internal/models"
)

type TestRepository struct {
	q   sqlx.ExtContext
	now func() time.Time
}

func (r *TestRepository) Log(ctx context.Context, userID int64, subject, description string, questions int) (*models.TestRecord, error) {
	const query = `
INSERT INTO tests (user_id, subject, description, questions_count, created_at)
VALUES (?, ?, ?, ?, ?)`
	now := r.now()
	res, err := r.q.ExecContext(ctx, query, userID, subject, description, questions, now)
	if err != nil {
		return nil, fmt.Errorf("insert test: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return &models.TestRecord{
		ID:             id,
		UserID:         userID,
		Subject:        subject,
		Description:    description,
		QuestionsCount: questions,
		CreatedAt:      now,
	}, nil
}

func (r *TestRepository) ListForUser(ctx context.Context, userID int64, limit int) ([]models.TestRecord, error) {
	const query = `
SELECT id, user_id, subject, description, questions_count, created_at
FROM tests WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`
	var tests []models.TestRecord
	if err := sqlx.SelectContext(ctx, r.q, &tests, query, userID, limit); err != nil {
		return nil, fmt.Errorf("list tests: %w", err)
	}
	return tests, nil
}
