package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/digkill/TestborBot/internal/config"
	"github.com/digkill/TestborBot/internal/models"
	"github.com/digkill/TestborBot/internal/repository"
)

var ErrPremiumUnlimited = repository.ErrPremiumUnlimited

type UserService struct {
	cfg    config.Config
	log    *slog.Logger
	ledger *repository.Ledger
}

func NewUserService(cfg config.Config, log *slog.Logger, ledger *repository.Ledger) *UserService {
	return &UserService{cfg: cfg, log: log, ledger: ledger}
}

// Ensure registers the account on first contact and refreshes its profile after.
func (s *UserService) Ensure(ctx context.Context, userID int64, displayName, handle string) (*models.Account, error) {
	acc, err := s.ledger.Accounts.Upsert(ctx, userID, displayName, handle, s.cfg.FreeTestLimit)
	if err != nil {
		return nil, fmt.Errorf("ensure account: %w", err)
	}
	if s.cfg.IsAdmin(userID) && !acc.IsAdmin {
		if err := s.ledger.Accounts.SetAdmin(ctx, userID, true); err != nil {
			return nil, err
		}
		acc.IsAdmin = true
	}
	return acc, nil
}

func (s *UserService) Get(ctx context.Context, userID int64) (*models.Account, error) {
	return s.ledger.Accounts.Get(ctx, userID)
}

func (s *UserService) SetQuotaLimit(ctx context.Context, userID int64, limit int) error {
	if limit < 0 {
		return fmt.Errorf("limit must not be negative")
	}
	if err := s.ledger.Accounts.SetQuotaLimit(ctx, userID, limit); err != nil {
		return err
	}
	s.log.Info("quota limit changed", "user_id", userID, "limit", limit)
	return nil
}

func (s *UserService) Top(ctx context.Context, limit int) ([]models.Account, error) {
	return s.ledger.Accounts.Top(ctx, limit)
}

// Stats counts new users from the start of the current UTC day.
func (s *UserService) Stats(ctx context.Context) (models.Stats, error) {
	now := s.ledger.Now()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return s.ledger.Accounts.Stats(ctx, dayStart)
}

func (s *UserService) ListUserIDs(ctx context.Context) ([]int64, error) {
	ids, err := s.ledger.Accounts.ListUserIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list user ids: %w", err)
	}
	return ids, nil
}

