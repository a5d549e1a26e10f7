package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/digkill/TestborBot/internal/config"
	"github.com/digkill/TestborBot/internal/metrics"
	"github.com/digkill/TestborBot/internal/models"
	"github.com/digkill/TestborBot/internal/repository"
)

// Domain errors surfaced to the conversational layer.
var (
	ErrInsufficientFunds = repository.ErrInsufficientFunds
	ErrAccountNotFound   = repository.ErrAccountNotFound
)

type QuotaDecision int

const (
	QuotaAllowed QuotaDecision = iota
	QuotaExceeded
)

func (d QuotaDecision) String() string {
	if d == QuotaAllowed {
		return "allowed"
	}
	return "exceeded"
}

// GrantResult reports a premium grant. AlreadyPremium is a success.
type GrantResult struct {
	Granted        bool
	AlreadyPremium bool
}

type SpendResult struct {
	Debited        int64
	Balance        int64
	AlreadyPremium bool
}

type EntitlementService struct {
	cfg     config.Config
	log     *slog.Logger
	ledger  *repository.Ledger
	metrics *metrics.Metrics
}

func NewEntitlementService(cfg config.Config, log *slog.Logger, ledger *repository.Ledger, m *metrics.Metrics) *EntitlementService {
	return &EntitlementService{cfg: cfg, log: log, ledger: ledger, metrics: m}
}

// GrantPremium is idempotent: an already premium account is left untouched.
func (s *EntitlementService) GrantPremium(ctx context.Context, userID int64, source models.GrantSource, referenceID string) (GrantResult, error) {
	res, err := s.grantIn(ctx, s.ledger, userID)
	if err != nil {
		return GrantResult{}, err
	}
	s.recordGrant(userID, source, referenceID, res)
	return res, nil
}

// grantIn runs the grant on l, which may be a transaction ledger. Callers
// report it with recordGrant once the grant is committed.
func (s *EntitlementService) grantIn(ctx context.Context, l *repository.Ledger, userID int64) (GrantResult, error) {
	granted, err := l.Accounts.GrantPremium(ctx, userID)
	if err != nil {
		return GrantResult{}, err
	}
	return GrantResult{Granted: granted, AlreadyPremium: !granted}, nil
}

func (s *EntitlementService) recordGrant(userID int64, source models.GrantSource, referenceID string, res GrantResult) {
	s.metrics.PremiumGrant(string(source), res.Granted)
	s.log.Info("premium grant", "user_id", userID, "source", source, "reference", referenceID, "granted", res.Granted)
}

// RevokePremium returns the account to the free tier with the default limit.
func (s *EntitlementService) RevokePremium(ctx context.Context, userID int64) (*models.Account, error) {
	acc, err := s.ledger.Accounts.SetPremium(ctx, userID, false, s.cfg.FreeTestLimit)
	if err != nil {
		return nil, err
	}
	s.log.Info("premium revoked", "user_id", userID)
	return acc, nil
}

// SetPremium is the manual switch used by admins.
func (s *EntitlementService) SetPremium(ctx context.Context, userID int64, premium bool) (*models.Account, error) {
	if !premium {
		return s.RevokePremium(ctx, userID)
	}
	if _, err := s.GrantPremium(ctx, userID, models.SourceAdmin, "manual"); err != nil {
		return nil, err
	}
	acc, err := s.ledger.Accounts.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		return nil, ErrAccountNotFound
	}
	return acc, nil
}

// SpendStarsForPremium debits cost and flips the account to premium in one
// transaction. Premium accounts are not charged.
func (s *EntitlementService) SpendStarsForPremium(ctx context.Context, userID int64, cost int64) (SpendResult, error) {
	if cost <= 0 {
		return SpendResult{}, fmt.Errorf("spend stars: cost must be positive, got %d", cost)
	}

	var res SpendResult
	err := s.ledger.InTx(ctx, func(tx *repository.Ledger) error {
		granted, err := tx.Accounts.GrantPremium(ctx, userID)
		if err != nil {
			return err
		}
		if !granted {
			balance, err := tx.Accounts.AdjustStarBalance(ctx, userID, 0)
			if err != nil {
				return err
			}
			res = SpendResult{Balance: balance, AlreadyPremium: true}
			return nil
		}
		balance, err := tx.Accounts.AdjustStarBalance(ctx, userID, -cost)
		if err != nil {
			return err
		}
		res = SpendResult{Debited: cost, Balance: balance}
		return nil
	})
	if err != nil {
		return SpendResult{}, err
	}

	if res.AlreadyPremium {
		s.metrics.PremiumGrant(string(models.SourceStars), false)
		return res, nil
	}
	s.metrics.StarsDebited(res.Debited)
	s.metrics.PremiumGrant(string(models.SourceStars), true)
	s.log.Info("stars spent for premium", "user_id", userID, "cost", cost, "balance", res.Balance)
	return res, nil
}

// RewardForQuestions is the star reward tier for a generated test.
func RewardForQuestions(questions int) int64 {
	switch {
	case questions <= 10:
		return 2
	case questions <= 20:
		return 5
	default:
		return 10
	}
}

// RewardStarsForTestGeneration credits the tiered reward and returns it.
func (s *EntitlementService) RewardStarsForTestGeneration(ctx context.Context, userID int64, questions int) (int64, error) {
	reward := RewardForQuestions(questions)
	if _, err := s.ledger.Accounts.AdjustStarBalance(ctx, userID, reward); err != nil {
		return 0, fmt.Errorf("credit reward: %w", err)
	}
	s.metrics.StarsCredited(reward)
	return reward, nil
}

// StarBalance reads the current balance.
func (s *EntitlementService) StarBalance(ctx context.Context, userID int64) (int64, error) {
	return s.ledger.Accounts.AdjustStarBalance(ctx, userID, 0)
}

func (s *EntitlementService) StarCost() int64 {
	return int64(s.cfg.PremiumStarCost)
}

// CheckQuota: premium or no limit is always allowed, otherwise used must be under limit.
func CheckQuota(acc models.Account) QuotaDecision {
	if acc.IsPremium || acc.FreeQuotaLimit == nil || acc.FreeQuotaUsed < *acc.FreeQuotaLimit {
		return QuotaAllowed
	}
	return QuotaExceeded
}

// MaxQuestions is the largest test an account may request.
func (s *EntitlementService) MaxQuestions(acc models.Account) int {
	if acc.IsPremium {
		return s.cfg.PremiumMaxQuestions
	}
	return s.cfg.FreeMaxQuestions
}
