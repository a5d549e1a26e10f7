package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/digkill/TestborBot/internal/models"
	"github.com/digkill/TestborBot/internal/repository"
)

var (
	ErrPromoUnavailable    = repository.ErrPromoUnavailable
	ErrInvalidPromoDays    = errors.New("promo duration must be between 1 and 365 days")
	errPromoCodeCollisions = errors.New("could not generate a unique promo code")
)

const (
	promoCodeLength   = 8
	promoCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

type PromoService struct {
	log          *slog.Logger
	ledger       *repository.Ledger
	entitlements *EntitlementService
}

func NewPromoService(log *slog.Logger, ledger *repository.Ledger, entitlements *EntitlementService) *PromoService {
	return &PromoService{log: log, ledger: ledger, entitlements: entitlements}
}

// NormalizeCode upper-cases and strips whitespace so "  abcd 1234" matches "ABCD1234".
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.Join(strings.Fields(code), ""))
}

// Generate issues a random code valid for days from now.
func (s *PromoService) Generate(ctx context.Context, adminID int64, days int) (*models.PromoCode, error) {
	if days <= 0 || days > 365 {
		return nil, ErrInvalidPromoDays
	}
	now := s.ledger.Now()
	for attempt := 0; attempt < 5; attempt++ {
		code, err := randomCode(promoCodeLength)
		if err != nil {
			return nil, err
		}
		promo := &models.PromoCode{
			Code:      code,
			Status:    models.PromoActive,
			ExpiryAt:  now.Add(time.Duration(days) * 24 * time.Hour),
			CreatedBy: adminID,
			CreatedAt: now,
		}
		err = s.ledger.Promos.Create(ctx, promo)
		if errors.Is(err, repository.ErrDuplicate) {
			continue
		}
		if err != nil {
			return nil, err
		}
		s.log.Info("promo code created", "code", code, "admin_id", adminID, "days", days)
		return promo, nil
	}
	return nil, errPromoCodeCollisions
}

// Redeem consumes the code and grants premium in one transaction. The code is
// consumed even when the account already is premium.
func (s *PromoService) Redeem(ctx context.Context, userID int64, code string) (GrantResult, error) {
	code = NormalizeCode(code)
	if code == "" {
		return GrantResult{}, ErrPromoUnavailable
	}

	var grant GrantResult
	err := s.ledger.InTx(ctx, func(tx *repository.Ledger) error {
		if err := tx.Promos.Redeem(ctx, code, userID, tx.Now()); err != nil {
			return err
		}
		var err error
		grant, err = s.entitlements.grantIn(ctx, tx, userID)
		return err
	})
	if err != nil {
		return GrantResult{}, err
	}
	s.entitlements.recordGrant(userID, models.SourcePromo, code, grant)
	s.log.Info("promo code redeemed", "code", code, "user_id", userID)
	return grant, nil
}

func (s *PromoService) Get(ctx context.Context, code string) (*models.PromoCode, error) {
	return s.ledger.Promos.Get(ctx, NormalizeCode(code))
}

func (s *PromoService) List(ctx context.Context, limit int) ([]models.PromoCode, error) {
	return s.ledger.Promos.List(ctx, limit)
}

// ExpireStale flips overdue codes to expired. Redemption already refuses them;
// this keeps listings honest.
func (s *PromoService) ExpireStale(ctx context.Context) (int64, error) {
	n, err := s.ledger.Promos.ExpireStale(ctx, s.ledger.Now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info("promo codes expired", "count", n)
	}
	return n, nil
}

func randomCode(length int) (string, error) {
	var b strings.Builder
	max := big.NewInt(int64(len(promoCodeAlphabet)))
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("random promo code: %w", err)
		}
		b.WriteByte(promoCodeAlphabet[n.Int64()])
	}
	return b.String(), nil
}
