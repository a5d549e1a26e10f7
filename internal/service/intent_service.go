package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/digkill/TestborBot/internal/config"
	"github.com/digkill/TestborBot/internal/metrics"
	"github.com/digkill/TestborBot/internal/models"
	"github.com/digkill/TestborBot/internal/repository"
)

var (
	ErrIntentNotFound   = repository.ErrIntentNotFound
	ErrInvalidReference = errors.New("invalid intent reference")
)

type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
)

func (o Outcome) status() models.IntentStatus {
	if o == OutcomeSuccess {
		return models.IntentCompleted
	}
	return models.IntentFailed
}

// Resolution describes what a resolve call did. Applied is false when the
// intent had already been resolved by someone else; that is not an error.
type Resolution struct {
	Intent     models.PaymentIntent
	Applied    bool
	Grant      GrantResult
	BonusStars int64
}

type IntentService struct {
	cfg          config.Config
	log          *slog.Logger
	ledger       *repository.Ledger
	entitlements *EntitlementService
	notifier     Notifier
	archive      ReceiptArchive
	metrics      *metrics.Metrics
}

func NewIntentService(cfg config.Config, log *slog.Logger, ledger *repository.Ledger, entitlements *EntitlementService, notifier Notifier, archive ReceiptArchive, m *metrics.Metrics) *IntentService {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &IntentService{
		cfg:          cfg,
		log:          log,
		ledger:       ledger,
		entitlements: entitlements,
		notifier:     notifier,
		archive:      archive,
		metrics:      m,
	}
}

var intentIDPattern = regexp.MustCompile(`^premium_(\d+)_([A-Za-z0-9]+)$`)

// NewIntentID returns premium_<user_id>_<random>.
func NewIntentID(userID int64) string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("premium_%d_%s", userID, random[:12])
}

// ParseIntentID extracts the user id embedded in an intent reference.
func ParseIntentID(ref string) (int64, error) {
	m := intentIDPattern.FindStringSubmatch(strings.TrimSpace(ref))
	if m == nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidReference, ref)
	}
	userID, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil || userID <= 0 {
		return 0, fmt.Errorf("%w: bad user id in %q", ErrInvalidReference, ref)
	}
	return userID, nil
}

// CreateIntent persists a pending intent. It must run before any checkout
// link or invoice reaches the user.
func (s *IntentService) CreateIntent(ctx context.Context, userID int64, product models.Product, amount, currency string, rail models.Rail) (*models.PaymentIntent, error) {
	if !product.Valid() {
		return nil, fmt.Errorf("create intent: unknown product %q", product)
	}
	for attempt := 0; attempt < 3; attempt++ {
		intent := &models.PaymentIntent{
			IntentID:  NewIntentID(userID),
			UserID:    userID,
			Product:   product,
			Amount:    amount,
			Currency:  currency,
			Rail:      rail,
			Status:    models.IntentPending,
			CreatedAt: s.ledger.Now(),
		}
		err := s.ledger.Intents.Create(ctx, intent)
		if errors.Is(err, repository.ErrDuplicate) {
			continue
		}
		if err != nil {
			return nil, err
		}
		s.metrics.IntentCreated(string(rail))
		s.log.Info("payment intent created", "intent_id", intent.IntentID, "user_id", userID, "rail", rail, "amount", amount, "currency", currency)
		return intent, nil
	}
	return nil, fmt.Errorf("create intent: id collision for user %d", userID)
}

// RecordExternal stores an intent whose id was chosen elsewhere, such as a
// confirmation for a checkout this process never saw. An existing row wins.
func (s *IntentService) RecordExternal(ctx context.Context, intent models.PaymentIntent) (bool, error) {
	intent.Status = models.IntentPending
	if intent.CreatedAt.IsZero() {
		intent.CreatedAt = s.ledger.Now()
	}
	err := s.ledger.Intents.Create(ctx, &intent)
	if errors.Is(err, repository.ErrDuplicate) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	s.metrics.IntentCreated(string(intent.Rail))
	s.log.Warn("payment intent recorded late", "intent_id", intent.IntentID, "user_id", intent.UserID, "rail", intent.Rail)
	return true, nil
}

func (s *IntentService) Get(ctx context.Context, intentID string) (*models.PaymentIntent, error) {
	return s.ledger.Intents.Get(ctx, intentID)
}

func (s *IntentService) ListPending(ctx context.Context, olderThan time.Duration, limit int) ([]models.PaymentIntent, error) {
	return s.ledger.Intents.ListPending(ctx, s.ledger.Now().Add(-olderThan), limit)
}

func (s *IntentService) ListForUser(ctx context.Context, userID int64, limit int) ([]models.PaymentIntent, error) {
	return s.ledger.Intents.ListForUser(ctx, userID, limit)
}

// ResolveByCallback settles an intent from a processor or bot callback.
func (s *IntentService) ResolveByCallback(ctx context.Context, intentID string, outcome Outcome, providerRef string, raw []byte) (*Resolution, error) {
	return s.resolve(ctx, intentID, outcome, providerRef, "", raw, "")
}

// Fail marks a pending intent failed, e.g. when the processor could not be reached.
func (s *IntentService) Fail(ctx context.Context, intentID, reason string) (*Resolution, error) {
	return s.resolve(ctx, intentID, OutcomeFailure, "", reason, nil, "")
}

// AdminOverride is the manual resolver for intents a processor never confirmed.
func (s *IntentService) AdminOverride(ctx context.Context, intentID string, outcome Outcome, adminID int64) (*Resolution, error) {
	ref := fmt.Sprintf("admin:%d", adminID)
	return s.resolve(ctx, intentID, outcome, ref, "admin override", nil, models.SourceAdmin)
}

func (s *IntentService) resolve(ctx context.Context, intentID string, outcome Outcome, providerRef, reason string, raw []byte, source models.GrantSource) (*Resolution, error) {
	status := outcome.status()
	res := &Resolution{}
	grantSource := source

	err := s.ledger.InTx(ctx, func(tx *repository.Ledger) error {
		applied, err := tx.Intents.Resolve(ctx, intentID, status, providerRef, reason, tx.Now())
		if err != nil {
			return err
		}
		intent, err := tx.Intents.Get(ctx, intentID)
		if err != nil {
			return err
		}
		if intent == nil {
			return ErrIntentNotFound
		}
		res.Intent = *intent
		res.Applied = applied
		if !applied || status != models.IntentCompleted {
			return nil
		}

		if grantSource == "" {
			grantSource = sourceForRail(intent.Rail)
		}
		grant, err := s.entitlements.grantIn(ctx, tx, intent.UserID)
		if err != nil {
			return fmt.Errorf("grant premium for %s: %w", intentID, err)
		}
		res.Grant = grant

		if intent.Product == models.ProductPremiumPlus && s.cfg.PremiumPlusBonusStars > 0 {
			bonus := int64(s.cfg.PremiumPlusBonusStars)
			if _, err := tx.Accounts.AdjustStarBalance(ctx, intent.UserID, bonus); err != nil {
				return fmt.Errorf("credit bonus stars for %s: %w", intentID, err)
			}
			res.BonusStars = bonus
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.IntentResolved(string(res.Intent.Rail), string(res.Intent.Status), res.Applied)
	if !res.Applied {
		s.log.Info("payment intent already resolved", "intent_id", intentID, "status", res.Intent.Status)
		return res, nil
	}
	s.log.Info("payment intent resolved", "intent_id", intentID, "status", status, "provider_ref", providerRef)
	if status == models.IntentCompleted {
		s.entitlements.recordGrant(res.Intent.UserID, grantSource, intentID, res.Grant)
		s.metrics.StarsCredited(res.BonusStars)
		s.afterCompletion(ctx, res, raw)
	}
	return res, nil
}

// afterCompletion runs the side effects of a committed payment. None of them
// may fail the payment.
func (s *IntentService) afterCompletion(ctx context.Context, res *Resolution, raw []byte) {
	intent := res.Intent

	text := "✅ Premium активирован! Лимит на тесты снят."
	if res.Grant.AlreadyPremium {
		text = "✅ Оплата получена. Premium уже был активен."
	}
	if res.BonusStars > 0 {
		text += fmt.Sprintf("\n⭐ Бонус: +%d звёзд.", res.BonusStars)
	}
	if err := s.notifier.NotifyUser(ctx, intent.UserID, text); err != nil {
		s.log.Warn("notify user about payment", "intent_id", intent.IntentID, "err", err)
	}

	adminText := fmt.Sprintf("💰 Оплата: %s %s (%s)\nПользователь: %d\nIntent: %s", intent.Amount, intent.Currency, intent.Rail, intent.UserID, intent.IntentID)
	if err := s.notifier.NotifyAdmins(ctx, adminText); err != nil {
		s.log.Warn("notify admins about payment", "intent_id", intent.IntentID, "err", err)
	}

	if s.archive != nil && len(raw) > 0 {
		key, err := s.archive.ArchiveReceipt(ctx, intent, raw)
		if err != nil {
			s.log.Warn("archive receipt", "intent_id", intent.IntentID, "err", err)
		} else {
			s.log.Debug("receipt archived", "intent_id", intent.IntentID, "key", key)
		}
	}
}

func sourceForRail(rail models.Rail) models.GrantSource {
	switch rail {
	case models.RailStars:
		return models.SourceNative
	case models.RailCard:
		return models.SourceCard
	default:
		return models.SourceCrypto
	}
}
