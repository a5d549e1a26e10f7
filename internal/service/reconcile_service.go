package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"

	"github.com/digkill/TestborBot/internal/cryptopay"
	"github.com/digkill/TestborBot/internal/metrics"
	"github.com/digkill/TestborBot/internal/models"
	"github.com/digkill/TestborBot/internal/repository"
)

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrMalformedPayload = errors.New("malformed webhook payload")
)

// WebhookResult is the acknowledged outcome of a verified delivery.
type WebhookResult string

const (
	WebhookApplied   WebhookResult = "applied"
	WebhookDuplicate WebhookResult = "duplicate"
	WebhookIgnored   WebhookResult = "ignored"
	WebhookMismatch  WebhookResult = "mismatch"
	WebhookOrphan    WebhookResult = "orphan"
)

// ReconcileService turns crypto processor deliveries into intent resolutions.
// Deliveries are at-least-once; every verified, well-formed delivery is
// acknowledged so the processor stops retrying.
type ReconcileService struct {
	token    string
	log      *slog.Logger
	ledger   *repository.Ledger
	intents  *IntentService
	notifier Notifier
	metrics  *metrics.Metrics
}

func NewReconcileService(token string, log *slog.Logger, ledger *repository.Ledger, intents *IntentService, notifier Notifier, m *metrics.Metrics) *ReconcileService {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &ReconcileService{
		token:    token,
		log:      log,
		ledger:   ledger,
		intents:  intents,
		notifier: notifier,
		metrics:  m,
	}
}

// HandleCryptoUpdate verifies, parses and applies one delivery. Errors other
// than ErrInvalidSignature and ErrMalformedPayload are infrastructure failures:
// nothing may be assumed to have changed and the processor should retry.
func (s *ReconcileService) HandleCryptoUpdate(ctx context.Context, body []byte, signature string) (WebhookResult, error) {
	if !cryptopay.VerifySignature(s.token, body, signature) {
		s.metrics.Webhook("invalid_signature")
		return "", ErrInvalidSignature
	}

	update, err := cryptopay.ParseUpdate(body)
	if err != nil {
		s.metrics.Webhook("malformed")
		return "", fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if update.UpdateType != cryptopay.UpdateInvoicePaid {
		s.log.Info("crypto update ignored", "update_type", update.UpdateType, "update_id", update.UpdateID)
		s.metrics.Webhook(string(WebhookIgnored))
		return WebhookIgnored, nil
	}

	paid := update.Payload
	intentID := strings.TrimSpace(paid.Payload)
	userID, err := ParseIntentID(intentID)
	if err != nil {
		s.metrics.Webhook("malformed")
		s.log.Warn("crypto update with unparsable payload", "payload", paid.Payload, "invoice_id", paid.InvoiceID)
		return "", fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	result, err := s.apply(ctx, intentID, userID, paid, body)
	if err != nil {
		s.metrics.Webhook("error")
		return "", err
	}
	s.metrics.Webhook(string(result))
	return result, nil
}

func (s *ReconcileService) apply(ctx context.Context, intentID string, userID int64, paid cryptopay.InvoicePayload, body []byte) (WebhookResult, error) {
	intent, err := s.intents.Get(ctx, intentID)
	if err != nil {
		return "", err
	}

	if intent == nil {
		acc, err := s.ledger.Accounts.Get(ctx, userID)
		if err != nil {
			return "", err
		}
		if acc == nil {
			s.log.Error("crypto payment for unknown account", "intent_id", intentID, "user_id", userID)
			s.alertAdmins(ctx, fmt.Sprintf("⚠️ Крипто-оплата %s %s для неизвестного пользователя %d (intent %s). Требуется ручная проверка.", paid.Amount, paid.Asset, userID, intentID))
			return WebhookOrphan, nil
		}
		if _, err := s.intents.RecordExternal(ctx, models.PaymentIntent{
			IntentID: intentID,
			UserID:   userID,
			Product:  models.ProductPremiumStandard,
			Amount:   string(paid.Amount),
			Currency: strings.ToUpper(paid.Asset),
			Rail:     models.RailCrypto,
		}); err != nil {
			return "", err
		}
		if intent, err = s.intents.Get(ctx, intentID); err != nil {
			return "", err
		}
		if intent == nil {
			return "", fmt.Errorf("intent %s vanished after late record", intentID)
		}
	}

	if reason := mismatch(intent, userID, paid); reason != "" {
		if intent.Status.Terminal() {
			return WebhookDuplicate, nil
		}
		res, err := s.intents.Fail(ctx, intentID, reason)
		if err != nil {
			return "", err
		}
		if !res.Applied {
			return WebhookDuplicate, nil
		}
		s.log.Error("crypto payment mismatch", "intent_id", intentID, "reason", reason)
		s.alertAdmins(ctx, fmt.Sprintf("⚠️ Крипто-оплата не совпала с счётом %s: %s. Пользователь %d.", intentID, reason, userID))
		return WebhookMismatch, nil
	}

	res, err := s.intents.ResolveByCallback(ctx, intentID, OutcomeSuccess, strconv.FormatInt(paid.InvoiceID, 10), body)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			s.log.Error("crypto payment for deleted account", "intent_id", intentID, "user_id", userID)
			s.alertAdmins(ctx, fmt.Sprintf("⚠️ Оплата %s получена, но аккаунт %d не найден.", intentID, userID))
			return WebhookOrphan, nil
		}
		return "", err
	}
	if !res.Applied {
		return WebhookDuplicate, nil
	}
	return WebhookApplied, nil
}

func (s *ReconcileService) alertAdmins(ctx context.Context, text string) {
	if err := s.notifier.NotifyAdmins(ctx, text); err != nil {
		s.log.Warn("notify admins", "err", err)
	}
}

func mismatch(intent *models.PaymentIntent, userID int64, paid cryptopay.InvoicePayload) string {
	if intent.UserID != userID {
		return fmt.Sprintf("user %d does not own intent", userID)
	}
	if intent.Rail != models.RailCrypto {
		return fmt.Sprintf("intent rail is %s", intent.Rail)
	}
	if !strings.EqualFold(intent.Currency, paid.Asset) {
		return fmt.Sprintf("asset %s, expected %s", paid.Asset, intent.Currency)
	}
	if !amountsEqual(intent.Amount, string(paid.Amount)) {
		return fmt.Sprintf("amount %s, expected %s", paid.Amount, intent.Amount)
	}
	return ""
}

// amountsEqual compares decimal strings numerically, so "1.5" equals "1.50".
func amountsEqual(a, b string) bool {
	x, ok := new(big.Rat).SetString(strings.TrimSpace(a))
	if !ok {
		return false
	}
	y, ok := new(big.Rat).SetString(strings.TrimSpace(b))
	if !ok {
		return false
	}
	return x.Cmp(y) == 0
}
