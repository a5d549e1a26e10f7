package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/digkill/TestborBot/internal/config"
	"github.com/digkill/TestborBot/internal/cryptopay"
	"github.com/digkill/TestborBot/internal/models"
)

const starsCurrency = "XTR"

var (
	ErrRailUnavailable = errors.New("payment rail unavailable")
	ErrUnknownProduct  = errors.New("unknown product")
)

// TelegramAPI is the part of *tgbotapi.BotAPI the payment rails use.
type TelegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// CryptoInvoicer opens checkouts on the crypto processor.
type CryptoInvoicer interface {
	CreateInvoice(ctx context.Context, req cryptopay.InvoiceRequest) (*cryptopay.Invoice, error)
}

type CryptoCheckout struct {
	Intent *models.PaymentIntent
	URL    string
}

type PaymentService struct {
	cfg     config.Config
	log     *slog.Logger
	api     TelegramAPI
	intents *IntentService
	crypto  CryptoInvoicer
}

func NewPaymentService(cfg config.Config, log *slog.Logger, api TelegramAPI, intents *IntentService, crypto CryptoInvoicer) *PaymentService {
	return &PaymentService{
		cfg:     cfg,
		log:     log,
		api:     api,
		intents: intents,
		crypto:  crypto,
	}
}

// FormatInvoicePayload builds "<product>:<intent_id>".
func FormatInvoicePayload(product models.Product, intentID string) string {
	return string(product) + ":" + intentID
}

// ParseInvoicePayload accepts "<product>:<intent_id>" or a bare product code.
func ParseInvoicePayload(payload string) (models.Product, string, error) {
	productPart, intentID, _ := strings.Cut(strings.TrimSpace(payload), ":")
	product := models.Product(productPart)
	if !product.Valid() {
		return "", "", fmt.Errorf("%w: %q", ErrUnknownProduct, payload)
	}
	return product, intentID, nil
}

// Price returns the amount and currency of product on rail.
func (s *PaymentService) Price(product models.Product, rail models.Rail) (string, string, error) {
	if !product.Valid() {
		return "", "", fmt.Errorf("%w: %q", ErrUnknownProduct, product)
	}
	plus := product == models.ProductPremiumPlus
	switch rail {
	case models.RailStars:
		if plus {
			return strconv.Itoa(s.cfg.StarsPlusPrice), starsCurrency, nil
		}
		return strconv.Itoa(s.cfg.StarsPrice), starsCurrency, nil
	case models.RailCard:
		if plus {
			return strconv.Itoa(s.cfg.PaymentPlusPriceMinorUnits), s.cfg.PaymentCurrency, nil
		}
		return strconv.Itoa(s.cfg.PaymentPriceMinorUnits), s.cfg.PaymentCurrency, nil
	case models.RailCrypto:
		if plus {
			return s.cfg.CryptoPlusPrice, s.cfg.CryptoAsset, nil
		}
		return s.cfg.CryptoPrice, s.cfg.CryptoAsset, nil
	default:
		return "", "", fmt.Errorf("unknown rail %q", rail)
	}
}

// SendStarsInvoice records an intent and sends a Telegram Stars invoice.
func (s *PaymentService) SendStarsInvoice(ctx context.Context, chatID, userID int64, product models.Product) (*models.PaymentIntent, error) {
	return s.sendInvoice(ctx, chatID, userID, product, models.RailStars, "")
}

// SendCardInvoice records an intent and sends an invoice through the card provider.
func (s *PaymentService) SendCardInvoice(ctx context.Context, chatID, userID int64, product models.Product) (*models.PaymentIntent, error) {
	if !s.cfg.CardEnabled() {
		return nil, ErrRailUnavailable
	}
	return s.sendInvoice(ctx, chatID, userID, product, models.RailCard, s.cfg.TelegramPaymentProviderToken)
}

func (s *PaymentService) sendInvoice(ctx context.Context, chatID, userID int64, product models.Product, rail models.Rail, providerToken string) (*models.PaymentIntent, error) {
	amount, currency, err := s.Price(product, rail)
	if err != nil {
		return nil, err
	}
	minor, err := strconv.Atoi(amount)
	if err != nil {
		return nil, fmt.Errorf("invoice amount %q: %w", amount, err)
	}

	intent, err := s.intents.CreateIntent(ctx, userID, product, amount, currency, rail)
	if err != nil {
		return nil, err
	}

	title, description := productTitle(product, s.cfg.PremiumPlusBonusStars)
	invoice := tgbotapi.NewInvoice(chatID,
		title,
		description,
		FormatInvoicePayload(product, intent.IntentID),
		providerToken,
		"premium",
		currency,
		[]tgbotapi.LabeledPrice{{Label: title, Amount: minor}},
	)
	invoice.SuggestedTipAmounts = []int{}

	if _, err := s.api.Send(invoice); err != nil {
		if _, failErr := s.intents.Fail(ctx, intent.IntentID, "invoice not delivered"); failErr != nil {
			s.log.Error("fail undelivered intent", "intent_id", intent.IntentID, "err", failErr)
		}
		return nil, fmt.Errorf("send invoice: %w", err)
	}
	return intent, nil
}

// CreateCryptoCheckout records an intent and opens an invoice on the crypto
// processor. When the processor stays unreachable the intent is failed and
// ErrRailUnavailable tells the caller to offer another rail.
func (s *PaymentService) CreateCryptoCheckout(ctx context.Context, userID int64, product models.Product) (*CryptoCheckout, error) {
	if s.crypto == nil || !s.cfg.CryptoEnabled() {
		return nil, ErrRailUnavailable
	}
	amount, asset, err := s.Price(product, models.RailCrypto)
	if err != nil {
		return nil, err
	}
	intent, err := s.intents.CreateIntent(ctx, userID, product, amount, asset, models.RailCrypto)
	if err != nil {
		return nil, err
	}

	title, _ := productTitle(product, s.cfg.PremiumPlusBonusStars)
	invoice, err := s.crypto.CreateInvoice(ctx, cryptopay.InvoiceRequest{
		Asset:       asset,
		Amount:      amount,
		Description: title,
		Payload:     intent.IntentID,
		ExpiresIn:   int(s.cfg.IntentTTL.Seconds()),
	})
	if err != nil {
		s.log.Error("create crypto invoice", "intent_id", intent.IntentID, "err", err)
		if _, failErr := s.intents.Fail(ctx, intent.IntentID, "processor unavailable"); failErr != nil {
			s.log.Error("fail crypto intent", "intent_id", intent.IntentID, "err", failErr)
		}
		return nil, fmt.Errorf("%w: %v", ErrRailUnavailable, err)
	}
	return &CryptoCheckout{Intent: intent, URL: invoice.URL()}, nil
}

// HandlePreCheckout approves the checkout unless the referenced intent is
// known and can no longer be paid.
func (s *PaymentService) HandlePreCheckout(ctx context.Context, query *tgbotapi.PreCheckoutQuery) error {
	reason := s.preCheckoutRejection(ctx, query)
	response := tgbotapi.PreCheckoutConfig{
		PreCheckoutQueryID: query.ID,
		OK:                 reason == "",
		ErrorMessage:       reason,
	}
	if reason != "" {
		s.log.Warn("pre-checkout rejected", "payload", query.InvoicePayload, "reason", reason)
	}
	if _, err := s.api.Request(response); err != nil {
		return fmt.Errorf("answer pre-checkout: %w", err)
	}
	return nil
}

func (s *PaymentService) preCheckoutRejection(ctx context.Context, query *tgbotapi.PreCheckoutQuery) string {
	_, intentID, err := ParseInvoicePayload(query.InvoicePayload)
	if err != nil {
		return "Неизвестный товар."
	}
	if intentID == "" {
		return ""
	}
	intent, err := s.intents.Get(ctx, intentID)
	if err != nil {
		s.log.Error("pre-checkout intent lookup", "intent_id", intentID, "err", err)
		return "Не удалось проверить счёт, попробуйте ещё раз."
	}
	if intent == nil {
		return ""
	}
	if intent.Status.Terminal() {
		return "Этот счёт уже оплачен или отменён. Создайте новый."
	}
	if query.From != nil && intent.UserID != query.From.ID {
		return "Счёт выставлен другому пользователю."
	}
	if intent.Currency != query.Currency || intent.Amount != strconv.Itoa(query.TotalAmount) {
		return "Сумма счёта изменилась. Создайте новый."
	}
	return ""
}

// HandleSuccessfulPayment settles the intent behind a native Telegram payment.
// A bare product payload is recorded under the Telegram charge id first.
func (s *PaymentService) HandleSuccessfulPayment(ctx context.Context, userID int64, payment *tgbotapi.SuccessfulPayment) (*Resolution, error) {
	product, intentID, err := ParseInvoicePayload(payment.InvoicePayload)
	if err != nil {
		s.log.Warn("unknown invoice payload, treating as standard", "payload", payment.InvoicePayload)
		product = models.ProductPremiumStandard
	}
	if intentID == "" {
		intentID = "tg_" + payment.TelegramPaymentChargeID
	}

	rail := models.RailCard
	if payment.Currency == starsCurrency {
		rail = models.RailStars
	}
	if _, err := s.intents.RecordExternal(ctx, models.PaymentIntent{
		IntentID: intentID,
		UserID:   userID,
		Product:  product,
		Amount:   strconv.Itoa(payment.TotalAmount),
		Currency: payment.Currency,
		Rail:     rail,
	}); err != nil {
		return nil, fmt.Errorf("record payment intent: %w", err)
	}

	raw, err := json.Marshal(payment)
	if err != nil {
		raw = nil
	}
	ref := payment.TelegramPaymentChargeID
	if payment.ProviderPaymentChargeID != "" {
		ref = payment.ProviderPaymentChargeID
	}
	res, err := s.intents.ResolveByCallback(ctx, intentID, OutcomeSuccess, ref, raw)
	if err != nil {
		return nil, err
	}
	if res.Intent.UserID != userID {
		s.log.Warn("payment from a different user than the intent owner", "intent_id", intentID, "payer", userID, "owner", res.Intent.UserID)
	}
	return res, nil
}

func productTitle(product models.Product, bonus int) (string, string) {
	if product == models.ProductPremiumPlus {
		return "Premium Plus", fmt.Sprintf("Безлимитные тесты до 100 вопросов и +%d звёзд в подарок.", bonus)
	}
	return "Premium", "Безлимитные тесты до 100 вопросов."
}
