package service

import (
	"context"
	"errors"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/TestborBot/internal/models"
)

func TestInvoicePayload(t *testing.T) {
	payload := FormatInvoicePayload(models.ProductPremiumPlus, "premium_5_abc")
	assert.Equal(t, "premium_plus:premium_5_abc", payload)

	product, intentID, err := ParseInvoicePayload(payload)
	require.NoError(t, err)
	assert.Equal(t, models.ProductPremiumPlus, product)
	assert.Equal(t, "premium_5_abc", intentID)

	product, intentID, err = ParseInvoicePayload("premium_standard")
	require.NoError(t, err)
	assert.Equal(t, models.ProductPremiumStandard, product)
	assert.Empty(t, intentID)

	_, _, err = ParseInvoicePayload("stickers:abc")
	assert.ErrorIs(t, err, ErrUnknownProduct)
}

func TestSendStarsInvoiceCreatesIntentFirst(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.account(t, 10, 0)

	intent, err := h.payments.SendStarsInvoice(ctx, 10, 10, models.ProductPremiumStandard)
	require.NoError(t, err)
	assert.Equal(t, models.IntentPending, intent.Status)
	assert.Equal(t, "250", intent.Amount)
	assert.Equal(t, "XTR", intent.Currency)

	require.Len(t, h.tg.sent, 1)
	invoice, ok := h.tg.sent[0].(tgbotapi.InvoiceConfig)
	require.True(t, ok)
	assert.Equal(t, "premium_standard:"+intent.IntentID, invoice.Payload)
	assert.Equal(t, "XTR", invoice.Currency)
	assert.Empty(t, invoice.ProviderToken)
	require.Len(t, invoice.Prices, 1)
	assert.Equal(t, 250, invoice.Prices[0].Amount)
}

func TestSendInvoiceFailureFailsIntent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.account(t, 10, 0)
	h.tg.sendErr = errors.New("telegram down")

	_, err := h.payments.SendCardInvoice(ctx, 10, 10, models.ProductPremiumStandard)
	require.Error(t, err)

	intents, err := h.intents.ListForUser(ctx, 10, 10)
	require.NoError(t, err)
	require.Len(t, intents, 1)
	assert.Equal(t, models.IntentFailed, intents[0].Status)
}

func TestCardRailDisabled(t *testing.T) {
	h := newHarness(t)
	h.payments.cfg.TelegramPaymentProviderToken = ""
	_, err := h.payments.SendCardInvoice(context.Background(), 10, 10, models.ProductPremiumStandard)
	assert.ErrorIs(t, err, ErrRailUnavailable)
}

func TestCryptoCheckout(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.account(t, 10, 0)

	checkout, err := h.payments.CreateCryptoCheckout(ctx, 10, models.ProductPremiumPlus)
	require.NoError(t, err)
	assert.Equal(t, "https://t.me/CryptoBot?start=IV77", checkout.URL)
	assert.Equal(t, "2.5", checkout.Intent.Amount)

	require.Len(t, h.invoicer.reqs, 1)
	assert.Equal(t, checkout.Intent.IntentID, h.invoicer.reqs[0].Payload)
	assert.Equal(t, "USDT", h.invoicer.reqs[0].Asset)
	assert.Equal(t, 3600, h.invoicer.reqs[0].ExpiresIn)
}

func TestCryptoCheckoutProcessorDownFallsBack(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.account(t, 10, 0)
	h.invoicer.err = errors.New("unreachable")

	_, err := h.payments.CreateCryptoCheckout(ctx, 10, models.ProductPremiumStandard)
	require.ErrorIs(t, err, ErrRailUnavailable)

	intents, err := h.intents.ListForUser(ctx, 10, 10)
	require.NoError(t, err)
	require.Len(t, intents, 1)
	assert.Equal(t, models.IntentFailed, intents[0].Status)
	assert.False(t, h.reload(t, 10).IsPremium)
}

func preCheckoutAnswer(t *testing.T, h *harness) tgbotapi.PreCheckoutConfig {
	t.Helper()
	require.NotEmpty(t, h.tg.requests)
	answer, ok := h.tg.requests[len(h.tg.requests)-1].(tgbotapi.PreCheckoutConfig)
	require.True(t, ok)
	return answer
}

func TestPreCheckout(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.account(t, 10, 0)
	intent, err := h.payments.SendStarsInvoice(ctx, 10, 10, models.ProductPremiumStandard)
	require.NoError(t, err)

	query := &tgbotapi.PreCheckoutQuery{
		ID:             "q1",
		From:           &tgbotapi.User{ID: 10},
		Currency:       "XTR",
		TotalAmount:    250,
		InvoicePayload: FormatInvoicePayload(models.ProductPremiumStandard, intent.IntentID),
	}
	require.NoError(t, h.payments.HandlePreCheckout(ctx, query))
	assert.True(t, preCheckoutAnswer(t, h).OK)

	query.From = &tgbotapi.User{ID: 11}
	require.NoError(t, h.payments.HandlePreCheckout(ctx, query))
	assert.False(t, preCheckoutAnswer(t, h).OK)

	query.From = &tgbotapi.User{ID: 10}
	query.TotalAmount = 1
	require.NoError(t, h.payments.HandlePreCheckout(ctx, query))
	assert.False(t, preCheckoutAnswer(t, h).OK)

	query.TotalAmount = 250
	_, err = h.intents.Fail(ctx, intent.IntentID, "cancelled")
	require.NoError(t, err)
	require.NoError(t, h.payments.HandlePreCheckout(ctx, query))
	answer := preCheckoutAnswer(t, h)
	assert.False(t, answer.OK)
	assert.NotEmpty(t, answer.ErrorMessage)

	query.InvoicePayload = "unknown"
	require.NoError(t, h.payments.HandlePreCheckout(ctx, query))
	assert.False(t, preCheckoutAnswer(t, h).OK)
}

func TestSuccessfulPaymentGrantsOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.account(t, 10, 0)
	intent, err := h.payments.SendStarsInvoice(ctx, 10, 10, models.ProductPremiumPlus)
	require.NoError(t, err)

	payment := &tgbotapi.SuccessfulPayment{
		Currency:                "XTR",
		TotalAmount:             400,
		InvoicePayload:          FormatInvoicePayload(models.ProductPremiumPlus, intent.IntentID),
		TelegramPaymentChargeID: "charge-1",
	}
	res, err := h.payments.HandleSuccessfulPayment(ctx, 10, payment)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, "charge-1", res.Intent.ProviderRef)

	again, err := h.payments.HandleSuccessfulPayment(ctx, 10, payment)
	require.NoError(t, err)
	assert.False(t, again.Applied)

	acc := h.reload(t, 10)
	assert.True(t, acc.IsPremium)
	assert.Equal(t, int64(50), acc.StarBalance)
}

func TestSuccessfulPaymentWithBarePayload(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.account(t, 10, 0)

	res, err := h.payments.HandleSuccessfulPayment(ctx, 10, &tgbotapi.SuccessfulPayment{
		Currency:                "UZS",
		TotalAmount:             2000000,
		InvoicePayload:          "premium_standard",
		TelegramPaymentChargeID: "tg-9",
		ProviderPaymentChargeID: "prov-9",
	})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, "tg_tg-9", res.Intent.IntentID)
	assert.Equal(t, models.RailCard, res.Intent.Rail)
	assert.Equal(t, "prov-9", res.Intent.ProviderRef)
	assert.True(t, h.reload(t, 10).IsPremium)
}
