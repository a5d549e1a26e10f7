package admin

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/TestborBot/internal/config"
	"github.com/digkill/TestborBot/internal/cryptopay"
	"github.com/digkill/TestborBot/internal/database"
	"github.com/digkill/TestborBot/internal/metrics"
	"github.com/digkill/TestborBot/internal/models"
	"github.com/digkill/TestborBot/internal/repository"
	"github.com/digkill/TestborBot/internal/service"
	"github.com/digkill/TestborBot/pkg/logger"
)

const (
	token    = "crypto-token"
	username = "admin"
	password = "secret"
)

type nopTelegram struct{}

func (nopTelegram) Send(tgbotapi.Chattable) (tgbotapi.Message, error) { return tgbotapi.Message{}, nil }
func (nopTelegram) Request(tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	return &tgbotapi.APIResponse{Ok: true}, nil
}

type fixture struct {
	srv     *httptest.Server
	ledger  *repository.Ledger
	intents *service.IntentService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, database.Migrate(context.Background(), db))

	cfg := config.Config{
		FreeTestLimit:         3,
		PremiumPlusBonusStars: 50,
		CryptoPayToken:        token,
		CryptoAsset:           "USDT",
		CryptoPrice:           "1.5",
	}
	log := logger.Discard()
	m := metrics.New()
	ledger := repository.NewLedger(db)
	entitlements := service.NewEntitlementService(cfg, log, ledger, m)
	intents := service.NewIntentService(cfg, log, ledger, entitlements, nil, nil, m)
	users := service.NewUserService(cfg, log, ledger)

	server := NewServer(Options{
		Username:    username,
		Password:    password,
		WebhookPath: "/cryptopay/webhook",
	}, log, Services{
		Users:        users,
		Entitlements: entitlements,
		Intents:      intents,
		Promos:       service.NewPromoService(log, ledger, entitlements),
		Reconcile:    service.NewReconcileService(token, log, ledger, intents, nil, m),
		Broadcast:    service.NewBroadcastService(log, nopTelegram{}, users, 1000),
	}, m)

	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	for _, id := range []int64{10, 11} {
		_, err := users.Ensure(context.Background(), id, "User", "")
		require.NoError(t, err)
	}
	return &fixture{srv: srv, ledger: ledger, intents: intents}
}

func (f *fixture) do(t *testing.T, method, path string, body any, auth bool) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if raw, ok := body.([]byte); ok {
		reader = bytes.NewReader(raw)
	} else {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, reader)
	require.NoError(t, err)
	if auth {
		req.SetBasicAuth(username, password)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (f *fixture) webhook(t *testing.T, body []byte, signature string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/cryptopay/webhook", bytes.NewReader(body))
	require.NoError(t, err)
	if signature != "" {
		req.Header.Set(cryptopay.SignatureHeader, signature)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func paidUpdate(intentID, amount string) []byte {
	return []byte(fmt.Sprintf(`{"update_id":5,"update_type":"invoice_paid","payload":{"invoice_id":9,"status":"paid","asset":"USDT","amount":%q,"payload":%q}}`, amount, intentID))
}

func signed(body []byte) string {
	return hex.EncodeToString(cryptopay.Sign(token, body))
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestCryptoWebhook(t *testing.T) {
	f := newFixture(t)
	intent, err := f.intents.CreateIntent(context.Background(), 10, models.ProductPremiumStandard, "1.5", "USDT", models.RailCrypto)
	require.NoError(t, err)
	body := paidUpdate(intent.IntentID, "1.5")

	resp := f.webhook(t, body, "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = f.webhook(t, body, strings.Repeat("0", 64))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = f.webhook(t, body, signed(body))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result := decode[map[string]string](t, resp)
	assert.Equal(t, "ok", result["status"])
	assert.Equal(t, "applied", result["result"])

	resp = f.webhook(t, body, signed(body))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "duplicate", decode[map[string]string](t, resp)["result"])

	acc, err := f.ledger.Accounts.Get(context.Background(), 10)
	require.NoError(t, err)
	assert.True(t, acc.IsPremium)

	resp = f.do(t, http.MethodGet, "/metrics", nil, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	scrape, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(scrape), `testbor_webhook_deliveries_total{result="applied"} 1`)
	assert.Contains(t, string(scrape), `testbor_webhook_deliveries_total{result="duplicate"} 1`)
}

func TestCryptoWebhookMalformed(t *testing.T) {
	f := newFixture(t)
	body := []byte(`{"update_type":"invoice_paid","payload":{"payload":"garbage"}}`)
	resp := f.webhook(t, body, signed(body))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	ignored := []byte(`{"update_type":"invoice_created"}`)
	resp = f.webhook(t, ignored, signed(ignored))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ignored", decode[map[string]string](t, resp)["result"])
}

func TestCryptoWebhookBodyLimit(t *testing.T) {
	f := newFixture(t)
	body := bytes.Repeat([]byte("a"), maxWebhookBody+1)
	resp := f.webhook(t, body, signed(body))
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestAdminRequiresAuth(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{"/stats", "/metrics", "/promo-codes", "/intents/pending"} {
		resp := f.do(t, http.MethodGet, path, nil, false)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
	}
}

func TestAdminStatsAndMetrics(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/stats", nil, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stats := decode[models.Stats](t, resp)
	assert.Equal(t, 2, stats.TotalUsers)

	resp = f.do(t, http.MethodGet, "/metrics", nil, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAdminPromoCodes(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/promo-codes", map[string]any{"days": 0}, true)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/promo-codes", map[string]any{"days": 7, "admin_id": 1}, true)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	promo := decode[models.PromoCode](t, resp)
	assert.Len(t, promo.Code, 8)

	resp = f.do(t, http.MethodGet, "/promo-codes", nil, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	promos := decode[[]models.PromoCode](t, resp)
	require.Len(t, promos, 1)
	assert.Equal(t, promo.Code, promos[0].Code)
}

func TestAdminUsers(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPut, "/users/10/limit", map[string]any{"limit": 7}, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	acc := decode[models.Account](t, resp)
	require.NotNil(t, acc.FreeQuotaLimit)
	assert.Equal(t, 7, *acc.FreeQuotaLimit)

	resp = f.do(t, http.MethodPut, "/users/10/premium", map[string]any{"premium": true}, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decode[models.Account](t, resp).IsPremium)

	resp = f.do(t, http.MethodPut, "/users/10/limit", map[string]any{"limit": 7}, true)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = f.do(t, http.MethodPut, "/users/999/premium", map[string]any{"premium": true}, true)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(t, http.MethodPut, "/users/abc/premium", map[string]any{"premium": true}, true)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAdminResolvePendingIntent(t *testing.T) {
	f := newFixture(t)
	intent, err := f.intents.CreateIntent(context.Background(), 11, models.ProductPremiumPlus, "2.5", "USDT", models.RailCrypto)
	require.NoError(t, err)

	resp := f.do(t, http.MethodGet, "/intents/pending", nil, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	pending := decode[[]models.PaymentIntent](t, resp)
	require.Len(t, pending, 1)

	resp = f.do(t, http.MethodGet, "/intents/pending?older_than="+time.Hour.String(), nil, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[[]models.PaymentIntent](t, resp))

	resp = f.do(t, http.MethodPost, "/intents/"+intent.IntentID+"/resolve", map[string]any{"outcome": "maybe"}, true)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/intents/"+intent.IntentID+"/resolve", map[string]any{"outcome": "completed", "admin_id": 1}, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/intents/"+intent.IntentID+"/resolve", map[string]any{"outcome": "failed", "admin_id": 1}, true)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/intents/premium_11_missing/resolve", map[string]any{"outcome": "failed"}, true)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	acc, err := f.ledger.Accounts.Get(context.Background(), 11)
	require.NoError(t, err)
	assert.True(t, acc.IsPremium)
	assert.Equal(t, int64(50), acc.StarBalance)
}

func TestAdminBroadcast(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/broadcast", map[string]any{"message": ""}, true)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/broadcast", map[string]any{"message": "hello"}, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	report := decode[service.BroadcastReport](t, resp)
	assert.Equal(t, 2, report.Sent)
}
