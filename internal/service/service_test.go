package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/require"

	"github.com/digkill/TestborBot/internal/config"
	"github.com/digkill/TestborBot/internal/cryptopay"
	"github.com/digkill/TestborBot/internal/database"
	"github.com/digkill/TestborBot/internal/models"
	"github.com/digkill/TestborBot/internal/repository"
	"github.com/digkill/TestborBot/pkg/logger"
)

const testToken = "crypto-token"

func testConfig() config.Config {
	return config.Config{
		AdminIDs:                     []int64{1},
		FreeTestLimit:                3,
		FreeMaxQuestions:             30,
		PremiumMaxQuestions:          100,
		QuestionsPerChunk:            20,
		PremiumStarCost:              100,
		PremiumPlusBonusStars:        50,
		StarsPrice:                   250,
		StarsPlusPrice:               400,
		TelegramPaymentProviderToken: "provider-token",
		PaymentCurrency:              "UZS",
		PaymentPriceMinorUnits:       2000000,
		PaymentPlusPriceMinorUnits:   3000000,
		CryptoPayToken:               testToken,
		CryptoAsset:                  "USDT",
		CryptoPrice:                  "1.5",
		CryptoPlusPrice:              "2.5",
		IntentTTL:                    time.Hour,
	}
}

type fakeNotifier struct {
	mu     sync.Mutex
	users  map[int64][]string
	admins []string
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{users: make(map[int64][]string)}
}

func (n *fakeNotifier) NotifyUser(_ context.Context, userID int64, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.users[userID] = append(n.users[userID], text)
	return nil
}

func (n *fakeNotifier) NotifyAdmins(_ context.Context, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.admins = append(n.admins, text)
	return nil
}

func (n *fakeNotifier) userMessages(userID int64) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.users[userID]...)
}

func (n *fakeNotifier) adminMessages() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.admins...)
}

type fakeArchive struct {
	mu   sync.Mutex
	keys []string
}

func (a *fakeArchive) ArchiveReceipt(_ context.Context, intent models.PaymentIntent, _ []byte) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := "receipts/" + intent.IntentID + ".json"
	a.keys = append(a.keys, key)
	return key, nil
}

type fakeTelegram struct {
	mu       sync.Mutex
	sent     []tgbotapi.Chattable
	requests []tgbotapi.Chattable
	sendErr  error
}

func (f *fakeTelegram) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return tgbotapi.Message{}, f.sendErr
	}
	f.sent = append(f.sent, c)
	return tgbotapi.Message{MessageID: len(f.sent)}, nil
}

func (f *fakeTelegram) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

type fakeInvoicer struct {
	err  error
	reqs []cryptopay.InvoiceRequest
}

func (f *fakeInvoicer) CreateInvoice(_ context.Context, req cryptopay.InvoiceRequest) (*cryptopay.Invoice, error) {
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	return &cryptopay.Invoice{InvoiceID: 77, Status: "active", Asset: req.Asset, Amount: cryptopay.Amount(req.Amount), BotInvoiceURL: "https://t.me/CryptoBot?start=IV77"}, nil
}

var errGeneratorDown = errors.New("generator down")

type fakeGenerator struct {
	mu    sync.Mutex
	calls [][2]int
	err   error
}

func (g *fakeGenerator) GenerateQuestions(_ context.Context, _, _ string, count, start int) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, [2]int{count, start})
	if g.err != nil {
		return "", g.err
	}
	return "questions", nil
}

// harness wires every service against one in-memory ledger.
type harness struct {
	cfg          config.Config
	ledger       *repository.Ledger
	notifier     *fakeNotifier
	archive      *fakeArchive
	tg           *fakeTelegram
	invoicer     *fakeInvoicer
	generator    *fakeGenerator
	entitlements *EntitlementService
	intents      *IntentService
	payments     *PaymentService
	reconcile    *ReconcileService
	promos       *PromoService
	users        *UserService
	tests        *TestService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := database.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, database.Migrate(context.Background(), db))

	h := &harness{
		cfg:       testConfig(),
		ledger:    repository.NewLedger(db),
		notifier:  newFakeNotifier(),
		archive:   &fakeArchive{},
		tg:        &fakeTelegram{},
		invoicer:  &fakeInvoicer{},
		generator: &fakeGenerator{},
	}
	log := logger.Discard()
	h.entitlements = NewEntitlementService(h.cfg, log, h.ledger, nil)
	h.intents = NewIntentService(h.cfg, log, h.ledger, h.entitlements, h.notifier, h.archive, nil)
	h.payments = NewPaymentService(h.cfg, log, h.tg, h.intents, h.invoicer)
	h.reconcile = NewReconcileService(testToken, log, h.ledger, h.intents, h.notifier, nil)
	h.promos = NewPromoService(log, h.ledger, h.entitlements)
	h.users = NewUserService(h.cfg, log, h.ledger)
	h.tests = NewTestService(h.cfg, log, h.ledger, h.entitlements, h.generator)
	return h
}

func (h *harness) account(t *testing.T, userID int64, stars int64) *models.Account {
	t.Helper()
	ctx := context.Background()
	acc, err := h.users.Ensure(ctx, userID, "User", "user")
	require.NoError(t, err)
	if stars > 0 {
		_, err = h.ledger.Accounts.AdjustStarBalance(ctx, userID, stars)
		require.NoError(t, err)
	}
	return acc
}

func (h *harness) reload(t *testing.T, userID int64) *models.Account {
	t.Helper()
	acc, err := h.ledger.Accounts.Get(context.Background(), userID)
	require.NoError(t, err)
	require.NotNil(t, acc)
	return acc
}
