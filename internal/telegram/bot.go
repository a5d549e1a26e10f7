package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"unicode"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/sync/errgroup"

	"github.com/digkill/TestborBot/internal/config"
	"github.com/digkill/TestborBot/internal/models"
	"github.com/digkill/TestborBot/internal/service"
)

const defaultWorkers = 16

// API is the part of *tgbotapi.BotAPI the bot uses.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetChatMember(config tgbotapi.GetChatMemberConfig) (tgbotapi.ChatMember, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

type Services struct {
	Users        *service.UserService
	Entitlements *service.EntitlementService
	Tests        *service.TestService
	Payments     *service.PaymentService
	Promos       *service.PromoService
	Intents      *service.IntentService
	Broadcast    *service.BroadcastService
}

type Bot struct {
	cfg      config.Config
	api      API
	log      *slog.Logger
	svc      Services
	notifier service.Notifier
	state    *StateManager
	throttle *Throttler
	workers  int
}

func NewBot(cfg config.Config, api API, log *slog.Logger, svc Services, notifier service.Notifier) *Bot {
	return &Bot{
		cfg:      cfg,
		api:      api,
		log:      log,
		svc:      svc,
		notifier: notifier,
		state:    NewStateManager(),
		throttle: NewThrottler(cfg.ThrottleInterval),
		workers:  defaultWorkers,
	}
}

// Run polls updates until ctx is done. Updates are handled concurrently and
// in-flight handlers are allowed to finish on shutdown.
func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)
	b.log.Info("telegram bot started", "workers", b.workers)

	handlerCtx := context.WithoutCancel(ctx)
	var g errgroup.Group
	g.SetLimit(b.workers)

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return g.Wait()
			}
			g.Go(func() error {
				b.HandleUpdate(handlerCtx, update)
				return nil
			})
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			_ = g.Wait()
			b.log.Info("telegram bot stopped")
			return ctx.Err()
		}
	}
}

// HandleUpdate routes one update. Payment updates skip throttling and the
// subscription gate.
func (b *Bot) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	defer func() {
		if r := recover(); r != nil {
			b.reportError(ctx, sender(update), "update", fmt.Errorf("panic: %v", r))
		}
	}()

	switch {
	case update.PreCheckoutQuery != nil:
		if err := b.svc.Payments.HandlePreCheckout(ctx, update.PreCheckoutQuery); err != nil {
			b.reportError(ctx, update.PreCheckoutQuery.From, "pre_checkout", err)
		}
	case update.Message != nil && update.Message.SuccessfulPayment != nil:
		b.handleSuccessfulPayment(ctx, update.Message)
	case update.Message != nil:
		msg := update.Message
		if msg.From == nil {
			return
		}
		if !b.throttle.Allow(msg.From.ID) {
			b.sendText(msg.Chat.ID, "⏳ Слишком часто. Подождите секунду.")
			return
		}
		trigger := ""
		if msg.IsCommand() {
			trigger = "/" + msg.Command()
		}
		if !b.passesGate(ctx, msg.From, msg.Chat.ID, trigger) {
			return
		}
		b.handleMessage(ctx, msg)
	case update.CallbackQuery != nil:
		cb := update.CallbackQuery
		if cb.From == nil || cb.Message == nil {
			return
		}
		if !b.throttle.Allow(cb.From.ID) {
			b.answerCallback(cb.ID, "⏳ Подождите секунду")
			return
		}
		b.answerCallback(cb.ID, "")
		if !b.passesGate(ctx, cb.From, cb.Message.Chat.ID, cb.Data) {
			return
		}
		b.handleCallback(ctx, cb)
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.IsCommand() {
		b.handleCommand(ctx, msg)
		return
	}

	session := b.state.Get(msg.Chat.ID)
	switch session.State {
	case StateAwaitingSubject:
		b.handleSubject(msg, session)
	case StateAwaitingDescription:
		session.Description = strings.TrimSpace(msg.Text)
		b.askQuestionCount(ctx, msg.Chat.ID, msg.From, session)
	case StateAwaitingQuestions:
		b.handleQuestionCount(ctx, msg, session)
	case StateAwaitingPromo:
		b.state.Reset(msg.Chat.ID)
		b.redeemPromo(ctx, msg.Chat.ID, msg.From, msg.Text)
	default:
		b.sendMarkup(msg.Chat.ID, "Выберите действие в меню 👇", mainMenuKeyboard())
	}
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	switch msg.Command() {
	case "start":
		acc, err := b.ensureUser(ctx, msg.From)
		if err != nil {
			b.reportError(ctx, msg.From, "start", err)
			return
		}
		b.state.Reset(msg.Chat.ID)
		text := fmt.Sprintf("Привет, %s! 👋\n\nЯ составлю тест по любому предмету. Бесплатно доступно %d тестов до %d вопросов, с Premium лимитов нет.\n\nЗа каждый тест начисляются ⭐ звёзды, их можно обменять на Premium.",
			displayName(msg.From), quotaLimit(acc, b.cfg.FreeTestLimit), b.cfg.FreeMaxQuestions)
		b.sendMarkup(msg.Chat.ID, text, mainMenuKeyboard())
	case "help":
		b.sendMarkup(msg.Chat.ID, b.helpText(), backKeyboard())
	case "profile", "balance":
		b.sendProfile(ctx, msg.Chat.ID, msg.From)
	case "mytests":
		b.sendMyTests(ctx, msg.Chat.ID, msg.From)
	case "generate", "test":
		b.startTest(ctx, msg.Chat.ID, msg.From)
	case "premium", "buy":
		b.sendPremiumMenu(ctx, msg.Chat.ID, msg.From)
	case "promo":
		code := strings.TrimSpace(msg.CommandArguments())
		if code == "" {
			b.state.Set(msg.Chat.ID, Session{State: StateAwaitingPromo})
			b.sendText(msg.Chat.ID, "Отправьте промокод.")
			return
		}
		b.redeemPromo(ctx, msg.Chat.ID, msg.From, code)
	case "cancel":
		b.state.Reset(msg.Chat.ID)
		b.sendMarkup(msg.Chat.ID, "Отменено.", mainMenuKeyboard())
	default:
		if b.handleAdminCommand(ctx, msg) {
			return
		}
		b.sendText(msg.Chat.ID, "Неизвестная команда. Используйте /help.")
	}
}

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	chatID := cb.Message.Chat.ID
	switch {
	case cb.Data == cbGenerateTest:
		b.startTest(ctx, chatID, cb.From)
	case cb.Data == cbPremium:
		b.sendPremiumMenu(ctx, chatID, cb.From)
	case cb.Data == cbProfile:
		b.sendProfile(ctx, chatID, cb.From)
	case cb.Data == cbMyTests:
		b.sendMyTests(ctx, chatID, cb.From)
	case cb.Data == cbHelp:
		b.sendMarkup(chatID, b.helpText(), backKeyboard())
	case cb.Data == cbBackToMain:
		b.state.Reset(chatID)
		b.sendMarkup(chatID, "Главное меню", mainMenuKeyboard())
	case cb.Data == cbCheckSubscription:
		// the gate already replied if the user is still not subscribed
		b.sendMarkup(chatID, "Спасибо за подписку! ✅", mainMenuKeyboard())
	case cb.Data == cbSkipDescription:
		session := b.state.Get(chatID)
		if session.State != StateAwaitingDescription {
			return
		}
		session.Description = ""
		b.askQuestionCount(ctx, chatID, cb.From, session)
	case cb.Data == cbSpendStars:
		b.spendStars(ctx, chatID, cb.From)
	case strings.HasPrefix(cb.Data, buyPrefix):
		rail, product, ok := parseBuyData(cb.Data)
		if !ok {
			b.log.Warn("unknown buy callback", "data", cb.Data)
			return
		}
		b.buy(ctx, chatID, cb.From, rail, product)
	default:
		b.log.Warn("unknown callback", "data", cb.Data)
	}
}

func (b *Bot) startTest(ctx context.Context, chatID int64, from *tgbotapi.User) {
	acc, err := b.ensureUser(ctx, from)
	if err != nil {
		b.reportError(ctx, from, "generate_test", err)
		return
	}
	if service.CheckQuota(*acc) == service.QuotaExceeded {
		b.sendMarkup(chatID, "🚫 Бесплатные тесты закончились. Оформите Premium, чтобы продолжить.", premiumKeyboard(b.cfg, ""))
		return
	}
	b.state.Set(chatID, Session{State: StateAwaitingSubject})
	b.sendText(chatID, "📘 По какому предмету составить тест?")
}

func (b *Bot) handleSubject(msg *tgbotapi.Message, session Session) {
	subject := strings.TrimSpace(msg.Text)
	if subject == "" {
		b.sendText(msg.Chat.ID, "Название предмета не может быть пустым.")
		return
	}
	session.Subject = subject
	session.State = StateAwaitingDescription
	b.state.Set(msg.Chat.ID, session)
	b.sendMarkup(msg.Chat.ID, "✍️ Опишите тему теста или нажмите «Пропустить».", skipDescriptionKeyboard())
}

func (b *Bot) askQuestionCount(ctx context.Context, chatID int64, from *tgbotapi.User, session Session) {
	acc, err := b.ensureUser(ctx, from)
	if err != nil {
		b.reportError(ctx, from, "description", err)
		return
	}
	session.State = StateAwaitingQuestions
	b.state.Set(chatID, session)
	b.sendText(chatID, fmt.Sprintf("🔢 Сколько вопросов? Введите число от 1 до %d.", b.svc.Entitlements.MaxQuestions(*acc)))
}

func (b *Bot) handleQuestionCount(ctx context.Context, msg *tgbotapi.Message, session Session) {
	acc, err := b.ensureUser(ctx, msg.From)
	if err != nil {
		b.reportError(ctx, msg.From, "questions", err)
		return
	}
	limit := b.svc.Entitlements.MaxQuestions(*acc)
	count, err := strconv.Atoi(strings.TrimSpace(msg.Text))
	if err != nil || count < 1 || count > limit {
		b.sendText(msg.Chat.ID, fmt.Sprintf("Введите число от 1 до %d.", limit))
		return
	}
	b.state.Reset(msg.Chat.ID)
	b.sendText(msg.Chat.ID, "⏳ Составляю тест, это может занять минуту...")

	res, err := b.svc.Tests.Generate(ctx, acc.UserID, service.TestRequest{
		Subject:     session.Subject,
		Description: session.Description,
		Questions:   count,
	})
	switch {
	case errors.Is(err, service.ErrQuotaExceeded):
		b.sendMarkup(msg.Chat.ID, "🚫 Бесплатные тесты закончились. Оформите Premium, чтобы продолжить.", premiumKeyboard(b.cfg, ""))
		return
	case errors.Is(err, service.ErrTooManyQuestions):
		b.sendText(msg.Chat.ID, fmt.Sprintf("Слишком много вопросов, максимум %d.", limit))
		return
	case err != nil:
		b.sendText(msg.Chat.ID, "😔 Не удалось составить тест. Попробуйте позже, лимит не списан.")
		b.reportError(ctx, msg.From, "generate_test", err)
		return
	}
	b.deliverTest(msg.Chat.ID, session.Subject, res)
}

func (b *Bot) deliverTest(chatID int64, subject string, res *service.TestResult) {
	doc := tgbotapi.NewDocument(chatID, tgbotapi.FileBytes{
		Name:  testFileName(subject),
		Bytes: []byte(res.Text),
	})
	doc.Caption = fmt.Sprintf("✅ Тест готов: %s, %d вопросов", subject, res.Questions)
	if res.RewardStars > 0 {
		doc.Caption += fmt.Sprintf("\n⭐ +%d звёзд", res.RewardStars)
	}
	if _, err := b.api.Send(doc); err != nil {
		b.log.Error("send test document", "chat_id", chatID, "err", err)
		return
	}
	b.sendMarkup(chatID, "Что дальше?", mainMenuKeyboard())
}

func (b *Bot) sendProfile(ctx context.Context, chatID int64, from *tgbotapi.User) {
	acc, err := b.ensureUser(ctx, from)
	if err != nil {
		b.reportError(ctx, from, "profile", err)
		return
	}
	status := "Бесплатный"
	quota := fmt.Sprintf("%d / %d", acc.FreeQuotaUsed, quotaLimit(acc, b.cfg.FreeTestLimit))
	if acc.IsPremium {
		status = "💎 Premium"
		quota = fmt.Sprintf("%d / ∞", acc.FreeQuotaUsed)
	}
	text := fmt.Sprintf("👤 Профиль\n\nID: %d\nСтатус: %s\nТесты: %s\n⭐ Звёзды: %d", acc.UserID, status, quota, acc.StarBalance)
	b.sendMarkup(chatID, text, backKeyboard())
}

func (b *Bot) sendMyTests(ctx context.Context, chatID int64, from *tgbotapi.User) {
	tests, err := b.svc.Tests.ListTests(ctx, from.ID, 10)
	if err != nil {
		b.reportError(ctx, from, "my_tests", err)
		return
	}
	if len(tests) == 0 {
		b.sendMarkup(chatID, "У вас пока нет тестов.", backKeyboard())
		return
	}
	var sb strings.Builder
	sb.WriteString("📚 Последние тесты:\n")
	for i, t := range tests {
		fmt.Fprintf(&sb, "\n%d. %s (%d вопр.) %s", i+1, t.Subject, t.QuestionsCount, t.CreatedAt.Format("02.01.2006"))
	}
	b.sendMarkup(chatID, sb.String(), backKeyboard())
}

func (b *Bot) sendPremiumMenu(ctx context.Context, chatID int64, from *tgbotapi.User) {
	acc, err := b.ensureUser(ctx, from)
	if err != nil {
		b.reportError(ctx, from, "premium", err)
		return
	}
	if acc.IsPremium {
		b.sendMarkup(chatID, "💎 Premium уже активен. Спасибо!", backKeyboard())
		return
	}
	text := fmt.Sprintf("💎 Premium\n\nБезлимитные тесты до %d вопросов.\nPlus дополнительно дарит %d ⭐.\n\nУ вас %d ⭐, обмен стоит %d ⭐.",
		b.cfg.PremiumMaxQuestions, b.cfg.PremiumPlusBonusStars, acc.StarBalance, b.cfg.PremiumStarCost)
	b.sendMarkup(chatID, text, premiumKeyboard(b.cfg, ""))
}

func (b *Bot) spendStars(ctx context.Context, chatID int64, from *tgbotapi.User) {
	if _, err := b.ensureUser(ctx, from); err != nil {
		b.reportError(ctx, from, "spend_stars", err)
		return
	}
	res, err := b.svc.Entitlements.SpendStarsForPremium(ctx, from.ID, b.svc.Entitlements.StarCost())
	switch {
	case errors.Is(err, service.ErrInsufficientFunds):
		balance, _ := b.svc.Entitlements.StarBalance(ctx, from.ID)
		b.sendText(chatID, fmt.Sprintf("Недостаточно звёзд: у вас %d ⭐, нужно %d ⭐. Составляйте тесты, чтобы заработать больше.", balance, b.svc.Entitlements.StarCost()))
	case err != nil:
		b.sendText(chatID, "Не удалось активировать Premium, попробуйте позже.")
		b.reportError(ctx, from, "spend_stars", err)
	case res.AlreadyPremium:
		b.sendText(chatID, "💎 Premium уже активен, звёзды не списаны.")
	default:
		b.sendMarkup(chatID, fmt.Sprintf("✅ Premium активирован! Списано %d ⭐, осталось %d ⭐.", res.Debited, res.Balance), mainMenuKeyboard())
	}
}

func (b *Bot) buy(ctx context.Context, chatID int64, from *tgbotapi.User, rail models.Rail, product models.Product) {
	if _, err := b.ensureUser(ctx, from); err != nil {
		b.reportError(ctx, from, "buy", err)
		return
	}

	var err error
	switch rail {
	case models.RailStars:
		_, err = b.svc.Payments.SendStarsInvoice(ctx, chatID, from.ID, product)
	case models.RailCard:
		_, err = b.svc.Payments.SendCardInvoice(ctx, chatID, from.ID, product)
	case models.RailCrypto:
		var checkout *service.CryptoCheckout
		checkout, err = b.svc.Payments.CreateCryptoCheckout(ctx, from.ID, product)
		if err == nil {
			b.sendMarkup(chatID, "🪙 Счёт создан. Оплатите его в течение часа, Premium включится автоматически.", checkoutKeyboard(checkout.URL))
			return
		}
	}
	switch {
	case err == nil:
	case errors.Is(err, service.ErrRailUnavailable):
		b.sendMarkup(chatID, "Этот способ оплаты сейчас недоступен. Выберите другой:", premiumKeyboard(b.cfg, rail))
	default:
		b.sendText(chatID, "Не удалось создать счёт. Попробуйте позже.")
		b.reportError(ctx, from, "buy:"+string(rail), err)
	}
}

func (b *Bot) handleSuccessfulPayment(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil {
		return
	}
	if _, err := b.ensureUser(ctx, msg.From); err != nil {
		b.reportError(ctx, msg.From, "successful_payment", err)
		return
	}
	res, err := b.svc.Payments.HandleSuccessfulPayment(ctx, msg.From.ID, msg.SuccessfulPayment)
	if err != nil {
		b.sendText(msg.Chat.ID, "Оплата получена, но Premium не удалось включить автоматически. Администратор уже уведомлён.")
		b.reportError(ctx, msg.From, "successful_payment", err)
		return
	}
	if !res.Applied {
		b.log.Info("payment already applied", "intent_id", res.Intent.IntentID)
	}
}

func (b *Bot) redeemPromo(ctx context.Context, chatID int64, from *tgbotapi.User, code string) {
	if _, err := b.ensureUser(ctx, from); err != nil {
		b.reportError(ctx, from, "promo", err)
		return
	}
	res, err := b.svc.Promos.Redeem(ctx, from.ID, code)
	switch {
	case errors.Is(err, service.ErrPromoUnavailable):
		b.sendText(chatID, "Промокод недействителен или уже использован.")
	case err != nil:
		b.sendText(chatID, "Не удалось применить промокод, попробуйте позже.")
		b.reportError(ctx, from, "promo", err)
	case res.AlreadyPremium:
		b.sendText(chatID, "Промокод принят. Premium у вас уже был активен.")
	default:
		b.sendMarkup(chatID, "🎉 Промокод активирован! Premium включён.", mainMenuKeyboard())
	}
}

// passesGate enforces the required channel subscriptions. Lookup errors do
// not block the user.
func (b *Bot) passesGate(ctx context.Context, from *tgbotapi.User, chatID int64, trigger string) bool {
	if len(b.cfg.RequiredChannels) == 0 || b.cfg.IsAdmin(from.ID) {
		return true
	}
	switch trigger {
	case "/start", "/help", cbBackToMain, cbHelp:
		return true
	}

	var missing []config.Channel
	for _, ch := range b.cfg.RequiredChannels {
		ok, err := b.isSubscribed(ch, from.ID)
		if err != nil {
			b.log.Warn("check subscription", "channel", ch.Username, "channel_id", ch.ID, "err", err)
			continue
		}
		if !ok {
			missing = append(missing, ch)
		}
	}
	if len(missing) == 0 {
		return true
	}
	b.sendMarkup(chatID, "📢 Чтобы пользоваться ботом, подпишитесь на каналы и нажмите «Я подписался».", subscriptionKeyboard(missing))
	return false
}

func (b *Bot) isSubscribed(ch config.Channel, userID int64) (bool, error) {
	cfg := tgbotapi.ChatConfigWithUser{UserID: userID}
	switch {
	case ch.ID != 0:
		cfg.ChatID = ch.ID
	case ch.Username != "":
		cfg.SuperGroupUsername = "@" + ch.Username
	default:
		return true, nil
	}
	member, err := b.api.GetChatMember(tgbotapi.GetChatMemberConfig{ChatConfigWithUser: cfg})
	if err != nil {
		return false, err
	}
	switch strings.ToLower(member.Status) {
	case "left", "kicked", "banned":
		return false, nil
	default:
		return true, nil
	}
}

func (b *Bot) ensureUser(ctx context.Context, from *tgbotapi.User) (*models.Account, error) {
	if from == nil {
		return nil, errors.New("update without sender")
	}
	return b.svc.Users.Ensure(ctx, from.ID, displayName(from), from.UserName)
}

// reportError logs the failure and tells every admin who hit it and where.
func (b *Bot) reportError(ctx context.Context, from *tgbotapi.User, handler string, err error) {
	var userID int64
	handle := ""
	if from != nil {
		userID = from.ID
		handle = from.UserName
	}
	b.log.Error("handler failed", "handler", handler, "user_id", userID, "err", err)
	text := fmt.Sprintf("⚠️ Ошибка\nПользователь: %d (@%s)\nОбработчик: %s\nОшибка: %v", userID, handle, handler, err)
	if notifyErr := b.notifier.NotifyAdmins(ctx, text); notifyErr != nil {
		b.log.Warn("notify admins about error", "err", notifyErr)
	}
}

func (b *Bot) helpText() string {
	text := "❓ Помощь\n\n/start — главное меню\n/generate — создать тест\n/profile — профиль и звёзды\n/mytests — мои тесты\n/premium — оформить Premium\n/promo <код> — активировать промокод\n/cancel — отменить текущее действие"
	if b.cfg.SupportContact != "" {
		text += "\n\nПоддержка: " + b.cfg.SupportContact
	}
	return text
}

func (b *Bot) answerCallback(id, text string) {
	if _, err := b.api.Request(tgbotapi.NewCallback(id, text)); err != nil {
		b.log.Debug("callback ack", "err", err)
	}
}

func (b *Bot) sendText(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send text", "chat_id", chatID, "err", err)
	}
}

func (b *Bot) sendMarkup(chatID int64, text string, markup tgbotapi.InlineKeyboardMarkup) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyMarkup = markup
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send message", "chat_id", chatID, "err", err)
	}
}

func sender(update tgbotapi.Update) *tgbotapi.User {
	switch {
	case update.Message != nil:
		return update.Message.From
	case update.CallbackQuery != nil:
		return update.CallbackQuery.From
	case update.PreCheckoutQuery != nil:
		return update.PreCheckoutQuery.From
	}
	return nil
}

func displayName(u *tgbotapi.User) string {
	if u == nil {
		return ""
	}
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

func quotaLimit(acc *models.Account, fallback int) int {
	if acc != nil && acc.FreeQuotaLimit != nil {
		return *acc.FreeQuotaLimit
	}
	return fallback
}

// testFileName turns the subject into a safe attachment name.
func testFileName(subject string) string {
	name := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return '_'
	}, strings.TrimSpace(subject))
	name = strings.Trim(name, "_")
	if name == "" {
		name = "test"
	}
	if r := []rune(name); len(r) > 40 {
		name = string(r[:40])
	}
	return "test_" + name + ".txt"
}
