package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/digkill/TestborBot/internal/service"
)

const adminHelp = `🛠 Админ-панель

/stats — статистика
/top — топ пользователей по тестам
/setlimit <id> <n> — лимит бесплатных тестов
/setpremium <id> <on|off> — включить или снять Premium
/newpromo <дни> — создать промокод
/broadcast <текст> — рассылка всем
/pending — зависшие платежи
/resolve <intent> <ok|fail> — закрыть платёж вручную`

// handleAdminCommand reports false when the command is not an admin command
// or the sender is not an admin.
func (b *Bot) handleAdminCommand(ctx context.Context, msg *tgbotapi.Message) bool {
	if msg.From == nil || !b.cfg.IsAdmin(msg.From.ID) {
		return false
	}
	args := strings.Fields(msg.CommandArguments())
	chatID := msg.Chat.ID

	switch msg.Command() {
	case "admin":
		b.sendText(chatID, adminHelp)
	case "stats":
		stats, err := b.svc.Users.Stats(ctx)
		if err != nil {
			b.reportError(ctx, msg.From, "admin:stats", err)
			return true
		}
		b.sendText(chatID, fmt.Sprintf("📊 Статистика\n\nПользователей: %d\nPremium: %d\nНовых сегодня: %d\nТестов: %d\nОплат: %d\nОжидают оплаты: %d",
			stats.TotalUsers, stats.PremiumUsers, stats.NewUsersToday, stats.TotalTests, stats.CompletedPayments, stats.PendingIntents))
	case "top":
		top, err := b.svc.Users.Top(ctx, 10)
		if err != nil {
			b.reportError(ctx, msg.From, "admin:top", err)
			return true
		}
		var sb strings.Builder
		sb.WriteString("🏆 Топ по тестам\n")
		for i, acc := range top {
			name := acc.DisplayName
			if acc.Handle != "" {
				name += " @" + acc.Handle
			}
			fmt.Fprintf(&sb, "\n%d. %s (%d): %d тестов", i+1, strings.TrimSpace(name), acc.UserID, acc.TestCount)
		}
		b.sendText(chatID, sb.String())
	case "setlimit":
		b.adminSetLimit(ctx, msg, args)
	case "setpremium":
		b.adminSetPremium(ctx, msg, args)
	case "newpromo":
		days := 30
		if len(args) > 0 {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				b.sendText(chatID, "Формат: /newpromo <дни>")
				return true
			}
			days = n
		}
		promo, err := b.svc.Promos.Generate(ctx, msg.From.ID, days)
		if errors.Is(err, service.ErrInvalidPromoDays) {
			b.sendText(chatID, "Срок должен быть от 1 до 365 дней.")
			return true
		}
		if err != nil {
			b.reportError(ctx, msg.From, "admin:newpromo", err)
			return true
		}
		b.sendText(chatID, fmt.Sprintf("🎟 Промокод: %s\nДействует до %s", promo.Code, promo.ExpiryAt.Format("02.01.2006 15:04")))
	case "broadcast":
		text := strings.TrimSpace(msg.CommandArguments())
		if text == "" {
			b.sendText(chatID, "Формат: /broadcast <текст>")
			return true
		}
		b.sendText(chatID, "📣 Рассылка запущена.")
		report, err := b.svc.Broadcast.Broadcast(ctx, text)
		if err != nil {
			b.reportError(ctx, msg.From, "admin:broadcast", err)
			return true
		}
		b.sendText(chatID, fmt.Sprintf("📣 Рассылка завершена\nВсего: %d\nДоставлено: %d\nЗаблокировали: %d\nОшибок: %d",
			report.Total, report.Sent, report.Blocked, report.Failed))
	case "pending":
		intents, err := b.svc.Intents.ListPending(ctx, 15*time.Minute, 20)
		if err != nil {
			b.reportError(ctx, msg.From, "admin:pending", err)
			return true
		}
		if len(intents) == 0 {
			b.sendText(chatID, "Зависших платежей нет.")
			return true
		}
		var sb strings.Builder
		sb.WriteString("⏳ Ожидают оплаты дольше 15 минут:\n")
		for _, in := range intents {
			fmt.Fprintf(&sb, "\n%s · %d · %s %s (%s) · %s", in.IntentID, in.UserID, in.Amount, in.Currency, in.Rail, in.CreatedAt.Format("02.01 15:04"))
		}
		b.sendText(chatID, sb.String())
	case "resolve":
		b.adminResolve(ctx, msg, args)
	default:
		return false
	}
	return true
}

func (b *Bot) adminSetLimit(ctx context.Context, msg *tgbotapi.Message, args []string) {
	chatID := msg.Chat.ID
	if len(args) != 2 {
		b.sendText(chatID, "Формат: /setlimit <id> <n>")
		return
	}
	userID, err1 := strconv.ParseInt(args[0], 10, 64)
	limit, err2 := strconv.Atoi(args[1])
	if err1 != nil || err2 != nil || limit < 0 {
		b.sendText(chatID, "Формат: /setlimit <id> <n>")
		return
	}
	err := b.svc.Users.SetQuotaLimit(ctx, userID, limit)
	switch {
	case errors.Is(err, service.ErrAccountNotFound):
		b.sendText(chatID, "Пользователь не найден.")
	case errors.Is(err, service.ErrPremiumUnlimited):
		b.sendText(chatID, "У пользователя Premium, лимит не применяется.")
	case err != nil:
		b.reportError(ctx, msg.From, "admin:setlimit", err)
	default:
		b.sendText(chatID, fmt.Sprintf("✅ Лимит пользователя %d: %d тестов.", userID, limit))
	}
}

func (b *Bot) adminSetPremium(ctx context.Context, msg *tgbotapi.Message, args []string) {
	chatID := msg.Chat.ID
	if len(args) != 2 {
		b.sendText(chatID, "Формат: /setpremium <id> <on|off>")
		return
	}
	userID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		b.sendText(chatID, "Формат: /setpremium <id> <on|off>")
		return
	}
	var premium bool
	switch strings.ToLower(args[1]) {
	case "on", "1", "true":
		premium = true
	case "off", "0", "false":
	default:
		b.sendText(chatID, "Формат: /setpremium <id> <on|off>")
		return
	}
	acc, err := b.svc.Entitlements.SetPremium(ctx, userID, premium)
	switch {
	case errors.Is(err, service.ErrAccountNotFound):
		b.sendText(chatID, "Пользователь не найден.")
	case err != nil:
		b.reportError(ctx, msg.From, "admin:setpremium", err)
	case acc.IsPremium:
		b.sendText(chatID, fmt.Sprintf("💎 Premium включён для %d.", userID))
	default:
		b.sendText(chatID, fmt.Sprintf("Premium снят у %d.", userID))
	}
}

func (b *Bot) adminResolve(ctx context.Context, msg *tgbotapi.Message, args []string) {
	chatID := msg.Chat.ID
	if len(args) != 2 {
		b.sendText(chatID, "Формат: /resolve <intent> <ok|fail>")
		return
	}
	var outcome service.Outcome
	switch strings.ToLower(args[1]) {
	case "ok", "success", "completed":
		outcome = service.OutcomeSuccess
	case "fail", "failed", "failure":
		outcome = service.OutcomeFailure
	default:
		b.sendText(chatID, "Формат: /resolve <intent> <ok|fail>")
		return
	}
	res, err := b.svc.Intents.AdminOverride(ctx, args[0], outcome, msg.From.ID)
	switch {
	case errors.Is(err, service.ErrIntentNotFound):
		b.sendText(chatID, "Платёж не найден.")
	case err != nil:
		b.reportError(ctx, msg.From, "admin:resolve", err)
	case !res.Applied:
		b.sendText(chatID, fmt.Sprintf("Платёж уже закрыт: %s.", res.Intent.Status))
	default:
		b.sendText(chatID, fmt.Sprintf("✅ Платёж %s: %s.", res.Intent.IntentID, res.Intent.Status))
	}
}
