package telegram

import (
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/digkill/TestborBot/internal/config"
	"github.com/digkill/TestborBot/internal/models"
)

const (
	cbGenerateTest      = "generate_test"
	cbPremium           = "premium"
	cbProfile           = "profile"
	cbMyTests           = "my_tests"
	cbHelp              = "help"
	cbBackToMain        = "back_to_main"
	cbCheckSubscription = "check_subscription"
	cbSkipDescription   = "skip_description"
	cbSpendStars        = "buy:spend"

	buyPrefix = "buy:"
)

func mainMenuKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("📝 Создать тест", cbGenerateTest),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("👤 Профиль", cbProfile),
			tgbotapi.NewInlineKeyboardButtonData("📚 Мои тесты", cbMyTests),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("💎 Premium", cbPremium),
			tgbotapi.NewInlineKeyboardButtonData("❓ Помощь", cbHelp),
		),
	)
}

func backKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("⬅️ Назад", cbBackToMain),
		),
	)
}

func skipDescriptionKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("⏭ Пропустить", cbSkipDescription),
		),
	)
}

// premiumKeyboard lists only the rails that are configured.
func premiumKeyboard(cfg config.Config, exclude models.Rail) tgbotapi.InlineKeyboardMarkup {
	var rows [][]tgbotapi.InlineKeyboardButton
	rows = append(rows, tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData(fmt.Sprintf("⭐ Обменять %d звёзд", cfg.PremiumStarCost), cbSpendStars),
	))
	if exclude != models.RailStars {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(fmt.Sprintf("Premium · %d ⭐", cfg.StarsPrice), buyData(models.RailStars, models.ProductPremiumStandard)),
			tgbotapi.NewInlineKeyboardButtonData(fmt.Sprintf("Plus · %d ⭐", cfg.StarsPlusPrice), buyData(models.RailStars, models.ProductPremiumPlus)),
		))
	}
	if cfg.CardEnabled() && exclude != models.RailCard {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("💳 Premium картой", buyData(models.RailCard, models.ProductPremiumStandard)),
			tgbotapi.NewInlineKeyboardButtonData("💳 Plus картой", buyData(models.RailCard, models.ProductPremiumPlus)),
		))
	}
	if cfg.CryptoEnabled() && exclude != models.RailCrypto {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(fmt.Sprintf("🪙 Premium · %s %s", cfg.CryptoPrice, cfg.CryptoAsset), buyData(models.RailCrypto, models.ProductPremiumStandard)),
			tgbotapi.NewInlineKeyboardButtonData(fmt.Sprintf("🪙 Plus · %s %s", cfg.CryptoPlusPrice, cfg.CryptoAsset), buyData(models.RailCrypto, models.ProductPremiumPlus)),
		))
	}
	rows = append(rows, tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("⬅️ Назад", cbBackToMain),
	))
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func subscriptionKeyboard(channels []config.Channel) tgbotapi.InlineKeyboardMarkup {
	var rows [][]tgbotapi.InlineKeyboardButton
	for _, ch := range channels {
		link := ch.Link()
		if link == "" {
			continue
		}
		title := ch.Title
		if title == "" {
			title = "@" + ch.Username
		}
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonURL(title, link)))
	}
	rows = append(rows, tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("✅ Я подписался", cbCheckSubscription),
	))
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func checkoutKeyboard(url string) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonURL("Оплатить", url)),
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("⬅️ Назад", cbPremium)),
	)
}

func buyData(rail models.Rail, product models.Product) string {
	return buyPrefix + string(rail) + ":" + string(product)
}

// parseBuyData reads "buy:<rail>:<product>".
func parseBuyData(data string) (models.Rail, models.Product, bool) {
	parts := strings.Split(strings.TrimPrefix(data, buyPrefix), ":")
	if len(parts) != 2 {
		return "", "", false
	}
	rail := models.Rail(parts[0])
	product := models.Product(parts[1])
	switch rail {
	case models.RailStars, models.RailCard, models.RailCrypto:
	default:
		return "", "", false
	}
	if !product.Valid() {
		return "", "", false
	}
	return rail, product, true
}
