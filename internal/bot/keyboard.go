package bot

import (
	"fmt"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"WG-Telegram-bot/config"
)

const (
	cbPay          = "pay"
	cbAlreadyPaid  = "already_paid"
	cbGetConfig    = "get_config"
	cbExtend       = "extend"
	cbStatus       = "status"
	cbGuide        = "guide"
	cbMain         = "main"
	cbPayStars     = "pay_stars_"
	cbPayYooKassa  = "pay_yookassa_"
	cbPayYooKDisab = "pay_yookassa_disabled_"
)

// MainMenu: главное меню; первая кнопка зависит от того, оплачен ли доступ
func MainMenu(paid bool) tgbotapi.InlineKeyboardMarkup {
	first := tgbotapi.NewInlineKeyboardButtonData("💎 Купить доступ", cbPay)
	if paid {
		first = tgbotapi.NewInlineKeyboardButtonData("✅ Доступ приобретен", cbAlreadyPaid)
	}
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(first),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("📁 Получить конфиг", cbGetConfig),
			tgbotapi.NewInlineKeyboardButtonData("⏰ Продлить доступ", cbExtend),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("📊 Статус доступа", cbStatus),
			tgbotapi.NewInlineKeyboardButtonData("📖 Инструкция", cbGuide),
		),
	)
}

func guideKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("🔙 Вернуться в меню", cbMain)),
	)
}

// TariffKeyboard: по кнопке на тариф для каждого способа оплаты.
// userID зашит в callback, чтобы чужое нажатие можно было отклонить.
func TariffKeyboard(tariffs []config.Tariff, userID int64, cardEnabled bool) tgbotapi.InlineKeyboardMarkup {
	uid := strconv.FormatInt(userID, 10)
	var rows [][]tgbotapi.InlineKeyboardButton
	for _, t := range tariffs {
		if t.StarsPrice > 0 {
			rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData(
				fmt.Sprintf("%s - %d ⭐", t.Name, t.StarsPrice), cbPayStars+t.Key+"_"+uid)))
		}
		if t.RubPrice <= 0 {
			continue
		}
		if cardEnabled {
			rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData(
				fmt.Sprintf("%s - %d ₽", t.Name, t.RubPrice), cbPayYooKassa+t.Key+"_"+uid)))
		} else {
			rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData(
				fmt.Sprintf("%s - %d ₽ (недоступно)", t.Name, t.RubPrice), cbPayYooKDisab+uid)))
		}
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

// AdminKeyboard: reply-клавиатура с админскими командами
func AdminKeyboard() tgbotapi.ReplyKeyboardMarkup {
	return tgbotapi.NewReplyKeyboard(
		tgbotapi.NewKeyboardButtonRow(
			tgbotapi.NewKeyboardButton("/admin_stats"),
			tgbotapi.NewKeyboardButton("/admin_grants"),
			tgbotapi.NewKeyboardButton("/admin_payments"),
		),
		tgbotapi.NewKeyboardButtonRow(
			tgbotapi.NewKeyboardButton("/admin_logs"),
			tgbotapi.NewKeyboardButton("/admin_health"),
			tgbotapi.NewKeyboardButton("/admin_reload"),
		),
		tgbotapi.NewKeyboardButtonRow(
			tgbotapi.NewKeyboardButton("/admin_recover"),
			tgbotapi.NewKeyboardButton("/admin_backup"),
		),
	)
}
