package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"WG-Telegram-bot/internal/logger"
	"WG-Telegram-bot/internal/provision"
	"WG-Telegram-bot/internal/services"
)

const (
	msgTooFast        = "Пожалуйста, не так быстро! Подождите пару секунд..."
	msgUnknownCommand = "Неизвестная команда. Используйте /help для списка всех возможностей."
	msgWrongUser      = "❌ Ошибка: неверный пользователь"
	msgAlreadyPaid    = "✅ У тебя уже есть доступ!"
	msgCardDisabled   = "❌ Оплата через банковскую карту временно недоступна.\n\n💡 Используй оплату через Telegram Stars."
	msgPaymentError   = "❌ Ошибка при обработке платежа."
	msgChooseTariff   = "💎 Выбери тариф и способ оплаты:"
)

const helpText = `Доступные команды:
/start — Главное меню
/buy — Купить VPN доступ
/connect — Получить файл конфигурации
/extend — Продлить доступ
/status — Статус доступа
/help — Показать эту справку

Покупка: /buy → выберите тариф и способ оплаты → оплатите.
После оплаты бот пришлёт файл конфигурации WireGuard или продлит текущий доступ.`

const guideText = `📖 Инструкция по использованию VPN:

1️⃣ Скачайте клиент WireGuard:
   • Windows/Mac/Linux: https://www.wireguard.com/install/
   • Android: WireGuard в Google Play
   • iOS: WireGuard в App Store

2️⃣ Получите конфигурацию кнопкой "📁 Получить конфиг"

3️⃣ Импортируйте файл в WireGuard и нажмите "Подключить"`

func userOf(u *tgbotapi.User) provision.User {
	return provision.User{ID: u.ID, Username: u.UserName}
}

// HandleUpdate разбирает один апдейт Telegram
func (b *Bot) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	defer logger.NotifyOnPanic("HandleUpdate")
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	switch {
	case update.PreCheckoutQuery != nil:
		b.handlePreCheckout(update.PreCheckoutQuery)
	case update.CallbackQuery != nil && update.CallbackQuery.From != nil:
		b.handleCallback(ctx, update.CallbackQuery)
	case update.Message != nil && update.Message.From != nil:
		if update.Message.SuccessfulPayment != nil {
			b.handleSuccessfulPayment(ctx, update.Message)
			return
		}
		b.handleMessage(ctx, update.Message)
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if !msg.IsCommand() {
		b.send(tgbotapi.NewMessage(msg.Chat.ID, msgUnknownCommand))
		return
	}
	cmd := msg.Command()
	userID := msg.From.ID
	if b.limiter.IsLimited(userID, "/"+cmd) {
		b.send(tgbotapi.NewMessage(msg.Chat.ID, msgTooFast))
		return
	}
	if strings.HasPrefix(cmd, "admin_") && b.admin != nil && userID == b.adminID {
		b.admin.Handle(ctx, msg)
		return
	}

	u := userOf(msg.From)
	switch cmd {
	case "start":
		reply := tgbotapi.NewMessage(msg.Chat.ID, b.welcomeText())
		reply.ReplyMarkup = MainMenu(b.hasPaidAccess(ctx, userID))
		b.send(reply)
		if userID == b.adminID {
			adminMsg := tgbotapi.NewMessage(msg.Chat.ID, "Админ-команды доступны на клавиатуре.")
			adminMsg.ReplyMarkup = AdminKeyboard()
			b.send(adminMsg)
		}
	case "buy":
		b.sendTariffs(msg.Chat.ID, userID, msgChooseTariff)
	case "connect":
		b.deliver(ctx, msg.Chat.ID, b.orch.RequestConfig(ctx, u))
	case "extend":
		b.extend(ctx, msg.Chat.ID, u)
	case "status":
		out := b.orch.Status(ctx, u)
		reply := tgbotapi.NewMessage(msg.Chat.ID, out.Message)
		reply.ReplyMarkup = MainMenu(out.OK)
		b.send(reply)
	case "help":
		b.send(tgbotapi.NewMessage(msg.Chat.ID, helpText))
	default:
		b.send(tgbotapi.NewMessage(msg.Chat.ID, msgUnknownCommand))
	}
}

func (b *Bot) handleCallback(ctx context.Context, cq *tgbotapi.CallbackQuery) {
	data := cq.Data
	u := userOf(cq.From)
	chatID := u.ID
	if cq.Message != nil {
		chatID = cq.Message.Chat.ID
	}
	if b.limiter.IsLimited(u.ID, callbackKind(data)) {
		b.answer(cq, msgTooFast)
		return
	}

	switch {
	case data == cbPay:
		b.answer(cq, "")
		b.sendTariffs(chatID, u.ID, msgChooseTariff)
	case data == cbAlreadyPaid:
		b.answer(cq, msgAlreadyPaid)
	case data == cbGetConfig:
		b.answer(cq, "")
		b.deliver(ctx, chatID, b.orch.RequestConfig(ctx, u))
	case data == cbExtend:
		b.answer(cq, "")
		b.extend(ctx, chatID, u)
	case data == cbStatus:
		b.answer(cq, "")
		out := b.orch.Status(ctx, u)
		b.editOrSend(cq, out.Message, MainMenu(out.OK))
	case data == cbGuide:
		b.answer(cq, "")
		b.editOrSend(cq, guideText, guideKeyboard())
	case data == cbMain:
		b.answer(cq, "")
		b.editOrSend(cq, b.welcomeText(), MainMenu(b.hasPaidAccess(ctx, u.ID)))
	case strings.HasPrefix(data, cbPayYooKDisab):
		b.answer(cq, "")
		b.send(tgbotapi.NewMessage(chatID, msgCardDisabled))
	case strings.HasPrefix(data, cbPayStars):
		b.payStars(ctx, cq, chatID, u)
	case strings.HasPrefix(data, cbPayYooKassa):
		b.payCard(ctx, cq, chatID, u)
	default:
		b.answer(cq, "")
	}
}

// callbackKind возвращает ключ лимитера для callback. Оплатные кнопки считаются одной командой
func callbackKind(data string) string {
	if strings.HasPrefix(data, "pay") {
		return cbPay
	}
	return data
}

func (b *Bot) payStars(ctx context.Context, cq *tgbotapi.CallbackQuery, chatID int64, u provision.User) {
	tariffKey, uid, err := parsePayCallback(cq.Data, cbPayStars)
	if err != nil || uid != u.ID {
		b.answer(cq, msgWrongUser)
		return
	}
	b.answer(cq, "")
	out := b.orch.RequestAccess(ctx, u, tariffKey)
	if !out.OK {
		b.send(tgbotapi.NewMessage(chatID, out.Message))
		return
	}
	t, _ := b.tariffs.Get(tariffKey)
	b.send(tgbotapi.NewMessage(chatID, out.Message))
	if _, err := b.api.Send(StarsInvoice(chatID, t, u.ID, u.Username)); err != nil {
		logger.Error("stars invoice failed", zap.Int64("user_id", u.ID), zap.String("tariff", tariffKey), zap.Error(err))
		b.send(tgbotapi.NewMessage(chatID, fmt.Sprintf(
			"❌ Ошибка при создании запроса на оплату через Telegram Stars.\n\n⭐ Стоимость: %d Stars за %s доступа",
			t.StarsPrice, t.Name)))
	}
}

func (b *Bot) payCard(ctx context.Context, cq *tgbotapi.CallbackQuery, chatID int64, u provision.User) {
	tariffKey, uid, err := parsePayCallback(cq.Data, cbPayYooKassa)
	if err != nil || uid != u.ID {
		b.answer(cq, msgWrongUser)
		return
	}
	b.answer(cq, "")
	if b.yookassa == nil {
		b.send(tgbotapi.NewMessage(chatID, msgCardDisabled))
		return
	}
	out := b.orch.RequestAccess(ctx, u, tariffKey)
	if !out.OK {
		b.send(tgbotapi.NewMessage(chatID, out.Message))
		return
	}
	t, _ := b.tariffs.Get(tariffKey)
	url, err := b.createCardPayment(ctx, u, t)
	if err != nil {
		logger.Error("yookassa payment failed", zap.Int64("user_id", u.ID), zap.String("tariff", tariffKey), zap.Error(err))
		b.send(tgbotapi.NewMessage(chatID, fmt.Sprintf(
			"❌ Ошибка при создании запроса на оплату через ЮKassa.\n\n💡 Используй оплату через Telegram Stars.\n💳 Стоимость: %d руб. за %s доступа",
			t.RubPrice, t.Name)))
		return
	}
	reply := tgbotapi.NewMessage(chatID, fmt.Sprintf("%s\n\n💳 К оплате: %d руб.", out.Message, t.RubPrice))
	reply.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonURL("💳 Оплатить картой", url)))
	b.send(reply)
}

func (b *Bot) extend(ctx context.Context, chatID int64, u provision.User) {
	out := b.orch.RequestExtend(ctx, u)
	if !out.OK {
		reply := tgbotapi.NewMessage(chatID, out.Message)
		reply.ReplyMarkup = MainMenu(false)
		b.send(reply)
		return
	}
	b.sendTariffs(chatID, u.ID, out.Message)
}

func (b *Bot) handlePreCheckout(q *tgbotapi.PreCheckoutQuery) {
	ans := tgbotapi.PreCheckoutConfig{PreCheckoutQueryID: q.ID, OK: true}
	if err := validatePreCheckout(q, b.tariffs); err != nil {
		logger.Warn("pre-checkout rejected", zap.String("payload", q.InvoicePayload), zap.Error(err))
		ans.OK = false
		ans.ErrorMessage = "Платёж не прошёл проверку. Попробуйте выбрать тариф заново."
	}
	if _, err := b.api.Request(ans); err != nil {
		logger.Error("pre-checkout answer failed", zap.Error(err))
	}
}

func (b *Bot) handleSuccessfulPayment(ctx context.Context, msg *tgbotapi.Message) {
	sp := msg.SuccessfulPayment
	c, err := starsConfirmation(msg.From, sp)
	if err != nil {
		logger.NotifyAdmin(fmt.Sprintf("Stars платёж %s от %d не разобран: %v", sp.TelegramPaymentChargeID, msg.From.ID, err))
		b.send(tgbotapi.NewMessage(msg.Chat.ID, msgPaymentError))
		return
	}
	out := b.orch.ConfirmPayment(ctx, c)
	if out.Err != nil && !errors.Is(out.Err, provision.ErrConfigTimeout) {
		note := "отклонён"
		if provision.Retryable(out.Err) {
			note = "не применён, будет повтор"
		}
		logger.NotifyAdmin(fmt.Sprintf("Stars платёж %s пользователя %d %s: %v", c.PaymentID, c.User.ID, note, out.Err))
	}
	b.deliver(ctx, msg.Chat.ID, out)
}

func (b *Bot) welcomeText() string {
	var sb strings.Builder
	sb.WriteString("Привет! Здесь ты можешь подключиться к быстрому и безопасному VPN.\n\n💎 Доступные тарифы:\n")
	for _, t := range b.tariffs.All() {
		fmt.Fprintf(&sb, "⭐ %s - %d Stars\n💳 %s - %d руб.\n\n", t.Name, t.StarsPrice, t.Name, t.RubPrice)
	}
	sb.WriteString("Выбери действие с помощью кнопок ниже:")
	return sb.String()
}

func (b *Bot) hasPaidAccess(ctx context.Context, userID int64) bool {
	g, err := b.records.GetActiveGrant(ctx, userID)
	return err == nil && g.IsPaid()
}

func (b *Bot) sendTariffs(chatID, userID int64, text string) {
	reply := tgbotapi.NewMessage(chatID, text)
	reply.ReplyMarkup = TariffKeyboard(b.tariffs.All(), userID, b.yookassa != nil)
	b.send(reply)
}

func (b *Bot) deliver(ctx context.Context, chatID int64, out provision.Outcome) {
	_ = services.Deliver(ctx, b.notifier, chatID, out)
}

func (b *Bot) editOrSend(cq *tgbotapi.CallbackQuery, text string, markup tgbotapi.InlineKeyboardMarkup) {
	if cq.Message == nil {
		reply := tgbotapi.NewMessage(cq.From.ID, text)
		reply.ReplyMarkup = markup
		b.send(reply)
		return
	}
	b.send(tgbotapi.NewEditMessageTextAndMarkup(cq.Message.Chat.ID, cq.Message.MessageID, text, markup))
}

func (b *Bot) answer(cq *tgbotapi.CallbackQuery, text string) {
	if _, err := b.api.Request(tgbotapi.NewCallback(cq.ID, text)); err != nil {
		logger.Debug("callback answer failed", zap.Error(err))
	}
}

func (b *Bot) send(c tgbotapi.Chattable) {
	if _, err := b.api.Send(c); err != nil {
		logger.Warn("telegram send failed", zap.Error(mapSendError(err)))
	}
}
