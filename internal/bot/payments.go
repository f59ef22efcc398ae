package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"WG-Telegram-bot/config"
	"WG-Telegram-bot/internal/db"
	"WG-Telegram-bot/internal/logger"
	"WG-Telegram-bot/internal/provision"
	"WG-Telegram-bot/internal/services"
)

const starsPayloadPrefix = "vpn_access_stars_"

var errBadPayload = errors.New("malformed payment payload")

// StarsPayload собирает payload инвойса Stars вида vpn_access_stars_<tariff>_<uid>
func StarsPayload(tariffKey string, userID int64) string {
	return starsPayloadPrefix + tariffKey + "_" + strconv.FormatInt(userID, 10)
}

// ParseStarsPayload разбирает payload инвойса. Ключ тарифа может содержать "_",
// поэтому user id берётся после последнего подчёркивания.
func ParseStarsPayload(payload string) (string, int64, error) {
	rest, ok := strings.CutPrefix(payload, starsPayloadPrefix)
	if !ok {
		return "", 0, errBadPayload
	}
	return splitTariffUser(rest)
}

// parsePayCallback разбирает callback вида <prefix><tariff>_<uid>
func parsePayCallback(data, prefix string) (string, int64, error) {
	rest, ok := strings.CutPrefix(data, prefix)
	if !ok {
		return "", 0, errBadPayload
	}
	return splitTariffUser(rest)
}

func splitTariffUser(s string) (string, int64, error) {
	i := strings.LastIndex(s, "_")
	if i <= 0 || i == len(s)-1 {
		return "", 0, errBadPayload
	}
	uid, err := strconv.ParseInt(s[i+1:], 10, 64)
	if err != nil || uid <= 0 {
		return "", 0, errBadPayload
	}
	return s[:i], uid, nil
}

// StarsInvoice: инвойс Telegram Stars на тариф
func StarsInvoice(chatID int64, t config.Tariff, userID int64, username string) tgbotapi.InvoiceConfig {
	description := t.Description
	if username != "" {
		description = fmt.Sprintf("%s\n\nПользователь: @%s", t.Description, username)
	}
	inv := tgbotapi.NewInvoice(chatID,
		fmt.Sprintf("VPN доступ на %s (Stars)", t.Name),
		description,
		StarsPayload(t.Key, userID),
		"", "", provision.CurrencyStars,
		[]tgbotapi.LabeledPrice{{Label: "VPN доступ " + t.Name, Amount: t.StarsPrice}},
	)
	// nil уходит в Bot API как null и инвойс отклоняется
	inv.SuggestedTipAmounts = []int{}
	return inv
}

// validatePreCheckout сверяет pre-checkout запрос Stars с тарифом
func validatePreCheckout(q *tgbotapi.PreCheckoutQuery, tariffs config.TariffProvider) error {
	tariffKey, uid, err := ParseStarsPayload(q.InvoicePayload)
	if err != nil {
		return err
	}
	if q.From != nil && q.From.ID != uid {
		return fmt.Errorf("payload user %d, payer %d", uid, q.From.ID)
	}
	t, ok := tariffs.Get(tariffKey)
	if !ok {
		return fmt.Errorf("%w: %s", provision.ErrUnknownTariff, tariffKey)
	}
	if q.Currency != provision.CurrencyStars || q.TotalAmount != t.StarsPrice {
		return fmt.Errorf("amount %d %s, tariff %s expects %d %s",
			q.TotalAmount, q.Currency, t.Key, t.StarsPrice, provision.CurrencyStars)
	}
	return nil
}

// starsConfirmation строит подтверждение для оркестратора из successful_payment
func starsConfirmation(from *tgbotapi.User, sp *tgbotapi.SuccessfulPayment) (provision.Confirmation, error) {
	tariffKey, uid, err := ParseStarsPayload(sp.InvoicePayload)
	if err != nil {
		return provision.Confirmation{}, err
	}
	if from == nil || from.ID != uid {
		return provision.Confirmation{}, fmt.Errorf("%w: payload user %d does not match payer", errBadPayload, uid)
	}
	if sp.Currency != provision.CurrencyStars {
		return provision.Confirmation{}, fmt.Errorf("%w: currency %s", errBadPayload, sp.Currency)
	}
	return provision.Confirmation{
		User:      provision.User{ID: from.ID, Username: from.UserName},
		PaymentID: sp.TelegramPaymentChargeID,
		TariffKey: tariffKey,
		Method:    db.MethodStars,
		Amount:    int64(sp.TotalAmount),
		Metadata: map[string]interface{}{
			"invoice_payload":            sp.InvoicePayload,
			"provider_payment_charge_id": sp.ProviderPaymentChargeID,
		},
	}, nil
}

// createCardPayment создаёт платёж ЮKassa и сохраняет его в статусе pending.
// Возвращает ссылку на оплату.
func (b *Bot) createCardPayment(ctx context.Context, u provision.User, t config.Tariff) (string, error) {
	p, err := b.yookassa.CreatePayment(ctx, services.PaymentRequest{
		UserID:      u.ID,
		Username:    u.Username,
		TariffKey:   t.Key,
		Kopecks:     t.RubKopecks(),
		Description: "VPN доступ на " + t.Name,
	})
	if err != nil {
		return "", err
	}
	err = b.records.RecordPayment(ctx, &db.Payment{
		PaymentID: p.ID,
		UserID:    u.ID,
		Amount:    t.RubKopecks(),
		Currency:  provision.CurrencyRUB,
		Status:    db.StatusPending,
		Method:    db.MethodYooKassa,
		TariffKey: t.Key,
		Metadata:  map[string]interface{}{"username": u.Username},
	})
	if err != nil && !errors.Is(err, db.ErrDuplicate) {
		// ссылку всё равно отдаём: вебхук создаст запись сам
		logger.Error("pending payment not recorded", zap.String("payment_id", p.ID), zap.Int64("user_id", u.ID), zap.Error(err))
	}
	return p.Confirmation.ConfirmationURL, nil
}
