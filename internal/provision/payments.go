package provision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"WG-Telegram-bot/config"
	"WG-Telegram-bot/internal/db"
	"WG-Telegram-bot/internal/logger"
)

const (
	CurrencyStars = "XTR"
	CurrencyRUB   = "RUB"
)

// Confirmation описывает платёж, подтверждённый источником (Stars из чата или вебхук ЮKassa)
type Confirmation struct {
	User      User
	PaymentID string
	TariffKey string
	Method    string
	Amount    int64 // звёзды или копейки
	Metadata  map[string]interface{}
}

func (c Confirmation) currency() string {
	if c.Method == db.MethodStars {
		return CurrencyStars
	}
	return CurrencyRUB
}

func checkConfirmation(c Confirmation) error {
	if c.PaymentID == "" || c.User.ID == 0 {
		return fmt.Errorf("%w: empty payment id or user", ErrPaymentInvalid)
	}
	if c.Method != db.MethodStars && c.Method != db.MethodYooKassa {
		return fmt.Errorf("%w: unknown method %q", ErrPaymentInvalid, c.Method)
	}
	return nil
}

// verifyAmount сверяет сумму с текущей ценой тарифа. Нужна только для платежей,
// о которых ещё нет записи.
func verifyAmount(c Confirmation, t config.Tariff) error {
	want := t.RubKopecks()
	if c.Method == db.MethodStars {
		want = int64(t.StarsPrice)
	}
	if c.Amount != want {
		return fmt.Errorf("%w: amount %d, tariff %s expects %d", ErrPaymentInvalid, c.Amount, t.Key, want)
	}
	return nil
}

// ConfirmPayment: общий обработчик успешной оплаты. Повторное подтверждение
// того же платежа ничего не меняет и возвращает успех.
func (o *Orchestrator) ConfirmPayment(ctx context.Context, c Confirmation) Outcome {
	const op = "confirm_payment"
	if err := checkConfirmation(c); err != nil {
		return o.finish(op, failure(err, "❌ Ошибка при обработке платежа."))
	}
	t, ok := o.tariffs.Get(c.TariffKey)
	if !ok {
		return o.finish(op, failure(fmt.Errorf("%w: %s", ErrUnknownTariff, c.TariffKey), "❌ Ошибка в данных платежа."))
	}

	unlock := o.locks.Lock(c.User.ID)
	defer unlock()

	// выставленный ботом платёж сверяется с записанной при выставлении суммой,
	// цена тарифа могла смениться после этого
	switch _, err := o.store.GetPayment(ctx, c.PaymentID); {
	case errors.Is(err, db.ErrNotFound):
		if err := verifyAmount(c, t); err != nil {
			return o.finish(op, failure(err, "❌ Ошибка при обработке платежа."))
		}
	case err != nil:
		return o.finish(op, failure(fmt.Errorf("%w: payment: %v", ErrPersist, err), msgGenericError))
	}

	pay, err := o.store.EnsurePayment(ctx, db.Payment{
		PaymentID: c.PaymentID,
		UserID:    c.User.ID,
		Amount:    c.Amount,
		Currency:  c.currency(),
		Status:    db.StatusSucceeded,
		Method:    c.Method,
		TariffKey: c.TariffKey,
		Metadata:  c.Metadata,
	})
	if err != nil {
		return o.finish(op, failure(fmt.Errorf("%w: payment: %v", ErrPersist, err), msgGenericError))
	}
	if pay.UserID != c.User.ID || pay.TariffKey != c.TariffKey || pay.Amount != c.Amount || pay.Method != c.Method {
		return o.finish(op, failure(fmt.Errorf("%w: payment %s does not match stored record", ErrPaymentInvalid, c.PaymentID),
			"❌ Ошибка при обработке платежа."))
	}
	if pay.AppliedAt != nil {
		logger.Info("payment already applied", zap.String("payment_id", c.PaymentID))
		return o.finish(op, alreadyApplied())
	}
	if _, _, err := o.store.TransitionPayment(ctx, c.PaymentID, db.StatusSucceeded); err != nil {
		if errors.Is(err, db.ErrInvalidTransition) {
			err = fmt.Errorf("%w: %v", ErrPaymentInvalid, err)
		}
		return o.finish(op, failure(err, "❌ Ошибка при обработке платежа."))
	}

	out := o.applyPayment(ctx, c, t)
	if errors.Is(out.Err, db.ErrPaymentApplied) {
		return o.finish(op, alreadyApplied())
	}
	return o.finish(op, out)
}

func (o *Orchestrator) applyPayment(ctx context.Context, c Confirmation, t config.Tariff) Outcome {
	now := o.now()
	var stars, rub int64
	if c.Method == db.MethodStars {
		stars = c.Amount
	} else {
		rub = c.Amount
	}

	g, err := o.activeGrant(ctx, c.User.ID)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return failure(fmt.Errorf("%w: %v", ErrPersist, err), msgGenericError)
	}

	if g == nil {
		p, err := o.provisionPeer(ctx, db.StageInput{
			TelegramUserID: c.User.ID,
			Username:       c.User.Username,
			PeerName:       PeerName(c.User.Username, c.User.ID),
			ExpireDate:     now.AddDate(0, 0, t.Days),
			PaymentStatus:  db.PaymentPaid,
			PaymentMethod:  c.Method,
			TariffKey:      t.Key,
			AddStars:       stars,
			AddRub:         rub,
			PaidAt:         &now,
		}, c.PaymentID)
		if err != nil {
			return failure(err, msgGenericError)
		}
		return o.withConfig(ctx, p.PeerID, fmt.Sprintf(
			"✅ Платёж обработан!\n🎉 VPN доступ на %d дн. до %s.\n📁 Твоя конфигурация готова.",
			t.Days, p.Expire.Format(dateLayout)))
	}

	target := o.extendTarget(g.ExpireDate, t.Days)
	state, err := o.reconcile(ctx, g)
	switch state {
	case PeerUnknown:
		return failure(err, msgTryLater)
	case PeerPresent:
		err := o.extendInPlace(ctx, g, db.ExtendInput{
			GrantID:       g.ID,
			UserID:        c.User.ID,
			ExpireDate:    target,
			PaymentMethod: c.Method,
			TariffKey:     t.Key,
			AddStars:      stars,
			AddRub:        rub,
			PaidAt:        now,
			PaymentID:     c.PaymentID,
		})
		if err != nil {
			return failure(err, msgGenericError)
		}
		return success(fmt.Sprintf(
			"✅ Платёж обработан!\n🎉 Продлили доступ на %d дн., до %s.\nТекущая конфигурация остаётся актуальной.",
			t.Days, target.Format(dateLayout)))
	}

	p, err := o.provisionPeer(ctx, db.StageInput{
		TelegramUserID: c.User.ID,
		Username:       c.User.Username,
		PeerName:       g.PeerName,
		ExpireDate:     target,
		PaymentStatus:  db.PaymentPaid,
		PaymentMethod:  c.Method,
		TariffKey:      t.Key,
		AddStars:       stars,
		AddRub:         rub,
		PaidAt:         &now,
	}, c.PaymentID)
	if err != nil {
		return failure(err, msgGenericError)
	}
	return o.withConfig(ctx, p.PeerID, fmt.Sprintf(
		"✅ Платёж обработан!\n🎉 Продлили доступ на %d дн., до %s.\n📁 Пир был пересоздан, вот новая конфигурация.",
		t.Days, p.Expire.Format(dateLayout)))
}

// withConfig: успех с приложенным конфигом. Доступ уже выдан, поэтому
// неудачное скачивание сообщается отдельно и не откатывает его.
func (o *Orchestrator) withConfig(ctx context.Context, peerID, msg string) Outcome {
	cfg, err := o.downloadConfig(ctx, peerID)
	if err != nil {
		return failure(err, msgConfigLater)
	}
	return Outcome{OK: true, Message: msg, Config: cfg}
}

// CancelPayment отмечает платёж отменённым
func (o *Orchestrator) CancelPayment(ctx context.Context, paymentID string) Outcome {
	if pay, err := o.store.GetPayment(ctx, paymentID); err == nil && pay.Status == db.StatusCanceled {
		return o.finish("cancel_payment", success(""))
	}
	_, changed, err := o.store.TransitionPayment(ctx, paymentID, db.StatusCanceled)
	if err != nil {
		if errors.Is(err, db.ErrInvalidTransition) || errors.Is(err, db.ErrNotFound) {
			err = fmt.Errorf("%w: %v", ErrPaymentInvalid, err)
		}
		return o.finish("cancel_payment", failure(err, "❌ Ошибка при обработке платежа."))
	}
	if !changed {
		return o.finish("cancel_payment", success(""))
	}
	return o.finish("cancel_payment", success("❌ Платёж был отменён или не прошёл.\n\n💡 Попробуй оплатить снова или обратись в поддержку."))
}

// Refund обрабатывает возврат: платёж переводится в refunded, срок доступа
// уменьшается на дни тарифа. Если новый срок уже наступил, пир ограничивается сразу.
func (o *Orchestrator) Refund(ctx context.Context, paymentID string) Outcome {
	const op = "refund"
	pay, err := o.store.GetPayment(ctx, paymentID)
	if err != nil {
		return o.finish(op, failure(fmt.Errorf("%w: %v", ErrPaymentInvalid, err), "❌ Платёж не найден."))
	}
	if pay.Status == db.StatusRefunded {
		return o.finish(op, success(""))
	}

	unlock := o.locks.Lock(pay.UserID)
	defer unlock()

	if _, _, err := o.store.TransitionPayment(ctx, paymentID, db.StatusRefunded); err != nil {
		if errors.Is(err, db.ErrInvalidTransition) {
			err = fmt.Errorf("%w: %v", ErrPaymentInvalid, err)
		}
		return o.finish(op, failure(err, msgGenericError))
	}
	msg := "💰 Возврат успешно обработан!\n📧 Деньги вернутся на карту в течение 1-3 рабочих дней."
	if pay.AppliedAt == nil {
		return o.finish(op, success(msg))
	}

	t, ok := o.tariffs.Get(pay.TariffKey)
	if !ok {
		logger.NotifyAdmin(fmt.Sprintf("Возврат %s: неизвестный тариф %s, срок доступа не изменён", paymentID, pay.TariffKey))
		return o.finish(op, success(msg))
	}
	g, err := o.activeGrant(ctx, pay.UserID)
	if errors.Is(err, db.ErrNotFound) {
		return o.finish(op, success(msg))
	}
	if err != nil {
		return o.finish(op, o.refundFailed(paymentID, err))
	}

	expire := g.ExpireDate.AddDate(0, 0, -t.Days)
	if !expire.After(o.now()) {
		err = o.gw.RestrictPeer(ctx, g.PeerID)
	} else {
		err = o.gw.UpdateExpiryJob(ctx, g.JobID, g.PeerID, expire)
	}
	if err != nil {
		return o.finish(op, o.refundFailed(paymentID, fmt.Errorf("%w: %v", ErrRemoteUpdate, err)))
	}
	if err := o.store.SetExpireDate(ctx, g.ID, expire); err != nil {
		return o.finish(op, o.refundFailed(paymentID, err))
	}
	o.syncSideChannels(ctx, g.TelegramUserID, "", g.PeerID, expire, false)
	return o.finish(op, success(msg+fmt.Sprintf("\n\n📅 Доступ теперь действует до %s.", expire.Format(dateLayout))))
}

// refundFailed: возврат учтён, но срок доступа не изменён; нужна ручная правка
func (o *Orchestrator) refundFailed(paymentID string, err error) Outcome {
	logger.NotifyAdmin(fmt.Sprintf("Возврат %s учтён, но срок доступа не уменьшен: %v", paymentID, err))
	return failure(err, "💰 Возврат учтён. Срок доступа будет скорректирован администратором.")
}

// RetriedPayment: результат повторного применения одного платежа
type RetriedPayment struct {
	PaymentID string
	UserID    int64
	Outcome   Outcome
}

// RetryUnappliedPayments повторно применяет успешные платежи, по которым
// доступ не выдан. Результат по каждому платежу нужен для уведомления.
func (o *Orchestrator) RetryUnappliedPayments(ctx context.Context, olderThan time.Duration) ([]RetriedPayment, error) {
	pays, err := o.store.UnappliedPayments(ctx, o.now().Add(-olderThan))
	if err != nil {
		return nil, err
	}
	results := make([]RetriedPayment, 0, len(pays))
	for _, p := range pays {
		username := ""
		if g, err := o.store.GetActiveGrant(ctx, p.UserID); err == nil {
			username = g.TelegramUsername
		}
		out := o.ConfirmPayment(ctx, Confirmation{
			User:      User{ID: p.UserID, Username: username},
			PaymentID: p.PaymentID,
			TariffKey: p.TariffKey,
			Method:    p.Method,
			Amount:    p.Amount,
		})
		if out.Err != nil && !Retryable(out.Err) {
			logger.NotifyAdmin(fmt.Sprintf("Платёж %s не может быть применён: %v", p.PaymentID, out.Err))
		}
		results = append(results, RetriedPayment{PaymentID: p.PaymentID, UserID: p.UserID, Outcome: out})
	}
	return results, nil
}
