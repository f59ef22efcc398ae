package provision

import (
	"context"
	"errors"
	"fmt"
	"math"

	"WG-Telegram-bot/internal/db"
)

const (
	msgGenericError = "❌ Ошибка при создании/восстановлении доступа. Обратитесь в поддержку."
	msgTryLater     = "⏳ Сервер VPN сейчас не отвечает. Попробуйте ещё раз через пару минут."
	msgNoAccess     = "❌ У тебя нет оплаченного VPN доступа.\n\n💎 Оформи доступ командой /buy."
	msgConfigLater  = "⏳ Доступ оформлен, но конфигурация ещё не готова. Запроси её через /connect чуть позже."
)

const dateLayout = "02.01.2006 15:04"

// RequestAccess проверяет тариф и сообщает, создаст оплата новый доступ или продлит текущий
func (o *Orchestrator) RequestAccess(ctx context.Context, u User, tariffKey string) Outcome {
	t, ok := o.tariffs.Get(tariffKey)
	if !ok {
		return o.finish("request_access", failure(fmt.Errorf("%w: %s", ErrUnknownTariff, tariffKey), "❌ Неизвестный тариф."))
	}
	g, err := o.store.GetActiveGrant(ctx, u.ID)
	switch {
	case err == nil && g.IsPaid():
		target := o.extendTarget(g.ExpireDate, t.Days)
		return o.finish("request_access", success(fmt.Sprintf(
			"💎 %s: продление на %d дн.\nДоступ будет действовать до %s.", t.Name, t.Days, target.Format(dateLayout))))
	case err == nil || errors.Is(err, db.ErrNotFound):
		return o.finish("request_access", success(fmt.Sprintf(
			"💎 %s: VPN доступ на %d дн.\nПосле оплаты пришлём файл конфигурации.", t.Name, t.Days)))
	default:
		return o.finish("request_access", failure(err, msgGenericError))
	}
}

// RequestExtend проверяет, что есть оплаченный доступ, который можно продлить
func (o *Orchestrator) RequestExtend(ctx context.Context, u User) Outcome {
	g, err := o.store.GetActiveGrant(ctx, u.ID)
	if errors.Is(err, db.ErrNotFound) || (err == nil && !g.IsPaid()) {
		return o.finish("request_extend", failure(ErrNoGrant, msgNoAccess))
	}
	if err != nil {
		return o.finish("request_extend", failure(err, msgGenericError))
	}
	return o.finish("request_extend", success(fmt.Sprintf(
		"💎 Продление доступа.\nСейчас доступ действует до %s. Выбери тариф:", g.ExpireDate.Format(dateLayout))))
}

// RequestConfig отдаёт конфигурацию. Если пира на шлюзе нет, он пересоздаётся
// с прежней датой окончания. Если шлюз не ответил, ничего не меняется.
func (o *Orchestrator) RequestConfig(ctx context.Context, u User) Outcome {
	unlock := o.locks.Lock(u.ID)
	defer unlock()

	g, err := o.activeGrant(ctx, u.ID)
	if errors.Is(err, db.ErrNotFound) || (err == nil && !g.IsPaid()) {
		return o.finish("request_config", failure(ErrNoGrant, msgNoAccess))
	}
	if err != nil {
		return o.finish("request_config", failure(err, msgGenericError))
	}

	state, err := o.reconcile(ctx, g)
	switch state {
	case PeerUnknown:
		return o.finish("request_config", failure(err, msgTryLater))
	case PeerPresent:
		cfg, err := o.downloadConfig(ctx, g.PeerID)
		if err != nil {
			return o.finish("request_config", failure(err, "❌ Ошибка при получении конфигурации. Попробуй позже."))
		}
		return o.finish("request_config", Outcome{OK: true, Message: "📁 Твой файл конфигурации", Config: cfg})
	}

	if !g.ExpireDate.After(o.now()) {
		return o.finish("request_config", failure(ErrExpired, "⚠️ Срок доступа истёк. Продли его командой /extend."))
	}
	p, err := o.provisionPeer(ctx, db.StageInput{
		TelegramUserID: u.ID,
		Username:       u.Username,
		PeerName:       g.PeerName,
		ExpireDate:     g.ExpireDate,
	}, "")
	if err != nil {
		return o.finish("request_config", failure(err, msgGenericError))
	}
	cfg, err := o.downloadConfig(ctx, p.PeerID)
	if err != nil {
		return o.finish("request_config", failure(err, msgConfigLater))
	}
	return o.finish("request_config", Outcome{OK: true, Message: "📁 Твоя VPN конфигурация восстановлена", Config: cfg})
}

// Status: сведения о доступе для /status
func (o *Orchestrator) Status(ctx context.Context, u User) Outcome {
	g, err := o.store.GetActiveGrant(ctx, u.ID)
	if errors.Is(err, db.ErrNotFound) || (err == nil && !g.IsPaid()) {
		return failure(ErrNoGrant, msgNoAccess)
	}
	if err != nil {
		return failure(err, msgGenericError)
	}
	now := o.now()
	if !g.ExpireDate.After(now) {
		return Outcome{OK: true, Message: fmt.Sprintf(
			"⚠️ Доступ истёк %s.\nПродли его командой /extend.", g.ExpireDate.Format(dateLayout))}
	}
	left := g.ExpireDate.Sub(now)
	days := int(math.Floor(left.Hours() / 24))
	hours := int(left.Hours()) % 24
	return Outcome{OK: true, Message: fmt.Sprintf(
		"✅ Доступ активен\n📅 Дата истечения: %s\n⏰ Осталось: %d дн. %d ч.",
		g.ExpireDate.Format(dateLayout), days, hours)}
}
