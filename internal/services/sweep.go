package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"WG-Telegram-bot/config"
	"WG-Telegram-bot/internal/db"
	"WG-Telegram-bot/internal/logger"
	"WG-Telegram-bot/internal/metrics"
)

// SweepStore: выборки и отметки уведомлений для обхода
type SweepStore interface {
	ExpiredUnnotified(ctx context.Context, now time.Time) ([]db.Grant, error)
	ExpiringUnnotified(ctx context.Context, now time.Time, horizon time.Duration) ([]db.Grant, error)
	MarkExpiredNotificationSent(ctx context.Context, grantID uint) error
	MarkNotificationSent(ctx context.Context, grantID uint) error
}

// Sweeper периодически уведомляет об истёкшем и скоро истекающем доступе.
// Каждое уведомление отправляется не больше одного раза за период доступа.
type Sweeper struct {
	store    SweepStore
	notify   Notifier
	tariffs  config.TariffProvider
	interval time.Duration
	horizon  time.Duration
	backoff  time.Duration
	now      func() time.Time
}

func NewSweeper(store SweepStore, notify Notifier, tariffs config.TariffProvider, interval, horizon time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	if horizon <= 0 {
		horizon = 24 * time.Hour
	}
	return &Sweeper{
		store:    store,
		notify:   notify,
		tariffs:  tariffs,
		interval: interval,
		horizon:  horizon,
		backoff:  time.Minute,
		now:      time.Now,
	}
}

// Run выполняет проходы до отмены ctx. После неудачного прохода ждёт backoff вместо interval.
func (s *Sweeper) Run(ctx context.Context) error {
	logger.Info("expiry sweep started", zap.Duration("interval", s.interval), zap.Duration("horizon", s.horizon))
	for {
		wait := s.interval
		if _, err := s.RunOnce(ctx); err != nil {
			logger.Error("expiry sweep pass failed", zap.Error(err))
			wait = s.backoff
		}
		select {
		case <-ctx.Done():
			logger.Info("expiry sweep stopped")
			return nil
		case <-time.After(wait):
		}
	}
}

// RunOnce делает один проход. Сначала истёкшие, затем истекающие в пределах horizon.
// Возвращает число отмеченных записей.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	now := s.now()
	expired, err := s.store.ExpiredUnnotified(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("load expired grants: %w", err)
	}
	marked, errExpired := s.pass(ctx, "expired", expired, s.expiredText, s.store.MarkExpiredNotificationSent)

	expiring, err := s.store.ExpiringUnnotified(ctx, now, s.horizon)
	if err != nil {
		return marked, errors.Join(errExpired, fmt.Errorf("load expiring grants: %w", err))
	}
	n, errExpiring := s.pass(ctx, "expiring", expiring, s.expiringText, s.store.MarkNotificationSent)
	return marked + n, errors.Join(errExpired, errExpiring)
}

func (s *Sweeper) pass(ctx context.Context, kind string, grants []db.Grant,
	text func(db.Grant) string, mark func(context.Context, uint) error) (int, error) {
	marked := 0
	var markErr error
	for _, g := range grants {
		if ctx.Err() != nil {
			return marked, ctx.Err()
		}
		err := s.notify.Send(ctx, g.TelegramUserID, text(g))
		switch {
		case err == nil:
			metrics.ObserveNotification(kind, true)
		case errors.Is(err, ErrRecipientBlocked):
			metrics.ObserveNotification(kind, false)
			logger.Info("recipient blocked the bot, marking anyway", zap.Int64("user_id", g.TelegramUserID))
		default:
			metrics.ObserveNotification(kind, false)
			logger.Warn("expiry notification failed", zap.String("kind", kind),
				zap.Int64("user_id", g.TelegramUserID), zap.Error(err))
			continue
		}
		if err := mark(ctx, g.ID); err != nil {
			logger.Error("notification flag not saved", zap.Uint("grant_id", g.ID), zap.Error(err))
			markErr = err
			continue
		}
		marked++
	}
	return marked, markErr
}

func (s *Sweeper) expiredText(db.Grant) string {
	return "⚠️ Твой VPN доступ истёк!\n\nИспользуй /extend для продления доступа."
}

func (s *Sweeper) expiringText(g db.Grant) string {
	var b strings.Builder
	fmt.Fprintf(&b, "⏰ Твой VPN доступ истекает %s!\n\n", g.ExpireDate.Format("02.01.2006 15:04"))
	if s.tariffs != nil {
		b.WriteString("💎 Доступные тарифы для продления:\n")
		for _, t := range s.tariffs.All() {
			fmt.Fprintf(&b, "⭐ %s - %d Stars\n💳 %s - %d руб.\n\n", t.Name, t.StarsPrice, t.Name, t.RubPrice)
		}
	}
	b.WriteString("Используй /extend для продления доступа.")
	return b.String()
}
