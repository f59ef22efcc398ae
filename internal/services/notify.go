package services

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"WG-Telegram-bot/internal/logger"
	"WG-Telegram-bot/internal/provision"
)

// ErrRecipientBlocked: пользователь заблокировал бота или удалил чат
var ErrRecipientBlocked = errors.New("recipient blocked the bot")

// Notifier доставляет сообщения пользователю в Telegram
type Notifier interface {
	Send(ctx context.Context, userID int64, text string) error
	SendConfig(ctx context.Context, userID int64, caption string, cfg []byte) error
}

// Deliver отправляет результат операции: файл конфигурации с подписью или текст
func Deliver(ctx context.Context, n Notifier, userID int64, out provision.Outcome) error {
	var err error
	switch {
	case len(out.Config) > 0:
		err = n.SendConfig(ctx, userID, out.Message, out.Config)
	case out.Message != "":
		err = n.Send(ctx, userID, out.Message)
	default:
		return nil
	}
	if err != nil {
		logger.Warn("outcome delivery failed", zap.Int64("user_id", userID), zap.Error(err))
	}
	return err
}
