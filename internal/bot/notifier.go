package bot

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"WG-Telegram-bot/internal/metrics"
	"WG-Telegram-bot/internal/services"
)

const configFileName = "wg.conf"

// Notifier отправляет сообщения и файлы конфигурации через Bot API
type Notifier struct {
	api API
}

func NewNotifier(api API) *Notifier {
	return &Notifier{api: api}
}

func (n *Notifier) Send(ctx context.Context, userID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := n.api.Send(tgbotapi.NewMessage(userID, text))
	metrics.ObserveNotification("text", err == nil)
	return mapSendError(err)
}

func (n *Notifier) SendConfig(ctx context.Context, userID int64, caption string, cfg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	doc := tgbotapi.NewDocument(userID, tgbotapi.FileBytes{Name: configFileName, Bytes: cfg})
	doc.Caption = caption
	_, err := n.api.Send(doc)
	metrics.ObserveNotification("config", err == nil)
	return mapSendError(err)
}

// mapSendError превращает 403 от Bot API в services.ErrRecipientBlocked
func mapSendError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusForbidden {
		return fmt.Errorf("%w: %s", services.ErrRecipientBlocked, apiErr.Message)
	}
	return err
}
