package bot

import (
	"context"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"WG-Telegram-bot/config"
	"WG-Telegram-bot/internal/db"
	"WG-Telegram-bot/internal/logger"
	"WG-Telegram-bot/internal/provision"
	"WG-Telegram-bot/internal/services"
)

// API: часть tgbotapi.BotAPI, которой пользуется бот
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Provisioner: точки входа оркестратора доступа
type Provisioner interface {
	RequestAccess(ctx context.Context, u provision.User, tariffKey string) provision.Outcome
	RequestExtend(ctx context.Context, u provision.User) provision.Outcome
	RequestConfig(ctx context.Context, u provision.User) provision.Outcome
	Status(ctx context.Context, u provision.User) provision.Outcome
	ConfirmPayment(ctx context.Context, c provision.Confirmation) provision.Outcome
}

// Records: чтение доступа для меню и запись выставленных платежей ЮKassa
type Records interface {
	GetActiveGrant(ctx context.Context, userID int64) (*db.Grant, error)
	RecordPayment(ctx context.Context, p *db.Payment) error
}

// PaymentLinks создаёт платежи ЮKassa с redirect-ссылкой
type PaymentLinks interface {
	CreatePayment(ctx context.Context, r services.PaymentRequest) (*services.YooPayment, error)
}

// AdminCommands обрабатывает команды /admin_*
type AdminCommands interface {
	Handle(ctx context.Context, msg *tgbotapi.Message)
}

type Option func(*Bot)

// WithYooKassa включает оплату картой
func WithYooKassa(p PaymentLinks) Option {
	return func(b *Bot) { b.yookassa = p }
}

func WithAdmin(adminID int64, h AdminCommands) Option {
	return func(b *Bot) {
		b.adminID = adminID
		b.admin = h
	}
}

// WithUpdateTimeout ограничивает время обработки одного апдейта
func WithUpdateTimeout(d time.Duration) Option {
	return func(b *Bot) { b.timeout = d }
}

const maxConcurrentUpdates = 32

type Bot struct {
	api      API
	orch     Provisioner
	records  Records
	tariffs  config.TariffProvider
	notifier *Notifier
	limiter  *RateLimiter
	yookassa PaymentLinks
	admin    AdminCommands
	adminID  int64
	timeout  time.Duration
}

func New(api API, orch Provisioner, records Records, tariffs config.TariffProvider, opts ...Option) *Bot {
	b := &Bot{
		api:      api,
		orch:     orch,
		records:  records,
		tariffs:  tariffs,
		notifier: NewNotifier(api),
		timeout:  2 * time.Minute,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.limiter = NewRateLimiter(b.adminID)
	return b
}

// Notifier: доставщик сообщений, общий для вебхука и фоновых задач
func (b *Bot) Notifier() *Notifier {
	return b.notifier
}

// Run обрабатывает апдейты до закрытия канала или отмены ctx.
// Апдейты разных пользователей идут параллельно, порядок для одного
// пользователя обеспечивают блокировки оркестратора.
func (b *Bot) Run(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentUpdates)
	for {
		select {
		case <-ctx.Done():
			return g.Wait()
		case update, ok := <-updates:
			if !ok {
				return g.Wait()
			}
			g.Go(func() error {
				b.HandleUpdate(gctx, update)
				return nil
			})
		}
	}
}

// StartPolling: long polling Bot API с передачей апдейтов в Run
func StartPolling(ctx context.Context, api *tgbotapi.BotAPI, b *Bot) error {
	logger.Info("Authorized on account", zap.String("username", api.Self.UserName))
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := api.GetUpdatesChan(u)
	go func() {
		<-ctx.Done()
		api.StopReceivingUpdates()
	}()
	return b.Run(ctx, updates)
}
