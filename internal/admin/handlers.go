package admin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"WG-Telegram-bot/config"
	"WG-Telegram-bot/internal/db"
	"WG-Telegram-bot/internal/logger"
	"WG-Telegram-bot/internal/services"
)

const (
	pageSize   = 20
	dateLayout = "2006-01-02"
	timeLayout = "02.01.2006 15:04"
)

type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Store: выборки для админки
type Store interface {
	CountGrants(ctx context.Context) (int64, error)
	CountActiveGrants(ctx context.Context) (int64, error)
	ListGrants(ctx context.Context, offset, limit int, filter string) ([]db.Grant, error)
	GetActiveGrant(ctx context.Context, userID int64) (*db.Grant, error)
	GetGrantByPeerName(ctx context.Context, peerName string) (*db.Grant, error)
	GetGrantByPeerID(ctx context.Context, peerID string) (*db.Grant, error)
	SumPayments(ctx context.Context, currency string, from, to time.Time) (int64, error)
	GetPayments(ctx context.Context, from, to time.Time) ([]db.Payment, error)
	UserPayments(ctx context.Context, userID int64, limit int) ([]db.Payment, error)
	RecentOperations(ctx context.Context, subject string, limit int) ([]db.OperationLog, error)
}

// Recovery: ручной запуск восстановления зависших staged-записей
type Recovery interface {
	RecoverStaleStages(ctx context.Context, grace time.Duration) (int, error)
}

// UsernameLookup: реестр username -> публичный ключ пира
type UsernameLookup interface {
	Lookup(ctx context.Context, username string) (string, error)
}

// Handler обрабатывает команды /admin_*
type Handler struct {
	api      Sender
	adminID  int64
	store    Store
	tariffs  config.TariffProvider
	recovery Recovery
	grace    time.Duration
	health   *services.Health
	backup   *Backup
	registry UsernameLookup
	now      func() time.Time
}

func NewHandler(api Sender, adminID int64, store Store, tariffs config.TariffProvider,
	recovery Recovery, grace time.Duration, health *services.Health, backup *Backup) *Handler {
	return &Handler{
		api:      api,
		adminID:  adminID,
		store:    store,
		tariffs:  tariffs,
		recovery: recovery,
		grace:    grace,
		health:   health,
		backup:   backup,
		now:      time.Now,
	}
}

// WithRegistry включает поиск в /admin_user по @username
func (h *Handler) WithRegistry(r UsernameLookup) *Handler {
	h.registry = r
	return h
}

func (h *Handler) IsAdmin(userID int64) bool {
	return userID == h.adminID
}

func (h *Handler) Handle(ctx context.Context, msg *tgbotapi.Message) {
	if msg == nil || msg.From == nil || !h.IsAdmin(msg.From.ID) {
		return
	}
	cmd := msg.Command()
	args := strings.Fields(msg.CommandArguments())
	chatID := msg.Chat.ID

	var reply string
	switch cmd {
	case "admin_stats":
		reply = h.stats(ctx)
	case "admin_grants":
		reply = h.grants(ctx, args)
	case "admin_payments":
		reply = h.payments(ctx, args)
	case "admin_user":
		reply = h.user(ctx, args)
	case "admin_logs":
		reply = h.logs(ctx, args)
	case "admin_reload":
		reply = h.reload()
	case "admin_recover":
		reply = h.recoverStages(ctx)
	case "admin_health":
		reply = h.healthReport(ctx)
	case "admin_backup":
		h.sendBackup(ctx, chatID)
	case "admin_restore":
		reply = h.restore(ctx, args)
	default:
		reply = "Неизвестная админ-команда"
	}
	if reply != "" {
		h.reply(chatID, reply)
	}
	logger.LogAdminAction(h.adminID, cmd, msg.Text)
}

func (h *Handler) reply(chatID int64, text string) {
	if _, err := h.api.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		logger.Error("admin reply failed", zap.Error(err))
	}
}

func (h *Handler) stats(ctx context.Context) string {
	total, err := h.store.CountGrants(ctx)
	if err != nil {
		return "Ошибка статистики: " + err.Error()
	}
	active, err := h.store.CountActiveGrants(ctx)
	if err != nil {
		return "Ошибка статистики: " + err.Error()
	}
	now := h.now()
	periods := []struct {
		name string
		from time.Time
	}{
		{"сегодня", now.Truncate(24 * time.Hour)},
		{"месяц", now.AddDate(0, 0, -30)},
		{"всего", time.Time{}},
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Доступов: %d\nАктивных: %d\nПлатежи:\n", total, active)
	for _, p := range periods {
		rub, err := h.store.SumPayments(ctx, "RUB", p.from, now)
		if err != nil {
			return "Ошибка статистики: " + err.Error()
		}
		stars, err := h.store.SumPayments(ctx, "XTR", p.from, now)
		if err != nil {
			return "Ошибка статистики: " + err.Error()
		}
		fmt.Fprintf(&sb, "  %s: %s₽, %d ⭐\n", p.name, services.FormatKopecks(rub), stars)
	}
	return sb.String()
}

// grants: /admin_grants [active|expired|pending] [страница]
func (h *Handler) grants(ctx context.Context, args []string) string {
	filter, page := "", 1
	for _, a := range args {
		if n, err := strconv.Atoi(a); err == nil && n > 0 {
			page = n
			continue
		}
		switch a {
		case "active", "expired", "pending":
			filter = a
		default:
			return "Использование: /admin_grants [active|expired|pending] [страница]"
		}
	}
	list, err := h.store.ListGrants(ctx, (page-1)*pageSize, pageSize, filter)
	if err != nil {
		return "Ошибка выборки: " + err.Error()
	}
	if len(list) == 0 {
		return "Доступов не найдено"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Доступы (стр. %d):\n", page)
	for _, g := range list {
		state := "активен"
		switch {
		case g.IsPending():
			state = "staged"
		case !g.IsActive:
			state = "отключён"
		case !g.ExpireDate.After(h.now()):
			state = "истёк"
		}
		fmt.Fprintf(&sb, "#%d %s user=%d до %s [%s, %s]\n",
			g.ID, g.PeerName, g.TelegramUserID, g.ExpireDate.Format(timeLayout), g.PaymentStatus, state)
	}
	return sb.String()
}

// payments: /admin_payments 2024-01-01 2024-01-31, по умолчанию последние 30 дней
func (h *Handler) payments(ctx context.Context, args []string) string {
	to := h.now()
	from := to.AddDate(0, 0, -30)
	if len(args) == 2 {
		var err error
		if from, err = time.Parse(dateLayout, args[0]); err != nil {
			return "Неверный формат даты (from)"
		}
		if to, err = time.Parse(dateLayout, args[1]); err != nil {
			return "Неверный формат даты (to)"
		}
		to = to.Add(24*time.Hour - time.Nanosecond)
	}
	list, err := h.store.GetPayments(ctx, from, to)
	if err != nil {
		return "Ошибка выборки: " + err.Error()
	}
	if len(list) == 0 {
		return "Платежей за период нет"
	}
	var sb strings.Builder
	for _, p := range list {
		sb.WriteString(formatPayment(p))
	}
	return sb.String()
}

func formatPayment(p db.Payment) string {
	amount := strconv.FormatInt(p.Amount, 10) + " ⭐"
	if p.Currency == "RUB" {
		amount = services.FormatKopecks(p.Amount) + "₽"
	}
	applied := ""
	if p.AppliedAt != nil {
		applied = ", применён"
	}
	return fmt.Sprintf("%s user=%d %s %s [%s%s] %s\n",
		p.PaymentID, p.UserID, amount, p.TariffKey, p.Status, applied, p.CreatedAt.Format(timeLayout))
}

// resolveUser возвращает Telegram ID или текст ответа, если найти не удалось
func (h *Handler) resolveUser(ctx context.Context, arg string) (int64, string) {
	if uid, err := strconv.ParseInt(arg, 10, 64); err == nil {
		return uid, ""
	}
	if !strings.HasPrefix(arg, "@") {
		g, err := h.store.GetGrantByPeerName(ctx, arg)
		if err != nil {
			return 0, "Пир не найден: " + arg
		}
		return g.TelegramUserID, ""
	}
	if h.registry == nil {
		return 0, "Реестр имён не настроен"
	}
	key, err := h.registry.Lookup(ctx, arg)
	if err != nil {
		return 0, "Ошибка реестра: " + err.Error()
	}
	if key == "" {
		return 0, "Имя не найдено в реестре: " + arg
	}
	g, err := h.store.GetGrantByPeerID(ctx, key)
	if err != nil {
		return 0, "Пир не найден: " + key
	}
	return g.TelegramUserID, ""
}

// user: /admin_user <telegram_id|peer_name|@username>
func (h *Handler) user(ctx context.Context, args []string) string {
	if len(args) < 1 {
		return "Укажите Telegram ID, имя пира или @username"
	}
	uid, problem := h.resolveUser(ctx, args[0])
	if problem != "" {
		return problem
	}
	var sb strings.Builder
	g, err := h.store.GetActiveGrant(ctx, uid)
	switch {
	case errors.Is(err, db.ErrNotFound):
		sb.WriteString("Активного доступа нет\n")
	case err != nil:
		return "Ошибка выборки: " + err.Error()
	default:
		fmt.Fprintf(&sb, "Пир: %s (%s)\nJob: %s\nДо: %s\nОплата: %s %s\n",
			g.PeerName, g.PeerID, g.JobID, g.ExpireDate.Format(timeLayout), g.PaymentStatus, g.TariffKey)
	}
	pays, err := h.store.UserPayments(ctx, uid, 10)
	if err != nil {
		return "Ошибка выборки: " + err.Error()
	}
	for _, p := range pays {
		sb.WriteString(formatPayment(p))
	}
	return sb.String()
}

// logs: /admin_logs [subject]
func (h *Handler) logs(ctx context.Context, args []string) string {
	subject := ""
	if len(args) > 0 {
		subject = args[0]
	}
	entries, err := h.store.RecentOperations(ctx, subject, pageSize)
	if err != nil {
		return "Ошибка чтения журнала: " + err.Error()
	}
	if len(entries) == 0 {
		return "Журнал пуст"
	}
	var sb strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&sb, "%s %s %s %s\n", e.Timestamp.Format(timeLayout), e.Operation, e.Subject, e.Details)
	}
	return sb.String()
}

func (h *Handler) reload() string {
	if err := h.tariffs.Reload(); err != nil {
		return "Ошибка перезагрузки тарифов: " + err.Error()
	}
	var sb strings.Builder
	sb.WriteString("Тарифы перезагружены:\n")
	for _, t := range h.tariffs.All() {
		fmt.Fprintf(&sb, "%s: %d дн., %d ⭐, %d₽\n", t.Key, t.Days, t.StarsPrice, t.RubPrice)
	}
	return sb.String()
}

func (h *Handler) recoverStages(ctx context.Context) string {
	if h.recovery == nil {
		return "Восстановление не настроено"
	}
	n, err := h.recovery.RecoverStaleStages(ctx, h.grace)
	if err != nil {
		return fmt.Sprintf("Восстановлено записей: %d, ошибка: %v", n, err)
	}
	return fmt.Sprintf("Восстановлено записей: %d", n)
}

func (h *Handler) healthReport(ctx context.Context) string {
	if h.health == nil {
		return "Проверки не настроены"
	}
	h.health.Check(ctx)
	var sb strings.Builder
	sb.WriteString("Статус компонентов:\n")
	for _, s := range h.health.Statuses() {
		fmt.Fprintf(&sb, "%s: %s, проверка %s", s.Name, s.Status, s.LastChecked.Format(timeLayout))
		if s.Error != "" {
			sb.WriteString(" (" + s.Error + ")")
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func (h *Handler) sendBackup(ctx context.Context, chatID int64) {
	if h.backup == nil {
		h.reply(chatID, "Бэкап не настроен")
		return
	}
	filename, err := h.backup.Run(ctx, "backup")
	if err != nil {
		h.reply(chatID, "Ошибка резервного копирования: "+err.Error())
		return
	}
	file := tgbotapi.NewDocument(chatID, tgbotapi.FilePath(filename))
	file.Caption = "Резервная копия БД успешно создана"
	if _, err := h.api.Send(file); err != nil {
		h.reply(chatID, "Бэкап создан, но не отправлен: "+err.Error())
		return
	}
	_ = os.Remove(filename)
}

func (h *Handler) restore(ctx context.Context, args []string) string {
	if h.backup == nil {
		return "Бэкап не настроен"
	}
	if len(args) < 1 {
		return "Укажите имя файла для восстановления"
	}
	if err := h.backup.Restore(ctx, args[0]); err != nil {
		return "Ошибка восстановления: " + err.Error()
	}
	return "Восстановление успешно завершено из файла: " + args[0]
}
