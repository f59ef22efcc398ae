package services

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"WG-Telegram-bot/internal/db"
	"WG-Telegram-bot/internal/logger"
	"WG-Telegram-bot/internal/metrics"
	"WG-Telegram-bot/internal/provision"
)

const (
	EventPaymentSucceeded = "payment.succeeded"
	EventPaymentCanceled  = "payment.canceled"
	EventWaitingCapture   = "payment.waiting_for_capture"
	EventRefundSucceeded  = "refund.succeeded"
)

const msgWaitingCapture = "⏳ Платёж получен и ожидает подтверждения.\n\n" +
	"💳 Обычно подтверждение происходит автоматически в течение нескольких минут."

// Проверка HMAC подписи webhook YooKassa (Authorization или Content-Yoomoney-Signature)
func checkYooKassaSignature(secret string, body []byte, authHeader, yoomoneyHeader string) bool {
	signatures := signaturesFrom(authHeader, yoomoneyHeader)
	if len(signatures) == 0 {
		return false
	}
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	calc := hex.EncodeToString(h.Sum(nil))
	for _, sig := range signatures {
		if hmac.Equal([]byte(sig), []byte(calc)) {
			return true
		}
	}
	return false
}

func signaturesFrom(authHeader, yoomoneyHeader string) []string {
	var signatures []string
	if strings.HasPrefix(authHeader, "HMAC ") || strings.HasPrefix(authHeader, "HMAC-SHA256 ") {
		if parts := strings.SplitN(authHeader, " ", 2); len(parts) == 2 {
			signatures = append(signatures, parts[1])
		}
	}
	if yoomoneyHeader != "" {
		signatures = append(signatures, yoomoneyHeader)
	}
	return signatures
}

// PaymentProcessor: обработка подтверждённых платежей
type PaymentProcessor interface {
	ConfirmPayment(ctx context.Context, c provision.Confirmation) provision.Outcome
	CancelPayment(ctx context.Context, paymentID string) provision.Outcome
	Refund(ctx context.Context, paymentID string) provision.Outcome
}

// PaymentLookup: запрос платежа у ЮKassa для сверки неподписанных уведомлений
type PaymentLookup interface {
	GetPayment(ctx context.Context, paymentID string) (*YooPayment, error)
}

// PaymentRecords: локальные записи платежей
type PaymentRecords interface {
	GetPayment(ctx context.Context, paymentID string) (*db.Payment, error)
}

type notification struct {
	Type   string          `json:"type"`
	Event  string          `json:"event"`
	Object json.RawMessage `json:"object"`
}

type refundObject struct {
	ID        string `json:"id"`
	PaymentID string `json:"payment_id"`
	Status    string `json:"status"`
	Amount    Amount `json:"amount"`
}

// Webhook принимает уведомления ЮKassa. Подписанные проверяются по HMAC,
// неподписанные сверяются с API ЮKassa. 5xx просит ЮKassa повторить доставку.
type Webhook struct {
	secret   string
	provider PaymentLookup
	records  PaymentRecords
	proc     PaymentProcessor
	notify   Notifier
}

func NewWebhook(secret string, provider PaymentLookup, records PaymentRecords, proc PaymentProcessor, notify Notifier) *Webhook {
	return &Webhook{secret: secret, provider: provider, records: records, proc: proc, notify: notify}
}

func (h *Webhook) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/webhook/yookassa", h.handle).Methods(http.MethodPost)
	router.HandleFunc("/webhook/yookassa/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "webhook_healthy"})
	}).Methods(http.MethodGet)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// webhookError: ответ с кодом и текстом для лога
type webhookError struct {
	status int
	msg    string
}

func (e *webhookError) Error() string { return e.msg }

func reject(status int, format string, args ...interface{}) *webhookError {
	return &webhookError{status: status, msg: fmt.Sprintf(format, args...)}
}

func (h *Webhook) handle(w http.ResponseWriter, r *http.Request) {
	defer logger.NotifyOnPanic("Webhook")

	event := "unknown"
	status := http.StatusOK
	defer func() { metrics.ObserveWebhook(event, status) }()

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, map[string]string{"error": "read body"})
		return
	}

	var n notification
	if err := json.Unmarshal(body, &n); err != nil {
		logger.Warn("webhook decode failed", zap.Error(err))
		status = http.StatusBadRequest
		writeJSON(w, status, map[string]string{"error": "invalid json"})
		return
	}
	event = n.Event

	yoomoney := r.Header.Get("Content-Yoomoney-Signature")
	if yoomoney == "" {
		yoomoney = r.Header.Get("X-YooMoney-Signature")
	}
	authHeader := r.Header.Get("Authorization")
	signed := len(signaturesFrom(authHeader, yoomoney)) > 0
	if signed && !checkYooKassaSignature(h.secret, body, authHeader, yoomoney) {
		logger.NotifyAdmin("Недействительная подпись webhook ЮKassa")
		status = http.StatusUnauthorized
		writeJSON(w, status, map[string]string{"error": "invalid signature"})
		return
	}

	if werr := h.dispatch(r.Context(), n, signed); werr != nil {
		status = werr.status
		if status >= 500 {
			logger.Error("webhook processing failed, asking for redelivery", zap.String("event", event), zap.String("reason", werr.msg))
		} else {
			logger.Warn("webhook rejected", zap.String("event", event), zap.String("reason", werr.msg))
		}
		writeJSON(w, status, map[string]string{"error": werr.msg})
		return
	}
	writeJSON(w, status, map[string]string{"status": "ok"})
}

func (h *Webhook) dispatch(ctx context.Context, n notification, signed bool) *webhookError {
	if n.Type != "notification" {
		return reject(http.StatusBadRequest, "invalid notification type %q", n.Type)
	}
	if n.Event == "" || len(n.Object) == 0 {
		return reject(http.StatusBadRequest, "missing event or object")
	}

	switch n.Event {
	case EventPaymentSucceeded, EventPaymentCanceled, EventWaitingCapture:
		var p YooPayment
		if err := json.Unmarshal(n.Object, &p); err != nil || p.ID == "" {
			return reject(http.StatusBadRequest, "invalid payment object")
		}
		logger.Info("webhook received", zap.String("event", n.Event), zap.String("payment_id", p.ID), zap.String("status", p.Status))
		if !signed {
			verified, werr := h.lookup(ctx, p.ID)
			if werr != nil {
				return werr
			}
			p = *verified
		}
		return h.onPayment(ctx, n.Event, &p)
	case EventRefundSucceeded:
		var rf refundObject
		if err := json.Unmarshal(n.Object, &rf); err != nil || rf.PaymentID == "" {
			return reject(http.StatusBadRequest, "invalid refund object")
		}
		logger.Info("webhook received", zap.String("event", n.Event), zap.String("payment_id", rf.PaymentID))
		if !signed {
			verified, werr := h.lookup(ctx, rf.PaymentID)
			if werr != nil {
				return werr
			}
			if verified.RefundedAmount == nil {
				return reject(http.StatusBadRequest, "payment %s has no refunds", rf.PaymentID)
			}
		}
		return h.onRefund(ctx, rf)
	default:
		logger.Info("webhook event ignored", zap.String("event", n.Event))
		return nil
	}
}

// lookup получает платёж из API ЮKassa вместо недоверенного тела
func (h *Webhook) lookup(ctx context.Context, paymentID string) (*YooPayment, *webhookError) {
	if h.provider == nil {
		return nil, reject(http.StatusUnauthorized, "unsigned notification and no provider to verify it")
	}
	p, err := h.provider.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, reject(http.StatusBadGateway, "verify payment %s: %v", paymentID, err)
	}
	return p, nil
}

func (h *Webhook) onPayment(ctx context.Context, event string, p *YooPayment) *webhookError {
	uid := p.UserID()
	wantStatus := map[string]string{
		EventPaymentSucceeded: "succeeded",
		EventPaymentCanceled:  "canceled",
		EventWaitingCapture:   "waiting_for_capture",
	}[event]
	if p.Status != wantStatus {
		return reject(http.StatusBadRequest, "payment %s is %s, event says %s", p.ID, p.Status, wantStatus)
	}

	switch event {
	case EventWaitingCapture:
		if uid != 0 {
			_ = h.notify.Send(ctx, uid, msgWaitingCapture)
		}
		return nil
	case EventPaymentCanceled:
		out := h.proc.CancelPayment(ctx, p.ID)
		if out.Err != nil && provision.Retryable(out.Err) {
			return reject(http.StatusInternalServerError, "cancel %s: %v", p.ID, out.Err)
		}
		if uid != 0 {
			_ = Deliver(ctx, h.notify, uid, out)
		}
		return nil
	}

	if uid == 0 {
		logger.NotifyAdmin(fmt.Sprintf("Платёж ЮKassa %s без user_id в метаданных", p.ID))
		return nil
	}
	kopecks, err := p.Kopecks()
	if err != nil {
		logger.NotifyAdmin(fmt.Sprintf("Платёж ЮKassa %s: %v", p.ID, err))
		return nil
	}
	out := h.proc.ConfirmPayment(ctx, provision.Confirmation{
		User:      provision.User{ID: uid, Username: p.MetaString("username")},
		PaymentID: p.ID,
		TariffKey: p.MetaString("tariff_key"),
		Method:    db.MethodYooKassa,
		Amount:    kopecks,
		Metadata:  p.Metadata,
	})
	if out.Err != nil && provision.Retryable(out.Err) {
		return reject(http.StatusInternalServerError, "confirm %s: %v", p.ID, out.Err)
	}
	if out.Err != nil && !errors.Is(out.Err, provision.ErrConfigTimeout) {
		logger.NotifyAdmin(fmt.Sprintf("Платёж ЮKassa %s не применён: %v", p.ID, out.Err))
	}
	if out.Duplicate {
		logger.Info("redelivered payment ignored", zap.String("payment_id", p.ID))
		return nil
	}
	_ = Deliver(ctx, h.notify, uid, out)
	return nil
}

func (h *Webhook) onRefund(ctx context.Context, rf refundObject) *webhookError {
	out := h.proc.Refund(ctx, rf.PaymentID)
	if out.Err != nil && provision.Retryable(out.Err) && !out.OK {
		// возврат уже учтён, срок поправит администратор: повтор не нужен
		if rec, err := h.records.GetPayment(ctx, rf.PaymentID); err == nil && rec.Status == db.StatusRefunded {
			_ = Deliver(ctx, h.notify, rec.UserID, out)
			return nil
		}
		return reject(http.StatusInternalServerError, "refund %s: %v", rf.PaymentID, out.Err)
	}
	if out.Err != nil {
		logger.NotifyAdmin(fmt.Sprintf("Возврат по платежу %s не обработан: %v", rf.PaymentID, out.Err))
		return nil
	}
	rec, err := h.records.GetPayment(ctx, rf.PaymentID)
	if err != nil {
		logger.Warn("refund owner lookup failed", zap.String("payment_id", rf.PaymentID), zap.Error(err))
		return nil
	}
	_ = Deliver(ctx, h.notify, rec.UserID, out)
	return nil
}
