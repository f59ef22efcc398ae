package bot

import (
	"context"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"WG-Telegram-bot/internal/db"
	"WG-Telegram-bot/internal/provision"
	"WG-Telegram-bot/internal/services"
)

type fakeAPI struct {
	mu       sync.Mutex
	sent     []tgbotapi.Chattable
	requests []tgbotapi.Chattable
	sendErr  error
}

func (f *fakeAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return tgbotapi.Message{}, f.sendErr
	}
	f.sent = append(f.sent, c)
	return tgbotapi.Message{MessageID: len(f.sent)}, nil
}

func (f *fakeAPI) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeAPI) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.sent {
		if m, ok := c.(tgbotapi.MessageConfig); ok {
			out = append(out, m.Text)
		}
	}
	return out
}

func (f *fakeAPI) last() tgbotapi.Chattable {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

type fakeOrch struct {
	mu        sync.Mutex
	confirmed []provision.Confirmation
	access    []string
	confirm   provision.Outcome
	config    provision.Outcome
	status    provision.Outcome
	extend    provision.Outcome
}

func (f *fakeOrch) RequestAccess(_ context.Context, _ provision.User, tariffKey string) provision.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.access = append(f.access, tariffKey)
	if tariffKey == "bogus" {
		return provision.Outcome{Message: "❌ Неизвестный тариф.", Err: provision.ErrUnknownTariff}
	}
	return provision.Outcome{OK: true, Message: "💎 " + tariffKey}
}

func (f *fakeOrch) RequestExtend(context.Context, provision.User) provision.Outcome { return f.extend }
func (f *fakeOrch) RequestConfig(context.Context, provision.User) provision.Outcome { return f.config }
func (f *fakeOrch) Status(context.Context, provision.User) provision.Outcome        { return f.status }

func (f *fakeOrch) ConfirmPayment(_ context.Context, c provision.Confirmation) provision.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirmed = append(f.confirmed, c)
	return f.confirm
}

type fakeRecords struct {
	mu       sync.Mutex
	grants   map[int64]*db.Grant
	payments []db.Payment
}

func (f *fakeRecords) GetActiveGrant(_ context.Context, userID int64) (*db.Grant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if g, ok := f.grants[userID]; ok {
		return g, nil
	}
	return nil, db.ErrNotFound
}

func (f *fakeRecords) RecordPayment(_ context.Context, p *db.Payment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payments = append(f.payments, *p)
	return nil
}

type fakeLinks struct {
	requests []services.PaymentRequest
	err      error
}

func (f *fakeLinks) CreatePayment(_ context.Context, r services.PaymentRequest) (*services.YooPayment, error) {
	f.requests = append(f.requests, r)
	if f.err != nil {
		return nil, f.err
	}
	p := &services.YooPayment{ID: "yk-1", Status: db.StatusPending}
	p.Confirmation.Type = "redirect"
	p.Confirmation.ConfirmationURL = "https://yoomoney.ru/checkout/yk-1"
	return p, nil
}

type fakeAdmin struct {
	handled []string
}

func (f *fakeAdmin) Handle(_ context.Context, msg *tgbotapi.Message) {
	f.handled = append(f.handled, msg.Command())
}
