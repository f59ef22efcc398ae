package services

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"WG-Telegram-bot/internal/db"
	"WG-Telegram-bot/internal/provision"
)

func TestCheckYooKassaSignature(t *testing.T) {
	secret := "testsecret"
	body := []byte(`{"test":"data"}`)

	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	calc := hex.EncodeToString(h.Sum(nil))

	tests := []struct {
		desc        string
		authHeader  string
		yoomoneyHdr string
		want        bool
	}{
		{"valid Authorization", "HMAC " + calc, "", true},
		{"valid Authorization SHA256", "HMAC-SHA256 " + calc, "", true},
		{"valid Yoomoney header", "", calc, true},
		{"wrong signature", "HMAC wrong", "", false},
		{"wrong yoomoney", "", "wrong", false},
		{"both empty", "", "", false},
		{"basic auth is not a signature", "Basic abc", "", false},
	}

	for _, tt := range tests {
		if got := checkYooKassaSignature(secret, body, tt.authHeader, tt.yoomoneyHdr); got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.desc, got, tt.want)
		}
	}
}

type fakeProcessor struct {
	mu        sync.Mutex
	confirmed []provision.Confirmation
	canceled  []string
	refunded  []string
	out       provision.Outcome
}

func (f *fakeProcessor) ConfirmPayment(_ context.Context, c provision.Confirmation) provision.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirmed = append(f.confirmed, c)
	return f.out
}

func (f *fakeProcessor) CancelPayment(_ context.Context, id string) provision.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, id)
	return f.out
}

func (f *fakeProcessor) Refund(_ context.Context, id string) provision.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refunded = append(f.refunded, id)
	return f.out
}

type sentMessage struct {
	UserID int64
	Text   string
	Config []byte
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentMessage
	err  map[int64]error
}

func (n *fakeNotifier) Send(_ context.Context, uid int64, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.err[uid]; err != nil {
		return err
	}
	n.sent = append(n.sent, sentMessage{UserID: uid, Text: text})
	return nil
}

func (n *fakeNotifier) SendConfig(_ context.Context, uid int64, caption string, cfg []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.err[uid]; err != nil {
		return err
	}
	n.sent = append(n.sent, sentMessage{UserID: uid, Text: caption, Config: cfg})
	return nil
}

type fakeLookup map[string]*YooPayment

func (l fakeLookup) GetPayment(_ context.Context, id string) (*YooPayment, error) {
	if p, ok := l[id]; ok {
		return p, nil
	}
	return nil, errors.New("not found")
}

type fakeRecords map[string]*db.Payment

func (r fakeRecords) GetPayment(_ context.Context, id string) (*db.Payment, error) {
	if p, ok := r[id]; ok {
		return p, nil
	}
	return nil, db.ErrNotFound
}

const testSecret = "whsec"

func sign(body string) string {
	h := hmac.New(sha256.New, []byte(testSecret))
	h.Write([]byte(body))
	return hex.EncodeToString(h.Sum(nil))
}

type webhookFixture struct {
	router  *mux.Router
	proc    *fakeProcessor
	notify  *fakeNotifier
	lookup  fakeLookup
	records fakeRecords
}

func newWebhookFixture(out provision.Outcome) *webhookFixture {
	f := &webhookFixture{
		router:  mux.NewRouter(),
		proc:    &fakeProcessor{out: out},
		notify:  &fakeNotifier{},
		lookup:  fakeLookup{},
		records: fakeRecords{},
	}
	NewWebhook(testSecret, f.lookup, f.records, f.proc, f.notify).RegisterRoutes(f.router)
	return f
}

func (f *webhookFixture) post(t *testing.T, body string, signed bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook/yookassa", strings.NewReader(body))
	if signed {
		req.Header.Set("Content-Yoomoney-Signature", sign(body))
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

const succeededBody = `{"type":"notification","event":"payment.succeeded","object":{
	"id":"pay-1","status":"succeeded","paid":true,
	"amount":{"value":"300.00","currency":"RUB"},
	"metadata":{"user_id":"42","tariff_key":"30_days","username":"alice"}}}`

func TestWebhook_SignedSucceeded(t *testing.T) {
	f := newWebhookFixture(provision.Outcome{OK: true, Message: "ok", Config: []byte("cfg")})

	rec := f.post(t, succeededBody, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	require.Len(t, f.proc.confirmed, 1)
	c := f.proc.confirmed[0]
	assert.Equal(t, int64(42), c.User.ID)
	assert.Equal(t, "alice", c.User.Username)
	assert.Equal(t, "pay-1", c.PaymentID)
	assert.Equal(t, "30_days", c.TariffKey)
	assert.Equal(t, db.MethodYooKassa, c.Method)
	assert.EqualValues(t, 30000, c.Amount)

	require.Len(t, f.notify.sent, 1)
	assert.Equal(t, []byte("cfg"), f.notify.sent[0].Config)
}

func TestWebhook_RedeliveryIsNotAnnounced(t *testing.T) {
	f := newWebhookFixture(provision.Outcome{OK: true, Message: "✅ Этот платёж уже обработан.", Duplicate: true})

	rec := f.post(t, succeededBody, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, f.proc.confirmed, 1)
	assert.Empty(t, f.notify.sent)
}

func TestWebhook_InvalidSignature(t *testing.T) {
	f := newWebhookFixture(provision.Outcome{OK: true})
	req := httptest.NewRequest(http.MethodPost, "/webhook/yookassa", strings.NewReader(succeededBody))
	req.Header.Set("Authorization", "HMAC deadbeef")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, f.proc.confirmed)
}

func TestWebhook_UnsignedIsVerifiedWithProvider(t *testing.T) {
	f := newWebhookFixture(provision.Outcome{OK: true, Message: "ok"})

	rec := f.post(t, succeededBody, false)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Empty(t, f.proc.confirmed)

	f.lookup["pay-1"] = &YooPayment{
		ID: "pay-1", Status: "pending",
		Amount:   Amount{Value: "300.00", Currency: "RUB"},
		Metadata: map[string]interface{}{"user_id": "42", "tariff_key": "30_days"},
	}
	rec = f.post(t, succeededBody, false)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, f.proc.confirmed)

	f.lookup["pay-1"].Status = "succeeded"
	f.lookup["pay-1"].Amount.Value = "150.00"
	rec = f.post(t, succeededBody, false)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, f.proc.confirmed, 1)
	assert.EqualValues(t, 15000, f.proc.confirmed[0].Amount)
}

func TestWebhook_RetryableFailureAsksForRedelivery(t *testing.T) {
	f := newWebhookFixture(provision.Outcome{Err: provision.ErrExistenceUnknown, Message: "later"})
	rec := f.post(t, succeededBody, true)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Empty(t, f.notify.sent)
}

func TestWebhook_FinalFailureIsAcknowledged(t *testing.T) {
	f := newWebhookFixture(provision.Outcome{Err: provision.ErrPaymentInvalid, Message: "bad"})
	rec := f.post(t, succeededBody, true)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, f.notify.sent, 1)
	assert.Equal(t, "bad", f.notify.sent[0].Text)
}

func TestWebhook_Canceled(t *testing.T) {
	f := newWebhookFixture(provision.Outcome{OK: true, Message: "canceled"})
	body := `{"type":"notification","event":"payment.canceled","object":{"id":"pay-2","status":"canceled","metadata":{"user_id":"7"}}}`

	rec := f.post(t, body, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"pay-2"}, f.proc.canceled)
	require.Len(t, f.notify.sent, 1)
	assert.Equal(t, int64(7), f.notify.sent[0].UserID)
}

func TestWebhook_WaitingForCapture(t *testing.T) {
	f := newWebhookFixture(provision.Outcome{OK: true})
	body := `{"type":"notification","event":"payment.waiting_for_capture","object":{"id":"pay-3","status":"waiting_for_capture","metadata":{"user_id":"8"}}}`

	rec := f.post(t, body, true)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, f.notify.sent, 1)
	assert.Equal(t, msgWaitingCapture, f.notify.sent[0].Text)
	assert.Empty(t, f.proc.confirmed)
}

func TestWebhook_Refund(t *testing.T) {
	f := newWebhookFixture(provision.Outcome{OK: true, Message: "refunded"})
	f.records["pay-4"] = &db.Payment{PaymentID: "pay-4", UserID: 9, Status: db.StatusRefunded}
	body := `{"type":"notification","event":"refund.succeeded","object":{"id":"rf-1","payment_id":"pay-4","status":"succeeded","amount":{"value":"300.00","currency":"RUB"}}}`

	rec := f.post(t, body, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"pay-4"}, f.proc.refunded)
	require.Len(t, f.notify.sent, 1)
	assert.Equal(t, int64(9), f.notify.sent[0].UserID)
}

func TestWebhook_RefundRecordedButAccessNotAdjusted(t *testing.T) {
	f := newWebhookFixture(provision.Outcome{Err: provision.ErrRemoteUpdate, Message: "admin will fix"})
	f.records["pay-5"] = &db.Payment{PaymentID: "pay-5", UserID: 10, Status: db.StatusRefunded}
	body := `{"type":"notification","event":"refund.succeeded","object":{"id":"rf-2","payment_id":"pay-5","status":"succeeded"}}`

	rec := f.post(t, body, true)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, f.notify.sent, 1)
	assert.Equal(t, "admin will fix", f.notify.sent[0].Text)
}

func TestWebhook_UnsignedRefundNeedsRefundedPayment(t *testing.T) {
	f := newWebhookFixture(provision.Outcome{OK: true})
	f.lookup["pay-6"] = &YooPayment{ID: "pay-6", Status: "succeeded"}
	body := `{"type":"notification","event":"refund.succeeded","object":{"id":"rf-3","payment_id":"pay-6","status":"succeeded"}}`

	rec := f.post(t, body, false)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, f.proc.refunded)
}

func TestWebhook_MalformedRequests(t *testing.T) {
	f := newWebhookFixture(provision.Outcome{OK: true})
	cases := map[string]string{
		"not json":     `{`,
		"wrong type":   `{"type":"other","event":"payment.succeeded","object":{"id":"x"}}`,
		"no event":     `{"type":"notification","object":{"id":"x"}}`,
		"no object":    `{"type":"notification","event":"payment.succeeded"}`,
		"no object id": `{"type":"notification","event":"payment.succeeded","object":{}}`,
	}
	for name, body := range cases {
		rec := f.post(t, body, true)
		assert.Equal(t, http.StatusBadRequest, rec.Code, name)
	}
	assert.Empty(t, f.proc.confirmed)

	rec := f.post(t, `{"type":"notification","event":"payout.succeeded","object":{"id":"x"}}`, true)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebhook_MissingUserIsAcknowledged(t *testing.T) {
	f := newWebhookFixture(provision.Outcome{OK: true})
	body := `{"type":"notification","event":"payment.succeeded","object":{"id":"pay-7","status":"succeeded","amount":{"value":"300.00"}}}`
	rec := f.post(t, body, true)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, f.proc.confirmed)
}

func TestWebhook_Routes(t *testing.T) {
	f := newWebhookFixture(provision.Outcome{OK: true})

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhook/yookassa/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "webhook_healthy")

	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhook/yookassa", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
