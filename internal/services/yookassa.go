package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"WG-Telegram-bot/internal/logger"
	"WG-Telegram-bot/internal/metrics"
)

const YooKassaAPI = "https://api.yookassa.ru/v3"

// ErrYooKassa: ошибка API ЮKassa
var ErrYooKassa = errors.New("yookassa api error")

type Amount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

// YooPayment: объект платежа ЮKassa
type YooPayment struct {
	ID             string                 `json:"id"`
	Status         string                 `json:"status"`
	Paid           bool                   `json:"paid"`
	Amount         Amount                 `json:"amount"`
	RefundedAmount *Amount                `json:"refunded_amount,omitempty"`
	Description    string                 `json:"description"`
	Metadata       map[string]interface{} `json:"metadata"`
	Confirmation   struct {
		Type            string `json:"type"`
		ConfirmationURL string `json:"confirmation_url"`
	} `json:"confirmation"`
}

// Kopecks: сумма платежа в копейках
func (p *YooPayment) Kopecks() (int64, error) {
	return ParseKopecks(p.Amount.Value)
}

// UserID: Telegram ID из метаданных. ЮKassa возвращает значения метаданных строками.
func (p *YooPayment) UserID() int64 {
	switch v := p.Metadata["user_id"].(type) {
	case string:
		id, _ := strconv.ParseInt(v, 10, 64)
		return id
	case float64:
		return int64(v)
	}
	return 0
}

func (p *YooPayment) MetaString(key string) string {
	s, _ := p.Metadata[key].(string)
	return s
}

// PaymentRequest: данные для создания платежа по тарифу
type PaymentRequest struct {
	UserID      int64
	Username    string
	TariffKey   string
	Kopecks     int64
	Description string
}

type YooKassa struct {
	baseURL   string
	shopID    string
	secret    string
	returnURL string
	client    *http.Client
}

func NewYooKassa(baseURL, shopID, secret, returnURL string, timeout time.Duration) *YooKassa {
	if baseURL == "" {
		baseURL = YooKassaAPI
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &YooKassa{
		baseURL:   strings.TrimRight(baseURL, "/"),
		shopID:    shopID,
		secret:    secret,
		returnURL: returnURL,
		client:    &http.Client{Timeout: timeout},
	}
}

func (y *YooKassa) do(ctx context.Context, op, method, path string, payload interface{}) (p *YooPayment, err error) {
	started := time.Now()
	defer func() { metrics.ObserveGatewayCall("yookassa_"+op, started, err) }()

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, y.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(y.shopID, y.secret)
	req.Header.Set("Content-Type", "application/json")
	if method == http.MethodPost {
		req.Header.Set("Idempotence-Key", uuid.NewString())
	}

	resp, err := y.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrYooKassa, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s returned HTTP %d: %s", ErrYooKassa, op, resp.StatusCode, raw)
	}
	var out YooPayment
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrYooKassa, err)
	}
	return &out, nil
}

// CreatePayment создаёт платёж с редиректом на страницу оплаты
func (y *YooKassa) CreatePayment(ctx context.Context, r PaymentRequest) (*YooPayment, error) {
	meta := map[string]string{
		"user_id":    strconv.FormatInt(r.UserID, 10),
		"tariff_key": r.TariffKey,
	}
	if r.Username != "" {
		meta["username"] = r.Username
	}
	body := map[string]interface{}{
		"amount":       Amount{Value: FormatKopecks(r.Kopecks), Currency: "RUB"},
		"confirmation": map[string]string{"type": "redirect", "return_url": y.returnURL},
		"capture":      true,
		"description":  r.Description,
		"metadata":     meta,
	}
	p, err := y.do(ctx, "create", http.MethodPost, "/payments", body)
	if err != nil {
		return nil, err
	}
	if p.ID == "" || p.Confirmation.ConfirmationURL == "" {
		return nil, fmt.Errorf("%w: payment without id or confirmation url", ErrYooKassa)
	}
	logger.Info("yookassa payment created", zap.String("payment_id", p.ID), zap.Int64("user_id", r.UserID))
	return p, nil
}

func (y *YooKassa) GetPayment(ctx context.Context, paymentID string) (*YooPayment, error) {
	return y.do(ctx, "get", http.MethodGet, "/payments/"+url.PathEscape(paymentID), nil)
}

// ParseKopecks переводит "300.00" в 30000 без плавающей точки
func ParseKopecks(value string) (int64, error) {
	value = strings.TrimSpace(value)
	rub, frac, _ := strings.Cut(value, ".")
	if rub == "" || len(frac) > 2 {
		return 0, fmt.Errorf("invalid amount %q", value)
	}
	r, err := strconv.ParseInt(rub, 10, 64)
	if err != nil || r < 0 {
		return 0, fmt.Errorf("invalid amount %q", value)
	}
	var k int64
	if frac != "" {
		for len(frac) < 2 {
			frac += "0"
		}
		if k, err = strconv.ParseInt(frac, 10, 64); err != nil || k < 0 {
			return 0, fmt.Errorf("invalid amount %q", value)
		}
	}
	return r*100 + k, nil
}

func FormatKopecks(k int64) string {
	return fmt.Sprintf("%d.%02d", k/100, k%100)
}
