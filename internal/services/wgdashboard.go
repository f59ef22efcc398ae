package services

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/curve25519"

	"WG-Telegram-bot/internal/logger"
	"WG-Telegram-bot/internal/metrics"
)

var (
	// ErrConfigNotReady: шлюз ещё не может отдать конфигурацию пира
	ErrConfigNotReady = errors.New("peer config not ready")

	// ErrRemote: ошибка транспорта или ответа API шлюза
	ErrRemote = errors.New("wgdashboard api error")

	// ErrInvalidPeerKey: идентификатор пира не является публичным ключом WireGuard
	ErrInvalidPeerKey = errors.New("invalid wireguard public key")
)

// JobTimeLayout: формат дат в задачах расписания WGDashboard
const JobTimeLayout = "2006-01-02 15:04:05"

// Peer: пир, созданный на шлюзе. ID совпадает с публичным ключом.
type Peer struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	PrivateKey string `json:"private_key"`
	AllowedIP  string `json:"allowed_ip"`
	Status     string `json:"status"`
}

type apiResponse struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// WGDashboard: клиент API WGDashboard для одной конфигурации WireGuard
type WGDashboard struct {
	baseURL       string
	apiKey        string
	configName    string
	defaultExpiry time.Duration
	client        *http.Client
	now           func() time.Time
}

func NewWGDashboard(baseURL, apiKey, configName string, defaultExpiryDays int, timeout time.Duration) *WGDashboard {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &WGDashboard{
		baseURL:       baseURL,
		apiKey:        apiKey,
		configName:    configName,
		defaultExpiry: time.Duration(defaultExpiryDays) * 24 * time.Hour,
		client:        &http.Client{Timeout: timeout},
		now:           time.Now,
	}
}

func (w *WGDashboard) do(ctx context.Context, method, path string, payload interface{}) (int, *apiResponse, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, w.baseURL+path, body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("wg-dashboard-apikey", w.apiKey)

	resp, err := w.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrRemote, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("%w: read body: %v", ErrRemote, err)
	}
	var out apiResponse
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return resp.StatusCode, nil, fmt.Errorf("%w: decode %s: %v", ErrRemote, path, err)
		}
	}
	return resp.StatusCode, &out, nil
}

// call: POST/GET, где успехом считается только 2xx со status=true
func (w *WGDashboard) call(ctx context.Context, op, method, path string, payload interface{}) (resp *apiResponse, err error) {
	started := time.Now()
	defer func() { metrics.ObserveGatewayCall(op, started, err) }()

	code, resp, err := w.do(ctx, method, path, payload)
	if err != nil {
		return nil, err
	}
	if code < 200 || code > 299 {
		return nil, fmt.Errorf("%w: %s returned HTTP %d", ErrRemote, op, code)
	}
	if !resp.Status {
		return nil, fmt.Errorf("%w: %s: %s", ErrRemote, op, resp.Message)
	}
	return resp, nil
}

func (w *WGDashboard) peersPath(action string) string {
	return "/api/" + action + "/" + url.PathEscape(w.configName)
}

// Handshake: проверка доступности API
func (w *WGDashboard) Handshake(ctx context.Context) error {
	_, err := w.call(ctx, "handshake", http.MethodGet, "/api/handshake", nil)
	return err
}

// CreatePeer создаёт пира с указанным именем и возвращает его публичный ключ.
// Если шлюз создал пира, но ответ не прошёл проверку, id возвращается вместе с ошибкой.
func (w *WGDashboard) CreatePeer(ctx context.Context, name string) (string, error) {
	resp, err := w.call(ctx, "create_peer", http.MethodPost, w.peersPath("addPeers"), map[string]string{"name": name})
	if err != nil {
		return "", err
	}
	var peers []Peer
	if err := json.Unmarshal(resp.Data, &peers); err != nil {
		return "", fmt.Errorf("%w: decode peers: %v", ErrRemote, err)
	}
	if len(peers) == 0 || peers[0].ID == "" {
		return "", fmt.Errorf("%w: addPeers returned no peer id", ErrRemote)
	}
	p := peers[0]
	if err := ValidatePeerKey(p.ID, p.PrivateKey); err != nil {
		return p.ID, err
	}
	logger.Info("peer created", zap.String("name", name), zap.String("peer_id", shortKey(p.ID)), zap.String("allowed_ip", p.AllowedIP))
	return p.ID, nil
}

// DeletePeer удаляет пира
func (w *WGDashboard) DeletePeer(ctx context.Context, peerID string) error {
	_, err := w.call(ctx, "delete_peer", http.MethodPost, w.peersPath("deletePeers"), map[string][]string{"peers": {peerID}})
	return err
}

// PeerExists: true/false, если шлюз ответил однозначно; ошибка, если ответ
// получить не удалось. Ошибку нельзя трактовать как отсутствие пира.
func (w *WGDashboard) PeerExists(ctx context.Context, peerID string) (exists bool, err error) {
	if peerID == "" {
		return false, nil
	}
	started := time.Now()
	defer func() { metrics.ObserveGatewayCall("peer_exists", started, err) }()

	code, resp, err := w.do(ctx, http.MethodGet, w.downloadPath(peerID), nil)
	switch {
	case err != nil:
		return false, err
	case code == http.StatusNotFound:
		return false, nil
	case code < 200 || code > 299:
		return false, fmt.Errorf("%w: peer_exists returned HTTP %d", ErrRemote, code)
	}
	if resp.Status && len(resp.Data) > 0 && string(resp.Data) != "null" {
		return true, nil
	}
	logger.Info("peer not found on gateway", zap.String("peer_id", shortKey(peerID)), zap.String("message", resp.Message))
	return false, nil
}

func (w *WGDashboard) downloadPath(peerID string) string {
	return w.peersPath("downloadPeer") + "?id=" + url.QueryEscape(peerID)
}

// DownloadConfig скачивает конфигурацию пира
func (w *WGDashboard) DownloadConfig(ctx context.Context, peerID string) (cfg []byte, err error) {
	if peerID == "" {
		return nil, fmt.Errorf("%w: empty peer id", ErrRemote)
	}
	started := time.Now()
	defer func() { metrics.ObserveGatewayCall("download_config", started, err) }()

	code, resp, err := w.do(ctx, http.MethodGet, w.downloadPath(peerID), nil)
	if err != nil {
		return nil, err
	}
	if code < 200 || code > 299 {
		return nil, fmt.Errorf("%w: downloadPeer returned HTTP %d", ErrRemote, code)
	}
	var file struct {
		File     string `json:"file"`
		FileName string `json:"fileName"`
	}
	if !resp.Status || len(resp.Data) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrConfigNotReady, resp.Message)
	}
	if err := json.Unmarshal(resp.Data, &file); err != nil || file.File == "" {
		return nil, ErrConfigNotReady
	}
	return []byte(file.File), nil
}

type scheduleJob struct {
	JobID         string `json:"JobID"`
	Configuration string `json:"Configuration"`
	Peer          string `json:"Peer"`
	Field         string `json:"Field"`
	Operator      string `json:"Operator"`
	Value         string `json:"Value"`
	CreationDate  string `json:"CreationDate"`
	ExpireDate    string `json:"ExpireDate"`
	Action        string `json:"Action"`
}

func (w *WGDashboard) saveJob(ctx context.Context, op, jobID, peerID string, expire time.Time) error {
	now := w.now()
	job := scheduleJob{
		JobID:         jobID,
		Configuration: w.configName,
		Peer:          peerID,
		Field:         "date",
		Operator:      "lgt",
		Value:         expire.Format(JobTimeLayout),
		CreationDate:  now.Format(JobTimeLayout),
		ExpireDate:    expire.Format(JobTimeLayout),
		Action:        "restrict",
	}
	_, err := w.call(ctx, op, http.MethodPost, "/api/savePeerScheduleJob", map[string]scheduleJob{"Job": job})
	return err
}

// EffectiveExpiry возвращает дату, которую шлюз примет для задачи. Прошедшая или
// нулевая дата заменяется на now + срок по умолчанию.
func (w *WGDashboard) EffectiveExpiry(requested time.Time) time.Time {
	now := w.now()
	if requested.IsZero() || !requested.After(now) {
		return now.Add(w.defaultExpiry).Truncate(time.Second)
	}
	return requested.Truncate(time.Second)
}

// CreateExpiryJob создаёт задачу ограничения пира и возвращает её id и фактическую дату
func (w *WGDashboard) CreateExpiryJob(ctx context.Context, peerID string, requested time.Time) (string, time.Time, error) {
	jobID := uuid.NewString()
	expire := w.EffectiveExpiry(requested)
	if err := w.saveJob(ctx, "create_job", jobID, peerID, expire); err != nil {
		return "", time.Time{}, err
	}
	return jobID, expire, nil
}

// UpdateExpiryJob переписывает дату существующей задачи (savePeerScheduleJob с тем же JobID)
func (w *WGDashboard) UpdateExpiryJob(ctx context.Context, jobID, peerID string, expire time.Time) error {
	return w.saveJob(ctx, "update_job", jobID, peerID, expire.Truncate(time.Second))
}

// LiftRestriction снимает ограничение с пира после оплаты
func (w *WGDashboard) LiftRestriction(ctx context.Context, peerID string) error {
	_, err := w.call(ctx, "allow_access", http.MethodPost, w.peersPath("allowAccessPeers"), map[string][]string{"peers": {peerID}})
	return err
}

// RestrictPeer ограничивает пира немедленно
func (w *WGDashboard) RestrictPeer(ctx context.Context, peerID string) error {
	_, err := w.call(ctx, "restrict", http.MethodPost, w.peersPath("restrictPeers"), map[string][]string{"peers": {peerID}})
	return err
}

// ValidatePeerKey проверяет, что id является публичным ключом Curve25519 в base64.
// Если известен приватный ключ, публичный должен из него выводиться.
func ValidatePeerKey(publicKey, privateKey string) error {
	pub, err := base64.StdEncoding.DecodeString(publicKey)
	if err != nil || len(pub) != curve25519.PointSize {
		return fmt.Errorf("%w: %q", ErrInvalidPeerKey, shortKey(publicKey))
	}
	if privateKey == "" {
		return nil
	}
	priv, err := base64.StdEncoding.DecodeString(privateKey)
	if err != nil || len(priv) != curve25519.ScalarSize {
		return fmt.Errorf("%w: bad private key", ErrInvalidPeerKey)
	}
	derived, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPeerKey, err)
	}
	if subtle.ConstantTimeCompare(derived, pub) != 1 {
		return fmt.Errorf("%w: public key does not match private key", ErrInvalidPeerKey)
	}
	return nil
}

func shortKey(k string) string {
	if len(k) > 20 {
		return k[:20] + "..."
	}
	return k
}
