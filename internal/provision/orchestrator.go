package provision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"WG-Telegram-bot/config"
	"WG-Telegram-bot/internal/db"
	"WG-Telegram-bot/internal/logger"
	"WG-Telegram-bot/internal/metrics"
)

// Gateway: операции удалённого шлюза WireGuard
type Gateway interface {
	CreatePeer(ctx context.Context, name string) (string, error)
	DeletePeer(ctx context.Context, peerID string) error
	PeerExists(ctx context.Context, peerID string) (bool, error)
	DownloadConfig(ctx context.Context, peerID string) ([]byte, error)
	CreateExpiryJob(ctx context.Context, peerID string, requested time.Time) (string, time.Time, error)
	UpdateExpiryJob(ctx context.Context, jobID, peerID string, expire time.Time) error
	LiftRestriction(ctx context.Context, peerID string) error
	RestrictPeer(ctx context.Context, peerID string) error
}

// Store: хранилище записей доступа и платежей
type Store interface {
	GetActiveGrant(ctx context.Context, userID int64) (*db.Grant, error)
	StageGrant(ctx context.Context, in db.StageInput) (*db.Stage, error)
	FinalizeGrant(ctx context.Context, st *db.Stage, peerID, jobID string, expire time.Time, paymentID string) error
	RollbackGrant(ctx context.Context, st *db.Stage) error
	StaleStages(ctx context.Context, grace time.Duration) ([]db.Grant, error)
	RecoverStage(ctx context.Context, grantID uint) (*db.Grant, error)
	ExtendGrant(ctx context.Context, in db.ExtendInput) error
	SetExpireDate(ctx context.Context, grantID uint, expire time.Time) error
	EnsurePayment(ctx context.Context, p db.Payment) (*db.Payment, error)
	GetPayment(ctx context.Context, paymentID string) (*db.Payment, error)
	TransitionPayment(ctx context.Context, paymentID, to string) (*db.Payment, bool, error)
	UnappliedPayments(ctx context.Context, before time.Time) ([]db.Payment, error)
	LogOperation(ctx context.Context, subject, operation, details string)
}

// IdentityRegistry: внешнее соответствие username -> публичный ключ
type IdentityRegistry interface {
	Bind(ctx context.Context, username, peerID string) error
}

// CustomPeers: вручную привязанные к пользователю дополнительные пиры
type CustomPeers interface {
	Peers(userID int64) []string
	JobID(userID int64, peerID string) string
}

type Option func(*Orchestrator)

func WithRegistry(r IdentityRegistry) Option {
	return func(o *Orchestrator) { o.registry = r }
}

func WithCustomPeers(c CustomPeers) Option {
	return func(o *Orchestrator) { o.custom = c }
}

// WithDownloadRetry задаёт число попыток скачивания конфига и паузу между ними
func WithDownloadRetry(attempts int, delay time.Duration) Option {
	return func(o *Orchestrator) {
		if attempts > 0 {
			o.downloadAttempts = attempts
		}
		o.downloadDelay = delay
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithRemoteTimeout ограничивает компенсирующие вызовы, которые идут без контекста запроса
func WithRemoteTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.remoteTimeout = d }
}

// Orchestrator проводит создание, восстановление и продление доступа через
// хранилище и шлюз так, чтобы они не расходились.
type Orchestrator struct {
	store    Store
	gw       Gateway
	tariffs  config.TariffProvider
	registry IdentityRegistry
	custom   CustomPeers
	locks    *userLocks

	downloadAttempts int
	downloadDelay    time.Duration
	remoteTimeout    time.Duration
	now              func() time.Time
}

func New(store Store, gw Gateway, tariffs config.TariffProvider, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:            store,
		gw:               gw,
		tariffs:          tariffs,
		locks:            newUserLocks(),
		downloadAttempts: 10,
		downloadDelay:    3 * time.Second,
		remoteTimeout:    20 * time.Second,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) finish(op string, out Outcome) Outcome {
	metrics.ObserveOutcome(op, out.OK)
	if out.Err != nil {
		logger.Warn("provision failed", zap.String("operation", op), zap.Error(out.Err))
	}
	return out
}

// detached возвращает контекст для компенсаций, который не отменяется вместе с запросом
func (o *Orchestrator) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), o.remoteTimeout)
}

// activeGrant возвращает активную запись пользователя. Незавершённый stage,
// найденный под блокировкой пользователя, остался от упавшего процесса и откатывается.
func (o *Orchestrator) activeGrant(ctx context.Context, userID int64) (*db.Grant, error) {
	g, err := o.store.GetActiveGrant(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !g.IsPending() {
		return g, nil
	}
	logger.Warn("recovering orphaned stage", zap.Int64("user_id", userID), zap.Uint("grant_id", g.ID))
	if _, err := o.store.RecoverStage(ctx, g.ID); err != nil {
		return nil, err
	}
	return o.store.GetActiveGrant(ctx, userID)
}

type provisioned struct {
	PeerID string
	JobID  string
	Expire time.Time
}

// provisionPeer выполняет staged create/finalize/rollback. Запись с временными id,
// пир, задача ограничения, финализация. При ошибке после stage пир удаляется,
// а запись откатывается.
func (o *Orchestrator) provisionPeer(ctx context.Context, in db.StageInput, paymentID string) (*provisioned, error) {
	st, err := o.store.StageGrant(ctx, in)
	if errors.Is(err, db.ErrStageInFlight) {
		if _, rerr := o.activeGrant(ctx, in.TelegramUserID); rerr != nil {
			return nil, fmt.Errorf("%w: %v", ErrPersist, rerr)
		}
		st, err = o.store.StageGrant(ctx, in)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: stage: %v", ErrPersist, err)
	}

	peerID, err := o.gw.CreatePeer(ctx, st.PeerName)
	if err == nil && peerID == "" {
		err = errors.New("gateway returned empty peer id")
	}
	if err != nil {
		o.compensate(ctx, st, peerID, err)
		return nil, fmt.Errorf("%w: %v", ErrCreate, err)
	}

	jobID, expire, err := o.gw.CreateExpiryJob(ctx, peerID, in.ExpireDate)
	if err == nil && jobID == "" {
		err = errors.New("gateway returned empty job id")
	}
	if err != nil {
		o.compensate(ctx, st, peerID, err)
		return nil, fmt.Errorf("%w: job: %v", ErrCreate, err)
	}

	if err := o.store.FinalizeGrant(ctx, st, peerID, jobID, expire, paymentID); err != nil {
		o.compensate(ctx, st, peerID, err)
		if errors.Is(err, db.ErrPaymentApplied) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: finalize: %v", ErrPersist, err)
	}

	logger.Info("grant provisioned",
		zap.Int64("user_id", in.TelegramUserID), zap.String("peer_name", st.PeerName),
		zap.String("mode", string(st.Mode)), zap.Time("expire", expire))
	o.syncSideChannels(ctx, in.TelegramUserID, in.Username, peerID, expire, true)
	return &provisioned{PeerID: peerID, JobID: jobID, Expire: expire}, nil
}

// compensate удаляет созданный пир и откатывает staged-запись. Ошибки только логируются.
func (o *Orchestrator) compensate(ctx context.Context, st *db.Stage, peerID string, cause error) {
	cctx, cancel := o.detached(ctx)
	defer cancel()

	o.store.LogOperation(cctx, st.PeerName, db.OpRemoteFailure, cause.Error())
	if peerID != "" {
		if err := o.gw.DeletePeer(cctx, peerID); err != nil {
			logger.Error("orphaned peer left on gateway",
				zap.String("peer_name", st.PeerName), zap.String("peer_id", peerID), zap.Error(err))
			o.store.LogOperation(cctx, st.PeerName, db.OpOrphanedPeer, "peer_id="+peerID+": "+err.Error())
			logger.NotifyAdmin(fmt.Sprintf("Не удалось удалить пир %s (%s) после сбоя: %v", st.PeerName, peerID, err))
		}
	}
	if err := o.store.RollbackGrant(cctx, st); err != nil {
		logger.Error("stage rollback failed",
			zap.String("peer_name", st.PeerName), zap.String("mode", string(st.Mode)), zap.Error(err))
	}
}

// syncSideChannels обновляет реестр имён и ручные пиры. Ошибки не откатывают основную операцию.
func (o *Orchestrator) syncSideChannels(ctx context.Context, userID int64, username, peerID string, expire time.Time, lift bool) {
	if o.registry != nil && username != "" && peerID != "" {
		if err := o.registry.Bind(ctx, username, peerID); err != nil {
			logger.Warn("identity registry sync failed", zap.String("username", username), zap.Error(err))
		}
	}
	if o.custom == nil {
		return
	}
	for _, p := range o.custom.Peers(userID) {
		if lift {
			if err := o.gw.LiftRestriction(ctx, p); err != nil {
				logger.Warn("custom peer allow failed", zap.Int64("user_id", userID), zap.String("peer_id", p), zap.Error(err))
			}
		}
		if err := o.gw.UpdateExpiryJob(ctx, o.custom.JobID(userID, p), p, expire); err != nil {
			logger.Warn("custom peer job sync failed", zap.Int64("user_id", userID), zap.String("peer_id", p), zap.Error(err))
		}
	}
}

// downloadConfig скачивает конфиг с ограниченным числом попыток
func (o *Orchestrator) downloadConfig(ctx context.Context, peerID string) ([]byte, error) {
	var last error
	for attempt := 1; attempt <= o.downloadAttempts; attempt++ {
		cfg, err := o.gw.DownloadConfig(ctx, peerID)
		if err == nil && len(cfg) > 0 {
			return cfg, nil
		}
		if err == nil {
			err = errors.New("empty config")
		}
		last = err
		logger.Debug("config not ready", zap.Int("attempt", attempt), zap.Error(err))
		if attempt == o.downloadAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrConfigTimeout, ctx.Err())
		case <-time.After(o.downloadDelay):
		}
	}
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrConfigTimeout, o.downloadAttempts, last)
}

// extendTarget считает новую дату окончания от сохранённой даты, а если и она
// с продлением уже в прошлом, то от текущего момента.
func (o *Orchestrator) extendTarget(stored time.Time, days int) time.Time {
	now := o.now()
	target := stored.AddDate(0, 0, days)
	if !target.After(now) {
		target = now.AddDate(0, 0, days)
	}
	return target
}

// RecoverStaleStages откатывает записи, застрявшие с временными id дольше grace
func (o *Orchestrator) RecoverStaleStages(ctx context.Context, grace time.Duration) (int, error) {
	stale, err := o.store.StaleStages(ctx, grace)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, g := range stale {
		unlock := o.locks.Lock(g.TelegramUserID)
		_, err := o.store.RecoverStage(ctx, g.ID)
		unlock()
		if err != nil {
			logger.Error("stale stage recovery failed", zap.Uint("grant_id", g.ID), zap.Error(err))
			continue
		}
		recovered++
		logger.Info("stale stage recovered", zap.Uint("grant_id", g.ID), zap.String("peer_name", g.PeerName))
	}
	return recovered, nil
}
