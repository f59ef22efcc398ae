package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type StageMode string

const (
	StageCreate StageMode = "create"
	StageUpdate StageMode = "update"
)

// StageInput: данные, которые пишутся в запись на этапе stage
type StageInput struct {
	TelegramUserID int64
	Username       string
	PeerName       string
	ExpireDate     time.Time

	// Пустые значения в режиме update оставляют поле как есть
	PaymentStatus string
	PaymentMethod string
	TariffKey     string

	AddStars int64
	AddRub   int64
	PaidAt   *time.Time
}

// Stage описывает staged-операцию. Хранит режим, временные идентификаторы и прежнее состояние
type Stage struct {
	Mode           StageMode
	GrantID        uint
	TelegramUserID int64
	PeerName       string
	PendingPeerID  string
	PendingJobID   string
	ExpireDate     time.Time
	Previous       *GrantSnapshot
}

func activeGrant(tx *gorm.DB, userID int64) *gorm.DB {
	return tx.Where("telegram_user_id = ? AND is_active = ?", userID, true)
}

// GetActiveGrant возвращает активную запись пользователя или ErrNotFound
func (s *Store) GetActiveGrant(ctx context.Context, userID int64) (*Grant, error) {
	var g Grant
	if err := activeGrant(s.db.WithContext(ctx), userID).First(&g).Error; err != nil {
		return nil, mapErr(err)
	}
	return &g, nil
}

// GetGrantByPeerName ищет активную запись по имени пира для /admin_user
func (s *Store) GetGrantByPeerName(ctx context.Context, peerName string) (*Grant, error) {
	var g Grant
	err := s.db.WithContext(ctx).Where("peer_name = ? AND is_active = ?", peerName, true).First(&g).Error
	if err != nil {
		return nil, mapErr(err)
	}
	return &g, nil
}

// GetGrantByPeerID ищет активную запись по публичному ключу пира
func (s *Store) GetGrantByPeerID(ctx context.Context, peerID string) (*Grant, error) {
	var g Grant
	err := s.db.WithContext(ctx).Where("peer_id = ? AND is_active = ?", peerID, true).First(&g).Error
	if err != nil {
		return nil, mapErr(err)
	}
	return &g, nil
}

// StageGrant атомарно создаёт запись с временными идентификаторами или переводит
// существующую активную запись на них, сохраняя прежние значения в снапшот.
func (s *Store) StageGrant(ctx context.Context, in StageInput) (*Stage, error) {
	stage := &Stage{
		TelegramUserID: in.TelegramUserID,
		PeerName:       in.PeerName,
		PendingPeerID:  NewPlaceholder(),
		PendingJobID:   NewPlaceholder(),
		ExpireDate:     in.ExpireDate,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Grant
		err := activeGrant(tx.Clauses(clause.Locking{Strength: "UPDATE"}), in.TelegramUserID).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return s.stageCreate(tx, in, stage)
		case err != nil:
			return err
		}
		if existing.IsPending() {
			return ErrStageInFlight
		}
		return s.stageUpdate(tx, in, existing, stage)
	})
	if err != nil {
		return nil, mapErr(err)
	}
	return stage, nil
}

func (s *Store) stageCreate(tx *gorm.DB, in StageInput, stage *Stage) error {
	status := in.PaymentStatus
	if status == "" {
		status = PaymentUnpaid
	}
	g := Grant{
		PeerName:         in.PeerName,
		PeerID:           stage.PendingPeerID,
		JobID:            stage.PendingJobID,
		TelegramUserID:   in.TelegramUserID,
		TelegramUsername: in.Username,
		ExpireDate:       in.ExpireDate,
		IsActive:         true,
		PaymentStatus:    status,
		PaymentMethod:    in.PaymentMethod,
		TariffKey:        in.TariffKey,
		StarsPaid:        in.AddStars,
		RubPaid:          in.AddRub,
		LastPaymentDate:  in.PaidAt,
	}
	if err := tx.Create(&g).Error; err != nil {
		return err
	}
	stage.Mode = StageCreate
	stage.GrantID = g.ID
	s.logOperation(tx, in.PeerName, OpStageGrant, "mode=create")
	return nil
}

func (s *Store) stageUpdate(tx *gorm.DB, in StageInput, existing Grant, stage *Stage) error {
	prev := snapshotOf(existing)
	if stage.PeerName == "" {
		stage.PeerName = existing.PeerName
	}
	updates := map[string]interface{}{
		"peer_name":         stage.PeerName,
		"peer_id":           stage.PendingPeerID,
		"job_id":            stage.PendingJobID,
		"expire_date":       in.ExpireDate,
		"stars_paid":        existing.StarsPaid + in.AddStars,
		"rub_paid":          existing.RubPaid + in.AddRub,
		"stage_snapshot":    datatypes.NewJSONType(prev),
		"telegram_username": in.Username,
	}
	if in.Username == "" {
		updates["telegram_username"] = existing.TelegramUsername
	}
	if in.PaymentStatus != "" {
		updates["payment_status"] = in.PaymentStatus
	}
	if in.PaymentMethod != "" {
		updates["payment_method"] = in.PaymentMethod
	}
	if in.TariffKey != "" {
		updates["tariff_key"] = in.TariffKey
	}
	if in.PaidAt != nil {
		updates["last_payment_date"] = in.PaidAt
	}
	if err := tx.Model(&Grant{}).Where("id = ?", existing.ID).Updates(updates).Error; err != nil {
		return err
	}
	stage.Mode = StageUpdate
	stage.GrantID = existing.ID
	stage.Previous = &prev
	s.logOperation(tx, stage.PeerName, OpStageGrant, "mode=update previous_peer="+existing.PeerID)
	return nil
}

func stagedGrant(tx *gorm.DB, st *Stage) *gorm.DB {
	return tx.Model(&Grant{}).Where(
		"telegram_user_id = ? AND peer_id = ? AND job_id = ? AND is_active = ?",
		st.TelegramUserID, st.PendingPeerID, st.PendingJobID, true,
	)
}

// FinalizeGrant подставляет реальные peer_id/job_id вместо временных. Если передан
// paymentID, в той же транзакции платёж помечается применённым.
func (s *Store) FinalizeGrant(ctx context.Context, st *Stage, peerID, jobID string, expire time.Time, paymentID string) error {
	updates := map[string]interface{}{
		"peer_id":        peerID,
		"job_id":         jobID,
		"expire_date":    expire,
		"stage_snapshot": datatypes.NewJSONType(GrantSnapshot{}),
	}
	if st.Previous != nil && !st.Previous.ExpireDate.Equal(expire) {
		updates["notification_sent"] = false
		updates["expired_notification_sent"] = false
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := stagedGrant(tx, st).Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrStageLost
		}
		if paymentID != "" {
			if err := s.claimPayment(tx, paymentID); err != nil {
				return err
			}
		}
		s.logOperation(tx, st.PeerName, OpFinalizeGrant,
			fmt.Sprintf("mode=%s peer_id=%s job_id=%s expire=%s", st.Mode, peerID, jobID, expire.Format(time.RFC3339)))
		return nil
	})
	return mapErr(err)
}

// RollbackGrant отменяет stage: в режиме create удаляет запись целиком,
// в режиме update восстанавливает все сохранённые поля.
func (s *Store) RollbackGrant(ctx context.Context, st *Stage) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var res *gorm.DB
		if st.Mode == StageCreate || st.Previous == nil {
			res = stagedGrant(tx, st).Delete(&Grant{})
		} else {
			res = stagedGrant(tx, st).Updates(st.Previous.columns())
		}
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrStageLost
		}
		s.logOperation(tx, st.PeerName, OpRollbackGrant, "mode="+string(st.Mode))
		return nil
	})
	return mapErr(err)
}

// StaleStages: записи, застрявшие с временными идентификаторами дольше grace.
// Возраст считается по времени ULID во временном peer_id.
func (s *Store) StaleStages(ctx context.Context, grace time.Duration) ([]Grant, error) {
	var pending []Grant
	err := s.db.WithContext(ctx).
		Where("is_active = ? AND (peer_id LIKE ? OR job_id LIKE ?)", true, PlaceholderPrefix+"%", PlaceholderPrefix+"%").
		Find(&pending).Error
	if err != nil {
		return nil, err
	}
	cutoff := s.now().Add(-grace)
	out := pending[:0]
	for _, g := range pending {
		created, ok := PlaceholderTime(g.PeerID)
		if !ok {
			created = g.UpdatedAt
		}
		if !created.After(cutoff) {
			out = append(out, g)
		}
	}
	return out, nil
}

// RecoverStage откатывает зависшую staged-запись: восстанавливает снапшот
// или удаляет запись, если она была создана этим stage.
func (s *Store) RecoverStage(ctx context.Context, grantID uint) (*Grant, error) {
	var restored *Grant
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var g Grant
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&g, grantID).Error; err != nil {
			return err
		}
		if !g.IsPending() {
			restored = &g
			return nil
		}
		snap := g.StageSnapshot.Data()
		if !snap.Valid {
			if err := tx.Delete(&Grant{}, g.ID).Error; err != nil {
				return err
			}
			s.logOperation(tx, g.PeerName, OpRecoverStage, "deleted staged row")
			return nil
		}
		if err := tx.Model(&Grant{}).Where("id = ?", g.ID).Updates(snap.columns()).Error; err != nil {
			return err
		}
		if err := tx.First(&g, g.ID).Error; err != nil {
			return err
		}
		restored = &g
		s.logOperation(tx, g.PeerName, OpRecoverStage, "restored peer_id="+snap.PeerID)
		return nil
	})
	if err != nil {
		return nil, mapErr(err)
	}
	return restored, nil
}

// ExtendInput: продление существующего доступа без пересоздания пира
type ExtendInput struct {
	GrantID       uint
	UserID        int64
	ExpireDate    time.Time
	PaymentMethod string
	TariffKey     string
	AddStars      int64
	AddRub        int64
	PaidAt        time.Time
	PaymentID     string
}

// ExtendGrant переносит дату окончания, накапливает оплату и сбрасывает флаги уведомлений
func (s *Store) ExtendGrant(ctx context.Context, in ExtendInput) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Grant{}).
			Where("id = ? AND telegram_user_id = ? AND is_active = ?", in.GrantID, in.UserID, true).
			Updates(map[string]interface{}{
				"expire_date":               in.ExpireDate,
				"payment_status":            PaymentPaid,
				"payment_method":            in.PaymentMethod,
				"tariff_key":                in.TariffKey,
				"stars_paid":                gorm.Expr("stars_paid + ?", in.AddStars),
				"rub_paid":                  gorm.Expr("rub_paid + ?", in.AddRub),
				"last_payment_date":         in.PaidAt,
				"notification_sent":         false,
				"expired_notification_sent": false,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		if in.PaymentID != "" {
			if err := s.claimPayment(tx, in.PaymentID); err != nil {
				return err
			}
		}
		var g Grant
		if err := tx.First(&g, in.GrantID).Error; err != nil {
			return err
		}
		s.logOperation(tx, g.PeerName, OpExtendAccess,
			fmt.Sprintf("expire=%s method=%s tariff=%s", in.ExpireDate.Format(time.RFC3339), in.PaymentMethod, in.TariffKey))
		return nil
	})
	return mapErr(err)
}

// SetExpireDate меняет дату окончания (возврат платежа). При переносе в будущее
// флаги уведомлений сбрасываются.
func (s *Store) SetExpireDate(ctx context.Context, grantID uint, expire time.Time) error {
	updates := map[string]interface{}{"expire_date": expire}
	if expire.After(s.now()) {
		updates["notification_sent"] = false
		updates["expired_notification_sent"] = false
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Grant{}).Where("id = ? AND is_active = ?", grantID, true).Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		s.logOperation(tx, fmt.Sprintf("grant:%d", grantID), OpUpdateExpiry, expire.Format(time.RFC3339))
		return nil
	})
	return mapErr(err)
}

func settledGrants(tx *gorm.DB) *gorm.DB {
	return tx.Where("is_active = ? AND payment_status = ? AND peer_id NOT LIKE ?", true, PaymentPaid, PlaceholderPrefix+"%")
}

// ExpiredUnnotified: оплаченные доступы, срок которых истёк, без отправленного уведомления
func (s *Store) ExpiredUnnotified(ctx context.Context, now time.Time) ([]Grant, error) {
	var out []Grant
	err := settledGrants(s.db.WithContext(ctx)).
		Where("expire_date < ? AND expired_notification_sent = ?", now, false).
		Order("expire_date").Find(&out).Error
	return out, err
}

// ExpiringUnnotified: оплаченные доступы, истекающие в ближайшие horizon
func (s *Store) ExpiringUnnotified(ctx context.Context, now time.Time, horizon time.Duration) ([]Grant, error) {
	var out []Grant
	err := settledGrants(s.db.WithContext(ctx)).
		Where("expire_date > ? AND expire_date <= ? AND notification_sent = ?", now, now.Add(horizon), false).
		Order("expire_date").Find(&out).Error
	return out, err
}

func (s *Store) MarkExpiredNotificationSent(ctx context.Context, grantID uint) error {
	return s.db.WithContext(ctx).Model(&Grant{}).Where("id = ?", grantID).
		Update("expired_notification_sent", true).Error
}

func (s *Store) MarkNotificationSent(ctx context.Context, grantID uint) error {
	return s.db.WithContext(ctx).Model(&Grant{}).Where("id = ?", grantID).
		Update("notification_sent", true).Error
}

// --- Админские выборки ---

func (s *Store) CountActiveGrants(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Grant{}).
		Where("is_active = ? AND expire_date > ?", true, s.now()).Count(&n).Error
	return n, err
}

func (s *Store) CountGrants(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Grant{}).Count(&n).Error
	return n, err
}

// ListGrants отдаёт записи постранично, filter одно из active|expired|pending|"" (все)
func (s *Store) ListGrants(ctx context.Context, offset, limit int, filter string) ([]Grant, error) {
	var out []Grant
	q := s.db.WithContext(ctx).Model(&Grant{})
	switch filter {
	case "active":
		q = q.Where("is_active = ? AND expire_date > ?", true, s.now())
	case "expired":
		q = q.Where("is_active = ? AND expire_date <= ?", true, s.now())
	case "pending":
		q = q.Where("peer_id LIKE ?", PlaceholderPrefix+"%")
	}
	err := q.Order("id").Offset(offset).Limit(limit).Find(&out).Error
	return out, err
}
