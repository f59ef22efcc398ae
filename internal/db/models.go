package db

import (
	"time"

	"gorm.io/datatypes"
)

const (
	PaymentUnpaid = "unpaid"
	PaymentPaid   = "paid"
)

const (
	MethodStars    = "stars"
	MethodYooKassa = "yookassa"
)

// Grant: доступ пользователя Telegram к пиру WireGuard до ExpireDate.
// Активная запись у пользователя одна (частичный уникальный индекс).
type Grant struct {
	ID               uint   `gorm:"primaryKey"`
	PeerName         string `gorm:"not null;index:ux_grants_active_peer_name,unique,where:is_active = true"`
	PeerID           string `gorm:"not null;uniqueIndex"`
	JobID            string `gorm:"not null;uniqueIndex"`
	TelegramUserID   int64  `gorm:"not null;index:ux_grants_active_user,unique,where:is_active = true"`
	TelegramUsername string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	ExpireDate       time.Time `gorm:"index"`
	IsActive         bool      `gorm:"not null;default:true"`
	PaymentStatus    string    `gorm:"not null;default:unpaid"`
	PaymentMethod    string
	TariffKey        string
	StarsPaid        int64 `gorm:"not null;default:0"`
	RubPaid          int64 `gorm:"not null;default:0"`
	LastPaymentDate  *time.Time

	NotificationSent        bool `gorm:"not null;default:false"` // о скором окончании
	ExpiredNotificationSent bool `gorm:"not null;default:false"`

	// StageSnapshot хранит прежние значения на время staged-операции в режиме update
	StageSnapshot datatypes.JSONType[GrantSnapshot] `gorm:"not null;default:'{}'"`
}

// IsPending: запись ещё держит временные идентификаторы
func (g Grant) IsPending() bool {
	return IsPlaceholder(g.PeerID) || IsPlaceholder(g.JobID)
}

func (g Grant) IsPaid() bool {
	return g.PaymentStatus == PaymentPaid
}

// GrantSnapshot: значения полей записи до staged-обновления
type GrantSnapshot struct {
	Valid                   bool       `json:"valid"`
	PeerName                string     `json:"peer_name"`
	PeerID                  string     `json:"peer_id"`
	JobID                   string     `json:"job_id"`
	TelegramUsername        string     `json:"telegram_username"`
	ExpireDate              time.Time  `json:"expire_date"`
	PaymentStatus           string     `json:"payment_status"`
	PaymentMethod           string     `json:"payment_method"`
	TariffKey               string     `json:"tariff_key"`
	StarsPaid               int64      `json:"stars_paid"`
	RubPaid                 int64      `json:"rub_paid"`
	LastPaymentDate         *time.Time `json:"last_payment_date"`
	NotificationSent        bool       `json:"notification_sent"`
	ExpiredNotificationSent bool       `json:"expired_notification_sent"`
}

func snapshotOf(g Grant) GrantSnapshot {
	return GrantSnapshot{
		Valid:                   true,
		PeerName:                g.PeerName,
		PeerID:                  g.PeerID,
		JobID:                   g.JobID,
		TelegramUsername:        g.TelegramUsername,
		ExpireDate:              g.ExpireDate,
		PaymentStatus:           g.PaymentStatus,
		PaymentMethod:           g.PaymentMethod,
		TariffKey:               g.TariffKey,
		StarsPaid:               g.StarsPaid,
		RubPaid:                 g.RubPaid,
		LastPaymentDate:         g.LastPaymentDate,
		NotificationSent:        g.NotificationSent,
		ExpiredNotificationSent: g.ExpiredNotificationSent,
	}
}

func (s GrantSnapshot) columns() map[string]interface{} {
	return map[string]interface{}{
		"peer_name":                 s.PeerName,
		"peer_id":                   s.PeerID,
		"job_id":                    s.JobID,
		"telegram_username":         s.TelegramUsername,
		"expire_date":               s.ExpireDate,
		"payment_status":            s.PaymentStatus,
		"payment_method":            s.PaymentMethod,
		"tariff_key":                s.TariffKey,
		"stars_paid":                s.StarsPaid,
		"rub_paid":                  s.RubPaid,
		"last_payment_date":         s.LastPaymentDate,
		"notification_sent":         s.NotificationSent,
		"expired_notification_sent": s.ExpiredNotificationSent,
		"stage_snapshot":            datatypes.NewJSONType(GrantSnapshot{}),
	}
}

const (
	StatusPending   = "pending"
	StatusSucceeded = "succeeded"
	StatusCanceled  = "canceled"
	StatusRefunded  = "refunded"
)

// Payment: платёж ЮKassa или Telegram Stars. AppliedAt отмечает, что по платежу
// уже выдан или продлён доступ.
type Payment struct {
	ID        uint   `gorm:"primaryKey"`
	PaymentID string `gorm:"not null;uniqueIndex"`
	UserID    int64  `gorm:"not null;index"`
	Amount    int64  `gorm:"not null"` // копейки или звёзды
	Currency  string `gorm:"not null;default:RUB"`
	Status    string `gorm:"not null;default:pending;index"`
	Method    string
	TariffKey string
	Metadata  datatypes.JSONMap
	AppliedAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// OperationLog: журнал всех изменений, только на запись
type OperationLog struct {
	ID        uint   `gorm:"primaryKey"`
	Subject   string `gorm:"index"`
	Operation string `gorm:"index"`
	Details   string
	Timestamp time.Time `gorm:"autoCreateTime;index"`
}

const (
	OpStageGrant    = "STAGE_GRANT"
	OpFinalizeGrant = "FINALIZE_GRANT"
	OpRollbackGrant = "ROLLBACK_GRANT"
	OpRecoverStage  = "RECOVER_STAGE"
	OpExtendAccess  = "EXTEND_ACCESS"
	OpUpdateExpiry  = "UPDATE_EXPIRY"
	OpCreatePayment = "CREATE_PAYMENT"
	OpPaymentStatus = "UPDATE_PAYMENT_STATUS"
	OpPaymentApply  = "APPLY_PAYMENT"
	OpRemoteFailure = "REMOTE_FAILURE"
	OpOrphanedPeer  = "ORPHANED_PEER"
	OpNotify        = "NOTIFY"
)
