package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var paymentTransitions = map[string][]string{
	StatusPending:   {StatusSucceeded, StatusCanceled},
	StatusSucceeded: {StatusRefunded},
}

func validStatus(s string) bool {
	switch s {
	case StatusPending, StatusSucceeded, StatusCanceled, StatusRefunded:
		return true
	}
	return false
}

// CanTransition проверяет допустимость смены статуса платежа.
// Повтор succeeded→succeeded допустим и ничего не меняет.
func CanTransition(from, to string) bool {
	if from == to {
		return from == StatusSucceeded
	}
	for _, next := range paymentTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// RecordPayment сохраняет новый платёж
func (s *Store) RecordPayment(ctx context.Context, p *Payment) error {
	if p.Status == "" {
		p.Status = StatusPending
	}
	if !validStatus(p.Status) {
		return ErrInvalidStatus
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(p).Error; err != nil {
			return err
		}
		s.logOperation(tx, p.PaymentID, OpCreatePayment,
			fmt.Sprintf("user=%d amount=%d %s tariff=%s", p.UserID, p.Amount, p.Currency, p.TariffKey))
		return nil
	})
	return mapErr(err)
}

// EnsurePayment возвращает платёж по payment_id, создавая его при отсутствии.
// Используется для Stars, где платёж появляется сразу в статусе succeeded.
func (s *Store) EnsurePayment(ctx context.Context, p Payment) (*Payment, error) {
	existing, err := s.GetPayment(ctx, p.PaymentID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if err := s.RecordPayment(ctx, &p); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return s.GetPayment(ctx, p.PaymentID)
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) GetPayment(ctx context.Context, paymentID string) (*Payment, error) {
	var p Payment
	if err := s.db.WithContext(ctx).Where("payment_id = ?", paymentID).First(&p).Error; err != nil {
		return nil, mapErr(err)
	}
	return &p, nil
}

// TransitionPayment меняет статус с проверкой допустимого перехода.
// changed=false: статус уже был целевым.
func (s *Store) TransitionPayment(ctx context.Context, paymentID, to string) (p *Payment, changed bool, err error) {
	if !validStatus(to) {
		return nil, false, ErrInvalidStatus
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur Payment
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("payment_id = ?", paymentID).First(&cur).Error; err != nil {
			return err
		}
		if !CanTransition(cur.Status, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, to)
		}
		if cur.Status == to {
			p = &cur
			return nil
		}
		if err := tx.Model(&Payment{}).Where("id = ?", cur.ID).Update("status", to).Error; err != nil {
			return err
		}
		s.logOperation(tx, paymentID, OpPaymentStatus, cur.Status+" -> "+to)
		cur.Status = to
		p = &cur
		changed = true
		return nil
	})
	if err != nil {
		return nil, false, mapErr(err)
	}
	return p, changed, nil
}

// claimPayment ставит метку применения. Вызывается только внутри транзакции
// изменения записи доступа, чтобы выдача и метка фиксировались вместе.
func (s *Store) claimPayment(tx *gorm.DB, paymentID string) error {
	now := s.now()
	res := tx.Model(&Payment{}).
		Where("payment_id = ? AND status = ? AND applied_at IS NULL", paymentID, StatusSucceeded).
		Update("applied_at", now)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		s.logOperation(tx, paymentID, OpPaymentApply, "")
		return nil
	}
	var p Payment
	if err := tx.Where("payment_id = ?", paymentID).First(&p).Error; err != nil {
		return err
	}
	if p.AppliedAt != nil {
		return ErrPaymentApplied
	}
	return fmt.Errorf("%w: payment is %s", ErrInvalidTransition, p.Status)
}

// --- Статистика для админки ---

func (s *Store) SumPayments(ctx context.Context, currency string, from, to time.Time) (int64, error) {
	var sum int64
	err := s.db.WithContext(ctx).Model(&Payment{}).
		Where("status = ? AND currency = ? AND created_at >= ? AND created_at <= ?", StatusSucceeded, currency, from, to).
		Select("COALESCE(SUM(amount), 0)").Scan(&sum).Error
	return sum, err
}

func (s *Store) GetPayments(ctx context.Context, from, to time.Time) ([]Payment, error) {
	var out []Payment
	err := s.db.WithContext(ctx).
		Where("created_at >= ? AND created_at <= ?", from, to).
		Order("created_at DESC").Find(&out).Error
	return out, err
}

// UserPayments: история платежей пользователя
func (s *Store) UserPayments(ctx context.Context, userID int64, limit int) ([]Payment, error) {
	var out []Payment
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).
		Order("created_at DESC").Limit(limit).Find(&out).Error
	return out, err
}

// UnappliedPayments: успешные платежи, по которым доступ так и не выдан
// (например, шлюз был недоступен при подтверждении).
func (s *Store) UnappliedPayments(ctx context.Context, before time.Time) ([]Payment, error) {
	var out []Payment
	err := s.db.WithContext(ctx).
		Where("status = ? AND applied_at IS NULL AND updated_at <= ?", StatusSucceeded, before).
		Order("id").Find(&out).Error
	return out, err
}
