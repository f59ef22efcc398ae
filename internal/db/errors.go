package db

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

var (
	// ErrNotFound: активной записи нет
	ErrNotFound = errors.New("record not found")

	// ErrDuplicate: нарушено ограничение уникальности
	ErrDuplicate = errors.New("duplicate record")

	// ErrStageLost: staged-запись не найдена по временным идентификаторам
	ErrStageLost = errors.New("staged grant not found")

	// ErrStageInFlight: у пользователя уже есть незавершённая staged-запись
	ErrStageInFlight = errors.New("grant has an unfinished stage")

	// ErrInvalidStatus: неизвестный статус платежа
	ErrInvalidStatus = errors.New("invalid payment status")

	// ErrInvalidTransition: переход статуса платежа не допускается
	ErrInvalidTransition = errors.New("payment status transition not allowed")

	// ErrPaymentApplied: доступ по этому платежу уже выдан
	ErrPaymentApplied = errors.New("payment already applied")
)

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case isUniqueViolation(err):
		return errors.Join(ErrDuplicate, err)
	default:
		return err
	}
}
