package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"WG-Telegram-bot/internal/logger"
)

// PlaceholderPrefix помечает временные peer_id/job_id staged-записи
const PlaceholderPrefix = "pending:"

// NewPlaceholder выдаёт уникальный временный идентификатор. ULID несёт время создания.
func NewPlaceholder() string {
	return PlaceholderPrefix + ulid.Make().String()
}

func IsPlaceholder(id string) bool {
	return strings.HasPrefix(id, PlaceholderPrefix)
}

// PlaceholderTime возвращает время создания временного идентификатора
func PlaceholderTime(id string) (time.Time, bool) {
	if !IsPlaceholder(id) {
		return time.Time{}, false
	}
	u, err := ulid.Parse(strings.TrimPrefix(id, PlaceholderPrefix))
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(u.Time()), true
}

// Store: хранилище записей доступа, платежей и журнала операций
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// Open подключается к БД через драйвер DATABASE_DRIVER и применяет миграции
func Open(driver, dsn string) (*Store, error) {
	dialector, err := GetDialector(driver, dsn)
	if err != nil {
		return nil, err
	}
	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}
	return New(gdb)
}

func New(gdb *gorm.DB) (*Store, error) {
	if err := gdb.AutoMigrate(&Grant{}, &Payment{}, &OperationLog{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: gdb, now: time.Now}, nil
}

// DB отдаёт соединение для админских выборок и бэкапа
func (s *Store) DB() *gorm.DB {
	return s.db
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping проверяет соединение с БД
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// LogOperation пишет запись в журнал операций. Ошибка записи только логируется.
func (s *Store) LogOperation(ctx context.Context, subject, operation, details string) {
	s.logOperation(s.db.WithContext(ctx), subject, operation, details)
}

func (s *Store) logOperation(tx *gorm.DB, subject, operation, details string) {
	entry := OperationLog{Subject: subject, Operation: operation, Details: details, Timestamp: s.now()}
	if err := tx.Create(&entry).Error; err != nil {
		logger.Error("operation log write failed",
			zap.String("subject", subject), zap.String("operation", operation), zap.Error(err))
	}
}

// RecentOperations: последние записи журнала, опционально по одному subject
func (s *Store) RecentOperations(ctx context.Context, subject string, limit int) ([]OperationLog, error) {
	var out []OperationLog
	q := s.db.WithContext(ctx).Model(&OperationLog{})
	if subject != "" {
		q = q.Where("subject = ?", subject)
	}
	err := q.Order("id DESC").Limit(limit).Find(&out).Error
	return out, err
}
