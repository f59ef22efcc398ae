package admin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"WG-Telegram-bot/internal/logger"
)

const (
	backupTimeout   = 2 * time.Minute
	backupRetention = 31 * 24 * time.Hour
)

// Backup делает дампы базы: pg_dump для postgres, VACUUM INTO для sqlite
type Backup struct {
	dir    string
	driver string
	dsn    string
	db     *gorm.DB
}

func NewBackup(dir, driver, dsn string, db *gorm.DB) *Backup {
	if dir == "" {
		dir = "backups"
	}
	return &Backup{dir: dir, driver: driver, dsn: dsn, db: db}
}

// Run создаёт дамп с префиксом prefix и возвращает путь к файлу
func (b *Backup) Run(ctx context.Context, prefix string) (string, error) {
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return "", err
	}
	filename := filepath.Join(b.dir, prefix+"_"+time.Now().Format("20060102_150405")+".dump")
	ctx, cancel := context.WithTimeout(ctx, backupTimeout)
	defer cancel()

	switch b.driver {
	case "sqlite":
		if err := b.db.WithContext(ctx).Exec("VACUUM INTO ?", filename).Error; err != nil {
			return "", fmt.Errorf("sqlite backup: %w", err)
		}
	default:
		out, err := exec.CommandContext(ctx, "pg_dump", b.dsn, "-Fc", "-f", filename).CombinedOutput()
		if err != nil {
			return "", fmt.Errorf("pg_dump: %w: %s", err, out)
		}
	}
	return filename, nil
}

// Restore восстанавливает postgres из дампа в каталоге бэкапов
func (b *Backup) Restore(ctx context.Context, name string) error {
	if b.driver == "sqlite" {
		return errors.New("restore is supported only for postgres")
	}
	if filepath.Base(name) != name {
		return fmt.Errorf("invalid backup name %q", name)
	}
	ctx, cancel := context.WithTimeout(ctx, backupTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, "pg_restore", "--clean", "-d", b.dsn, filepath.Join(b.dir, name)).CombinedOutput()
	if err != nil {
		return fmt.Errorf("pg_restore: %w: %s", err, out)
	}
	return nil
}

// CleanOld удаляет дампы старше maxAge
func (b *Backup) CleanOld(maxAge time.Duration) (int, error) {
	files, err := filepath.Glob(filepath.Join(b.dir, "*.dump"))
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) && os.Remove(f) == nil {
			removed++
		}
	}
	return removed, nil
}

// Auto запускается из cron раз в сутки. Ошибка дампа уходит админу, старые дампы удаляются
func (b *Backup) Auto(ctx context.Context) {
	filename, err := b.Run(ctx, "autobackup")
	if err != nil {
		logger.Error("auto backup failed", zap.Error(err))
		logger.NotifyAdmin("Ошибка автоматического бэкапа БД: " + err.Error())
		return
	}
	if n, err := b.CleanOld(backupRetention); err != nil {
		logger.Warn("old backups cleanup failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("old backups removed", zap.Int("count", n))
	}
	logger.Info("auto backup created", zap.String("file", filename))
}
