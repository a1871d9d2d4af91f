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

	"ChatAssist-bot/internal/clock"
)

// BackupRetention сколько хранятся дампы в каталоге бэкапов.
const BackupRetention = 31 * 24 * time.Hour

var ErrBackupUnavailable = errors.New("backup requires postgres storage")

// runFunc запускает внешнюю команду. В тестах подменяется.
type runFunc func(ctx context.Context, name string, args ...string) error

func execRun(ctx context.Context, name string, args ...string) error {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", name, err, out)
	}
	return nil
}

// Backup делает дампы БД через pg_dump и чистит старые.
type Backup struct {
	dir       string
	dsn       string
	retention time.Duration
	clock     *clock.Reference
	run       runFunc
	log       *zap.Logger
}

func NewBackup(dir, dsn string, clk *clock.Reference, log *zap.Logger) *Backup {
	if log == nil {
		log = zap.NewNop()
	}
	return &Backup{dir: dir, dsn: dsn, retention: BackupRetention, clock: clk, run: execRun, log: log}
}

// Create создаёт дамп БД Postgres и возвращает путь к файлу
func (b *Backup) Create(ctx context.Context, prefix string) (string, error) {
	const op = "admin.Backup.Create"
	if b.dsn == "" {
		return "", fmt.Errorf("%s: %w", op, ErrBackupUnavailable)
	}
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	filename := filepath.Join(b.dir, prefix+"_"+b.clock.Now().Format("20060102_150405")+".dump")

	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	if err := b.run(ctx, "pg_dump", b.dsn, "-Fc", "-f", filename); err != nil {
		_ = os.Remove(filename)
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return filename, nil
}

// CleanOld удаляет дампы старше срока хранения. Возвращает число удалённых файлов.
func (b *Backup) CleanOld() (int, error) {
	const op = "admin.Backup.CleanOld"
	files, err := filepath.Glob(filepath.Join(b.dir, "*backup_*.dump"))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	cutoff := b.clock.Now().Add(-b.retention)
	removed := 0
	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(f); err != nil {
				b.log.Warn("failed to remove old backup", zap.String("file", f), zap.Error(err))
				continue
			}
			removed++
		}
	}
	return removed, nil
}

// Auto ночной бэкап: дамп и чистка старых файлов.
func (b *Backup) Auto(ctx context.Context) error {
	filename, err := b.Create(ctx, "autobackup")
	if err != nil {
		return err
	}
	removed, err := b.CleanOld()
	if err != nil {
		b.log.Warn("failed to clean old backups", zap.Error(err))
	}
	b.log.Info("database backup created", zap.String("file", filename), zap.Int("removed_old", removed))
	return nil
}
