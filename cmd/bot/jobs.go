package main

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"ChatAssist-bot/config"
	"ChatAssist-bot/internal/admin"
	"ChatAssist-bot/internal/logger"
	"ChatAssist-bot/internal/services"
)

type jobs struct {
	expiry  *services.ExpiryNotifier
	monitor *services.ErrorMonitor
	backup  *admin.Backup
	hasDB   bool
}

// startJobs регистрирует фоновые задачи. Расписание в часовом поясе суточных лимитов.
func startJobs(ctx context.Context, cfg *config.AppConfig, j jobs, loc *time.Location, notifier *logger.Notifier, log *zap.Logger) *cron.Cron {
	c := cron.New(cron.WithLocation(loc))

	// Уведомления о скором окончании подписки (раз в сутки в 10:00)
	add(c, "0 10 * * *", "expiry notices", notifier, log, func() {
		if _, err := j.expiry.NotifyExpiringSubscriptions(ctx); err != nil {
			notifier.ReportError("expiry notices", err)
		}
	})
	// Всплеск ошибок за последние 30 минут
	add(c, "*/30 * * * *", "error monitor", notifier, log, func() {
		if _, _, err := j.monitor.Check(ctx); err != nil {
			notifier.ReportError("error monitor", err)
		}
	})
	// Автоматический бэкап БД раз в сутки
	if j.hasDB {
		add(c, "0 3 * * *", "backup", notifier, log, func() {
			if err := j.backup.Auto(ctx); err != nil {
				notifier.NotifyAdmin("Ошибка резервного копирования: " + err.Error())
			}
		})
	}

	c.Start()
	log.Info("scheduled jobs started", zap.Int("jobs", len(c.Entries())), zap.String("backup_dir", cfg.BackupDir))
	return c
}

func add(c *cron.Cron, spec, name string, notifier *logger.Notifier, log *zap.Logger, fn func()) {
	_, err := c.AddFunc(spec, func() {
		defer notifier.NotifyOnPanic(name)
		fn()
	})
	if err != nil {
		log.Fatal("invalid cron spec", zap.String("job", name), zap.String("spec", spec), zap.Error(err))
	}
}
