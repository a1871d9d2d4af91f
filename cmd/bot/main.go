package main

import (
	"context"
	"errors"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ChatAssist-bot/config"
	"ChatAssist-bot/internal/admin"
	"ChatAssist-bot/internal/bot"
	"ChatAssist-bot/internal/clock"
	"ChatAssist-bot/internal/db"
	"ChatAssist-bot/internal/logger"
	"ChatAssist-bot/internal/memstore"
	"ChatAssist-bot/internal/metering"
	"ChatAssist-bot/internal/payments"
	"ChatAssist-bot/internal/quota"
	"ChatAssist-bot/internal/services"
	"ChatAssist-bot/internal/subscription"
)

func main() {
	cfg := config.MustLoad()
	// --- Логирование в файл и консоль ---
	log, err := logger.Init(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		stdlog.Fatalf("Не удалось инициализировать логгер: %v", err)
	}
	defer logger.Sync()

	loc, err := cfg.Location()
	if err != nil {
		log.Fatal("invalid timezone", zap.Error(err))
	}
	ref := clock.New(clockwork.NewRealClock(), loc)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	checks := map[string]services.HealthCheck{}
	store, dsn, err := openStorage(cfg, log, checks)
	if err != nil {
		log.Fatal("failed to open storage", zap.Error(err))
	}

	botapi, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		log.Fatal("failed to create bot", zap.Error(err))
	}
	log.Info("authorized on account", zap.String("username", botapi.Self.UserName))
	notifier := logger.NewNotifier(botapi, cfg.AdminTelegramID)

	subs := subscription.New(store, ref, log.Named("subscription"))
	meterOpts := []metering.Option{metering.WithLogger(log.Named("metering"))}
	if cfg.RedisURL != "" {
		rdb, err := openRedis(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatal("failed to connect redis", zap.Error(err))
		}
		defer rdb.Close()
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		meterOpts = append(meterOpts, metering.WithCounter(quota.NewCounter(rdb)))
		log.Info("redis quota counter enabled")
	}
	meter := metering.New(store, subs, quota.NewLedger(store, loc), ref, meterOpts...)

	gateway := services.NewYooKassaClient(cfg.YooKassaShopID, cfg.YooKassaSecret, cfg.YooKassaAPIURL, cfg.YooKassaReturnURL)
	checkout := payments.NewCheckout(store, gateway, ref, log.Named("checkout"))
	reconciler := payments.NewReconciler(store, subs, ref, log.Named("payments"))
	coze := services.NewCozeClient(cfg.CozeAPIURL, cfg.CozeAPIKey, cfg.CozeTimeout)
	backup := admin.NewBackup(cfg.BackupDir, dsn, ref, log.Named("backup"))

	handler := bot.NewHandler(bot.Deps{
		API:      botapi,
		Store:    store,
		Meter:    meter,
		Subs:     subs,
		Checkout: checkout,
		LLM:      coze,
		Admin:    admin.NewHandler(botapi, store, subs, backup, ref, cfg.AdminTelegramID, log.Named("admin")),
		AdminID:  cfg.AdminTelegramID,
		Notifier: notifier,
		Clock:    ref,
		Log:      log.Named("bot"),
	})

	if cfg.Notifications {
		c := startJobs(ctx, cfg, jobs{
			expiry:  services.NewExpiryNotifier(store, botapi, ref, notifier, cfg.ExpiryNoticeIn, log.Named("expiry")),
			monitor: services.NewErrorMonitor(store, ref, notifier, log.Named("monitor")),
			backup:  backup,
			hasDB:   dsn != "",
		}, loc, notifier, log)
		defer func() { <-c.Stop().Done() }()
	}

	// Запуск webhook-сервера для YooKassa
	webhook := services.NewWebhookHandler(reconciler, handler, notifier, cfg.WebhookSecret, log.Named("webhook"))
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           services.NewRouter(webhook, checks, log.Named("http")),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("webhook server listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	// Запуск Telegram-бота (polling)
	g.Go(func() error {
		return bot.Run(gctx, botapi, handler, log.Named("bot"))
	})

	if err := g.Wait(); err != nil {
		log.Error("stopped with error", zap.Error(err))
		return
	}
	log.Info("stopped")
}

// openStorage возвращает хранилище и DSN для pg_dump (пустой для хранилища в памяти).
func openStorage(cfg *config.AppConfig, log *zap.Logger, checks map[string]services.HealthCheck) (db.Backend, string, error) {
	if cfg.StorageDriver == "memory" {
		log.Warn("using in-memory storage, data is lost on restart")
		return memstore.New(), "", nil
	}
	gdb, err := db.Open(cfg.DatabaseURL, log)
	if err != nil {
		return nil, "", err
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, "", err
	}
	checks["db"] = sqlDB.PingContext
	return db.NewStore(gdb), cfg.DatabaseURL, nil
}

func openRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return rdb, nil
}
