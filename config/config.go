package config

import (
	"fmt"
	"log"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// AppConfig собирает все настройки процесса. Компоненты получают нужные поля явно из main.
type AppConfig struct {
	BotToken        string `env:"BOT_TOKEN" env-required:"true"`
	AdminTelegramID int64  `env:"ADMIN_TELEGRAM_ID" env-required:"true"`

	YooKassaShopID    string `env:"YOOKASSA_SHOP_ID" env-required:"true"`
	YooKassaSecret    string `env:"YOOKASSA_SECRET_KEY" env-required:"true"`
	YooKassaAPIURL    string `env:"YOOKASSA_API_URL" env-default:"https://api.yookassa.ru/v3"`
	YooKassaReturnURL string `env:"YOOKASSA_RETURN_URL" env-default:"https://t.me"`
	// WebhookSecret включает проверку HMAC подписи уведомлений. Пустое значение отключает проверку.
	WebhookSecret string `env:"YOOKASSA_WEBHOOK_SECRET"`

	StorageDriver string `env:"STORAGE_DRIVER" env-default:"postgres"`
	DatabaseURL   string `env:"DATABASE_URL"`
	RedisURL      string `env:"REDIS_URL"`

	CozeAPIURL     string        `env:"COZE_API_URL" env-default:"https://api.coze.com"`
	CozeAPIKey     string        `env:"COZE_API_KEY" env-required:"true"`
	CozeTimeout    time.Duration `env:"COZE_TIMEOUT" env-default:"60s"`
	HTTPAddr       string        `env:"HTTP_ADDR" env-default:":8080"`
	TimeZone       string        `env:"TIMEZONE" env-default:"Europe/Moscow"`
	LogLevel       string        `env:"LOG_LEVEL" env-default:"info"`
	LogFile        string        `env:"LOG_FILE" env-default:"bot.log"`
	BackupDir      string        `env:"BACKUP_DIR" env-default:"backups"`
	Notifications  bool          `env:"NOTIFICATIONS_ENABLED" env-default:"false"`
	ExpiryNoticeIn int           `env:"EXPIRY_NOTICE_DAYS" env-default:"3"`
}

// Load читает .env (если есть) и переменные окружения.
func Load() (*AppConfig, error) {
	const op = "config.Load"
	if err := godotenv.Load(); err != nil {
		log.Println(".env file not found, relying on environment variables")
	}
	var cfg AppConfig
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &cfg, nil
}

// MustLoad завершает процесс, если конфигурация неполная.
func MustLoad() *AppConfig {
	cfg, err := Load()
	if err != nil {
		log.Fatalf("Critical environment variables are missing. Bot will exit: %v", err)
	}
	return cfg
}

func (c *AppConfig) validate() error {
	switch c.StorageDriver {
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for postgres storage")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown STORAGE_DRIVER %q", c.StorageDriver)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Location возвращает часовой пояс, в котором считаются суточные лимиты.
func (c *AppConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE %q: %w", c.TimeZone, err)
	}
	return loc, nil
}
