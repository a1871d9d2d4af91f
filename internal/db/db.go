package db

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const userCacheSize = 10_000

// Store реализация Repository и Reports поверх gorm/postgres.
type Store struct {
	db *gorm.DB
	// users кэш telegram_id -> users.id. Пользователи не меняются и не удаляются, поэтому кэш не инвалидируется.
	users *lru.Cache[int64, uint]
	inTx  bool
}

var (
	_ Backend = (*Store)(nil)
)

// Open подключается к postgres и накатывает схему.
func Open(dsn string, log *zap.Logger) (*gorm.DB, error) {
	const op = "db.Open"
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Warn),
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("%s: failed to connect database: %w", op, err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	if err := Migrate(gdb); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	log.Info("database ready")
	return gdb, nil
}

// Migrate создаёт таблицы и индексы, включая уникальные ограничения на подписку и внешний id платежа.
func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(&User{}, &Subscription{}, &Payment{}, &RequestLog{})
}

// NewStore оборачивает подключение gorm.
func NewStore(gdb *gorm.DB) *Store {
	cache, _ := lru.New[int64, uint](userCacheSize)
	return &Store{db: gdb, users: cache}
}

// Transaction выполняет fn в транзакции postgres. Внутри открытой транзакции gorm
// ставит точку сохранения: ошибка fn откатывает только её, и внешняя транзакция
// остаётся рабочей (без 25P02 на следующем запросе).
func (s *Store) Transaction(ctx context.Context, fn func(tx Repository) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx, users: s.users, inTx: true})
	})
}

func (s *Store) conn(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}
