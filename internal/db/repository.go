package db

import (
	"context"
	"time"

	"ChatAssist-bot/internal/tariff"
)

// Repository операции хранилища, которые нужны учёту запросов и сверке платежей.
// Реализации: Store (postgres через gorm) и memstore.Store (в памяти).
type Repository interface {
	EnsureUser(ctx context.Context, p Profile) (uint, error)
	FindUserByTelegramID(ctx context.Context, telegramID int64) (*User, error)
	GetUser(ctx context.Context, id uint) (*User, error)

	// GetSubscription внутри транзакции блокирует строку до конца транзакции.
	GetSubscription(ctx context.Context, userID uint) (*Subscription, error)
	SaveSubscription(ctx context.Context, s *Subscription) error

	CreatePayment(ctx context.Context, p *Payment) error
	// FindPaymentByExternalID внутри транзакции блокирует строку до конца транзакции.
	FindPaymentByExternalID(ctx context.Context, externalID string) (*Payment, error)
	// TransitionPayment меняет статус только если текущий равен from. Возвращает false, если статус уже другой.
	TransitionPayment(ctx context.Context, externalID string, from, to PaymentStatus, at time.Time) (bool, error)

	AppendRequest(ctx context.Context, r *RequestLog) error
	// CompleteRequest записывает итог только для записи в статусе PROCESSING.
	CompleteRequest(ctx context.Context, id uint, status RequestStatus, response string, elapsed time.Duration) error
	// CountRequests считает попытки пользователя в полуоткрытом интервале [from, to).
	CountRequests(ctx context.Context, userID uint, from, to time.Time) (int64, error)

	// Transaction выполняет fn атомарно. Ошибка fn откатывает все изменения.
	Transaction(ctx context.Context, fn func(tx Repository) error) error
}

// Reports запросы для админских отчётов и фоновых задач.
type Reports interface {
	CountUsers(ctx context.Context) (int64, error)
	ListUsers(ctx context.Context, offset, limit int) ([]User, error)
	CountActiveSubscriptions(ctx context.Context, now time.Time) (int64, error)
	CountActiveByPlan(ctx context.Context, now time.Time) (map[tariff.Key]int64, error)
	// ListExpiringSubscriptions подписки с EndTime в (now, until], о которых ещё не предупреждали.
	ListExpiringSubscriptions(ctx context.Context, now, until time.Time) ([]Subscription, error)
	MarkExpiryNotified(ctx context.Context, subscriptionID uint, endTime time.Time) error
	CountRequestsBetween(ctx context.Context, from, to time.Time) (int64, error)
	CountErrorsSince(ctx context.Context, since time.Time) (int64, error)
	ListRecentErrors(ctx context.Context, limit int) ([]RequestLog, error)
	ListUserRequests(ctx context.Context, userID uint, limit int) ([]RequestLog, error)
	CountPaymentsByStatus(ctx context.Context, status PaymentStatus) (int64, error)
	SumPayments(ctx context.Context, status PaymentStatus, from, to time.Time) (int64, error)
	ListPayments(ctx context.Context, from, to time.Time, limit int) ([]Payment, error)
	ListUserPayments(ctx context.Context, userID uint, limit int) ([]Payment, error)
}

// Backend полный набор операций хранилища.
type Backend interface {
	Repository
	Reports
}
