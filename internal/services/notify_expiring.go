package services

import (
	"context"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"ChatAssist-bot/internal/clock"
	"ChatAssist-bot/internal/db"
	"ChatAssist-bot/internal/logger"
)

// ExpiryStore часть хранилища для уведомлений о скором окончании подписки.
type ExpiryStore interface {
	ListExpiringSubscriptions(ctx context.Context, now, until time.Time) ([]db.Subscription, error)
	MarkExpiryNotified(ctx context.Context, subscriptionID uint, endTime time.Time) error
	GetUser(ctx context.Context, id uint) (*db.User, error)
}

// ExpiryNotifier предупреждает пользователей о скором окончании подписки.
// Для каждого EndTime уведомление отправляется один раз; после продления придёт новое.
type ExpiryNotifier struct {
	store      ExpiryStore
	sender     logger.Sender
	clock      *clock.Reference
	notifier   *logger.Notifier
	daysBefore int
	log        *zap.Logger
}

func NewExpiryNotifier(store ExpiryStore, sender logger.Sender, clk *clock.Reference, notifier *logger.Notifier, daysBefore int, log *zap.Logger) *ExpiryNotifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &ExpiryNotifier{store: store, sender: sender, clock: clk, notifier: notifier, daysBefore: daysBefore, log: log}
}

// NotifyExpiringSubscriptions отправляет уведомления пользователям о скором окончании подписки
func (n *ExpiryNotifier) NotifyExpiringSubscriptions(ctx context.Context) (int, error) {
	const op = "services.NotifyExpiringSubscriptions"
	now := n.clock.Now()
	until := now.AddDate(0, 0, n.daysBefore)
	subs, err := n.store.ListExpiringSubscriptions(ctx, now, until)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	sent := 0
	for _, sub := range subs {
		user, err := n.store.GetUser(ctx, sub.UserID)
		if err != nil {
			n.notifier.NotifyAdmin(fmt.Sprintf("Не удалось найти пользователя для уведомления о скором окончании: userID=%d", sub.UserID))
			continue
		}
		text := fmt.Sprintf("Ваша подписка истекает %s. Продлить: /tariff",
			sub.EndTime.In(n.clock.Location()).Format("02.01.2006 15:04"))
		if _, err := n.sender.Send(tgbotapi.NewMessage(user.TelegramID, text)); err != nil {
			n.log.Warn("failed to send expiry notice", zap.Int64("telegram_id", user.TelegramID), zap.Error(err))
			continue
		}
		if err := n.store.MarkExpiryNotified(ctx, sub.ID, sub.EndTime); err != nil {
			n.log.Error("failed to mark expiry notice", zap.Uint("subscription_id", sub.ID), zap.Error(err))
			continue
		}
		sent++
	}
	n.log.Info("expiry notices sent", zap.Int("sent", sent), zap.Int("candidates", len(subs)))
	return sent, nil
}
