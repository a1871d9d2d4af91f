package db

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm/clause"
)

// GetSubscription возвращает единственную подписку пользователя.
// Две строки на одного пользователя означают нарушение инварианта.
func (s *Store) GetSubscription(ctx context.Context, userID uint) (*Subscription, error) {
	const op = "db.GetSubscription"
	q := s.conn(ctx).Where("user_id = ?", userID)
	if s.inTx {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var subs []Subscription
	if err := q.Limit(2).Find(&subs).Error; err != nil {
		return nil, classify(op, err)
	}
	switch len(subs) {
	case 0:
		return nil, fmt.Errorf("%s: %w", op, ErrNotFound)
	case 1:
		return &subs[0], nil
	default:
		return nil, fmt.Errorf("%s: user %d has %d subscriptions: %w", op, userID, len(subs), ErrInvariantViolation)
	}
}

// SaveSubscription создаёт или перезаписывает подписку.
func (s *Store) SaveSubscription(ctx context.Context, sub *Subscription) error {
	const op = "db.SaveSubscription"
	if sub.ID == 0 {
		return classify(op, s.conn(ctx).Create(sub).Error)
	}
	return classify(op, s.conn(ctx).Save(sub).Error)
}

func (s *Store) CountActiveSubscriptions(ctx context.Context, now time.Time) (int64, error) {
	const op = "db.CountActiveSubscriptions"
	var n int64
	err := s.conn(ctx).Model(&Subscription{}).Where("end_time > ?", now).Count(&n).Error
	return n, classify(op, err)
}

func (s *Store) ListExpiringSubscriptions(ctx context.Context, now, until time.Time) ([]Subscription, error) {
	const op = "db.ListExpiringSubscriptions"
	var subs []Subscription
	err := s.conn(ctx).
		Where("end_time > ? AND end_time <= ?", now, until).
		Where("notified_end_time IS NULL OR notified_end_time <> end_time").
		Order("end_time").
		Find(&subs).Error
	return subs, classify(op, err)
}

func (s *Store) MarkExpiryNotified(ctx context.Context, subscriptionID uint, endTime time.Time) error {
	const op = "db.MarkExpiryNotified"
	err := s.conn(ctx).Model(&Subscription{}).
		Where("id = ? AND end_time = ?", subscriptionID, endTime).
		Update("notified_end_time", endTime).Error
	return classify(op, err)
}
