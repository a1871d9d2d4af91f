package db

import (
	"context"
	"time"

	"ChatAssist-bot/internal/tariff"
)

// --- Админские методы для статистики ---

func (s *Store) CountUsers(ctx context.Context) (int64, error) {
	const op = "db.CountUsers"
	var n int64
	err := s.conn(ctx).Model(&User{}).Count(&n).Error
	return n, classify(op, err)
}

func (s *Store) ListUsers(ctx context.Context, offset, limit int) ([]User, error) {
	const op = "db.ListUsers"
	var users []User
	err := s.conn(ctx).Order("id").Offset(offset).Limit(limit).Find(&users).Error
	return users, classify(op, err)
}

// CountActiveByPlan число действующих подписок по тарифам.
func (s *Store) CountActiveByPlan(ctx context.Context, now time.Time) (map[tariff.Key]int64, error) {
	const op = "db.CountActiveByPlan"
	var rows []struct {
		Plan  tariff.Key
		Total int64
	}
	err := s.conn(ctx).Model(&Subscription{}).
		Select("plan, COUNT(*) AS total").
		Where("end_time > ?", now).
		Group("plan").
		Scan(&rows).Error
	if err != nil {
		return nil, classify(op, err)
	}
	out := make(map[tariff.Key]int64, len(rows))
	for _, r := range rows {
		out[r.Plan] = r.Total
	}
	return out, nil
}
