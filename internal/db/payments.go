package db

import (
	"context"
	"time"

	"gorm.io/gorm/clause"
)

// CreatePayment сохраняет платёж. Повтор external_id даёт ErrDuplicate.
func (s *Store) CreatePayment(ctx context.Context, p *Payment) error {
	const op = "db.CreatePayment"
	return classify(op, s.conn(ctx).Create(p).Error)
}

func (s *Store) FindPaymentByExternalID(ctx context.Context, externalID string) (*Payment, error) {
	const op = "db.FindPaymentByExternalID"
	q := s.conn(ctx).Where("external_id = ?", externalID)
	if s.inTx {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var p Payment
	if err := q.First(&p).Error; err != nil {
		return nil, classify(op, err)
	}
	return &p, nil
}

// TransitionPayment условное обновление статуса (compare-and-swap). Только один
// из конкурирующих вызовов увидит RowsAffected == 1.
func (s *Store) TransitionPayment(ctx context.Context, externalID string, from, to PaymentStatus, at time.Time) (bool, error) {
	const op = "db.TransitionPayment"
	res := s.conn(ctx).Model(&Payment{}).
		Where("external_id = ? AND status = ?", externalID, from).
		Updates(map[string]interface{}{"status": to, "updated_at": at})
	if res.Error != nil {
		return false, classify(op, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *Store) CountPaymentsByStatus(ctx context.Context, status PaymentStatus) (int64, error) {
	const op = "db.CountPaymentsByStatus"
	var n int64
	err := s.conn(ctx).Model(&Payment{}).Where("status = ?", status).Count(&n).Error
	return n, classify(op, err)
}

// SumPayments сумма в копейках по платежам со статусом status, созданным в [from, to).
func (s *Store) SumPayments(ctx context.Context, status PaymentStatus, from, to time.Time) (int64, error) {
	const op = "db.SumPayments"
	var sum int64
	err := s.conn(ctx).Model(&Payment{}).
		Where("status = ? AND created_at >= ? AND created_at < ?", status, from, to).
		Select("COALESCE(SUM(amount_minor), 0)").
		Scan(&sum).Error
	return sum, classify(op, err)
}

func (s *Store) ListPayments(ctx context.Context, from, to time.Time, limit int) ([]Payment, error) {
	const op = "db.ListPayments"
	var pays []Payment
	err := s.conn(ctx).
		Where("created_at >= ? AND created_at < ?", from, to).
		Order("created_at desc").
		Limit(limit).
		Find(&pays).Error
	return pays, classify(op, err)
}

func (s *Store) ListUserPayments(ctx context.Context, userID uint, limit int) ([]Payment, error) {
	const op = "db.ListUserPayments"
	var pays []Payment
	err := s.conn(ctx).Where("user_id = ?", userID).Order("created_at desc").Limit(limit).Find(&pays).Error
	return pays, classify(op, err)
}
