package db

import (
	"context"
	"fmt"
	"time"
)

func (s *Store) AppendRequest(ctx context.Context, r *RequestLog) error {
	const op = "db.AppendRequest"
	return classify(op, s.conn(ctx).Create(r).Error)
}

// CompleteRequest переводит PROCESSING в итоговый статус. Повторное завершение даёт ErrNotFound.
func (s *Store) CompleteRequest(ctx context.Context, id uint, status RequestStatus, response string, elapsed time.Duration) error {
	const op = "db.CompleteRequest"
	ms := elapsed.Milliseconds()
	res := s.conn(ctx).Model(&RequestLog{}).
		Where("id = ? AND status = ?", id, RequestProcessing).
		Updates(map[string]interface{}{
			"status":          status,
			"response_text":   response,
			"process_time_ms": ms,
		})
	if res.Error != nil {
		return classify(op, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%s: request %d is not processing: %w", op, id, ErrNotFound)
	}
	return nil
}

func (s *Store) CountRequests(ctx context.Context, userID uint, from, to time.Time) (int64, error) {
	const op = "db.CountRequests"
	var n int64
	err := s.conn(ctx).Model(&RequestLog{}).
		Where("user_id = ? AND request_time >= ? AND request_time < ?", userID, from, to).
		Count(&n).Error
	return n, classify(op, err)
}

func (s *Store) CountRequestsBetween(ctx context.Context, from, to time.Time) (int64, error) {
	const op = "db.CountRequestsBetween"
	var n int64
	err := s.conn(ctx).Model(&RequestLog{}).
		Where("request_time >= ? AND request_time < ?", from, to).
		Count(&n).Error
	return n, classify(op, err)
}

func (s *Store) CountErrorsSince(ctx context.Context, since time.Time) (int64, error) {
	const op = "db.CountErrorsSince"
	var n int64
	err := s.conn(ctx).Model(&RequestLog{}).
		Where("status = ? AND request_time >= ?", RequestError, since).
		Count(&n).Error
	return n, classify(op, err)
}

func (s *Store) ListRecentErrors(ctx context.Context, limit int) ([]RequestLog, error) {
	const op = "db.ListRecentErrors"
	var logs []RequestLog
	err := s.conn(ctx).Where("status = ?", RequestError).Order("request_time desc").Limit(limit).Find(&logs).Error
	return logs, classify(op, err)
}

func (s *Store) ListUserRequests(ctx context.Context, userID uint, limit int) ([]RequestLog, error) {
	const op = "db.ListUserRequests"
	var logs []RequestLog
	err := s.conn(ctx).Where("user_id = ?", userID).Order("request_time desc").Limit(limit).Find(&logs).Error
	return logs, classify(op, err)
}
