package db

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

var (
	// ErrNotFound запись не найдена.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate нарушено ограничение уникальности.
	ErrDuplicate = errors.New("duplicate key")
	// ErrTransient сбой хранилища, вызывающий может повторить операцию с backoff.
	ErrTransient = errors.New("transient store failure")
	// ErrInvariantViolation данные нарушают инвариант схемы (например, две подписки у пользователя).
	// Это баг, его нужно поднимать админу, а не чинить молча.
	ErrInvariantViolation = errors.New("invariant violation")
)

// IsRetryable true для ошибок, которые имеет смысл повторить.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}

func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%s: %w: %w", op, ErrDuplicate, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, err)
	default:
		return fmt.Errorf("%s: %w: %w", op, ErrTransient, err)
	}
}
