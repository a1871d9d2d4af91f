package services

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"ChatAssist-bot/internal/clock"
	"ChatAssist-bot/internal/logger"
)

const (
	DefaultErrorWindow    = 30 * time.Minute
	DefaultErrorThreshold = 10
)

type ErrorCounter interface {
	CountErrorsSince(ctx context.Context, since time.Time) (int64, error)
}

// ErrorMonitor сообщает админу, если за окно набралось больше threshold ошибочных запросов.
type ErrorMonitor struct {
	store     ErrorCounter
	clock     *clock.Reference
	notifier  *logger.Notifier
	window    time.Duration
	threshold int64
	log       *zap.Logger
}

func NewErrorMonitor(store ErrorCounter, clk *clock.Reference, notifier *logger.Notifier, log *zap.Logger) *ErrorMonitor {
	if log == nil {
		log = zap.NewNop()
	}
	return &ErrorMonitor{
		store:     store,
		clock:     clk,
		notifier:  notifier,
		window:    DefaultErrorWindow,
		threshold: DefaultErrorThreshold,
		log:       log,
	}
}

// Check возвращает число ошибок за окно и true, если было отправлено уведомление.
func (m *ErrorMonitor) Check(ctx context.Context) (int64, bool, error) {
	const op = "services.ErrorMonitor.Check"
	since := m.clock.Now().Add(-m.window)
	n, err := m.store.CountErrorsSince(ctx, since)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", op, err)
	}
	if n <= m.threshold {
		return n, false, nil
	}
	m.log.Warn("error rate above threshold", zap.Int64("errors", n), zap.Duration("window", m.window))
	m.notifier.NotifyAdmin(fmt.Sprintf("За последние %d минут %d ошибок при обработке запросов", int(m.window.Minutes()), n))
	return n, true, nil
}
