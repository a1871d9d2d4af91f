package logger

import (
	"errors"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"ChatAssist-bot/internal/db"
)

// Sender отправка сообщений в Telegram. *tgbotapi.BotAPI подходит.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Notifier шлёт критические уведомления админу в Telegram.
type Notifier struct {
	sender  Sender
	adminID int64
}

// NewNotifier создаёт уведомитель. Без sender или adminID уведомления только пишутся в лог.
func NewNotifier(sender Sender, adminID int64) *Notifier {
	return &Notifier{sender: sender, adminID: adminID}
}

// NotifyAdmin отправляет критическое уведомление админу
func (n *Notifier) NotifyAdmin(msg string) {
	if n == nil || n.sender == nil || n.adminID == 0 {
		Warn("admin alert not delivered", zap.String("msg", msg))
		return
	}
	if _, err := n.sender.Send(tgbotapi.NewMessage(n.adminID, "[ALERT] "+msg)); err != nil {
		Error("failed to send admin alert", zap.Error(err), zap.String("msg", msg))
	}
}

// ReportError логирует ошибку; нарушение инварианта дополнительно уходит админу.
func (n *Notifier) ReportError(where string, err error) {
	if err == nil {
		return
	}
	Error("operation failed", zap.String("where", where), zap.Error(err))
	if errors.Is(err, db.ErrInvariantViolation) {
		n.NotifyAdmin(fmt.Sprintf("Invariant violation in %s: %v", where, err))
	}
}

// NotifyOnPanic ловит панику, логирует и уведомляет. Вызывать через defer.
func (n *Notifier) NotifyOnPanic(where string) {
	if r := recover(); r != nil {
		Error("panic recovered", zap.String("where", where), zap.Any("panic", r), zap.Stack("stack"))
		n.NotifyAdmin("Panic in " + where + ": " + toString(r))
	}
}

func toString(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case error:
		return x.Error()
	default:
		return fmt.Sprintf("%v", x)
	}
}
