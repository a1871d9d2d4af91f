package logger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ChatAssist-bot/internal/db"
)

type recordingSender struct {
	mu   sync.Mutex
	msgs []tgbotapi.MessageConfig
}

func (s *recordingSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := c.(tgbotapi.MessageConfig); ok {
		s.msgs = append(s.msgs, m)
	}
	return tgbotapi.Message{}, nil
}

func TestInitWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.log")
	l, err := Init("info", path)
	require.NoError(t, err)
	t.Cleanup(func() { Set(zap.NewNop()) })

	Info("hello", zap.String("k", "v"))
	require.NoError(t, l.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"hello"`)
	assert.Contains(t, string(data), `"k":"v"`)
}

func TestInitBadLevel(t *testing.T) {
	_, err := Init("loud", "")
	assert.Error(t, err)
}

func TestNotifyAdmin(t *testing.T) {
	s := &recordingSender{}
	n := NewNotifier(s, 777)
	n.NotifyAdmin("db down")

	require.Len(t, s.msgs, 1)
	assert.Equal(t, int64(777), s.msgs[0].ChatID)
	assert.Equal(t, "[ALERT] db down", s.msgs[0].Text)

	// без админа уведомление не отправляется
	NewNotifier(s, 0).NotifyAdmin("ignored")
	var nilNotifier *Notifier
	nilNotifier.NotifyAdmin("ignored")
	assert.Len(t, s.msgs, 1)
}

func TestReportErrorAlertsOnInvariantViolation(t *testing.T) {
	s := &recordingSender{}
	n := NewNotifier(s, 1)

	n.ReportError("reconcile", errors.New("timeout"))
	assert.Empty(t, s.msgs)

	n.ReportError("reconcile", fmt.Errorf("two rows: %w", db.ErrInvariantViolation))
	assert.Len(t, s.msgs, 1)
}

func TestNotifyOnPanic(t *testing.T) {
	s := &recordingSender{}
	n := NewNotifier(s, 1)

	func() {
		defer n.NotifyOnPanic("handler")
		panic(errors.New("nil map"))
	}()

	require.Len(t, s.msgs, 1)
	assert.Equal(t, "[ALERT] Panic in handler: nil map", s.msgs[0].Text)
}
