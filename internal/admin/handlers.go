package admin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"ChatAssist-bot/internal/clock"
	"ChatAssist-bot/internal/db"
	"ChatAssist-bot/internal/logger"
	"ChatAssist-bot/internal/subscription"
	"ChatAssist-bot/internal/tariff"
)

const (
	dateLayout     = "2006-01-02"
	dateTimeLayout = "02.01.2006 15:04"
	maxListItems   = 50
)

// Handler команды администратора /admin_*.
type Handler struct {
	api     logger.Sender
	store   db.Backend
	subs    *subscription.Machine
	backup  *Backup
	clock   *clock.Reference
	adminID int64
	log     *zap.Logger
}

func NewHandler(api logger.Sender, store db.Backend, subs *subscription.Machine, backup *Backup, clk *clock.Reference, adminID int64, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{api: api, store: store, subs: subs, backup: backup, clock: clk, adminID: adminID, log: log}
}

func (h *Handler) IsAdmin(userID int64) bool {
	return userID == h.adminID
}

func (h *Handler) HandleAdminCommand(ctx context.Context, msg *tgbotapi.Message) {
	if msg == nil || msg.From == nil || !h.IsAdmin(msg.From.ID) {
		return
	}
	cmd := msg.Command()
	args := strings.Fields(msg.CommandArguments())
	chatID := msg.Chat.ID
	switch cmd {
	case "admin_stats":
		h.handleStats(ctx, chatID)
	case "admin_user":
		h.handleUser(ctx, chatID, args)
	case "admin_addsub":
		h.handleAddSub(ctx, chatID, args)
	case "admin_deactivate":
		h.handleDeactivate(ctx, chatID, args)
	case "admin_payments":
		h.handlePayments(ctx, chatID, args)
	case "admin_errors":
		h.handleErrors(ctx, chatID, args)
	case "admin_backup":
		h.handleBackup(ctx, chatID)
	default:
		h.reply(chatID, "Неизвестная админ-команда")
	}
	logger.LogAdminAction(h.adminID, cmd, msg.Text)
}

func (h *Handler) handleStats(ctx context.Context, chatID int64) {
	now := h.clock.Now()
	today := h.clock.Today()

	users, err := h.store.CountUsers(ctx)
	if err != nil {
		h.fail(chatID, "stats", err)
		return
	}
	active, err := h.store.CountActiveSubscriptions(ctx, now)
	if err != nil {
		h.fail(chatID, "stats", err)
		return
	}
	byPlan, err := h.store.CountActiveByPlan(ctx, now)
	if err != nil {
		h.fail(chatID, "stats", err)
		return
	}
	var reqDay, reqWeek, reqMonth int64
	for _, r := range []struct {
		dst  *int64
		from time.Time
	}{
		{&reqDay, today.Start},
		{&reqWeek, now.AddDate(0, 0, -7)},
		{&reqMonth, now.AddDate(0, 0, -30)},
	} {
		if *r.dst, err = h.store.CountRequestsBetween(ctx, r.from, now); err != nil {
			h.fail(chatID, "stats", err)
			return
		}
	}
	succeeded, err := h.store.CountPaymentsByStatus(ctx, db.PaymentSucceeded)
	if err != nil {
		h.fail(chatID, "stats", err)
		return
	}
	var revDay, revMonth, revAll int64
	for _, r := range []struct {
		dst  *int64
		from time.Time
	}{
		{&revDay, today.Start},
		{&revMonth, now.AddDate(0, 0, -30)},
		{&revAll, time.Time{}},
	} {
		if *r.dst, err = h.store.SumPayments(ctx, db.PaymentSucceeded, r.from, now); err != nil {
			h.fail(chatID, "stats", err)
			return
		}
	}

	var plans []string
	for _, p := range tariff.All() {
		plans = append(plans, fmt.Sprintf("%s: %d", p.Title, byPlan[p.Key]))
	}
	text := fmt.Sprintf(
		"Пользователей: %d\nАктивных подписок: %d (%s)\nЗапросы: сегодня: %d, неделя: %d, месяц: %d\n"+
			"Успешных платежей: %d\nПлатежи: сегодня: %s, месяц: %s, всего: %s",
		users, active, strings.Join(plans, ", "),
		reqDay, reqWeek, reqMonth,
		succeeded, rubles(revDay), rubles(revMonth), rubles(revAll))
	h.reply(chatID, text)
}

func (h *Handler) handleUser(ctx context.Context, chatID int64, args []string) {
	if len(args) < 1 {
		h.reply(chatID, "Использование: /admin_user <telegram id>")
		return
	}
	user, ok := h.findUser(ctx, chatID, args[0])
	if !ok {
		return
	}
	view, err := h.subs.State(ctx, user.ID)
	if err != nil {
		h.fail(chatID, "user", err)
		return
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "User #%d\nTelegram: %d (@%s)\nИмя: %s %s\nЗарегистрирован: %s\n",
		user.ID, user.TelegramID, user.Username, user.FirstName, user.LastName, h.format(user.RegisteredAt))
	if view.Subscription == nil {
		sb.WriteString("Подписка: нет\n")
	} else {
		s := view.Subscription
		fmt.Fprintf(&sb, "Подписка: %s, лимит %d, %s - %s (%s)\n",
			s.Plan, s.DailyLimit, h.format(s.StartTime), h.format(s.EndTime), view.State)
	}

	pays, err := h.store.ListUserPayments(ctx, user.ID, 5)
	if err != nil {
		h.fail(chatID, "user", err)
		return
	}
	if len(pays) > 0 {
		sb.WriteString("\nПоследние платежи:\n")
		for _, p := range pays {
			fmt.Fprintf(&sb, "%s %s %s %s\n", p.ExternalID, p.Plan, rubles(p.AmountMinor), p.Status)
		}
	}
	h.reply(chatID, sb.String())
}

func (h *Handler) handleAddSub(ctx context.Context, chatID int64, args []string) {
	tg, plan, months, err := parseAddSub(args)
	if err != nil {
		h.reply(chatID, err.Error()+"\nИспользование: /admin_addsub <telegram id> <ROMANTIC|ALPHA|LOVELACE> <месяцев>")
		return
	}
	user, ok := h.findUser(ctx, chatID, strconv.FormatInt(tg, 10))
	if !ok {
		return
	}
	sub, err := h.subs.Grant(ctx, user.ID, plan, months)
	if err != nil {
		h.fail(chatID, "addsub", err)
		return
	}
	h.reply(chatID, fmt.Sprintf("Подписка %s выдана пользователю %d до %s", plan.Title, tg, h.format(sub.EndTime)))
}

func (h *Handler) handleDeactivate(ctx context.Context, chatID int64, args []string) {
	if len(args) < 1 {
		h.reply(chatID, "Использование: /admin_deactivate <telegram id>")
		return
	}
	user, ok := h.findUser(ctx, chatID, args[0])
	if !ok {
		return
	}
	changed, err := h.subs.Deactivate(ctx, user.ID)
	switch {
	case errors.Is(err, subscription.ErrNoSubscription):
		h.reply(chatID, "У пользователя нет подписки")
	case err != nil:
		h.fail(chatID, "deactivate", err)
	case !changed:
		h.reply(chatID, "Подписка уже истекла")
	default:
		h.reply(chatID, "Подписка деактивирована")
	}
}

func (h *Handler) handlePayments(ctx context.Context, chatID int64, args []string) {
	// Пример: /admin_payments 2024-01-01 2024-01-31
	from, to, err := parsePeriod(args, h.clock.Now(), h.clock.Location())
	if err != nil {
		h.reply(chatID, err.Error())
		return
	}
	pays, err := h.store.ListPayments(ctx, from, to, maxListItems)
	if err != nil {
		h.fail(chatID, "payments", err)
		return
	}
	if len(pays) == 0 {
		h.reply(chatID, "Платежей за период нет")
		return
	}
	var sb strings.Builder
	for _, p := range pays {
		fmt.Fprintf(&sb, "%s, User: %d, %s, %s, %s, %s\n",
			p.ExternalID, p.UserID, p.Plan, rubles(p.AmountMinor), p.Status, h.format(p.CreatedAt))
	}
	h.reply(chatID, sb.String())
}

func (h *Handler) handleErrors(ctx context.Context, chatID int64, args []string) {
	n, err := parseLimit(args, 10, maxListItems)
	if err != nil {
		h.reply(chatID, err.Error())
		return
	}
	logs, err := h.store.ListRecentErrors(ctx, n)
	if err != nil {
		h.fail(chatID, "errors", err)
		return
	}
	if len(logs) == 0 {
		h.reply(chatID, "Ошибок нет")
		return
	}
	var sb strings.Builder
	for _, r := range logs {
		fmt.Fprintf(&sb, "#%d user %d %s: %s\n", r.ID, r.UserID, h.format(r.RequestTime), truncate(r.ResponseText, 200))
	}
	h.reply(chatID, sb.String())
}

func (h *Handler) handleBackup(ctx context.Context, chatID int64) {
	if h.backup == nil {
		h.reply(chatID, "Резервное копирование не настроено")
		return
	}
	filename, err := h.backup.Create(ctx, "backup")
	if errors.Is(err, ErrBackupUnavailable) {
		h.reply(chatID, "Резервное копирование доступно только для хранилища postgres")
		return
	}
	if err != nil {
		h.fail(chatID, "backup", err)
		return
	}
	// Отправить файл админу
	file := tgbotapi.NewDocument(chatID, tgbotapi.FilePath(filename))
	file.Caption = "Резервная копия БД успешно создана"
	if _, err := h.api.Send(file); err != nil {
		h.log.Warn("failed to send backup", zap.String("file", filename), zap.Error(err))
	}
	_ = os.Remove(filename)
}

func (h *Handler) findUser(ctx context.Context, chatID int64, arg string) (*db.User, bool) {
	tg, err := parseTelegramID(arg)
	if err != nil {
		h.reply(chatID, err.Error())
		return nil, false
	}
	user, err := h.store.FindUserByTelegramID(ctx, tg)
	if errors.Is(err, db.ErrNotFound) {
		h.reply(chatID, "Пользователь не найден")
		return nil, false
	}
	if err != nil {
		h.fail(chatID, "find user", err)
		return nil, false
	}
	return user, true
}

func (h *Handler) reply(chatID int64, text string) {
	if _, err := h.api.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		h.log.Warn("failed to send admin reply", zap.Error(err))
	}
}

func (h *Handler) fail(chatID int64, what string, err error) {
	h.log.Error("admin command failed", zap.String("command", what), zap.Error(err))
	h.reply(chatID, "Ошибка: "+err.Error())
}

func (h *Handler) format(t time.Time) string {
	return t.In(h.clock.Location()).Format(dateTimeLayout)
}

func parseTelegramID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("Некорректный telegram id: %q", s)
	}
	return id, nil
}

func parseAddSub(args []string) (int64, tariff.Plan, int, error) {
	if len(args) != 3 {
		return 0, tariff.Plan{}, 0, errors.New("Неверное число аргументов")
	}
	tg, err := parseTelegramID(args[0])
	if err != nil {
		return 0, tariff.Plan{}, 0, err
	}
	plan, err := tariff.Lookup(args[1])
	if err != nil {
		return 0, tariff.Plan{}, 0, fmt.Errorf("Неизвестный тариф: %q", args[1])
	}
	months, err := strconv.Atoi(args[2])
	if err != nil || months < 1 || months > 36 {
		return 0, tariff.Plan{}, 0, fmt.Errorf("Некорректное число месяцев: %q", args[2])
	}
	return tg, plan, months, nil
}

// parsePeriod разбирает [from to] в днях; to включительно. Без аргументов последние 30 дней.
func parsePeriod(args []string, now time.Time, loc *time.Location) (time.Time, time.Time, error) {
	switch len(args) {
	case 0:
		return now.AddDate(0, 0, -30), now, nil
	case 2:
		from, err := time.ParseInLocation(dateLayout, args[0], loc)
		if err != nil {
			return time.Time{}, time.Time{}, errors.New("Неверный формат даты (from)")
		}
		to, err := time.ParseInLocation(dateLayout, args[1], loc)
		if err != nil {
			return time.Time{}, time.Time{}, errors.New("Неверный формат даты (to)")
		}
		to = to.AddDate(0, 0, 1)
		if !to.After(from) {
			return time.Time{}, time.Time{}, errors.New("Дата from позже to")
		}
		return from, to, nil
	default:
		return time.Time{}, time.Time{}, errors.New("Использование: /admin_payments [YYYY-MM-DD YYYY-MM-DD]")
	}
}

func parseLimit(args []string, def, max int) (int, error) {
	if len(args) == 0 {
		return def, nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 1 {
		return 0, fmt.Errorf("Некорректное число: %q", args[0])
	}
	if n > max {
		n = max
	}
	return n, nil
}

func rubles(minor int64) string {
	return fmt.Sprintf("%d.%02d₽", minor/100, minor%100)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
