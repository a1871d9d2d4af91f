package bot

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"ChatAssist-bot/internal/clock"
	"ChatAssist-bot/internal/db"
	"ChatAssist-bot/internal/logger"
	"ChatAssist-bot/internal/metering"
	"ChatAssist-bot/internal/subscription"
)

// maxMessageLen ограничение Telegram на длину текста сообщения.
const maxMessageLen = 4096

const dateLayout = "02.01.2006 15:04"

const (
	welcomeText = "Добро пожаловать в CozeTalk! 👋\n\n" +
		"Я готов помочь вам с вашими запросами, используя нейромодель Coze API.\n\n" +
		"🔹 Отправьте мне любой вопрос или запрос.\n" +
		"🔹 Используйте /tariff для выбора тарифного плана.\n" +
		"🔹 Используйте /profile для просмотра информации о вашем профиле.\n" +
		"🔹 Используйте /help чтобы увидеть все доступные команды."
	helpText = "Доступные команды:\n\n" +
		"🔹 /start - начать использование бота\n" +
		"🔹 /help - показать список команд\n" +
		"🔹 /tariff - выбрать тарифный план\n" +
		"🔹 /profile - информация о вашем профиле\n\n" +
		"Просто отправьте мне любой текстовый запрос, и я отвечу вам с помощью нейромодели Coze API."
	unknownText   = "Неизвестная команда. Используйте /help для просмотра доступных команд."
	slowDownText  = "Пожалуйста, не так быстро! Подождите пару секунд..."
	errorText     = "Извините, произошла ошибка при обработке вашего запроса. Пожалуйста, попробуйте позже."
	noSubText     = "⚠️ *У вас нет активной подписки*\n\nДля продолжения использования бота выберите тарифный план."
	expiredText   = "⚠️ *Ваша подписка истекла*\n\nДля продолжения использования бота, пожалуйста, обновите тарифный план."
	quotaText     = "⚠️ *Лимит запросов на сегодня исчерпан* (%d из %d)\n\nЛимит обновится в полночь. Можно перейти на тариф побольше:"
	tariffMenuTxt = "Выберите тарифный план:\n\n%s\nВыберите тариф ниже:"
)

// API часть *tgbotapi.BotAPI, которой пользуется бот.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Completer генерирует ответ нейромодели.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// PaymentStarter создаёт платёж и возвращает ссылку на оплату.
type PaymentStarter interface {
	Start(ctx context.Context, userID uint, telegramID int64, planKey string) (string, error)
}

// AdminCommands обработчик команд /admin_*.
type AdminCommands interface {
	HandleAdminCommand(ctx context.Context, msg *tgbotapi.Message)
}

// Deps зависимости обработчика. Admin и Notifier могут быть nil.
type Deps struct {
	API      API
	Store    db.Repository
	Meter    *metering.Facade
	Subs     *subscription.Machine
	Checkout PaymentStarter
	LLM      Completer
	Admin    AdminCommands
	AdminID  int64
	Notifier *logger.Notifier
	Clock    *clock.Reference
	Log      *zap.Logger
}

type Handler struct {
	api      API
	store    db.Repository
	meter    *metering.Facade
	subs     *subscription.Machine
	checkout PaymentStarter
	llm      Completer
	admin    AdminCommands
	adminID  int64
	notifier *logger.Notifier
	clock    *clock.Reference
	limiter  *RateLimiter
	log      *zap.Logger
}

func NewHandler(d Deps) *Handler {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		api:      d.API,
		store:    d.Store,
		meter:    d.Meter,
		subs:     d.Subs,
		checkout: d.Checkout,
		llm:      d.LLM,
		admin:    d.Admin,
		adminID:  d.AdminID,
		notifier: d.Notifier,
		clock:    d.Clock,
		limiter:  NewRateLimiter(d.AdminID),
		log:      log,
	}
}

func (h *Handler) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	defer h.notifier.NotifyOnPanic("handler")

	from := sentFrom(update)
	if from == nil || from.IsBot {
		return
	}
	// Регистрируем пользователя при любом апдейте
	userID, err := h.store.EnsureUser(ctx, db.Profile{
		TelegramID: from.ID,
		Username:   from.UserName,
		FirstName:  from.FirstName,
		LastName:   from.LastName,
		SeenAt:     h.clock.Now(),
	})
	if err != nil {
		h.notifier.ReportError("EnsureUser", err)
		if update.Message != nil {
			h.send(tgbotapi.NewMessage(update.Message.Chat.ID, errorText))
		}
		return
	}

	if update.CallbackQuery != nil {
		h.handleCallback(ctx, userID, update.CallbackQuery)
		return
	}

	msg := update.Message
	if msg == nil || msg.Text == "" {
		return
	}
	isAdmin := from.ID == h.adminID
	if h.limiter.IsLimited(from.ID, rateKey(msg)) {
		reply := tgbotapi.NewMessage(msg.Chat.ID, slowDownText)
		reply.ReplyMarkup = GetReplyKeyboard(isAdmin)
		h.send(reply)
		return
	}
	if !msg.IsCommand() {
		h.Chat(ctx, userID, msg)
		return
	}

	cmd := msg.Command()
	// Вызов обработчика админ-команд
	if strings.HasPrefix(cmd, "admin_") && isAdmin && h.admin != nil {
		h.admin.HandleAdminCommand(ctx, msg)
		return
	}
	switch cmd {
	case "start":
		reply := tgbotapi.NewMessage(msg.Chat.ID, welcomeText)
		reply.ReplyMarkup = GetReplyKeyboard(isAdmin)
		h.send(reply)
	case "help":
		h.send(tgbotapi.NewMessage(msg.Chat.ID, helpText))
	case "tariff":
		h.sendTariffs(msg.Chat.ID)
	case "profile":
		h.sendProfile(ctx, msg.Chat.ID, userID)
	default:
		reply := tgbotapi.NewMessage(msg.Chat.ID, unknownText)
		reply.ReplyMarkup = GetReplyKeyboard(isAdmin)
		h.send(reply)
	}
}

// Chat один запрос к нейромодели: допуск по подписке и лимиту, запись в журнал, ответ.
func (h *Handler) Chat(ctx context.Context, userID uint, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	decision, handle, err := h.meter.Admit(ctx, userID, msg.Text)
	if err != nil {
		h.notifier.ReportError("Admit", err)
		h.send(tgbotapi.NewMessage(chatID, errorText))
		return
	}
	if !decision.Allowed {
		h.sendDenied(chatID, decision)
		return
	}

	// "печатает..." пока ждём ответ
	if _, err := h.api.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
		h.log.Debug("failed to send typing action", zap.Error(err))
	}

	answer, err := h.llm.Complete(ctx, msg.Text)
	if err != nil {
		h.log.Error("completion failed", zap.Uint("user_id", userID), zap.Uint("request_id", handle.ID), zap.Error(err))
		if cerr := handle.Complete(ctx, db.RequestError, err.Error()); cerr != nil {
			h.notifier.ReportError("Complete", cerr)
		}
		h.send(tgbotapi.NewMessage(chatID, errorText))
		return
	}
	if err := handle.Complete(ctx, db.RequestSuccess, answer); err != nil {
		h.notifier.ReportError("Complete", err)
	}
	h.log.Info("request served",
		zap.Uint("user_id", userID),
		zap.Uint("request_id", handle.ID),
		zap.Duration("elapsed", handle.Elapsed()),
	)
	for _, part := range splitMessage(answer, maxMessageLen) {
		h.send(tgbotapi.NewMessage(chatID, part))
	}
}

func (h *Handler) sendDenied(chatID int64, d metering.Decision) {
	var text string
	switch {
	case d.Reason == metering.QuotaExceeded:
		text = fmt.Sprintf(quotaText, d.Usage.Used, d.Usage.Limit)
	case d.Subscription != nil:
		text = expiredText
	default:
		text = noSubText
	}
	reply := tgbotapi.NewMessage(chatID, text)
	reply.ParseMode = tgbotapi.ModeMarkdown
	reply.ReplyMarkup = TariffKeyboard()
	h.send(reply)
}

func (h *Handler) sendTariffs(chatID int64) {
	var sb strings.Builder
	for _, p := range tariffList() {
		sb.WriteString(p)
		sb.WriteString("\n")
	}
	reply := tgbotapi.NewMessage(chatID, fmt.Sprintf(tariffMenuTxt, sb.String()))
	reply.ParseMode = tgbotapi.ModeMarkdown
	reply.ReplyMarkup = TariffKeyboard()
	h.send(reply)
}

func (h *Handler) sendProfile(ctx context.Context, chatID int64, userID uint) {
	user, err := h.store.GetUser(ctx, userID)
	if err != nil {
		h.notifier.ReportError("profile", err)
		h.send(tgbotapi.NewMessage(chatID, errorText))
		return
	}
	view, err := h.subs.State(ctx, userID)
	if err != nil {
		h.notifier.ReportError("profile", err)
		h.send(tgbotapi.NewMessage(chatID, errorText))
		return
	}

	var sb strings.Builder
	sb.WriteString("*Ваш профиль*\n\n")
	fmt.Fprintf(&sb, "🔹 ID: %d\n", user.TelegramID)
	fmt.Fprintf(&sb, "🔹 Имя: %s\n", tgbotapi.EscapeText(tgbotapi.ModeMarkdown, user.FirstName))

	if view.State == subscription.NoSubscription {
		sb.WriteString("\n⚠️ *У вас нет активной подписки*\n")
		sb.WriteString("Выберите тарифный план с помощью /tariff\n")
	} else {
		sub := view.Subscription
		sb.WriteString("\n*Информация о подписке*\n\n")
		fmt.Fprintf(&sb, "🔹 Тариф: *%s*\n", planTitle(sub.Plan))
		fmt.Fprintf(&sb, "🔹 Дневной лимит: %s\n", limitString(sub.DailyLimit))
		if view.State == subscription.Active {
			usage, err := h.meter.Remaining(ctx, userID)
			if err != nil {
				h.notifier.ReportError("profile", err)
				h.send(tgbotapi.NewMessage(chatID, errorText))
				return
			}
			if usage.Unbounded {
				sb.WriteString("🔹 Осталось сегодня: без ограничений\n")
			} else {
				fmt.Fprintf(&sb, "🔹 Осталось сегодня: %d запросов\n", usage.Remaining)
			}
		}
		fmt.Fprintf(&sb, "🔹 Действует до: %s\n", sub.EndTime.In(h.clock.Location()).Format(dateLayout))
		if view.State == subscription.Expired {
			sb.WriteString("\n⚠️ *Ваша подписка истекла!* Выберите новый тариф с помощью /tariff\n")
		}
	}

	reply := tgbotapi.NewMessage(chatID, sb.String())
	reply.ParseMode = tgbotapi.ModeMarkdown
	h.send(reply)
}

func (h *Handler) send(c tgbotapi.Chattable) {
	if _, err := h.api.Send(c); err != nil {
		h.log.Warn("failed to send message", zap.Error(err))
	}
}

func (h *Handler) answer(callbackID, text string) {
	if _, err := h.api.Request(tgbotapi.NewCallback(callbackID, text)); err != nil {
		h.log.Debug("failed to answer callback", zap.Error(err))
	}
}

func sentFrom(u tgbotapi.Update) *tgbotapi.User {
	switch {
	case u.Message != nil:
		return u.Message.From
	case u.CallbackQuery != nil:
		return u.CallbackQuery.From
	}
	return nil
}

func rateKey(msg *tgbotapi.Message) string {
	if msg.IsCommand() {
		return "/" + msg.Command()
	}
	return chatKey
}

// splitMessage режет текст на части не длиннее limit символов, по возможности по переводу строки.
func splitMessage(text string, limit int) []string {
	var parts []string
	for utf8.RuneCountInString(text) > limit {
		runes := []rune(text)
		cut := limit
		if i := strings.LastIndex(string(runes[:limit]), "\n"); i > 0 {
			cut = utf8.RuneCountInString(string(runes[:limit])[:i]) + 1
		}
		parts = append(parts, string(runes[:cut]))
		text = string(runes[cut:])
	}
	if text != "" {
		parts = append(parts, text)
	}
	return parts
}
