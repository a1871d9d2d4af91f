package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"ChatAssist-bot/internal/payments"
	"ChatAssist-bot/internal/tariff"
)

// handleCallback обрабатывает inline-кнопки. Сейчас это только выбор тарифа.
func (h *Handler) handleCallback(ctx context.Context, userID uint, cb *tgbotapi.CallbackQuery) {
	h.log.Debug("received callback_query", zap.Int64("from", cb.From.ID), zap.String("data", cb.Data))
	if !strings.HasPrefix(cb.Data, tariffPrefix) {
		h.answer(cb.ID, "")
		return
	}
	chatID := cb.From.ID
	if cb.Message != nil && cb.Message.Chat != nil {
		chatID = cb.Message.Chat.ID
	}
	plan, err := tariff.Lookup(strings.TrimPrefix(cb.Data, tariffPrefix))
	if err != nil {
		h.answer(cb.ID, "Ошибка выбора тарифа")
		h.send(tgbotapi.NewMessage(chatID, "Неверный тарифный план. Пожалуйста, попробуйте снова."))
		return
	}
	if h.limiter.IsLimited(cb.From.ID, tariffPrefix) {
		h.answer(cb.ID, slowDownText)
		return
	}

	url, err := h.checkout.Start(ctx, userID, cb.From.ID, string(plan.Key))
	if err != nil {
		h.log.Error("failed to create payment", zap.Uint("user_id", userID), zap.String("plan", string(plan.Key)), zap.Error(err))
		h.answer(cb.ID, "Ошибка создания платежа")
		h.send(tgbotapi.NewMessage(chatID, "Произошла ошибка при создании платежа. Пожалуйста, попробуйте позже."))
		return
	}

	text := fmt.Sprintf("Вы выбрали тариф *%s*\n\n"+
		"Стоимость: *%d ₽* за 1 месяц\n\n"+
		"Для оплаты нажмите кнопку ниже.\n\n"+
		"После успешной оплаты ваш тариф будет автоматически активирован.",
		plan.Title, plan.PriceMinorUnits/100)
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	msg.ReplyMarkup = payKeyboard(url)
	h.send(msg)
	h.answer(cb.ID, "Платёж создан")
}

// PaymentApplied сообщает пользователю об активированной подписке.
// Вызывается после фиксации сверки, ошибки отправки не влияют на платёж.
func (h *Handler) PaymentApplied(ctx context.Context, res payments.Result) {
	if res.Payment == nil {
		return
	}
	user, err := h.store.GetUser(ctx, res.Payment.UserID)
	if err != nil {
		h.notifier.ReportError("PaymentApplied", err)
		return
	}
	if res.Subscription == nil {
		if res.Payment.Status.Terminal() {
			h.send(tgbotapi.NewMessage(user.TelegramID, "Платёж не прошёл. Попробуйте оплатить ещё раз: /tariff"))
		}
		return
	}
	sub := res.Subscription
	text := fmt.Sprintf("Оплата получена! ✅\n\nТариф *%s* активирован до %s.\nДневной лимит: %s.",
		planTitle(sub.Plan),
		sub.EndTime.In(h.clock.Location()).Format(dateLayout),
		limitString(sub.DailyLimit),
	)
	msg := tgbotapi.NewMessage(user.TelegramID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	h.send(msg)
}

func tariffList() []string {
	var out []string
	for _, p := range tariff.All() {
		out = append(out, fmt.Sprintf("🔹 *%s* - %s - %d ₽/месяц", p.Title, limitPhrase(p.DailyLimit), p.PriceMinorUnits/100))
	}
	return out
}

func planTitle(key tariff.Key) string {
	p, err := tariff.Lookup(string(key))
	if errors.Is(err, tariff.ErrUnknownPlan) {
		return string(key)
	}
	return p.Title
}

func limitString(limit int) string {
	if limit == tariff.Unlimited {
		return "без ограничений"
	}
	return fmt.Sprintf("%d запросов", limit)
}

func limitPhrase(limit int) string {
	if limit == tariff.Unlimited {
		return "Безлимитные запросы"
	}
	return fmt.Sprintf("%d запросов в день", limit)
}
