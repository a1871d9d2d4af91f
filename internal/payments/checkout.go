package payments

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"ChatAssist-bot/internal/clock"
	"ChatAssist-bot/internal/db"
	"ChatAssist-bot/internal/tariff"
)

// Order данные для создания платежа в шлюзе.
type Order struct {
	UserID      uint
	TelegramID  int64
	Plan        tariff.Plan
	Description string
}

// Invoice ответ шлюза на создание платежа.
type Invoice struct {
	ID              string
	Status          string
	ConfirmationURL string
}

// Gateway платёжный шлюз.
type Gateway interface {
	CreatePayment(ctx context.Context, order Order) (*Invoice, error)
}

// Checkout создаёт платёж в шлюзе и сохраняет его локально в статусе Pending.
type Checkout struct {
	repo    db.Repository
	gateway Gateway
	clock   *clock.Reference
	log     *zap.Logger
}

func NewCheckout(repo db.Repository, gateway Gateway, clk *clock.Reference, log *zap.Logger) *Checkout {
	if log == nil {
		log = zap.NewNop()
	}
	return &Checkout{repo: repo, gateway: gateway, clock: clk, log: log}
}

// Start возвращает ссылку на оплату плана planKey.
func (c *Checkout) Start(ctx context.Context, userID uint, telegramID int64, planKey string) (string, error) {
	const op = "payments.Checkout.Start"
	plan, err := tariff.Lookup(planKey)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	inv, err := c.gateway.CreatePayment(ctx, Order{
		UserID:      userID,
		TelegramID:  telegramID,
		Plan:        plan,
		Description: fmt.Sprintf("Подписка %s на 1 месяц", plan.Title),
	})
	if err != nil {
		return "", fmt.Errorf("%s: gateway: %w", op, err)
	}
	if !ValidPaymentID(inv.ID) {
		return "", fmt.Errorf("%s: gateway returned %q: %w", op, inv.ID, ErrInvalidPaymentID)
	}

	now := c.clock.Now()
	p := &db.Payment{
		UserID:      userID,
		ExternalID:  inv.ID,
		AmountMinor: plan.PriceMinorUnits,
		Currency:    plan.Currency,
		Status:      db.PaymentPending,
		Plan:        plan.Key,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := c.repo.CreatePayment(ctx, p); err != nil {
		// платёж в шлюзе уже создан; уведомление по нему получит NotFound и будет повторяться
		c.log.Error("failed to save created payment",
			zap.String("payment_id", inv.ID),
			zap.Uint("user_id", userID),
			zap.Error(err),
		)
		return "", fmt.Errorf("%s: %w", op, err)
	}

	c.log.Info("payment created",
		zap.String("payment_id", inv.ID),
		zap.Uint("user_id", userID),
		zap.String("plan", string(plan.Key)),
	)
	return inv.ConfirmationURL, nil
}
