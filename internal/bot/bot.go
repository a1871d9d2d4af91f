package bot

import (
	"context"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// maxParallelUpdates сколько апдейтов обрабатывается одновременно.
// Ответ нейромодели может идти десятки секунд, поэтому апдейты не обрабатываются по одному.
const maxParallelUpdates = 32

// Updates источник апдейтов. *tgbotapi.BotAPI подходит.
type Updates interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Run запускает long polling и обрабатывает апдейты до отмены ctx.
// Перед выходом дожидается уже начатых обработчиков.
func Run(ctx context.Context, api Updates, h *Handler, log *zap.Logger) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := api.GetUpdatesChan(u)
	log.Info("polling telegram updates")

	var g errgroup.Group
	g.SetLimit(maxParallelUpdates)
	defer func() { _ = g.Wait() }()

	for {
		select {
		case <-ctx.Done():
			api.StopReceivingUpdates()
			log.Info("stopped polling telegram updates")
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			g.Go(func() error {
				h.HandleUpdate(ctx, update)
				return nil
			})
		}
	}
}
