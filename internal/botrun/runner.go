// Package botrun runs the single simulated trade a bot performs when
// started.
package botrun

import (
	"context"

	"github.com/jtan86/cryptodesk/internal/db"
	"github.com/jtan86/cryptodesk/internal/models"
	"github.com/jtan86/cryptodesk/internal/trading"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Store is the persistence surface the runner needs.
type Store interface {
	GetBotByID(ctx context.Context, botID int) (*models.Bot, error)
	UpdateBotStatus(ctx context.Context, botID int, status string) error
}

// OrderPlacer submits orders on a bot owner's behalf.
type OrderPlacer interface {
	PlaceOrder(ctx context.Context, userID int, botID *int, req trading.OrderRequest) (*models.Trade, error)
}

// Task is a handle to one scheduled bot run. The HTTP contract stays
// fire-and-forget, but callers holding the handle can await or cancel.
type Task struct {
	ID     uuid.UUID
	cancel context.CancelFunc
	done   chan struct{}
}

// Done is closed when the task has finished.
func (t *Task) Done() <-chan struct{} { return t.done }

// Cancel aborts the task's in-flight work. The bot's status row is not
// rolled back.
func (t *Task) Cancel() { t.cancel() }

// Runner schedules bot tasks.
type Runner struct {
	store  Store
	orders OrderPlacer
	log    *zap.Logger
}

// New creates a runner.
func New(store Store, orders OrderPlacer, log *zap.Logger) *Runner {
	return &Runner{store: store, orders: orders, log: log}
}

// Start schedules the bot's simulated trade and returns immediately.
// The task runs detached from the request that scheduled it.
func (r *Runner) Start(botID int) *Task {
	ctx, cancel := context.WithCancel(context.Background())
	task := &Task{ID: uuid.New(), cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(task.done)
		defer cancel()
		r.run(ctx, botID, task.ID)
	}()
	return task
}

// run executes one simulated trade: flip the bot to running, parse its
// config, and place a market order on the owner's behalf. Any failure
// flips the bot to "error"; an unknown market is skipped silently and
// the bot stays "running".
func (r *Runner) run(ctx context.Context, botID int, taskID uuid.UUID) {
	log := r.log.With(zap.Int("bot_id", botID), zap.String("task_id", taskID.String()))

	bot, err := r.store.GetBotByID(ctx, botID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			log.Warn("bot vanished before task ran")
			return
		}
		log.Error("failed to load bot", zap.Error(err))
		return
	}

	if err := r.store.UpdateBotStatus(ctx, botID, models.BotRunning); err != nil {
		log.Error("failed to mark bot running", zap.Error(err))
		return
	}

	cfg, err := models.ParseBotConfig(bot.Config)
	if err != nil {
		r.fail(ctx, log, botID, errors.Wrap(err, "parse config"))
		return
	}

	trade, err := r.orders.PlaceOrder(ctx, bot.OwnerID, &bot.ID, trading.OrderRequest{
		Symbol:    cfg.Symbol,
		Side:      cfg.Side,
		OrderType: models.OrderTypeMarket,
		Amount:    cfg.Amount,
	})
	if err != nil {
		var unknown *trading.UnknownMarketError
		if errors.As(err, &unknown) {
			log.Info("no market for configured symbol, skipping trade", zap.String("symbol", cfg.Symbol))
			return
		}
		r.fail(ctx, log, botID, errors.Wrap(err, "place order"))
		return
	}

	log.Info("simulated trade placed",
		zap.Int("trade_id", trade.ID),
		zap.String("symbol", cfg.Symbol),
		zap.String("side", cfg.Side),
		zap.Float64("amount", cfg.Amount))
}

func (r *Runner) fail(ctx context.Context, log *zap.Logger, botID int, err error) {
	log.Error("bot task failed", zap.Error(err))
	if uerr := r.store.UpdateBotStatus(ctx, botID, models.BotError); uerr != nil {
		log.Error("failed to mark bot errored", zap.Error(uerr))
	}
}
