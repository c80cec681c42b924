package botrun

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jtan86/cryptodesk/internal/db"
	"github.com/jtan86/cryptodesk/internal/models"
	"github.com/jtan86/cryptodesk/internal/trading"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeStore struct {
	mu       sync.Mutex
	bots     map[int]models.Bot
	statuses []string
}

func (f *fakeStore) GetBotByID(_ context.Context, botID int) (*models.Bot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	bot, ok := f.bots[botID]
	if !ok {
		return nil, fmt.Errorf("bot %d: %w", botID, db.ErrNotFound)
	}
	return &bot, nil
}

func (f *fakeStore) UpdateBotStatus(_ context.Context, botID int, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	bot := f.bots[botID]
	bot.Status = status
	f.bots[botID] = bot
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeStore) status(botID int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bots[botID].Status
}

type fakePlacer struct {
	mu    sync.Mutex
	calls []trading.OrderRequest
	err   error
}

func (f *fakePlacer) PlaceOrder(_ context.Context, _ int, _ *int, req trading.OrderRequest) (*models.Trade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if f.err != nil {
		return nil, f.err
	}
	return &models.Trade{ID: len(f.calls), Status: models.TradeFilled}, nil
}

func (f *fakePlacer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newFakeStore(config string) *fakeStore {
	return &fakeStore{bots: map[int]models.Bot{
		1: {ID: 1, OwnerID: 42, Name: "demo", Strategy: "dca", Config: config, Status: models.BotStopped},
	}}
}

func await(t *testing.T, task *Task) {
	t.Helper()
	select {
	case <-task.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("task did not finish")
	}
}

func TestRunner_PlacesExactlyOneTrade(t *testing.T) {
	store := newFakeStore(`{"symbol": "ETH/USD", "side": "sell", "amount": 2.5}`)
	placer := &fakePlacer{}
	r := New(store, placer, zap.NewNop())

	task := r.Start(1)
	await(t, task)

	require.Equal(t, 1, placer.callCount())
	req := placer.calls[0]
	assert.Equal(t, "ETH/USD", req.Symbol)
	assert.Equal(t, models.SideSell, req.Side)
	assert.Equal(t, models.OrderTypeMarket, req.OrderType)
	assert.Equal(t, 2.5, req.Amount)
	assert.Equal(t, models.BotRunning, store.status(1))
}

func TestRunner_AppliesConfigDefaults(t *testing.T) {
	store := newFakeStore(`{}`)
	placer := &fakePlacer{}
	r := New(store, placer, zap.NewNop())

	await(t, r.Start(1))

	require.Equal(t, 1, placer.callCount())
	req := placer.calls[0]
	assert.Equal(t, models.DefaultBotSymbol, req.Symbol)
	assert.Equal(t, models.DefaultBotSide, req.Side)
	assert.Equal(t, models.DefaultBotAmount, req.Amount)
}

func TestRunner_UnknownMarketSkipsTrade(t *testing.T) {
	store := newFakeStore(`{"symbol": "XRP/USD"}`)
	placer := &fakePlacer{err: &trading.UnknownMarketError{Symbol: "XRP/USD"}}
	r := New(store, placer, zap.NewNop())

	await(t, r.Start(1))

	// Missing market is not an error condition: the bot stays running.
	assert.Equal(t, models.BotRunning, store.status(1))
}

func TestRunner_PlaceFailureMarksBotErrored(t *testing.T) {
	store := newFakeStore(`{}`)
	placer := &fakePlacer{err: fmt.Errorf("storage down")}
	r := New(store, placer, zap.NewNop())

	await(t, r.Start(1))

	assert.Equal(t, models.BotError, store.status(1))
}

func TestRunner_BadConfigMarksBotErrored(t *testing.T) {
	store := newFakeStore(`not json`)
	placer := &fakePlacer{}
	r := New(store, placer, zap.NewNop())

	await(t, r.Start(1))

	assert.Equal(t, models.BotError, store.status(1))
	assert.Equal(t, 0, placer.callCount())
}

func TestRunner_MissingBotDoesNothing(t *testing.T) {
	store := &fakeStore{bots: map[int]models.Bot{}}
	placer := &fakePlacer{}
	r := New(store, placer, zap.NewNop())

	await(t, r.Start(99))

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Empty(t, store.statuses)
	assert.Equal(t, 0, placer.callCount())
}
