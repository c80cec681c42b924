package trading

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jtan86/cryptodesk/internal/db"
	"github.com/jtan86/cryptodesk/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeStore is an in-memory Store for a single test user.
type fakeStore struct {
	markets  map[string]models.Market
	trades   []models.Trade
	balances map[string]float64
	nextID   int
}

func newFakeStore(markets ...models.Market) *fakeStore {
	f := &fakeStore{
		markets:  make(map[string]models.Market),
		balances: make(map[string]float64),
	}
	for _, m := range markets {
		f.markets[m.Symbol] = m
	}
	return f
}

func (f *fakeStore) GetMarket(_ context.Context, symbol string) (*models.Market, error) {
	m, ok := f.markets[symbol]
	if !ok {
		return nil, fmt.Errorf("market %s: %w", symbol, db.ErrNotFound)
	}
	return &m, nil
}

func (f *fakeStore) CreateTrade(_ context.Context, trade *models.Trade) (*models.Trade, error) {
	f.nextID++
	created := *trade
	created.ID = f.nextID
	created.CreatedAt = time.Now()
	f.trades = append(f.trades, created)
	return &created, nil
}

func (f *fakeStore) ExecuteFill(_ context.Context, tradeID, _ int, baseAsset, quoteAsset string, baseDelta, quoteDelta float64) (time.Time, error) {
	now := time.Now()
	for i := range f.trades {
		if f.trades[i].ID == tradeID {
			f.trades[i].Status = models.TradeFilled
			f.trades[i].ExecutedAt = &now
		}
	}
	f.balances[baseAsset] += baseDelta
	f.balances[quoteAsset] += quoteDelta
	return now, nil
}

func (f *fakeStore) ListTrades(_ context.Context, _ int, status, symbol string, skip, limit int) ([]models.Trade, error) {
	var out []models.Trade
	for i := len(f.trades) - 1; i >= 0; i-- {
		t := f.trades[i]
		if status != "" && t.Status != status {
			continue
		}
		if symbol != "" && t.Symbol != symbol {
			continue
		}
		out = append(out, t)
	}
	if skip > len(out) {
		skip = len(out)
	}
	out = out[skip:]
	if limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) GetTrade(_ context.Context, tradeID, _ int) (*models.Trade, error) {
	for _, t := range f.trades {
		if t.ID == tradeID {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("trade %d: %w", tradeID, db.ErrNotFound)
}

func (f *fakeStore) ListPortfolio(_ context.Context, userID int) ([]models.Portfolio, error) {
	var out []models.Portfolio
	for asset, balance := range f.balances {
		out = append(out, models.Portfolio{UserID: userID, Asset: asset, Balance: balance})
	}
	return out, nil
}

func btcMarket(price float64) models.Market {
	return models.Market{Symbol: "BTC/USD", BaseAsset: "BTC", QuoteAsset: "USD", Price: price}
}

func floatPtr(v float64) *float64 { return &v }

func TestPlaceOrder_Validation(t *testing.T) {
	tests := []struct {
		name      string
		req       OrderRequest
		expectErr error
	}{
		{
			name:      "InvalidSide",
			req:       OrderRequest{Symbol: "BTC/USD", Side: "hold", OrderType: "market", Amount: 1},
			expectErr: ErrInvalidSide,
		},
		{
			name:      "InvalidOrderType",
			req:       OrderRequest{Symbol: "BTC/USD", Side: "buy", OrderType: "stop", Amount: 1},
			expectErr: ErrInvalidType,
		},
		{
			name:      "LimitWithoutPrice",
			req:       OrderRequest{Symbol: "BTC/USD", Side: "buy", OrderType: "limit", Amount: 1},
			expectErr: ErrPriceRequired,
		},
		{
			name:      "LimitWithZeroPrice",
			req:       OrderRequest{Symbol: "BTC/USD", Side: "buy", OrderType: "limit", Amount: 1, Price: floatPtr(0)},
			expectErr: ErrPriceRequired,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore(btcMarket(50000))
			svc := New(store, zap.NewNop())

			_, err := svc.PlaceOrder(context.Background(), 1, nil, tt.req)
			require.ErrorIs(t, err, tt.expectErr)
			assert.True(t, IsClientError(err))

			// Rejected orders never touch storage.
			assert.Empty(t, store.trades)
			assert.Empty(t, store.balances)
		})
	}
}

func TestPlaceOrder_UnknownMarket(t *testing.T) {
	store := newFakeStore(btcMarket(50000))
	svc := New(store, zap.NewNop())

	_, err := svc.PlaceOrder(context.Background(), 1, nil, OrderRequest{
		Symbol: "DOGE/USD", Side: "buy", OrderType: "market", Amount: 1,
	})

	var unknown *UnknownMarketError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "DOGE/USD", unknown.Symbol)
	assert.Contains(t, err.Error(), "DOGE/USD")
	assert.True(t, IsClientError(err))
	assert.Empty(t, store.trades)
	assert.Empty(t, store.balances)
}

func TestPlaceOrder_MarketBuySettlement(t *testing.T) {
	store := newFakeStore(btcMarket(50000))
	svc := New(store, zap.NewNop())

	trade, err := svc.PlaceOrder(context.Background(), 1, nil, OrderRequest{
		Symbol: "BTC/USD", Side: "buy", OrderType: "market", Amount: 0.5,
	})
	require.NoError(t, err)

	assert.Equal(t, models.TradeFilled, trade.Status)
	require.NotNil(t, trade.ExecutedAt)
	assert.Equal(t, 50000.0, trade.Price)

	assert.Len(t, store.balances, 2)
	assert.Equal(t, 0.5, store.balances["BTC"])
	assert.Equal(t, -25000.0, store.balances["USD"])
}

func TestPlaceOrder_MarketSellSettlement(t *testing.T) {
	store := newFakeStore(btcMarket(50000))
	svc := New(store, zap.NewNop())

	trade, err := svc.PlaceOrder(context.Background(), 1, nil, OrderRequest{
		Symbol: "BTC/USD", Side: "sell", OrderType: "market", Amount: 0.5,
	})
	require.NoError(t, err)

	assert.Equal(t, models.TradeFilled, trade.Status)
	assert.Equal(t, -0.5, store.balances["BTC"])
	assert.Equal(t, 25000.0, store.balances["USD"])
}

func TestPlaceOrder_MarketOrderIgnoresSuppliedPrice(t *testing.T) {
	store := newFakeStore(btcMarket(50000))
	svc := New(store, zap.NewNop())

	trade, err := svc.PlaceOrder(context.Background(), 1, nil, OrderRequest{
		Symbol: "BTC/USD", Side: "buy", OrderType: "market", Amount: 1, Price: floatPtr(1),
	})
	require.NoError(t, err)
	assert.Equal(t, 50000.0, trade.Price)
	assert.Equal(t, -50000.0, store.balances["USD"])
}

func TestPlaceOrder_DuplicateSubmissionDoublesDeltas(t *testing.T) {
	store := newFakeStore(btcMarket(50000))
	svc := New(store, zap.NewNop())

	req := OrderRequest{Symbol: "BTC/USD", Side: "buy", OrderType: "market", Amount: 0.5}
	_, err := svc.PlaceOrder(context.Background(), 1, nil, req)
	require.NoError(t, err)
	_, err = svc.PlaceOrder(context.Background(), 1, nil, req)
	require.NoError(t, err)

	// No de-duplication: two trade rows, both legs applied twice.
	assert.Len(t, store.trades, 2)
	assert.Equal(t, 1.0, store.balances["BTC"])
	assert.Equal(t, -50000.0, store.balances["USD"])
}

func TestPlaceOrder_LimitRestsOpen(t *testing.T) {
	store := newFakeStore(btcMarket(50000))
	svc := New(store, zap.NewNop())

	trade, err := svc.PlaceOrder(context.Background(), 1, nil, OrderRequest{
		Symbol: "BTC/USD", Side: "buy", OrderType: "limit", Amount: 1, Price: floatPtr(42000),
	})
	require.NoError(t, err)

	assert.Equal(t, models.TradeOpen, trade.Status)
	assert.Nil(t, trade.ExecutedAt)
	assert.Equal(t, 42000.0, trade.Price)
	assert.Empty(t, store.balances)
}

func TestPortfolio(t *testing.T) {
	store := newFakeStore(btcMarket(50000))
	store.balances["BTC"] = 2
	store.balances["SOL"] = 3   // no SOL/USD market seeded
	store.balances["USD"] = 0   // zero balances are omitted
	store.balances["ETH"] = -1.5

	svc := New(store, zap.NewNop())
	entries, err := svc.Portfolio(context.Background(), 1)
	require.NoError(t, err)

	byAsset := make(map[string]PortfolioEntry, len(entries))
	for _, e := range entries {
		byAsset[e.Asset] = e
	}

	assert.Len(t, entries, 3)
	assert.NotContains(t, byAsset, "USD")

	require.Contains(t, byAsset, "BTC")
	require.NotNil(t, byAsset["BTC"].ValueUSD)
	assert.Equal(t, 100000.0, *byAsset["BTC"].ValueUSD)

	require.Contains(t, byAsset, "SOL")
	assert.Nil(t, byAsset["SOL"].ValueUSD)

	require.Contains(t, byAsset, "ETH")
	assert.Equal(t, -1.5, byAsset["ETH"].Balance)
}

func TestSplitSymbol(t *testing.T) {
	base, quote, err := splitSymbol("ETH/BTC")
	require.NoError(t, err)
	assert.Equal(t, "ETH", base)
	assert.Equal(t, "BTC", quote)

	_, _, err = splitSymbol("ETHBTC")
	assert.Error(t, err)
}

func TestSettlementDeltas(t *testing.T) {
	baseDelta, quoteDelta := settlementDeltas(models.SideBuy, 2, 100)
	assert.Equal(t, 2.0, baseDelta)
	assert.Equal(t, -200.0, quoteDelta)

	baseDelta, quoteDelta = settlementDeltas(models.SideSell, 2, 100)
	assert.Equal(t, -2.0, baseDelta)
	assert.Equal(t, 200.0, quoteDelta)
}
