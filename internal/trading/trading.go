// Package trading implements the order path: intake validation,
// execution resolution and portfolio settlement.
package trading

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jtan86/cryptodesk/internal/db"
	"github.com/jtan86/cryptodesk/internal/models"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Client input errors. The HTTP layer maps these to 400 responses with
// the error text as the message.
var (
	ErrInvalidSide   = errors.New("Side must be 'buy' or 'sell'")
	ErrInvalidType   = errors.New("Order type must be 'market' or 'limit'")
	ErrPriceRequired = errors.New("Price is required for limit orders")
)

// UnknownMarketError reports an order against a symbol no market row exists for.
type UnknownMarketError struct {
	Symbol string
}

func (e *UnknownMarketError) Error() string {
	return fmt.Sprintf("Market %s not found", e.Symbol)
}

// OrderRequest is a new order submission. Price is optional and only
// consulted for limit orders; market orders always fill at the quoted
// market price.
type OrderRequest struct {
	Symbol    string   `json:"symbol"`
	Side      string   `json:"side"`
	OrderType string   `json:"order_type"`
	Amount    float64  `json:"amount"`
	Price     *float64 `json:"price"`
}

// PortfolioEntry is a non-zero holding with a best-effort USD valuation.
type PortfolioEntry struct {
	Asset    string   `json:"asset"`
	Balance  float64  `json:"balance"`
	ValueUSD *float64 `json:"value_usd"`
}

// OrdersFilter narrows an order listing.
type OrdersFilter struct {
	Status string
	Symbol string
	Skip   int
	Limit  int
}

// Store is the persistence surface the trading service needs.
type Store interface {
	GetMarket(ctx context.Context, symbol string) (*models.Market, error)
	CreateTrade(ctx context.Context, trade *models.Trade) (*models.Trade, error)
	ExecuteFill(ctx context.Context, tradeID, userID int, baseAsset, quoteAsset string, baseDelta, quoteDelta float64) (time.Time, error)
	ListTrades(ctx context.Context, userID int, status, symbol string, skip, limit int) ([]models.Trade, error)
	GetTrade(ctx context.Context, tradeID, userID int) (*models.Trade, error)
	ListPortfolio(ctx context.Context, userID int) ([]models.Portfolio, error)
}

// Service executes orders and reads trading state.
type Service struct {
	store Store
	log   *zap.Logger
}

// New creates a trading service.
func New(store Store, log *zap.Logger) *Service {
	return &Service{store: store, log: log}
}

// PlaceOrder validates and persists an order for a user. Market orders
// fill immediately at the current market price and settle both
// portfolio legs; limit orders are persisted "open" and never revisited.
// botID is non-nil for orders placed by a bot task.
func (s *Service) PlaceOrder(ctx context.Context, userID int, botID *int, req OrderRequest) (*models.Trade, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	market, err := s.store.GetMarket(ctx, req.Symbol)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, &UnknownMarketError{Symbol: req.Symbol}
		}
		return nil, errors.Wrap(err, "resolve market")
	}

	price := fillPrice(req, market)

	trade, err := s.store.CreateTrade(ctx, &models.Trade{
		UserID:    userID,
		BotID:     botID,
		Symbol:    req.Symbol,
		Side:      req.Side,
		OrderType: req.OrderType,
		Amount:    req.Amount,
		Price:     price,
		Status:    models.TradeOpen,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create trade")
	}

	if req.OrderType != models.OrderTypeMarket {
		return trade, nil
	}

	base, quote, err := splitSymbol(req.Symbol)
	if err != nil {
		return nil, err
	}
	baseDelta, quoteDelta := settlementDeltas(req.Side, req.Amount, price)

	executedAt, err := s.store.ExecuteFill(ctx, trade.ID, userID, base, quote, baseDelta, quoteDelta)
	if err != nil {
		return nil, errors.Wrap(err, "settle fill")
	}
	trade.Status = models.TradeFilled
	trade.ExecutedAt = &executedAt

	s.log.Info("market order filled",
		zap.Int("trade_id", trade.ID),
		zap.Int("user_id", userID),
		zap.String("symbol", req.Symbol),
		zap.String("side", req.Side),
		zap.Float64("amount", req.Amount),
		zap.Float64("price", price))
	return trade, nil
}

// Orders lists a user's trades newest-first.
func (s *Service) Orders(ctx context.Context, userID int, f OrdersFilter) ([]models.Trade, error) {
	trades, err := s.store.ListTrades(ctx, userID, f.Status, f.Symbol, f.Skip, f.Limit)
	if err != nil {
		return nil, errors.Wrap(err, "list trades")
	}
	return trades, nil
}

// Order fetches a single trade scoped to the requesting user.
func (s *Service) Order(ctx context.Context, tradeID, userID int) (*models.Trade, error) {
	return s.store.GetTrade(ctx, tradeID, userID)
}

// Portfolio returns the user's non-zero holdings, each valued through
// the {asset}/USD market when that row exists.
func (s *Service) Portfolio(ctx context.Context, userID int) ([]PortfolioEntry, error) {
	holdings, err := s.store.ListPortfolio(ctx, userID)
	if err != nil {
		return nil, errors.Wrap(err, "list portfolio")
	}

	entries := make([]PortfolioEntry, 0, len(holdings))
	for _, h := range holdings {
		if h.Balance == 0 {
			continue
		}
		entry := PortfolioEntry{Asset: h.Asset, Balance: h.Balance}

		market, err := s.store.GetMarket(ctx, h.Asset+"/USD")
		switch {
		case err == nil:
			value := h.Balance * market.Price
			entry.ValueUSD = &value
		case !errors.Is(err, db.ErrNotFound):
			return nil, errors.Wrap(err, "value holding")
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func validate(req OrderRequest) error {
	if req.Side != models.SideBuy && req.Side != models.SideSell {
		return ErrInvalidSide
	}
	if req.OrderType != models.OrderTypeMarket && req.OrderType != models.OrderTypeLimit {
		return ErrInvalidType
	}
	// A zero price counts as absent.
	if req.OrderType == models.OrderTypeLimit && (req.Price == nil || *req.Price == 0) {
		return ErrPriceRequired
	}
	return nil
}

// fillPrice resolves the effective price: the quoted price for limit
// orders, the current market price for market orders.
func fillPrice(req OrderRequest, market *models.Market) float64 {
	if req.OrderType == models.OrderTypeLimit {
		return *req.Price
	}
	return market.Price
}

// splitSymbol breaks a pair symbol into its base and quote assets.
func splitSymbol(symbol string) (base, quote string, err error) {
	base, quote, ok := strings.Cut(symbol, "/")
	if !ok {
		return "", "", errors.Errorf("malformed symbol %q", symbol)
	}
	return base, quote, nil
}

// settlementDeltas computes both balance legs of a fill.
// buy:  base += amount, quote -= amount*price
// sell: base -= amount, quote += amount*price
func settlementDeltas(side string, amount, price float64) (baseDelta, quoteDelta float64) {
	if side == models.SideBuy {
		return amount, -amount * price
	}
	return -amount, amount * price
}

// IsClientError reports whether err is a rejected-input error the HTTP
// layer should surface as a 400.
func IsClientError(err error) bool {
	var unknown *UnknownMarketError
	return errors.Is(err, ErrInvalidSide) ||
		errors.Is(err, ErrInvalidType) ||
		errors.Is(err, ErrPriceRequired) ||
		errors.As(err, &unknown)
}
