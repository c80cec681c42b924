package models

import (
	"encoding/json"
	"time"
)

// Order sides.
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Order types.
const (
	OrderTypeMarket = "market"
	OrderTypeLimit  = "limit"
)

// Trade statuses. Canceled exists in the schema but no code path sets it.
const (
	TradeOpen     = "open"
	TradeFilled   = "filled"
	TradeCanceled = "canceled"
)

// Bot statuses.
const (
	BotStopped = "stopped"
	BotRunning = "running"
	BotError   = "error"
)

// User represents a registered user
type User struct {
	ID           int       `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Bot represents a trading bot owned by a user. Config holds the
// serialized BotConfig the bot was created with.
type Bot struct {
	ID        int        `json:"id"`
	OwnerID   int        `json:"owner_id"`
	Name      string     `json:"name"`
	Strategy  string     `json:"strategy"`
	Config    string     `json:"config"`
	Status    string     `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at"`
}

// Trade represents a submitted order. Market orders fill immediately;
// limit orders rest as "open" and are never matched.
type Trade struct {
	ID         int        `json:"id"`
	UserID     int        `json:"user_id"`
	BotID      *int       `json:"bot_id"`
	Symbol     string     `json:"symbol"` // e.g. BTC/USD
	Side       string     `json:"side"`
	OrderType  string     `json:"order_type"`
	Amount     float64    `json:"amount"` // base-asset quantity
	Price      float64    `json:"price"`  // quote-asset units per base unit
	Status     string     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	ExecutedAt *time.Time `json:"executed_at"`
}

// Portfolio is a per-user, per-asset running balance. Balances are
// signed; nothing prevents a sell from driving one negative.
type Portfolio struct {
	ID        int        `json:"id"`
	UserID    int        `json:"user_id"`
	Asset     string     `json:"asset"`
	Balance   float64    `json:"balance"`
	UpdatedAt *time.Time `json:"updated_at"`
}

// Market is a quoted trading pair. Prices are seeded externally and
// never written by this service.
type Market struct {
	ID         int     `json:"-"`
	Symbol     string  `json:"symbol"`
	BaseAsset  string  `json:"base_asset"`
	QuoteAsset string  `json:"quote_asset"`
	Price      float64 `json:"price"`
	Volume24h  float64 `json:"volume_24h"`
	Change24h  float64 `json:"change_24h"`
}

// Defaults applied to bot configs with missing fields.
const (
	DefaultBotSymbol = "BTC/USD"
	DefaultBotSide   = SideBuy
	DefaultBotAmount = 0.01
)

// BotConfig is the typed view of a bot's configuration blob.
type BotConfig struct {
	Symbol string
	Side   string
	Amount float64
}

// ParseBotConfig decodes a bot's JSON config, filling absent fields
// with the documented defaults.
func ParseBotConfig(raw string) (BotConfig, error) {
	cfg := BotConfig{
		Symbol: DefaultBotSymbol,
		Side:   DefaultBotSide,
		Amount: DefaultBotAmount,
	}

	var in struct {
		Symbol *string  `json:"symbol"`
		Side   *string  `json:"side"`
		Amount *float64 `json:"amount"`
	}
	if err := json.Unmarshal([]byte(raw), &in); err != nil {
		return BotConfig{}, err
	}

	if in.Symbol != nil {
		cfg.Symbol = *in.Symbol
	}
	if in.Side != nil {
		cfg.Side = *in.Side
	}
	if in.Amount != nil {
		cfg.Amount = *in.Amount
	}
	return cfg, nil
}
