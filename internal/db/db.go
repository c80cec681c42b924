package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jtan86/cryptodesk/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// DB wraps a PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB initializes a new database connection pool
func NewDB(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close(ctx context.Context) error {
	db.Pool.Close()
	return nil
}

// CreateUser inserts a new user
func (db *DB) CreateUser(ctx context.Context, username, email, passwordHash string) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"INSERT INTO users (username, email, password_hash) VALUES ($1, $2, $3) RETURNING id, username, email, password_hash, created_at",
		username, email, passwordHash).Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// GetUserByUsername retrieves a user by username
func (db *DB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"SELECT id, username, email, password_hash, created_at FROM users WHERE username = $1",
		username).Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("user %q: %w", username, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// GetUserByEmail retrieves a user by email
func (db *DB) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"SELECT id, username, email, password_hash, created_at FROM users WHERE email = $1",
		email).Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("user %q: %w", email, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// GetUserByID retrieves a user by id
func (db *DB) GetUserByID(ctx context.Context, userID int) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"SELECT id, username, email, password_hash, created_at FROM users WHERE id = $1",
		userID).Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("user %d: %w", userID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// CreateBot inserts a new bot in the "stopped" state
func (db *DB) CreateBot(ctx context.Context, bot *models.Bot) (*models.Bot, error) {
	newBot := &models.Bot{}
	err := db.Pool.QueryRow(ctx,
		"INSERT INTO bots (owner_id, name, strategy, config, status) VALUES ($1, $2, $3, $4, $5) "+
			"RETURNING id, owner_id, name, strategy, config, status, created_at, updated_at",
		bot.OwnerID, bot.Name, bot.Strategy, bot.Config, models.BotStopped).Scan(
		&newBot.ID, &newBot.OwnerID, &newBot.Name, &newBot.Strategy, &newBot.Config, &newBot.Status, &newBot.CreatedAt, &newBot.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	return newBot, nil
}

// GetBot retrieves a bot by id, scoped to its owner
func (db *DB) GetBot(ctx context.Context, botID, ownerID int) (*models.Bot, error) {
	bot := &models.Bot{}
	err := db.Pool.QueryRow(ctx,
		"SELECT id, owner_id, name, strategy, config, status, created_at, updated_at FROM bots WHERE id = $1 AND owner_id = $2",
		botID, ownerID).Scan(
		&bot.ID, &bot.OwnerID, &bot.Name, &bot.Strategy, &bot.Config, &bot.Status, &bot.CreatedAt, &bot.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("bot %d: %w", botID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get bot: %w", err)
	}
	return bot, nil
}

// GetBotByID retrieves a bot by id regardless of owner. Used by the
// background task runner, which already trusts the id it was given.
func (db *DB) GetBotByID(ctx context.Context, botID int) (*models.Bot, error) {
	bot := &models.Bot{}
	err := db.Pool.QueryRow(ctx,
		"SELECT id, owner_id, name, strategy, config, status, created_at, updated_at FROM bots WHERE id = $1",
		botID).Scan(
		&bot.ID, &bot.OwnerID, &bot.Name, &bot.Strategy, &bot.Config, &bot.Status, &bot.CreatedAt, &bot.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("bot %d: %w", botID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get bot: %w", err)
	}
	return bot, nil
}

// ListBots retrieves all bots owned by a user
func (db *DB) ListBots(ctx context.Context, ownerID int) ([]models.Bot, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT id, owner_id, name, strategy, config, status, created_at, updated_at FROM bots WHERE owner_id = $1 ORDER BY id",
		ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list bots: %w", err)
	}
	defer rows.Close()

	var bots []models.Bot
	for rows.Next() {
		var bot models.Bot
		if err := rows.Scan(&bot.ID, &bot.OwnerID, &bot.Name, &bot.Strategy, &bot.Config, &bot.Status, &bot.CreatedAt, &bot.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan bot: %w", err)
		}
		bots = append(bots, bot)
	}
	return bots, rows.Err()
}

// UpdateBot updates a bot's name, strategy and config, scoped to its owner
func (db *DB) UpdateBot(ctx context.Context, bot *models.Bot) (*models.Bot, error) {
	updated := &models.Bot{}
	err := db.Pool.QueryRow(ctx,
		"UPDATE bots SET name = $1, strategy = $2, config = $3, updated_at = NOW() WHERE id = $4 AND owner_id = $5 "+
			"RETURNING id, owner_id, name, strategy, config, status, created_at, updated_at",
		bot.Name, bot.Strategy, bot.Config, bot.ID, bot.OwnerID).Scan(
		&updated.ID, &updated.OwnerID, &updated.Name, &updated.Strategy, &updated.Config, &updated.Status, &updated.CreatedAt, &updated.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("bot %d: %w", bot.ID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to update bot: %w", err)
	}
	return updated, nil
}

// UpdateBotStatus updates a bot's status
func (db *DB) UpdateBotStatus(ctx context.Context, botID int, status string) error {
	_, err := db.Pool.Exec(ctx, "UPDATE bots SET status = $1, updated_at = NOW() WHERE id = $2", status, botID)
	if err != nil {
		return fmt.Errorf("failed to update bot status: %w", err)
	}
	return nil
}

// CreateTrade inserts a new trade row
func (db *DB) CreateTrade(ctx context.Context, trade *models.Trade) (*models.Trade, error) {
	newTrade := &models.Trade{}
	err := db.Pool.QueryRow(ctx,
		"INSERT INTO trades (user_id, bot_id, symbol, side, order_type, amount, price, status) VALUES ($1, $2, $3, $4, $5, $6, $7, $8) "+
			"RETURNING id, user_id, bot_id, symbol, side, order_type, amount, price, status, created_at, executed_at",
		trade.UserID, trade.BotID, trade.Symbol, trade.Side, trade.OrderType, trade.Amount, trade.Price, trade.Status).Scan(
		&newTrade.ID, &newTrade.UserID, &newTrade.BotID, &newTrade.Symbol, &newTrade.Side, &newTrade.OrderType,
		&newTrade.Amount, &newTrade.Price, &newTrade.Status, &newTrade.CreatedAt, &newTrade.ExecutedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create trade: %w", err)
	}
	return newTrade, nil
}

// ExecuteFill marks a trade filled and applies both settlement legs in
// a single transaction. Portfolio rows are upserted additively with an
// initial balance of zero; negative results are allowed.
func (db *DB) ExecuteFill(ctx context.Context, tradeID, userID int, baseAsset, quoteAsset string, baseDelta, quoteDelta float64) (time.Time, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var executedAt time.Time
	err = tx.QueryRow(ctx,
		"UPDATE trades SET status = $1, executed_at = NOW() WHERE id = $2 RETURNING executed_at",
		models.TradeFilled, tradeID).Scan(&executedAt)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to mark trade filled: %w", err)
	}

	const upsert = "INSERT INTO portfolios (user_id, asset, balance, updated_at) VALUES ($1, $2, $3, NOW()) " +
		"ON CONFLICT (user_id, asset) DO UPDATE SET balance = portfolios.balance + EXCLUDED.balance, updated_at = NOW()"

	if _, err := tx.Exec(ctx, upsert, userID, baseAsset, baseDelta); err != nil {
		return time.Time{}, fmt.Errorf("failed to settle base leg: %w", err)
	}
	if _, err := tx.Exec(ctx, upsert, userID, quoteAsset, quoteDelta); err != nil {
		return time.Time{}, fmt.Errorf("failed to settle quote leg: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return time.Time{}, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return executedAt, nil
}

// ListTrades retrieves a user's trades newest-first, optionally
// filtered by status and symbol.
func (db *DB) ListTrades(ctx context.Context, userID int, status, symbol string, skip, limit int) ([]models.Trade, error) {
	query := "SELECT id, user_id, bot_id, symbol, side, order_type, amount, price, status, created_at, executed_at FROM trades WHERE user_id = $1"
	args := []interface{}{userID}

	if status != "" {
		args = append(args, status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if symbol != "" {
		args = append(args, symbol)
		query += fmt.Sprintf(" AND symbol = $%d", len(args))
	}
	args = append(args, skip)
	query += fmt.Sprintf(" ORDER BY created_at DESC OFFSET $%d", len(args))
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))

	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list trades: %w", err)
	}
	defer rows.Close()

	return scanTrades(rows)
}

// GetTrade retrieves a trade by id, scoped to the requesting user
func (db *DB) GetTrade(ctx context.Context, tradeID, userID int) (*models.Trade, error) {
	trade := &models.Trade{}
	err := db.Pool.QueryRow(ctx,
		"SELECT id, user_id, bot_id, symbol, side, order_type, amount, price, status, created_at, executed_at FROM trades WHERE id = $1 AND user_id = $2",
		tradeID, userID).Scan(
		&trade.ID, &trade.UserID, &trade.BotID, &trade.Symbol, &trade.Side, &trade.OrderType,
		&trade.Amount, &trade.Price, &trade.Status, &trade.CreatedAt, &trade.ExecutedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("trade %d: %w", tradeID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get trade: %w", err)
	}
	return trade, nil
}

// ListBotTrades retrieves a bot's trades newest-first
func (db *DB) ListBotTrades(ctx context.Context, botID, limit int) ([]models.Trade, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT id, user_id, bot_id, symbol, side, order_type, amount, price, status, created_at, executed_at "+
			"FROM trades WHERE bot_id = $1 ORDER BY created_at DESC LIMIT $2",
		botID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list bot trades: %w", err)
	}
	defer rows.Close()

	return scanTrades(rows)
}

func scanTrades(rows pgx.Rows) ([]models.Trade, error) {
	var trades []models.Trade
	for rows.Next() {
		var trade models.Trade
		if err := rows.Scan(&trade.ID, &trade.UserID, &trade.BotID, &trade.Symbol, &trade.Side, &trade.OrderType,
			&trade.Amount, &trade.Price, &trade.Status, &trade.CreatedAt, &trade.ExecutedAt); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, trade)
	}
	return trades, rows.Err()
}

// ListPortfolio retrieves all portfolio rows for a user, zero balances included
func (db *DB) ListPortfolio(ctx context.Context, userID int) ([]models.Portfolio, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT id, user_id, asset, balance, updated_at FROM portfolios WHERE user_id = $1 ORDER BY asset",
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list portfolio: %w", err)
	}
	defer rows.Close()

	var entries []models.Portfolio
	for rows.Next() {
		var p models.Portfolio
		if err := rows.Scan(&p.ID, &p.UserID, &p.Asset, &p.Balance, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan portfolio entry: %w", err)
		}
		entries = append(entries, p)
	}
	return entries, rows.Err()
}

// GetMarket retrieves a market by symbol
func (db *DB) GetMarket(ctx context.Context, symbol string) (*models.Market, error) {
	market := &models.Market{}
	err := db.Pool.QueryRow(ctx,
		"SELECT id, symbol, base_asset, quote_asset, price, volume_24h, change_24h FROM markets WHERE symbol = $1",
		symbol).Scan(&market.ID, &market.Symbol, &market.BaseAsset, &market.QuoteAsset, &market.Price, &market.Volume24h, &market.Change24h)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("market %s: %w", symbol, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get market: %w", err)
	}
	return market, nil
}

// ListMarkets retrieves all markets
func (db *DB) ListMarkets(ctx context.Context) ([]models.Market, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT id, symbol, base_asset, quote_asset, price, volume_24h, change_24h FROM markets ORDER BY symbol")
	if err != nil {
		return nil, fmt.Errorf("failed to list markets: %w", err)
	}
	defer rows.Close()

	var markets []models.Market
	for rows.Next() {
		var m models.Market
		if err := rows.Scan(&m.ID, &m.Symbol, &m.BaseAsset, &m.QuoteAsset, &m.Price, &m.Volume24h, &m.Change24h); err != nil {
			return nil, fmt.Errorf("failed to scan market: %w", err)
		}
		markets = append(markets, m)
	}
	return markets, rows.Err()
}
