package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/jtan86/cryptodesk/internal/config"
	"github.com/jtan86/cryptodesk/internal/db"

	"golang.org/x/crypto/bcrypt"
)

// Seed the database with demo markets, users and a bot
func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	database, err := db.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close(ctx)

	// Markets are the anchor: if they exist, assume the rest does too.
	markets, err := database.ListMarkets(ctx)
	if err != nil {
		log.Fatalf("Failed to check markets: %v", err)
	}
	if len(markets) > 0 {
		fmt.Printf("Database already has %d markets. No need to seed.\n", len(markets))
		os.Exit(0)
	}

	seedMarkets := []struct {
		symbol, base, quote      string
		price, volume24h, change float64
	}{
		{"BTC/USD", "BTC", "USD", 64250.50, 28453.7, 2.35},
		{"ETH/USD", "ETH", "USD", 3412.80, 190234.2, -1.12},
		{"SOL/USD", "SOL", "USD", 148.25, 842911.6, 5.87},
		{"ETH/BTC", "ETH", "BTC", 0.05312, 4123.9, -3.44},
	}
	for _, m := range seedMarkets {
		_, err := database.Pool.Exec(ctx,
			"INSERT INTO markets (symbol, base_asset, quote_asset, price, volume_24h, change_24h) VALUES ($1, $2, $3, $4, $5, $6)",
			m.symbol, m.base, m.quote, m.price, m.volume24h, m.change)
		if err != nil {
			log.Fatalf("Failed to create market %s: %v", m.symbol, err)
		}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte("password123"), bcrypt.DefaultCost)
	if err != nil {
		log.Fatalf("Failed to hash demo password: %v", err)
	}

	var user1ID, user2ID int
	err = database.Pool.QueryRow(ctx,
		"INSERT INTO users (username, email, password_hash) VALUES ('trader1', 'trader1@example.com', $1) ON CONFLICT (username) DO UPDATE SET email = EXCLUDED.email RETURNING id",
		string(hash)).Scan(&user1ID)
	if err != nil {
		log.Fatalf("Failed to create trader1: %v", err)
	}
	err = database.Pool.QueryRow(ctx,
		"INSERT INTO users (username, email, password_hash) VALUES ('trader2', 'trader2@example.com', $1) ON CONFLICT (username) DO UPDATE SET email = EXCLUDED.email RETURNING id",
		string(hash)).Scan(&user2ID)
	if err != nil {
		log.Fatalf("Failed to create trader2: %v", err)
	}

	_, err = database.Pool.Exec(ctx,
		"INSERT INTO bots (owner_id, name, strategy, config, status) VALUES ($1, 'demo-dca', 'dca', '{\"symbol\": \"BTC/USD\", \"side\": \"buy\", \"amount\": 0.01}', 'stopped')",
		user1ID)
	if err != nil {
		log.Fatalf("Failed to create demo bot: %v", err)
	}

	// Give both demo users a starting USD balance.
	for _, userID := range []int{user1ID, user2ID} {
		_, err = database.Pool.Exec(ctx,
			"INSERT INTO portfolios (user_id, asset, balance) VALUES ($1, 'USD', 10000) ON CONFLICT (user_id, asset) DO NOTHING",
			userID)
		if err != nil {
			log.Fatalf("Failed to seed portfolio for user %d: %v", userID, err)
		}
	}

	fmt.Println("Successfully seeded the database with demo data!")
}
