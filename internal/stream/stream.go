// Package stream pushes periodic full market snapshots over a
// websocket until the peer disconnects.
package stream

import (
	"context"
	"net/http"
	"time"

	"github.com/jtan86/cryptodesk/internal/models"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// MarketLister reads the current market rows.
type MarketLister interface {
	ListMarkets(ctx context.Context) ([]models.Market, error)
}

type snapshotEntry struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Volume24h float64 `json:"volume_24h"`
	Change24h float64 `json:"change_24h"`
	Timestamp string  `json:"timestamp"`
}

type snapshotMessage struct {
	Type string          `json:"type"`
	Data []snapshotEntry `json:"data"`
}

// Handler serves the market snapshot feed. Each connection owns its own
// ticker loop; there is no shared client registry.
type Handler struct {
	markets  MarketLister
	interval time.Duration
	log      *zap.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates a snapshot feed handler broadcasting every interval.
func NewHandler(markets MarketLister, interval time.Duration, log *zap.Logger) *Handler {
	return &Handler{
		markets:  markets,
		interval: interval,
		log:      log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins in development
			},
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("failed to upgrade connection", zap.Error(err))
		return
	}
	defer conn.Close()

	log := h.log.With(zap.String("conn_id", uuid.New().String()))
	log.Info("market stream connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The peer sends nothing we care about; a read error is the only
	// disconnect signal.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := h.push(ctx, conn); err != nil {
		log.Info("market stream closed", zap.Error(err))
		return
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("market stream disconnected")
			return
		case <-ticker.C:
			if err := h.push(ctx, conn); err != nil {
				log.Info("market stream closed", zap.Error(err))
				return
			}
		}
	}
}

// push reads every market row and writes the full snapshot.
func (h *Handler) push(ctx context.Context, conn *websocket.Conn) error {
	markets, err := h.markets.ListMarkets(ctx)
	if err != nil {
		return errors.Wrap(err, "list markets")
	}

	now := time.Now().Format(time.RFC3339Nano)
	msg := snapshotMessage{Type: "market_update", Data: make([]snapshotEntry, 0, len(markets))}
	for _, m := range markets {
		msg.Data = append(msg.Data, snapshotEntry{
			Symbol:    m.Symbol,
			Price:     m.Price,
			Volume24h: m.Volume24h,
			Change24h: m.Change24h,
			Timestamp: now,
		})
	}
	return conn.WriteJSON(msg)
}
