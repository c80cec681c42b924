package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jtan86/cryptodesk/internal/auth"
	"github.com/jtan86/cryptodesk/internal/botrun"
	"github.com/jtan86/cryptodesk/internal/db"
	"github.com/jtan86/cryptodesk/internal/models"
	"github.com/jtan86/cryptodesk/internal/trading"
	"go.uber.org/zap"
)

// Handler contains dependencies for HTTP handlers
type Handler struct {
	DB          *db.DB
	Trading     *trading.Service
	Bots        *botrun.Runner
	AuthService *auth.AuthService
	Log         *zap.Logger
}

// NewHandler creates a new handler
func NewHandler(database *db.DB, tradingSvc *trading.Service, bots *botrun.Runner, authService *auth.AuthService, log *zap.Logger) *Handler {
	return &Handler{DB: database, Trading: tradingSvc, Bots: bots, AuthService: authService, Log: log}
}

// Routes builds the application router. feed, when non-nil, serves the
// market snapshot websocket.
func (h *Handler) Routes(feed http.Handler) *chi.Mux {
	r := chi.NewRouter()

	if feed != nil {
		r.Handle("/ws/markets", feed)
	}

	// Public endpoints
	r.Post("/auth/register", h.Register)
	r.Post("/auth/login", h.Login)
	r.Get("/markets", h.GetMarkets)
	r.Get("/markets/*", h.GetMarket)

	// Protected endpoints (require JWT)
	r.Group(func(r chi.Router) {
		r.Use(h.JWTAuthMiddleware)
		r.Get("/me", h.Me)
		r.Post("/orders", h.PlaceOrder)
		r.Get("/orders", h.GetOrders)
		r.Get("/orders/{id}", h.GetOrder)
		r.Get("/portfolio", h.GetPortfolio)
		r.Post("/bots", h.CreateBot)
		r.Get("/bots", h.GetBots)
		r.Get("/bots/{id}", h.GetBot)
		r.Put("/bots/{id}", h.UpdateBot)
		r.Post("/bots/{id}/start", h.StartBot)
		r.Post("/bots/{id}/stop", h.StopBot)
		r.Get("/bots/{id}/trades", h.GetBotTrades)
	})

	return r
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// Register handles user registration
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Username and password required")
		return
	}

	user, err := h.AuthService.Register(r.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrUsernameTaken):
			writeError(w, http.StatusBadRequest, "Username already registered")
		case errors.Is(err, auth.ErrEmailTaken):
			writeError(w, http.StatusBadRequest, "Email already registered")
		default:
			h.Log.Error("register failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "Failed to register user")
		}
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"id":       user.ID,
		"username": user.Username,
		"email":    user.Email,
	})
}

// Login handles user login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	token, err := h.AuthService.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	json.NewEncoder(w).Encode(map[string]string{"token": token})
}

// Me returns the authenticated user's profile
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("user_id").(int)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	user, err := h.DB.GetUserByID(r.Context(), userID)
	if err != nil {
		h.Log.Error("failed to load user", zap.Int("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to retrieve user")
		return
	}

	json.NewEncoder(w).Encode(user)
}

// JWTAuthMiddleware verifies JWT tokens
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		// Remove "Bearer " prefix if present
		if len(tokenString) > 7 && tokenString[:7] == "Bearer " {
			tokenString = tokenString[7:]
		}

		userID, err := h.AuthService.GetUserFromToken(tokenString)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid or expired token")
			return
		}

		// Add user_id to context
		ctx := context.WithValue(r.Context(), "user_id", userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// PlaceOrder handles order submission
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("user_id").(int)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req trading.OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	trade, err := h.Trading.PlaceOrder(r.Context(), userID, nil, req)
	if err != nil {
		if trading.IsClientError(err) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.Log.Error("failed to place order", zap.Int("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to place order")
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(trade)
}

// GetOrders retrieves a user's orders, newest first
func (h *Handler) GetOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("user_id").(int)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	filter := trading.OrdersFilter{
		Status: r.URL.Query().Get("status"),
		Symbol: r.URL.Query().Get("symbol"),
		Skip:   queryInt(r, "skip", 0),
		Limit:  queryInt(r, "limit", 100),
	}

	orders, err := h.Trading.Orders(r.Context(), userID, filter)
	if err != nil {
		h.Log.Error("failed to list orders", zap.Int("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to retrieve orders")
		return
	}
	if orders == nil {
		orders = []models.Trade{}
	}

	json.NewEncoder(w).Encode(orders)
}

// GetOrder retrieves a single order scoped to the requesting user
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("user_id").(int)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	tradeID, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid order ID")
		return
	}

	trade, err := h.Trading.Order(r.Context(), tradeID, userID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Trade not found")
			return
		}
		h.Log.Error("failed to get order", zap.Int("trade_id", tradeID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to retrieve order")
		return
	}

	json.NewEncoder(w).Encode(trade)
}

// GetMarkets lists all markets
func (h *Handler) GetMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := h.DB.ListMarkets(r.Context())
	if err != nil {
		h.Log.Error("failed to list markets", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to retrieve markets")
		return
	}
	if markets == nil {
		markets = []models.Market{}
	}

	json.NewEncoder(w).Encode(markets)
}

// GetMarket retrieves a single market. Symbols contain a slash
// (BTC/USD), hence the wildcard route.
func (h *Handler) GetMarket(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "*")

	market, err := h.DB.GetMarket(r.Context(), symbol)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Market "+symbol+" not found")
			return
		}
		h.Log.Error("failed to get market", zap.String("symbol", symbol), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to retrieve market")
		return
	}

	json.NewEncoder(w).Encode(market)
}

// GetPortfolio lists the user's non-zero holdings with USD valuations
func (h *Handler) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("user_id").(int)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	entries, err := h.Trading.Portfolio(r.Context(), userID)
	if err != nil {
		h.Log.Error("failed to list portfolio", zap.Int("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to retrieve portfolio")
		return
	}

	json.NewEncoder(w).Encode(entries)
}

// CreateBot creates a bot in the "stopped" state
func (h *Handler) CreateBot(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("user_id").(int)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req struct {
		Name     string `json:"name"`
		Strategy string `json:"strategy"`
		Config   string `json:"config"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if !json.Valid([]byte(req.Config)) {
		writeError(w, http.StatusBadRequest, "Invalid JSON in config field")
		return
	}

	bot, err := h.DB.CreateBot(r.Context(), &models.Bot{
		OwnerID:  userID,
		Name:     req.Name,
		Strategy: req.Strategy,
		Config:   req.Config,
	})
	if err != nil {
		h.Log.Error("failed to create bot", zap.Int("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to create bot")
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(bot)
}

// GetBots lists the user's bots
func (h *Handler) GetBots(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("user_id").(int)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	bots, err := h.DB.ListBots(r.Context(), userID)
	if err != nil {
		h.Log.Error("failed to list bots", zap.Int("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to retrieve bots")
		return
	}
	if bots == nil {
		bots = []models.Bot{}
	}

	json.NewEncoder(w).Encode(bots)
}

// GetBot retrieves a bot scoped to its owner
func (h *Handler) GetBot(w http.ResponseWriter, r *http.Request) {
	bot, ok := h.ownedBot(w, r)
	if !ok {
		return
	}
	json.NewEncoder(w).Encode(bot)
}

// UpdateBot updates a bot's name, strategy and config
func (h *Handler) UpdateBot(w http.ResponseWriter, r *http.Request) {
	bot, ok := h.ownedBot(w, r)
	if !ok {
		return
	}

	var req struct {
		Name     string `json:"name"`
		Strategy string `json:"strategy"`
		Config   string `json:"config"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if !json.Valid([]byte(req.Config)) {
		writeError(w, http.StatusBadRequest, "Invalid JSON in config field")
		return
	}

	bot.Name = req.Name
	bot.Strategy = req.Strategy
	bot.Config = req.Config

	updated, err := h.DB.UpdateBot(r.Context(), bot)
	if err != nil {
		h.Log.Error("failed to update bot", zap.Int("bot_id", bot.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to update bot")
		return
	}

	json.NewEncoder(w).Encode(updated)
}

// ActionResponse reports the outcome of a bot start/stop request.
type ActionResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

// StartBot schedules the bot's simulated trade. Starting an already
// running bot is a no-op reported with success=false.
func (h *Handler) StartBot(w http.ResponseWriter, r *http.Request) {
	bot, ok := h.ownedBot(w, r)
	if !ok {
		return
	}

	if bot.Status == models.BotRunning {
		json.NewEncoder(w).Encode(ActionResponse{
			Success: false,
			Message: "Bot is already running",
			Status:  bot.Status,
		})
		return
	}

	// Fire and forget; the caller observes progress by polling status.
	h.Bots.Start(bot.ID)

	json.NewEncoder(w).Encode(ActionResponse{
		Success: true,
		Message: "Bot started successfully",
		Status:  "starting",
	})
}

// StopBot flips the bot to "stopped" synchronously. It does not cancel
// or await a still-pending start task.
func (h *Handler) StopBot(w http.ResponseWriter, r *http.Request) {
	bot, ok := h.ownedBot(w, r)
	if !ok {
		return
	}

	if bot.Status == models.BotStopped {
		json.NewEncoder(w).Encode(ActionResponse{
			Success: false,
			Message: "Bot is already stopped",
			Status:  bot.Status,
		})
		return
	}

	if err := h.DB.UpdateBotStatus(r.Context(), bot.ID, models.BotStopped); err != nil {
		h.Log.Error("failed to stop bot", zap.Int("bot_id", bot.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to stop bot")
		return
	}

	json.NewEncoder(w).Encode(ActionResponse{
		Success: true,
		Message: "Bot stopped successfully",
		Status:  models.BotStopped,
	})
}

type botTradeView struct {
	ID         int     `json:"id"`
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	Amount     float64 `json:"amount"`
	Price      float64 `json:"price"`
	ExecutedAt *string `json:"executed_at"`
	Status     string  `json:"status"`
}

// GetBotTrades lists a bot's trades, newest first
func (h *Handler) GetBotTrades(w http.ResponseWriter, r *http.Request) {
	bot, ok := h.ownedBot(w, r)
	if !ok {
		return
	}

	limit := queryInt(r, "limit", 10)
	trades, err := h.DB.ListBotTrades(r.Context(), bot.ID, limit)
	if err != nil {
		h.Log.Error("failed to list bot trades", zap.Int("bot_id", bot.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to retrieve trades")
		return
	}

	views := make([]botTradeView, 0, len(trades))
	for _, t := range trades {
		v := botTradeView{
			ID:     t.ID,
			Symbol: t.Symbol,
			Side:   t.Side,
			Amount: t.Amount,
			Price:  t.Price,
			Status: t.Status,
		}
		if t.ExecutedAt != nil {
			s := t.ExecutedAt.Format(time.RFC3339Nano)
			v.ExecutedAt = &s
		}
		views = append(views, v)
	}

	json.NewEncoder(w).Encode(views)
}

// ownedBot resolves {id} to a bot owned by the requesting user, writing
// the error response itself when it cannot.
func (h *Handler) ownedBot(w http.ResponseWriter, r *http.Request) (*models.Bot, bool) {
	userID, ok := r.Context().Value("user_id").(int)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return nil, false
	}

	botID, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid bot ID")
		return nil, false
	}

	bot, err := h.DB.GetBot(r.Context(), botID, userID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Bot not found")
			return nil, false
		}
		h.Log.Error("failed to get bot", zap.Int("bot_id", botID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to retrieve bot")
		return nil, false
	}
	return bot, true
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
