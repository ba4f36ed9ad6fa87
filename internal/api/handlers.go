package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/bucksbot/exchange/internal/auth"
	"github.com/bucksbot/exchange/internal/db"
	"github.com/bucksbot/exchange/internal/exchange"
	"github.com/bucksbot/exchange/internal/ledger"
	"github.com/bucksbot/exchange/internal/models"
)

type ctxKey string

const claimsKey ctxKey = "claims"

// Handler contains dependencies for HTTP handlers
type Handler struct {
	DB          *db.DB
	Exchange    *exchange.Exchange
	Ledger      *ledger.Ledger
	AuthService *auth.AuthService
	Log         *logrus.Logger
}

// NewHandler creates a new handler
func NewHandler(database *db.DB, ex *exchange.Exchange, led *ledger.Ledger, authService *auth.AuthService, log *logrus.Logger) *Handler {
	return &Handler{DB: database, Exchange: ex, Ledger: led, AuthService: authService, Log: log}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps core errors to a structured rejection the command layer
// can turn into user text.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrValidation):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error(), "reason": "validation"})
	case errors.Is(err, models.ErrInsufficientFunds):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error(), "reason": "insufficient_funds"})
	case errors.Is(err, models.ErrOrderNotFound), errors.Is(err, db.ErrAccountNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error(), "reason": "not_found"})
	default:
		h.Log.WithError(err).Error("internal error")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error", "reason": "internal"})
	}
}

// RequestLogger tags every request with an id and logs its outcome.
func (h *Handler) RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.NewString()
		w.Header().Set("X-Request-ID", requestID)
		start := time.Now()
		next.ServeHTTP(w, r)
		h.Log.WithFields(logrus.Fields{
			"request_id": requestID,
			"method":     r.Method,
			"path":       r.URL.Path,
			"duration":   time.Since(start).String(),
		}).Info("request handled")
	})
}

// Register creates a gateway credential
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string `json:"name"`
		Secret   string `json:"secret"`
		Operator bool   `json:"operator"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	gw, err := h.AuthService.Register(r.Context(), req.Name, req.Secret, req.Operator)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"id": gw.ID, "name": gw.Name, "operator": gw.Operator})
}

// Login exchanges a gateway credential for a token
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name   string `json:"name"`
		Secret string `json:"secret"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	token, err := h.AuthService.Login(r.Context(), req.Name, req.Secret)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid credentials"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// JWTAuthMiddleware verifies service tokens
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "authorization header required"})
			return
		}
		if len(tokenString) > 7 && tokenString[:7] == "Bearer " {
			tokenString = tokenString[7:]
		}

		claims, err := h.AuthService.VerifyToken(tokenString)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid or expired token"})
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func callerClaims(r *http.Request) *auth.Claims {
	claims, _ := r.Context().Value(claimsKey).(*auth.Claims)
	return claims
}

// PlaceOrder places an order on behalf of a game user and runs matching
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID   int64           `json:"user_id"`
		Side     string          `json:"side"`
		Quantity decimal.Decimal `json:"quantity"`
		Price    int64           `json:"price"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	orderID, err := h.Exchange.PlaceOrder(r.Context(), req.UserID, models.Side(req.Side), req.Quantity, req.Price)
	if err != nil {
		h.writeError(w, err)
		return
	}

	order, err := h.Exchange.GetOrder(r.Context(), orderID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

// CancelOrder cancels an active order, refunding remaining collateral.
// Operator gateways may cancel any user's order.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid order id"})
		return
	}
	userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id required"})
		return
	}

	claims := callerClaims(r)
	operator := claims != nil && claims.Operator
	if err := h.Exchange.CancelOrder(r.Context(), orderID, userID, operator); err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "order cancelled"})
}

// GetOrderBook returns the aggregate book snapshot
func (h *Handler) GetOrderBook(w http.ResponseWriter, r *http.Request) {
	book, err := h.Exchange.GetOrderBook(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

// GetActiveOrders lists active orders, optionally filtered by side
func (h *Handler) GetActiveOrders(w http.ResponseWriter, r *http.Request) {
	filter := models.Side(r.URL.Query().Get("side"))
	if filter != "" && !filter.Valid() {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "side must be buy or sell"})
		return
	}

	orders, err := h.Exchange.GetActiveOrders(r.Context(), filter)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

// GetRecentTrades returns the latest trades, newest first
func (h *Handler) GetRecentTrades(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	trades, err := h.Exchange.GetRecentTrades(r.Context(), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

type ledgerOp func(ctx context.Context, userID int64, amount decimal.Decimal) error

// ledgerHandler serves the four shared balance primitives the other
// gameplay subsystems (games, theft, tasks, businesses) call.
func (h *Handler) ledgerHandler(op ledgerOp) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			UserID int64           `json:"user_id"`
			Amount decimal.Decimal `json:"amount"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}

		if err := op(r.Context(), req.UserID, req.Amount); err != nil {
			h.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "ok"})
	}
}

// CreditFiat handles POST /ledger/fiat/credit
func (h *Handler) CreditFiat() http.HandlerFunc { return h.ledgerHandler(h.Ledger.CreditFiat) }

// DebitFiat handles POST /ledger/fiat/debit
func (h *Handler) DebitFiat() http.HandlerFunc { return h.ledgerHandler(h.Ledger.DebitFiat) }

// CreditToken handles POST /ledger/token/credit
func (h *Handler) CreditToken() http.HandlerFunc { return h.ledgerHandler(h.Ledger.CreditToken) }

// DebitToken handles POST /ledger/token/debit
func (h *Handler) DebitToken() http.HandlerFunc { return h.ledgerHandler(h.Ledger.DebitToken) }

// GetAccount returns one account's balances
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid user id"})
		return
	}

	acct, err := db.GetAccount(r.Context(), h.DB.Pool, userID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":  acct.UserID,
		"username": acct.Username,
		"fiat":     acct.Fiat,
		"token":    acct.Token,
		"debt":     acct.Debt,
	})
}

// UpdateAccount applies an operator edit to one editable account field
func (h *Handler) UpdateAccount(w http.ResponseWriter, r *http.Request) {
	claims := callerClaims(r)
	if claims == nil || !claims.Operator {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "operator access required"})
		return
	}

	userID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid user id"})
		return
	}

	var req struct {
		Field string `json:"field"`
		Value any    `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	if err := db.UpdateAccountField(r.Context(), h.DB.Pool, userID, db.AccountField(req.Field), req.Value); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "account updated"})
}
