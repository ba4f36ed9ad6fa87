// Package exchange implements the bitcoin order book: order placement and
// cancellation with locked-collateral accounting, the price-time priority
// matching engine, and the trade log. Each public operation runs as one
// database transaction, so a matching pass and its settlements commit or
// roll back together.
package exchange

import (
	"context"
	"errors"
	"fmt"

	"github.com/bucksbot/exchange/internal/db"
	"github.com/bucksbot/exchange/internal/ledger"
	"github.com/bucksbot/exchange/internal/models"
	"github.com/bucksbot/exchange/internal/settings"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const orderColumns = "id, user_id, type, amount::text, price, total_locked::text, status, created_at"

// Exchange manages the order book and matching engine.
type Exchange struct {
	DB       *db.DB
	Ledger   *ledger.Ledger
	Settings *settings.Cache
	Log      *logrus.Logger
}

// New creates an exchange over the given database and ledger.
func New(database *db.DB, led *ledger.Ledger, cache *settings.Cache, log *logrus.Logger) *Exchange {
	return &Exchange{DB: database, Ledger: led, Settings: cache, Log: log}
}

// PlaceOrder validates the order, locks collateral (tokens for sells, fiat
// for buys), inserts the order, and runs the matching engine — all in one
// transaction. The returned order may already be partially or fully filled.
func (e *Exchange) PlaceOrder(ctx context.Context, userID int64, side models.Side, quantity decimal.Decimal, price int64) (int64, error) {
	if !side.Valid() {
		return 0, fmt.Errorf("%w: side must be buy or sell", models.ErrValidation)
	}
	quantity = models.RoundToken(quantity)
	if quantity.Sign() <= 0 {
		return 0, fmt.Errorf("%w: quantity must be positive", models.ErrValidation)
	}
	if price < 1 {
		return 0, fmt.Errorf("%w: price must be at least 1", models.ErrValidation)
	}

	var orderID int64
	err := e.DB.WithTx(ctx, func(tx pgx.Tx) error {
		acct, err := db.GetAccountForUpdate(ctx, tx, userID)
		if err != nil {
			if errors.Is(err, db.ErrAccountNotFound) {
				return models.ErrInsufficientFunds
			}
			return err
		}

		var locked decimal.Decimal
		if side == models.SideSell {
			if acct.Token.LessThan(quantity) {
				return models.ErrInsufficientFunds
			}
			if err := e.Ledger.DebitTokenTx(ctx, tx, userID, quantity); err != nil {
				return err
			}
			locked = quantity
		} else {
			total := models.RoundFiat(quantity.Mul(decimal.NewFromInt(price)))
			maxInput, err := e.Settings.Float(ctx, settings.MaxInputKey)
			if err != nil {
				return err
			}
			if total.GreaterThan(decimal.NewFromFloat(maxInput)) {
				return fmt.Errorf("%w: order total exceeds the maximum of %.2f", models.ErrValidation, maxInput)
			}
			if acct.Fiat.LessThan(total) {
				return models.ErrInsufficientFunds
			}
			if err := e.Ledger.DebitFiatTx(ctx, tx, userID, total); err != nil {
				return err
			}
			locked = total
		}

		err = tx.QueryRow(ctx,
			"INSERT INTO bitcoin_orders (user_id, type, amount, price, total_locked) VALUES ($1, $2, $3, $4, $5) RETURNING id",
			userID, string(side), quantity.StringFixed(models.TokenScale), price,
			locked.StringFixed(models.TokenScale)).Scan(&orderID)
		if err != nil {
			return fmt.Errorf("failed to create order: %w", err)
		}

		return e.match(ctx, tx)
	})
	if err != nil {
		return 0, err
	}

	e.Log.WithFields(logrus.Fields{
		"order_id": orderID,
		"user_id":  userID,
		"side":     side,
		"quantity": quantity.StringFixed(models.TokenScale),
		"price":    price,
	}).Info("order placed")
	return orderID, nil
}

// CancelOrder refunds the order's remaining locked collateral and marks it
// cancelled. Only the owner may cancel unless operator is set. Orders that
// are already completed or cancelled report ErrOrderNotFound.
func (e *Exchange) CancelOrder(ctx context.Context, orderID, userID int64, operator bool) error {
	err := e.DB.WithTx(ctx, func(tx pgx.Tx) error {
		query := "SELECT " + orderColumns + " FROM bitcoin_orders WHERE id=$1 AND status='active'"
		args := []any{orderID}
		if !operator {
			query += " AND user_id=$2"
			args = append(args, userID)
		}
		order, err := scanOrder(tx.QueryRow(ctx, query+" FOR UPDATE", args...))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return models.ErrOrderNotFound
			}
			return err
		}

		// Refund the remaining lock, not the original order size.
		if order.Locked.Sign() > 0 {
			if order.Side == models.SideSell {
				if err := e.Ledger.CreditTokenTx(ctx, tx, order.UserID, order.Locked); err != nil {
					return err
				}
			} else {
				if err := e.Ledger.CreditFiatTx(ctx, tx, order.UserID, order.Locked); err != nil {
					return err
				}
			}
		}

		_, err = tx.Exec(ctx, "UPDATE bitcoin_orders SET status='cancelled' WHERE id=$1", order.ID)
		if err != nil {
			return fmt.Errorf("failed to cancel order: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	e.Log.WithFields(logrus.Fields{
		"order_id": orderID,
		"user_id":  userID,
		"operator": operator,
	}).Info("order cancelled")
	return nil
}

// match runs the engine to fixpoint inside tx: best bid against best ask
// while bid >= ask, executing at the sell order's price. Each iteration
// re-selects and locks the two best orders so a concurrent pass cannot
// observe stale quantities.
func (e *Exchange) match(ctx context.Context, tx pgx.Tx) error {
	for {
		buy, err := e.bestOrder(ctx, tx, models.SideBuy)
		if err != nil {
			return err
		}
		sell, err := e.bestOrder(ctx, tx, models.SideSell)
		if err != nil {
			return err
		}
		if buy == nil || sell == nil || buy.Price < sell.Price {
			return nil
		}

		// The resting seller sets the execution price, even when the
		// incoming order is the sell.
		tradePrice := sell.Price
		tradeQty := decimal.Min(buy.Quantity, sell.Quantity)
		totalCost := tradeQty.Mul(decimal.NewFromInt(tradePrice))

		// Collateral was debited at placement, so settlement is a pure
		// credit to each counterparty.
		if err := e.Ledger.CreditFiatTx(ctx, tx, sell.UserID, totalCost); err != nil {
			return err
		}
		if err := e.Ledger.CreditTokenTx(ctx, tx, buy.UserID, tradeQty); err != nil {
			return err
		}

		if err := e.shrinkOrder(ctx, tx, buy, tradeQty, totalCost); err != nil {
			return err
		}
		if err := e.shrinkOrder(ctx, tx, sell, tradeQty, tradeQty); err != nil {
			return err
		}

		_, err = tx.Exec(ctx,
			"INSERT INTO bitcoin_trades (buy_order_id, sell_order_id, amount, price, buyer_id, seller_id) VALUES ($1, $2, $3, $4, $5, $6)",
			buy.ID, sell.ID, tradeQty.StringFixed(models.TokenScale), tradePrice, buy.UserID, sell.UserID)
		if err != nil {
			return fmt.Errorf("failed to record trade: %w", err)
		}

		e.Log.WithFields(logrus.Fields{
			"buy_order_id":  buy.ID,
			"sell_order_id": sell.ID,
			"quantity":      tradeQty.StringFixed(models.TokenScale),
			"price":         tradePrice,
		}).Info("trade executed")
	}
}

// bestOrder locks and returns the top-priority active order on one side:
// highest price first for buys, lowest first for sells, earliest creation
// (then lowest id) among equal prices. Returns nil when the side is empty.
func (e *Exchange) bestOrder(ctx context.Context, tx pgx.Tx, side models.Side) (*models.Order, error) {
	direction := "ASC"
	if side == models.SideBuy {
		direction = "DESC"
	}
	order, err := scanOrder(tx.QueryRow(ctx,
		"SELECT "+orderColumns+" FROM bitcoin_orders WHERE type=$1 AND status='active' ORDER BY price "+direction+", created_at ASC, id ASC LIMIT 1 FOR UPDATE",
		string(side)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return order, nil
}

// shrinkOrder reduces an order's remaining quantity and locked collateral
// after a fill, completing it once the remainder is dust.
func (e *Exchange) shrinkOrder(ctx context.Context, tx pgx.Tx, order *models.Order, qty, lockDelta decimal.Decimal) error {
	remaining := models.RoundToken(decimal.Max(decimal.Zero, order.Quantity.Sub(qty)))
	locked := models.RoundToken(decimal.Max(decimal.Zero, order.Locked.Sub(lockDelta)))

	if remaining.LessThanOrEqual(models.DustTolerance) {
		_, err := tx.Exec(ctx,
			"UPDATE bitcoin_orders SET status='completed', amount=0, total_locked=0 WHERE id=$1",
			order.ID)
		if err != nil {
			return fmt.Errorf("failed to complete order: %w", err)
		}
		return nil
	}
	_, err := tx.Exec(ctx,
		"UPDATE bitcoin_orders SET amount=$1, total_locked=$2 WHERE id=$3",
		remaining.StringFixed(models.TokenScale), locked.StringFixed(models.TokenScale), order.ID)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	return nil
}

// GetOrder retrieves one order by id.
func (e *Exchange) GetOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	order, err := scanOrder(e.DB.Pool.QueryRow(ctx,
		"SELECT "+orderColumns+" FROM bitcoin_orders WHERE id=$1", orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrOrderNotFound
	}
	return order, err
}

// GetOrderBook returns the aggregate snapshot: resting quantity and order
// count per price level, bids descending and asks ascending.
func (e *Exchange) GetOrderBook(ctx context.Context) (*models.OrderBook, error) {
	book := &models.OrderBook{Bids: []models.BookLevel{}, Asks: []models.BookLevel{}}

	bids, err := e.bookLevels(ctx, models.SideBuy)
	if err != nil {
		return nil, err
	}
	asks, err := e.bookLevels(ctx, models.SideSell)
	if err != nil {
		return nil, err
	}
	book.Bids, book.Asks = bids, asks
	return book, nil
}

func (e *Exchange) bookLevels(ctx context.Context, side models.Side) ([]models.BookLevel, error) {
	direction := "ASC"
	if side == models.SideBuy {
		direction = "DESC"
	}
	rows, err := e.DB.Pool.Query(ctx,
		"SELECT price, SUM(amount)::text, COUNT(*) FROM bitcoin_orders WHERE type=$1 AND status='active' GROUP BY price ORDER BY price "+direction,
		string(side))
	if err != nil {
		return nil, fmt.Errorf("failed to get order book: %w", err)
	}
	defer rows.Close()

	levels := []models.BookLevel{}
	for rows.Next() {
		var level models.BookLevel
		var total string
		if err := rows.Scan(&level.Price, &total, &level.OrderCount); err != nil {
			return nil, fmt.Errorf("failed to scan book level: %w", err)
		}
		if level.TotalQuantity, err = decimal.NewFromString(total); err != nil {
			return nil, fmt.Errorf("parse level quantity: %w", err)
		}
		levels = append(levels, level)
	}
	return levels, rows.Err()
}

// GetActiveOrders lists active orders. A buy or sell filter returns that
// side in matching priority; no filter returns all sides newest first.
func (e *Exchange) GetActiveOrders(ctx context.Context, filter models.Side) ([]models.Order, error) {
	var query string
	var args []any
	switch filter {
	case models.SideBuy:
		query = "SELECT " + orderColumns + " FROM bitcoin_orders WHERE type='buy' AND status='active' ORDER BY price DESC, created_at ASC, id ASC"
	case models.SideSell:
		query = "SELECT " + orderColumns + " FROM bitcoin_orders WHERE type='sell' AND status='active' ORDER BY price ASC, created_at ASC, id ASC"
	default:
		query = "SELECT " + orderColumns + " FROM bitcoin_orders WHERE status='active' ORDER BY created_at DESC, id DESC"
	}

	rows, err := e.DB.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get active orders: %w", err)
	}
	defer rows.Close()

	orders := []models.Order{}
	for rows.Next() {
		order, err := scanOrderRow(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *order)
	}
	return orders, rows.Err()
}

// GetRecentTrades returns the most recent trades, newest first.
func (e *Exchange) GetRecentTrades(ctx context.Context, limit int) ([]models.Trade, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := e.DB.Pool.Query(ctx,
		"SELECT id, buy_order_id, sell_order_id, amount::text, price, buyer_id, seller_id, traded_at FROM bitcoin_trades ORDER BY traded_at DESC, id DESC LIMIT $1",
		limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get trades: %w", err)
	}
	defer rows.Close()

	trades := []models.Trade{}
	for rows.Next() {
		var trade models.Trade
		var amount string
		err := rows.Scan(&trade.ID, &trade.BuyOrderID, &trade.SellOrderID, &amount,
			&trade.Price, &trade.BuyerID, &trade.SellerID, &trade.TradedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		if trade.Quantity, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("parse trade quantity: %w", err)
		}
		trades = append(trades, trade)
	}
	return trades, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*models.Order, error) {
	order := &models.Order{}
	var side, status string
	var amount, locked string
	err := row.Scan(&order.ID, &order.UserID, &side, &amount, &order.Price, &locked, &status, &order.CreatedAt)
	if err != nil {
		return nil, err
	}
	order.Side = models.Side(side)
	order.Status = models.OrderStatus(status)
	if order.Quantity, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse order quantity: %w", err)
	}
	if order.Locked, err = decimal.NewFromString(locked); err != nil {
		return nil, fmt.Errorf("parse order lock: %w", err)
	}
	return order, nil
}

func scanOrderRow(rows pgx.Rows) (*models.Order, error) {
	order, err := scanOrder(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan order: %w", err)
	}
	return order, nil
}
