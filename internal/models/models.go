package models

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Fixed-point precision of the two currencies. Fiat ("bucks") is stored
// with 2 fractional digits, the bitcoin token with 4. Every mutation is
// rounded to these scales before it is persisted.
const (
	FiatScale  = 2
	TokenScale = 4
)

// DustTolerance is the remaining-quantity threshold below which an order
// counts as fully filled.
var DustTolerance = decimal.New(1, -8)

var (
	// ErrValidation rejects malformed input before any state change.
	ErrValidation = errors.New("validation failed")
	// ErrInsufficientFunds is returned by token debits and by order
	// placement pre-flight checks. Fiat debits never return it.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrOrderNotFound means the cancel target does not exist, is not
	// owned by the caller, or is no longer active.
	ErrOrderNotFound = errors.New("order not found")
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is one of the two known sides.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderActive    OrderStatus = "active"
	OrderCompleted OrderStatus = "completed"
	OrderCancelled OrderStatus = "cancelled"
)

// Account is one user's ledger row. Fiat balance never goes negative:
// debits past zero floor the balance and accumulate the shortfall in Debt.
// Token balance is strictly non-negative and debits past zero fail.
type Account struct {
	UserID     int64
	Username   string
	Fiat       decimal.Decimal
	Token      decimal.Decimal
	Debt       decimal.Decimal
	Reputation int
	CreatedAt  time.Time
}

// Order is a resting or incoming exchange order. Locked holds the
// collateral currently held against the unfilled remainder: fiat
// (Quantity×Price at placement) for buys, tokens (Quantity) for sells.
type Order struct {
	ID        int64           `json:"id"`
	UserID    int64           `json:"user_id"`
	Side      Side            `json:"side"`
	Quantity  decimal.Decimal `json:"quantity"`
	Price     int64           `json:"price"`
	Locked    decimal.Decimal `json:"locked"`
	Status    OrderStatus     `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
}

// Trade is an immutable record of one match. Price is always the sell
// order's price.
type Trade struct {
	ID          int64           `json:"id"`
	BuyOrderID  int64           `json:"buy_order_id"`
	SellOrderID int64           `json:"sell_order_id"`
	Quantity    decimal.Decimal `json:"quantity"`
	Price       int64           `json:"price"`
	BuyerID     int64           `json:"buyer_id"`
	SellerID    int64           `json:"seller_id"`
	TradedAt    time.Time       `json:"traded_at"`
}

// BookLevel is one aggregated price level of the order book snapshot.
type BookLevel struct {
	Price         int64           `json:"price"`
	TotalQuantity decimal.Decimal `json:"total_quantity"`
	OrderCount    int             `json:"order_count"`
}

// OrderBook is the aggregate snapshot: bids sorted price-descending,
// asks price-ascending.
type OrderBook struct {
	Bids []BookLevel `json:"bids"`
	Asks []BookLevel `json:"asks"`
}

// RoundFiat rounds d to fiat precision.
func RoundFiat(d decimal.Decimal) decimal.Decimal {
	return d.Round(FiatScale)
}

// RoundToken rounds d to token precision.
func RoundToken(d decimal.Decimal) decimal.Decimal {
	return d.Round(TokenScale)
}
