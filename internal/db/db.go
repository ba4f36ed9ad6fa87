package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/bucksbot/exchange/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Querier is the subset of pgx shared by *pgxpool.Pool and pgx.Tx, so the
// same account accessors run standalone or inside a caller's transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ErrAccountNotFound is returned by account lookups for unknown users.
var ErrAccountNotFound = errors.New("account not found")

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

// WithTx runs fn inside a single transaction, committing on nil error and
// rolling back otherwise. Every logical exchange/ledger operation goes
// through here so partial application is never observable.
func (db *DB) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// EnsureAccount inserts an account row with zero balances if the user is
// not known yet.
func EnsureAccount(ctx context.Context, q Querier, userID int64, username string) error {
	_, err := q.Exec(ctx,
		"INSERT INTO users (user_id, username) VALUES ($1, $2) ON CONFLICT (user_id) DO NOTHING",
		userID, username)
	if err != nil {
		return fmt.Errorf("failed to ensure account: %w", err)
	}
	return nil
}

// GetAccount retrieves an account without locking it.
func GetAccount(ctx context.Context, q Querier, userID int64) (*models.Account, error) {
	return scanAccount(q.QueryRow(ctx,
		"SELECT user_id, COALESCE(username, ''), balance::text, bitcoin_balance::text, negative_balance::text, reputation, created_at FROM users WHERE user_id=$1",
		userID))
}

// GetAccountForUpdate retrieves an account holding a row-level exclusive
// lock for the remainder of the surrounding transaction. Callers must be
// inside a transaction.
func GetAccountForUpdate(ctx context.Context, q Querier, userID int64) (*models.Account, error) {
	return scanAccount(q.QueryRow(ctx,
		"SELECT user_id, COALESCE(username, ''), balance::text, bitcoin_balance::text, negative_balance::text, reputation, created_at FROM users WHERE user_id=$1 FOR UPDATE",
		userID))
}

func scanAccount(row pgx.Row) (*models.Account, error) {
	acct := &models.Account{}
	var fiat, token, debt string
	err := row.Scan(&acct.UserID, &acct.Username, &fiat, &token, &debt, &acct.Reputation, &acct.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}
	if acct.Fiat, err = decimal.NewFromString(fiat); err != nil {
		return nil, fmt.Errorf("parse fiat balance: %w", err)
	}
	if acct.Token, err = decimal.NewFromString(token); err != nil {
		return nil, fmt.Errorf("parse token balance: %w", err)
	}
	if acct.Debt, err = decimal.NewFromString(debt); err != nil {
		return nil, fmt.Errorf("parse debt: %w", err)
	}
	return acct, nil
}

// SetFiat writes the fiat balance and accumulated debt of a locked row.
func SetFiat(ctx context.Context, q Querier, userID int64, balance, debt decimal.Decimal) error {
	_, err := q.Exec(ctx,
		"UPDATE users SET balance=$1, negative_balance=$2 WHERE user_id=$3",
		balance.StringFixed(models.FiatScale), debt.StringFixed(models.FiatScale), userID)
	if err != nil {
		return fmt.Errorf("failed to update fiat balance: %w", err)
	}
	return nil
}

// SetToken writes the token balance of a locked row.
func SetToken(ctx context.Context, q Querier, userID int64, balance decimal.Decimal) error {
	_, err := q.Exec(ctx,
		"UPDATE users SET bitcoin_balance=$1 WHERE user_id=$2",
		balance.StringFixed(models.TokenScale), userID)
	if err != nil {
		return fmt.Errorf("failed to update token balance: %w", err)
	}
	return nil
}

// AccountField is the closed set of account columns an operator may edit.
// Field names never reach SQL directly: each variant maps to a fixed
// statement below.
type AccountField string

const (
	FieldUsername   AccountField = "username"
	FieldReputation AccountField = "reputation"
)

var accountFieldSetters = map[AccountField]string{
	FieldUsername:   "UPDATE users SET username=$1 WHERE user_id=$2",
	FieldReputation: "UPDATE users SET reputation=$1 WHERE user_id=$2",
}

// UpdateAccountField applies an operator edit to one editable column.
func UpdateAccountField(ctx context.Context, q Querier, userID int64, field AccountField, value any) error {
	stmt, ok := accountFieldSetters[field]
	if !ok {
		return fmt.Errorf("%w: unknown account field %q", models.ErrValidation, field)
	}
	tag, err := q.Exec(ctx, stmt, value, userID)
	if err != nil {
		return fmt.Errorf("failed to update account field %s: %w", field, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}
