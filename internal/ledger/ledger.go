// Package ledger implements the shared balance primitives every economy
// subsystem mutates bucks and bitcoin through. Fiat debits never fail:
// a debit past zero floors the balance and records the shortfall as debt.
// Token debits are strictly checked and fail with ErrInsufficientFunds.
package ledger

import (
	"context"
	"fmt"

	"github.com/bucksbot/exchange/internal/db"
	"github.com/bucksbot/exchange/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Ledger mutates account balances. The Tx-suffixed methods compose with a
// caller-supplied transaction; the plain methods open their own.
type Ledger struct {
	DB  *db.DB
	Log *logrus.Logger
}

// New creates a ledger over the given database.
func New(database *db.DB, log *logrus.Logger) *Ledger {
	return &Ledger{DB: database, Log: log}
}

// CreditFiatTx adds amount (positive, fiat precision) to the user's bucks
// balance inside tx.
func (l *Ledger) CreditFiatTx(ctx context.Context, tx pgx.Tx, userID int64, amount decimal.Decimal) error {
	return l.applyFiat(ctx, tx, userID, amount)
}

// DebitFiatTx removes amount from the user's bucks balance inside tx. A
// debit past zero floors the balance at zero and adds the shortfall to the
// account's debt; it never returns ErrInsufficientFunds.
func (l *Ledger) DebitFiatTx(ctx context.Context, tx pgx.Tx, userID int64, amount decimal.Decimal) error {
	return l.applyFiat(ctx, tx, userID, amount.Neg())
}

// CreditTokenTx adds amount (positive, token precision) to the user's
// bitcoin balance inside tx.
func (l *Ledger) CreditTokenTx(ctx context.Context, tx pgx.Tx, userID int64, amount decimal.Decimal) error {
	return l.applyToken(ctx, tx, userID, amount)
}

// DebitTokenTx removes amount from the user's bitcoin balance inside tx.
// Fails with ErrInsufficientFunds and performs no mutation if the balance
// would go negative.
func (l *Ledger) DebitTokenTx(ctx context.Context, tx pgx.Tx, userID int64, amount decimal.Decimal) error {
	return l.applyToken(ctx, tx, userID, amount.Neg())
}

func validAmount(amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", models.ErrValidation)
	}
	return nil
}

func (l *Ledger) applyFiat(ctx context.Context, tx pgx.Tx, userID int64, delta decimal.Decimal) error {
	if err := validAmount(delta.Abs()); err != nil {
		return err
	}
	acct, err := l.lockAccount(ctx, tx, userID)
	if err != nil {
		return err
	}

	balance := acct.Fiat.Add(delta)
	debt := acct.Debt
	if balance.Sign() < 0 {
		// Soft overdraft: floor at zero, track the deficit. Not an
		// error and not logged as one.
		debt = debt.Add(balance.Abs())
		balance = decimal.Zero
		l.Log.WithFields(logrus.Fields{
			"user_id": userID,
			"debt":    debt.StringFixed(models.FiatScale),
		}).Debug("fiat debit floored at zero")
	}
	return db.SetFiat(ctx, tx, userID, models.RoundFiat(balance), models.RoundFiat(debt))
}

func (l *Ledger) applyToken(ctx context.Context, tx pgx.Tx, userID int64, delta decimal.Decimal) error {
	if err := validAmount(delta.Abs()); err != nil {
		return err
	}
	acct, err := l.lockAccount(ctx, tx, userID)
	if err != nil {
		return err
	}

	balance := acct.Token.Add(delta)
	if balance.Sign() < 0 {
		return models.ErrInsufficientFunds
	}
	return db.SetToken(ctx, tx, userID, models.RoundToken(balance))
}

// lockAccount takes the exclusive row lock, creating the account first if
// the user has never been seen.
func (l *Ledger) lockAccount(ctx context.Context, tx pgx.Tx, userID int64) (*models.Account, error) {
	acct, err := db.GetAccountForUpdate(ctx, tx, userID)
	if err == db.ErrAccountNotFound {
		if err := db.EnsureAccount(ctx, tx, userID, ""); err != nil {
			return nil, err
		}
		acct, err = db.GetAccountForUpdate(ctx, tx, userID)
	}
	if err != nil {
		return nil, err
	}
	return acct, nil
}

// CreditFiat is the standalone form of CreditFiatTx.
func (l *Ledger) CreditFiat(ctx context.Context, userID int64, amount decimal.Decimal) error {
	return l.DB.WithTx(ctx, func(tx pgx.Tx) error {
		return l.CreditFiatTx(ctx, tx, userID, amount)
	})
}

// DebitFiat is the standalone form of DebitFiatTx.
func (l *Ledger) DebitFiat(ctx context.Context, userID int64, amount decimal.Decimal) error {
	return l.DB.WithTx(ctx, func(tx pgx.Tx) error {
		return l.DebitFiatTx(ctx, tx, userID, amount)
	})
}

// CreditToken is the standalone form of CreditTokenTx.
func (l *Ledger) CreditToken(ctx context.Context, userID int64, amount decimal.Decimal) error {
	return l.DB.WithTx(ctx, func(tx pgx.Tx) error {
		return l.CreditTokenTx(ctx, tx, userID, amount)
	})
}

// DebitToken is the standalone form of DebitTokenTx.
func (l *Ledger) DebitToken(ctx context.Context, userID int64, amount decimal.Decimal) error {
	return l.DB.WithTx(ctx, func(tx pgx.Tx) error {
		return l.DebitTokenTx(ctx, tx, userID, amount)
	})
}

// FiatBalance returns the user's bucks balance, zero for unknown users.
func (l *Ledger) FiatBalance(ctx context.Context, userID int64) (decimal.Decimal, error) {
	acct, err := db.GetAccount(ctx, l.DB.Pool, userID)
	if err == db.ErrAccountNotFound {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return acct.Fiat, nil
}

// TokenBalance returns the user's bitcoin balance, zero for unknown users.
func (l *Ledger) TokenBalance(ctx context.Context, userID int64) (decimal.Decimal, error) {
	acct, err := db.GetAccount(ctx, l.DB.Pool, userID)
	if err == db.ErrAccountNotFound {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return acct.Token, nil
}
