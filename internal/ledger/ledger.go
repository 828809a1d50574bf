// Package ledger keeps per-account credit balances. Every mutation is a
// single conditional UPDATE so concurrent debits can never drive a balance
// below zero.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dukerupert/virtualtours/internal/store"
)

var (
	ErrAccountNotFound     = errors.New("ledger: account not found")
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	ErrInvalidAmount       = errors.New("ledger: amount must be positive")
)

type Ledger struct {
	db *sql.DB
}

func New(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

// Balance returns the current balance for email.
func (l *Ledger) Balance(ctx context.Context, email string) (int64, error) {
	var balance int64
	err := l.db.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE email = ?`, email).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrAccountNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return balance, nil
}

// Debit subtracts amount from the balance and returns the new balance.
func (l *Ledger) Debit(ctx context.Context, email string, amount int64) (int64, error) {
	return l.DebitTx(ctx, l.db, email, amount)
}

// Credit adds amount to the balance and returns the new balance.
func (l *Ledger) Credit(ctx context.Context, email string, amount int64) (int64, error) {
	return l.CreditTx(ctx, l.db, email, amount)
}

// DebitTx is Debit run on q, so it can share a transaction with other writes.
func (l *Ledger) DebitTx(ctx context.Context, q store.Querier, email string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	var balance int64
	err := q.QueryRowContext(ctx,
		`UPDATE accounts SET balance = balance - ?, updated_at = ?
		 WHERE email = ? AND balance >= ?
		 RETURNING balance`,
		amount, time.Now().UTC(), email, amount,
	).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, missingOrShort(ctx, q, email)
	}
	if err != nil {
		return 0, fmt.Errorf("debit: %w", err)
	}
	return balance, nil
}

// CreditTx is Credit run on q.
func (l *Ledger) CreditTx(ctx context.Context, q store.Querier, email string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	var balance int64
	err := q.QueryRowContext(ctx,
		`UPDATE accounts SET balance = balance + ?, updated_at = ?
		 WHERE email = ?
		 RETURNING balance`,
		amount, time.Now().UTC(), email,
	).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrAccountNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("credit: %w", err)
	}
	return balance, nil
}

func missingOrShort(ctx context.Context, q store.Querier, email string) error {
	var exists int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM accounts WHERE email = ?`, email).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrAccountNotFound
	}
	if err != nil {
		return fmt.Errorf("check account: %w", err)
	}
	return ErrInsufficientBalance
}
