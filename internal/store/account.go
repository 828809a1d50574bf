package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/virtualtours/internal/model"
)

type AccountStore struct {
	db *sql.DB
}

func NewAccountStore(db *sql.DB) *AccountStore {
	return &AccountStore{db: db}
}

func scanAccount(scanner interface{ Scan(...any) error }) (*model.Account, error) {
	var a model.Account
	var token sql.NullString
	var expiry sql.NullTime
	err := scanner.Scan(&a.Email, &token, &expiry, &a.IsActive, &a.Balance, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if token.Valid {
		a.MagicLinkToken = &token.String
	}
	if expiry.Valid {
		a.MagicLinkExpiry = &expiry.Time
	}
	return &a, nil
}

const accountCols = `email, magic_link_token, magic_link_expiry, is_active, balance, created_at, updated_at`

// GetOrCreate returns the account for email, inserting an inactive account
// with a zero balance if none exists.
func (s *AccountStore) GetOrCreate(ctx context.Context, email string) (*model.Account, error) {
	_, err := s.db.ExecContext(ctx, `INSERT INTO accounts (email) VALUES (?) ON CONFLICT (email) DO NOTHING`, email)
	if err != nil {
		return nil, fmt.Errorf("insert account: %w", err)
	}
	a, err := s.GetByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, fmt.Errorf("account %q missing after insert", email)
	}
	return a, nil
}

func (s *AccountStore) GetByEmail(ctx context.Context, email string) (*model.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountCols+` FROM accounts WHERE email = ?`, email)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account by email: %w", err)
	}
	return a, nil
}

// SetMagicLink stores a sign-in token and its expiry on the account,
// replacing any token issued earlier.
func (s *AccountStore) SetMagicLink(ctx context.Context, email, token string, expiry time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET magic_link_token = ?, magic_link_expiry = ?, updated_at = ? WHERE email = ?`,
		token, expiry.UTC(), time.Now().UTC(), email,
	)
	if err != nil {
		return fmt.Errorf("set magic link: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("set magic link: account %q not found", email)
	}
	return nil
}

// ConsumeMagicLink activates the account holding token if the token has not
// expired at now, clearing token and expiry in the same statement. It
// returns nil when no unexpired token matches.
func (s *AccountStore) ConsumeMagicLink(ctx context.Context, token string, now time.Time) (*model.Account, error) {
	var email string
	err := s.db.QueryRowContext(ctx,
		`UPDATE accounts
		 SET is_active = 1, magic_link_token = NULL, magic_link_expiry = NULL, updated_at = ?
		 WHERE magic_link_token = ? AND magic_link_expiry > ?
		 RETURNING email`,
		now.UTC(), token, now.UTC(),
	).Scan(&email)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("consume magic link: %w", err)
	}
	return s.GetByEmail(ctx, email)
}

// ClearExpiredMagicLinks drops tokens that can no longer be used.
func (s *AccountStore) ClearExpiredMagicLinks(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET magic_link_token = NULL, magic_link_expiry = NULL
		 WHERE magic_link_token IS NOT NULL AND magic_link_expiry <= ?`,
		now.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("clear expired magic links: %w", err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return count, nil
}

func (s *AccountStore) Delete(ctx context.Context, email string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE email = ?`, email)
	if err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	return nil
}
