// Package magiclink issues and verifies single-use, time-limited sign-in
// tokens delivered by email.
package magiclink

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/dukerupert/virtualtours/internal/model"
	"github.com/dukerupert/virtualtours/internal/store"
)

const DefaultTTL = 15 * time.Minute

var (
	ErrEmailRequired    = errors.New("magiclink: email is required")
	ErrInvalidOrExpired = errors.New("magiclink: invalid or expired link")
)

// Sender delivers a sign-in URL to a recipient.
type Sender interface {
	Configured() bool
	SendMagicLink(ctx context.Context, toEmail, link string) error
}

type Authenticator struct {
	accounts *store.AccountStore
	sender   Sender
	baseURL  string
	ttl      time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

type Option func(*Authenticator)

func WithTTL(d time.Duration) Option {
	return func(a *Authenticator) { a.ttl = d }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Authenticator) { a.now = now }
}

func NewAuthenticator(accounts *store.AccountStore, sender Sender, baseURL string, logger *slog.Logger, opts ...Option) *Authenticator {
	a := &Authenticator{
		accounts: accounts,
		sender:   sender,
		baseURL:  strings.TrimRight(baseURL, "/"),
		ttl:      DefaultTTL,
		now:      time.Now,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// NormalizeEmail trims and lowercases an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// RequestLink creates the account if needed, stores a fresh token on it and
// emails the sign-in URL. Delivery failures are logged, not returned.
func (a *Authenticator) RequestLink(ctx context.Context, email string) error {
	email = NormalizeEmail(email)
	if email == "" {
		return ErrEmailRequired
	}

	if _, err := a.accounts.GetOrCreate(ctx, email); err != nil {
		return fmt.Errorf("get or create account: %w", err)
	}

	token, err := generateToken()
	if err != nil {
		return err
	}
	expiry := a.now().UTC().Add(a.ttl)
	if err := a.accounts.SetMagicLink(ctx, email, token, expiry); err != nil {
		return err
	}

	link := a.LinkFor(token)
	if a.sender == nil || !a.sender.Configured() {
		a.logger.Warn("email not configured, magic link not sent", "email", email, "link", link)
		return nil
	}
	if err := a.sender.SendMagicLink(ctx, email, link); err != nil {
		a.logger.Error("failed to send magic link", "email", email, "error", err)
		return nil
	}
	a.logger.Info("magic link sent", "email", email, "expires_at", expiry)
	return nil
}

// Verify consumes token and returns the now-active account.
func (a *Authenticator) Verify(ctx context.Context, token string) (*model.Account, error) {
	if token == "" {
		return nil, ErrInvalidOrExpired
	}
	acct, err := a.accounts.ConsumeMagicLink(ctx, token, a.now())
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, ErrInvalidOrExpired
	}
	return acct, nil
}

// LinkFor builds the sign-in URL carrying token.
func (a *Authenticator) LinkFor(token string) string {
	return a.baseURL + "/auth/verify?token=" + url.QueryEscape(token)
}

func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
