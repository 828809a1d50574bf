// Package checkout sells credits through a hosted payment page and credits
// the ledger when the payment provider reports a completed purchase.
package checkout

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/dukerupert/virtualtours/internal/ledger"
	"github.com/dukerupert/virtualtours/internal/metrics"
	"github.com/dukerupert/virtualtours/internal/store"
)

const (
	MinCredits = 1
	MaxCredits = 5

	// PricePerCredit is in minor currency units.
	PricePerCredit = 100
	Currency       = "usd"

	MetaEmail   = "user_email"
	MetaCredits = "credit_amount"

	EventCompleted          = "checkout.session.completed"
	EventAsyncPaymentPassed = "checkout.session.async_payment_succeeded"
)

var (
	ErrInvalidAmount    = errors.New("checkout: credit amount must be between 1 and 5")
	ErrInvalidSignature = errors.New("checkout: invalid signature")
	ErrMissingMetadata  = errors.New("checkout: missing metadata")
	ErrMalformedEvent   = errors.New("checkout: malformed event")
	ErrPaymentProvider  = errors.New("checkout: payment provider error")
)

// Intent describes a hosted checkout page to create.
type Intent struct {
	Email       string
	Description string
	UnitAmount  int64
	Currency    string
	SuccessURL  string
	CancelURL   string
	Metadata    map[string]string
}

type Session struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Event is a verified payment notification.
type Event struct {
	ID       string
	Type     string
	Paid     bool
	Metadata map[string]string
}

type PaymentProvider interface {
	CreateCheckoutSession(ctx context.Context, in Intent) (*Session, error)
	// ConstructEvent verifies signature over payload and decodes it. A bad
	// signature is reported as ErrInvalidSignature, a verified but
	// undecodable event as ErrMalformedEvent.
	ConstructEvent(payload []byte, signature string) (*Event, error)
}

type Outcome string

const (
	OutcomeCredited  Outcome = "credited"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeUnpaid    Outcome = "unpaid"
	OutcomeUnhandled Outcome = "unhandled"
)

type Result struct {
	Outcome Outcome `json:"outcome"`
	EventID string  `json:"event_id"`
	Email   string  `json:"email,omitempty"`
	Credits int64   `json:"credits,omitempty"`
	Balance int64   `json:"balance,omitempty"`
}

type Orchestrator struct {
	db       *sql.DB
	ledger   *ledger.Ledger
	events   *store.EventStore
	provider PaymentProvider
	baseURL  string
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

func New(db *sql.DB, l *ledger.Ledger, events *store.EventStore, provider PaymentProvider, baseURL string, m *metrics.Metrics, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		db:       db,
		ledger:   l,
		events:   events,
		provider: provider,
		baseURL:  strings.TrimRight(baseURL, "/"),
		metrics:  m,
		logger:   logger,
	}
}

// ValidateAmount reports whether credits is a purchasable quantity.
func ValidateAmount(credits int64) error {
	if credits < MinCredits || credits > MaxCredits {
		return ErrInvalidAmount
	}
	return nil
}

// Describe is the line-item name shown on the hosted page.
func Describe(credits int64) string {
	noun := "Credits"
	if credits == 1 {
		noun = "Credit"
	}
	return fmt.Sprintf("Buy %d %s for $%d", credits, noun, credits*PricePerCredit/100)
}

// CreateCheckout opens a hosted checkout page for credits and returns it.
// Provider failures are returned wrapped in ErrPaymentProvider and are not
// retried.
func (o *Orchestrator) CreateCheckout(ctx context.Context, email string, credits int64) (*Session, error) {
	if err := ValidateAmount(credits); err != nil {
		return nil, err
	}
	in := Intent{
		Email:       email,
		Description: Describe(credits),
		UnitAmount:  credits * PricePerCredit,
		Currency:    Currency,
		SuccessURL:  o.baseURL + "/success?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:   o.baseURL + "/cancel",
		Metadata: map[string]string{
			MetaEmail:   email,
			MetaCredits: strconv.FormatInt(credits, 10),
		},
	}
	sess, err := o.provider.CreateCheckoutSession(ctx, in)
	if err != nil {
		o.logger.Error("create checkout session", "email", email, "credits", credits, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrPaymentProvider, err)
	}
	o.logger.Info("checkout session created", "session", sess.ID, "email", email, "credits", credits)
	return sess, nil
}

// HandleNotification verifies and applies a payment notification. A
// completed purchase credits the ledger exactly once per event id.
func (o *Orchestrator) HandleNotification(ctx context.Context, payload []byte, signature string) (*Result, error) {
	evt, err := o.provider.ConstructEvent(payload, signature)
	switch {
	case errors.Is(err, ErrMalformedEvent):
		o.metrics.Webhook("malformed")
		o.logger.Warn("payment notification malformed", "error", err)
		return nil, err
	case errors.Is(err, ErrInvalidSignature):
		o.metrics.Webhook("invalid_signature")
		return nil, err
	case err != nil:
		o.metrics.Webhook("error")
		return nil, fmt.Errorf("construct event: %w", err)
	}

	res, err := o.apply(ctx, evt)
	if err != nil {
		o.metrics.Webhook("error")
		o.logger.Warn("payment notification rejected", "event", evt.ID, "type", evt.Type, "error", err)
		return nil, err
	}
	o.metrics.Webhook(string(res.Outcome))
	return res, nil
}

func (o *Orchestrator) apply(ctx context.Context, evt *Event) (*Result, error) {
	res := &Result{EventID: evt.ID}
	switch evt.Type {
	case EventCompleted, EventAsyncPaymentPassed:
	default:
		res.Outcome = OutcomeUnhandled
		o.logger.Debug("unhandled payment event", "event", evt.ID, "type", evt.Type)
		return res, nil
	}

	email, credits, err := purchaseFrom(evt.Metadata)
	if err != nil {
		return nil, err
	}
	res.Email, res.Credits = email, credits

	if !evt.Paid {
		// Delayed payment methods complete later with an async event.
		res.Outcome = OutcomeUnpaid
		o.logger.Info("checkout completed without payment", "event", evt.ID, "email", email)
		return res, nil
	}
	if evt.ID == "" {
		return nil, fmt.Errorf("%w: event id", ErrMissingMetadata)
	}

	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin credit: %w", err)
	}
	defer tx.Rollback()

	inserted, err := o.events.InsertTx(ctx, tx, evt.ID, evt.Type, email, credits)
	if err != nil {
		return nil, err
	}
	if !inserted {
		res.Outcome = OutcomeDuplicate
		o.logger.Info("duplicate payment event ignored", "event", evt.ID, "email", email)
		return res, nil
	}

	balance, err := o.ledger.CreditTx(ctx, tx, email, credits)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit credit: %w", err)
	}

	res.Outcome = OutcomeCredited
	res.Balance = balance
	o.metrics.CreditsPurchased(credits)
	o.logger.Info("credits purchased", "event", evt.ID, "email", email, "credits", credits, "balance", balance)
	return res, nil
}

func purchaseFrom(meta map[string]string) (string, int64, error) {
	email := strings.ToLower(strings.TrimSpace(meta[MetaEmail]))
	raw := strings.TrimSpace(meta[MetaCredits])
	if email == "" || raw == "" {
		return "", 0, ErrMissingMetadata
	}
	credits, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || credits <= 0 {
		return "", 0, fmt.Errorf("%w: credit_amount %q", ErrMissingMetadata, raw)
	}
	return email, credits, nil
}
