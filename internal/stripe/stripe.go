package stripe

import (
	"context"
	"encoding/json"
	"fmt"

	stripe "github.com/stripe/stripe-go/v82"
	checksession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/dukerupert/virtualtours/internal/checkout"
)

type Config struct {
	SecretKey     string
	WebhookSecret string
}

// Client is the Stripe-backed checkout.PaymentProvider.
type Client struct {
	cfg Config
}

func NewClient(cfg Config) *Client {
	stripe.Key = cfg.SecretKey
	return &Client{cfg: cfg}
}

// CreateCheckoutSession creates a one-off payment checkout session.
func (c *Client) CreateCheckoutSession(ctx context.Context, in checkout.Intent) (*checkout.Session, error) {
	params := &stripe.CheckoutSessionParams{
		Params: stripe.Params{Context: ctx},
		Mode:   stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(in.Currency),
					UnitAmount: stripe.Int64(in.UnitAmount),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(in.Description),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(in.SuccessURL),
		CancelURL:  stripe.String(in.CancelURL),
		Metadata:   in.Metadata,
	}
	if in.Email != "" {
		params.CustomerEmail = stripe.String(in.Email)
	}
	sess, err := checksession.New(params)
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}
	return &checkout.Session{ID: sess.ID, URL: sess.URL}, nil
}

// ConstructEvent verifies the Stripe-Signature header. Only checkout session
// events have their object decoded; every other type comes back with just
// its id and type.
func (c *Client) ConstructEvent(payload []byte, signature string) (*checkout.Event, error) {
	evt, err := webhook.ConstructEventWithOptions(payload, signature, c.cfg.WebhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", checkout.ErrInvalidSignature, err)
	}
	out := &checkout.Event{ID: evt.ID, Type: string(evt.Type)}

	switch out.Type {
	case checkout.EventCompleted, checkout.EventAsyncPaymentPassed:
	default:
		return out, nil
	}
	if evt.Data == nil || len(evt.Data.Raw) == 0 {
		return nil, fmt.Errorf("%w: %s has no data object", checkout.ErrMalformedEvent, evt.ID)
	}

	var sess stripe.CheckoutSession
	if err := json.Unmarshal(evt.Data.Raw, &sess); err != nil {
		return nil, fmt.Errorf("%w: decode checkout session: %v", checkout.ErrMalformedEvent, err)
	}
	out.Metadata = sess.Metadata
	out.Paid = sess.PaymentStatus != stripe.CheckoutSessionPaymentStatusUnpaid
	return out, nil
}
