package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/dukerupert/virtualtours/internal/checkout"
	"github.com/dukerupert/virtualtours/internal/ledger"
)

const maxWebhookBytes = 65536

type WebhookHandler struct {
	orchestrator *checkout.Orchestrator
	logger       *slog.Logger
}

func NewWebhookHandler(o *checkout.Orchestrator, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{orchestrator: o, logger: logger}
}

// HandleStripeWebhook applies a signed Stripe event. Unknown accounts get a
// 404 so Stripe redelivers; unhandled event types get a 200.
func (h *WebhookHandler) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "read error"})
		return
	}

	res, err := h.orchestrator.HandleNotification(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		switch {
		case errors.Is(err, checkout.ErrInvalidSignature):
			h.logger.Warn("webhook signature rejected", "error", err)
		case errors.Is(err, checkout.ErrMissingMetadata), errors.Is(err, checkout.ErrMalformedEvent), errors.Is(err, ledger.ErrAccountNotFound):
		default:
			h.logger.Error("webhook processing", "error", err)
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
