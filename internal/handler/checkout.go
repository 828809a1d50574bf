package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/dukerupert/virtualtours/internal/auth"
	"github.com/dukerupert/virtualtours/internal/checkout"
)

type CheckoutHandler struct {
	orchestrator *checkout.Orchestrator
	logger       *slog.Logger
}

func NewCheckoutHandler(o *checkout.Orchestrator, logger *slog.Logger) *CheckoutHandler {
	return &CheckoutHandler{orchestrator: o, logger: logger}
}

// CreateCheckoutSession creates a hosted checkout page and returns its URL.
func (h *CheckoutHandler) CreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	raw, err := formValue(r, "credit_amount")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}
	credits, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeError(w, checkout.ErrInvalidAmount)
		return
	}

	sess, err := h.orchestrator.CreateCheckout(r.Context(), auth.Email(r.Context()), credits)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *CheckoutHandler) Success(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "payment_received",
		"session_id": r.URL.Query().Get("session_id"),
	})
}

func (h *CheckoutHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "payment_cancelled"})
}
